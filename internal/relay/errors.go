package relay

import (
	"errors"
	"io"
	"net"
	"syscall"
)

var (
	// ErrBind means the listener could not acquire its address. Fatal to
	// the process.
	ErrBind = errors.New("relay: bind failed")
	// ErrSocket is a read or write failure on a client connection. Fatal
	// to that connection only.
	ErrSocket = errors.New("relay: socket error")
	// ErrSessionUser means the session user could not be created, so the
	// connection is aborted.
	ErrSessionUser = errors.New("relay: session user not created")
)

// isExpectedClose reports whether err is an ordinary peer disconnect:
// EOF, a closed connection, a broken pipe or a reset.
func isExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
