// Package relay accepts TCP clients and runs one connection handler per
// socket: authenticate, then persist Text/File/Image messages until the
// peer quits or disconnects.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"go-relay/internal/blob"
	"go-relay/internal/chat"
	"go-relay/internal/metrics"
	"go-relay/internal/protocol"
)

// Store is the persistence handle shared by every connection. It must be
// safe for concurrent use.
type Store interface {
	CreateUser(ctx context.Context, remoteAddr, passwordHash string) (int64, error)
	SaveTextMessage(ctx context.Context, senderID, receiverID int64, content string) error
	PersistBlob(ctx context.Context, senderID int64, kind blob.Kind, name string, content []byte) (string, error)
}

// Authenticator checks the shared credential.
type Authenticator interface {
	Verify(username, password string) bool
	PasswordHash() string
}

type Options struct {
	Wire protocol.Options
	// AuthRequired makes Login the mandatory first exchange. When false
	// the session user is created on accept.
	AuthRequired bool
	// ReceiverID is written as receiver_id on every stored text.
	ReceiverID int64
	// IdleTimeout bounds each socket read and write. Zero disables it.
	IdleTimeout time.Duration
	// MaxDecodeFailures closes a connection after that many consecutive
	// undecodable reads. Zero means never.
	MaxDecodeFailures int
}

type Server struct {
	opts   Options
	store  Store
	auth   Authenticator
	log    zerolog.Logger
	wg     sync.WaitGroup
	active atomic.Int64
}

func NewServer(opts Options, store Store, auth Authenticator, log zerolog.Logger) *Server {
	if opts.ReceiverID == 0 {
		opts.ReceiverID = chat.DefaultReceiverID
	}
	return &Server{opts: opts, store: store, auth: auth, log: log}
}

// ListenAndServe binds addr and serves until ctx is cancelled. A bind
// failure is returned immediately wrapped in ErrBind.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrBind, addr, err)
	}
	s.log.Info().Str("addr", ln.Addr().String()).Str("framing", string(s.opts.Wire.Framing)).Msg("relay listening")
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln and spawns a handler for each. The
// accept loop never waits on handler work. When ctx is cancelled the
// listener and all live connections are closed and Serve returns nil
// once every handler has finished.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			if isTemporary(err) {
				delay = nextDelay(delay)
				s.log.Warn().Err(err).Dur("retry_in", delay).Msg("accept failed")
				select {
				case <-ctx.Done():
				case <-time.After(delay):
				}
				continue
			}
			ln.Close()
			return fmt.Errorf("relay: accept: %w", err)
		}
		delay = 0

		metrics.ConnectionsAccepted.Inc()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

// ActiveSessions is the number of connection handlers currently running.
func (s *Server) ActiveSessions() int64 {
	return s.active.Load()
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	s.active.Add(1)
	metrics.ConnectionsActive.Inc()
	defer func() {
		s.active.Add(-1)
		metrics.ConnectionsActive.Dec()
	}()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	log := s.log.With().Str("remote_addr", conn.RemoteAddr().String()).Logger()
	log.Info().Msg("client connected")

	err := newSession(conn, s, log).run(ctx)
	switch {
	case err == nil:
		log.Info().Msg("connection closed")
	case isExpectedClose(err):
		log.Info().Err(err).Msg("connection closed by peer")
	default:
		log.Error().Err(err).Msg("connection aborted")
	}
}

func isTemporary(err error) bool {
	var te interface{ Temporary() bool }
	return errors.As(err, &te) && te.Temporary()
}

func nextDelay(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}
