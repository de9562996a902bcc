package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Framing selects how message boundaries are found on the byte stream.
type Framing string

const (
	// FramingLength prefixes every payload with a 4-byte big-endian
	// uint32 length.
	FramingLength Framing = "length"
	// FramingRaw writes bare encodings and expects each one to fit in a
	// single read of ReadBufferSize bytes. Larger messages are lost.
	FramingRaw Framing = "raw"
)

const (
	DefaultReadBufferSize = 16384
	DefaultMaxFrameSize   = 32 << 20

	frameHeaderLength = 4
)

// ErrFrameTooLarge is returned when a length header exceeds
// MaxFrameSize. The payload has already been discarded from the stream,
// so the next read starts at a frame boundary.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")

// Options configures a Conn. Zero values fall back to the defaults.
type Options struct {
	Framing        Framing
	ReadBufferSize int
	MaxFrameSize   int
}

func (o Options) withDefaults() Options {
	if o.Framing == "" {
		o.Framing = FramingLength
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = DefaultReadBufferSize
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	return o
}

// Conn reads and writes frames over a byte stream. It is not safe for
// concurrent use; each connection has exactly one reader goroutine.
type Conn struct {
	rw      io.ReadWriter
	opts    Options
	buf     []byte
	pending []byte
}

func NewConn(rw io.ReadWriter, opts Options) *Conn {
	opts = opts.withDefaults()
	c := &Conn{rw: rw, opts: opts}
	if opts.Framing == FramingRaw {
		c.buf = make([]byte, opts.ReadBufferSize)
	}
	return c
}

func (c *Conn) Framing() Framing { return c.opts.Framing }

// ReadFrame returns the next unit of input. With length framing that is
// one complete payload. With raw framing it is whatever a single read
// produced. A clean peer close is reported as io.EOF.
func (c *Conn) ReadFrame() ([]byte, error) {
	if c.opts.Framing == FramingRaw {
		return c.readRaw()
	}
	return c.readLength()
}

func (c *Conn) readRaw() ([]byte, error) {
	n, err := c.rw.Read(c.buf)
	if n > 0 {
		frame := make([]byte, n)
		copy(frame, c.buf[:n])
		clear(c.buf[:n])
		return frame, nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return nil, err
}

func (c *Conn) readLength() ([]byte, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(c.rw, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if uint64(length) > uint64(c.opts.MaxFrameSize) {
		if _, err := io.CopyN(io.Discard, c.rw, int64(length)); err != nil {
			return nil, fmt.Errorf("discard oversized frame: %w", unexpected(err))
		}
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, c.opts.MaxFrameSize)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(c.rw, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", unexpected(err))
	}
	return payload, nil
}

// WriteFrame sends payload with a single Write call.
func (c *Conn) WriteFrame(payload []byte) error {
	if c.opts.Framing == FramingRaw {
		_, err := c.rw.Write(payload)
		return err
	}
	if len(payload) > c.opts.MaxFrameSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), c.opts.MaxFrameSize)
	}
	frame := make([]byte, frameHeaderLength+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[frameHeaderLength:], payload)
	_, err := c.rw.Write(frame)
	return err
}

// Send encodes m and writes it as one frame.
func (c *Conn) Send(m Message) error {
	payload, err := Encode(m)
	if err != nil {
		return err
	}
	return c.WriteFrame(payload)
}

// Receive returns the next complete message. Unlike the server's
// one-decode-per-read loop, raw framing here buffers partial input and
// splits concatenated encodings, so a LoginResponse followed closely by
// Quit yields two messages.
func (c *Conn) Receive() (Message, error) {
	if c.opts.Framing != FramingRaw {
		frame, err := c.readLength()
		if err != nil {
			return nil, err
		}
		return Decode(frame)
	}
	for {
		if len(c.pending) > 0 {
			m, rest, err := DecodeFirst(c.pending)
			if err == nil {
				c.pending = rest
				return m, nil
			}
			if !errors.Is(err, io.ErrUnexpectedEOF) {
				c.pending = nil
				return nil, err
			}
			if len(c.pending) >= c.opts.ReadBufferSize*64 {
				c.pending = nil
				return nil, fmt.Errorf("%w: unterminated message", ErrDecode)
			}
		}
		frame, err := c.readRaw()
		if err != nil {
			if errors.Is(err, io.EOF) && len(c.pending) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		c.pending = append(c.pending, frame...)
	}
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
