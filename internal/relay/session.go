package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"go-relay/internal/blob"
	"go-relay/internal/metrics"
	"go-relay/internal/protocol"
)

type state int

const (
	stateAuthenticating state = iota
	stateActive
	stateClosing
)

func (s state) String() string {
	switch s {
	case stateAuthenticating:
		return "authenticating"
	case stateActive:
		return "active"
	case stateClosing:
		return "closing"
	}
	return "unknown"
}

// session runs the state machine for one connection. It is owned by a
// single goroutine; messages are handled strictly in arrival order.
type session struct {
	conn   net.Conn
	wire   *protocol.Conn
	store  Store
	auth   Authenticator
	opts   Options
	log    zerolog.Logger
	remote string

	state          state
	userID         int64
	decodeFailures int
}

func newSession(conn net.Conn, srv *Server, log zerolog.Logger) *session {
	return &session{
		conn:   conn,
		wire:   protocol.NewConn(conn, srv.opts.Wire),
		store:  srv.store,
		auth:   srv.auth,
		opts:   srv.opts,
		log:    log,
		remote: conn.RemoteAddr().String(),
		state:  stateAuthenticating,
	}
}

func (s *session) run(ctx context.Context) error {
	if !s.opts.AuthRequired {
		if err := s.startSession(ctx); err != nil {
			return err
		}
	}

	for s.state != stateClosing {
		if s.opts.IdleTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		}
		frame, err := s.wire.ReadFrame()
		if err != nil {
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				s.decodeFailed(err)
				continue
			}
			if isExpectedClose(err) {
				s.log.Debug().Msg("peer closed connection")
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && s.opts.IdleTimeout > 0 {
				s.log.Info().Dur("idle_timeout", s.opts.IdleTimeout).Msg("closing idle connection")
				return nil
			}
			return fmt.Errorf("%w: read: %w", ErrSocket, err)
		}

		msg, err := protocol.Decode(frame)
		if err != nil {
			s.decodeFailed(err)
			continue
		}
		s.decodeFailures = 0

		if err := s.handle(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) decodeFailed(err error) {
	metrics.DecodeErrorsTotal.Inc()
	s.decodeFailures++
	s.log.Debug().Err(err).Int("consecutive", s.decodeFailures).Msg("dropping undecodable input")
	if s.opts.MaxDecodeFailures > 0 && s.decodeFailures >= s.opts.MaxDecodeFailures {
		s.log.Warn().Int("consecutive", s.decodeFailures).Msg("too many undecodable messages, closing")
		s.state = stateClosing
	}
}

func (s *session) handle(ctx context.Context, msg protocol.Message) error {
	start := time.Now()
	defer func() {
		metrics.MessageDuration.WithLabelValues(msg.Kind()).Observe(time.Since(start).Seconds())
	}()

	if s.state == stateAuthenticating {
		return s.authenticate(ctx, msg)
	}
	return s.dispatch(ctx, msg)
}

func (s *session) authenticate(ctx context.Context, msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.Login:
		handled(msg)
		if !s.auth.Verify(m.Username, m.Password) {
			metrics.LoginsTotal.WithLabelValues("failure").Inc()
			s.log.Warn().Str("username", m.Username).Msg("login failed")
			s.state = stateClosing
			if err := s.send(protocol.LoginResponse{Success: false}); err != nil {
				return err
			}
			return s.send(protocol.Quit{})
		}
		if err := s.startSession(ctx); err != nil {
			metrics.LoginsTotal.WithLabelValues("error").Inc()
			return err
		}
		metrics.LoginsTotal.WithLabelValues("success").Inc()
		s.log.Info().Msg("client logged in")
		return s.send(protocol.LoginResponse{Success: true})
	case protocol.Quit:
		handled(msg)
		s.log.Info().Msg("client quit before logging in")
		s.state = stateClosing
	default:
		s.ignore(msg)
	}
	return nil
}

func (s *session) dispatch(ctx context.Context, msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.Text:
		handled(msg)
		if err := s.store.SaveTextMessage(ctx, s.userID, s.opts.ReceiverID, m.Body); err != nil {
			s.log.Error().Err(err).Msg("text message not saved")
			return nil
		}
		s.log.Info().Int("length", len(m.Body)).Msg("text received")
		s.log.Debug().Str("text", m.Body).Msg("text stored")
	case protocol.File:
		handled(msg)
		s.persistBlob(ctx, blob.KindFile, m.Name, m.Content)
	case protocol.Image:
		handled(msg)
		s.persistBlob(ctx, blob.KindImage, m.Name, m.Content)
	case protocol.Quit:
		handled(msg)
		s.log.Info().Msg("client requested termination")
		s.state = stateClosing
	default:
		s.ignore(msg)
	}
	return nil
}

func (s *session) persistBlob(ctx context.Context, kind blob.Kind, name string, content []byte) {
	path, err := s.store.PersistBlob(ctx, s.userID, kind, name, content)
	if err != nil {
		s.log.Error().Err(err).Str("kind", kind.String()).Str("name", name).Msg("blob not saved")
		return
	}
	s.log.Info().
		Str("kind", kind.String()).
		Str("name", name).
		Str("path", path).
		Int("size", len(content)).
		Msg("blob received")
}

// startSession creates the user row and moves to Active. Without a user
// there is no session, so failure closes the connection.
func (s *session) startSession(ctx context.Context) error {
	id, err := s.store.CreateUser(ctx, s.remote, s.auth.PasswordHash())
	if err != nil {
		s.state = stateClosing
		return fmt.Errorf("%w: %w", ErrSessionUser, err)
	}
	s.userID = id
	s.state = stateActive
	s.log = s.log.With().Int64("user_id", id).Logger()
	return nil
}

func (s *session) ignore(msg protocol.Message) {
	metrics.MessagesTotal.WithLabelValues(msg.Kind(), "ignored").Inc()
	s.log.Debug().Str("kind", msg.Kind()).Stringer("state", s.state).Msg("ignoring message")
}

func (s *session) send(m protocol.Message) error {
	if s.opts.IdleTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.IdleTimeout))
	}
	if err := s.wire.Send(m); err != nil {
		s.state = stateClosing
		return fmt.Errorf("%w: write %s: %w", ErrSocket, m.Kind(), err)
	}
	return nil
}

func handled(msg protocol.Message) {
	metrics.MessagesTotal.WithLabelValues(msg.Kind(), "handled").Inc()
}
