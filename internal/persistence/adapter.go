// Package persistence is the single write path for session users, text
// messages and blobs. Its three operations are independent: nothing here
// spans a transaction or rolls back another operation's effect.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"go-relay/internal/blob"
	"go-relay/internal/chat"
	"go-relay/internal/metrics"
	"go-relay/internal/user"
)

// defaultPublishTimeout bounds one event publish so an unreachable
// broker cannot stall a connection's dispatch loop.
const defaultPublishTimeout = 500 * time.Millisecond

// ErrStore wraps relational store failures (connectivity, constraints).
var ErrStore = errors.New("persistence: store operation failed")

type Adapter struct {
	users    *user.Service
	messages *chat.Repository
	blobs    *blob.Store
	events   chat.Publisher
	log      zerolog.Logger

	publishTimeout time.Duration
}

func NewAdapter(users *user.Service, messages *chat.Repository, blobs *blob.Store, events chat.Publisher, log zerolog.Logger) *Adapter {
	if events == nil {
		events = chat.NopPublisher{}
	}
	return &Adapter{
		users:          users,
		messages:       messages,
		blobs:          blobs,
		events:         events,
		log:            log,
		publishTimeout: defaultPublishTimeout,
	}
}

// CreateUser mints the session user for remoteAddr and returns its id.
func (a *Adapter) CreateUser(ctx context.Context, remoteAddr, passwordHash string) (int64, error) {
	id, err := a.users.CreateSessionUser(ctx, remoteAddr, passwordHash)
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("create_user").Inc()
		return 0, fmt.Errorf("%w: create user for %s: %w", ErrStore, remoteAddr, err)
	}
	return id, nil
}

func (a *Adapter) SaveTextMessage(ctx context.Context, senderID, receiverID int64, content string) error {
	msg := &chat.ChatMessage{SenderID: senderID, ReceiverID: receiverID, Content: content}
	if err := a.messages.SaveMessage(ctx, msg); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("save_text").Inc()
		return fmt.Errorf("%w: save text from user %d: %w", ErrStore, senderID, err)
	}
	a.publish(ctx, chat.Event{
		Kind:       "text",
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
	})
	return nil
}

// PersistBlob writes content to the directory for kind. Failures wrap
// blob.ErrWrite.
func (a *Adapter) PersistBlob(ctx context.Context, senderID int64, kind blob.Kind, name string, content []byte) (string, error) {
	path, err := a.blobs.Write(kind, content)
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("persist_blob").Inc()
		return "", err
	}
	metrics.BlobBytesTotal.WithLabelValues(kind.String()).Add(float64(len(content)))
	a.publish(ctx, chat.Event{
		Kind:     kind.String(),
		SenderID: senderID,
		Name:     name,
		Path:     path,
		Size:     len(content),
	})
	return path, nil
}

func (a *Adapter) publish(ctx context.Context, ev chat.Event) {
	ev.At = time.Now().UTC()
	ctx, cancel := context.WithTimeout(ctx, a.publishTimeout)
	defer cancel()
	if err := a.events.Publish(ctx, ev); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("publish").Inc()
		a.log.Warn().Err(err).Str("kind", ev.Kind).Int64("sender_id", ev.SenderID).Msg("event publish failed")
	}
}
