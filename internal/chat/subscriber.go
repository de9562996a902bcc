package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Subscriber reads events published by RedisPublisher.
type Subscriber struct {
	redis   *redis.Client
	channel string
	log     zerolog.Logger
}

func NewSubscriber(client *redis.Client, channel string, log zerolog.Logger) *Subscriber {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Subscriber{redis: client, channel: channel, log: log}
}

// Run delivers every event to handle until ctx is cancelled. Payloads
// that are not events are logged and skipped.
func (s *Subscriber) Run(ctx context.Context, handle func(Event)) error {
	pubsub := s.redis.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	// Receive blocks until the subscription is confirmed.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", s.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ev, err := DecodeEvent([]byte(msg.Payload))
			if err != nil {
				s.log.Warn().Err(err).Str("channel", msg.Channel).Msg("skipping malformed event")
				continue
			}
			handle(ev)
		}
	}
}

func DecodeEvent(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.Kind == "" {
		return Event{}, fmt.Errorf("decode event: missing kind")
	}
	return ev, nil
}
