package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the room every consumer subscribes to.
const DefaultChannel = "general-chat"

// Publisher fans stored events out to external read-only consumers.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type RedisPublisher struct {
	redis   *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{redis: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.redis.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", p.channel, err)
	}
	return nil
}

// NopPublisher is used when no redis address is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
