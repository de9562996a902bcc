package db

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisTimeout = 5 * time.Second

// ConnectRedis returns a client for addr after a successful ping.
func ConnectRedis(ctx context.Context, addr string, database int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   database,
	})

	pingCtx, cancel := context.WithTimeout(ctx, defaultRedisTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
