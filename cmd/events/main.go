// relay-events tails the relay's event channel and logs each stored text
// and blob as it happens.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"go-relay/internal/chat"
	"go-relay/internal/config"
	"go-relay/internal/db"
	"go-relay/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	flags := pflag.NewFlagSet("relay-events", pflag.ContinueOnError)
	flags.StringVar(&cfg.Redis.Addr, "redis-addr", cfg.Redis.Addr, "redis address")
	flags.StringVar(&cfg.Redis.Channel, "channel", cfg.Redis.Channel, "event channel")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if cfg.Redis.Addr == "" {
		return errors.New("no redis address: set REDIS_ADDR or --redis-addr")
	}

	log := logger.Init(logger.Options{Level: cfg.LogLevel, Pretty: cfg.Pretty(), Service: "relay-events"})

	client, err := db.ConnectRedis(ctx, cfg.Redis.Addr, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer client.Close()

	log.Info().Str("channel", cfg.Redis.Channel).Msg("waiting for events")
	return chat.NewSubscriber(client, cfg.Redis.Channel, log).Run(ctx, logEvent)
}

func logEvent(ev chat.Event) {
	log := logger.Get()
	entry := log.Info().
		Str("kind", ev.Kind).
		Int64("sender_id", ev.SenderID).
		Time("at", ev.At)
	if ev.Kind == "text" {
		entry = entry.Str("content", ev.Content)
	} else {
		entry = entry.Str("name", ev.Name).Str("path", ev.Path).Int("size", ev.Size)
	}
	entry.Msg("event")
}
