package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"go-relay/internal/admin"
	"go-relay/internal/blob"
	"go-relay/internal/chat"
	"go-relay/internal/config"
	"go-relay/internal/db"
	"go-relay/internal/logger"
	"go-relay/internal/persistence"
	"go-relay/internal/relay"
	"go-relay/internal/user"
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

	// 1. Config & Flags
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	flags := pflag.NewFlagSet("relay-server", pflag.ContinueOnError)
	flags.StringVar(&cfg.RelayAddr, "addr", cfg.RelayAddr, "relay listen address")
	flags.StringVar(&cfg.AdminAddr, "admin-addr", cfg.AdminAddr, "admin HTTP address (empty disables)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "trace, debug, info, warn or error")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	log := logger.Init(logger.Options{Level: cfg.LogLevel, Pretty: cfg.Pretty(), Service: "relay"})

	// 2. Database
	database, err := db.NewDatabase(cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("connect to %s database: %w", cfg.DB.Driver, err)
	}
	defer database.Close()
	log.Info().Str("driver", cfg.DB.Driver).Msg("connected to database")

	if err := database.AutoMigrate(); err != nil {
		return err
	}
	log.Info().Msg("database schema initialized")

	// 3. Redis (optional event fan-out)
	var (
		events     chat.Publisher = chat.NopPublisher{}
		redisCheck admin.Pinger
	)
	if cfg.Redis.Addr != "" {
		redisClient, err := db.ConnectRedis(ctx, cfg.Redis.Addr, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer redisClient.Close()
		events = chat.NewRedisPublisher(redisClient, cfg.Redis.Channel)
		redisCheck = redisPinger(redisClient)
		log.Info().Str("addr", cfg.Redis.Addr).Str("channel", cfg.Redis.Channel).Msg("publishing events to redis")
	}

	// 4. Blob directories
	blobs := blob.NewStore(cfg.Storage.FilesDir, cfg.Storage.ImagesDir)
	if err := blobs.EnsureDirs(); err != nil {
		return err
	}

	// 5. Persistence and credentials
	auth, err := user.NewAuthenticator(cfg.Auth.Username, cfg.Auth.Password, cfg.Auth.BcryptCost)
	if err != nil {
		return err
	}
	adapter := persistence.NewAdapter(
		user.NewService(user.NewRepository(database.Conn, database.Builder)),
		chat.NewRepository(database.Conn, database.Builder),
		blobs,
		events,
		log.With().Str("component", "persistence").Logger(),
	)

	// 6. Relay
	srv := relay.NewServer(relay.Options{
		Wire:              cfg.WireOptions(),
		AuthRequired:      cfg.Auth.Required,
		ReceiverID:        cfg.Wire.ReceiverID,
		IdleTimeout:       cfg.Wire.IdleTimeout,
		MaxDecodeFailures: cfg.Wire.MaxDecodeFailures,
	}, adapter, auth, log.With().Str("component", "relay").Logger())

	// 7. Admin endpoints
	if cfg.AdminAddr != "" {
		adminSrv := &http.Server{
			Addr: cfg.AdminAddr,
			Handler: admin.NewRouter(&admin.Handler{
				DB:       database,
				Redis:    redisCheck,
				Sessions: srv,
				Log:      log.With().Str("component", "admin").Logger(),
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.AdminAddr).Msg("admin server starting")
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("admin server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			adminSrv.Shutdown(shutdownCtx)
		}()
	}

	if err := srv.ListenAndServe(ctx, cfg.RelayAddr); err != nil {
		return err
	}
	log.Info().Msg("relay stopped")
	return nil
}

func redisPinger(client *redis.Client) admin.Pinger {
	return admin.PingFunc(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}
