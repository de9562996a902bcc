package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sethvargo/go-envconfig"

	"go-relay/internal/protocol"
)

type Config struct {
	RelayAddr string `env:"RELAY_ADDR, default=0.0.0.0:11111" validate:"required"`
	AdminAddr string `env:"ADMIN_ADDR, default=:9090"`
	Env       string `env:"ENV,        default=development"`
	LogLevel  string `env:"LOG_LEVEL,  default=info" validate:"oneof=trace debug info warn warning error"`

	Auth    AuthConfig
	Wire    WireConfig
	Storage StorageConfig
	DB      DBConfig
	Redis   RedisConfig
}

type AuthConfig struct {
	Required   bool   `env:"AUTH_REQUIRED,    default=true"`
	Username   string `env:"AUTH_USERNAME,    default=user" validate:"required"`
	Password   string `env:"AUTH_PASSWORD,    default=password" validate:"required"`
	BcryptCost int    `env:"AUTH_BCRYPT_COST, default=10" validate:"min=4,max=31"`
}

type WireConfig struct {
	Framing           string        `env:"WIRE_FRAMING,             default=length" validate:"oneof=length raw"`
	ReadBufferSize    int           `env:"WIRE_READ_BUFFER,         default=16384" validate:"min=512"`
	MaxFrameSize      int           `env:"WIRE_MAX_FRAME,           default=33554432" validate:"min=1024"`
	IdleTimeout       time.Duration `env:"WIRE_IDLE_TIMEOUT,        default=0s"`
	MaxDecodeFailures int           `env:"WIRE_MAX_DECODE_FAILURES, default=0" validate:"min=0"`
	ReceiverID        int64         `env:"RELAY_RECEIVER_ID,        default=1" validate:"min=1"`
}

type StorageConfig struct {
	FilesDir  string `env:"STORAGE_FILES_DIR,  default=files" validate:"required"`
	ImagesDir string `env:"STORAGE_IMAGES_DIR, default=images" validate:"required"`
}

type DBConfig struct {
	Driver string `env:"DB_DRIVER, default=sqlite" validate:"oneof=sqlite pgx"`
	DSN    string `env:"DB_DSN,    default=database.sqlite" validate:"required"`
}

type RedisConfig struct {
	// Addr empty disables event publishing.
	Addr    string `env:"REDIS_ADDR"`
	DB      int    `env:"REDIS_DB,      default=0" validate:"min=0"`
	Channel string `env:"REDIS_CHANNEL, default=general-chat" validate:"required"`
}

// WireOptions converts the wire settings for protocol.NewConn.
func (c *Config) WireOptions() protocol.Options {
	return protocol.Options{
		Framing:        protocol.Framing(c.Wire.Framing),
		ReadBufferSize: c.Wire.ReadBufferSize,
		MaxFrameSize:   c.Wire.MaxFrameSize,
	}
}

// Pretty reports whether logs should go to a console writer.
func (c *Config) Pretty() bool {
	return c.Env == "development"
}

// Load reads configuration from environment variables using go-envconfig.
func Load(ctx context.Context) (*Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith is Load with an explicit variable source.
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return nil, fmt.Errorf("config: failed to load configuration: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	err := validator.New().Struct(cfg)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		msgs = append(msgs, fieldError(fe))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func fieldError(fe validator.FieldError) string {
	field := fe.Namespace()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed validation (%s)", field, fe.Tag())
	}
}
