package config

import (
	"fmt"
	"log/slog"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	Env  string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	Port string `env:"PORT" envDefault:"8080" validate:"required"`

	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`

	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"required,oneof=debug info warn error"`

	// ClerkJWKSURL is the JWKS endpoint for RS256 token verification (Clerk).
	// When set, it takes precedence over JWTSecret.
	ClerkJWKSURL string `env:"CLERK_JWKS_URL"`

	// JWTSecret is kept for local dev / migration period.
	JWTSecret     string `env:"JWT_SECRET"`
	ResendAPIKey  string `env:"RESEND_API_KEY"         validate:"required_if=Env production,required_if=Env staging"`
	ResendFrom    string `env:"RESEND_FROM"            validate:"required_if=Env production,required_if=Env staging"`
	MagicLinkBase string `env:"MAGIC_LINK_BASE_URL"    envDefault:"http://localhost:8080"`

	Scheduler SchedulerConfig
	Worker    WorkerConfig
}

// SchedulerConfig tunes the cron-expansion loop.
type SchedulerConfig struct {
	TickIntervalMS        int64 `env:"SCHEDULER_TICK_INTERVAL_MS" envDefault:"2000" validate:"min=100"`
	MisfireCatchupEnabled bool  `env:"SCHEDULER_MISFIRE_CATCHUP_ENABLED" envDefault:"false"`
}

// WorkerConfig tunes the claim+execute loop and the durable worker
// identity it runs under.
type WorkerConfig struct {
	Capacity            int    `env:"WORKER_CAPACITY" envDefault:"4" validate:"min=1,max=256"`
	TickIntervalMS      int64  `env:"WORKER_TICK_INTERVAL_MS" envDefault:"200" validate:"min=50"`
	HeartbeatIntervalMS int64  `env:"WORKER_HEARTBEAT_INTERVAL_MS" envDefault:"2000" validate:"min=100"`
	DeadAfterSecs       int    `env:"WORKER_DEAD_AFTER_SECS" envDefault:"30" validate:"min=1"`
	IdentityPath        string `env:"WORKER_IDENTITY_PATH" envDefault:"/data/worker-id"`
	AllowMultiID        bool   `env:"ALLOW_MULTI_ID" envDefault:"false"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SlogLevel converts the LOG_LEVEL string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
