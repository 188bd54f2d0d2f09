package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	HornCooldown   time.Duration `env:"HORN_COOLDOWN" default:"30s"`
	StaleThreshold time.Duration `env:"STALE_THRESHOLD" default:"2m"`
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL" default:"30s"`

	MaxConnections      int64   `env:"MAX_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP int     `env:"MAX_CONNECTIONS_PER_IP" default:"20"`
	ConnectionsPerSec   float64 `env:"CONNECTIONS_PER_SEC" default:"10"`
	ConnectionBurst     int     `env:"CONNECTION_BURST" default:"10"`
	MaxClientsPerGroup  int     `env:"MAX_CLIENTS_PER_GROUP" default:"100"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.HornCooldown <= 0 {
		return fmt.Errorf("HORN_COOLDOWN must be positive, got %s", cfg.HornCooldown)
	}
	if cfg.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", cfg.SweepInterval)
	}

	// A threshold at or below the interval would evict members that are
	// merely between two consecutive heartbeats.
	if cfg.StaleThreshold <= cfg.SweepInterval {
		return fmt.Errorf("STALE_THRESHOLD (%s) must be strictly greater than SWEEP_INTERVAL (%s)", cfg.StaleThreshold, cfg.SweepInterval)
	}

	if cfg.MaxConnections <= 0 {
		return fmt.Errorf("MAX_CONNECTIONS must be positive, got %d", cfg.MaxConnections)
	}
	if cfg.MaxConnectionsPerIP <= 0 {
		return fmt.Errorf("MAX_CONNECTIONS_PER_IP must be positive, got %d", cfg.MaxConnectionsPerIP)
	}

	return nil
}
