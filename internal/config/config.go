package config

import (
	"errors"
	"os"
	"strings"
)

// Config holds the application configuration.
type Config struct {
	Environment string
	DatabaseURL string
	LogLevel    string
}

// Load loads configuration from environment variables. DATABASE_URL accepts
// a postgres:// DSN or a SQLite database path and defaults to a local file
// so the CLI works with zero setup.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: os.Getenv("APP_ENV"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		LogLevel:    os.Getenv("LOG_LEVEL"),
	}

	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "ledgerkit.db"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	switch c.Environment {
	case "development", "testing", "staging", "production":
	default:
		return errors.New("APP_ENV must be one of: development, testing, staging, production")
	}

	validLevels := []string{"trace", "debug", "info", "warn", "error"}
	for _, l := range validLevels {
		if c.LogLevel == l {
			return nil
		}
	}
	return errors.New("LOG_LEVEL must be one of: " + strings.Join(validLevels, ", "))
}
