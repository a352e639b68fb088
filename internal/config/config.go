// Package config loads process configuration the way the teacher's
// pkg/config does: defaults, then an optional .env file via godotenv, then
// environment-variable overrides decoded with envdecode.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the process-wide configuration for both the CLI and the
// external-control server.
type Config struct {
	DBPath      string `env:"SMITHERS_DB_PATH"`
	ExecutionID string `env:"SMITHERS_EXECUTION_ID"`

	ServeHost  string `env:"SMITHERS_SERVE_HOST"`
	ServePort  int    `env:"SMITHERS_SERVE_PORT"`
	ServeToken string `env:"SMITHERS_SERVE_TOKEN"`

	LogLevel  string `env:"SMITHERS_LOG_LEVEL"`
	LogFormat string `env:"SMITHERS_LOG_FORMAT"`

	FrameThrottleMS int `env:"SMITHERS_FRAME_THROTTLE_MS"`
	IdleTimeoutMS   int `env:"SMITHERS_IDLE_TIMEOUT_MS"`
}

// Default returns a Config populated with the values the CLI falls back to
// when no environment variable or flag overrides them.
func Default() *Config {
	return &Config{
		DBPath:          ".smithers/db.sqlite",
		ServeHost:       "127.0.0.1",
		ServePort:       8787,
		LogLevel:        "info",
		LogFormat:       "text",
		FrameThrottleMS: 250,
	}
}

// Load reads an optional .env file (local development convenience, never
// required) and then applies environment-variable overrides.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when no tagged field has a matching environment
		// variable set; treat that as "no overrides" rather than failing.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}
	return cfg, nil
}

// DBPathOrDefault returns the configured path, or fall back when explicit
// is empty — used by CLI subcommands whose --db flag defaults to "".
func DBPathOrDefault(explicit, fallback string) string {
	if strings.TrimSpace(explicit) != "" {
		return explicit
	}
	if strings.TrimSpace(fallback) != "" {
		return fallback
	}
	return Default().DBPath
}

// Getenv returns the environment variable's value, or fallback when unset.
func Getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
