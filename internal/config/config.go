// Package config loads configuration from environment variables.
package config

import (
	"os"
	"time"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Sandbox storage
	BaseDir string

	// Shell binary spawned for sessions
	ShellCmd string

	// Session tokens
	TokenSecret string
	TokenTTL    time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with defaults.
// TOKEN_SECRET may stay empty: a per-process random secret is generated,
// which invalidates outstanding session tokens on restart.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  envOr("LISTEN_ADDR", ":9000"),
		MetricsAddr: envOr("METRICS_ADDR", ":9090"),
		BaseDir:     envOr("BASE_DIR", "./user_sandboxes"),
		ShellCmd:    envOr("SHELL_CMD", "bash"),
		TokenSecret: envOr("TOKEN_SECRET", ""),
		TokenTTL:    envDuration("TOKEN_TTL", time.Hour),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogFormat:   envOr("LOG_FORMAT", "json"),
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
