package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("expected default listen addr :9000, got %s", cfg.ListenAddr)
	}
	if cfg.TokenTTL != time.Hour {
		t.Errorf("expected default token TTL 1h, got %s", cfg.TokenTTL)
	}
	if cfg.BaseDir == "" {
		t.Error("base dir must have a default")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":8123")
	t.Setenv("TOKEN_TTL", "30m")
	t.Setenv("BASE_DIR", "/srv/sandboxes")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":8123" {
		t.Errorf("expected :8123, got %s", cfg.ListenAddr)
	}
	if cfg.TokenTTL != 30*time.Minute {
		t.Errorf("expected 30m, got %s", cfg.TokenTTL)
	}
	if cfg.BaseDir != "/srv/sandboxes" {
		t.Errorf("expected /srv/sandboxes, got %s", cfg.BaseDir)
	}
}

func TestBadDurationFallsBack(t *testing.T) {
	t.Setenv("TOKEN_TTL", "not-a-duration")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TokenTTL != time.Hour {
		t.Errorf("expected fallback 1h, got %s", cfg.TokenTTL)
	}
}
