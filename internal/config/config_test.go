package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OPENDESK_JWT_SECRET", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("addr %q", cfg.HTTPAddr)
	}
	if cfg.Store != "memory" {
		t.Fatalf("store %q", cfg.Store)
	}
	if cfg.AccessTTL != 15*time.Minute || cfg.RefreshTTL != 7*24*time.Hour {
		t.Fatalf("ttls %s %s", cfg.AccessTTL, cfg.RefreshTTL)
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("OPENDESK_JWT_SECRET", "")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "OPENDESK_JWT_SECRET") {
		t.Fatalf("want missing secret error, got %v", err)
	}
}

func TestLoadRejectsInvertedTTLs(t *testing.T) {
	t.Setenv("OPENDESK_JWT_SECRET", "s3cret")
	t.Setenv("OPENDESK_ACCESS_TTL", "48h")
	t.Setenv("OPENDESK_REFRESH_TTL", "24h")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "shorter than") {
		t.Fatalf("want TTL ordering error, got %v", err)
	}
}

func TestLoadPostgresNeedsURL(t *testing.T) {
	t.Setenv("OPENDESK_JWT_SECRET", "s3cret")
	t.Setenv("OPENDESK_STORE", "postgres")
	t.Setenv("OPENDESK_DATABASE_URL", "")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "OPENDESK_DATABASE_URL") {
		t.Fatalf("want database url error, got %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("OPENDESK_JWT_SECRET", "s3cret")
	t.Setenv("OPENDESK_LOCKOUT_THRESHOLD", "3")
	t.Setenv("OPENDESK_CORS_ORIGINS", "https://a.test, https://b.test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LockoutThreshold != 3 {
		t.Fatalf("threshold %d", cfg.LockoutThreshold)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.test" {
		t.Fatalf("origins %v", cfg.CORSAllowedOrigins)
	}
	ac := cfg.Auth()
	if ac.LockoutThreshold != 3 || ac.JWTSecret != "s3cret" {
		t.Fatalf("auth config %+v", ac)
	}
}
