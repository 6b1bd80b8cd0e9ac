// Package config loads the immutable service configuration from OPENDESK_*
// environment variables. A local .env file is honored when present; real
// environment variables win over it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"opendesk.org/internal/auth"
)

// Config is the full service configuration. It is built once at startup and
// never mutated.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration

	// Store selects the persistence backend: "memory" or "postgres".
	Store       string
	DatabaseURL string

	JWTSecret  string
	JWTIssuer  string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	LockoutThreshold int
	LockoutDuration  time.Duration
	LoginRateLimit   int
	LoginRateWindow  time.Duration
	StateTokenTTL    time.Duration

	// RequestRatePerSecond / RequestBurst throttle each client IP at the
	// HTTP edge, independent of the per-identifier login counter.
	RequestRatePerSecond float64
	RequestBurst         int

	CORSAllowedOrigins []string
	MaxBodyBytes       int64
}

// Load reads the configuration from the environment. The JWT secret is the
// only hard requirement; everything else has a default.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:             getString("OPENDESK_HTTP_ADDR", ":8080"),
		ShutdownTimeout:      getDuration("OPENDESK_SHUTDOWN_TIMEOUT", 10*time.Second),
		Store:                getString("OPENDESK_STORE", "memory"),
		DatabaseURL:          os.Getenv("OPENDESK_DATABASE_URL"),
		JWTSecret:            os.Getenv("OPENDESK_JWT_SECRET"),
		JWTIssuer:            getString("OPENDESK_JWT_ISSUER", "opendesk"),
		AccessTTL:            getDuration("OPENDESK_ACCESS_TTL", 15*time.Minute),
		RefreshTTL:           getDuration("OPENDESK_REFRESH_TTL", 7*24*time.Hour),
		LockoutThreshold:     getInt("OPENDESK_LOCKOUT_THRESHOLD", 5),
		LockoutDuration:      getDuration("OPENDESK_LOCKOUT_DURATION", 30*time.Minute),
		LoginRateLimit:       getInt("OPENDESK_LOGIN_RATE_LIMIT", 10),
		LoginRateWindow:      getDuration("OPENDESK_LOGIN_RATE_WINDOW", time.Minute),
		StateTokenTTL:        getDuration("OPENDESK_STATE_TOKEN_TTL", 24*time.Hour),
		RequestRatePerSecond: getFloat("OPENDESK_REQUEST_RATE", 20),
		RequestBurst:         getInt("OPENDESK_REQUEST_BURST", 40),
		CORSAllowedOrigins:   getList("OPENDESK_CORS_ORIGINS"),
		MaxBodyBytes:         int64(getInt("OPENDESK_MAX_BODY_BYTES", 1<<20)),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return errors.New("OPENDESK_JWT_SECRET is required")
	}
	if c.AccessTTL >= c.RefreshTTL {
		return fmt.Errorf("access TTL (%s) must be shorter than refresh TTL (%s)", c.AccessTTL, c.RefreshTTL)
	}
	switch c.Store {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("OPENDESK_DATABASE_URL is required when OPENDESK_STORE=postgres")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store)
	}
	return nil
}

// Auth returns the auth subsystem's slice of the configuration.
func (c *Config) Auth() auth.Config {
	return auth.Config{
		JWTSecret:        c.JWTSecret,
		JWTIssuer:        c.JWTIssuer,
		AccessTTL:        c.AccessTTL,
		RefreshTTL:       c.RefreshTTL,
		LockoutThreshold: c.LockoutThreshold,
		LockoutDuration:  c.LockoutDuration,
		LoginRateLimit:   c.LoginRateLimit,
		LoginRateWindow:  c.LoginRateWindow,
		StateTokenTTL:    c.StateTokenTTL,
	}
}

func getString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getList(key string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
