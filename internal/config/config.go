// config.go

// Environment variable loading and validation.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// MinUnlockSecretLen is the shortest accepted UNLOCK_CODE_SECRET.
const MinUnlockSecretLen = 16

// Config holds all env configuration vars for the ledger service.
type Config struct {
	DatabaseURL string
	RedisURL    string
	Port        string
	LogLevel    slog.Level

	// CatalogPath points at a YAML reward catalog. Empty uses the embedded default.
	CatalogPath string

	// UnlockCodeSecret keys unlock-code derivation. Rotating it changes every
	// code not yet issued, so treat it like a signing key.
	UnlockCodeSecret []byte

	// Issuer cadence. Defaults: poll 1s, Postgres sweep 1m.
	UnlockPollInterval  time.Duration
	UnlockSweepInterval time.Duration

	// RedeemMaxAttempts bounds internal retries of transient storage failures. Default 3.
	RedeemMaxAttempts int

	// RedeemRatePerMinute is the per-user redeem throttle. Default 30.
	RedeemRatePerMinute int

	// Notification delivery. Empty webhook URL logs outcomes instead.
	NotifyWebhookURL string
	NotifyMaxQueue   int
}

// LoadConfig reads environment variables and returns a validated Config.
// A .env file in the working directory is loaded first when present; variables
// already set in the environment take precedence over it.
// Returns an error if required variables are missing or invalid.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	secret := os.Getenv("UNLOCK_CODE_SECRET")
	if len(secret) < MinUnlockSecretLen {
		return nil, fmt.Errorf("UNLOCK_CODE_SECRET must be at least %d bytes", MinUnlockSecretLen)
	}
	cfg.UnlockCodeSecret = []byte(secret)

	// Default to 7866; "0" picks a free port.
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "7866"
	}

	// Parse log level, default to info
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	cfg.CatalogPath = os.Getenv("CATALOG_PATH")

	cfg.UnlockPollInterval = envDuration("UNLOCK_POLL_INTERVAL", time.Second)
	cfg.UnlockSweepInterval = envDuration("UNLOCK_SWEEP_INTERVAL", time.Minute)
	cfg.RedeemMaxAttempts = envInt("REDEEM_MAX_ATTEMPTS", 3)
	cfg.RedeemRatePerMinute = envInt("REDEEM_RATE_PER_MINUTE", 30)

	cfg.NotifyWebhookURL = os.Getenv("NOTIFY_WEBHOOK_URL")
	if cfg.NotifyWebhookURL != "" &&
		!strings.HasPrefix(cfg.NotifyWebhookURL, "https://") && !strings.HasPrefix(cfg.NotifyWebhookURL, "http://") {
		return nil, fmt.Errorf("NOTIFY_WEBHOOK_URL must be an http(s) URL")
	}
	cfg.NotifyMaxQueue = envInt("NOTIFY_MAX_QUEUE", 1000)

	return cfg, nil
}

// envInt reads an env var as int, returning def if missing or unparseable.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// envDuration reads an env var as time.Duration, returning def if missing or unparseable.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}
