// Package config loads application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrMissingSecret is returned when MAILGATE_MASTER_SECRET or
// MAILGATE_ENCRYPTION_SALT is unset or empty.
var ErrMissingSecret = errors.New("missing encryption secret")

// Config holds the application configuration loaded from environment variables.
type Config struct {
	MasterSecret   string
	EncryptionSalt string

	DBPath     string
	ListenAddr string

	VerifyInterval     time.Duration
	VerifyConcurrency  int
	VerifyTimeout      time.Duration
	VerifyExpiry       time.Duration
	RevalidateInterval time.Duration

	ProviderEndpoint   string
	MailProviderDomain string

	LogLevel slog.Level
}

// String omits the master secret and salt so a Config can be logged.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DBPath: %s, ListenAddr: %s, VerifyInterval: %s, VerifyConcurrency: %d, ProviderEndpoint: %q, LogLevel: %s}",
		c.DBPath, c.ListenAddr, c.VerifyInterval, c.VerifyConcurrency, c.ProviderEndpoint, c.LogLevel)
}

// Load reads configuration from environment variables and returns a validated Config.
// MAILGATE_MASTER_SECRET and MAILGATE_ENCRYPTION_SALT are required.
// Optional variables with defaults: MAILGATE_DB_PATH (mailgate.db),
// MAILGATE_LISTEN_ADDR (127.0.0.1:9464), MAILGATE_VERIFY_INTERVAL (1m),
// MAILGATE_VERIFY_CONCURRENCY (4), MAILGATE_VERIFY_TIMEOUT (30s),
// MAILGATE_VERIFY_EXPIRY (72h), MAILGATE_REVALIDATE_INTERVAL (24h, 0 disables),
// MAILGATE_MAIL_PROVIDER_DOMAIN (amazonses), MAILGATE_LOG_LEVEL (info).
// MAILGATE_PROVIDER_ENDPOINT overrides the provider API endpoint when set.
func Load() (*Config, error) {
	cfg := &Config{
		MasterSecret:       os.Getenv("MAILGATE_MASTER_SECRET"),
		EncryptionSalt:     os.Getenv("MAILGATE_ENCRYPTION_SALT"),
		DBPath:             "mailgate.db",
		ListenAddr:         "127.0.0.1:9464",
		VerifyInterval:     time.Minute,
		VerifyConcurrency:  4,
		VerifyTimeout:      30 * time.Second,
		VerifyExpiry:       72 * time.Hour,
		RevalidateInterval: 24 * time.Hour,
		ProviderEndpoint:   os.Getenv("MAILGATE_PROVIDER_ENDPOINT"),
		MailProviderDomain: "amazonses",
		LogLevel:           slog.LevelInfo,
	}

	if cfg.MasterSecret == "" {
		return nil, fmt.Errorf("MAILGATE_MASTER_SECRET: %w", ErrMissingSecret)
	}
	if cfg.EncryptionSalt == "" {
		return nil, fmt.Errorf("MAILGATE_ENCRYPTION_SALT: %w", ErrMissingSecret)
	}

	if v, ok := os.LookupEnv("MAILGATE_DB_PATH"); ok && v != "" {
		cfg.DBPath = v
	}
	if v, ok := os.LookupEnv("MAILGATE_LISTEN_ADDR"); ok && v != "" {
		cfg.ListenAddr = v
	}
	if v, ok := os.LookupEnv("MAILGATE_MAIL_PROVIDER_DOMAIN"); ok && v != "" {
		cfg.MailProviderDomain = v
	}

	durations := []struct {
		key      string
		dst      *time.Duration
		allowOff bool
	}{
		{"MAILGATE_VERIFY_INTERVAL", &cfg.VerifyInterval, false},
		{"MAILGATE_VERIFY_TIMEOUT", &cfg.VerifyTimeout, false},
		{"MAILGATE_VERIFY_EXPIRY", &cfg.VerifyExpiry, true},
		{"MAILGATE_REVALIDATE_INTERVAL", &cfg.RevalidateInterval, true},
	}
	for _, d := range durations {
		v, ok := os.LookupEnv(d.key)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s has invalid duration %q: %w", d.key, v, err)
		}
		if parsed < 0 || (parsed == 0 && !d.allowOff) {
			return nil, fmt.Errorf("%s must be positive, got %s", d.key, v)
		}
		*d.dst = parsed
	}

	if v, ok := os.LookupEnv("MAILGATE_VERIFY_CONCURRENCY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("MAILGATE_VERIFY_CONCURRENCY has invalid value %q: %w", v, err)
		}
		if n < 1 {
			return nil, fmt.Errorf("MAILGATE_VERIFY_CONCURRENCY must be at least 1, got %d", n)
		}
		cfg.VerifyConcurrency = n
	}

	if v, ok := os.LookupEnv("MAILGATE_LOG_LEVEL"); ok && v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(strings.ToLower(v))); err != nil {
			return nil, fmt.Errorf("MAILGATE_LOG_LEVEL has invalid level %q: %w", v, err)
		}
	}

	return cfg, nil
}
