// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	// AdminKeys are the identity keys holding the elevated role.
	AdminKeys map[string]bool

	// Default window limits; zero disables the hourly/total windows.
	DailyLimit  int
	HourlyLimit int
	TotalLimit  int

	// TokenSweepInterval is how often expired unconsumed tokens are GC'd.
	TokenSweepInterval time.Duration

	// SessionIdleTimeout destroys dialogue sessions idle for longer than
	// this. Zero disables the sweep; sessions then live until cancelled,
	// replaced or the process restarts.
	SessionIdleTimeout time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		FrontendURL:        getEnv("FRONTEND_URL", ""),
		DBPath:             getEnv("DB_PATH", "./data/orchard.db"),
		AdminKeys:          parseKeySet(getEnv("ADMIN_KEYS", "")),
		DailyLimit:         getEnvInt("DAILY_LIMIT", 10),
		HourlyLimit:        getEnvInt("HOURLY_LIMIT", 3),
		TotalLimit:         getEnvInt("TOTAL_LIMIT", 100),
		TokenSweepInterval: getEnvDuration("TOKEN_SWEEP_INTERVAL", time.Hour),
		SessionIdleTimeout: getEnvDuration("SESSION_IDLE_TIMEOUT", 0),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.DailyLimit <= 0 {
		return fmt.Errorf("DAILY_LIMIT must be > 0")
	}
	if c.TokenSweepInterval <= 0 {
		return fmt.Errorf("TOKEN_SWEEP_INTERVAL must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func parseKeySet(raw string) map[string]bool {
	keys := make(map[string]bool)
	for _, key := range strings.Split(raw, ",") {
		key = strings.TrimSpace(key)
		if key != "" {
			keys[key] = true
		}
	}
	return keys
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
