// Package config loads client settings from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds the client settings read by Load.
type Config struct {
	// Server is the backend origin, e.g. "https://chat.example".
	Server         string
	DataDir        string
	ReconnectDelay time.Duration
	TypingTTL      time.Duration
	// TypingInterval coalesces outbound typing signals; zero sends one per
	// keystroke.
	TypingInterval time.Duration
	LocalEcho      bool
	HTTPTimeout    time.Duration
}

// Load reads the MESSENGER_* environment variables, falling back to defaults.
func Load() (*Config, error) {
	dataDir, err := defaultDataDir()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server:  getEnv("MESSENGER_SERVER", "http://localhost:8000"),
		DataDir: getEnv("MESSENGER_DATA_DIR", dataDir),
	}

	durations := []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"MESSENGER_RECONNECT_DELAY", "3s", &cfg.ReconnectDelay},
		{"MESSENGER_TYPING_TTL", "2s", &cfg.TypingTTL},
		{"MESSENGER_TYPING_INTERVAL", "0s", &cfg.TypingInterval},
		{"MESSENGER_HTTP_TIMEOUT", "15s", &cfg.HTTPTimeout},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(getEnv(d.key, d.fallback))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		if v < 0 {
			return nil, fmt.Errorf("invalid %s: must not be negative", d.key)
		}
		*d.dst = v
	}

	echo, err := strconv.ParseBool(getEnv("MESSENGER_LOCAL_ECHO", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid MESSENGER_LOCAL_ECHO: %w", err)
	}
	cfg.LocalEcho = echo

	return cfg, nil
}

// DatabasePath returns the path of the client's sqlite database, creating the
// data directory if needed.
func (c *Config) DatabasePath() (string, error) {
	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return filepath.Join(c.DataDir, "messenger.db"), nil
}

func defaultDataDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate config directory: %w", err)
	}
	return filepath.Join(dir, "messenger"), nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
