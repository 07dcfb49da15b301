package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/omochice/toy-messenger/internal/config"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	for _, key := range []string{
		"MESSENGER_SERVER",
		"MESSENGER_DATA_DIR",
		"MESSENGER_RECONNECT_DELAY",
		"MESSENGER_TYPING_TTL",
		"MESSENGER_TYPING_INTERVAL",
		"MESSENGER_LOCAL_ECHO",
		"MESSENGER_HTTP_TIMEOUT",
	} {
		// t.Setenv restores the original value after the test
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	return home
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server != "http://localhost:8000" {
		t.Errorf("Server = %q", cfg.Server)
	}
	if cfg.ReconnectDelay != 3*time.Second {
		t.Errorf("ReconnectDelay = %v, want 3s", cfg.ReconnectDelay)
	}
	if cfg.TypingTTL != 2*time.Second {
		t.Errorf("TypingTTL = %v, want 2s", cfg.TypingTTL)
	}
	if cfg.TypingInterval != 0 {
		t.Errorf("TypingInterval = %v, want 0", cfg.TypingInterval)
	}
	if cfg.LocalEcho {
		t.Error("LocalEcho should default to false")
	}
	if cfg.HTTPTimeout != 15*time.Second {
		t.Errorf("HTTPTimeout = %v, want 15s", cfg.HTTPTimeout)
	}
	if filepath.Base(cfg.DataDir) != "messenger" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	home := isolate(t)
	t.Setenv("MESSENGER_SERVER", "https://chat.example")
	t.Setenv("MESSENGER_DATA_DIR", filepath.Join(home, "data"))
	t.Setenv("MESSENGER_RECONNECT_DELAY", "500ms")
	t.Setenv("MESSENGER_TYPING_TTL", "5s")
	t.Setenv("MESSENGER_TYPING_INTERVAL", "1s")
	t.Setenv("MESSENGER_LOCAL_ECHO", "true")
	t.Setenv("MESSENGER_HTTP_TIMEOUT", "1m")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := config.Config{
		Server:         "https://chat.example",
		DataDir:        filepath.Join(home, "data"),
		ReconnectDelay: 500 * time.Millisecond,
		TypingTTL:      5 * time.Second,
		TypingInterval: time.Second,
		LocalEcho:      true,
		HTTPTimeout:    time.Minute,
	}
	if *cfg != want {
		t.Errorf("Load() = %+v, want %+v", *cfg, want)
	}

	path, err := cfg.DatabasePath()
	if err != nil {
		t.Fatalf("DatabasePath() error = %v", err)
	}
	if path != filepath.Join(home, "data", "messenger.db") {
		t.Errorf("DatabasePath() = %q", path)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"MESSENGER_RECONNECT_DELAY", "soon"},
		{"MESSENGER_TYPING_TTL", "-1s"},
		{"MESSENGER_LOCAL_ECHO", "maybe"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			isolate(t)
			t.Setenv(tt.key, tt.value)

			if _, err := config.Load(); err == nil {
				t.Errorf("Load() with %s=%q should fail", tt.key, tt.value)
			}
		})
	}
}
