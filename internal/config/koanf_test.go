// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestDefaultConfig verifies that defaultConfig() returns proper defaults
func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Transport.Endpoint != "ws://127.0.0.1:8081" {
		t.Errorf("Transport.Endpoint = %q, want ws://127.0.0.1:8081", cfg.Transport.Endpoint)
	}
	if cfg.Transport.PingInterval != 25*time.Second {
		t.Errorf("Transport.PingInterval = %v, want 25s", cfg.Transport.PingInterval)
	}
	if cfg.Transport.QueueSize != 256 {
		t.Errorf("Transport.QueueSize = %d, want 256", cfg.Transport.QueueSize)
	}

	// Gesture thresholds
	if cfg.Gesture.HoldThreshold != 10 || cfg.Gesture.SwipeDistanceThreshold != 15 {
		t.Errorf("gesture distances = %v/%v, want 10/15", cfg.Gesture.HoldThreshold, cfg.Gesture.SwipeDistanceThreshold)
	}
	if cfg.Gesture.SwipeTimeThreshold != time.Second || cfg.Gesture.TapTimeThreshold != time.Second {
		t.Errorf("gesture times = %v/%v, want 1s/1s", cfg.Gesture.SwipeTimeThreshold, cfg.Gesture.TapTimeThreshold)
	}
	if cfg.Gesture.BufferSize != 1000 {
		t.Errorf("Gesture.BufferSize = %d, want 1000", cfg.Gesture.BufferSize)
	}

	if cfg.Typing.Debounce != 500*time.Millisecond {
		t.Errorf("Typing.Debounce = %v, want 500ms", cfg.Typing.Debounce)
	}

	// Security tiers
	if cfg.Security.HighThreshold != 0.95 || cfg.Security.MediumThreshold != 0.8 || cfg.Security.LowThreshold != 0.3 {
		t.Errorf("security thresholds = %v/%v/%v", cfg.Security.HighThreshold, cfg.Security.MediumThreshold, cfg.Security.LowThreshold)
	}
	if len(cfg.Security.DefaultQuestions) != 3 {
		t.Errorf("len(DefaultQuestions) = %d, want 3", len(cfg.Security.DefaultQuestions))
	}

	if cfg.Location.Interval != 360*time.Second {
		t.Errorf("Location.Interval = %v, want 6m", cfg.Location.Interval)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestEnvTransformFunc(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"RIVERAUTH_TRANSPORT__QUEUE_SIZE", "transport.queue_size"},
		{"RIVERAUTH_SECURITY__HIGH_THRESHOLD", "security.high_threshold"},
		{"RIVERAUTH_LOGGING__LEVEL", "logging.level"},
		{"RIVERAUTH_UNSCOPED", ""},
	}
	for _, tt := range tests {
		if got := envTransformFunc(tt.in); got != tt.want {
			t.Errorf("envTransformFunc(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFindConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv(ConfigPathEnvVar, path)
	if got := findConfigFile(); got != path {
		t.Errorf("findConfigFile() = %q, want %q", got, path)
	}

	t.Setenv(ConfigPathEnvVar, filepath.Join(dir, "missing.yaml"))
	t.Chdir(dir)
	if got := findConfigFile(); got != "" {
		t.Errorf("findConfigFile() = %q, want empty", got)
	}
}

func TestLoadEnvVars(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(ConfigPathEnvVar, "")
	t.Setenv("RIVERAUTH_TRANSPORT__QUEUE_SIZE", "512")
	t.Setenv("RIVERAUTH_TRANSPORT__PING_INTERVAL", "10s")
	t.Setenv("RIVERAUTH_AGENT__USER_ID", "u-42")
	t.Setenv("RIVERAUTH_STORE__BACKEND", "memory")
	t.Setenv("RIVERAUTH_SECURITY__DEFAULT_QUESTIONS", "Favourite colour?, First school?")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Transport.QueueSize != 512 {
		t.Errorf("QueueSize = %d, want 512", cfg.Transport.QueueSize)
	}
	if cfg.Transport.PingInterval != 10*time.Second {
		t.Errorf("PingInterval = %v, want 10s", cfg.Transport.PingInterval)
	}
	if cfg.Agent.UserID != "u-42" {
		t.Errorf("UserID = %q, want u-42", cfg.Agent.UserID)
	}
	if got := cfg.Security.DefaultQuestions; len(got) != 2 || got[1] != "First school?" {
		t.Errorf("DefaultQuestions = %v", got)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "riverauth.yaml")
	content := `
transport:
  endpoint: wss://risk.example.com/ws
gesture:
  hold_threshold: 8
  buffer_size: 50
store:
  backend: memory
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Transport.Endpoint != "wss://risk.example.com/ws" {
		t.Errorf("Endpoint = %q", cfg.Transport.Endpoint)
	}
	if cfg.Gesture.HoldThreshold != 8 || cfg.Gesture.BufferSize != 50 {
		t.Errorf("gesture = %+v", cfg.Gesture)
	}
	// Untouched keys keep their defaults.
	if cfg.Gesture.SwipeDistanceThreshold != 15 {
		t.Errorf("SwipeDistanceThreshold = %v, want 15", cfg.Gesture.SwipeDistanceThreshold)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "riverauth.yaml")
	if err := os.WriteFile(path, []byte("store:\n  backend: memory\nlogging:\n  level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("RIVERAUTH_LOGGING__LEVEL", "error")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("Logging.Level = %q, want error", cfg.Logging.Level)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{
			name:    "thresholds out of order",
			mutate:  func(c *Config) { c.Security.MediumThreshold = 0.99 },
			wantErr: ErrThresholdOrder,
		},
		{
			name:   "non websocket endpoint",
			mutate: func(c *Config) { c.Transport.Endpoint = "http://127.0.0.1:8081" },
		},
		{
			name:   "zero queue",
			mutate: func(c *Config) { c.Transport.QueueSize = 0 },
		},
		{
			name:   "blank default question",
			mutate: func(c *Config) { c.Security.DefaultQuestions = []string{"ok?", "  "} },
		},
		{
			name:   "swipe band inside hold band",
			mutate: func(c *Config) { c.Gesture.SwipeDistanceThreshold = 5 },
		},
		{
			name: "geoip without database",
			mutate: func(c *Config) {
				c.Location.Enabled = true
				c.Location.Resolver = "geoip"
			},
		},
		{
			name:   "badger without path",
			mutate: func(c *Config) { c.Store.Path = "" },
		},
		{
			name:   "unknown bus",
			mutate: func(c *Config) { c.Gateway.Bus = "kafka" },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.name == "defaults" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
