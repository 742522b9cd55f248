// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

// Package config loads RiverAuth configuration with koanf.
//
// Sources are layered, later ones overriding earlier ones:
//
//  1. Built-in defaults (defaultConfig)
//  2. A YAML file: $CONFIG_PATH, else the first of DefaultConfigPaths that exists
//  3. Environment variables prefixed RIVERAUTH_, with "__" separating levels:
//     RIVERAUTH_TRANSPORT__QUEUE_SIZE=512 sets transport.queue_size
//
// The result is checked with struct tags (internal/validation) and the
// cross-field rules in validate.go before it is returned.
package config

import "time"

// Config is the root configuration shared by the agent and the gateway.
type Config struct {
	Agent     AgentConfig     `koanf:"agent"`
	Transport TransportConfig `koanf:"transport"`
	Gesture   GestureConfig   `koanf:"gesture"`
	Typing    TypingConfig    `koanf:"typing"`
	Security  SecurityConfig  `koanf:"security"`
	Device    DeviceConfig    `koanf:"device"`
	Location  LocationConfig  `koanf:"location"`
	Store     StoreConfig     `koanf:"store"`
	Server    ServerConfig    `koanf:"server"`
	Gateway   GatewayConfig   `koanf:"gateway"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// AgentConfig identifies the session the agent reports for.
type AgentConfig struct {
	// UserID is stamped on every outbound envelope that has none.
	UserID string `koanf:"user_id"`

	// InputPath is a JSON-lines recording; "-" or empty reads stdin.
	InputPath string `koanf:"input_path"`

	// LoginURL is where a terminated session is sent.
	LoginURL string `koanf:"login_url" validate:"notblank"`
}

// TransportConfig configures the shared WebSocket channel.
type TransportConfig struct {
	Endpoint         string        `koanf:"endpoint" validate:"wsurl"`
	QueueSize        int           `koanf:"queue_size" validate:"gte=1"`
	PingInterval     time.Duration `koanf:"ping_interval" validate:"gt=0"`
	HandshakeTimeout time.Duration `koanf:"handshake_timeout" validate:"gt=0"`
	WriteTimeout     time.Duration `koanf:"write_timeout" validate:"gt=0"`

	// BreakerFailures consecutive dial failures open the breaker for
	// BreakerTimeout.
	BreakerFailures uint32        `koanf:"breaker_failures" validate:"gte=1"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

// GestureConfig holds the classifier thresholds and buffer bound.
type GestureConfig struct {
	HoldThreshold          float64       `koanf:"hold_threshold" validate:"gt=0"`
	SwipeDistanceThreshold float64       `koanf:"swipe_distance_threshold" validate:"gt=0"`
	SwipeTimeThreshold     time.Duration `koanf:"swipe_time_threshold" validate:"gt=0"`
	TapTimeThreshold       time.Duration `koanf:"tap_time_threshold" validate:"gt=0"`
	BufferSize             int           `koanf:"buffer_size" validate:"gte=1"`
}

// TypingConfig configures the typing-cadence tracker.
type TypingConfig struct {
	Debounce time.Duration `koanf:"debounce" validate:"gt=0"`
}

// SecurityConfig holds the risk tier thresholds and challenge defaults.
type SecurityConfig struct {
	HighThreshold    float64  `koanf:"high_threshold" validate:"gte=0,lte=1"`
	MediumThreshold  float64  `koanf:"medium_threshold" validate:"gte=0,lte=1"`
	LowThreshold     float64  `koanf:"low_threshold" validate:"gte=0,lte=1"`
	DefaultQuestions []string `koanf:"default_questions" validate:"min=1,dive,notblank"`
}

// DeviceConfig toggles the device fingerprint producer.
type DeviceConfig struct {
	Enabled bool `koanf:"enabled"`
}

// LocationConfig configures the location and IP-region producers.
type LocationConfig struct {
	Enabled bool `koanf:"enabled"`

	// Latitude/Longitude/Accuracy describe the fixed position reported by
	// the agent's locator. Accuracy 0 disables the one-shot reading.
	Latitude  float64 `koanf:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `koanf:"longitude" validate:"gte=-180,lte=180"`
	Accuracy  float64 `koanf:"accuracy" validate:"gte=0"`

	// Resolver is "http" (JSON lookup API) or "geoip" (MaxMind database).
	Resolver      string        `koanf:"resolver" validate:"oneof=http geoip"`
	LookupURL     string        `koanf:"lookup_url"`
	GeoIPPath     string        `koanf:"geoip_path"`
	PublicIP      string        `koanf:"public_ip"`
	Interval      time.Duration `koanf:"interval" validate:"gt=0"`
	LookupTimeout time.Duration `koanf:"lookup_timeout" validate:"gt=0"`
}

// StoreConfig selects the client key-value store.
type StoreConfig struct {
	Backend string `koanf:"backend" validate:"oneof=badger memory"`
	Path    string `koanf:"path"`
}

// ServerConfig configures the agent's status HTTP server.
type ServerConfig struct {
	Addr    string        `koanf:"addr" validate:"notblank"`
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`

	// CORSOrigins lists dashboards allowed to read the status API. Empty
	// disables cross-origin access.
	CORSOrigins []string `koanf:"cors_origins"`

	// RateLimit caps requests per IP per minute on /api/v1.
	RateLimit int `koanf:"rate_limit" validate:"gte=1"`
}

// GatewayConfig configures the telemetry gateway binary.
type GatewayConfig struct {
	Addr              string  `koanf:"addr" validate:"notblank"`
	MaxConnections    int     `koanf:"max_connections" validate:"gte=1"`
	MessagesPerSecond float64 `koanf:"messages_per_second" validate:"gt=0"`
	Burst             int     `koanf:"burst" validate:"gte=1"`

	// UpgradeRateLimit caps upgrade requests per IP per minute.
	UpgradeRateLimit int `koanf:"upgrade_rate_limit" validate:"gte=1"`

	// AllowedOrigins lists browser origins allowed to upgrade. Requests
	// without an Origin header (agents) are always accepted.
	AllowedOrigins []string `koanf:"allowed_origins"`

	// Bus is "gochannel" (in-process) or "nats" (requires -tags nats).
	Bus     string `koanf:"bus" validate:"oneof=gochannel nats"`
	NATSURL string `koanf:"nats_url"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error disabled off"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// DefaultQuestions is the fallback challenge set used when a verdict
// carries none.
var DefaultQuestions = []string{
	"What is the name of your first pet?",
	"What city were you born in?",
	"What is your mother's maiden name?",
}

// Default returns the built-in configuration without reading any file or
// environment variable.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			InputPath: "-",
			LoginURL:  "/login",
		},
		Transport: TransportConfig{
			Endpoint:         "ws://127.0.0.1:8081",
			QueueSize:        256,
			PingInterval:     25 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     10 * time.Second,
			BreakerFailures:  5,
			BreakerTimeout:   30 * time.Second,
		},
		Gesture: GestureConfig{
			HoldThreshold:          10,
			SwipeDistanceThreshold: 15,
			SwipeTimeThreshold:     1000 * time.Millisecond,
			TapTimeThreshold:       1000 * time.Millisecond,
			BufferSize:             1000,
		},
		Typing: TypingConfig{
			Debounce: 500 * time.Millisecond,
		},
		Security: SecurityConfig{
			HighThreshold:    0.95,
			MediumThreshold:  0.8,
			LowThreshold:     0.3,
			DefaultQuestions: append([]string(nil), DefaultQuestions...),
		},
		Device: DeviceConfig{
			Enabled: true,
		},
		Location: LocationConfig{
			Enabled:       false,
			Resolver:      "http",
			LookupURL:     "https://ipapi.co/json/",
			Interval:      360 * time.Second,
			LookupTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Backend: "badger",
			Path:    "/data/riverauth",
		},
		Server: ServerConfig{
			Addr:      "127.0.0.1:9090",
			Timeout:   30 * time.Second,
			RateLimit: 120,
		},
		Gateway: GatewayConfig{
			Addr:              "0.0.0.0:8081",
			MaxConnections:    1000,
			MessagesPerSecond: 50,
			Burst:             100,
			UpgradeRateLimit:  60,
			Bus:               "gochannel",
			NATSURL:           "nats://127.0.0.1:4222",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
