// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

// These tests mutate the global logger and therefore do not run in parallel.

func TestInit_JSON(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})
	t.Cleanup(func() { Init(DefaultConfig()) })

	Info().Str("endpoint", "ws://127.0.0.1:8081").Msg("transport dialing")

	out := buf.String()
	if !strings.Contains(out, `"message":"transport dialing"`) {
		t.Errorf("missing message in %s", out)
	}
	if !strings.Contains(out, `"endpoint":"ws://127.0.0.1:8081"`) {
		t.Errorf("missing field in %s", out)
	}
}

func TestInit_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "warn", Output: &buf})
	t.Cleanup(func() { Init(DefaultConfig()) })

	Info().Msg("hidden")
	Warn().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info entry should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn entry missing: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"off", zerolog.Disabled},
		{"", zerolog.InfoLevel},
		{"nonsense", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Output: &buf})
	t.Cleanup(func() { Init(DefaultConfig()) })

	l := Component("gesture")
	l.Info().Msg("classified")

	if !strings.Contains(buf.String(), `"component":"gesture"`) {
		t.Errorf("component field missing: %s", buf.String())
	}
}

func TestSlogHandler(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Output: &buf})
	t.Cleanup(func() { Init(DefaultConfig()) })

	logger := NewSlogLogger().With("supervisor", "riverauth").WithGroup("svc")
	logger.Warn("service restarted", "name", "transport", "err", errors.New("boom"))

	out := buf.String()
	for _, want := range []string{`"supervisor":"riverauth"`, `"svc.name":"transport"`, `"svc.err":"boom"`, `"level":"warn"`} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %s in %s", want, out)
		}
	}
}

func TestSlogHandler_Enabled(t *testing.T) {
	Init(Config{Level: "error", Output: &bytes.Buffer{}})
	t.Cleanup(func() { Init(DefaultConfig()) })

	h := NewSlogHandler()
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info should be disabled at error level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("error should be enabled at error level")
	}
}

func TestWatermillAdapter(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Output: &buf})
	t.Cleanup(func() { Init(DefaultConfig()) })

	var a watermill.LoggerAdapter = NewWatermillAdapter()
	a = a.With(watermill.LogFields{"topic": "telemetry"})
	a.Error("publish failed", errors.New("nats down"), watermill.LogFields{"uuid": "m1"})

	out := buf.String()
	for _, want := range []string{`"component":"bus"`, `"topic":"telemetry"`, `"uuid":"m1"`, `"error":"nats down"`} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %s in %s", want, out)
		}
	}
}
