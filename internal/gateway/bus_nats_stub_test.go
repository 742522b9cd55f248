// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

//go:build !nats

package gateway

import (
	"errors"
	"testing"

	"github.com/tomtom215/riverauth/internal/config"
)

func TestNewBus_NATSStub(t *testing.T) {
	t.Parallel()

	_, err := NewBus(config.GatewayConfig{Bus: "nats", NATSURL: "nats://127.0.0.1:4222"}, nil)
	if !errors.Is(err, ErrNATSUnavailable) {
		t.Errorf("NewBus(nats) error = %v, want ErrNATSUnavailable", err)
	}
}
