// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

//go:build !nats

package gateway

import (
	"errors"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/tomtom215/riverauth/internal/config"
)

// ErrNATSUnavailable is returned when the binary was built without NATS.
var ErrNATSUnavailable = errors.New("NATS bus not available: build with -tags=nats")

func newNATSBus(config.GatewayConfig, watermill.LoggerAdapter) (Bus, error) {
	return nil, ErrNATSUnavailable
}
