// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

// Package main is the RiverAuth telemetry gateway.
//
// The gateway accepts agent WebSocket connections, acknowledges telemetry
// frames, publishes them to the "telemetry" topic and routes scorer
// verdicts from the "verdicts" topic back to the user's connections.
//
// # Build Tags
//
//	go build ./cmd/gateway               # in-process GoChannel bus
//	go build -tags nats ./cmd/gateway    # NATS JetStream bus (gateway.bus=nats)
//
// # Example
//
//	export RIVERAUTH_GATEWAY__ADDR=0.0.0.0:8081
//	export RIVERAUTH_GATEWAY__BUS=nats
//	export RIVERAUTH_GATEWAY__NATS_URL=nats://nats:4222
//	./riverauth-gateway
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/riverauth/internal/config"
	"github.com/tomtom215/riverauth/internal/gateway"
	"github.com/tomtom215/riverauth/internal/logging"
	"github.com/tomtom215/riverauth/internal/supervisor"
	"github.com/tomtom215/riverauth/internal/supervisor/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("addr", cfg.Gateway.Addr).
		Str("bus", cfg.Gateway.Bus).
		Int("max_connections", cfg.Gateway.MaxConnections).
		Msg("Starting RiverAuth gateway")

	bus, err := gateway.NewBus(cfg.Gateway, logging.NewWatermillAdapter())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create message bus")
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing message bus")
		}
	}()

	hub := gateway.NewHub()
	server := gateway.NewServer(cfg.Gateway, hub, bus)
	router := gateway.NewVerdictRouter(bus, hub)

	tree := supervisor.NewTree("riverauth-gateway", logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddMessagingService(services.NewLoopService("connection-hub", hub.Run))
	tree.AddMessagingService(services.NewLoopService("verdict-router", router.Run))
	tree.AddAPIService(services.NewHTTPServerService("gateway-http", &http.Server{
		Addr:              cfg.Gateway.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}, 10*time.Second))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree stopped with error")
	}
	logging.Info().Msg("RiverAuth gateway stopped")
}
