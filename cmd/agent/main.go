// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

// Package main is the RiverAuth agent.
//
// The agent replays recorded user input (JSON lines on stdin or
// agent.input_path) through the gesture and typing trackers, reports the
// device fingerprint and location, and sends everything over one shared
// WebSocket channel to the telemetry gateway. Risk verdicts coming back on
// the same channel drive the security monitor.
//
// # Startup
//
//  1. Configuration (koanf: defaults, config.yaml, RIVERAUTH_* environment)
//  2. Logging (zerolog)
//  3. Key-value store (Badger, or memory when store.backend=memory)
//  4. Transport manager, security monitor and trackers
//  5. Supervisor tree: session lease, producers, status HTTP server
//
// # Example
//
//	export RIVERAUTH_AGENT__USER_ID=user_42
//	export RIVERAUTH_TRANSPORT__ENDPOINT=ws://127.0.0.1:8081
//	export RIVERAUTH_STORE__BACKEND=memory
//	./riverauth-agent < session.jsonl
//
// SIGINT and SIGTERM stop the tree; the transport channel is closed with
// 1000 "all listeners gone" once the last lease is released.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomtom215/riverauth/internal/config"
	"github.com/tomtom215/riverauth/internal/kvstore"
	"github.com/tomtom215/riverauth/internal/logging"
	"github.com/tomtom215/riverauth/internal/supervisor"
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
		Str("endpoint", cfg.Transport.Endpoint).
		Str("user_id", cfg.Agent.UserID).
		Str("store", cfg.Store.Backend).
		Msg("Starting RiverAuth agent")

	store, err := kvstore.Open(cfg.Store)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open key-value store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing key-value store")
		}
	}()

	tree := supervisor.NewTree("riverauth-agent", logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	agent, err := newAgent(cfg, store, os.Stdin)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to build agent")
		return
	}
	defer agent.Close()
	agent.Register(tree)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree stopped with error")
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("Service did not stop in time")
		}
	}
	logging.Info().Msg("RiverAuth agent stopped")
}
