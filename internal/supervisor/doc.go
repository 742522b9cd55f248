// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

/*
Package supervisor runs the long-lived parts of both binaries under a
suture v4 tree.

The agent tree:

	riverauth-agent
	├── messaging-layer
	│   └── session lease (transport lease + risk monitor subscription)
	├── producer-layer
	│   ├── device fingerprint (one shot)
	│   ├── position report (one shot)
	│   ├── ip region lookup (loop)
	│   └── input replay (runs to EOF)
	└── api-layer
	    └── status HTTP server

The gateway tree:

	riverauth-gateway
	├── messaging-layer
	│   ├── connection hub
	│   └── verdict router (Watermill)
	└── api-layer
	    └── WebSocket HTTP server

A failing producer is restarted with backoff and never takes the transport
or API down with it. One-shot services return suture.ErrDoNotRestart once
finished.

Supervision events are logged through sutureslog into the zerolog-backed
slog handler from the logging package:

	tree := supervisor.NewTree("riverauth-agent", logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddAPIService(services.NewHTTPServerService("status-http", srv, 10*time.Second))
	err := tree.Serve(ctx)
*/
package supervisor
