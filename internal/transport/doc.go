// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

/*
Package transport multiplexes every telemetry producer over one WebSocket
connection to the scoring endpoint.

# Leases

Producers and the risk monitor each take a Lease from the process-wide
Manager. The manager counts leases: the first Acquire dials, later ones
share the connection, and releasing the last lease closes it with a
normal-closure frame ("all listeners gone"). The count change and the
open/close decision happen under one mutex, and Release is idempotent per
lease, so the count never goes negative.

	mgr := transport.NewManager(cfg.Transport, transport.WithUserID(cfg.Agent.UserID))
	lease := mgr.Acquire()
	defer lease.Release()

	lease.Subscribe(func(msg envelope.Inbound) { ... })
	lease.Send(env)

# Delivery

Send never fails because the connection is down. Envelopes go into one
bounded FIFO shared by all producers; when it is full the oldest envelope
is dropped and counted in riverauth_envelopes_dropped_total{reason="queue_full"}.
On open the write pump sends a hello frame and then drains the queue in
order. While open it also writes {"ping":1} every PingInterval.

There is no automatic reconnect. When the peer drops the connection the
state becomes Closed and the next Acquire dials again. Dials go through a
gobreaker circuit breaker so a dead endpoint is not hammered.

# Inbound

Each frame is parsed with envelope.ParseInbound. Malformed frames are
logged and dropped. Parsed messages are delivered to subscribers on the
read pump goroutine, in arrival order.
*/
package transport
