// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

package gateway

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/tomtom215/riverauth/internal/logging"
	"github.com/tomtom215/riverauth/internal/metrics"
)

// ShutdownReason identifies why the hub stopped.
type ShutdownReason string

const (
	ShutdownReasonContextCanceled ShutdownReason = "context_canceled"
	ShutdownReasonContextDeadline ShutdownReason = "context_deadline"
)

// ErrHubClosed is returned by Register once the hub has shut down.
var ErrHubClosed = errors.New("hub closed")

type delivery struct {
	userID string
	frame  []byte
}

// Hub tracks open connections and routes verdict frames to the
// connections bound to a user.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	closed  bool
	deliver chan delivery
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		deliver: make(chan delivery, 256),
	}
}

// Register adds c. It fails once the hub has been shut down.
func (h *Hub) Register(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	h.clients[c] = struct{}{}
	metrics.GatewayConnections.Set(float64(len(h.clients)))
	logging.Info().Uint64("client_id", c.id).Int("total_clients", len(h.clients)).Msg("gateway client connected")
	return nil
}

// Unregister removes c and stops its write pump.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	c.closeSend()
	if ok {
		metrics.GatewayConnections.Set(float64(n))
		logging.Info().Uint64("client_id", c.id).Int("total_clients", n).Msg("gateway client disconnected")
	}
}

// Deliver queues frame for every connection bound to userID. It never
// blocks; a full queue drops the frame.
func (h *Hub) Deliver(userID string, frame []byte) bool {
	select {
	case h.deliver <- delivery{userID: userID, frame: frame}:
		return true
	default:
		logging.Warn().Str("user_id", userID).Msg("delivery queue full, dropping verdict")
		return false
	}
}

// Run routes queued deliveries until ctx is done, then closes every
// client. Cancellation is checked before each delivery.
func (h *Hub) Run(ctx context.Context) error {
	h.mu.Lock()
	h.closed = false
	h.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		default:
		}

		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		case d := <-h.deliver:
			h.route(d)
		}
	}
}

// route sends d to matching clients in id order. A client whose queue is
// full is disconnected.
func (h *Hub) route(d delivery) int {
	h.mu.RLock()
	targets := make([]*Client, 0, 1)
	for c := range h.clients {
		if c.UserID() == d.userID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })

	sent := 0
	for _, c := range targets {
		if c.enqueue(d.frame) {
			sent++
			continue
		}
		h.Unregister(c)
	}
	if sent == 0 {
		logging.Debug().Str("user_id", d.userID).Msg("no connection for verdict")
	}
	return sent
}

func (h *Hub) shutdown(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })
	for _, c := range clients {
		c.closeSend()
	}
	metrics.GatewayConnections.Set(0)

	logging.Info().
		Str("component", "gateway-hub").
		Str("reason", string(shutdownReason(ctx))).
		Int("clients_closed", len(clients)).
		Msg("gateway hub stopped")
}

func shutdownReason(ctx context.Context) ShutdownReason {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ShutdownReasonContextDeadline
	}
	return ShutdownReasonContextCanceled
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
