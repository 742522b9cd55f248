// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

package transport

import (
	"sync"

	"github.com/tomtom215/riverauth/internal/envelope"
	"github.com/tomtom215/riverauth/internal/metrics"
)

// Lease is one consumer's handle on the shared connection. It is safe for
// concurrent use.
type Lease struct {
	m    *Manager
	once sync.Once

	mu       sync.Mutex
	released bool
	subs     []uint64
}

// Send queues env for delivery. It never fails for a missing connection;
// after Release it does nothing.
func (l *Lease) Send(env envelope.Envelope) {
	l.mu.Lock()
	released := l.released
	l.mu.Unlock()
	if released {
		metrics.RecordDropped("released")
		return
	}
	l.m.send(env)
}

// Subscribe registers h for inbound messages until the returned cancel
// func or Release is called.
func (l *Lease) Subscribe(h Handler) (cancel func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return func() {}
	}
	id := l.m.subscribe(h)
	l.subs = append(l.subs, id)
	return func() { l.m.unsubscribe(id) }
}

// State returns the shared connection state.
func (l *Lease) State() State {
	return l.m.State()
}

// Release gives the lease back. Only the first call has any effect.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.mu.Lock()
		l.released = true
		subs := l.subs
		l.subs = nil
		l.mu.Unlock()

		for _, id := range subs {
			l.m.unsubscribe(id)
		}
		l.m.release()
	})
}
