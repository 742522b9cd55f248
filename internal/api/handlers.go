// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

package api

import (
	"net/http"
	"time"

	"github.com/tomtom215/riverauth/internal/security"
	"github.com/tomtom215/riverauth/internal/transport"
)

// Health is the /healthz body.
type Health struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Transport     string  `json:"transport,omitempty"`
	Session       string  `json:"session,omitempty"`
}

// State is the /api/v1/state body.
type State struct {
	Transport *transport.Status `json:"transport,omitempty"`
	Monitor   *security.Status  `json:"monitor,omitempty"`
}

// Health reports liveness. A terminated session answers 503 so process
// supervisors can restart the agent.
func (rt *Router) Health(w http.ResponseWriter, r *http.Request) {
	h := Health{
		Status:        "ok",
		UptimeSeconds: time.Since(rt.startedAt).Seconds(),
	}
	if rt.src.Transport != nil {
		h.Transport = rt.src.Transport.Status().State.String()
	}
	if rt.src.Monitor != nil {
		st := rt.src.Monitor.Status().State
		h.Session = st.String()
		if st == security.StateTerminating {
			respond(w, r).error(http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Session terminated")
			return
		}
	}
	respond(w, r).success(h)
}

// State returns the transport and monitor snapshot.
func (rt *Router) State(w http.ResponseWriter, r *http.Request) {
	var s State
	if rt.src.Transport != nil {
		ts := rt.src.Transport.Status()
		s.Transport = &ts
	}
	if rt.src.Monitor != nil {
		ms := rt.src.Monitor.Status()
		s.Monitor = &ms
	}
	respond(w, r).success(s)
}
