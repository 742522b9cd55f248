// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

// Package api serves the agent's local status endpoints.
//
//	GET /healthz        liveness and session state
//	GET /api/v1/state   transport and risk monitor snapshot
//	GET /metrics        Prometheus exposition
//
// /api/v1 is rate limited per client IP with go-chi/httprate. Cross-origin
// reads are allowed only for the configured dashboard origins.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/riverauth/internal/config"
	"github.com/tomtom215/riverauth/internal/middleware"
	"github.com/tomtom215/riverauth/internal/security"
	"github.com/tomtom215/riverauth/internal/transport"
)

// TransportSource reports the shared channel status. *transport.Manager
// implements it.
type TransportSource interface {
	Status() transport.Status
}

// MonitorSource reports the risk monitor status. *security.Monitor
// implements it.
type MonitorSource interface {
	Status() security.Status
}

// Sources are the components the API reads. A nil source is omitted
// from the snapshot.
type Sources struct {
	Transport TransportSource
	Monitor   MonitorSource
}

// Router builds the status API handler.
type Router struct {
	src       Sources
	cfg       config.ServerConfig
	startedAt time.Time
}

// NewRouter creates a router over src.
func NewRouter(src Sources, cfg config.ServerConfig) *Router {
	return &Router{src: src, cfg: cfg, startedAt: time.Now()}
}

// Handler returns the chi handler with the middleware stack installed.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	// cors treats an empty origin list as "*".
	if len(rt.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: rt.cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", middleware.RequestIDHeader},
			ExposedHeaders: []string{middleware.RequestIDHeader},
			MaxAge:         86400,
		}))
	}
	r.Use(middleware.PrometheusMetrics)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respond(w, r).error(http.StatusNotFound, ErrCodeNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respond(w, r).error(http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Method not allowed")
	})

	r.Get("/healthz", rt.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.Limit(
			rt.rateLimit(),
			time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				respond(w, r).error(http.StatusTooManyRequests, ErrCodeTooManyRequests, "Rate limit exceeded")
			}),
		))
		r.Get("/state", rt.State)
	})

	return r
}

func (rt *Router) rateLimit() int {
	if rt.cfg.RateLimit > 0 {
		return rt.cfg.RateLimit
	}
	return 120
}
