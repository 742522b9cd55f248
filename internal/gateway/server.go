// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

// Package gateway is the server end of the telemetry channel.
//
// Each agent connection gets a read pump and a write pump. Inbound frames
// are answered on the same connection:
//
//	{"type":"hello"}          -> {"type":"welcome","message":"Connected to River Auth WebSocket Server"}
//	{"ping":1}                -> {"pong":1}
//	{"type":"tap",...}        -> {"type":"tap_ack","received":true}
//	{"type":"typing",...}     -> {"type":"typing_ack","field":"email","wpm":42}
//	{"type":"device",...}     -> (accepted, no reply)
//	{"type":"bogus"}          -> {"type":"error","message":"Unknown message type: bogus"}
//	not JSON                  -> {"type":"error","message":"Invalid JSON format"}
//
// Accepted telemetry is published to the "telemetry" topic of a Watermill
// bus. Verdicts read from the "verdicts" topic are delivered to every
// connection that has sent frames for the addressed user_id.
package gateway

import (
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tomtom215/riverauth/internal/config"
	"github.com/tomtom215/riverauth/internal/envelope"
	"github.com/tomtom215/riverauth/internal/logging"
	"github.com/tomtom215/riverauth/internal/metrics"
	"github.com/tomtom215/riverauth/internal/middleware"
)

// WelcomeMessage is the greeting sent in reply to hello.
const WelcomeMessage = "Connected to River Auth WebSocket Server"

// Frame results recorded in the gateway message counter.
const (
	resultAck         = "ack"
	resultAccepted    = "accepted"
	resultError       = "error"
	resultRateLimited = "rate_limited"
)

// reply is every frame the gateway writes on its own behalf.
type reply struct {
	Type     string   `json:"type"`
	Message  string   `json:"message,omitempty"`
	Received bool     `json:"received,omitempty"`
	Field    string   `json:"field,omitempty"`
	WPM      *float64 `json:"wpm,omitempty"`
	TS       int64    `json:"ts,omitempty"`
}

// frame is an inbound envelope plus the bare keep-alive key.
type frame struct {
	envelope.Envelope
	Ping int `json:"ping,omitempty"`
}

type typingData struct {
	Field string  `json:"field"`
	WPM   float64 `json:"wpm"`
}

// Server accepts agent connections.
type Server struct {
	cfg      config.GatewayConfig
	hub      *Hub
	bus      Bus
	upgrader websocket.Upgrader
	active   atomic.Int64
	log      zerolog.Logger
	now      func() time.Time
}

// NewServer creates a server that registers connections with hub and
// publishes telemetry to bus.
func NewServer(cfg config.GatewayConfig, hub *Hub, bus Bus) *Server {
	s := &Server{
		cfg: cfg,
		hub: hub,
		bus: bus,
		log: logging.Component("gateway"),
		now: time.Now,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      s.checkOrigin,
	}
	return s
}

// Handler returns the chi router. The WebSocket endpoint is served on
// both / and /ws.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.PrometheusMetrics)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(
			s.upgradeLimit(),
			time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
		))
		r.Get("/", s.HandleWebSocket)
		r.Get("/ws", s.HandleWebSocket)
	})
	return r
}

func (s *Server) upgradeLimit() int {
	if s.cfg.UpgradeRateLimit > 0 {
		return s.cfg.UpgradeRateLimit
	}
	return 60
}

// checkOrigin accepts agents (no Origin header) and configured browser
// origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, "*") || slices.Contains(s.cfg.AllowedOrigins, origin)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": s.hub.ClientCount(),
	})
}

// HandleWebSocket upgrades the request and starts the client pumps.
// Requests beyond MaxConnections get 503 before the upgrade.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if n := s.active.Add(1); s.cfg.MaxConnections > 0 && n > int64(s.cfg.MaxConnections) {
		s.active.Add(-1)
		s.log.Warn().Int("max_connections", s.cfg.MaxConnections).Msg("connection limit reached")
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.active.Add(-1)
		s.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	c := newClient(conn, s.newLimiter(), s.log.With().Str("remote_addr", r.RemoteAddr).Logger())
	if err := s.hub.Register(c); err != nil {
		s.active.Add(-1)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "gateway shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump(s.handleFrame, func() {
		s.hub.Unregister(c)
		s.active.Add(-1)
	})
}

func (s *Server) newLimiter() *rate.Limiter {
	mps := s.cfg.MessagesPerSecond
	if mps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := s.cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(mps), burst)
}

// handleFrame applies the reply rules to one inbound frame.
func (s *Server) handleFrame(c *Client, raw []byte) {
	if !c.limiter.Allow() {
		metrics.RecordGatewayMessage("-", resultRateLimited)
		c.reply(s.encode(reply{Type: envelope.TypeError, Message: "Rate limit exceeded"}))
		return
	}

	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		metrics.RecordGatewayMessage("-", resultError)
		c.log.Debug().Err(err).Msg("invalid frame")
		c.reply(s.encode(reply{Type: envelope.TypeError, Message: "Invalid JSON format"}))
		return
	}
	env := f.Envelope
	c.setUserID(env.UserID)

	switch env.Type {
	case envelope.TypeHello:
		metrics.RecordGatewayMessage(env.Type, resultAck)
		c.reply(s.encode(reply{Type: envelope.TypeWelcome, Message: WelcomeMessage, TS: s.now().UnixMilli()}))

	case envelope.TypeTap, envelope.TypeSwipe:
		s.accept(c, env)
		metrics.RecordGatewayMessage(env.Type, resultAck)
		c.reply(s.encode(reply{Type: env.Type + envelope.AckSuffix, Received: true, TS: s.now().UnixMilli()}))

	case envelope.TypeTyping:
		s.accept(c, env)
		metrics.RecordGatewayMessage(env.Type, resultAck)
		td := typingData{Field: "unknown"}
		if len(env.Data) > 0 {
			_ = json.Unmarshal(env.Data, &td)
		}
		c.reply(s.encode(reply{Type: env.Type + envelope.AckSuffix, Field: td.Field, WPM: &td.WPM, TS: s.now().UnixMilli()}))

	case envelope.TypeDevice, envelope.TypeGeolocation, envelope.TypeIP,
		envelope.TypeSecurityQuestionTyping, envelope.TypeSignupStep1Submission,
		envelope.TypeSignupStep2Submission, envelope.TypeSecurityQuestionsSubmission,
		envelope.TypeSecurityResponse:
		s.accept(c, env)
		metrics.RecordGatewayMessage(env.Type, resultAccepted)

	case "":
		if f.Ping != 0 {
			metrics.RecordGatewayMessage("ping", resultAck)
			c.reply(envelope.PongFrame)
			return
		}
		fallthrough

	default:
		metrics.RecordGatewayMessage("unknown", resultError)
		c.log.Warn().Str("type", env.Type).Msg("unknown message type")
		c.reply(s.encode(reply{Type: envelope.TypeError, Message: "Unknown message type: " + env.Type}))
	}
}

// accept publishes env to the telemetry topic, stamped with the
// connection's user when the frame carries none.
func (s *Server) accept(c *Client, env envelope.Envelope) {
	if env.UserID == "" {
		env.UserID = c.UserID()
	}
	payload, err := envelope.Encode(env)
	if err != nil {
		c.log.Error().Err(err).Str("type", env.Type).Msg("failed to encode telemetry")
		return
	}
	if err := publish(s.bus, TopicTelemetry, telemetryMessage(env, payload)); err != nil {
		c.log.Error().Err(err).Str("type", env.Type).Msg("failed to publish telemetry")
	}
}

func (s *Server) encode(r reply) []byte {
	b, err := json.Marshal(r)
	if err != nil {
		s.log.Error().Err(err).Str("type", r.Type).Msg("failed to encode reply")
		return []byte(`{"type":"error"}`)
	}
	return b
}

// ActiveConnections returns the number of admitted connections.
func (s *Server) ActiveConnections() int64 {
	return s.active.Load()
}
