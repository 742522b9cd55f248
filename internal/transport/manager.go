// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/riverauth/internal/cache"
	"github.com/tomtom215/riverauth/internal/config"
	"github.com/tomtom215/riverauth/internal/envelope"
	"github.com/tomtom215/riverauth/internal/logging"
	"github.com/tomtom215/riverauth/internal/metrics"
)

const (
	maxMessageSize = 512 * 1024 // 512 KB

	// CloseReason accompanies the normal-closure frame sent when the last
	// lease is released.
	CloseReason = "all listeners gone"

	breakerName = "transport-dial"
)

// Handler receives parsed inbound messages. Handlers run on the read pump
// goroutine in arrival order and must not block.
type Handler func(msg envelope.Inbound)

// connection is one dial generation. A released or dropped generation is
// never reused; the next Acquire starts a fresh one.
type connection struct {
	ctx    context.Context
	cancel context.CancelFunc
	ws     Conn

	notify    chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
	readDone  chan struct{}
}

func newConnection() *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		ctx:      ctx,
		cancel:   cancel,
		notify:   make(chan struct{}, 1),
		closing:  make(chan struct{}),
		readDone: make(chan struct{}),
	}
}

func (c *connection) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *connection) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.cancel()
	})
}

type subscription struct {
	id uint64
	h  Handler
}

// Status is a point-in-time view of the manager.
type Status struct {
	State    State  `json:"state"`
	Leases   int    `json:"leases"`
	Queued   int    `json:"queued"`
	Endpoint string `json:"endpoint"`
}

// Manager owns the single connection to the scoring endpoint and shares it
// between any number of leases. Create one per process and inject it.
type Manager struct {
	cfg     config.TransportConfig
	dialer  Dialer
	breaker *gobreaker.CircuitBreaker[Conn]
	now     func() time.Time
	logger  zerolog.Logger

	mu     sync.Mutex
	userID string
	refs   int
	state  State
	conn   *connection
	queue  *cache.Ring[envelope.Envelope]
	subs   []subscription
	nextID uint64

	wg sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the gorilla/websocket dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithUserID sets the id stamped on outbound envelopes.
func WithUserID(id string) Option {
	return func(m *Manager) { m.userID = id }
}

// WithClock replaces time.Now for envelope timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates an idle manager. Nothing is dialed until the first
// Acquire.
func NewManager(cfg config.TransportConfig, opts ...Option) *Manager {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 256
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}

	m := &Manager{
		cfg:    cfg,
		now:    time.Now,
		logger: logging.Component("transport"),
		state:  StateIdle,
		queue:  cache.NewRing[envelope.Envelope](cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dialer == nil {
		m.dialer = NewWebSocketDialer(cfg.HandshakeTimeout)
	}

	failures := cfg.BreakerFailures
	m.breaker = gobreaker.NewCircuitBreaker[Conn](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("transport circuit breaker state change")
			metrics.RecordBreakerTransition(name, from.String(), to.String(), int(to))
		},
	})
	metrics.TransportState.Set(float64(StateIdle))
	return m
}

// Acquire registers a new consumer. The first lease, or the first lease
// after the connection went away, starts a dial.
func (m *Manager) Acquire() *Lease {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refs++
	metrics.TransportLeases.Set(float64(m.refs))
	if m.conn == nil {
		m.connectLocked()
	}
	return &Lease{m: m}
}

// release drops one reference. At zero the connection is closed. Callers
// guarantee at most one release per lease.
func (m *Manager) release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refs--
	metrics.TransportLeases.Set(float64(m.refs))
	if m.refs > 0 || m.conn == nil {
		return
	}

	c := m.conn
	m.conn = nil
	if m.state == StateOpen {
		m.setStateLocked(StateClosing)
	} else {
		m.setStateLocked(StateClosed)
	}
	c.shutdown()
	m.logger.Debug().Msg("last lease released, closing connection")
}

func (m *Manager) connectLocked() {
	c := newConnection()
	m.conn = c
	m.setStateLocked(StateConnecting)
	m.wg.Add(1)
	go m.dial(c)
}

func (m *Manager) dial(c *connection) {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(c.ctx, m.cfg.HandshakeTimeout)
	ws, err := m.breaker.Execute(func() (Conn, error) {
		return m.dialer.Dial(ctx, m.cfg.Endpoint)
	})
	cancel()

	m.mu.Lock()
	if m.conn != c {
		m.mu.Unlock()
		if ws != nil {
			_ = ws.Close()
		}
		metrics.TransportDials.WithLabelValues("abandoned").Inc()
		return
	}
	if err != nil {
		m.conn = nil
		m.setStateLocked(StateClosed)
		queued := m.queue.Len()
		m.mu.Unlock()

		result := "failure"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			result = "rejected"
		}
		metrics.TransportDials.WithLabelValues(result).Inc()
		m.logger.Warn().Err(err).
			Str("endpoint", m.cfg.Endpoint).
			Int("queued", queued).
			Msg("transport dial failed, envelopes stay queued")
		return
	}
	c.ws = ws
	m.setStateLocked(StateOpen)
	m.wg.Add(2)
	m.mu.Unlock()

	metrics.TransportDials.WithLabelValues("success").Inc()
	m.logger.Info().Str("endpoint", m.cfg.Endpoint).Msg("transport connected")

	ws.SetReadLimit(maxMessageSize)
	go m.readPump(c)
	go m.writePump(c)
}

// connDone runs once both pumps of c have stopped.
func (m *Manager) connDone(c *connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.conn {
	case c:
		m.conn = nil
		m.setStateLocked(StateClosed)
		m.logger.Warn().Int("leases", m.refs).Msg("transport connection dropped")
	case nil:
		m.setStateLocked(StateClosed)
		m.logger.Info().Msg("transport connection closed")
	}
}

// readPump parses inbound frames and fans them out to subscribers.
func (m *Manager) readPump(c *connection) {
	defer func() {
		close(c.readDone)
		m.wg.Done()
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.logger.Warn().Err(err).Msg("unexpected websocket close")
			} else {
				m.logger.Debug().Err(err).Msg("transport read loop ended")
			}
			return
		}

		msg, err := envelope.ParseInbound(data)
		if err != nil {
			metrics.InboundMalformed.Inc()
			m.logger.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed inbound frame")
			continue
		}
		m.dispatch(msg)
	}
}

// writePump is the only writer on c. It sends hello, then drains the
// shared queue in order and keeps the connection alive.
func (m *Manager) writePump(c *connection) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		<-c.readDone
		m.connDone(c)
		m.wg.Done()
	}()

	hello, err := envelope.Encode(envelope.Envelope{Type: envelope.TypeHello, TS: m.now().UnixMilli()})
	if err == nil {
		err = m.write(c, hello)
	}
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to send hello")
		return
	}
	metrics.RecordSent(envelope.TypeHello)

	for {
		if err := m.flush(c); err != nil {
			m.logger.Error().Err(err).Msg("transport write failed")
			return
		}

		select {
		case <-c.notify:
		case <-ticker.C:
			if err := m.write(c, envelope.PingFrame); err != nil {
				m.logger.Error().Err(err).Msg("failed to send keep-alive")
				return
			}
		case <-c.closing:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, CloseReason)
			if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(m.cfg.WriteTimeout)); err != nil {
				m.logger.Debug().Err(err).Msg("failed to write close frame")
			}
			return
		case <-c.readDone:
			return
		}
	}
}

// flush writes queued envelopes until the queue is empty or c stops being
// the current connection.
func (m *Manager) flush(c *connection) error {
	for {
		m.mu.Lock()
		if m.conn != c {
			m.mu.Unlock()
			return nil
		}
		env, ok := m.queue.Pop()
		m.mu.Unlock()
		if !ok {
			return nil
		}

		data, err := envelope.Encode(env)
		if err != nil {
			metrics.RecordDropped("encode_error")
			m.logger.Error().Err(err).Str("type", env.Type).Msg("failed to encode envelope")
			continue
		}
		if err := m.write(c, data); err != nil {
			m.requeue(env)
			return fmt.Errorf("write %s: %w", env.Type, err)
		}
		metrics.RecordSent(env.Type)
	}
}

// requeue returns an envelope whose write failed to the head of the queue
// so the next connection replays it first. It is dropped when newer
// envelopes filled the queue meanwhile.
func (m *Manager) requeue(env envelope.Envelope) {
	m.mu.Lock()
	ok := m.queue.PushFront(env)
	m.mu.Unlock()
	if !ok {
		metrics.RecordDropped("write_error")
	}
}

func (m *Manager) write(c *connection, data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// send queues env and wakes the writer when the connection is open.
func (m *Manager) send(env envelope.Envelope) {
	m.mu.Lock()
	if m.userID != "" && env.UserID == "" {
		env.UserID = m.userID
	}
	old, evicted := m.queue.Push(env)
	c := m.conn
	open := m.state == StateOpen
	m.mu.Unlock()

	if evicted {
		metrics.RecordDropped("queue_full")
		m.logger.Warn().Str("dropped_type", old.Type).Int("capacity", m.cfg.QueueSize).Msg("outbound queue full, dropped oldest envelope")
	}
	if !open || c == nil {
		metrics.EnvelopesQueued.Inc()
		return
	}
	c.wake()
}

func (m *Manager) subscribe(h Handler) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.subs = append(m.subs, subscription{id: m.nextID, h: h})
	return m.nextID
}

func (m *Manager) unsubscribe(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.subs {
		if s.id == id {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return
		}
	}
}

// dispatch calls every subscriber in subscription order without holding
// the lock, so handlers may Send.
func (m *Manager) dispatch(msg envelope.Inbound) {
	m.mu.Lock()
	handlers := make([]Handler, len(m.subs))
	for i, s := range m.subs {
		handlers[i] = s.h
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	metrics.TransportState.Set(float64(s))
}

// SetUserID changes the id stamped on envelopes queued from now on.
func (m *Manager) SetUserID(id string) {
	m.mu.Lock()
	m.userID = id
	m.mu.Unlock()
}

// State returns the connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns state, lease count and queue depth.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:    m.state,
		Leases:   m.refs,
		Queued:   m.queue.Len(),
		Endpoint: m.cfg.Endpoint,
	}
}

// Wait blocks until every dial and pump goroutine has exited or ctx is
// done. Call it after the last Release to let the close frame go out.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
