// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

package transport

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/riverauth/internal/config"
	"github.com/tomtom215/riverauth/internal/envelope"
)

var errConnClosed = errors.New("fake connection closed")

// fakeConn is an in-memory Conn. Frames written by the manager are
// recorded; frames pushed on in are returned by ReadMessage.
type fakeConn struct {
	mu       sync.Mutex
	written  [][]byte
	controls [][]byte
	failOn   string // next data write containing failOn fails once

	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-c.in:
		return websocket.TextMessage, b, nil
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failOn != "" && strings.Contains(string(data), c.failOn) {
		c.failOn = ""
		return errors.New("broken pipe")
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) WriteControl(_ int, data []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controls = append(c.controls, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (c *fakeConn) SetReadLimit(int64)               {}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

func (c *fakeConn) closeFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.controls...)
}

// fakeDialer hands out fakeConns. A non-nil gate holds every dial until it
// is closed; failures makes the first n dials fail.
type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	gate     chan struct{}
	failures int
	dials    atomic.Int32
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	d.dials.Add(1)
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func testConfig() config.TransportConfig {
	return config.TransportConfig{
		Endpoint:         "ws://scorer.test",
		QueueSize:        256,
		PingInterval:     time.Hour,
		HandshakeTimeout: time.Second,
		WriteTimeout:     time.Second,
		BreakerFailures:  5,
		BreakerTimeout:   time.Second,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func frameTypes(t *testing.T, frames [][]byte) []string {
	t.Helper()
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		env, err := envelope.Parse(f)
		if err != nil {
			t.Fatalf("Parse(%s): %v", f, err)
		}
		if env.Type == "" {
			out = append(out, string(f))
			continue
		}
		out = append(out, env.Type)
	}
	return out
}

func waitIdle(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Wait(ctx); err != nil {
		t.Fatalf("Wait() = %v", err)
	}
}

func TestManager_RefcountOpensAndClosesOnce(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	m := NewManager(testConfig(), WithDialer(d))
	if m.State() != StateIdle {
		t.Fatalf("State() = %v, want idle", m.State())
	}

	leases := make([]*Lease, 5)
	for i := range leases {
		leases[i] = m.Acquire()
	}
	waitFor(t, "open", func() bool { return m.State() == StateOpen })

	for _, l := range leases {
		l.Release()
	}
	waitIdle(t, m)

	if n := d.dials.Load(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
	c := d.conn(0)
	if !c.isClosed() {
		t.Error("connection not closed after last release")
	}
	closes := c.closeFrames()
	if len(closes) != 1 {
		t.Fatalf("close frames = %d, want 1", len(closes))
	}
	want := websocket.FormatCloseMessage(websocket.CloseNormalClosure, CloseReason)
	if string(closes[0]) != string(want) {
		t.Errorf("close frame = %q, want %q", closes[0], want)
	}
	if m.State() != StateClosed {
		t.Errorf("State() = %v, want closed", m.State())
	}
	if s := m.Status(); s.Leases != 0 {
		t.Errorf("Leases = %d, want 0", s.Leases)
	}
}

func TestManager_ConcurrentLeasesOpenAndCloseOnce(t *testing.T) {
	t.Parallel()

	const leaseCount = 32
	for round := 0; round < 20; round++ {
		d := &fakeDialer{}
		m := NewManager(testConfig(), WithDialer(d))

		leases := make([]*Lease, leaseCount)
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := range leases {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				leases[i] = m.Acquire()
			}(i)
		}
		close(start)
		wg.Wait()
		waitFor(t, "open", func() bool { return m.State() == StateOpen })

		order := rand.Perm(2 * leaseCount)
		start = make(chan struct{})
		for _, n := range order {
			wg.Add(1)
			go func(l *Lease) {
				defer wg.Done()
				<-start
				l.Release()
			}(leases[n%leaseCount])
		}
		close(start)
		wg.Wait()
		waitIdle(t, m)

		if n := d.dials.Load(); n != 1 {
			t.Fatalf("round %d: dials = %d, want 1", round, n)
		}
		if closes := d.conn(0).closeFrames(); len(closes) != 1 {
			t.Fatalf("round %d: close frames = %d, want 1", round, len(closes))
		}
		if s := m.Status(); s.Leases != 0 || s.State != StateClosed {
			t.Fatalf("round %d: Status() = %+v, want 0 leases and closed", round, s)
		}
	}
}

func TestManager_DoubleReleaseIsNoop(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	m := NewManager(testConfig(), WithDialer(d))
	a := m.Acquire()
	b := m.Acquire()
	waitFor(t, "open", func() bool { return m.State() == StateOpen })

	a.Release()
	a.Release()
	a.Release()

	if s := m.Status(); s.Leases != 1 || s.State != StateOpen {
		t.Fatalf("Status() = %+v, want 1 lease and open", s)
	}
	b.Release()
	waitIdle(t, m)
	if s := m.Status(); s.Leases != 0 {
		t.Errorf("Leases = %d, want 0", s.Leases)
	}
}

func TestManager_HelloThenQueueInOrder(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{gate: make(chan struct{})}
	m := NewManager(testConfig(), WithDialer(d), WithUserID("u-42"))
	l := m.Acquire()
	defer l.Release()

	if l.State() != StateConnecting {
		t.Fatalf("State() = %v, want connecting", l.State())
	}
	for _, typ := range []string{envelope.TypeDevice, envelope.TypeTap, envelope.TypeSwipe} {
		l.Send(envelope.MustNew(typ, map[string]int{"n": 1}))
	}
	other := envelope.MustNew(envelope.TypeTyping, nil)
	other.UserID = "someone-else"
	l.Send(other)

	if q := m.Status().Queued; q != 4 {
		t.Fatalf("Queued = %d, want 4", q)
	}
	close(d.gate)

	waitFor(t, "flush", func() bool {
		c := d.conn(0)
		return c != nil && len(c.frames()) == 5
	})
	frames := d.conn(0).frames()
	got := frameTypes(t, frames)
	want := []string{"hello", "device", "tap", "swipe", "typing"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frames = %v, want %v", got, want)
		}
	}

	hello, _ := envelope.Parse(frames[0])
	if hello.UserID != "" || len(hello.Data) != 0 || hello.TS == 0 {
		t.Errorf("hello = %+v, want bare {type, ts}", hello)
	}
	tap, _ := envelope.Parse(frames[2])
	if tap.UserID != "u-42" {
		t.Errorf("UserID = %q, want u-42", tap.UserID)
	}
	typing, _ := envelope.Parse(frames[4])
	if typing.UserID != "someone-else" {
		t.Errorf("UserID = %q, stamping must not overwrite", typing.UserID)
	}
}

func TestManager_QueueDropsOldest(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.QueueSize = 2
	d := &fakeDialer{gate: make(chan struct{})}
	m := NewManager(cfg, WithDialer(d))
	l := m.Acquire()
	defer l.Release()

	for _, typ := range []string{"first", "second", "third"} {
		l.Send(envelope.MustNew(typ, nil))
	}
	close(d.gate)

	waitFor(t, "flush", func() bool {
		c := d.conn(0)
		return c != nil && len(c.frames()) == 3
	})
	got := frameTypes(t, d.conn(0).frames())
	if got[1] != "second" || got[2] != "third" {
		t.Errorf("frames = %v, want [hello second third]", got)
	}
}

func TestManager_SendWhileOpen(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	m := NewManager(testConfig(), WithDialer(d))
	l := m.Acquire()
	defer l.Release()
	waitFor(t, "open", func() bool { return m.State() == StateOpen })

	for i := 0; i < 20; i++ {
		l.Send(envelope.MustNew(envelope.TypeTap, map[string]int{"i": i}))
	}
	waitFor(t, "writes", func() bool { return len(d.conn(0).frames()) == 21 })

	for i, f := range d.conn(0).frames()[1:] {
		env, _ := envelope.Parse(f)
		var body struct {
			I int `json:"i"`
		}
		if err := env.Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.I != i {
			t.Fatalf("frame %d carries i=%d, order broken", i, body.I)
		}
	}
}

func TestManager_InboundFanOut(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	m := NewManager(testConfig(), WithDialer(d))
	a := m.Acquire()
	b := m.Acquire()
	defer b.Release()
	waitFor(t, "open", func() bool { return m.State() == StateOpen })

	var mu sync.Mutex
	var gotA, gotB []string
	a.Subscribe(func(msg envelope.Inbound) {
		mu.Lock()
		gotA = append(gotA, msg.Kind())
		mu.Unlock()
	})
	b.Subscribe(func(msg envelope.Inbound) {
		mu.Lock()
		gotB = append(gotB, msg.Kind())
		mu.Unlock()
	})

	c := d.conn(0)
	c.in <- []byte(`not json`)
	c.in <- []byte(`{"type":"welcome","message":"Connected to River Auth WebSocket Server"}`)
	c.in <- []byte(`{"type":"behavioral_alert","user_id":"u","score":0.5,"action":"monitor"}`)
	waitFor(t, "dispatch", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotB) == 2
	})

	a.Release()
	c.in <- []byte(`{"pong":1}`)
	waitFor(t, "pong", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotB) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	if len(gotA) != 2 || gotA[0] != envelope.TypeWelcome || gotA[1] != envelope.TypeBehavioralAlert {
		t.Errorf("lease a got %v", gotA)
	}
	if gotB[2] != "pong" {
		t.Errorf("lease b got %v", gotB)
	}
}

func TestManager_SubscribeCancel(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	m := NewManager(testConfig(), WithDialer(d))
	l := m.Acquire()
	defer l.Release()
	waitFor(t, "open", func() bool { return m.State() == StateOpen })

	var calls atomic.Int32
	cancel := l.Subscribe(func(envelope.Inbound) { calls.Add(1) })
	var marker atomic.Int32
	l.Subscribe(func(envelope.Inbound) { marker.Add(1) })
	cancel()
	cancel()

	d.conn(0).in <- []byte(`{"pong":1}`)
	waitFor(t, "marker", func() bool { return marker.Load() == 1 })
	if calls.Load() != 0 {
		t.Errorf("cancelled handler called %d times", calls.Load())
	}
}

func TestManager_DialFailureKeepsQueue(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{failures: 1}
	m := NewManager(testConfig(), WithDialer(d))
	a := m.Acquire()
	a.Send(envelope.MustNew(envelope.TypeDevice, nil))
	waitFor(t, "failed dial", func() bool { return m.State() == StateClosed })

	if q := m.Status().Queued; q != 1 {
		t.Fatalf("Queued = %d, want 1", q)
	}

	b := m.Acquire()
	waitFor(t, "flush", func() bool {
		c := d.conn(0)
		return c != nil && len(c.frames()) == 2
	})
	if got := frameTypes(t, d.conn(0).frames()); got[1] != envelope.TypeDevice {
		t.Errorf("frames = %v", got)
	}
	a.Release()
	b.Release()
	waitIdle(t, m)
}

func TestManager_ReleaseWhileConnecting(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{gate: make(chan struct{})}
	m := NewManager(testConfig(), WithDialer(d))
	l := m.Acquire()
	l.Release()

	if m.State() != StateClosed {
		t.Errorf("State() = %v, want closed", m.State())
	}
	close(d.gate)
	waitIdle(t, m)
	if c := d.conn(0); c != nil && !c.isClosed() {
		t.Error("abandoned connection left open")
	}
}

func TestManager_PeerDropThenReacquire(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	m := NewManager(testConfig(), WithDialer(d))
	a := m.Acquire()
	defer a.Release()
	waitFor(t, "open", func() bool { return m.State() == StateOpen })

	_ = d.conn(0).Close()
	waitFor(t, "closed", func() bool { return m.State() == StateClosed })

	a.Send(envelope.MustNew(envelope.TypeIP, nil))
	b := m.Acquire()
	defer b.Release()
	waitFor(t, "reopen", func() bool {
		c := d.conn(1)
		return c != nil && len(c.frames()) == 2
	})
	if n := d.dials.Load(); n != 2 {
		t.Errorf("dials = %d, want 2", n)
	}
}

func TestManager_FailedWriteIsReplayed(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	m := NewManager(testConfig(), WithDialer(d))
	a := m.Acquire()
	defer a.Release()
	waitFor(t, "open", func() bool { return m.State() == StateOpen })

	first := d.conn(0)
	first.mu.Lock()
	first.failOn = `"type":"ip"`
	first.mu.Unlock()

	a.Send(envelope.MustNew(envelope.TypeIP, nil))
	waitFor(t, "closed", func() bool { return m.State() == StateClosed })
	if got := m.Status().Queued; got != 1 {
		t.Fatalf("Queued = %d, want 1", got)
	}

	b := m.Acquire()
	defer b.Release()
	waitFor(t, "replay", func() bool {
		c := d.conn(1)
		return c != nil && len(c.frames()) == 2
	})
	got := frameTypes(t, d.conn(1).frames())
	if got[0] != envelope.TypeHello || got[1] != envelope.TypeIP {
		t.Errorf("frames = %v, want [hello ip]", got)
	}
}

func TestManager_KeepAlive(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.PingInterval = 5 * time.Millisecond
	d := &fakeDialer{}
	m := NewManager(cfg, WithDialer(d))
	l := m.Acquire()
	defer l.Release()

	waitFor(t, "ping", func() bool {
		c := d.conn(0)
		if c == nil {
			return false
		}
		for _, f := range c.frames() {
			if string(f) == string(envelope.PingFrame) {
				return true
			}
		}
		return false
	})
}

func TestManager_BreakerRejectsAfterFailures(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.BreakerFailures = 2
	cfg.BreakerTimeout = time.Hour
	d := &fakeDialer{failures: 10}
	m := NewManager(cfg, WithDialer(d))

	for i := 0; i < 4; i++ {
		l := m.Acquire()
		waitFor(t, "dial outcome", func() bool { return m.State() == StateClosed })
		l.Release()
	}
	waitIdle(t, m)
	if n := d.dials.Load(); n != 2 {
		t.Errorf("dials = %d, want 2 before the breaker opened", n)
	}
}

func TestLease_SendAfterRelease(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{gate: make(chan struct{})}
	m := NewManager(testConfig(), WithDialer(d))
	keep := m.Acquire()
	defer keep.Release()
	l := m.Acquire()
	l.Release()

	l.Send(envelope.MustNew(envelope.TypeTap, nil))
	if q := m.Status().Queued; q != 0 {
		t.Errorf("Queued = %d, want 0", q)
	}
	if cancel := l.Subscribe(func(envelope.Inbound) {}); cancel == nil {
		t.Error("Subscribe after Release returned nil cancel")
	}
	close(d.gate)
}

func TestState_String(t *testing.T) {
	t.Parallel()

	for s, want := range map[State]string{
		StateIdle: "idle", StateConnecting: "connecting", StateOpen: "open",
		StateClosing: "closing", StateClosed: "closed", State(42): "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
	b, err := json.Marshal(Status{State: StateOpen})
	if err != nil || !strings.Contains(string(b), `"state":"open"`) {
		t.Errorf("Marshal(Status) = %s, %v", b, err)
	}
}

// TestManager_WebSocketRoundTrip runs the gorilla dialer against a real
// server.
func TestManager_WebSocketRoundTrip(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	received := make(chan string, 8)
	closed := make(chan int, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					closed <- ce.Code
				}
				return
			}
			env, _ := envelope.Parse(data)
			received <- env.Type
			if env.Type == envelope.TypeHello {
				_ = conn.WriteMessage(websocket.TextMessage,
					[]byte(`{"type":"welcome","message":"Connected to River Auth WebSocket Server"}`))
			}
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Endpoint = "ws" + strings.TrimPrefix(srv.URL, "http")
	m := NewManager(cfg)
	l := m.Acquire()

	welcome := make(chan string, 1)
	l.Subscribe(func(msg envelope.Inbound) {
		if w, ok := msg.(*envelope.Welcome); ok {
			welcome <- w.Message
		}
	})
	l.Send(envelope.MustNew(envelope.TypeTap, map[string]float64{"clientX": 1}))

	for _, want := range []string{envelope.TypeHello, envelope.TypeTap} {
		select {
		case got := <-received:
			if got != want {
				t.Fatalf("server received %q, want %q", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("server never received %q", want)
		}
	}
	select {
	case msg := <-welcome:
		if msg != "Connected to River Auth WebSocket Server" {
			t.Errorf("welcome = %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no welcome")
	}

	l.Release()
	select {
	case code := <-closed:
		if code != websocket.CloseNormalClosure {
			t.Errorf("close code = %d, want 1000", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw close frame")
	}
	waitIdle(t, m)
}

func TestWebSocketDialer_Refused(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	d := NewWebSocketDialer(time.Second)
	if _, err := d.Dial(context.Background(), "ws://"+addr); err == nil {
		t.Fatal("Dial() to a closed port succeeded")
	}
}
