// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

package gesture

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/riverauth/internal/cache"
	"github.com/tomtom215/riverauth/internal/envelope"
	"github.com/tomtom215/riverauth/internal/logging"
	"github.com/tomtom215/riverauth/internal/metrics"
)

// Source discriminators carried on every emitted event.
const (
	SourcePointer = "pointer"
	SourceGesture = "gesture"
)

// recognizerKey is the down-table key used by the gesture recognizer
// origin. Pointer ids live in their own key space so the two never collide.
const recognizerKey = -1

// DefaultBufferSize bounds each local event buffer.
const DefaultBufferSize = 1000

// Publisher accepts envelopes for delivery. transport.Lease implements it.
type Publisher interface {
	Send(env envelope.Envelope)
}

// SampleKind is the phase of a pointer sample.
type SampleKind string

const (
	SampleDown SampleKind = "down"
	SampleMove SampleKind = "move"
	SampleUp   SampleKind = "up"
)

// PointerSample is one raw pointer event.
type PointerSample struct {
	PointerID   int        `json:"pointerId"`
	X           float64    `json:"clientX"`
	Y           float64    `json:"clientY"`
	ScreenX     float64    `json:"screenX"`
	ScreenY     float64    `json:"screenY"`
	Timestamp   time.Time  `json:"-"`
	PointerType string     `json:"pointerType"`
	Target      string     `json:"target"`
	Kind        SampleKind `json:"eventType"`
}

// TapEvent is emitted under the "tap" tag.
type TapEvent struct {
	PointerID   *int    `json:"pointerId"`
	X           float64 `json:"clientX"`
	Y           float64 `json:"clientY"`
	ScreenX     float64 `json:"screenX"`
	ScreenY     float64 `json:"screenY"`
	Duration    int64   `json:"duration"`
	Timestamp   int64   `json:"timestamp"`
	PointerType string  `json:"pointerType"`
	Target      string  `json:"target"`
	Source      string  `json:"source"`
}

// SwipeEvent is emitted under the "swipe" tag.
type SwipeEvent struct {
	PointerID   *int      `json:"pointerId"`
	StartX      float64   `json:"startX"`
	StartY      float64   `json:"startY"`
	EndX        float64   `json:"endX"`
	EndY        float64   `json:"endY"`
	DeltaX      float64   `json:"deltaX"`
	DeltaY      float64   `json:"deltaY"`
	Distance    float64   `json:"distance"`
	Duration    int64     `json:"duration"`
	Direction   Direction `json:"direction"`
	Timestamp   int64     `json:"timestamp"`
	PointerType string    `json:"pointerType"`
	Source      string    `json:"source"`
}

type origin uint8

const (
	originPointer origin = iota
	originRecognizer
)

type downKey struct {
	origin origin
	id     int
}

// Tracker pairs down/up events per pointer, classifies each pair exactly
// once, buffers the results and publishes them. It is safe for concurrent
// use.
type Tracker struct {
	mu     sync.Mutex
	th     Thresholds
	pub    Publisher
	now    func() time.Time
	logger zerolog.Logger

	down    map[downKey]Point
	taps    *cache.Ring[TapEvent]
	swipes  *cache.Ring[SwipeEvent]
	samples *cache.Ring[PointerSample]
	closed  bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithThresholds overrides DefaultThresholds.
func WithThresholds(th Thresholds) Option {
	return func(t *Tracker) { t.th = th }
}

// WithBufferSize bounds each local buffer. Values below 1 are ignored.
func WithBufferSize(n int) Option {
	return func(t *Tracker) {
		if n >= 1 {
			t.taps = cache.NewRing[TapEvent](n)
			t.swipes = cache.NewRing[SwipeEvent](n)
			t.samples = cache.NewRing[PointerSample](n)
		}
	}
}

// WithClock replaces time.Now for the recognizer origin and for samples
// that carry no timestamp.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker publishing to pub.
func NewTracker(pub Publisher, opts ...Option) *Tracker {
	t := &Tracker{
		th:      DefaultThresholds(),
		pub:     pub,
		now:     time.Now,
		logger:  logging.Component("gesture"),
		down:    make(map[downKey]Point),
		taps:    cache.NewRing[TapEvent](DefaultBufferSize),
		swipes:  cache.NewRing[SwipeEvent](DefaultBufferSize),
		samples: cache.NewRing[PointerSample](DefaultBufferSize),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// PointerDown records the start of a raw pointer gesture. A second down
// for the same pointer id replaces the first.
func (t *Tracker) PointerDown(s PointerSample) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	s.Kind = SampleDown
	s = t.stamp(s)
	t.samples.Push(s)
	t.down[downKey{originPointer, s.PointerID}] = Point{X: s.X, Y: s.Y, At: s.Timestamp}
}

// PointerMove buffers a move sample. Moves do not affect classification.
func (t *Tracker) PointerMove(s PointerSample) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	s.Kind = SampleMove
	t.samples.Push(t.stamp(s))
}

// PointerUp completes the raw gesture for s.PointerID. An up with no
// matching down is buffered but not classified.
func (t *Tracker) PointerUp(s PointerSample) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	s.Kind = SampleUp
	s = t.stamp(s)
	t.samples.Push(s)

	key := downKey{originPointer, s.PointerID}
	start, ok := t.down[key]
	if !ok {
		metrics.RecordGestureDropped("orphan_up")
		return
	}
	delete(t.down, key)

	id := s.PointerID
	t.emit(start, Point{X: s.X, Y: s.Y, At: s.Timestamp}, &id, s.PointerType, s.ScreenX, s.ScreenY, s.Target, SourcePointer)
}

// GestureStart records the start reported by a gesture recognizer.
func (t *Tracker) GestureStart(x, y float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.down[downKey{originRecognizer, recognizerKey}] = Point{X: x, Y: y, At: t.now()}
}

// GestureEnd completes the recognizer gesture. Without a preceding
// GestureStart it does nothing.
func (t *Tracker) GestureEnd(x, y float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	key := downKey{originRecognizer, recognizerKey}
	start, ok := t.down[key]
	if !ok {
		return
	}
	delete(t.down, key)
	t.emit(start, Point{X: x, Y: y, At: t.now()}, nil, SourceGesture, x, y, "N/A", SourceGesture)
}

// emit classifies one pair and publishes the result. Caller holds t.mu.
func (t *Tracker) emit(start, end Point, pointerID *int, pointerType string, screenX, screenY float64, target, source string) {
	r := Classify(start, end, t.th)
	ts := end.At.UnixMilli()

	switch r.Kind {
	case KindTap:
		ev := TapEvent{
			PointerID:   pointerID,
			X:           end.X,
			Y:           end.Y,
			ScreenX:     screenX,
			ScreenY:     screenY,
			Duration:    r.Duration.Milliseconds(),
			Timestamp:   ts,
			PointerType: pointerType,
			Target:      target,
			Source:      source,
		}
		if _, evicted := t.taps.Push(ev); evicted {
			metrics.RecordGestureDropped("evicted")
		}
		t.publish(envelope.TypeTap, ev)

	case KindSwipe:
		ev := SwipeEvent{
			PointerID:   pointerID,
			StartX:      start.X,
			StartY:      start.Y,
			EndX:        end.X,
			EndY:        end.Y,
			DeltaX:      r.DX,
			DeltaY:      r.DY,
			Distance:    r.Distance,
			Duration:    r.Duration.Milliseconds(),
			Direction:   r.Direction,
			Timestamp:   ts,
			PointerType: pointerType,
			Source:      source,
		}
		if _, evicted := t.swipes.Push(ev); evicted {
			metrics.RecordGestureDropped("evicted")
		}
		t.publish(envelope.TypeSwipe, ev)

	default:
		metrics.RecordGestureDropped("dead_zone")
		t.logger.Debug().
			Str("source", source).
			Float64("distance", r.Distance).
			Dur("duration", r.Duration).
			Msg("gesture not classified as tap or swipe")
		return
	}
	metrics.RecordGesture(string(r.Kind), source)
}

func (t *Tracker) publish(typ string, data any) {
	env, err := envelope.New(typ, data)
	if err != nil {
		t.logger.Error().Err(err).Str("type", typ).Msg("failed to encode gesture")
		return
	}
	t.pub.Send(env)
}

func (t *Tracker) stamp(s PointerSample) PointerSample {
	if s.Timestamp.IsZero() {
		s.Timestamp = t.now()
	}
	return s
}

// Taps returns the buffered taps, oldest first.
func (t *Tracker) Taps() []TapEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.taps.Snapshot()
}

// Swipes returns the buffered swipes, oldest first.
func (t *Tracker) Swipes() []SwipeEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.swipes.Snapshot()
}

// Samples returns the buffered raw samples, oldest first.
func (t *Tracker) Samples() []PointerSample {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.samples.Snapshot()
}

// Pending returns the number of gestures started but not yet completed.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.down)
}

// Close detaches the tracker. Later calls are ignored and nothing more is
// published. Buffers stay readable.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	clear(t.down)
}
