// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

// Package typing measures typing cadence per input field.
//
// Every keystroke in a field updates a {start, last} pair. When the field
// goes quiet for the debounce window, or is blurred, one TypingEvent is
// published and the field's state is released:
//
//	wpm = round((length / 5) / (durationMs / 60000)), 0 when durationMs is 0
//
// Field state lives in an arena of slots addressed by (index, generation).
// A debounce timer that fires after its slot was recycled sees a stale
// generation and does nothing.
package typing

import (
	"math"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/tomtom215/riverauth/internal/envelope"
	"github.com/tomtom215/riverauth/internal/logging"
	"github.com/tomtom215/riverauth/internal/metrics"
)

// DefaultDebounce is the quiet period after which a field is recorded.
const DefaultDebounce = 500 * time.Millisecond

// Publisher accepts envelopes for delivery. transport.Lease implements it.
type Publisher interface {
	Send(env envelope.Envelope)
}

// Timer is the part of *time.Timer the tracker uses.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc is the default.
type AfterFunc func(d time.Duration, f func()) Timer

// TypingEvent is the published payload.
type TypingEvent struct {
	Field     string `json:"field"`
	Length    int    `json:"length"`
	Duration  int64  `json:"duration"`
	WPM       int    `json:"wpm"`
	Timestamp int64  `json:"timestamp"`
}

// WPM returns words per minute with a word being five characters.
func WPM(length int, durationMs int64) int {
	if durationMs <= 0 {
		return 0
	}
	return int(math.Round((float64(length) / 5) / (float64(durationMs) / 60000)))
}

type handle struct {
	idx int
	gen uint32
}

type slot struct {
	gen   uint32
	live  bool
	field string
	start time.Time
	last  time.Time
	value string
	timer Timer
	arm   uint64 // bumped on every re-arm so superseded timers are ignored
}

// Tracker tracks several fields at once. It is safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	pub       Publisher
	tag       string
	debounce  time.Duration
	now       func() time.Time
	afterFunc AfterFunc
	logger    zerolog.Logger

	slots  []slot
	free   []int
	fields map[string]handle
	closed bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithTag sets the envelope tag, for example security_question_typing.
func WithTag(tag string) Option {
	return func(t *Tracker) { t.tag = tag }
}

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.debounce = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithAfterFunc replaces time.AfterFunc.
func WithAfterFunc(f AfterFunc) Option {
	return func(t *Tracker) { t.afterFunc = f }
}

// NewTracker creates a tracker publishing "typing" envelopes to pub.
func NewTracker(pub Publisher, opts ...Option) *Tracker {
	t := &Tracker{
		pub:      pub,
		tag:      envelope.TypeTyping,
		debounce: DefaultDebounce,
		now:      time.Now,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		logger: logging.Component("typing"),
		fields: make(map[string]handle),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnInput notes a keystroke in field, whose current content is value, and
// re-arms the field's debounce timer.
func (t *Tracker) OnInput(field, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	now := t.now()
	h, ok := t.fields[field]
	if !ok {
		h = t.alloc(field, now)
		t.fields[field] = h
	}
	s := &t.slots[h.idx]
	s.last = now
	s.value = value

	if s.timer != nil {
		s.timer.Stop()
	}
	s.arm++
	arm := s.arm
	s.timer = t.afterFunc(t.debounce, func() { t.expire(h, arm) })
}

// Record emits the event for field (on blur) and releases its state.
// Recording a field that is not tracked is a no-op.
func (t *Tracker) Record(field, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	h, ok := t.fields[field]
	if !ok {
		return
	}
	t.flush(h, value)
}

// expire runs on debounce expiry.
func (t *Tracker) expire(h handle, arm uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || !t.valid(h) || t.slots[h.idx].arm != arm {
		return
	}
	t.flush(h, t.slots[h.idx].value)
}

// flush publishes the event for h and frees the slot. Caller holds t.mu.
func (t *Tracker) flush(h handle, value string) {
	s := &t.slots[h.idx]
	durationMs := s.last.Sub(s.start).Milliseconds()
	length := utf8.RuneCountInString(value)
	ev := TypingEvent{
		Field:     s.field,
		Length:    length,
		Duration:  durationMs,
		WPM:       WPM(length, durationMs),
		Timestamp: t.now().UnixMilli(),
	}
	t.release(h)

	env, err := envelope.New(t.tag, ev)
	if err != nil {
		t.logger.Error().Err(err).Str("field", ev.Field).Msg("failed to encode typing event")
		return
	}
	metrics.TypingEvents.WithLabelValues(t.tag).Inc()
	t.pub.Send(env)
}

func (t *Tracker) alloc(field string, now time.Time) handle {
	var idx int
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.slots = append(t.slots, slot{})
		idx = len(t.slots) - 1
	}
	s := &t.slots[idx]
	s.live = true
	s.field = field
	s.start = now
	s.last = now
	return handle{idx: idx, gen: s.gen}
}

func (t *Tracker) release(h handle) {
	s := &t.slots[h.idx]
	if s.timer != nil {
		s.timer.Stop()
	}
	delete(t.fields, s.field)
	*s = slot{gen: s.gen + 1}
	t.free = append(t.free, h.idx)
}

func (t *Tracker) valid(h handle) bool {
	return h.idx < len(t.slots) && t.slots[h.idx].live && t.slots[h.idx].gen == h.gen
}

// Active returns the number of fields currently tracked.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.fields)
}

// Close stops every timer and drops all field state without emitting.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for _, h := range t.fields {
		t.release(h)
	}
}
