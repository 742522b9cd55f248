// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

// Package input replays recorded user interaction into the producers.
//
// Input is one JSON object per line:
//
//	{"kind":"pointer_down","ts":1700000000000,"pointerId":1,"clientX":10,"clientY":20,"pointerType":"mouse","target":"button"}
//	{"kind":"gesture_end","clientX":140,"clientY":22}
//	{"kind":"input","field":"email","value":"a@b"}
//	{"kind":"blur","form":"security","field":"q1","value":"blue"}
//	{"kind":"answers","answers":["blue","rex"]}
//	{"kind":"dismiss"}
//
// ts is epoch milliseconds; lines without it are stamped on arrival.
// Lines with form "security" go to the challenge typing tracker.
package input

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/riverauth/internal/gesture"
	"github.com/tomtom215/riverauth/internal/logging"
	"github.com/tomtom215/riverauth/internal/validation"
)

// Line kinds.
const (
	KindPointerDown  = "pointer_down"
	KindPointerMove  = "pointer_move"
	KindPointerUp    = "pointer_up"
	KindGestureStart = "gesture_start"
	KindGestureEnd   = "gesture_end"
	KindInput        = "input"
	KindBlur         = "blur"
	KindAnswers      = "answers"
	KindDismiss      = "dismiss"
)

// FormSecurity routes typing lines to the challenge form tracker.
const FormSecurity = "security"

const maxLineSize = 1 << 20

// ErrMissingField is returned for input and blur lines without a field.
var ErrMissingField = errors.New("input line has no field")

// Line is one decoded input record. Pointer fields use the browser event
// names.
type Line struct {
	gesture.PointerSample

	Kind    string   `json:"kind" validate:"required,oneof=pointer_down pointer_move pointer_up gesture_start gesture_end input blur answers dismiss"`
	TS      int64    `json:"ts" validate:"gte=0"`
	Form    string   `json:"form" validate:"omitempty,oneof=login signup security"`
	Field   string   `json:"field"`
	Value   string   `json:"value"`
	Answers []string `json:"answers"`
}

// ParseLine decodes and validates one record.
func ParseLine(raw []byte) (Line, error) {
	var l Line
	if err := json.Unmarshal(raw, &l); err != nil {
		return Line{}, fmt.Errorf("decode input line: %w", err)
	}
	if err := validation.ValidateStruct(l); err != nil {
		return Line{}, err
	}
	if (l.Kind == KindInput || l.Kind == KindBlur) && l.Field == "" {
		return Line{}, ErrMissingField
	}
	if l.TS > 0 {
		l.Timestamp = time.UnixMilli(l.TS)
	}
	return l, nil
}

// Gestures receives pointer and recognizer lines. *gesture.Tracker
// implements it.
type Gestures interface {
	PointerDown(s gesture.PointerSample)
	PointerMove(s gesture.PointerSample)
	PointerUp(s gesture.PointerSample)
	GestureStart(x, y float64)
	GestureEnd(x, y float64)
}

// Typing receives input and blur lines. *typing.Tracker implements it.
type Typing interface {
	OnInput(field, value string)
	Record(field, value string)
}

// Challenge receives answers and dismiss lines. *security.Monitor
// implements it.
type Challenge interface {
	Submit(ctx context.Context, answers []string) (bool, error)
	Dismiss()
}

// Targets are the producers lines are dispatched to. Lines for a nil
// target are skipped.
type Targets struct {
	Gestures       Gestures
	Typing         Typing
	QuestionTyping Typing
	Challenge      Challenge
}

// Stats counts processed lines.
type Stats struct {
	Dispatched int `json:"dispatched"`
	Rejected   int `json:"rejected"`
	Skipped    int `json:"skipped"`
}

// Dispatcher decodes lines and drives the targets.
type Dispatcher struct {
	targets Targets
	logger  zerolog.Logger

	mu    sync.Mutex
	stats Stats

	submits sync.WaitGroup
}

// NewDispatcher creates a dispatcher for targets.
func NewDispatcher(targets Targets) *Dispatcher {
	return &Dispatcher{
		targets: targets,
		logger:  logging.Component("input"),
	}
}

// Run reads lines from r until EOF or ctx is done. Bad lines are logged
// and skipped. Run waits for in-flight submissions before returning; it
// returns nil at EOF and ctx.Err() on cancellation.
func (d *Dispatcher) Run(ctx context.Context, r io.Reader) error {
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()
	defer d.submits.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					if err != nil {
						return fmt.Errorf("read input: %w", err)
					}
				default:
				}
				return ctx.Err()
			}
			if len(raw) == 0 {
				continue
			}
			d.Dispatch(ctx, raw)
		}
	}
}

// Dispatch handles one raw line.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) {
	l, err := ParseLine(raw)
	if err != nil {
		d.count(func(s *Stats) { s.Rejected++ })
		d.logger.Warn().Err(err).Msg("rejected input line")
		return
	}
	if !d.apply(ctx, l) {
		d.count(func(s *Stats) { s.Skipped++ })
		d.logger.Debug().Str("kind", l.Kind).Msg("no target for input line")
		return
	}
	d.count(func(s *Stats) { s.Dispatched++ })
}

// apply reports whether a target accepted l.
func (d *Dispatcher) apply(ctx context.Context, l Line) bool {
	t := d.targets
	switch l.Kind {
	case KindPointerDown, KindPointerMove, KindPointerUp:
		if t.Gestures == nil {
			return false
		}
		switch l.Kind {
		case KindPointerDown:
			t.Gestures.PointerDown(l.PointerSample)
		case KindPointerMove:
			t.Gestures.PointerMove(l.PointerSample)
		default:
			t.Gestures.PointerUp(l.PointerSample)
		}
	case KindGestureStart:
		if t.Gestures == nil {
			return false
		}
		t.Gestures.GestureStart(l.X, l.Y)
	case KindGestureEnd:
		if t.Gestures == nil {
			return false
		}
		t.Gestures.GestureEnd(l.X, l.Y)
	case KindInput, KindBlur:
		tr := t.Typing
		if l.Form == FormSecurity {
			tr = t.QuestionTyping
		}
		if tr == nil {
			return false
		}
		if l.Kind == KindInput {
			tr.OnInput(l.Field, l.Value)
		} else {
			tr.Record(l.Field, l.Value)
		}
	case KindAnswers:
		if t.Challenge == nil {
			return false
		}
		d.submit(ctx, l.Answers)
	case KindDismiss:
		if t.Challenge == nil {
			return false
		}
		t.Challenge.Dismiss()
	default:
		return false
	}
	return true
}

// submit runs one submission without blocking the reader.
func (d *Dispatcher) submit(ctx context.Context, answers []string) {
	d.submits.Add(1)
	go func() {
		defer d.submits.Done()
		passed, err := d.targets.Challenge.Submit(ctx, answers)
		if err != nil {
			d.logger.Warn().Err(err).Msg("challenge submission failed")
			return
		}
		d.logger.Info().Bool("passed", passed).Msg("challenge submission resolved")
	}()
}

func (d *Dispatcher) count(f func(*Stats)) {
	d.mu.Lock()
	f(&d.stats)
	d.mu.Unlock()
}

// Stats returns the line counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}
