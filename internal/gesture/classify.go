// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

// Package gesture turns raw pointer activity into tap and swipe events.
//
// Classification looks only at the start and end point of a gesture:
//
//	distance < Hold && duration < TapTime                 -> tap
//	duration < SwipeTime && distance > SwipeDistance      -> swipe
//	anything else                                         -> dropped
//
// Gestures in the gap between the two rules (a slow drag, or a move
// between Hold and SwipeDistance pixels) are deliberately dropped and
// counted in riverauth_gestures_dropped_total{reason="dead_zone"}.
package gesture

import (
	"math"
	"time"

	"github.com/tomtom215/riverauth/internal/config"
)

// Kind is the classification outcome.
type Kind string

const (
	KindNone  Kind = ""
	KindTap   Kind = "tap"
	KindSwipe Kind = "swipe"
)

// Direction is the dominant axis and sign of a swipe.
type Direction string

const (
	DirectionUp    Direction = "up"
	DirectionDown  Direction = "down"
	DirectionLeft  Direction = "left"
	DirectionRight Direction = "right"
)

// Thresholds bound the tap and swipe rules. Distances are in pixels.
type Thresholds struct {
	Hold          float64
	SwipeDistance float64
	SwipeTime     time.Duration
	TapTime       time.Duration
}

// DefaultThresholds returns 10px / 15px / 1000ms / 1000ms.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Hold:          10,
		SwipeDistance: 15,
		SwipeTime:     time.Second,
		TapTime:       time.Second,
	}
}

// ThresholdsFromConfig copies the gesture section of the configuration.
func ThresholdsFromConfig(c config.GestureConfig) Thresholds {
	return Thresholds{
		Hold:          c.HoldThreshold,
		SwipeDistance: c.SwipeDistanceThreshold,
		SwipeTime:     c.SwipeTimeThreshold,
		TapTime:       c.TapTimeThreshold,
	}
}

// Point is a position at an instant.
type Point struct {
	X, Y float64
	At   time.Time
}

// Result describes one classified start/end pair.
type Result struct {
	Kind      Kind
	Direction Direction // set for swipes only
	DX, DY    float64
	Distance  float64
	Duration  time.Duration
}

// Classify applies the tap rule, then the swipe rule. A negative duration
// (end stamped before start) is treated as zero.
func Classify(start, end Point, th Thresholds) Result {
	dx := end.X - start.X
	dy := end.Y - start.Y
	r := Result{
		DX:       dx,
		DY:       dy,
		Distance: math.Hypot(dx, dy),
		Duration: end.At.Sub(start.At),
	}
	if r.Duration < 0 {
		r.Duration = 0
	}

	switch {
	case r.Distance < th.Hold && r.Duration < th.TapTime:
		r.Kind = KindTap
	case r.Duration < th.SwipeTime && r.Distance > th.SwipeDistance:
		r.Kind = KindSwipe
		r.Direction = direction(dx, dy)
	}
	return r
}

// direction picks the dominant axis. Ties go to the horizontal axis.
func direction(dx, dy float64) Direction {
	if math.Abs(dx) >= math.Abs(dy) {
		if dx > 0 {
			return DirectionRight
		}
		return DirectionLeft
	}
	if dy > 0 {
		return DirectionDown
	}
	return DirectionUp
}
