// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

// Package location reports where the session runs from.
//
// Two signals are produced independently of each other:
//
//   - a one-shot position reading from a Locator, sent as a geolocation
//     envelope;
//   - a periodic public-IP lookup, sent as an ip envelope only when the
//     resolved region differs from the previous lookup's region.
//
// The first successful lookup of a Tracker is always sent.
package location

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/riverauth/internal/config"
	"github.com/tomtom215/riverauth/internal/envelope"
	"github.com/tomtom215/riverauth/internal/logging"
	"github.com/tomtom215/riverauth/internal/metrics"
)

// DefaultInterval is the IP lookup period.
const DefaultInterval = 360 * time.Second

// ErrNoPosition is returned by a Locator with nothing to report.
var ErrNoPosition = errors.New("position unavailable")

// GeoSample is one position reading. Optional fields are nil when the
// locator cannot supply them.
type GeoSample struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Altitude  *float64 `json:"altitude"`
	Accuracy  float64  `json:"accuracy"`
	Speed     *float64 `json:"speed"`
	Timestamp int64    `json:"timestamp"`
}

// IPSample is one public-IP lookup.
type IPSample struct {
	IP        string `json:"ip"`
	Region    string `json:"region"`
	Country   string `json:"country,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Locator produces a single position reading.
type Locator interface {
	Locate(ctx context.Context) (GeoSample, error)
}

// StaticLocator reports a configured fixed position.
type StaticLocator struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
}

// StaticLocatorFromConfig builds a locator from the location section.
// It returns nil when no accuracy is configured.
func StaticLocatorFromConfig(cfg config.LocationConfig) Locator {
	if cfg.Accuracy <= 0 {
		return nil
	}
	return StaticLocator{Latitude: cfg.Latitude, Longitude: cfg.Longitude, Accuracy: cfg.Accuracy}
}

// Locate implements Locator.
func (l StaticLocator) Locate(context.Context) (GeoSample, error) {
	if l.Accuracy <= 0 {
		return GeoSample{}, ErrNoPosition
	}
	return GeoSample{Latitude: l.Latitude, Longitude: l.Longitude, Accuracy: l.Accuracy}, nil
}

// Publisher accepts envelopes for delivery. transport.Lease implements it.
type Publisher interface {
	Send(env envelope.Envelope)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLocator sets the position source. Without one ReportPosition is a
// no-op.
func WithLocator(l Locator) Option {
	return func(t *Tracker) { t.locator = l }
}

// WithInterval sets the IP lookup period.
func WithInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// Tracker runs the position and IP producers.
type Tracker struct {
	resolver IPResolver
	locator  Locator
	pub      Publisher
	interval time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	mu         sync.Mutex
	lastRegion string
	seen       bool
}

// NewTracker creates a tracker publishing through pub.
func NewTracker(resolver IPResolver, pub Publisher, opts ...Option) *Tracker {
	t := &Tracker{
		resolver: resolver,
		pub:      pub,
		interval: DefaultInterval,
		now:      time.Now,
		logger:   logging.Component("location"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ReportPosition takes one reading and sends it as a geolocation envelope.
func (t *Tracker) ReportPosition(ctx context.Context) error {
	if t.locator == nil {
		return nil
	}
	sample, err := t.locator.Locate(ctx)
	if err != nil {
		metrics.RecordProbeError("geolocation")
		t.logger.Warn().Err(err).Msg("position unavailable")
		return err
	}
	sample.Timestamp = t.now().UnixMilli()

	env, err := envelope.NewAt(envelope.TypeGeolocation, t.now(), sample)
	if err != nil {
		return err
	}
	t.pub.Send(env)
	t.logger.Debug().Float64("accuracy", sample.Accuracy).Msg("position reported")
	return nil
}

// Lookup resolves the public IP once. It sends an ip envelope and reports
// true when the region differs from the last successful lookup.
func (t *Tracker) Lookup(ctx context.Context) (bool, error) {
	sample, err := t.resolver.Resolve(ctx)
	if err != nil {
		metrics.RecordProbeError("ip")
		return false, err
	}

	t.mu.Lock()
	changed := !t.seen || sample.Region != t.lastRegion
	t.seen = true
	t.lastRegion = sample.Region
	t.mu.Unlock()

	if !changed {
		return false, nil
	}

	now := t.now()
	sample.Timestamp = now.UnixMilli()
	env, err := envelope.NewAt(envelope.TypeIP, now, sample)
	if err != nil {
		return false, err
	}
	t.pub.Send(env)
	metrics.IPRegionChanges.Inc()
	t.logger.Info().Str("region", sample.Region).Str("country", sample.Country).Msg("ip region reported")
	return true, nil
}

// Region returns the region of the last successful lookup.
func (t *Tracker) Region() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastRegion
}

// Run looks up the IP immediately and then once per interval until ctx is
// done. Lookup failures are logged and the loop continues.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		if _, err := t.Lookup(ctx); err != nil && ctx.Err() == nil {
			t.logger.Warn().Err(err).Msg("ip lookup failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
