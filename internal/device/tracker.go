// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

// Package device reports a host fingerprint once per session.
//
// The fingerprint is compared with the one stored by the previous session.
// Changes of device id or OS version, and every session run on a virtual
// machine, bump cumulative counters kept in the key-value store under
//
//	deviceId, deviceChangeCount, osVersion, osChangeCount, emulatorDetectionCount
//
// The counters never decrease. The first session stores the baseline with
// zero counts.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/host"

	"github.com/tomtom215/riverauth/internal/envelope"
	"github.com/tomtom215/riverauth/internal/kvstore"
	"github.com/tomtom215/riverauth/internal/logging"
	"github.com/tomtom215/riverauth/internal/metrics"
)

// Persisted keys.
const (
	KeyDeviceID               = "deviceId"
	KeyDeviceChangeCount      = "deviceChangeCount"
	KeyOSVersion              = "osVersion"
	KeyOSChangeCount          = "osChangeCount"
	KeyEmulatorDetectionCount = "emulatorDetectionCount"
)

// ErrNoDeviceID is returned when the prober cannot identify the host.
var ErrNoDeviceID = errors.New("device id unavailable")

// Info is one probe result.
type Info struct {
	DeviceID   string
	OSVersion  string
	IsEmulator bool
}

// Prober reads the current device identity.
type Prober interface {
	Probe(ctx context.Context) (Info, error)
}

// HostProber reads the host through gopsutil.
type HostProber struct{}

// Probe implements Prober.
func (HostProber) Probe(ctx context.Context) (Info, error) {
	hi, err := host.InfoWithContext(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("read host info: %w", err)
	}
	if hi.HostID == "" {
		return Info{}, ErrNoDeviceID
	}
	platform := hi.Platform
	if platform == "" {
		platform = hi.OS
	}
	return Info{
		DeviceID:   hi.HostID,
		OSVersion:  strings.TrimSpace(platform + " " + hi.PlatformVersion),
		IsEmulator: hi.VirtualizationRole == "guest",
	}, nil
}

// Snapshot is the published device payload.
type Snapshot struct {
	DeviceID               string `json:"deviceId"`
	DeviceChangeCount      int    `json:"deviceChangeCount"`
	OSVersion              string `json:"osVersion"`
	OSChangeCount          int    `json:"osChangeCount"`
	IsEmulator             bool   `json:"isEmulator"`
	EmulatorDetectionCount int    `json:"emulatorDetectionCount"`
	Timestamp              int64  `json:"timestamp"`
}

// Publisher accepts envelopes for delivery. transport.Lease implements it.
type Publisher interface {
	Send(env envelope.Envelope)
}

// Tracker combines a probe with the persisted counters.
type Tracker struct {
	prober Prober
	store  kvstore.Store
	pub    Publisher
	now    func() time.Time
	logger zerolog.Logger
}

// NewTracker creates a tracker. A nil prober means HostProber.
func NewTracker(prober Prober, store kvstore.Store, pub Publisher) *Tracker {
	if prober == nil {
		prober = HostProber{}
	}
	return &Tracker{
		prober: prober,
		store:  store,
		pub:    pub,
		now:    time.Now,
		logger: logging.Component("device"),
	}
}

// Track probes the device, updates the counters in one transaction and
// publishes a device envelope. Errors are logged and returned; nothing is
// published on failure.
func (t *Tracker) Track(ctx context.Context) (Snapshot, error) {
	info, err := t.prober.Probe(ctx)
	if err != nil {
		metrics.RecordProbeError("device")
		t.logger.Error().Err(err).Msg("device probe failed")
		return Snapshot{}, err
	}

	var snap Snapshot
	err = t.store.Update(ctx, func(tx kvstore.Tx) error {
		var err error
		snap, err = reconcile(tx, info)
		return err
	})
	if err != nil {
		metrics.RecordProbeError("device")
		t.logger.Error().Err(err).Msg("failed to update device counters")
		return Snapshot{}, fmt.Errorf("update device counters: %w", err)
	}
	snap.Timestamp = t.now().UnixMilli()

	env, err := envelope.New(envelope.TypeDevice, snap)
	if err != nil {
		return Snapshot{}, err
	}
	t.pub.Send(env)

	t.logger.Info().
		Str("os_version", snap.OSVersion).
		Int("device_changes", snap.DeviceChangeCount).
		Int("os_changes", snap.OSChangeCount).
		Bool("emulator", snap.IsEmulator).
		Msg("device fingerprint reported")
	return snap, nil
}

// reconcile applies one session's probe to the stored baseline.
func reconcile(tx kvstore.Tx, info Info) (Snapshot, error) {
	snap := Snapshot{DeviceID: info.DeviceID, OSVersion: info.OSVersion, IsEmulator: info.IsEmulator}

	var err error
	snap.DeviceChangeCount, err = trackValue(tx, KeyDeviceID, KeyDeviceChangeCount, info.DeviceID)
	if err != nil {
		return snap, err
	}
	snap.OSChangeCount, err = trackValue(tx, KeyOSVersion, KeyOSChangeCount, info.OSVersion)
	if err != nil {
		return snap, err
	}

	if _, err := kvstore.TxGetJSON(tx, KeyEmulatorDetectionCount, &snap.EmulatorDetectionCount); err != nil {
		return snap, err
	}
	if info.IsEmulator {
		snap.EmulatorDetectionCount++
		if err := kvstore.TxSetJSON(tx, KeyEmulatorDetectionCount, snap.EmulatorDetectionCount); err != nil {
			return snap, err
		}
	}
	return snap, nil
}

// trackValue compares current with the value stored under valueKey and
// returns the change count stored under countKey, bumped when they differ.
func trackValue(tx kvstore.Tx, valueKey, countKey, current string) (int, error) {
	var stored string
	found, err := kvstore.TxGetJSON(tx, valueKey, &stored)
	if err != nil {
		return 0, err
	}
	if !found {
		if err := kvstore.TxSetJSON(tx, valueKey, current); err != nil {
			return 0, err
		}
		return 0, kvstore.TxSetJSON(tx, countKey, 0)
	}

	var count int
	if _, err := kvstore.TxGetJSON(tx, countKey, &count); err != nil {
		return 0, err
	}
	if stored == current {
		return count, nil
	}
	count++
	if err := kvstore.TxSetJSON(tx, countKey, count); err != nil {
		return 0, err
	}
	return count, kvstore.TxSetJSON(tx, valueKey, current)
}
