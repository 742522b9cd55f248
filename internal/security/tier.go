// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

package security

import (
	"time"

	"github.com/tomtom215/riverauth/internal/config"
)

// State is the monitor's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateAlertShown
	StateChallengeActive
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAlertShown:
		return "alert_shown"
	case StateChallengeActive:
		return "challenge_active"
	case StateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON status documents.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Tier is the risk band of a score.
type Tier string

const (
	TierNone   Tier = ""
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// Thresholds are the lower bounds of each tier. High > Medium > Low.
type Thresholds struct {
	High   float64
	Medium float64
	Low    float64
}

// DefaultThresholds returns 0.95 / 0.8 / 0.3.
func DefaultThresholds() Thresholds {
	return Thresholds{High: 0.95, Medium: 0.8, Low: 0.3}
}

// ThresholdsFromConfig converts the validated config section.
func ThresholdsFromConfig(cfg config.SecurityConfig) Thresholds {
	return Thresholds{High: cfg.HighThreshold, Medium: cfg.MediumThreshold, Low: cfg.LowThreshold}
}

// Tier maps score to its band. Scores below Low have no tier.
func (th Thresholds) Tier(score float64) Tier {
	switch {
	case score >= th.High:
		return TierHigh
	case score >= th.Medium:
		return TierMedium
	case score >= th.Low:
		return TierLow
	default:
		return TierNone
	}
}

// Alert is the latest verdict shown to the user. A new alert replaces it.
type Alert struct {
	Tier      Tier      `json:"tier"`
	Score     float64   `json:"score"`
	Model     string    `json:"model"`
	Message   string    `json:"message"`
	Severity  string    `json:"severity,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Challenge is the active security-question round.
type Challenge struct {
	Questions  []string `json:"questions"`
	Active     bool     `json:"is_active"`
	RetryCount int      `json:"retry_count"`
}

// TerminationReason is persisted under LogoutReasonKey for the next login
// screen.
type TerminationReason struct {
	Reason    string  `json:"reason"`
	Score     float64 `json:"score"`
	Model     string  `json:"model"`
	Message   string  `json:"message,omitempty"`
	Timestamp int64   `json:"timestamp"`
}
