// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

package main

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tomtom215/riverauth/internal/logging"
	"github.com/tomtom215/riverauth/internal/security"
)

type detacher interface {
	Close()
}

// session ends the local interaction when the monitor terminates: the
// input surfaces are detached so no further telemetry is produced, and
// the redirect target is logged for the operator.
type session struct {
	log zerolog.Logger

	mu         sync.Mutex
	surfaces   []detacher
	ended      bool
	redirectTo string
}

func newSession() *session {
	return &session{log: logging.Component("session")}
}

func (s *session) detach(surfaces ...detacher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.surfaces = append(s.surfaces, surfaces...)
}

// InvalidateSession implements security.SessionInvalidator.
func (s *session) InvalidateSession(_ context.Context, r security.TerminationReason) error {
	s.mu.Lock()
	surfaces := s.surfaces
	s.surfaces = nil
	s.ended = true
	s.mu.Unlock()

	for _, d := range surfaces {
		d.Close()
	}
	s.log.Warn().
		Str("reason", r.Reason).
		Float64("score", r.Score).
		Str("model", r.Model).
		Msg("session invalidated")
	return nil
}

// Redirect implements security.Redirector.
func (s *session) Redirect(url string) {
	s.mu.Lock()
	s.redirectTo = url
	s.mu.Unlock()
	s.log.Warn().Str("url", url).Msg("sign-in required")
}

// logUI renders monitor prompts as log entries.
type logUI struct {
	log zerolog.Logger
}

func (u logUI) ShowAlert(a security.Alert) {
	u.log.Warn().
		Str("tier", string(a.Tier)).
		Float64("score", a.Score).
		Str("model", a.Model).
		Msg(a.Message)
}

func (u logUI) ShowChallenge(c security.Challenge) {
	u.log.Warn().
		Int("retry_count", c.RetryCount).
		Str("questions", strings.Join(c.Questions, " | ")).
		Msg("security verification required")
}

func (u logUI) ChallengeFailed(c security.Challenge, message string) {
	u.log.Warn().Int("retry_count", c.RetryCount).Msg(message)
}

func (u logUI) ChallengeCleared() {
	u.log.Info().Msg("security verification passed")
}

func (u logUI) Terminated(r security.TerminationReason) {
	u.log.Error().Str("reason", r.Reason).Str("message", r.Message).Msg("session terminated")
}
