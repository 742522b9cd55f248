// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

// Package security turns risk verdicts into session actions.
//
// The Monitor is a four-state machine:
//
//	Idle ──monitor──▶ AlertShown
//	 │  ◀──continue── ChallengeActive ◀──security_challenge── (Idle | AlertShown)
//	 └──force_logout / dismiss──▶ Terminating (from any state, final)
//
// While a challenge is active the user submits answers with Submit. Each
// submission carries a fresh request id and waits up to SubmitTimeout for
// the matching security_response_result. Only one submission may be
// outstanding. Failures increment RetryCount and leave the challenge open;
// the scoring side decides when to force a logout.
package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tomtom215/riverauth/internal/config"
	"github.com/tomtom215/riverauth/internal/envelope"
	"github.com/tomtom215/riverauth/internal/kvstore"
	"github.com/tomtom215/riverauth/internal/logging"
	"github.com/tomtom215/riverauth/internal/metrics"
)

const (
	// SubmitTimeout bounds the wait for a challenge verdict.
	SubmitTimeout = 10 * time.Second

	// LogoutReasonKey is the kvstore key holding the last TerminationReason.
	LogoutReasonKey = "logout_reason"

	ReasonSuspiciousActivity = "suspicious_activity"
	ModelUserDismissed       = "user_dismissed"
	ModelVerification        = "security_verification"

	terminateTimeout = 5 * time.Second
)

var (
	// ErrUnanswered is returned when an answer is missing or blank.
	ErrUnanswered = errors.New("every security question must be answered")

	// ErrSubmissionPending is returned while another submission awaits its
	// verdict.
	ErrSubmissionPending = errors.New("a challenge submission is already pending")

	// ErrNoChallenge is returned when no challenge is active.
	ErrNoChallenge = errors.New("no security challenge is active")

	// ErrTerminated is returned once the session is being terminated.
	ErrTerminated = errors.New("session terminated")
)

// Publisher accepts envelopes for delivery. transport.Lease implements it.
// Send is called with the monitor lock held and must not call back into
// the Monitor.
type Publisher interface {
	Send(env envelope.Envelope)
}

// SessionInvalidator ends the local session.
type SessionInvalidator interface {
	InvalidateSession(ctx context.Context, reason TerminationReason) error
}

// Redirector sends the user to the authentication entry point.
type Redirector interface {
	Redirect(url string)
}

// UI presents monitor state to the user. Methods are called without the
// monitor lock held.
type UI interface {
	ShowAlert(a Alert)
	ShowChallenge(c Challenge)
	ChallengeFailed(c Challenge, message string)
	ChallengeCleared()
	Terminated(r TerminationReason)
}

type nopUI struct{}

func (nopUI) ShowAlert(Alert)                   {}
func (nopUI) ShowChallenge(Challenge)           {}
func (nopUI) ChallengeFailed(Challenge, string) {}
func (nopUI) ChallengeCleared()                 {}
func (nopUI) Terminated(TerminationReason)      {}

// Answer is one entry of a security_response payload.
type Answer struct {
	QuestionID int    `json:"question_id"`
	Answer     string `json:"answer"`
}

// Response is the security_response payload.
type Response struct {
	Answers   []Answer `json:"answers"`
	Timestamp int64    `json:"timestamp"`
}

type outcome int

const (
	outcomePassed outcome = iota
	outcomeFailed
	outcomeForceLogout
	outcomeTimeout
	outcomeCanceled
	outcomeTerminated
)

type verdict struct {
	outcome outcome
	message string
}

// Status is a point-in-time view of the monitor.
type Status struct {
	State     State      `json:"state"`
	Alert     *Alert     `json:"alert,omitempty"`
	Challenge *Challenge `json:"challenge,omitempty"`
	Pending   int        `json:"pending"`
}

// Monitor is safe for concurrent use.
type Monitor struct {
	pub      Publisher
	store    kvstore.Store
	session  SessionInvalidator
	redirect Redirector
	ui       UI
	loginURL string
	userID   string
	th       Thresholds
	defaults []string
	timeout  time.Duration
	now      func() time.Time
	newID    func() string
	logger   zerolog.Logger

	mu        sync.Mutex
	state     State
	alert     *Alert
	challenge Challenge
	pending   map[string]chan verdict
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithUserID filters inbound verdicts to this user and stamps submissions.
func WithUserID(id string) Option {
	return func(m *Monitor) { m.userID = id }
}

// WithThresholds overrides DefaultThresholds.
func WithThresholds(th Thresholds) Option {
	return func(m *Monitor) { m.th = th }
}

// WithDefaultQuestions sets the fallback challenge questions.
func WithDefaultQuestions(q []string) Option {
	return func(m *Monitor) {
		if len(q) > 0 {
			m.defaults = append([]string(nil), q...)
		}
	}
}

// WithSession sets the session invalidator called on termination.
func WithSession(s SessionInvalidator) Option {
	return func(m *Monitor) { m.session = s }
}

// WithRedirector sets where a terminated user is sent.
func WithRedirector(r Redirector, loginURL string) Option {
	return func(m *Monitor) {
		m.redirect = r
		m.loginURL = loginURL
	}
}

// WithUI sets the presentation callbacks.
func WithUI(ui UI) Option {
	return func(m *Monitor) { m.ui = ui }
}

// WithTimeout overrides SubmitTimeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates an idle monitor. store may be nil, in which case the
// termination reason is only logged.
func NewMonitor(pub Publisher, store kvstore.Store, opts ...Option) *Monitor {
	m := &Monitor{
		pub:      pub,
		store:    store,
		ui:       nopUI{},
		loginURL: "/login",
		th:       DefaultThresholds(),
		defaults: append([]string(nil), config.DefaultQuestions...),
		timeout:  SubmitTimeout,
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
		logger:   logging.Component("security"),
		pending:  make(map[string]chan verdict),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handle applies one inbound message. Messages other than verdicts are
// ignored.
func (m *Monitor) Handle(msg envelope.Inbound) {
	switch v := msg.(type) {
	case *envelope.BehavioralAlert:
		if m.forOtherUser(v.UserID) {
			return
		}
		m.handleAlert(v)
	case *envelope.SecurityResponseResult:
		if m.forOtherUser(v.UserID) {
			return
		}
		m.handleResult(v)
	case *envelope.ServerError:
		m.logger.Warn().Str("message", v.Message).Msg("gateway reported an error")
	default:
		m.logger.Trace().Str("kind", msg.Kind()).Msg("ignoring inbound message")
	}
}

func (m *Monitor) forOtherUser(id string) bool {
	if m.userID == "" || id == m.userID {
		return false
	}
	m.logger.Debug().Str("user_id", id).Msg("ignoring verdict for another user")
	return true
}

func (m *Monitor) handleAlert(a *envelope.BehavioralAlert) {
	tier := m.th.Tier(a.Score)
	action := a.Action
	if action == "" {
		switch tier {
		case TierHigh:
			action = envelope.ActionForceLogout
		case TierMedium:
			action = envelope.ActionSecurityChallenge
		case TierLow:
			action = envelope.ActionMonitor
		default:
			m.logger.Debug().Float64("score", a.Score).Str("model", a.Model).Msg("score below alert threshold")
			return
		}
	}

	model := a.Model
	if model == "" {
		model = "unknown"
	}
	alert := Alert{
		Tier:      tier,
		Score:     a.Score,
		Model:     model,
		Message:   a.Message,
		Severity:  a.Severity,
		Timestamp: m.now(),
	}

	switch action {
	case envelope.ActionForceLogout:
		if alert.Message == "" {
			alert.Message = fmt.Sprintf("Suspicious %s behavior detected", model)
		}
		m.terminate(alert.Score, alert.Model, alert.Message)

	case envelope.ActionSecurityChallenge:
		if alert.Message == "" {
			alert.Message = fmt.Sprintf("Unusual %s behavior detected", model)
		}
		m.mu.Lock()
		if m.state == StateTerminating {
			m.mu.Unlock()
			return
		}
		m.alert = &alert
		if m.state == StateChallengeActive {
			// At most one challenge round; the open one keeps its questions.
			m.mu.Unlock()
			m.ui.ShowAlert(alert)
			return
		}
		questions := a.Questions()
		if len(questions) == 0 {
			questions = append([]string(nil), m.defaults...)
		}
		m.challenge = Challenge{Questions: questions, Active: true}
		m.transitionLocked(StateChallengeActive)
		ch := m.challengeCopyLocked()
		m.mu.Unlock()

		m.logger.Info().Float64("score", a.Score).Str("model", model).Int("questions", len(questions)).Msg("security challenge started")
		m.ui.ShowChallenge(ch)

	default: // monitor
		if alert.Message == "" {
			alert.Message = fmt.Sprintf("Monitoring %s behavior", model)
		}
		m.mu.Lock()
		if m.state == StateTerminating {
			m.mu.Unlock()
			return
		}
		m.alert = &alert
		if m.state == StateIdle {
			m.transitionLocked(StateAlertShown)
		}
		m.mu.Unlock()
		m.ui.ShowAlert(alert)
	}
}

func (m *Monitor) handleResult(r *envelope.SecurityResponseResult) {
	v := verdict{outcome: outcomeFailed, message: r.Message}
	switch r.Action {
	case envelope.ActionContinue:
		v.outcome = outcomePassed
	case envelope.ActionForceLogout:
		v.outcome = outcomeForceLogout
	}

	m.mu.Lock()
	if m.state == StateTerminating {
		m.mu.Unlock()
		return
	}
	id := r.RequestID
	if _, ok := m.pending[id]; !ok && id == "" && len(m.pending) == 1 {
		for only := range m.pending {
			id = only
		}
	}
	won := m.resolveLocked(id, v)
	m.mu.Unlock()

	if !won {
		m.logger.Warn().Str("request_id", r.RequestID).Str("action", r.Action).Msg("challenge result with no pending submission")
		// A forced logout applies even without a waiting submission.
		if v.outcome == outcomeForceLogout {
			m.terminateVerification(v.message)
		}
	}
}

// resolveLocked delivers v to the submission waiting on id. It reports
// whether this call won the race. Caller holds m.mu.
func (m *Monitor) resolveLocked(id string, v verdict) bool {
	ch, ok := m.pending[id]
	if !ok {
		return false
	}
	delete(m.pending, id)
	ch <- v
	return true
}

// Submit sends answers for the active challenge and waits for the verdict.
// It returns true when the session may continue. Validation happens before
// anything is sent.
func (m *Monitor) Submit(ctx context.Context, answers []string) (bool, error) {
	m.mu.Lock()
	switch {
	case m.state == StateTerminating:
		m.mu.Unlock()
		return false, ErrTerminated
	case m.state != StateChallengeActive:
		m.mu.Unlock()
		return false, ErrNoChallenge
	case len(m.pending) > 0:
		m.mu.Unlock()
		return false, ErrSubmissionPending
	}
	if len(answers) != len(m.challenge.Questions) {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: got %d answers for %d questions", ErrUnanswered, len(answers), len(m.challenge.Questions))
	}
	for i, a := range answers {
		if strings.TrimSpace(a) == "" {
			m.mu.Unlock()
			return false, fmt.Errorf("%w: question %d is blank", ErrUnanswered, i+1)
		}
	}

	resp := Response{Answers: make([]Answer, len(answers)), Timestamp: m.now().UnixMilli()}
	for i, a := range answers {
		resp.Answers[i] = Answer{QuestionID: i + 1, Answer: a}
	}
	env, err := envelope.New(envelope.TypeSecurityResponse, resp)
	if err != nil {
		m.mu.Unlock()
		return false, fmt.Errorf("encode security response: %w", err)
	}
	id := m.newID()
	env.UserID = m.userID
	env.RequestID = id

	// Registration and send share the lock with terminate, so no answers
	// leave after the session ended.
	ch := make(chan verdict, 1)
	m.pending[id] = ch
	m.pub.Send(env)
	m.mu.Unlock()

	m.logger.Info().Str("request_id", id).Int("answers", len(answers)).Msg("security answers submitted")

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	var v verdict
	select {
	case v = <-ch:
	case <-timer.C:
		v = m.claim(id, ch, verdict{outcome: outcomeTimeout, message: "Security verification timed out"})
	case <-ctx.Done():
		v = m.claim(id, ch, verdict{outcome: outcomeCanceled})
	}
	return m.conclude(ctx, id, v)
}

// claim resolves id with v unless a verdict got there first, and returns
// whichever verdict won.
func (m *Monitor) claim(id string, ch chan verdict, v verdict) verdict {
	m.mu.Lock()
	m.resolveLocked(id, v)
	m.mu.Unlock()
	return <-ch
}

func (m *Monitor) conclude(ctx context.Context, id string, v verdict) (bool, error) {
	switch v.outcome {
	case outcomePassed:
		m.mu.Lock()
		if m.state != StateChallengeActive {
			m.mu.Unlock()
			return false, ErrTerminated
		}
		m.challenge = Challenge{}
		m.alert = nil
		m.transitionLocked(StateIdle)
		m.mu.Unlock()

		metrics.RecordChallengeOutcome("passed")
		m.logger.Info().Str("request_id", id).Msg("security challenge passed")
		m.ui.ChallengeCleared()
		return true, nil

	case outcomeForceLogout:
		metrics.RecordChallengeOutcome("force_logout")
		m.terminateVerification(v.message)
		return false, nil

	case outcomeTerminated:
		return false, ErrTerminated

	case outcomeCanceled:
		return false, ctx.Err()

	default: // failed or timed out
		label := "failed"
		if v.outcome == outcomeTimeout {
			label = "timeout"
		}
		m.mu.Lock()
		if m.state != StateChallengeActive {
			m.mu.Unlock()
			return false, nil
		}
		m.challenge.RetryCount++
		ch := m.challengeCopyLocked()
		m.mu.Unlock()

		metrics.RecordChallengeOutcome(label)
		m.logger.Warn().Str("request_id", id).Str("outcome", label).Int("retry_count", ch.RetryCount).Msg("security challenge failed")
		m.ui.ChallengeFailed(ch, v.message)
		return false, nil
	}
}

// Dismiss abandons the challenge and terminates the session.
func (m *Monitor) Dismiss() {
	m.logger.Info().Msg("user dismissed security challenge")
	m.terminate(1.0, ModelUserDismissed, "User dismissed security challenge")
}

func (m *Monitor) terminateVerification(message string) {
	if message == "" {
		message = "Security verification failed"
	}
	m.terminate(1.0, ModelVerification, message)
}

// terminate enters Terminating once and runs the side effects. Later calls
// are no-ops.
func (m *Monitor) terminate(score float64, model, message string) {
	m.mu.Lock()
	if m.state == StateTerminating {
		m.mu.Unlock()
		return
	}
	m.transitionLocked(StateTerminating)
	m.challenge = Challenge{}
	for id := range m.pending {
		m.resolveLocked(id, verdict{outcome: outcomeTerminated})
	}
	reason := TerminationReason{
		Reason:    ReasonSuspiciousActivity,
		Score:     score,
		Model:     model,
		Message:   message,
		Timestamp: m.now().UnixMilli(),
	}
	m.mu.Unlock()

	m.logger.Warn().
		Float64("score", score).
		Str("model", model).
		Str("message", message).
		Msg("terminating session")

	ctx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
	defer cancel()

	if m.store != nil {
		if err := kvstore.SetJSON(ctx, m.store, LogoutReasonKey, reason); err != nil {
			m.logger.Error().Err(err).Msg("failed to persist logout reason")
		}
	}
	if m.session != nil {
		if err := m.session.InvalidateSession(ctx, reason); err != nil {
			m.logger.Error().Err(err).Msg("failed to invalidate session")
		}
	}
	if m.redirect != nil {
		m.redirect.Redirect(m.loginURL)
	}
	m.ui.Terminated(reason)
}

func (m *Monitor) transitionLocked(to State) {
	if m.state == to {
		return
	}
	metrics.RecordTransition(m.state.String(), to.String())
	m.logger.Debug().Str("from", m.state.String()).Str("to", to.String()).Msg("monitor transition")
	m.state = to
}

func (m *Monitor) challengeCopyLocked() Challenge {
	c := m.challenge
	c.Questions = append([]string(nil), c.Questions...)
	return c
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Challenge returns a copy of the active challenge.
func (m *Monitor) Challenge() Challenge {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.challengeCopyLocked()
}

// Status returns state, alert, challenge and pending count.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{State: m.state, Pending: len(m.pending)}
	if m.alert != nil {
		a := *m.alert
		s.Alert = &a
	}
	if m.challenge.Active {
		c := m.challengeCopyLocked()
		s.Challenge = &c
	}
	return s
}

// LastTermination reads the persisted reason, if any.
func LastTermination(ctx context.Context, store kvstore.Store) (TerminationReason, bool, error) {
	var r TerminationReason
	err := kvstore.GetJSON(ctx, store, LogoutReasonKey, &r)
	switch {
	case errors.Is(err, kvstore.ErrNotFound):
		return r, false, nil
	case err != nil:
		return r, false, err
	}
	return r, true, nil
}
