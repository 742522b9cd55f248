// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/tomtom215/riverauth/internal/api"
	"github.com/tomtom215/riverauth/internal/config"
	"github.com/tomtom215/riverauth/internal/device"
	"github.com/tomtom215/riverauth/internal/envelope"
	"github.com/tomtom215/riverauth/internal/gesture"
	"github.com/tomtom215/riverauth/internal/input"
	"github.com/tomtom215/riverauth/internal/kvstore"
	"github.com/tomtom215/riverauth/internal/location"
	"github.com/tomtom215/riverauth/internal/logging"
	"github.com/tomtom215/riverauth/internal/security"
	"github.com/tomtom215/riverauth/internal/supervisor"
	"github.com/tomtom215/riverauth/internal/supervisor/services"
	"github.com/tomtom215/riverauth/internal/transport"
	"github.com/tomtom215/riverauth/internal/typing"
)

const httpShutdownTimeout = 10 * time.Second

// agent owns the components shared by the supervised services. Every
// producer holds its own transport lease; the manager keeps one
// connection for all of them.
type agent struct {
	cfg     *config.Config
	store   kvstore.Store
	stdin   io.Reader
	manager *transport.Manager
	monitor *security.Monitor
	session *session

	gestures       *gesture.Tracker
	typing         *typing.Tracker
	questionTyping *typing.Tracker
	location       *location.Tracker
	resolverCloser io.Closer

	leases []*transport.Lease
}

func newAgent(cfg *config.Config, store kvstore.Store, stdin io.Reader, opts ...transport.Option) (*agent, error) {
	opts = append([]transport.Option{transport.WithUserID(cfg.Agent.UserID)}, opts...)
	a := &agent{
		cfg:     cfg,
		store:   store,
		stdin:   stdin,
		manager: transport.NewManager(cfg.Transport, opts...),
		session: newSession(),
	}

	a.monitor = security.NewMonitor(a.lease(), store,
		security.WithUserID(cfg.Agent.UserID),
		security.WithThresholds(security.ThresholdsFromConfig(cfg.Security)),
		security.WithDefaultQuestions(cfg.Security.DefaultQuestions),
		security.WithSession(a.session),
		security.WithRedirector(a.session, cfg.Agent.LoginURL),
		security.WithUI(logUI{log: logging.Component("ui")}),
	)

	a.gestures = gesture.NewTracker(a.lease(),
		gesture.WithThresholds(gesture.ThresholdsFromConfig(cfg.Gesture)),
		gesture.WithBufferSize(cfg.Gesture.BufferSize),
	)
	typingLease := a.lease()
	a.typing = typing.NewTracker(typingLease, typing.WithDebounce(cfg.Typing.Debounce))
	a.questionTyping = typing.NewTracker(typingLease,
		typing.WithTag(envelope.TypeSecurityQuestionTyping),
		typing.WithDebounce(cfg.Typing.Debounce),
	)
	a.session.detach(a.gestures, a.typing, a.questionTyping)

	if cfg.Location.Enabled {
		resolver, err := a.newResolver()
		if err != nil {
			a.Close()
			return nil, err
		}
		a.location = location.NewTracker(resolver, a.lease(),
			location.WithLocator(location.StaticLocatorFromConfig(cfg.Location)),
			location.WithInterval(cfg.Location.Interval),
		)
	}
	return a, nil
}

// lease acquires a transport lease released by Close.
func (a *agent) lease() *transport.Lease {
	l := a.manager.Acquire()
	a.leases = append(a.leases, l)
	return l
}

func (a *agent) newResolver() (location.IPResolver, error) {
	switch a.cfg.Location.Resolver {
	case "geoip":
		r, err := location.OpenGeoIP(a.cfg.Location.GeoIPPath, a.cfg.Location.PublicIP)
		if err != nil {
			return nil, fmt.Errorf("open geoip resolver: %w", err)
		}
		a.resolverCloser = r
		return r, nil
	default:
		return location.NewHTTPResolver(a.cfg.Location.LookupURL, a.cfg.Location.LookupTimeout), nil
	}
}

// Register adds the agent's services to tree.
func (a *agent) Register(tree *supervisor.Tree) {
	tree.AddMessagingService(services.NewHoldService("session-lease", a.holdSession))

	if a.cfg.Device.Enabled {
		tree.AddProducerService(services.NewTaskService("device-fingerprint", a.trackDevice))
	}
	if a.location != nil {
		tree.AddProducerService(services.NewTaskService("position-report", a.location.ReportPosition))
		tree.AddProducerService(services.NewLoopService("ip-lookup", a.location.Run))
	}
	tree.AddProducerService(services.NewTaskService("input-replay", a.replayInput))

	tree.AddAPIService(services.NewHTTPServerService("status-http", a.statusServer(), httpShutdownTimeout))
}

// holdSession subscribes the monitor to inbound verdicts for as long as
// the service runs.
func (a *agent) holdSession() func() {
	l := a.manager.Acquire()
	cancel := l.Subscribe(a.monitor.Handle)
	return func() {
		cancel()
		l.Release()
	}
}

func (a *agent) trackDevice(ctx context.Context) error {
	l := a.manager.Acquire()
	defer l.Release()
	snap, err := device.NewTracker(device.HostProber{}, a.store, l).Track(ctx)
	if err != nil {
		return err
	}
	logging.Info().
		Str("device_id", snap.DeviceID).
		Int("device_change_count", snap.DeviceChangeCount).
		Int("os_change_count", snap.OSChangeCount).
		Msg("device fingerprint reported")
	return nil
}

func (a *agent) replayInput(ctx context.Context) error {
	r, closeInput, err := openInput(a.cfg.Agent.InputPath, a.stdin)
	if err != nil {
		return err
	}
	defer closeInput()

	d := input.NewDispatcher(input.Targets{
		Gestures:       a.gestures,
		Typing:         a.typing,
		QuestionTyping: a.questionTyping,
		Challenge:      a.monitor,
	})
	err = d.Run(ctx, r)
	stats := d.Stats()
	logging.Info().
		Int("dispatched", stats.Dispatched).
		Int("rejected", stats.Rejected).
		Int("skipped", stats.Skipped).
		Msg("input replay finished")
	return err
}

// openInput returns the recording at path, or stdin for "" and "-".
func openInput(path string, stdin io.Reader) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func (a *agent) statusServer() *http.Server {
	router := api.NewRouter(api.Sources{Transport: a.manager, Monitor: a.monitor}, a.cfg.Server)
	return &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       a.cfg.Server.Timeout,
		WriteTimeout:      a.cfg.Server.Timeout,
	}
}

// Close detaches the trackers and releases every lease.
func (a *agent) Close() {
	a.gestures.Close()
	a.typing.Close()
	a.questionTyping.Close()
	for _, l := range a.leases {
		l.Release()
	}
	if a.resolverCloser != nil {
		if err := a.resolverCloser.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			logging.Warn().Err(err).Msg("failed to close ip resolver")
		}
	}
}
