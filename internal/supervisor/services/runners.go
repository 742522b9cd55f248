// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

package services

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/riverauth/internal/logging"
)

// RunFunc is a context-bound unit of work.
type RunFunc func(ctx context.Context) error

// LoopService runs a loop that is expected to last until ctx is done.
type LoopService struct {
	name string
	run  RunFunc
}

// NewLoopService wraps run.
func NewLoopService(name string, run RunFunc) *LoopService {
	return &LoopService{name: name, run: run}
}

// Serve implements suture.Service.
func (s *LoopService) Serve(ctx context.Context) error {
	return s.run(ctx)
}

func (s *LoopService) String() string { return s.name }

// TaskService runs work once per process.
type TaskService struct {
	name   string
	run    RunFunc
	logger zerolog.Logger
}

// NewTaskService wraps run.
func NewTaskService(name string, run RunFunc) *TaskService {
	return &TaskService{name: name, run: run, logger: logging.Component("supervisor")}
}

// Serve implements suture.Service. It always ends with
// suture.ErrDoNotRestart; cancellation is passed through.
func (s *TaskService) Serve(ctx context.Context) error {
	err := s.run(ctx)
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case err != nil && !errors.Is(err, context.Canceled):
		s.logger.Error().Err(err).Str("service", s.name).Msg("task failed")
	default:
		s.logger.Debug().Str("service", s.name).Msg("task finished")
	}
	return suture.ErrDoNotRestart
}

func (s *TaskService) String() string { return s.name }

// AcquireFunc takes a shared resource and returns its release.
type AcquireFunc func() (release func())

// HoldService keeps a resource acquired while it runs.
type HoldService struct {
	name    string
	acquire AcquireFunc
}

// NewHoldService wraps acquire.
func NewHoldService(name string, acquire AcquireFunc) *HoldService {
	return &HoldService{name: name, acquire: acquire}
}

// Serve implements suture.Service.
func (s *HoldService) Serve(ctx context.Context) error {
	release := s.acquire()
	defer release()
	<-ctx.Done()
	return ctx.Err()
}

func (s *HoldService) String() string { return s.name }
