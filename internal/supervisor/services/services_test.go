// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

package services

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"
)

// Compile-time interface checks.
var (
	_ suture.Service = (*HTTPServerService)(nil)
	_ suture.Service = (*LoopService)(nil)
	_ suture.Service = (*TaskService)(nil)
	_ suture.Service = (*HoldService)(nil)
	_ HTTPServer     = (*http.Server)(nil)
)

type fakeServer struct {
	listenErr error
	stop      chan struct{}
	shutdowns atomic.Int32
}

func newFakeServer() *fakeServer { return &fakeServer{stop: make(chan struct{})} }

func (f *fakeServer) ListenAndServe() error {
	if f.listenErr != nil {
		return f.listenErr
	}
	<-f.stop
	return http.ErrServerClosed
}

func (f *fakeServer) Shutdown(context.Context) error {
	f.shutdowns.Add(1)
	close(f.stop)
	return nil
}

func TestHTTPServerService_Shutdown(t *testing.T) {
	t.Parallel()

	srv := newFakeServer()
	svc := NewHTTPServerService("status-http", srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return")
	}
	if srv.shutdowns.Load() != 1 {
		t.Errorf("Shutdown calls = %d, want 1", srv.shutdowns.Load())
	}
	if svc.String() != "status-http" {
		t.Errorf("String() = %q", svc.String())
	}
}

func TestHTTPServerService_ListenError(t *testing.T) {
	t.Parallel()

	listenErr := errors.New("address in use")
	srv := newFakeServer()
	srv.listenErr = listenErr

	err := NewHTTPServerService("status-http", srv, 0).Serve(context.Background())
	if !errors.Is(err, listenErr) {
		t.Errorf("Serve() error = %v, want %v", err, listenErr)
	}
}

func TestHTTPServerService_RealServer(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	srv := &http.Server{
		Addr:              addr,
		Handler:           http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }),
		ReadHeaderTimeout: time.Second,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewHTTPServerService("status-http", srv, time.Second).Serve(ctx) }()

	var resp *http.Response
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err = http.Get("http://" + addr)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve() error = %v, want context.Canceled", err)
	}
}

func TestTaskService(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
	}{
		{name: "success"},
		{name: "failure is not restarted", err: errors.New("probe failed")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var runs atomic.Int32
			svc := NewTaskService("device", func(context.Context) error {
				runs.Add(1)
				return tt.err
			})
			if err := svc.Serve(context.Background()); !errors.Is(err, suture.ErrDoNotRestart) {
				t.Errorf("Serve() error = %v, want suture.ErrDoNotRestart", err)
			}
			if runs.Load() != 1 {
				t.Errorf("runs = %d, want 1", runs.Load())
			}
		})
	}
}

func TestTaskService_Canceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc := NewTaskService("input", func(ctx context.Context) error { return ctx.Err() })
	if err := svc.Serve(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Serve() error = %v, want context.Canceled", err)
	}
}

func TestLoopService(t *testing.T) {
	t.Parallel()

	loopErr := errors.New("boom")
	svc := NewLoopService("ip-lookup", func(context.Context) error { return loopErr })
	if err := svc.Serve(context.Background()); !errors.Is(err, loopErr) {
		t.Errorf("Serve() error = %v, want %v", err, loopErr)
	}
	if svc.String() != "ip-lookup" {
		t.Errorf("String() = %q", svc.String())
	}
}

func TestHoldService(t *testing.T) {
	t.Parallel()

	var held atomic.Int32
	svc := NewHoldService("session", func() func() {
		held.Add(1)
		return func() { held.Add(-1) }
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for held.Load() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if held.Load() != 1 {
		t.Fatalf("held = %d, want 1", held.Load())
	}
	cancel()
	<-done
	if held.Load() != 0 {
		t.Errorf("held after stop = %d, want 0", held.Load())
	}
}

func TestTree_DoesNotRestartTask(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	sup := suture.NewSimple("test")
	sup.Add(NewTaskService("once", func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = sup.Serve(ctx)

	if runs.Load() != 1 {
		t.Errorf("runs = %d, want 1", runs.Load())
	}
}
