// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

package location

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/riverauth/internal/config"
	"github.com/tomtom215/riverauth/internal/envelope"
)

type publisher struct {
	mu   sync.Mutex
	sent []envelope.Envelope
}

func (p *publisher) Send(env envelope.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, env)
}

func (p *publisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

type scriptedResolver struct {
	mu      sync.Mutex
	results []IPSample
	errs    []error
	calls   int
}

func (r *scriptedResolver) Resolve(context.Context) (IPSample, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.calls
	r.calls++
	if i < len(r.errs) && r.errs[i] != nil {
		return IPSample{}, r.errs[i]
	}
	if i >= len(r.results) {
		return r.results[len(r.results)-1], nil
	}
	return r.results[i], nil
}

func (r *scriptedResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func fixedClock() time.Time { return time.UnixMilli(1_700_000_000_000) }

func TestLookup_DedupByRegion(t *testing.T) {
	t.Parallel()

	res := &scriptedResolver{results: []IPSample{
		{IP: "203.0.113.1", Region: "Ontario"},
		{IP: "203.0.113.2", Region: "Ontario"},
		{IP: "198.51.100.7", Region: "Quebec"},
		{IP: "198.51.100.7", Region: "Quebec"},
		{IP: "203.0.113.1", Region: "Ontario"},
	}}
	pub := &publisher{}
	tr := NewTracker(res, pub, WithClock(fixedClock))

	want := []bool{true, false, true, false, true}
	for i, w := range want {
		got, err := tr.Lookup(context.Background())
		if err != nil {
			t.Fatalf("Lookup() #%d error = %v", i, err)
		}
		if got != w {
			t.Errorf("Lookup() #%d = %v, want %v", i, got, w)
		}
	}
	if pub.count() != 3 {
		t.Fatalf("sent %d envelopes, want 3", pub.count())
	}

	var sample IPSample
	if err := pub.sent[1].Decode(&sample); err != nil {
		t.Fatal(err)
	}
	if pub.sent[1].Type != envelope.TypeIP || sample.Region != "Quebec" || sample.IP != "198.51.100.7" {
		t.Errorf("second ip envelope = %s %+v", pub.sent[1].Type, sample)
	}
	if sample.Timestamp != fixedClock().UnixMilli() {
		t.Errorf("Timestamp = %d, want %d", sample.Timestamp, fixedClock().UnixMilli())
	}
	if tr.Region() != "Ontario" {
		t.Errorf("Region() = %q, want Ontario", tr.Region())
	}
}

func TestLookup_FailureKeepsLastRegion(t *testing.T) {
	t.Parallel()

	lookupErr := errors.New("network unreachable")
	res := &scriptedResolver{
		results: []IPSample{{Region: "Ontario"}, {}, {Region: "Ontario"}},
		errs:    []error{nil, lookupErr},
	}
	pub := &publisher{}
	tr := NewTracker(res, pub)

	if _, err := tr.Lookup(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Lookup(context.Background()); !errors.Is(err, lookupErr) {
		t.Fatalf("Lookup() error = %v, want %v", err, lookupErr)
	}
	sent, err := tr.Lookup(context.Background())
	if err != nil || sent {
		t.Errorf("Lookup() after failure = %v, %v, want false, nil", sent, err)
	}
	if pub.count() != 1 {
		t.Errorf("sent %d envelopes, want 1", pub.count())
	}
}

func TestRun_ImmediateLookupAndCancel(t *testing.T) {
	t.Parallel()

	res := &scriptedResolver{
		results: []IPSample{{}, {Region: "Bavaria"}},
		errs:    []error{errors.New("timeout")},
	}
	pub := &publisher{}
	tr := NewTracker(res, pub, WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for pub.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if pub.count() != 1 {
		t.Errorf("sent %d envelopes, want 1", pub.count())
	}
	if res.callCount() < 2 {
		t.Errorf("resolver called %d times, want at least 2", res.callCount())
	}
}

func TestReportPosition(t *testing.T) {
	t.Parallel()

	pub := &publisher{}
	loc := StaticLocatorFromConfig(config.LocationConfig{Latitude: 43.65, Longitude: -79.38, Accuracy: 25})
	tr := NewTracker(&scriptedResolver{}, pub, WithLocator(loc), WithClock(fixedClock))

	if err := tr.ReportPosition(context.Background()); err != nil {
		t.Fatal(err)
	}
	if pub.count() != 1 || pub.sent[0].Type != envelope.TypeGeolocation {
		t.Fatalf("sent = %+v", pub.sent)
	}
	var got GeoSample
	if err := pub.sent[0].Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Latitude != 43.65 || got.Longitude != -79.38 || got.Accuracy != 25 || got.Altitude != nil {
		t.Errorf("GeoSample = %+v", got)
	}
}

func TestReportPosition_NoLocator(t *testing.T) {
	t.Parallel()

	if loc := StaticLocatorFromConfig(config.LocationConfig{}); loc != nil {
		t.Fatalf("StaticLocatorFromConfig() = %v, want nil", loc)
	}
	pub := &publisher{}
	tr := NewTracker(&scriptedResolver{}, pub)
	if err := tr.ReportPosition(context.Background()); err != nil {
		t.Errorf("ReportPosition() error = %v", err)
	}
	if pub.count() != 0 {
		t.Errorf("sent %d envelopes, want 0", pub.count())
	}

	if _, err := (StaticLocator{}).Locate(context.Background()); !errors.Is(err, ErrNoPosition) {
		t.Errorf("Locate() error = %v, want %v", err, ErrNoPosition)
	}
}

func TestHTTPResolver(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		want    IPSample
		wantErr bool
	}{
		{
			name:   "ipstack fields",
			status: http.StatusOK,
			body:   `{"ip":"203.0.113.9","region_name":"Ontario","country_name":"Canada"}`,
			want:   IPSample{IP: "203.0.113.9", Region: "Ontario", Country: "Canada"},
		},
		{
			name:   "ipapi fields",
			status: http.StatusOK,
			body:   `{"ip":"198.51.100.2","region":"Bavaria","country_name":"Germany"}`,
			want:   IPSample{IP: "198.51.100.2", Region: "Bavaria", Country: "Germany"},
		},
		{
			name:    "ipstack error",
			status:  http.StatusOK,
			body:    `{"success":false,"error":{"code":101,"type":"invalid_access_key"}}`,
			wantErr: true,
		},
		{
			name:    "ipapi error",
			status:  http.StatusOK,
			body:    `{"error":true,"reason":"RateLimited"}`,
			wantErr: true,
		},
		{
			name:    "no region",
			status:  http.StatusOK,
			body:    `{"ip":"192.0.2.1"}`,
			wantErr: true,
		},
		{
			name:    "server error",
			status:  http.StatusBadGateway,
			body:    `{}`,
			wantErr: true,
		},
		{
			name:    "not json",
			status:  http.StatusOK,
			body:    `<html>`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Accept") != "application/json" {
					t.Errorf("Accept = %q", r.Header.Get("Accept"))
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			got, err := NewHTTPResolver(srv.URL, time.Second).Resolve(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Resolve() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Resolve() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestHTTPResolver_BreakerOpens(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := NewHTTPResolver(srv.URL, time.Second)
	for i := 0; i < 5; i++ {
		if _, err := r.Resolve(context.Background()); err == nil {
			t.Fatalf("Resolve() #%d succeeded", i)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if hits != 3 {
		t.Errorf("server hits = %d, want 3", hits)
	}
}

func TestOpenGeoIP(t *testing.T) {
	t.Parallel()

	if _, err := OpenGeoIP("GeoLite2-City.mmdb", "not-an-ip"); err == nil {
		t.Error("OpenGeoIP() with invalid ip succeeded")
	}
	missing := filepath.Join(t.TempDir(), "missing.mmdb")
	if _, err := OpenGeoIP(missing, "203.0.113.1"); err == nil {
		t.Error("OpenGeoIP() with missing database succeeded")
	}
}
