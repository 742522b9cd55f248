// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

package location

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/oschwald/geoip2-golang"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/riverauth/internal/logging"
	"github.com/tomtom215/riverauth/internal/metrics"
)

const maxLookupBody = 64 * 1024

// ErrNoRegion is returned when a lookup succeeds but names no region.
var ErrNoRegion = errors.New("lookup returned no region")

// IPResolver finds the public IP and its region.
type IPResolver interface {
	Resolve(ctx context.Context) (IPSample, error)
}

// lookupResponse covers ipstack (region_name, success) and ipapi.co
// (region, error).
type lookupResponse struct {
	IP          string          `json:"ip"`
	Region      string          `json:"region"`
	RegionName  string          `json:"region_name"`
	CountryName string          `json:"country_name"`
	Success     *bool           `json:"success"`
	Error       json.RawMessage `json:"error"`
	Reason      string          `json:"reason"`
}

func (r lookupResponse) failed() bool {
	if r.Success != nil && !*r.Success {
		return true
	}
	e := string(r.Error)
	return e != "" && e != "false" && e != "null"
}

// HTTPResolver queries a JSON IP lookup API. Calls go through a circuit
// breaker so an unavailable API is retried at most once per timeout.
type HTTPResolver struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[IPSample]
}

// NewHTTPResolver creates a resolver for url with the given request
// timeout.
func NewHTTPResolver(url string, timeout time.Duration) *HTTPResolver {
	const name = "ip-lookup"
	return &HTTPResolver{
		url:    url,
		client: &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker[IPSample](gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    time.Hour,
			Timeout:     10 * time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("ip lookup circuit breaker state change")
				metrics.RecordBreakerTransition(name, from.String(), to.String(), int(to))
			},
		}),
	}
}

// Resolve implements IPResolver.
func (r *HTTPResolver) Resolve(ctx context.Context) (IPSample, error) {
	return r.breaker.Execute(func() (IPSample, error) {
		return r.fetch(ctx)
	})
}

func (r *HTTPResolver) fetch(ctx context.Context) (IPSample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, http.NoBody)
	if err != nil {
		return IPSample{}, fmt.Errorf("build lookup request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return IPSample{}, fmt.Errorf("ip lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return IPSample{}, fmt.Errorf("ip lookup: unexpected status %d", resp.StatusCode)
	}

	var body lookupResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxLookupBody)).Decode(&body); err != nil {
		return IPSample{}, fmt.Errorf("decode ip lookup: %w", err)
	}
	if body.failed() {
		return IPSample{}, fmt.Errorf("ip lookup: api error %s %s", body.Error, body.Reason)
	}

	region := body.RegionName
	if region == "" {
		region = body.Region
	}
	if region == "" {
		return IPSample{}, ErrNoRegion
	}
	return IPSample{IP: body.IP, Region: region, Country: body.CountryName}, nil
}

// GeoIPResolver looks up a known public IP in a MaxMind City database.
type GeoIPResolver struct {
	reader *geoip2.Reader
	ip     net.IP
}

// OpenGeoIP opens the database at path for lookups of publicIP.
func OpenGeoIP(path, publicIP string) (*GeoIPResolver, error) {
	ip := net.ParseIP(publicIP)
	if ip == nil {
		return nil, fmt.Errorf("invalid public ip %q", publicIP)
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &GeoIPResolver{reader: reader, ip: ip}, nil
}

// Resolve implements IPResolver.
func (r *GeoIPResolver) Resolve(context.Context) (IPSample, error) {
	record, err := r.reader.City(r.ip)
	if err != nil {
		return IPSample{}, fmt.Errorf("geoip lookup %s: %w", r.ip, err)
	}
	if len(record.Subdivisions) == 0 {
		return IPSample{}, ErrNoRegion
	}
	return IPSample{
		IP:      r.ip.String(),
		Region:  record.Subdivisions[0].Names["en"],
		Country: record.Country.Names["en"],
	}, nil
}

// Close releases the database.
func (r *GeoIPResolver) Close() error {
	return r.reader.Close()
}
