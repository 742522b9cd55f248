// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

/*
Package metrics holds the Prometheus collectors for RiverAuth.

Collectors are registered with the default registry through promauto and
exposed at /metrics by the agent status server and the gateway:

	curl http://127.0.0.1:9090/metrics

Transport:
  - riverauth_envelopes_sent_total{type}
  - riverauth_envelopes_queued_total
  - riverauth_envelopes_dropped_total{reason}
  - riverauth_transport_state (0=idle 1=connecting 2=open 3=closing 4=closed)
  - riverauth_transport_leases
  - riverauth_transport_dials_total{result}
  - riverauth_inbound_malformed_total

Producers:
  - riverauth_gestures_total{kind,source}
  - riverauth_gestures_dropped_total{reason}
  - riverauth_typing_events_total{type}
  - riverauth_probe_errors_total{producer}
  - riverauth_ip_region_changes_total

Risk monitor:
  - riverauth_monitor_transitions_total{from,to}
  - riverauth_challenge_outcomes_total{outcome}

Gateway:
  - riverauth_gateway_connections
  - riverauth_gateway_messages_total{type,result}
  - riverauth_gateway_bus_published_total{topic,result}

Circuit breakers and the status API use the circuit_breaker_* and
http_* names.
*/
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transport Metrics
	EnvelopesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riverauth_envelopes_sent_total",
			Help: "Envelopes written to the WebSocket connection",
		},
		[]string{"type"},
	)

	EnvelopesQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "riverauth_envelopes_queued_total",
			Help: "Envelopes queued while the connection was not open",
		},
	)

	EnvelopesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riverauth_envelopes_dropped_total",
			Help: "Envelopes discarded before reaching the wire",
		},
		[]string{"reason"}, // queue_full, encode_error, write_error, released
	)

	TransportState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riverauth_transport_state",
			Help: "Transport state (0=idle, 1=connecting, 2=open, 3=closing, 4=closed)",
		},
	)

	TransportLeases = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riverauth_transport_leases",
			Help: "Outstanding transport leases",
		},
	)

	TransportDials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riverauth_transport_dials_total",
			Help: "Transport dial attempts",
		},
		[]string{"result"}, // success, failure, rejected, abandoned
	)

	InboundMalformed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "riverauth_inbound_malformed_total",
			Help: "Inbound frames that could not be parsed",
		},
	)

	// Producer Metrics
	Gestures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riverauth_gestures_total",
			Help: "Classified gestures",
		},
		[]string{"kind", "source"}, // kind: tap, swipe; source: pointer, gesture
	)

	GesturesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riverauth_gestures_dropped_total",
			Help: "Gestures dropped or evicted",
		},
		[]string{"reason"}, // dead_zone, evicted, orphan_up
	)

	TypingEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riverauth_typing_events_total",
			Help: "Typing cadence events emitted",
		},
		[]string{"type"},
	)

	ProbeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riverauth_probe_errors_total",
			Help: "Device and location probe failures",
		},
		[]string{"producer"}, // device, geolocation, ip
	)

	IPRegionChanges = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "riverauth_ip_region_changes_total",
			Help: "IP lookups that reported a new region",
		},
	)

	// Risk Monitor Metrics
	MonitorTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riverauth_monitor_transitions_total",
			Help: "Security monitor state transitions",
		},
		[]string{"from", "to"},
	)

	ChallengeOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riverauth_challenge_outcomes_total",
			Help: "Challenge submission outcomes",
		},
		[]string{"outcome"}, // passed, failed, timeout, force_logout
	)

	// Gateway Metrics
	GatewayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riverauth_gateway_connections",
			Help: "Open gateway WebSocket connections",
		},
	)

	GatewayMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riverauth_gateway_messages_total",
			Help: "Frames received by the gateway",
		},
		[]string{"type", "result"}, // result: ack, accepted, error, rate_limited
	)

	BusPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riverauth_gateway_bus_published_total",
			Help: "Messages published to the gateway bus",
		},
		[]string{"topic", "result"},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// API Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		},
		[]string{"method", "endpoint"},
	)
)

// RecordAPIRequest records an API request metric
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordSent counts one envelope written to the wire.
func RecordSent(envelopeType string) {
	EnvelopesSent.WithLabelValues(envelopeType).Inc()
}

// RecordDropped counts one envelope discarded for reason.
func RecordDropped(reason string) {
	EnvelopesDropped.WithLabelValues(reason).Inc()
}

// RecordGesture counts one classified gesture.
func RecordGesture(kind, source string) {
	Gestures.WithLabelValues(kind, source).Inc()
}

// RecordGestureDropped counts one gesture lost for reason.
func RecordGestureDropped(reason string) {
	GesturesDropped.WithLabelValues(reason).Inc()
}

// RecordTransition counts one monitor state change.
func RecordTransition(from, to string) {
	MonitorTransitions.WithLabelValues(from, to).Inc()
}

// RecordChallengeOutcome counts one resolved challenge submission.
func RecordChallengeOutcome(outcome string) {
	ChallengeOutcomes.WithLabelValues(outcome).Inc()
}

// RecordProbeError counts one failed device or location probe.
func RecordProbeError(producer string) {
	ProbeErrors.WithLabelValues(producer).Inc()
}

// RecordGatewayMessage counts one inbound gateway frame.
func RecordGatewayMessage(msgType, result string) {
	GatewayMessages.WithLabelValues(msgType, result).Inc()
}

// RecordBreakerTransition updates breaker gauges after a state change.
// State values follow gobreaker: 0=closed, 1=half-open, 2=open.
func RecordBreakerTransition(name, from, to string, state int) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
	CircuitBreakerTransitions.WithLabelValues(name, from, to).Inc()
}
