// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

/*
Package middleware provides the HTTP middleware shared by the agent status
API and the telemetry gateway.

  - RequestID: assigns or propagates X-Request-ID and stores it in the
    request context for logging.Ctx.
  - PrometheusMetrics: records request count and latency labelled by the
    chi route pattern, so path parameters do not create new series.

Both have the chi signature and are installed with r.Use.
*/
package middleware
