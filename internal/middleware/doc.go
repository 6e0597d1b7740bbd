// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

/*
Package middleware provides the HTTP middleware used by the admin surface.

  - RequestID: reuses or generates X-Request-ID and stores it in the context
    so logging.Ctx picks it up.
  - PrometheusMetrics: counts requests and observes their duration, labelled
    by the matched chi route pattern rather than the raw path.

Both take and return http.HandlerFunc; the api package adapts them to chi.
*/
package middleware
