// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

// Package api serves the operational HTTP surface: liveness and readiness
// probes, Prometheus metrics and a few admin controls. Events are not
// accepted over HTTP; they arrive on the ingest topic.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/pulseline/internal/middleware"
)

// RouterConfig tunes the router.
type RouterConfig struct {
	// AdminRateLimit is requests per minute per client IP on /admin.
	// Zero disables the limit.
	AdminRateLimit int
	// MetricsHandler defaults to promhttp.Handler().
	MetricsHandler http.Handler
}

// chiMiddleware adapts http.HandlerFunc middleware to chi.
func chiMiddleware(mw func(http.HandlerFunc) http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return mw(next.ServeHTTP)
	}
}

func rateLimited(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Error(http.StatusTooManyRequests, ErrCodeTooManyRequests, "rate limit exceeded")
}

// NewRouter wires the admin routes.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	metricsHandler := cfg.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware(middleware.RequestID))
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chiMiddleware(middleware.PrometheusMetrics))

	r.Get("/healthz", h.HealthLive)
	r.Get("/readyz", h.HealthReady)
	r.Method(http.MethodGet, "/metrics", metricsHandler)

	r.Route("/admin", func(r chi.Router) {
		if cfg.AdminRateLimit > 0 {
			r.Use(httprate.Limit(
				cfg.AdminRateLimit,
				time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(rateLimited),
			))
		}
		r.Get("/status", h.AdminStatus)
		r.Post("/jobqueue/pause", h.PauseJobQueue)
		r.Post("/jobqueue/resume", h.ResumeJobQueue)
	})

	return r
}
