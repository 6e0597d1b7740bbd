// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package errorsink

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/tomtom215/pulseline/internal/config"
	"github.com/tomtom215/pulseline/internal/logging"
)

// SentrySink forwards captured errors to Sentry.
type SentrySink struct {
	hub *sentry.Hub
}

// NewSentrySink builds a client from cfg. An empty DSN yields a client that
// processes events without sending them.
func NewSentrySink(cfg config.SentryConfig, opts ...func(*sentry.ClientOptions)) (*SentrySink, error) {
	options := sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		SampleRate:       cfg.SampleRate,
		AttachStacktrace: true,
	}
	for _, o := range opts {
		o(&options)
	}

	client, err := sentry.NewClient(options)
	if err != nil {
		return nil, fmt.Errorf("create sentry client: %w", err)
	}
	return &SentrySink{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

func (s *SentrySink) Capture(ctx context.Context, err error, tags map[string]string) {
	if err == nil {
		return
	}
	defer func() { _ = recover() }()

	hub := s.hub.Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		if id := logging.RequestIDFromContext(ctx); id != "" {
			scope.SetTag("request_id", id)
		}
		if id := logging.EventUUIDFromContext(ctx); id != "" {
			scope.SetTag("event_uuid", id)
		}
		hub.CaptureException(err)
	})
}

// Flush waits up to timeout for buffered events to be delivered.
func (s *SentrySink) Flush(timeout time.Duration) bool {
	return s.hub.Flush(timeout)
}
