// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

// Package errorsink reports out-of-band failures: plugin errors, failed
// scheduled tasks, dropped jobs and webhook failures. A Sink never panics
// and never returns an error, so callers can report from any goroutine
// without further handling.
package errorsink

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tomtom215/pulseline/internal/logging"
	"github.com/tomtom215/pulseline/internal/metrics"
)

// Sink accepts errors for observability.
type Sink interface {
	Capture(ctx context.Context, err error, tags map[string]string)
}

// LogSink writes captured errors to the structured log.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "errorsink").Logger()}
}

func (s *LogSink) Capture(ctx context.Context, err error, tags map[string]string) {
	if err == nil {
		return
	}
	defer func() { _ = recover() }()

	source := tags["source"]
	if source == "" {
		source = "unknown"
	}
	metrics.ErrorsCaptured.WithLabelValues(source).Inc()

	ev := s.logger.Error().Err(err)
	if id := logging.RequestIDFromContext(ctx); id != "" {
		ev = ev.Str("request_id", id)
	}
	for k, v := range tags {
		ev = ev.Str(k, v)
	}
	ev.Msg("captured error")
}

// Multi fans a capture out to every sink.
type Multi []Sink

func (m Multi) Capture(ctx context.Context, err error, tags map[string]string) {
	for _, s := range m {
		if s != nil {
			safeCapture(ctx, s, err, tags)
		}
	}
}

func safeCapture(ctx context.Context, s Sink, err error, tags map[string]string) {
	defer func() { _ = recover() }()
	s.Capture(ctx, err, tags)
}

type nop struct{}

func (nop) Capture(context.Context, error, map[string]string) {}

// Nop discards everything.
var Nop Sink = nop{}
