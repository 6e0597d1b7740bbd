// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

// Package breaker builds the circuit breakers shared by the event log
// publisher, the job-queue backends and webhook delivery.
package breaker

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
)

// Config trips the breaker after MaxFailures consecutive failures and
// probes again after Timeout.
type Config struct {
	Name        string
	MaxFailures uint32
	Timeout     time.Duration
}

// New creates a breaker that logs state transitions.
func New[T any](cfg Config, logger *zerolog.Logger) *gobreaker.CircuitBreaker[T] {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	l := logger.With().Str("breaker", cfg.Name).Logger()

	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			ev := l.Info()
			if to == gobreaker.StateOpen {
				ev = l.Warn()
			}
			ev.Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
}

// IsOpen reports whether err came from a breaker refusing the call.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
