// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/tomtom215/pulseline/internal/database"
	"github.com/tomtom215/pulseline/internal/metrics"
)

// ErrRetriesExhausted wraps the last conflict when every attempt raced.
var ErrRetriesExhausted = errors.New("identity write kept conflicting")

// Result is the outcome of one optimistic attempt. Conflict is set when a
// concurrent writer won a uniqueness race and the attempt should re-read
// state and try again. Err is any other failure and is never retried.
type Result[T any] struct {
	Value    T
	Conflict error
	Err      error
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] { return Result[T]{Value: v} }

// Failed wraps a non-retryable error.
func Failed[T any](err error) Result[T] { return Result[T]{Err: err} }

// From classifies a (value, error) pair from the store.
func From[T any](v T, err error) Result[T] {
	switch {
	case err == nil:
		return Ok(v)
	case database.IsConflict(err):
		return Result[T]{Conflict: err}
	default:
		return Failed[T](err)
	}
}

// Retry runs fn up to attempts times, re-running only on conflicts. op labels
// the conflict metric.
func Retry[T any](ctx context.Context, op string, attempts int, fn func(ctx context.Context) Result[T]) (T, error) {
	var zero T
	if attempts < 1 {
		attempts = 1
	}

	var last error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		r := fn(ctx)
		if r.Err != nil {
			return zero, r.Err
		}
		if r.Conflict == nil {
			return r.Value, nil
		}
		metrics.IdentityConflicts.WithLabelValues(op).Inc()
		last = r.Conflict
	}
	return zero, fmt.Errorf("%s: %w after %d attempts: %w", op, ErrRetriesExhausted, attempts, last)
}
