// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	eventUUIDKey contextKey = "event_uuid"
	teamIDKey    contextKey = "team_id"
	loggerKey    contextKey = "logger"
)

// ContextWithRequestID stores an HTTP or job request ID in ctx.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// ContextWithNewRequestID stores a fresh random request ID in ctx.
func ContextWithNewRequestID(ctx context.Context) context.Context {
	return ContextWithRequestID(ctx, uuid.NewString())
}

// RequestIDFromContext returns the request ID or "".
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithEventUUID tags ctx with the UUID of the event being ingested so that
// every log line for that event can be correlated.
func WithEventUUID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, eventUUIDKey, id)
}

// EventUUIDFromContext returns the event UUID or "".
func EventUUIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(eventUUIDKey).(string); ok {
		return id
	}
	return ""
}

// WithTeamID tags ctx with the tenant being processed.
func WithTeamID(ctx context.Context, teamID int64) context.Context {
	return context.WithValue(ctx, teamIDKey, teamID)
}

// TeamIDFromContext returns the team ID and whether it was set.
func TeamIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(teamIDKey).(int64)
	return id, ok
}

// ContextWithLogger stores a logger in ctx, picked up by Ctx.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func ContextWithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// Ctx returns a logger carrying the correlation fields found in ctx.
func Ctx(ctx context.Context) *zerolog.Logger {
	logger, ok := ctx.Value(loggerKey).(zerolog.Logger)
	if !ok {
		logger = Logger()
	}

	c := logger.With()
	if id := RequestIDFromContext(ctx); id != "" {
		c = c.Str("request_id", id)
	}
	if id := EventUUIDFromContext(ctx); id != "" {
		c = c.Str("event_uuid", id)
	}
	if id, ok := TeamIDFromContext(ctx); ok {
		c = c.Int64("team_id", id)
	}
	l := c.Logger()
	return &l
}
