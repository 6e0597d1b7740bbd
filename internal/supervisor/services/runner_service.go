// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package services

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const defaultShutdownTimeout = 10 * time.Second

// ErrExitedEarly is returned when a component stops on its own while the
// supervisor still wants it running.
var ErrExitedEarly = errors.New("exited before shutdown")

// Runner is a component that works until its context ends. Satisfied by
// *consumer.BackpressureConsumer, *eventlog.Sink and *webhooks.Dispatcher.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerService supervises a Runner. A return while the context is still
// live is treated as a crash so suture restarts it.
type RunnerService struct {
	runner Runner
	name   string
}

// NewRunnerService wraps runner as a supervised service named name.
func NewRunnerService(name string, runner Runner) *RunnerService {
	return &RunnerService{runner: runner, name: name}
}

// NewConsumerService supervises the ingest topic consumer.
func NewConsumerService(runner Runner) *RunnerService {
	return NewRunnerService("event-consumer", runner)
}

// NewEventStoreSinkService supervises the DuckDB event store sink.
func NewEventStoreSinkService(runner Runner) *RunnerService {
	return NewRunnerService("event-store-sink", runner)
}

// NewWebhookDispatcherService supervises webhook delivery.
func NewWebhookDispatcherService(runner Runner) *RunnerService {
	return NewRunnerService("webhook-dispatcher", runner)
}

// Serve implements suture.Service.
func (s *RunnerService) Serve(ctx context.Context) error {
	err := s.runner.Run(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	return fmt.Errorf("%s: %w", s.name, ErrExitedEarly)
}

func (s *RunnerService) String() string {
	return s.name
}
