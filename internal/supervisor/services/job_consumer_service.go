// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package services

import (
	"context"
	"fmt"
	"time"

	"github.com/tomtom215/pulseline/internal/jobqueue"
)

// JobConsumer is satisfied by *jobqueue.Manager.
type JobConsumer interface {
	StartConsumer(ctx context.Context, h jobqueue.Handler) error
	StopConsumer(ctx context.Context) error
}

// JobConsumerService starts consumers on every job queue backend and stops
// them on shutdown.
type JobConsumerService struct {
	consumer        JobConsumer
	handler         jobqueue.Handler
	shutdownTimeout time.Duration
	name            string
}

// NewJobConsumerService creates a service that consumes jobs with handler.
// shutdownTimeout <= 0 means defaultShutdownTimeout.
func NewJobConsumerService(consumer JobConsumer, handler jobqueue.Handler, shutdownTimeout time.Duration) *JobConsumerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	return &JobConsumerService{
		consumer:        consumer,
		handler:         handler,
		shutdownTimeout: shutdownTimeout,
		name:            "job-consumer",
	}
}

// Serve implements suture.Service. Backends that started are stopped again
// when another fails, so a restart begins from a clean slate.
func (s *JobConsumerService) Serve(ctx context.Context) error {
	if err := s.consumer.StartConsumer(ctx, s.handler); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = s.consumer.StopConsumer(stopCtx)
		return fmt.Errorf("job consumer start failed: %w", err)
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.consumer.StopConsumer(stopCtx); err != nil {
		return fmt.Errorf("job consumer stop: %w", err)
	}
	return ctx.Err()
}

func (s *JobConsumerService) String() string {
	return s.name
}
