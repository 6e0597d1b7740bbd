// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package services

import (
	"context"
	"fmt"
	"time"
)

// StartStopper is satisfied by *schedule.Coordinator.
type StartStopper interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ScheduleService runs the schedule coordinator. Stop waits for in-flight
// scheduled tasks, bounded by shutdownTimeout.
type ScheduleService struct {
	coordinator     StartStopper
	shutdownTimeout time.Duration
	name            string
}

// NewScheduleService creates a service that starts coordinator and stops it
// within shutdownTimeout when the supervisor cancels.
func NewScheduleService(coordinator StartStopper, shutdownTimeout time.Duration) *ScheduleService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	return &ScheduleService{
		coordinator:     coordinator,
		shutdownTimeout: shutdownTimeout,
		name:            "schedule-coordinator",
	}
}

// Serve implements suture.Service. A failed Start (schedule could not be
// loaded) is returned so the supervisor retries with backoff.
func (s *ScheduleService) Serve(ctx context.Context) error {
	if err := s.coordinator.Start(ctx); err != nil {
		return fmt.Errorf("schedule coordinator start failed: %w", err)
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.coordinator.Stop(stopCtx); err != nil {
		return fmt.Errorf("schedule coordinator stop: %w", err)
	}
	return ctx.Err()
}

func (s *ScheduleService) String() string {
	return s.name
}
