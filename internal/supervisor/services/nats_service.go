// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package services

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"
)

// EmbeddedBroker is satisfied by *eventlog.EmbeddedServer.
type EmbeddedBroker interface {
	IsRunning() bool
	Shutdown(ctx context.Context) error
}

// NATSServerService owns the lifecycle of an embedded NATS server that was
// started before the tree, since publishers need its URL at construction.
// The broker cannot be restarted in place, so if it stops unexpectedly the
// whole tree terminates.
type NATSServerService struct {
	broker          EmbeddedBroker
	checkInterval   time.Duration
	shutdownTimeout time.Duration
	name            string
}

// NewNATSServerService creates a service that watches an embedded broker
// and shuts it down on cancel.
func NewNATSServerService(broker EmbeddedBroker, shutdownTimeout time.Duration) *NATSServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	return &NATSServerService{
		broker:          broker,
		checkInterval:   5 * time.Second,
		shutdownTimeout: shutdownTimeout,
		name:            "nats-server",
	}
}

// Serve implements suture.Service.
func (s *NATSServerService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
			defer cancel()
			if err := s.broker.Shutdown(shutdownCtx); err != nil {
				return err
			}
			return ctx.Err()
		case <-ticker.C:
			if !s.broker.IsRunning() {
				return suture.ErrTerminateSupervisorTree
			}
		}
	}
}

func (s *NATSServerService) String() string {
	return s.name
}
