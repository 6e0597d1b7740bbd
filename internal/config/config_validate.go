// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package config

import (
	"errors"
	"fmt"
	"slices"

	"github.com/tomtom215/pulseline/internal/logging"
	"github.com/tomtom215/pulseline/internal/validation"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Validate checks struct tags first, then cross-field rules.
func (c *Config) Validate() error {
	if verr := validation.ValidateStruct(c); verr != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, verr.Error())
	}

	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.Logging.Level)
	}

	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateJobQueue(); err != nil {
		return err
	}
	if err := c.validateScheduler(); err != nil {
		return err
	}

	if c.EventStore.Enabled && c.EventStore.Path == "" {
		return fmt.Errorf("%w: event_store.path is required when the event store is enabled", ErrInvalidConfig)
	}
	if c.NATS.EmbeddedServer && c.NATS.StoreDir == "" {
		return fmt.Errorf("%w: nats.store_dir is required for the embedded server", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) validateStorage() error {
	if c.Storage.Driver == "postgres" && c.Storage.PostgresURL == "" {
		return fmt.Errorf("%w: storage.postgres_url is required for the postgres driver", ErrInvalidConfig)
	}
	if c.Server.Environment == "production" && c.Storage.Driver == "memory" {
		return fmt.Errorf("%w: the memory storage driver is not allowed in production", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) validateJobQueue() error {
	seen := make(map[string]bool, len(c.JobQueue.Backends))
	for _, b := range c.JobQueue.Backends {
		if seen[b] {
			return fmt.Errorf("%w: job queue backend %q listed twice", ErrInvalidConfig, b)
		}
		seen[b] = true
	}
	if seen["postgres"] && c.Storage.Driver != "postgres" {
		return fmt.Errorf("%w: the postgres job queue requires the postgres storage driver", ErrInvalidConfig)
	}
	if seen["badger"] && c.JobQueue.BadgerPath == "" {
		return fmt.Errorf("%w: job_queue.badger_path is required for the badger backend", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) validateScheduler() error {
	if !c.Scheduler.Enabled {
		return nil
	}
	if c.Scheduler.LockRenewInterval >= c.Scheduler.LockTTL {
		return fmt.Errorf("%w: scheduler.lock_renew_interval must be shorter than scheduler.lock_ttl", ErrInvalidConfig)
	}
	if c.Scheduler.LockBackend == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("%w: redis.addr is required for the redis schedule lock", ErrInvalidConfig)
	}
	return nil
}

// HasBackend reports whether the named job-queue backend is configured.
func (c *JobQueueConfig) HasBackend(name string) bool {
	return slices.Contains(c.Backends, name)
}
