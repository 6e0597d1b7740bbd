// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tomtom215/pulseline/internal/config"
	"github.com/tomtom215/pulseline/internal/database"
	"github.com/tomtom215/pulseline/internal/errorsink"
	"github.com/tomtom215/pulseline/internal/jobqueue"
	"github.com/tomtom215/pulseline/internal/lock"
)

// newErrorSink logs every captured error and, when a DSN is configured,
// also reports it to Sentry. The returned func flushes Sentry.
func newErrorSink(cfg config.SentryConfig, logger *zerolog.Logger) (errorsink.Sink, func(), error) {
	logSink := errorsink.NewLogSink(logger)
	if cfg.DSN == "" {
		return logSink, func() {}, nil
	}
	sentrySink, err := errorsink.NewSentrySink(cfg)
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Str("environment", cfg.Environment).Msg("Sentry error reporting enabled")
	return errorsink.Multi{logSink, sentrySink}, func() { sentrySink.Flush(5 * time.Second) }, nil
}

// openStorage returns the configured Persistence. pg is non-nil only for
// the postgres driver and is shared with the postgres job queue.
func openStorage(ctx context.Context, cfg config.StorageConfig) (store database.Persistence, pg *database.PostgresStore, closeFn func(), err error) {
	switch cfg.Driver {
	case "memory":
		return database.NewMemoryStore(), nil, func() {}, nil
	case "postgres":
		pg, err := database.NewPostgresStore(ctx, cfg.PostgresURL, cfg.MaxConns)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, nil, err
		}
		return pg, pg, pg.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("%w: unknown storage driver %q", config.ErrInvalidConfig, cfg.Driver)
	}
}

// newJobManager opens the backends in failover order.
func newJobManager(ctx context.Context, cfg config.JobQueueConfig, pg *database.PostgresStore,
	sink errorsink.Sink, logger *zerolog.Logger) (*jobqueue.Manager, func(), error) {
	opts := jobqueue.Options{
		PollInterval: cfg.PollInterval,
		LeaseTimeout: cfg.LeaseTimeout,
		Concurrency:  cfg.Concurrency,
	}

	var (
		backends []jobqueue.Backend
		closers  []func() error
	)
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn().Err(err).Msg("Error closing job queue backend")
			}
		}
	}

	for _, name := range cfg.Backends {
		switch name {
		case "badger":
			b, err := jobqueue.OpenBadgerBackend(cfg.BadgerPath, opts, logger)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			backends = append(backends, b)
			closers = append(closers, b.Close)
		case "postgres":
			if pg == nil {
				closeAll()
				return nil, nil, fmt.Errorf("%w: postgres job queue requires the postgres storage driver", config.ErrInvalidConfig)
			}
			b := jobqueue.NewPostgresBackend(pg.Pool(), opts, logger)
			if err := b.EnsureSchema(ctx); err != nil {
				closeAll()
				return nil, nil, err
			}
			backends = append(backends, b)
		case "memory":
			backends = append(backends, jobqueue.NewMemoryBackend("memory", opts, logger))
		default:
			closeAll()
			return nil, nil, fmt.Errorf("%w: unknown job queue backend %q", config.ErrInvalidConfig, name)
		}
	}

	m := jobqueue.NewManager(backends, jobqueue.ManagerConfig{
		MaxRetries:         cfg.MaxRetries,
		RetryBackoff:       cfg.RetryBackoff,
		BreakerMaxFailures: cfg.BreakerMaxFailures,
		BreakerTimeout:     cfg.BreakerTimeout,
	}, sink, logger)
	return m, closeAll, nil
}

// newScheduleLocker returns the lock that gates scheduled tasks.
func newScheduleLocker(ctx context.Context, cfg config.SchedulerConfig, rcfg config.RedisConfig,
	logger *zerolog.Logger) (lock.Locker, func(), error) {
	if cfg.LockBackend == "local" {
		return lock.NewLocal(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     rcfg.Addr,
		Password: rcfg.Password,
		DB:       rcfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis %s: %w", rcfg.Addr, err)
	}

	locker, err := lock.NewRedis(client, lock.RedisConfig{
		Key:           cfg.LockKey,
		TTL:           cfg.LockTTL,
		RenewInterval: cfg.LockRenewInterval,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return locker, func() { _ = client.Close() }, nil
}
