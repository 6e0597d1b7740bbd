// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/pulseline/internal/breaker"
	"github.com/tomtom215/pulseline/internal/errorsink"
	"github.com/tomtom215/pulseline/internal/metrics"
	"github.com/tomtom215/pulseline/internal/models"
)

const maxRetryBackoff = time.Hour

// ManagerConfig tunes failover and retries.
type ManagerConfig struct {
	MaxRetries         int
	RetryBackoff       time.Duration
	BreakerMaxFailures uint32
	BreakerTimeout     time.Duration
}

type managedBackend struct {
	Backend
	cb *gobreaker.CircuitBreaker[struct{}]
}

// Manager fans job-queue operations out over an ordered list of backends.
type Manager struct {
	backends []managedBackend
	cfg      ManagerConfig
	sink     errorsink.Sink
	logger   zerolog.Logger
	now      func() time.Time
}

// NewManager wraps every backend in its own circuit breaker. Order is
// failover order.
func NewManager(backends []Backend, cfg ManagerConfig, sink errorsink.Sink, logger *zerolog.Logger) *Manager {
	if sink == nil {
		sink = errorsink.Nop
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	m := &Manager{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With().Str("component", "jobqueue").Logger(),
		now:    time.Now,
	}
	for _, b := range backends {
		m.backends = append(m.backends, managedBackend{
			Backend: b,
			cb: breaker.New[struct{}](breaker.Config{
				Name:        "jobqueue:" + b.Name(),
				MaxFailures: cfg.BreakerMaxFailures,
				Timeout:     cfg.BreakerTimeout,
			}, logger),
		})
	}
	return m
}

// Backends returns the backend names in failover order.
func (m *Manager) Backends() []string {
	names := make([]string, len(m.backends))
	for i, b := range m.backends {
		names[i] = b.Name()
	}
	return names
}

// Enqueue stores job on the first backend that accepts it. The caller's job
// is not modified.
func (m *Manager) Enqueue(ctx context.Context, job *models.EnqueuedJob) error {
	j := *job
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.RunAt.IsZero() {
		j.RunAt = m.now()
	}

	errs := []error{ErrAllBackendsFailed}
	for _, b := range m.backends {
		_, err := b.cb.Execute(func() (struct{}, error) {
			attempt := j
			return struct{}{}, b.Enqueue(ctx, &attempt)
		})
		metrics.RecordEnqueue(b.Name(), err)
		if err == nil {
			return nil
		}
		m.logger.Warn().Err(err).
			Str("backend", b.Name()).
			Str("job_type", j.Type).
			Msg("enqueue failed, trying next backend")
		errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
	}

	metrics.JobEnqueueAllFailed.Inc()
	m.logger.Error().Str("job_type", j.Type).Int("backends", len(m.backends)).Msg("enqueue failed on every backend")
	return errors.Join(errs...)
}

// StartConsumer starts every backend's consumer with h wrapped in the retry
// policy.
func (m *Manager) StartConsumer(ctx context.Context, h Handler) error {
	wrapped := m.withRetry(h)
	var errs []error
	for _, b := range m.backends {
		if err := b.StartConsumer(ctx, wrapped); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) StopConsumer(ctx context.Context) error {
	var errs []error
	for _, b := range m.backends {
		if err := b.StopConsumer(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) PauseConsumer() {
	for _, b := range m.backends {
		b.PauseConsumer()
	}
}

func (m *Manager) ResumeConsumer() {
	for _, b := range m.backends {
		b.ResumeConsumer()
	}
}

// IsConsumerPaused is true when any backend is paused.
func (m *Manager) IsConsumerPaused() bool {
	for _, b := range m.backends {
		if b.IsConsumerPaused() {
			return true
		}
	}
	return false
}

// withRetry re-enqueues a failed job with exponential backoff until
// MaxRetries, then drops it with an error-sink report. The original job is
// completed either way; it only stays leased when the re-enqueue fails.
func (m *Manager) withRetry(h Handler) Handler {
	return func(ctx context.Context, job *models.EnqueuedJob) error {
		err := h(ctx, job)
		if err == nil {
			metrics.JobsExecuted.WithLabelValues(job.Type, "ok").Inc()
			return nil
		}

		if job.RetriesPerformedSoFar >= m.cfg.MaxRetries {
			metrics.JobsExecuted.WithLabelValues(job.Type, "dropped").Inc()
			m.sink.Capture(ctx, fmt.Errorf("job dropped after %d retries: %w", job.RetriesPerformedSoFar, err), map[string]string{
				"source":           "jobqueue",
				"job_type":         job.Type,
				"job_id":           job.ID,
				"plugin_config_id": strconv.FormatInt(job.PluginConfigID, 10),
			})
			return nil
		}

		next := *job
		next.ID = uuid.NewString()
		next.RetriesPerformedSoFar++
		next.RunAt = m.now().Add(m.backoff(next.RetriesPerformedSoFar))
		if enqErr := m.Enqueue(ctx, &next); enqErr != nil {
			return fmt.Errorf("re-enqueue failed job: %w", errors.Join(err, enqErr))
		}
		metrics.JobsExecuted.WithLabelValues(job.Type, "retry").Inc()
		m.logger.Info().Err(err).
			Str("job_type", job.Type).
			Int("retry", next.RetriesPerformedSoFar).
			Time("run_at", next.RunAt).
			Msg("job failed, retry scheduled")
		return nil
	}
}

// backoff is RetryBackoff * 2^(retry-1), capped at one hour.
func (m *Manager) backoff(retry int) time.Duration {
	d := m.cfg.RetryBackoff
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	return d
}
