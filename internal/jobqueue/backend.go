// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

// Package jobqueue is the durable background job queue. A Manager holds an
// ordered list of backends and fails over between them on enqueue; every
// backend also runs a lease-based consumer that can be paused and resumed.
//
// Delivery is at least once. A job whose handler fails or whose worker dies
// is retried after its lease expires, so handlers must be idempotent.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tomtom215/pulseline/internal/metrics"
	"github.com/tomtom215/pulseline/internal/models"
)

var (
	// ErrAllBackendsFailed is returned by Manager.Enqueue when no backend
	// accepted the job. The individual backend errors are joined to it.
	ErrAllBackendsFailed = errors.New("all job queue backends failed")
	// ErrConsumerRunning is returned by StartConsumer on a running consumer.
	ErrConsumerRunning = errors.New("job consumer already running")
	// ErrUnknownJobType is returned when no handler is registered for a job.
	ErrUnknownJobType = errors.New("unknown job type")
)

// Handler executes one job.
type Handler func(ctx context.Context, job *models.EnqueuedJob) error

// Backend is one durable job store with its consumer.
type Backend interface {
	Name() string
	Enqueue(ctx context.Context, job *models.EnqueuedJob) error
	StartConsumer(ctx context.Context, h Handler) error
	StopConsumer(ctx context.Context) error
	PauseConsumer()
	ResumeConsumer()
	IsConsumerPaused() bool
}

// Options tune a backend's consumer.
type Options struct {
	PollInterval time.Duration
	LeaseTimeout time.Duration
	// Concurrency is the number of jobs leased and run per poll.
	Concurrency int
	Now         func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = time.Minute
	}
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// store is the storage half of a backend. claim leases up to limit due jobs,
// including jobs whose earlier lease has expired; complete removes a job.
type store interface {
	put(ctx context.Context, job *models.EnqueuedJob) error
	claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*models.EnqueuedJob, error)
	complete(ctx context.Context, id string) error
}

// poller is the consumer half shared by every backend.
type poller struct {
	name   string
	st     store
	opts   Options
	logger zerolog.Logger
	paused atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newPoller(name string, st store, opts Options, logger *zerolog.Logger) *poller {
	return &poller{
		name:   name,
		st:     st,
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "jobqueue").Str("backend", name).Logger(),
	}
}

func (p *poller) Name() string { return p.name }

// Enqueue stores job, assigning an ID and run time when missing.
func (p *poller) Enqueue(ctx context.Context, job *models.EnqueuedJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.RunAt.IsZero() {
		job.RunAt = p.opts.Now()
	}
	if err := p.st.put(ctx, job); err != nil {
		return fmt.Errorf("%s enqueue: %w", p.name, err)
	}
	return nil
}

func (p *poller) StartConsumer(ctx context.Context, h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return ErrConsumerRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, h, p.done)

	p.logger.Info().Dur("poll_interval", p.opts.PollInterval).Msg("job consumer started")
	return nil
}

// StopConsumer stops polling and waits for running jobs or ctx.
func (p *poller) StopConsumer(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		p.logger.Info().Msg("job consumer stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *poller) PauseConsumer() {
	if !p.paused.Swap(true) {
		metrics.RecordConsumerPaused(p.name, true)
		p.logger.Info().Msg("job consumer paused")
	}
}

func (p *poller) ResumeConsumer() {
	if p.paused.Swap(false) {
		metrics.RecordConsumerPaused(p.name, false)
		p.logger.Info().Msg("job consumer resumed")
	}
}

func (p *poller) IsConsumerPaused() bool { return p.paused.Load() }

func (p *poller) run(ctx context.Context, h Handler, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		if !p.paused.Load() {
			p.poll(ctx, h)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll leases one batch and runs it to completion. A job whose handler
// fails keeps its lease and becomes claimable again once the lease expires.
func (p *poller) poll(ctx context.Context, h Handler) {
	jobs, err := p.st.claim(ctx, p.opts.Now(), p.opts.LeaseTimeout, p.opts.Concurrency)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn().Err(err).Msg("claim jobs failed")
		}
		return
	}

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job *models.EnqueuedJob) {
			defer wg.Done()
			if err := safeHandle(ctx, h, job); err != nil {
				p.logger.Warn().Err(err).Str("job_id", job.ID).Str("job_type", job.Type).Msg("job failed, lease left to expire")
				return
			}
			if err := p.st.complete(context.WithoutCancel(ctx), job.ID); err != nil {
				p.logger.Error().Err(err).Str("job_id", job.ID).Msg("complete job failed")
			}
		}(job)
	}
	wg.Wait()
}

func safeHandle(ctx context.Context, h Handler, job *models.EnqueuedJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return h(ctx, job)
}
