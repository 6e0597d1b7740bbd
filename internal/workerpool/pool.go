// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

// Package workerpool runs work units with bounded concurrency and exposes
// how many are pending, which is the backpressure signal for intake.
//
// Submit never blocks: callers that must not outrun the pool watch
// Pending and pause themselves.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tomtom215/pulseline/internal/metrics"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("worker pool is closed")

// Task is one unit of work.
type Task func(ctx context.Context) error

// Handle tracks a submitted task.
type Handle struct {
	done chan struct{}
	err  error
}

// Done is closed when the task settles.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the task's error once Done is closed.
func (h *Handle) Err() error {
	<-h.done
	return h.err
}

// Wait blocks until the task settles or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pool executes at most Concurrency tasks at once.
type Pool struct {
	name    string
	sem     chan struct{}
	pending atomic.Int64
	settled chan struct{}

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a pool. concurrency < 1 is treated as 1.
func New(name string, concurrency int) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		name:    name,
		sem:     make(chan struct{}, concurrency),
		settled: make(chan struct{}, 1),
	}
}

func (p *Pool) Name() string { return p.name }

// Concurrency is the maximum number of tasks running at once.
func (p *Pool) Concurrency() int { return cap(p.sem) }

// Pending counts tasks submitted and not yet settled, running or queued.
func (p *Pool) Pending() int { return int(p.pending.Load()) }

// Settled receives a signal after tasks settle. Signals coalesce, so a
// receiver should re-read Pending rather than count signals.
func (p *Pool) Settled() <-chan struct{} { return p.settled }

// Submit queues task. If ctx ends before a worker slot frees up the task is
// not run and its handle reports ctx.Err().
func (p *Pool) Submit(ctx context.Context, task Task) (*Handle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	h := &Handle{done: make(chan struct{})}
	p.wg.Add(1)
	p.setPending(p.pending.Add(1))

	go func() {
		defer p.wg.Done()
		defer p.settle(h)

		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			h.err = ctx.Err()
			return
		}
		defer func() { <-p.sem }()

		h.err = run(ctx, task)
	}()
	return h, nil
}

func run(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

func (p *Pool) settle(h *Handle) {
	p.setPending(p.pending.Add(-1))
	close(h.done)
	select {
	case p.settled <- struct{}{}:
	default:
	}
}

func (p *Pool) setPending(n int64) {
	metrics.WorkerPoolPending.WithLabelValues(p.name).Set(float64(n))
}

// Close stops accepting tasks and waits for submitted ones to settle or for
// ctx to end.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
