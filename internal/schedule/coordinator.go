// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

// Package schedule dispatches the periodic plugin tasks (every minute, hour
// and day). Only the node holding the schedule lock dispatches, and a task
// that is still running for a plugin config is not started again until it
// settles.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/pulseline/internal/errorsink"
	"github.com/tomtom215/pulseline/internal/lock"
	"github.com/tomtom215/pulseline/internal/metrics"
	"github.com/tomtom215/pulseline/internal/plugins"
	"github.com/tomtom215/pulseline/internal/workerpool"
)

var (
	// ErrScheduleUnavailable is returned when the schedule could not be
	// loaded within the configured attempts.
	ErrScheduleUnavailable = errors.New("plugin schedule unavailable")
	// ErrAlreadyStarted is returned by Start on a running coordinator.
	ErrAlreadyStarted = errors.New("schedule coordinator already started")
	// ErrStoppedDuringStart is returned by Start when Stop ran while the
	// schedule was loading. Nothing was started.
	ErrStoppedDuringStart = errors.New("schedule coordinator stopped during start")
)

// State is the coordinator lifecycle state.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunningLockHeld
	StateRunningLockLost
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunningLockHeld:
		return "running_lock_held"
	case StateRunningLockLost:
		return "running_lock_lost"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Triggers maps each task name to its period.
var Triggers = map[string]time.Duration{
	plugins.TaskRunEveryMinute: time.Minute,
	plugins.TaskRunEveryHour:   time.Hour,
	plugins.TaskRunEveryDay:    24 * time.Hour,
}

// Source provides task name -> plugin config IDs.
type Source interface {
	Schedule(ctx context.Context) (map[string][]int64, error)
}

// TaskRunner runs one scheduled task of one plugin config.
type TaskRunner interface {
	RunTask(ctx context.Context, taskName string, pluginConfigID int64) error
}

// Clock drives the triggers.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Config bounds schedule reload retries.
type Config struct {
	ReloadMaxAttempts  int
	ReloadInitialDelay time.Duration
}

type taskKey struct {
	task           string
	pluginConfigID int64
}

// Coordinator owns the triggers, the lock flags and the in-flight table.
type Coordinator struct {
	source Source
	runner TaskRunner
	locker lock.Locker
	pool   *workerpool.Pool
	sink   errorsink.Sink
	clock  Clock
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	stopped  bool
	haveLock bool
	schedule map[string][]int64
	inFlight map[taskKey]*workerpool.Handle
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// NewCoordinator creates a stopped coordinator. A nil sink discards task
// errors.
func NewCoordinator(source Source, runner TaskRunner, locker lock.Locker, pool *workerpool.Pool,
	sink errorsink.Sink, cfg Config, logger *zerolog.Logger, opts ...Option) *Coordinator {
	if sink == nil {
		sink = errorsink.Nop
	}
	if cfg.ReloadMaxAttempts < 1 {
		cfg.ReloadMaxAttempts = 1
	}
	if cfg.ReloadInitialDelay <= 0 {
		cfg.ReloadInitialDelay = time.Second
	}
	c := &Coordinator{
		source:   source,
		runner:   runner,
		locker:   locker,
		pool:     pool,
		sink:     sink,
		clock:    realClock{},
		cfg:      cfg,
		logger:   logger.With().Str("component", "schedule").Logger(),
		stopped:  true,
		inFlight: make(map[taskKey]*workerpool.Handle),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// InFlight is the number of dispatched tasks that have not settled.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight)
}

// Start loads the schedule, begins lock acquisition and registers the
// triggers.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateStopped {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.state = StateStarting
	c.stopped = false
	c.mu.Unlock()

	if err := c.ReloadSchedule(ctx); err != nil {
		c.mu.Lock()
		c.state = StateStopped
		c.stopped = true
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStoppedDuringStart
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.state = StateRunningLockLost
	// Registered under mu so a concurrent Stop either sees stopped first
	// or cancels and waits for these goroutines.
	c.wg.Add(1 + len(Triggers))
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		if err := c.locker.Run(runCtx, lock.Callbacks{
			OnAcquired: c.onLockAcquired,
			OnLost:     c.onLockLost,
		}); err != nil {
			c.logger.Error().Err(err).Msg("schedule lock loop exited")
		}
	}()

	for task, every := range Triggers {
		go func(task string, every time.Duration) {
			defer c.wg.Done()
			c.trigger(runCtx, task, every)
		}(task, every)
	}

	c.logger.Info().Msg("schedule coordinator started")
	return nil
}

func (c *Coordinator) onLockAcquired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.haveLock = true
	if c.state == StateRunningLockLost {
		c.state = StateRunningLockHeld
	}
}

func (c *Coordinator) onLockLost() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.haveLock = false
	if c.state == StateRunningLockHeld {
		c.state = StateRunningLockLost
	}
}

// trigger fires task at every period boundary until ctx ends.
func (c *Coordinator) trigger(ctx context.Context, task string, every time.Duration) {
	for {
		now := c.clock.Now()
		next := now.Truncate(every).Add(every)
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(next.Sub(now)):
		}
		c.fire(ctx, task)
	}
}

func (c *Coordinator) fire(ctx context.Context, task string) {
	c.mu.Lock()
	ready := !c.stopped && c.haveLock && c.schedule != nil
	c.mu.Unlock()
	if !ready {
		metrics.RecordTaskDispatch(task, "skipped")
		return
	}
	c.RunTasksDebounced(ctx, task)
}

// RunTasksDebounced dispatches taskName for every plugin config that has it,
// skipping configs whose previous run has not settled.
func (c *Coordinator) RunTasksDebounced(ctx context.Context, taskName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}

	for _, id := range c.schedule[taskName] {
		key := taskKey{task: taskName, pluginConfigID: id}
		if _, running := c.inFlight[key]; running {
			metrics.RecordTaskDispatch(taskName, "debounced")
			c.logger.Debug().Str("task", taskName).Int64("plugin_config_id", id).Msg("task still running, skipped")
			continue
		}

		id := id
		h, err := c.pool.Submit(context.WithoutCancel(ctx), func(ctx context.Context) error {
			return c.runner.RunTask(ctx, taskName, id)
		})
		if err != nil {
			metrics.RecordTaskDispatch(taskName, "rejected")
			c.logger.Warn().Err(err).Str("task", taskName).Int64("plugin_config_id", id).Msg("task not dispatched")
			continue
		}
		c.inFlight[key] = h
		metrics.RecordTaskDispatch(taskName, "dispatched")
		go c.settle(ctx, key, h)
	}
}

// settle clears the in-flight entry whatever the outcome.
func (c *Coordinator) settle(ctx context.Context, key taskKey, h *workerpool.Handle) {
	err := h.Err()

	c.mu.Lock()
	if c.inFlight[key] == h {
		delete(c.inFlight, key)
	}
	c.mu.Unlock()

	if err != nil {
		metrics.RecordTaskDispatch(key.task, "failed")
		c.sink.Capture(ctx, fmt.Errorf("scheduled task %s: %w", key.task, err), map[string]string{
			"source":           "schedule",
			"task":             key.task,
			"plugin_config_id": strconv.FormatInt(key.pluginConfigID, 10),
		})
	}
}

// ReloadSchedule fetches the schedule with bounded exponential backoff.
func (c *Coordinator) ReloadSchedule(ctx context.Context) error {
	delay := c.cfg.ReloadInitialDelay
	var lastErr error
	for attempt := 1; attempt <= c.cfg.ReloadMaxAttempts; attempt++ {
		s, err := c.source.Schedule(ctx)
		if err == nil {
			c.mu.Lock()
			c.schedule = s
			c.mu.Unlock()
			c.logger.Info().Int("tasks", len(s)).Msg("schedule loaded")
			return nil
		}
		lastErr = err
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("schedule load failed")
		if attempt == c.cfg.ReloadMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrScheduleUnavailable, ctx.Err())
		case <-c.clock.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrScheduleUnavailable, c.cfg.ReloadMaxAttempts, lastErr)
}

// Stop cancels the triggers, releases the lock and waits for every in-flight
// task. Only ctx bounds the wait.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.state = StateStopping
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	if err := c.locker.Release(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("release schedule lock failed")
	}

	c.mu.Lock()
	c.haveLock = false
	handles := make([]*workerpool.Handle, 0, len(c.inFlight))
	for _, h := range c.inFlight {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.state = StateStopped
		c.mu.Unlock()
	}()

	for _, h := range handles {
		if err := h.Wait(ctx); err != nil && ctx.Err() != nil {
			return fmt.Errorf("drain scheduled tasks: %w", ctx.Err())
		}
	}
	c.logger.Info().Int("drained", len(handles)).Msg("schedule coordinator stopped")
	return nil
}
