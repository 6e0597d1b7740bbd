// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/tomtom215/pulseline/internal/logging"
	"github.com/tomtom215/pulseline/internal/schedule"
)

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SchedulerStatus is implemented by *schedule.Coordinator.
type SchedulerStatus interface {
	State() schedule.State
	InFlight() int
}

// ConsumerStatus is implemented by *consumer.BackpressureConsumer.
type ConsumerStatus interface {
	Paused() bool
	Threshold() int
}

// JobQueueControl is implemented by *jobqueue.Manager.
type JobQueueControl interface {
	Backends() []string
	PauseConsumer()
	ResumeConsumer()
	IsConsumerPaused() bool
}

// PoolStatus is implemented by *workerpool.Pool.
type PoolStatus interface {
	Name() string
	Pending() int
	Concurrency() int
}

// Deps are the components the admin endpoints report on. Any may be nil.
type Deps struct {
	Storage   Pinger
	Scheduler SchedulerStatus
	Consumer  ConsumerStatus
	JobQueue  JobQueueControl
	Pools     []PoolStatus
	Webhooks  interface{ Pending() int }
}

// Handler serves the admin endpoints.
type Handler struct {
	deps        Deps
	startTime   time.Time
	pingTimeout time.Duration
	version     string
	environment string
}

// NewHandler creates the admin handlers over deps.
func NewHandler(deps Deps, version, environment string) *Handler {
	return &Handler{
		deps:        deps,
		startTime:   time.Now(),
		pingTimeout: 2 * time.Second,
		version:     version,
		environment: environment,
	}
}

// HealthLive reports that the process is serving HTTP.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]any{
		"status": "alive",
		"uptime": time.Since(h.startTime).Seconds(),
	})
}

// ReadyStatus is the readiness probe body.
type ReadyStatus struct {
	Ready          bool   `json:"ready"`
	Storage        string `json:"storage"`
	Scheduler      string `json:"scheduler,omitempty"`
	ConsumerPaused bool   `json:"consumer_paused"`
}

// HealthReady is ready when storage answers and a configured scheduler is
// running. A paused consumer is reported but does not fail readiness.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	status := ReadyStatus{Ready: true, Storage: "ok"}

	if h.deps.Storage != nil {
		ctx, cancel := context.WithTimeout(r.Context(), h.pingTimeout)
		err := h.deps.Storage.Ping(ctx)
		cancel()
		if err != nil {
			logging.Ctx(r.Context()).Warn().Err(err).Msg("readiness: storage ping failed")
			status.Ready = false
			status.Storage = "unavailable"
		}
	}
	if h.deps.Scheduler != nil {
		state := h.deps.Scheduler.State()
		status.Scheduler = state.String()
		if state == schedule.StateStopped || state == schedule.StateStopping {
			status.Ready = false
		}
	}
	if h.deps.Consumer != nil {
		status.ConsumerPaused = h.deps.Consumer.Paused()
	}

	code := http.StatusOK
	if !status.Ready {
		code = http.StatusServiceUnavailable
	}
	NewResponseWriter(w, r).Status(code, status)
}

// JobQueueState is returned by the pause and resume endpoints.
type JobQueueState struct {
	Backends []string `json:"backends"`
	Paused   bool     `json:"paused"`
}

func (h *Handler) jobQueueState() JobQueueState {
	return JobQueueState{
		Backends: h.deps.JobQueue.Backends(),
		Paused:   h.deps.JobQueue.IsConsumerPaused(),
	}
}

// PauseJobQueue stops job consumption on every backend.
func (h *Handler) PauseJobQueue(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.deps.JobQueue == nil {
		rw.Error(http.StatusNotFound, ErrCodeNotConfigured, "job queue is not configured")
		return
	}
	h.deps.JobQueue.PauseConsumer()
	logging.Ctx(r.Context()).Info().Msg("job queue consumers paused by operator")
	rw.Success(h.jobQueueState())
}

// ResumeJobQueue restarts job consumption on every backend.
func (h *Handler) ResumeJobQueue(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.deps.JobQueue == nil {
		rw.Error(http.StatusNotFound, ErrCodeNotConfigured, "job queue is not configured")
		return
	}
	h.deps.JobQueue.ResumeConsumer()
	logging.Ctx(r.Context()).Info().Msg("job queue consumers resumed by operator")
	rw.Success(h.jobQueueState())
}

// PoolInfo describes one worker pool.
type PoolInfo struct {
	Pending     int `json:"pending"`
	Concurrency int `json:"concurrency"`
}

// Status is the operator overview.
type Status struct {
	Version     string              `json:"version"`
	Environment string              `json:"environment"`
	Uptime      float64             `json:"uptime_seconds"`
	Scheduler   *SchedulerInfo      `json:"scheduler,omitempty"`
	Consumer    *ConsumerInfo       `json:"consumer,omitempty"`
	JobQueue    *JobQueueState      `json:"job_queue,omitempty"`
	Pools       map[string]PoolInfo `json:"pools,omitempty"`
	Webhooks    *int                `json:"webhooks_pending,omitempty"`
}

type SchedulerInfo struct {
	State    string `json:"state"`
	InFlight int    `json:"in_flight"`
}

type ConsumerInfo struct {
	Paused    bool `json:"paused"`
	Threshold int  `json:"threshold"`
}

// AdminStatus reports scheduler, consumer, job queue and pool state.
func (h *Handler) AdminStatus(w http.ResponseWriter, r *http.Request) {
	s := Status{
		Version:     h.version,
		Environment: h.environment,
		Uptime:      time.Since(h.startTime).Seconds(),
	}
	if h.deps.Scheduler != nil {
		s.Scheduler = &SchedulerInfo{State: h.deps.Scheduler.State().String(), InFlight: h.deps.Scheduler.InFlight()}
	}
	if h.deps.Consumer != nil {
		s.Consumer = &ConsumerInfo{Paused: h.deps.Consumer.Paused(), Threshold: h.deps.Consumer.Threshold()}
	}
	if h.deps.JobQueue != nil {
		jq := h.jobQueueState()
		s.JobQueue = &jq
	}
	if len(h.deps.Pools) > 0 {
		s.Pools = make(map[string]PoolInfo, len(h.deps.Pools))
		for _, p := range h.deps.Pools {
			s.Pools[p.Name()] = PoolInfo{Pending: p.Pending(), Concurrency: p.Concurrency()}
		}
	}
	if h.deps.Webhooks != nil {
		n := h.deps.Webhooks.Pending()
		s.Webhooks = &n
	}
	NewResponseWriter(w, r).Success(s)
}
