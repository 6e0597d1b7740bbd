// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

// Package metrics defines the Prometheus instrumentation for ingestion,
// identity resolution, the job queue and the scheduler. Metrics register
// with the default registry at init and are exposed on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulseline_events_processed_total",
			Help: "Events processed by the ingestion pipeline, by outcome",
		},
		[]string{"kind", "outcome"}, // kind: capture, snapshot; outcome: ok, error, dropped
	)

	EventProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulseline_event_stage_duration_seconds",
			Help:    "Duration of each ingestion stage",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"stage"},
	)

	WatchdogWarnings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulseline_watchdog_warnings_total",
			Help: "Stages that ran longer than the soft timeout",
		},
		[]string{"stage"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulseline_log_messages_published_total",
			Help: "Messages appended to the durable event log",
		},
		[]string{"topic", "outcome"},
	)

	// Identity
	IdentityConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulseline_identity_conflicts_total",
			Help: "Uniqueness conflicts observed during identity writes",
		},
		[]string{"operation"},
	)

	PersonsMerged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulseline_persons_merged_total",
			Help: "Persons merged away into a surviving person",
		},
	)

	PersonsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulseline_persons_created_total",
			Help: "Persons created",
		},
	)

	// Team cache
	TeamCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulseline_team_cache_lookups_total",
			Help: "Team cache lookups by result",
		},
		[]string{"result"}, // hit, miss
	)

	TeamVocabularyWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulseline_team_vocabulary_writes_total",
			Help: "Team vocabulary persists triggered by new names",
		},
	)

	// Job queue
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulseline_jobs_enqueued_total",
			Help: "Job enqueue attempts by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)

	JobEnqueueAllFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulseline_jobs_enqueue_all_backends_failed_total",
			Help: "Enqueue calls that failed on every configured backend",
		},
	)

	JobsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulseline_jobs_executed_total",
			Help: "Jobs executed by type and outcome",
		},
		[]string{"type", "outcome"}, // ok, retry, dropped
	)

	JobConsumerPaused = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pulseline_job_consumer_paused",
			Help: "1 when a backend consumer is paused",
		},
		[]string{"backend"},
	)

	// Scheduler
	ScheduleLockHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulseline_schedule_lock_held",
			Help: "1 while this instance holds the schedule lock",
		},
	)

	ScheduledTaskDispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulseline_scheduled_task_dispatches_total",
			Help: "Scheduled task dispatch decisions",
		},
		[]string{"task", "outcome"}, // dispatched, debounced, ok, error
	)

	// Backpressure and pool
	ConsumerPauses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulseline_consumer_pauses_total",
			Help: "Times the ingestion consumer paused for backpressure",
		},
	)

	WorkerPoolPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pulseline_worker_pool_pending",
			Help: "Work units submitted but not yet finished",
		},
		[]string{"pool"},
	)

	// Side effects
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulseline_webhook_deliveries_total",
			Help: "Webhook deliveries by outcome",
		},
		[]string{"outcome"}, // ok, error, dropped, rejected
	)

	PluginInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulseline_plugin_invocations_total",
			Help: "Plugin hook invocations by hook and outcome",
		},
		[]string{"hook", "outcome"},
	)

	ErrorsCaptured = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulseline_errors_captured_total",
			Help: "Errors routed to the error sink",
		},
		[]string{"source"},
	)

	// Admin HTTP
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulseline_admin_requests_total",
			Help: "Admin HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulseline_admin_request_duration_seconds",
			Help:    "Admin HTTP request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulseline_admin_active_requests",
			Help: "Admin HTTP requests in flight",
		},
	)
)

// RecordStage observes one ingestion stage duration.
func RecordStage(stage string, d time.Duration) {
	EventProcessingDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func RecordEvent(kind string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	EventsProcessed.WithLabelValues(kind, outcome).Inc()
}

func RecordEventDropped(kind string) {
	EventsProcessed.WithLabelValues(kind, "dropped").Inc()
}

func RecordPublish(topic string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	EventsPublished.WithLabelValues(topic, outcome).Inc()
}

// RecordEnqueue records one backend attempt.
func RecordEnqueue(backend string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	JobsEnqueued.WithLabelValues(backend, outcome).Inc()
}

func RecordConsumerPaused(backend string, paused bool) {
	v := 0.0
	if paused {
		v = 1
	}
	JobConsumerPaused.WithLabelValues(backend).Set(v)
}

func RecordLockHeld(held bool) {
	if held {
		ScheduleLockHeld.Set(1)
		return
	}
	ScheduleLockHeld.Set(0)
}

func RecordTaskDispatch(task, outcome string) {
	ScheduledTaskDispatches.WithLabelValues(task, outcome).Inc()
}

func RecordPluginInvocation(hook string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	PluginInvocations.WithLabelValues(hook, outcome).Inc()
}

// RecordAPIRequest records one finished admin request.
func RecordAPIRequest(method, route, status string, d time.Duration) {
	APIRequests.WithLabelValues(method, route, status).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func TrackActiveRequest(started bool) {
	if started {
		APIActiveRequests.Inc()
		return
	}
	APIActiveRequests.Dec()
}
