// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

// Package config loads Pulseline configuration from defaults, an optional
// YAML file and environment variables (in that order of precedence) using
// koanf, then validates the result.
package config

import "time"

// Config is the root configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Storage    StorageConfig    `koanf:"storage"`
	Redis      RedisConfig      `koanf:"redis"`
	NATS       NATSConfig       `koanf:"nats"`
	EventStore EventStoreConfig `koanf:"event_store"`
	JobQueue   JobQueueConfig   `koanf:"job_queue"`
	Ingestion  IngestionConfig  `koanf:"ingestion"`
	Scheduler  SchedulerConfig  `koanf:"scheduler"`
	Webhooks   WebhooksConfig   `koanf:"webhooks"`
	Sentry     SentryConfig     `koanf:"sentry"`
}

// ServerConfig configures the admin HTTP listener (health, metrics, status).
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	AdminRateLimit  int           `koanf:"admin_rate_limit" validate:"min=0"`
	Environment     string        `koanf:"environment" validate:"oneof=development production test"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// StorageConfig selects the relational persistence driver.
type StorageConfig struct {
	Driver      string `koanf:"driver" validate:"oneof=postgres memory"`
	PostgresURL string `koanf:"postgres_url"`
	MaxConns    int32  `koanf:"max_conns" validate:"min=1"`
	// TransactionalMerge runs person merges in a single transaction when the
	// driver supports it.
	TransactionalMerge bool `koanf:"transactional_merge"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db" validate:"min=0"`
}

// NATSConfig configures the durable event log.
type NATSConfig struct {
	URL            string `koanf:"url" validate:"required"`
	EmbeddedServer bool   `koanf:"embedded_server"`
	Host           string `koanf:"host"`
	Port           int    `koanf:"port" validate:"min=0,max=65535"`
	StoreDir       string `koanf:"store_dir"`
	MaxMemory      int64  `koanf:"max_memory" validate:"min=0"`
	MaxStore       int64  `koanf:"max_store" validate:"min=0"`

	StreamName      string        `koanf:"stream_name" validate:"required"`
	DuplicateWindow time.Duration `koanf:"duplicate_window" validate:"gt=0"`
	AckWait         time.Duration `koanf:"ack_wait" validate:"gt=0"`
	MaxDeliver      int           `koanf:"max_deliver" validate:"min=1"`

	EventsTopic           string `koanf:"events_topic" validate:"required"`
	SessionRecordingTopic string `koanf:"session_recording_topic" validate:"required"`
	IngestTopic           string `koanf:"ingest_topic" validate:"required"`
	DurableName           string `koanf:"durable_name" validate:"required"`
	QueueGroup            string `koanf:"queue_group"`
	SubscribersCount      int    `koanf:"subscribers_count" validate:"min=1"`

	BreakerMaxFailures uint32        `koanf:"breaker_max_failures" validate:"min=1"`
	BreakerTimeout     time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

// EventStoreConfig configures the DuckDB sink for emitted events.
type EventStoreConfig struct {
	Enabled       bool          `koanf:"enabled"`
	Path          string        `koanf:"path"`
	FlushInterval time.Duration `koanf:"flush_interval" validate:"gt=0"`
	BatchSize     int           `koanf:"batch_size" validate:"min=1"`
}

// JobQueueConfig lists job-queue backends in failover order.
type JobQueueConfig struct {
	Backends     []string      `koanf:"backends" validate:"min=1,dive,oneof=badger postgres memory"`
	BadgerPath   string        `koanf:"badger_path"`
	PollInterval time.Duration `koanf:"poll_interval" validate:"gt=0"`
	LeaseTimeout time.Duration `koanf:"lease_timeout" validate:"gt=0"`
	MaxRetries   int           `koanf:"max_retries" validate:"min=0"`
	RetryBackoff time.Duration `koanf:"retry_backoff" validate:"gt=0"`
	Concurrency  int           `koanf:"concurrency" validate:"min=1"`

	BreakerMaxFailures uint32        `koanf:"breaker_max_failures" validate:"min=1"`
	BreakerTimeout     time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

// IngestionConfig tunes the event pipeline and worker pool.
type IngestionConfig struct {
	Concurrency       int           `koanf:"concurrency" validate:"min=1"`
	WatchdogThreshold time.Duration `koanf:"watchdog_threshold" validate:"gt=0"`
	TeamCacheTTL      time.Duration `koanf:"team_cache_ttl" validate:"gt=0"`
	MaxEventNameLen   int           `koanf:"max_event_name_len" validate:"min=1"`
}

type SchedulerConfig struct {
	Enabled            bool          `koanf:"enabled"`
	LockBackend        string        `koanf:"lock_backend" validate:"oneof=redis local"`
	LockKey            string        `koanf:"lock_key" validate:"required"`
	LockTTL            time.Duration `koanf:"lock_ttl" validate:"gt=0"`
	LockRenewInterval  time.Duration `koanf:"lock_renew_interval" validate:"gt=0"`
	ReloadMaxAttempts  int           `koanf:"reload_max_attempts" validate:"min=1"`
	ReloadInitialDelay time.Duration `koanf:"reload_initial_delay" validate:"gt=0"`
}

type WebhooksConfig struct {
	Timeout     time.Duration `koanf:"timeout" validate:"gt=0"`
	RatePerSec  float64       `koanf:"rate_per_sec" validate:"gt=0"`
	Burst       int           `koanf:"burst" validate:"min=1"`
	Concurrency int           `koanf:"concurrency" validate:"min=1"`
	QueueSize   int           `koanf:"queue_size" validate:"min=1"`
}

// SentryConfig enables out-of-band error reporting when DSN is set.
type SentryConfig struct {
	DSN         string  `koanf:"dsn"`
	Environment string  `koanf:"environment"`
	SampleRate  float64 `koanf:"sample_rate" validate:"min=0,max=1"`
}
