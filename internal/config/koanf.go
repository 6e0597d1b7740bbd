// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/pulseline/config.yaml",
	"/etc/pulseline/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8077,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			AdminRateLimit:  60,
			Environment:     "development",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			Driver:   "postgres",
			MaxConns: 20,
		},
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
		},
		NATS: NATSConfig{
			URL:                   "nats://127.0.0.1:4222",
			EmbeddedServer:        true,
			Host:                  "127.0.0.1",
			Port:                  4222,
			StoreDir:              "/data/nats/jetstream",
			MaxMemory:             1 << 30,
			MaxStore:              10 << 30,
			StreamName:            "PULSELINE",
			DuplicateWindow:       2 * time.Minute,
			AckWait:               30 * time.Second,
			MaxDeliver:            5,
			EventsTopic:           "events",
			SessionRecordingTopic: "session_recording_events",
			IngestTopic:           "events_ingest",
			DurableName:           "pulseline-ingestion",
			QueueGroup:            "ingestion",
			SubscribersCount:      2,
			BreakerMaxFailures:    5,
			BreakerTimeout:        30 * time.Second,
		},
		EventStore: EventStoreConfig{
			Enabled:       true,
			Path:          "/data/pulseline.duckdb",
			FlushInterval: 2 * time.Second,
			BatchSize:     500,
		},
		JobQueue: JobQueueConfig{
			Backends:           []string{"badger", "postgres"},
			BadgerPath:         "/data/jobs",
			PollInterval:       time.Second,
			LeaseTimeout:       5 * time.Minute,
			MaxRetries:         5,
			RetryBackoff:       5 * time.Second,
			Concurrency:        4,
			BreakerMaxFailures: 3,
			BreakerTimeout:     20 * time.Second,
		},
		Ingestion: IngestionConfig{
			Concurrency:       8,
			WatchdogThreshold: 30 * time.Second,
			TeamCacheTTL:      30 * time.Second,
			MaxEventNameLen:   200,
		},
		Scheduler: SchedulerConfig{
			Enabled:            true,
			LockBackend:        "redis",
			LockKey:            "pulseline:schedule-lock",
			LockTTL:            60 * time.Second,
			LockRenewInterval:  20 * time.Second,
			ReloadMaxAttempts:  10,
			ReloadInitialDelay: 500 * time.Millisecond,
		},
		Webhooks: WebhooksConfig{
			Timeout:     10 * time.Second,
			RatePerSec:  5,
			Burst:       10,
			Concurrency: 4,
			QueueSize:   1000,
		},
		Sentry: SentryConfig{
			SampleRate: 1.0,
		},
	}
}

// Load builds the configuration from three layers:
//  1. Built-in defaults
//  2. Optional YAML file (CONFIG_PATH or DefaultConfigPaths)
//  3. Environment variables
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var sliceConfigPaths = []string{
	"job_queue.backends",
}

// processSliceFields splits comma-separated env values into slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok || s == "" {
			continue
		}
		var parts []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

var envMappings = map[string]string{
	"http_host":             "server.host",
	"http_port":             "server.port",
	"http_read_timeout":     "server.read_timeout",
	"http_write_timeout":    "server.write_timeout",
	"http_shutdown_timeout": "server.shutdown_timeout",
	"admin_rate_limit":      "server.admin_rate_limit",
	"environment":           "server.environment",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",

	"storage_driver":      "storage.driver",
	"database_url":        "storage.postgres_url",
	"postgres_max_conns":  "storage.max_conns",
	"transactional_merge": "storage.transactional_merge",

	"redis_addr":     "redis.addr",
	"redis_password": "redis.password",
	"redis_db":       "redis.db",

	"nats_url":                     "nats.url",
	"nats_embedded":                "nats.embedded_server",
	"nats_host":                    "nats.host",
	"nats_port":                    "nats.port",
	"nats_store_dir":               "nats.store_dir",
	"nats_max_memory":              "nats.max_memory",
	"nats_max_store":               "nats.max_store",
	"nats_stream_name":             "nats.stream_name",
	"nats_events_topic":            "nats.events_topic",
	"nats_session_recording_topic": "nats.session_recording_topic",
	"nats_ingest_topic":            "nats.ingest_topic",
	"nats_durable_name":            "nats.durable_name",
	"nats_queue_group":             "nats.queue_group",
	"nats_subscribers":             "nats.subscribers_count",

	"event_store_enabled":        "event_store.enabled",
	"duckdb_path":                "event_store.path",
	"event_store_flush_interval": "event_store.flush_interval",
	"event_store_batch_size":     "event_store.batch_size",

	"job_queues":             "job_queue.backends",
	"job_queue_badger_path":  "job_queue.badger_path",
	"job_queue_poll":         "job_queue.poll_interval",
	"job_queue_lease":        "job_queue.lease_timeout",
	"job_queue_max_retries":  "job_queue.max_retries",
	"job_queue_backoff":      "job_queue.retry_backoff",
	"job_queue_concurrency":  "job_queue.concurrency",
	"job_queue_breaker_fail": "job_queue.breaker_max_failures",

	"worker_concurrency":    "ingestion.concurrency",
	"watchdog_threshold":    "ingestion.watchdog_threshold",
	"team_cache_ttl":        "ingestion.team_cache_ttl",
	"max_event_name_length": "ingestion.max_event_name_len",

	"scheduler_enabled":        "scheduler.enabled",
	"schedule_lock_backend":    "scheduler.lock_backend",
	"schedule_lock_key":        "scheduler.lock_key",
	"schedule_lock_ttl":        "scheduler.lock_ttl",
	"schedule_lock_renew":      "scheduler.lock_renew_interval",
	"schedule_reload_attempts": "scheduler.reload_max_attempts",

	"webhook_timeout":     "webhooks.timeout",
	"webhook_rate":        "webhooks.rate_per_sec",
	"webhook_burst":       "webhooks.burst",
	"webhook_concurrency": "webhooks.concurrency",

	"sentry_dsn":         "sentry.dsn",
	"sentry_environment": "sentry.environment",
	"sentry_sample_rate": "sentry.sample_rate",
}

// envTransformFunc maps known environment variables to koanf paths and
// drops everything else, so unrelated variables never leak into config.
//
//	DATABASE_URL -> storage.postgres_url
//	JOB_QUEUES   -> job_queue.backends
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
