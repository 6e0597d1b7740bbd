// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validMemoryConfig() *Config {
	cfg := defaultConfig()
	cfg.Storage.Driver = "memory"
	cfg.JobQueue.Backends = []string{"badger", "memory"}
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()

	if cfg.Ingestion.TeamCacheTTL != 30*time.Second {
		t.Errorf("TeamCacheTTL = %v, want 30s", cfg.Ingestion.TeamCacheTTL)
	}
	if len(cfg.JobQueue.Backends) != 2 || cfg.JobQueue.Backends[0] != "badger" {
		t.Errorf("Backends = %v, want [badger postgres]", cfg.JobQueue.Backends)
	}
	if cfg.Scheduler.LockKey != "pulseline:schedule-lock" {
		t.Errorf("LockKey = %q", cfg.Scheduler.LockKey)
	}
	if cfg.NATS.EventsTopic != "events" {
		t.Errorf("EventsTopic = %q, want events", cfg.NATS.EventsTopic)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"memory defaults", func(*Config) {}, false},
		{"postgres without url", func(c *Config) { c.Storage.Driver = "postgres" }, true},
		{"postgres with url", func(c *Config) {
			c.Storage.Driver = "postgres"
			c.Storage.PostgresURL = "postgres://localhost/pulseline"
		}, false},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mysql" }, true},
		{"unknown backend", func(c *Config) { c.JobQueue.Backends = []string{"sqs"} }, true},
		{"no backends", func(c *Config) { c.JobQueue.Backends = nil }, true},
		{"duplicate backend", func(c *Config) { c.JobQueue.Backends = []string{"memory", "memory"} }, true},
		{"postgres queue on memory storage", func(c *Config) { c.JobQueue.Backends = []string{"postgres"} }, true},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"renew longer than ttl", func(c *Config) { c.Scheduler.LockRenewInterval = 2 * time.Minute }, true},
		{"renew ignored when scheduler disabled", func(c *Config) {
			c.Scheduler.Enabled = false
			c.Scheduler.LockRenewInterval = 2 * time.Minute
		}, false},
		{"memory in production", func(c *Config) { c.Server.Environment = "production" }, true},
		{"sample rate out of range", func(c *Config) { c.Sentry.SampleRate = 2 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validMemoryConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("JOB_QUEUES", "memory, badger")
	t.Setenv("TEAM_CACHE_TTL", "45s")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("UNRELATED_VARIABLE", "ignored")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Storage.Driver != "memory" {
		t.Errorf("Driver = %q, want memory", cfg.Storage.Driver)
	}
	if len(cfg.JobQueue.Backends) != 2 || cfg.JobQueue.Backends[0] != "memory" || cfg.JobQueue.Backends[1] != "badger" {
		t.Errorf("Backends = %v, want [memory badger]", cfg.JobQueue.Backends)
	}
	if cfg.Ingestion.TeamCacheTTL != 45*time.Second {
		t.Errorf("TeamCacheTTL = %v, want 45s", cfg.Ingestion.TeamCacheTTL)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
storage:
  driver: memory
job_queue:
  backends: [memory]
scheduler:
  lock_backend: local
ingestion:
  concurrency: 3
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("WORKER_CONCURRENCY", "6")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Scheduler.LockBackend != "local" {
		t.Errorf("LockBackend = %q, want local", cfg.Scheduler.LockBackend)
	}
	if cfg.Ingestion.Concurrency != 6 {
		t.Errorf("env should override file: Concurrency = %d, want 6", cfg.Ingestion.Concurrency)
	}
	if !cfg.JobQueue.HasBackend("memory") || cfg.JobQueue.HasBackend("badger") {
		t.Errorf("Backends = %v, want [memory]", cfg.JobQueue.Backends)
	}
}

func TestEnvTransformFunc(t *testing.T) {
	t.Parallel()

	if got := envTransformFunc("DATABASE_URL"); got != "storage.postgres_url" {
		t.Errorf("DATABASE_URL -> %q", got)
	}
	if got := envTransformFunc("PATH"); got != "" {
		t.Errorf("PATH should be dropped, got %q", got)
	}
}
