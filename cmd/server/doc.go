// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

/*
Package main is the entry point for the Pulseline ingestion server.

Pulseline consumes raw analytics events from the ingest topic, resolves the
person behind each distinct ID, runs team plugins and emits processed events
and session recordings to the durable event log. A schedule coordinator runs
plugin tasks on one node at a time, and a failover job queue runs background
work such as first-event notifications.

# Application Architecture

	RootSupervisor ("pulseline")
	├── DataSupervisor ("data-layer")
	│   ├── event-store-sink (DuckDB, optional)
	│   └── job-consumer (badger / postgres / memory backends)
	├── MessagingSupervisor ("messaging-layer")
	│   ├── nats-server (embedded, optional)
	│   ├── event-consumer (ingest topic, backpressure)
	│   ├── schedule-coordinator (optional)
	│   └── webhook-dispatcher
	└── APISupervisor ("api-layer")
	    └── http-server (health, readiness, metrics, admin)

Startup order:

 1. Configuration (koanf: defaults, YAML file, environment)
 2. Logging and error reporting (zerolog, Sentry)
 3. Relational storage (Postgres or in-memory)
 4. Event log (embedded NATS, JetStream stream, Watermill publisher)
 5. Event store (DuckDB)
 6. Domain components: plugins, team cache, identity resolver, pipeline,
    worker pools, job queue, schedule lock and coordinator
 7. Supervisor tree, served until SIGINT or SIGTERM

On shutdown the tree stops every producer first; worker pools then drain,
stores close and Sentry is flushed.

# Configuration

Common environment variables:

	HTTP_PORT=8077                 # admin HTTP port
	LOG_LEVEL=info                 # trace, debug, info, warn, error
	LOG_FORMAT=json                # json or console
	STORAGE_DRIVER=postgres        # postgres or memory
	DATABASE_URL=postgres://...
	NATS_URL=nats://127.0.0.1:4222
	NATS_EMBEDDED=true
	DUCKDB_PATH=/data/pulseline.duckdb
	JOB_QUEUES=badger,postgres     # failover order
	SCHEDULER_ENABLED=true
	SCHEDULE_LOCK_BACKEND=redis    # redis or local
	REDIS_ADDR=127.0.0.1:6379
	SENTRY_DSN=

A YAML file at CONFIG_PATH (or ./config.yaml) may set any key; environment
variables win.

# Plugins

Plugins are Go values registered on the plugin registry before the tree
starts. A bare binary runs with no plugins installed.
*/
package main
