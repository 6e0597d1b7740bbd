// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

/*
Package supervisor runs Pulseline's long-lived components under a suture v4
tree with automatic restart and failure isolation.

	RootSupervisor ("pulseline")
	├── DataSupervisor ("data-layer")
	│   ├── EventStoreSinkService (if event_store.enabled)
	│   └── JobConsumerService
	├── MessagingSupervisor ("messaging-layer")
	│   ├── NATSServerService (if nats.embedded_server)
	│   ├── ConsumerService
	│   ├── ScheduleService (if scheduler.enabled)
	│   └── WebhookDispatcherService
	└── APISupervisor ("api-layer")
	    └── HTTPServerService

Supervisor events (start, stop, failure, backoff) are logged through
sutureslog, which cmd/server points at the zerolog slog adapter.

# Restart Policy

A service that returns an error is restarted. Each failure increments a
counter that decays over FailureDecay seconds; past FailureThreshold the
supervisor waits FailureBackoff before the next restart. Returning
suture.ErrDoNotRestart or suture.ErrTerminateSupervisorTree ends the service
or the whole tree.

# Shutdown

Canceling the Serve context stops every service. Services get
ShutdownTimeout to return; UnstoppedServiceReport names the ones that did
not. Worker pools and stores are closed by cmd/server after the tree
returns, so in-flight work drains after its producers have stopped.
*/
package supervisor
