// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

/*
Package services adapts Pulseline components to suture.Service.

Three lifecycle shapes are translated into Serve(ctx) error:

	Run(ctx) error                    RunnerService (consumer, sink, webhooks)
	Start(ctx) / Stop(ctx)            ScheduleService, JobConsumerService
	ListenAndServe / Shutdown(ctx)    HTTPServerService

Return values follow suture's contract: ctx.Err() after a requested
shutdown, a wrapped error to be restarted, suture.ErrTerminateSupervisorTree
when the process cannot continue. Every service implements fmt.Stringer so
supervisor logs name it.
*/
package services
