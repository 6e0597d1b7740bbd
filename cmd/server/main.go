// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/pulseline/internal/api"
	"github.com/tomtom215/pulseline/internal/breaker"
	"github.com/tomtom215/pulseline/internal/cache"
	"github.com/tomtom215/pulseline/internal/config"
	"github.com/tomtom215/pulseline/internal/consumer"
	"github.com/tomtom215/pulseline/internal/eventlog"
	"github.com/tomtom215/pulseline/internal/identity"
	"github.com/tomtom215/pulseline/internal/ingestion"
	"github.com/tomtom215/pulseline/internal/jobqueue"
	"github.com/tomtom215/pulseline/internal/logging"
	"github.com/tomtom215/pulseline/internal/models"
	"github.com/tomtom215/pulseline/internal/plugins"
	"github.com/tomtom215/pulseline/internal/schedule"
	"github.com/tomtom215/pulseline/internal/supervisor"
	"github.com/tomtom215/pulseline/internal/supervisor/services"
	"github.com/tomtom215/pulseline/internal/teams"
	"github.com/tomtom215/pulseline/internal/webhooks"
	"github.com/tomtom215/pulseline/internal/workerpool"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})
	logger := logging.Logger()

	logger.Info().
		Str("version", version).
		Str("environment", cfg.Server.Environment).
		Str("storage", cfg.Storage.Driver).
		Strs("job_queues", cfg.JobQueue.Backends).
		Bool("scheduler", cfg.Scheduler.Enabled).
		Msg("Starting Pulseline")

	if err := run(cfg, &logger); err != nil {
		logger.Error().Err(err).Msg("Pulseline stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("Application stopped gracefully")
}

//nolint:gocyclo // sequential setup steps
func run(cfg *config.Config, logger *zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errSink, flushSink, err := newErrorSink(cfg.Sentry, logger)
	if err != nil {
		return err
	}
	defer flushSink()

	store, pg, closeStore, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()
	logger.Info().Str("driver", cfg.Storage.Driver).Msg("Storage initialized")

	// === EVENT LOG ===

	var embedded *eventlog.EmbeddedServer
	if cfg.NATS.EmbeddedServer {
		embedded, err = eventlog.NewEmbeddedServer(cfg.NATS)
		if err != nil {
			return err
		}
		defer func() {
			if embedded.IsRunning() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				_ = embedded.Shutdown(shutdownCtx)
			}
		}()
		cfg.NATS.URL = embedded.ClientURL()
		logger.Info().Str("url", cfg.NATS.URL).Msg("Embedded NATS server started")
	}

	if err := eventlog.EnsureStream(ctx, cfg.NATS); err != nil {
		return err
	}

	wmLogger := eventlog.NewWatermillLogger(logger)
	natsPub, err := eventlog.NewNATSPublisher(cfg.NATS, wmLogger)
	if err != nil {
		return err
	}
	publisher := eventlog.NewPublisher(natsPub, breaker.Config{
		Name:        "event-log",
		MaxFailures: cfg.NATS.BreakerMaxFailures,
		Timeout:     cfg.NATS.BreakerTimeout,
	}, logger)
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn().Err(err).Msg("Error closing event log publisher")
		}
	}()

	ingestSub, err := eventlog.NewNATSSubscriber(cfg.NATS, cfg.NATS.DurableName, wmLogger)
	if err != nil {
		return err
	}
	defer ingestSub.Close()

	// === EVENT STORE ===

	var eventSink *eventlog.Sink
	if cfg.EventStore.Enabled {
		eventStore, err := eventlog.OpenEventStore(ctx, cfg.EventStore.Path)
		if err != nil {
			return err
		}
		defer eventStore.Close()

		sinkSub, err := eventlog.NewNATSSubscriber(cfg.NATS, cfg.NATS.DurableName+"-event-store", wmLogger)
		if err != nil {
			return err
		}
		defer sinkSub.Close()

		eventSink = eventlog.NewSink(sinkSub, eventStore, eventlog.SinkConfig{
			EventsTopic:           cfg.NATS.EventsTopic,
			SessionRecordingTopic: cfg.NATS.SessionRecordingTopic,
			BatchSize:             cfg.EventStore.BatchSize,
			FlushInterval:         cfg.EventStore.FlushInterval,
		}, logger)
		logger.Info().Str("path", cfg.EventStore.Path).Msg("DuckDB event store opened")
	}

	// === DOMAIN ===

	pluginRegistry := plugins.NewRegistry()
	pluginRunner := plugins.NewRunner(pluginRegistry, errSink, logger)
	teamCache := teams.NewMetadataCache(store, cfg.Ingestion.TeamCacheTTL, cache.SystemClock, logger)
	resolver := identity.NewResolver(store, identity.Config{TransactionalMerge: cfg.Storage.TransactionalMerge}, logger)
	dispatcher := webhooks.NewDispatcher(cfg.Webhooks, errSink, logger)

	jobs, closeJobs, err := newJobManager(ctx, cfg.JobQueue, pg, errSink, logger)
	if err != nil {
		return err
	}
	defer closeJobs()

	jobHandlers := jobqueue.NewRegistry()
	jobHandlers.Handle(models.JobTypePluginJob, jobqueue.PluginJobHandler(pluginRegistry))
	jobHandlers.Handle(models.JobTypeFirstTeamEventIngested, jobqueue.FirstTeamEventHandler(teamCache, dispatcher))

	ingestPool := workerpool.New("ingestion", cfg.Ingestion.Concurrency)
	onEventPool := workerpool.New("plugin-on-event", cfg.Ingestion.Concurrency)
	schedulePool := workerpool.New("schedule", cfg.Ingestion.Concurrency)
	pools := []*workerpool.Pool{ingestPool, onEventPool, schedulePool}

	pipeline := ingestion.NewPipeline(ingestion.Config{
		EventsTopic:           cfg.NATS.EventsTopic,
		SessionRecordingTopic: cfg.NATS.SessionRecordingTopic,
		WatchdogThreshold:     cfg.Ingestion.WatchdogThreshold,
		MaxEventNameLen:       cfg.Ingestion.MaxEventNameLen,
	}, resolver, teamCache, publisher, logger,
		ingestion.WithJobs(jobs),
		ingestion.WithWebhooks(dispatcher),
		ingestion.WithPlugins(pluginRunner, onEventPool),
		ingestion.WithErrorSink(errSink),
	)
	eventConsumer := consumer.New(ingestSub, cfg.NATS.IngestTopic, ingestPool, pipeline.Processor(), logger)

	var coordinator *schedule.Coordinator
	if cfg.Scheduler.Enabled {
		locker, closeLocker, err := newScheduleLocker(ctx, cfg.Scheduler, cfg.Redis, logger)
		if err != nil {
			return err
		}
		defer closeLocker()
		coordinator = schedule.NewCoordinator(pluginRegistry, pluginRegistry, locker, schedulePool, errSink, schedule.Config{
			ReloadMaxAttempts:  cfg.Scheduler.ReloadMaxAttempts,
			ReloadInitialDelay: cfg.Scheduler.ReloadInitialDelay,
		}, logger)
	}

	// === ADMIN HTTP ===

	deps := api.Deps{
		Storage:  store,
		Consumer: eventConsumer,
		JobQueue: jobs,
		Webhooks: dispatcher,
	}
	for _, p := range pools {
		deps.Pools = append(deps.Pools, p)
	}
	if coordinator != nil {
		deps.Scheduler = coordinator
	}
	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      api.NewRouter(api.NewHandler(deps, version, cfg.Server.Environment), api.RouterConfig{AdminRateLimit: cfg.Server.AdminRateLimit}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// === SUPERVISOR TREE ===

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		return err
	}

	timeout := cfg.Server.ShutdownTimeout
	if eventSink != nil {
		tree.AddDataService(services.NewEventStoreSinkService(eventSink))
	}
	tree.AddDataService(services.NewJobConsumerService(jobs, jobHandlers.Dispatch, timeout))

	if embedded != nil {
		tree.AddMessagingService(services.NewNATSServerService(embedded, timeout))
	}
	tree.AddMessagingService(services.NewConsumerService(eventConsumer))
	if coordinator != nil {
		tree.AddMessagingService(services.NewScheduleService(coordinator, timeout))
	}
	tree.AddMessagingService(services.NewWebhookDispatcherService(dispatcher))

	tree.AddAPIService(services.NewHTTPServerService(server, timeout))
	logger.Info().Str("addr", server.Addr).Msg("Starting supervisor tree")

	serveErr := tree.Serve(ctx)

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logger.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, p := range pools {
		if err := p.Close(drainCtx); err != nil {
			logger.Warn().Err(err).Str("pool", p.Name()).Int("pending", p.Pending()).Msg("Worker pool did not drain")
		}
	}

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return nil
}
