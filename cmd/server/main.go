// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

// Package main is the entry point for the Causeway server.
//
// Causeway ingests marketing events with exactly-once persistence per
// idempotency key and orchestrates asynchronous causal analysis jobs
// over the collected data.
//
// The server initializes components in the following order:
//
//  1. Configuration: Koanf v2 layered loading (defaults, config.yaml,
//     environment variables)
//  2. Logging: zerolog global logger
//  3. Database: DuckDB event, job, and result storage
//  4. Dedup key store: BadgerDB fast path in front of the relational
//     dedup table (in-memory fallback when no path is configured)
//  5. Broker: embedded or external NATS JetStream, or the in-process
//     transport when NATS is disabled
//  6. Pipeline: event writer, upload ingestor, job worker, reconciler,
//     and dedup sweeper under a suture supervision tree
//  7. HTTP Server: REST API with JWT bearer authentication
//
// The server handles graceful shutdown on SIGINT and SIGTERM: the
// supervision tree stops the HTTP server first-class alongside the
// pipeline, then broker connections and stores are closed.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tomtom215/causeway/internal/api"
	"github.com/tomtom215/causeway/internal/auth"
	"github.com/tomtom215/causeway/internal/broker"
	"github.com/tomtom215/causeway/internal/config"
	"github.com/tomtom215/causeway/internal/database"
	"github.com/tomtom215/causeway/internal/dedup"
	"github.com/tomtom215/causeway/internal/events"
	"github.com/tomtom215/causeway/internal/ingest"
	"github.com/tomtom215/causeway/internal/jobs"
	"github.com/tomtom215/causeway/internal/logging"
	"github.com/tomtom215/causeway/internal/model"
	"github.com/tomtom215/causeway/internal/supervisor"
	"github.com/tomtom215/causeway/internal/worker"
	"github.com/tomtom215/causeway/internal/writer"
)

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("Server failed")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})
	logging.Info().
		Str("environment", cfg.Server.Environment).
		Bool("nats", cfg.NATS.Enabled).
		Msg("Causeway starting")

	db, err := database.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	keys, err := openDedupStore(&cfg.Dedup)
	if err != nil {
		return fmt.Errorf("open dedup store: %w", err)
	}
	defer keys.Close()

	registry := model.DefaultRegistry()

	transport, err := setupTransport(cfg)
	if err != nil {
		return err
	}
	defer transport.Close()

	jwtManager, err := auth.NewJWTManager(&cfg.Security)
	if err != nil {
		return fmt.Errorf("configure auth: %w", err)
	}

	// Intake, job control plane, and the pipeline handlers.
	gateway := ingest.NewGateway(transport.publisher, &cfg.Ingest)
	uploader := ingest.NewUploader(gateway, transport.publisher, &cfg.Ingest, &cfg.Security)
	jobService := jobs.NewService(db, transport.publisher, registry, &cfg.Jobs)
	reconciler := jobs.NewReconciler(jobService, &cfg.Jobs)
	eventWriter := writer.New(db, keys, &cfg.Dedup)
	sweeper := writer.NewSweeper(db, keys, &cfg.Dedup)
	jobWorker := worker.New(db, registry, db, &cfg.Worker)

	transport.eventsRouter.AddConsumerHandler(
		"event-writer", events.TopicEventsRaw, transport.eventsSub, eventWriter.Handle)
	transport.eventsRouter.AddConsumerHandler(
		"upload-ingestor", events.TopicUploadsCompleted, transport.uploadsSub, uploader.HandleCompleted)
	transport.jobsRouter.AddConsumerHandler(
		"job-worker", events.TopicJobsRun, transport.jobsSub, jobWorker.Handle)

	handlers := api.NewHandlers(gateway, uploader, jobService, db, registry, db, cfg.Ingest.MaxPayloadBytes)
	middleware := api.NewMiddleware(&cfg.Security)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           api.NewRouter(handlers, middleware, jwtManager),
		ReadTimeout:       cfg.Server.Timeout,
		WriteTimeout:      cfg.Server.Timeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddPipelineService(supervisor.NewRunService("events-router", transport.eventsRouter.Run))
	tree.AddPipelineService(supervisor.NewRunService("jobs-router", transport.jobsRouter.Run))
	tree.AddPipelineService(supervisor.NewRunService("job-reconciler", reconciler.Run))
	tree.AddPipelineService(supervisor.NewRunService("dedup-sweeper", sweeper.Run))
	tree.AddAPIService(supervisor.NewHTTPService(httpServer, 10*time.Second))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info().Str("addr", httpServer.Addr).Msg("Causeway ready")

	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("supervision tree: %w", err)
	}

	logging.Info().Msg("Causeway stopped")
	return nil
}

// openDedupStore opens the persistent key store, or falls back to the
// in-memory store when no path is configured.
func openDedupStore(cfg *config.DedupConfig) (dedup.Store, error) {
	if cfg.Path == "" {
		logging.Warn().Msg("No dedup store path configured, keys will not survive restarts")
		return dedup.NewMemoryStore(), nil
	}
	return dedup.Open(cfg)
}

// transport bundles the broker pieces the pipeline wires together.
type transport struct {
	publisher    *broker.Publisher
	eventsSub    message.Subscriber
	jobsSub      message.Subscriber
	uploadsSub   message.Subscriber
	eventsRouter *broker.Router
	jobsRouter   *broker.Router

	closers []func()
}

func (t *transport) Close() {
	for i := len(t.closers) - 1; i >= 0; i-- {
		t.closers[i]()
	}
}

// finishTransport attaches the routers once the publisher and
// subscribers exist. Each router sheds permanent failures to its
// stream's poison topic.
func finishTransport(t *transport, routerCfg *broker.RouterConfig, eventsSub, jobsSub, uploadsSub message.Subscriber, logger *broker.ZerologAdapter) (*transport, error) {
	eventsRouter, err := broker.NewRouter(routerCfg, t.publisher.WatermillPublisher(), events.TopicEventsPoison, logger)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("create events router: %w", err)
	}
	jobsRouter, err := broker.NewRouter(routerCfg, t.publisher.WatermillPublisher(), events.TopicJobsPoison, logger)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("create jobs router: %w", err)
	}

	t.eventsSub = eventsSub
	t.jobsSub = jobsSub
	t.uploadsSub = uploadsSub
	t.eventsRouter = eventsRouter
	t.jobsRouter = jobsRouter
	return t, nil
}

// setupTransport builds the broker layer: JetStream with pre-provisioned
// streams when NATS is enabled, the in-process GoChannel transport
// otherwise.
func setupTransport(cfg *config.Config) (*transport, error) {
	logger := broker.NewLoggerAdapter()
	t := &transport{}

	routerCfg := broker.RouterConfigFrom(&cfg.NATS)

	if !cfg.NATS.Enabled {
		logging.Warn().Msg("NATS disabled, using in-process transport without durable delivery")
		inProc := broker.NewInProcessTransport(logger)
		t.publisher = broker.NewPublisherFrom(inProc.Publisher(), logger)
		t.closers = append(t.closers, func() { _ = inProc.Close() })

		return finishTransport(t, &routerCfg, inProc.Subscriber(), inProc.Subscriber(), inProc.Subscriber(), logger)
	}

	url := cfg.NATS.URL
	if cfg.NATS.EmbeddedServer {
		serverCfg := broker.ServerConfigFrom(&cfg.NATS)
		embedded, err := broker.NewEmbeddedServer(&serverCfg)
		if err != nil {
			return nil, fmt.Errorf("start embedded NATS: %w", err)
		}
		url = embedded.ClientURL()
		t.closers = append(t.closers, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = embedded.Shutdown(shutdownCtx)
		})
	}

	if err := provisionStreams(url, &cfg.NATS); err != nil {
		t.Close()
		return nil, err
	}

	publisher, err := broker.NewPublisher(broker.DefaultPublisherConfig(url), logger)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("create publisher: %w", err)
	}
	t.publisher = publisher
	t.closers = append(t.closers, func() { _ = publisher.Close() })

	subs := make([]*broker.Subscriber, 0, 3)
	for _, stream := range []string{broker.StreamEvents, broker.StreamJobs, broker.StreamUploads} {
		subCfg := broker.SubscriberConfigFrom(&cfg.NATS, stream)
		subCfg.URL = url
		if stream == broker.StreamJobs && cfg.Worker.Concurrency > 0 {
			subCfg.SubscribersCount = cfg.Worker.Concurrency
		}
		sub, err := broker.NewSubscriber(&subCfg, logger)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("create %s subscriber: %w", stream, err)
		}
		subs = append(subs, sub)
		t.closers = append(t.closers, func() { _ = sub.Close() })
	}

	return finishTransport(t, &routerCfg,
		subs[0].WatermillSubscriber(), subs[1].WatermillSubscriber(), subs[2].WatermillSubscriber(), logger)
}

// provisionStreams creates or updates the JetStream streams before any
// publisher or subscriber connects.
func provisionStreams(url string, cfg *config.NATSConfig) error {
	nc, err := natsgo.Connect(url)
	if err != nil {
		return fmt.Errorf("connect for stream provisioning: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := broker.EnsureStreams(ctx, js, cfg); err != nil {
		return fmt.Errorf("provision streams: %w", err)
	}
	return nil
}
