// Package app wires every component the spec names into the two runtime
// modes fieldmesh runs as: "api" (device-facing HTTPS ingest, the dead-letter
// inspect/replay/discard surface, and the operator status/metrics endpoints)
// and "worker" (RuleEngine, Dispatcher-fed DeliveryWorkers, the delivery-claim
// reaper, and the DeviceState sweeper). The operator/customer CRUD control
// plane for alerts, rules, routes, and integrations is consumed, not
// mounted, by this process — see internal/auth's package comment.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fieldmesh/platform/internal/audit"
	"github.com/fieldmesh/platform/internal/config"
	"github.com/fieldmesh/platform/internal/deadletterapi"
	"github.com/fieldmesh/platform/internal/health"
	"github.com/fieldmesh/platform/internal/httpserver"
	"github.com/fieldmesh/platform/internal/platform"
	"github.com/fieldmesh/platform/internal/scope"
	"github.com/fieldmesh/platform/internal/seed"
	"github.com/fieldmesh/platform/internal/ssrfguard"
	"github.com/fieldmesh/platform/internal/telemetry"
	"github.com/fieldmesh/platform/internal/version"
	"github.com/fieldmesh/platform/pkg/alertstore"
	"github.com/fieldmesh/platform/pkg/authcache"
	"github.com/fieldmesh/platform/pkg/batchwriter"
	"github.com/fieldmesh/platform/pkg/deadletter"
	"github.com/fieldmesh/platform/pkg/delivery"
	"github.com/fieldmesh/platform/pkg/devicestate"
	"github.com/fieldmesh/platform/pkg/device"
	"github.com/fieldmesh/platform/pkg/dispatch"
	"github.com/fieldmesh/platform/pkg/ingest"
	"github.com/fieldmesh/platform/pkg/quarantine"
	"github.com/fieldmesh/platform/pkg/ratelimit"
	"github.com/fieldmesh/platform/pkg/routes"
	"github.com/fieldmesh/platform/pkg/rules"
	"github.com/fieldmesh/platform/pkg/senders"
	"github.com/fieldmesh/platform/pkg/streaming"
	"github.com/fieldmesh/platform/pkg/tenant"
	"github.com/fieldmesh/platform/pkg/timeseries"
)

// sweepOperatorID is the synthetic operator identity the delivery workers,
// the delivery-claim reaper, and the DeviceState sweeper audit their scope
// entry under — they
// are platform maintenance, not a human operator action, but spec §4.13
// still requires every bypass-RLS scope entry to be audited.
const sweepOperatorID = "system:sweeper"

// Run reads config, connects to infrastructure, and starts the mode
// cfg.Mode selects.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting fieldmesh", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "fieldmesh", version.Version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunGlobalMigrations(cfg.DatabaseURL, cfg.MigrationsGlobalDir); err != nil {
		return fmt.Errorf("running global migrations: %w", err)
	}
	logger.Info("global migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, db, rdb, metricsReg)
	case "seed":
		return seed.Run(ctx, db, logger)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// openScopeFor builds a scope.ScopeOpener closed over a pool, the form
// every collaborator wired below (authcache, batchwriter, ingest, rules,
// ...) takes so each unit of work opens and releases its own tenant-bound
// connection.
func openScopeFor(pool *pgxpool.Pool) func(ctx context.Context, tenantID string) (*scope.Scope, error) {
	return func(ctx context.Context, tenantID string) (*scope.Scope, error) {
		return scope.EnterTenant(ctx, pool, tenantID)
	}
}

// runAPI mounts the device-facing ingest endpoint and the operator-facing
// status/metrics endpoints, then serves until ctx is cancelled (spec §4.6,
// §6.1).
func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	healthCounters := health.New()

	pipeline, broker, err := buildIngestPipeline(ctx, cfg, logger, db, rdb, healthCounters)
	if err != nil {
		return fmt.Errorf("building ingest pipeline: %w", err)
	}
	pipeline.Start(ctx)

	if broker != nil {
		if err := broker.Connect(ctx); err != nil {
			return fmt.Errorf("connecting to mqtt broker: %w", err)
		}
		defer func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := broker.Disconnect(disconnectCtx); err != nil {
				logger.Error("disconnecting mqtt broker", "error", err)
			}
		}()
	}

	deadLetterQueue := delivery.NewQueue()
	deadLetterStore := deadletter.NewStore()
	deadLetterHandler := deadletterapi.NewHandler(db, deadLetterStore, delivery.ReplayAdapter{Queue: deadLetterQueue})

	srv := httpserver.NewServer(httpserver.ServerConfig{CORSAllowedOrigins: cfg.CORSAllowedOrigins}, logger, db, rdb, metricsReg)
	srv.IngestRouter.Post("/tenant/{tenantId}/device/{deviceId}/telemetry", pipeline.HandleHTTP)
	srv.Router.Get("/health", healthCounters.Handler())
	srv.Router.Mount("/audit-log", audit.NewHandler(db, logger).Routes())
	srv.APIRouter.Mount("/dead-letter", deadLetterHandler.Routes())
	if cfg.MetricsPath != "" && cfg.MetricsPath != "/metrics" {
		srv.Router.Handle(cfg.MetricsPath, promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))
	}

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	// Shutdown cancels downward in dependency order (spec §5): accept
	// stops, pipeline workers drain, BatchWriter flushes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "error", err)
	}
	if broker != nil {
		if err := broker.Disconnect(shutdownCtx); err != nil {
			logger.Error("disconnecting mqtt broker during shutdown", "error", err)
		}
	}
	return pipeline.Shutdown(shutdownCtx, 30*time.Second)
}

// buildIngestPipeline wires component F (IngestPipeline) and its
// collaborators: AuthCache, RateLimiter, Quarantine, BatchWriter,
// StreamingBus, RouteEngine, Dispatcher, DeviceState. Shared by runAPI
// (HTTP+MQTT ingest) — runWorker has no ingest surface of its own.
func buildIngestPipeline(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, healthCounters *health.Counters) (*ingest.Pipeline, *ingest.Broker, error) {
	openScope := openScopeFor(db)

	authCache, err := authcache.New(
		time.Duration(cfg.AuthCacheTTLSecs)*time.Second,
		cfg.AuthCacheMaxSize,
		device.NewRegistry(),
		openScope,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("creating auth cache: %w", err)
	}

	rateLimiter := ratelimit.New(
		time.Duration(cfg.RateLimitWindowSecs)*time.Second,
		cfg.RateLimitQuota,
	)

	quarantineSink := quarantine.NewSink()
	batch := batchwriter.New(
		timeseries.NewPostgresStore(),
		quarantineSink,
		openScope,
		logger,
		cfg.BatchMaxBytes,
		time.Duration(cfg.BatchMaxMillis)*time.Millisecond,
	)

	routeEngine := routes.New(routes.NewStore(), time.Duration(cfg.RouteCacheTTLSecs)*time.Second)
	deliveryQueue := delivery.NewQueue()
	dispatcher := dispatch.New(dispatch.NewStore(), deliveryQueue)
	deviceStateStore := devicestate.New(
		time.Duration(cfg.StaleThresholdSecs)*time.Second,
		time.Duration(cfg.OfflineThresholdSecs)*time.Second,
		logger,
	)
	streamBus := streaming.New(cfg.StreamSubscriberQueueDepth, cfg.StreamMaxSubscribersPerTenant)

	pipeline := ingest.New(ingest.Config{
		NumWorkers:  cfg.IngestWorkers,
		QueueDepth:  cfg.IngestQueueDepth,
		AuthCache:   authCache,
		RateLimiter: rateLimiter,
		Quarantine:  quarantineSink,
		Batch:       batch,
		Streaming:   streamBus,
		Routes:      routeEngine,
		Dispatcher:  dispatcher,
		DeviceState: deviceStateStore,
		OpenScope:   openScope,
		Health:      healthCounters,
		Logger:      logger,
	})

	var broker *ingest.Broker
	if cfg.MQTTBrokerURL != "" {
		broker = ingest.NewBroker(ingest.BrokerConfig{
			URL:       cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			KeepAlive: uint16(cfg.MQTTKeepAliveSecs),
		}, pipeline.HandleMQTTMessage, logger)
	}

	return pipeline, broker, nil
}

// runWorker starts the tenant-fan-out RuleEngine, the dead-letter-feeding
// DeliveryWorker pool plus its reaper loop, and the DeviceState sweeper
// (spec §4.5, §4.10, §6.4's supplemented sweep loop).
func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	logger.Info("worker started")

	openScope := openScopeFor(db)

	ruleEngine := rules.New(
		openScope,
		tenant.NewLister(db),
		rules.NewStore(),
		timeseries.NewPostgresStore(),
		alertstore.NewStore(),
		logger,
		time.Duration(cfg.EvalIntervalSecs)*time.Second,
		0,
	)
	go ruleEngine.Run(ctx)

	deliveryQueue := delivery.NewQueue()
	dlq := deadletter.NewStore()

	var mqttPublisher senders.Publisher
	if cfg.MQTTBrokerURL != "" {
		mqttPublisher = ingest.NewBroker(ingest.BrokerConfig{
			URL:       cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID + "-worker",
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			KeepAlive: uint16(cfg.MQTTKeepAliveSecs),
		}, nil, logger)
		if b, ok := mqttPublisher.(*ingest.Broker); ok {
			if err := b.Connect(ctx); err != nil {
				return fmt.Errorf("connecting worker mqtt broker: %w", err)
			}
			defer func() {
				disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = b.Disconnect(disconnectCtx)
			}()
		}
	}

	senderMap := map[string]senders.Sender{
		"webhook": senders.NewHTTPSender(ssrfguard.New()),
		"snmp":    senders.NewSNMPSender(),
		"smtp":    senders.NewSMTPSender(),
	}
	if mqttPublisher != nil {
		senderMap["mqtt"] = senders.NewMQTTSender(mqttPublisher)
	}

	healthCounters := health.New()
	deliveryWorker := delivery.NewWorker(deliveryQueue, senderMap, dlq, healthCounters, logger)

	numDeliveryWorkers := cfg.DeliveryWorkers
	if numDeliveryWorkers <= 0 {
		numDeliveryWorkers = runtime.NumCPU()
		if numDeliveryWorkers < 2 {
			numDeliveryWorkers = 2
		}
	}

	// DeliveryWorkers claim jobs across every tenant, so each needs an
	// operator (bypass-RLS) scope. Each worker goroutine holds one scope for
	// its whole lifetime — audited once at startup — rather than
	// re-entering operator mode (and re-auditing) on every poll, the same
	// one-audit-per-loop pattern RunReaperLoop/RunSweepLoop below use.
	for i := 0; i < numDeliveryWorkers; i++ {
		workerScope, err := scope.EnterOperator(ctx, db, sweepOperatorID, "delivery.worker", "", "", auditWriterFor(db, logger))
		if err != nil {
			return fmt.Errorf("entering operator scope for delivery worker %d: %w", i, err)
		}
		defer workerScope.Release(context.Background())
		go runDeliveryWorker(ctx, workerScope, deliveryWorker, logger)
	}

	reaperScope, err := scope.EnterOperator(ctx, db, sweepOperatorID, "delivery.reap", "", "", auditWriterFor(db, logger))
	if err != nil {
		return fmt.Errorf("entering operator scope for delivery reaper: %w", err)
	}
	defer reaperScope.Release(context.Background())
	go delivery.RunReaperLoop(ctx, reaperScope, deliveryQueue, logger, time.Duration(cfg.DeliveryClaimSecs)*time.Second)

	sweepScope, err := scope.EnterOperator(ctx, db, sweepOperatorID, "devicestate.sweep", "", "", auditWriterFor(db, logger))
	if err != nil {
		return fmt.Errorf("entering operator scope for device state sweep: %w", err)
	}
	defer sweepScope.Release(context.Background())
	deviceStateStore := devicestate.New(
		time.Duration(cfg.StaleThresholdSecs)*time.Second,
		time.Duration(cfg.OfflineThresholdSecs)*time.Second,
		logger,
	)
	go devicestate.RunSweepLoop(ctx, sweepScope, deviceStateStore, time.Duration(cfg.StaleThresholdSecs)*time.Second)

	<-ctx.Done()
	logger.Info("worker stopping")

	// Dispatcher has no long-lived loop of its own to stop (it's called
	// synchronously from the ingest pipeline and RuleEngine); only
	// DeliveryWorkers must be allowed to finish an in-flight attempt
	// before the scopes they hold are released above via defer (spec §5:
	// "DeliveryWorkers finish in-flight attempts → stores close").
	time.Sleep(time.Second)
	return nil
}

// runDeliveryWorker repeatedly claims and processes one job at a time on s,
// backing off a second between empty claims so an idle queue doesn't spin.
func runDeliveryWorker(ctx context.Context, s *scope.Scope, w *delivery.Worker, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		processed, err := w.ProcessOne(ctx, s)
		if err != nil {
			logger.Error("delivery worker: processing job", "error", err)
		}
		if !processed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// auditWriterFor is a small adapter so Run's single long-lived audit.Writer
// doesn't need plumbing through every call site that enters an operator
// scope; each call opens a one-shot synchronous writer instead, since
// background-loop scope entry is rare (once per loop, not per request).
func auditWriterFor(db *pgxpool.Pool, logger *slog.Logger) scope.AuditWriter {
	return audit.NewWriter(db, logger)
}
