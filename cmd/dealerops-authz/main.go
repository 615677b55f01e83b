package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/dealerops/pkg/audit"
	"github.com/platinummonkey/dealerops/pkg/config"
	"github.com/platinummonkey/dealerops/pkg/httputil"
	"github.com/platinummonkey/dealerops/pkg/middleware"
	"github.com/platinummonkey/dealerops/pkg/observability"
	"github.com/platinummonkey/dealerops/pkg/rbac"
	"github.com/platinummonkey/dealerops/pkg/storage/postgres"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", "dealerops-authz").
		WithField("version", version)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("dealerops-authz exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	// Storage
	dbs, err := postgres.NewConnectionManager(postgres.ConfigFromStorage(cfg.Storage), logger)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := rbac.RunMigrations(ctx, dbs.Primary(), logger); err != nil {
		dbs.Close()
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	dbs.StartHealthCheckRoutine(ctx, 30*time.Second, metrics)
	store := rbac.NewSQLStore(dbs)

	var redisClient *redis.Client
	if cfg.Storage.RedisEnabled() {
		redisClient, err = postgres.NewRedisClient(ctx, cfg.Storage)
		if err != nil {
			dbs.Close()
			return err
		}
	}

	if err := loadAndSeed(ctx, store, cfg.Authz.CatalogPath); err != nil {
		dbs.Close()
		return err
	}

	auditLogger, auditFile, err := newAuditLogger(cfg, dbs, logger, metrics)
	if err != nil {
		dbs.Close()
		return err
	}

	// Engine
	provider := rbac.NewProvider(store, rbac.ProviderConfig{
		CacheSize:   cfg.Authz.SnapshotCacheSize,
		TTL:         cfg.Authz.SnapshotTTL,
		LoadTimeout: cfg.Authz.LoadTimeout,
		Logger:      logger,
		Metrics:     metrics,
	})
	guard := rbac.NewGuard(provider, rbac.NewResolver(nil),
		rbac.WithAuditHook(rbac.AuditLoggerHook(auditLogger, logger, metrics)),
		rbac.WithGuardMetrics(metrics),
		rbac.WithGuardLogger(logger),
	)

	var bus rbac.InvalidationBus = rbac.NopBus{}
	if redisClient != nil {
		redisBus := rbac.NewRedisBus(redisClient, cfg.Authz.InvalidationChannel, logger)
		if err := redisBus.Subscribe(ctx, provider); err != nil {
			dbs.Close()
			return err
		}
		bus = redisBus
		logger.WithField("channel", cfg.Authz.InvalidationChannel).Info("subscribed to snapshot invalidations")
	}

	deps := rbac.AssignmentDeps{
		Directory:   store,
		Writer:      store,
		Invalidator: provider,
		Bus:         bus,
		Audit:       auditLogger,
		Logger:      logger,
		Metrics:     metrics,
	}
	handlersCfg := rbac.HandlersConfig{
		Guard:     guard,
		Refresher: provider,
		Directory: store,
		Roles:     rbac.NewRoleAssignmentService(deps),
		Groups:    rbac.NewGroupAssignmentService(deps),
		Modules:   rbac.NewModuleActivationService(deps),
		Orders:    store,
		Logger:    logger,
	}
	if auditFile != nil {
		handlersCfg.AuditLog = auditFile
	}
	handlers := rbac.NewHandlers(handlersCfg)

	// Background work
	scheduler := cron.New()
	if cfg.Authz.RefreshSchedule != "" {
		if _, err := scheduler.AddFunc(cfg.Authz.RefreshSchedule, func() {
			defer observability.RecoverPanic(logger, "snapshot refresh")
			if err := provider.RefreshAll(ctx); err != nil {
				logger.WithError(err).Warn("scheduled snapshot refresh had failures")
			}
		}); err != nil {
			dbs.Close()
			return fmt.Errorf("failed to schedule snapshot refresh: %w", err)
		}
	}
	scheduler.Start()

	var watcher *catalogWatcher
	if cfg.Authz.CatalogPath != "" && cfg.Authz.CatalogWatch {
		watcher, err = watchCatalog(ctx, cfg.Authz.CatalogPath, store, provider, bus, logger)
		if err != nil {
			logger.WithError(err).Warn("catalog hot reload disabled")
		}
	}

	// HTTP
	chain := []func(http.Handler) http.Handler{
		httputil.RequestIDMiddleware,
		httputil.RecoveryMiddleware(logger),
		httputil.LoggingMiddleware(logger),
		observability.HTTPMetricsMiddleware(metrics, routeTemplate),
		httputil.MaxBytesMiddleware(1 << 20),
	}
	// The limiter runs ahead of the subject lookup so it shields the store
	if limiter := newCheckLimiter(cfg, redisClient); limiter != nil {
		chain = append(chain, middleware.RateLimitMiddleware(limiter, logger))
	}
	chain = append(chain, middleware.SubjectMiddleware(store, logger))

	router := mux.NewRouter()
	router.Use(httputil.Chain(chain...))
	handlers.RegisterRoutes(router)

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(router, "dealerops-authz"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(dbs.Primary(), redisClient, version).WithReplicas(dbs))
	healthMux.Handle("/metrics", observability.MetricsHandler(registry))
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Cleanup runs in reverse registration order once the API server stopped
	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.Register("postgres", func(context.Context) error { return dbs.Close() })
	if redisClient != nil {
		shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })
	}
	shutdown.Register("audit", func(context.Context) error { return auditLogger.Close() })
	shutdown.Register("otel", otelProviders.Shutdown)
	shutdown.Register("background", func(context.Context) error {
		cancel()
		<-scheduler.Stop().Done()
		if watcher != nil {
			return watcher.Close()
		}
		return nil
	})
	shutdown.Register("health server", healthServer.Shutdown)

	serverErr := make(chan error, 2)
	go func() {
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("health server: %w", err)
		}
	}()
	go func() {
		logger.WithField("addr", server.Addr).Info("authorization API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("api server: %w", err)
		}
	}()

	waitCtx, stopWaiting := context.WithCancel(ctx)
	defer stopWaiting()
	go func() {
		if err := <-serverErr; err != nil {
			logger.WithError(err).Error("server failed")
			stopWaiting()
		}
	}()

	return shutdown.WaitForSignal(waitCtx)
}

// loadAndSeed seeds the built-in roles and, when path is set, the catalog file
func loadAndSeed(ctx context.Context, store rbac.CatalogWriter, path string) error {
	var catalog *rbac.Catalog
	if path != "" {
		var err error
		catalog, err = rbac.LoadCatalog(path)
		if err != nil {
			return err
		}
	}
	if _, err := rbac.SeedCatalog(ctx, store, catalog, time.Now()); err != nil {
		return fmt.Errorf("failed to seed catalog: %w", err)
	}
	return nil
}

// newAuditLogger fans decisions out to the configured sinks. Background
// write failures are logged and counted here; synchronous ones surface to
// the guard and the assignment services. The file sink is returned as well
// so the admin API can page through it.
func newAuditLogger(cfg *config.Config, dbs *postgres.ConnectionManager, logger *observability.Logger, metrics *observability.Metrics) (audit.Logger, *audit.FileLogger, error) {
	var (
		sinks      []audit.Logger
		fileLogger *audit.FileLogger
	)
	if cfg.Authz.AuditLogPath != "" {
		fileCfg := audit.DefaultFileLoggerConfig()
		fileCfg.BasePath = cfg.Authz.AuditLogPath
		var err error
		fileLogger, err = audit.NewFileLogger(fileCfg)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, fileLogger)
	}
	if cfg.Authz.AuditDatabase {
		dbLogger, err := audit.NewDBLogger(dbs.Primary())
		if err != nil {
			if fileLogger != nil {
				fileLogger.Close()
			}
			return nil, nil, err
		}
		sinks = append(sinks, dbLogger)
	}

	if len(sinks) == 0 {
		return audit.NoOpLogger{}, nil, nil
	}

	multi := audit.NewMultiLogger(sinks...)
	multi.SetAsync(cfg.Authz.AuditAsync)
	multi.OnError(func(err error) {
		logger.WithError(err).Warn("audit sink write failed")
		metrics.RecordAuditFailure("sink")
	})
	return multi, fileLogger, nil
}

// newCheckLimiter returns nil when the per-subject limit is disabled
func newCheckLimiter(cfg *config.Config, client *redis.Client) middleware.Limiter {
	if cfg.Authz.CheckRateLimit == 0 {
		return nil
	}
	limits := middleware.DefaultRateLimitConfig()
	limits.RequestsPerWindow = cfg.Authz.CheckRateLimit
	limits.WindowDuration = time.Minute

	if client != nil {
		return middleware.NewRedisLimiter(client, limits, "")
	}
	return middleware.NewLocalLimiter(limits, cfg.Authz.SnapshotCacheSize)
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}
