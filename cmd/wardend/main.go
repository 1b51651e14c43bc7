package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/cache"
	"github.com/platinummonkey/warden/pkg/config"
	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/middleware"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/rbac"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var version = "dev"

// wardend serves the RBAC API and runs the expiry sweep
func main() {
	configPath := flag.String("config", os.Getenv("WARDEN_CONFIG_FILE"), "Path to a YAML configuration file")
	migrateOnly := flag.Bool("migrate-only", false, "Apply database migrations and exit")
	bootstrapOrg := flag.String("bootstrap-org", "", "Organization whose predefined roles are seeded at startup")
	bootstrapOwner := flag.String("bootstrap-owner", "", "User granted the owner role in -bootstrap-org")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err == nil {
		err = applyBootstrapFlags(cfg, *bootstrapOrg, *bootstrapOwner)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "wardend: %v\n", err)
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
	if err := run(cfg, *configPath, *migrateOnly, logger); err != nil {
		logger.WithError(err).Fatal("wardend stopped")
	}
}

// applyBootstrapFlags overrides the configured bootstrap pair with the
// command line values, when given
func applyBootstrapFlags(cfg *config.Config, orgID, ownerID string) error {
	if orgID == "" && ownerID == "" {
		return nil
	}
	cfg.RBAC.BootstrapOrganizationID = orgID
	cfg.RBAC.BootstrapOwnerID = ownerID
	return cfg.Validate()
}

// bootstrapOrganization grants the configured owner in the configured
// organization. It is safe to run on every start.
func bootstrapOrganization(ctx context.Context, manager *rbac.Manager, cfg *config.Config) error {
	orgID, ownerID, ok := cfg.Bootstrap()
	if !ok {
		return nil
	}
	return manager.Bootstrap(ctx, orgID, ownerID)
}

// closers unwinds resources acquired during startup in reverse order
type closers []func(context.Context) error

func (c *closers) add(fn func(context.Context) error) { *c = append(*c, fn) }

func (c closers) abort(err error) error {
	for i := len(c) - 1; i >= 0; i-- {
		_ = c[i](context.Background())
	}
	return err
}

func run(cfg *config.Config, configPath string, migrateOnly bool, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithField("version", version).Info("Starting wardend")

	db, err := connectDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	var started closers
	started.add(func(context.Context) error { return db.Close() })

	if cfg.Database.RunMigrations || migrateOnly {
		if err := rbac.RunMigrations(ctx, db, logger); err != nil {
			return started.abort(err)
		}
	}
	if migrateOnly {
		logger.Info("Migrations applied")
		return db.Close()
	}

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return started.abort(err)
	}
	started.add(func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})

	permissionCache, redisCache, err := buildCache(cfg, logger)
	if err != nil {
		return started.abort(err)
	}

	auditLogger, err := buildAuditLogger(cfg.Audit, logger)
	if err != nil {
		_ = permissionCache.Close()
		return started.abort(err)
	}
	started.add(func(context.Context) error { return auditLogger.Close() })

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewDBStatsCollector(db, "warden"),
	)

	opts := []rbac.Option{
		rbac.WithLogger(logger),
		rbac.WithCache(permissionCache),
		rbac.WithAuditLogger(auditLogger),
	}
	if cfg.Observability.MetricsEnabled {
		opts = append(opts, rbac.WithMetrics(rbac.NewMetrics(registry)))
	}

	manager, err := rbac.NewManager(context.Background(), rbac.NewPostgresStore(db), cfg.ManagerConfig(), opts...)
	if err != nil {
		_ = permissionCache.Close()
		return started.abort(fmt.Errorf("failed to create rbac manager: %w", err))
	}
	started.add(manager.Close)

	if err := manager.Initialize(ctx); err != nil {
		return started.abort(err)
	}
	if err := bootstrapOrganization(ctx, manager, cfg); err != nil {
		return started.abort(err)
	}
	manager.Start()

	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, logger, func(c *config.Config) {
				manager.UpdatePrivileges(c.Privileges())
			})
			if err != nil {
				logger.WithError(err).Warn("Configuration hot reload disabled")
			}
		}()
	}

	var pinger observability.Pinger
	if redisCache != nil {
		pinger = redisCache
	}
	router := newRouter(manager, observability.NewHealthChecker(db, pinger, version), registry, cfg.Observability.MetricsEnabled)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      newHandler(router, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.Register("rbac", manager.Close)
	shutdown.Register("audit", func(context.Context) error { return auditLogger.Close() })
	shutdown.Register("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})
	shutdown.Register("database", func(context.Context) error { return db.Close() })

	go func() {
		logger.WithField("addr", server.Addr).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("HTTP server failed")
			stop()
		}
	}()

	return shutdown.Wait(ctx)
}

func connectDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// buildCache layers Redis under the in-process LRU when enabled. A Redis
// outage at startup falls back to the in-process tier alone.
func buildCache(cfg *config.Config, logger logrus.FieldLogger) (cache.Cache, *cache.RedisCache, error) {
	memory := cache.NewMemoryCache(cfg.MemoryCacheConfig())
	if !cfg.Cache.RedisEnabled {
		return memory, nil, nil
	}

	redisCache, err := cache.NewRedisCache(cfg.RedisCacheConfig())
	if err != nil {
		logger.WithError(err).Warn("Redis unavailable, using in-process cache only")
		return memory, nil, nil
	}
	return cache.NewTieredCache(memory, redisCache), redisCache, nil
}

func buildAuditLogger(cfg config.AuditConfig, logger logrus.FieldLogger) (audit.Logger, error) {
	logSink := audit.NewLogrusLogger(logger)
	if cfg.FilePath == "" {
		return logSink, nil
	}

	fileSink, err := audit.NewFileLogger(audit.FileLoggerConfig{Path: cfg.FilePath, MaxSize: cfg.MaxFileSize})
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	return audit.NewMultiLogger(logSink, fileSink), nil
}

func newRouter(manager *rbac.Manager, health *observability.HealthChecker, registry *prometheus.Registry, metricsEnabled bool) *mux.Router {
	router := mux.NewRouter()
	health.RegisterRoutes(router)
	if metricsEnabled {
		router.Use(observability.NewHTTPMetrics(registry).Middleware)
		observability.RegisterMetricsEndpoint(router, registry)
	}
	manager.RegisterRoutes(router)
	return router
}

func newHandler(router http.Handler, logger logrus.FieldLogger) http.Handler {
	chain := httputil.Chain(
		httputil.RecoveryMiddleware(logger),
		httputil.LoggingMiddleware(logger),
		middleware.RequestID,
		middleware.Identity,
		httputil.MaxBytesMiddleware(1<<20),
	)
	return otelhttp.NewHandler(chain(router), "wardend")
}
