// Package observability provides logging setup, OpenTelemetry export, health
// checks, HTTP metrics and graceful shutdown for wardend.
//
// # Logging
//
//	logger := observability.SetupLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)
//	observability.WithRequestContext(r.Context(), logger).Info("Role assigned")
//
// WithRequestContext attaches the request id, the caller identity from
// pkg/contextkeys and the active trace and span ids.
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "wardend",
//		Insecure:    true,
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
// # Health and Metrics
//
//	observability.NewHealthChecker(db, redisCache, version).RegisterRoutes(router)
//	httpMetrics := observability.NewHTTPMetrics(registry)
//	router.Use(httpMetrics.Middleware)
//	observability.RegisterMetricsEndpoint(router, registry)
//
// Readiness fails only when PostgreSQL is unreachable; a Redis outage reports
// degraded because permission checks fall back to the store.
//
// # Shutdown
//
//	sm := observability.NewShutdownManager(logger, server, 30*time.Second)
//	sm.Register("rbac", manager.Close)
//	err := sm.Wait(signalCtx)
package observability
