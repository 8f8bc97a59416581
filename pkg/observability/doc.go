// Package observability provides structured logging, Prometheus metrics,
// health checks, OpenTelemetry tracing and graceful shutdown for the Pulse
// binaries.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("event_type", "login").Info("Event tracked")
//
// # Prometheus Metrics
//
// Every Record* helper is safe on a nil *Metrics, so packages can accept
// metrics as an optional dependency:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordFlush(elapsed, requeued, err)
//	router.Handle("/metrics", observability.MetricsHandler(registry))
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(version).
//		AddDatabase("postgres", db).
//		AddRedis(redisClient).
//		AddDependency("mongodb", mongoStore, true)
//	observability.RegisterHealthRoutes(router, checker)
//
// # Shutdown
//
// Hooks run in registration order:
//
//	sm := observability.NewShutdownManager(logger, 30*time.Second)
//	sm.RegisterServer(server)
//	sm.Register("event service", tracker.Shutdown)
//	sm.Register("event store", store.Close)
//	return sm.WaitForSignal(ctx)
package observability
