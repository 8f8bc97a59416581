package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/pulse/pkg/api"
	"github.com/platinummonkey/pulse/pkg/app"
	"github.com/platinummonkey/pulse/pkg/async"
	"github.com/platinummonkey/pulse/pkg/config"
	"github.com/platinummonkey/pulse/pkg/middleware"
	"github.com/platinummonkey/pulse/pkg/observability"
)

var version = "dev"

const rateLimitWindow = time.Second

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pulse: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	async.SetLogger(logger.WithField("component", "async"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := observability.InitTracing(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		return err
	}

	var registry *prometheus.Registry
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = observability.NewMetrics(registry)
	}

	deps, err := app.Open(ctx, cfg, logger)
	if err != nil {
		observability.ShutdownTracing(context.Background(), tp, logger)
		return err
	}

	tracker := app.NewEventService(cfg, deps, logger, metrics)
	tracker.Start(ctx)

	service := app.NewService(cfg, deps, logger, metrics)

	server := api.NewServer(tracker, service, api.Options{
		Logger:        logger,
		Metrics:       metrics,
		Registry:      registry,
		Health:        deps.HealthChecker(version),
		IngestLimiter: newIngestLimiter(ctx, cfg, deps),
	})
	server.Wrap(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "pulse")
	})

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)
	shutdown.RegisterServer(httpServer)
	shutdown.Register("event tracker", tracker.Shutdown)
	shutdown.Register("stores", deps.Close)
	shutdown.Register("tracing", func(ctx context.Context) error {
		return observability.ShutdownTracing(ctx, tp, logger)
	})
	shutdown.Register("background workers", func(context.Context) error {
		cancel()
		return nil
	})

	serverErr := make(chan error, 1)
	go func() {
		logger.WithFields(map[string]interface{}{
			"addr":          httpServer.Addr,
			"version":       version,
			"event_backend": cfg.Store.EventBackend,
			"user_backend":  cfg.Store.UserBackend,
		}).Info("Starting pulse analytics server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	waitCtx, stopWaiting := context.WithCancel(context.Background())
	defer stopWaiting()
	go func() {
		if err, ok := <-serverErr; ok && err != nil {
			logger.WithError(err).Error("HTTP server failed")
			stopWaiting()
		}
	}()

	if err := shutdown.WaitForSignal(waitCtx); err != nil {
		logger.WithError(err).Error("Shutdown completed with errors")
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}

// newIngestLimiter shares limits across replicas through Redis when it is
// configured and falls back to a per-process token bucket otherwise
func newIngestLimiter(ctx context.Context, cfg *config.Config, deps *app.Dependencies) middleware.Limiter {
	if deps.Redis != nil {
		return middleware.NewDistributedRateLimiter(deps.Redis, int(cfg.Server.RateLimitPerSecond), rateLimitWindow, "")
	}

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.Server.RateLimitPerSecond,
		Burst:             cfg.Server.RateLimitBurst,
	})
	limiter.StartCleanup(ctx, 5*time.Minute)
	return limiter
}
