package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/pulse/pkg/analytics"
	"github.com/platinummonkey/pulse/pkg/app"
	"github.com/platinummonkey/pulse/pkg/async"
	"github.com/platinummonkey/pulse/pkg/config"
	"github.com/platinummonkey/pulse/pkg/observability"
)

const jobTimeout = 10 * time.Minute

var (
	logLevel        = flag.String("log-level", getEnv("PULSE_AGGREGATOR_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	refreshSchedule = flag.String("refresh-schedule", "", "Cron schedule for snapshot refresh (overrides PULSE_REFRESH_SCHEDULE)")
	alertSchedule   = flag.String("alert-schedule", "", "Cron schedule for churn alert checks (overrides PULSE_ALERT_SCHEDULE)")
	purgeSchedule   = flag.String("purge-schedule", "", "Cron schedule for expired event purge (overrides PULSE_PURGE_SCHEDULE)")
	runOnce         = flag.Bool("run-once", false, "Run every job once and exit")
)

type jobs struct {
	aggregator *analytics.Aggregator
	alerter    *analytics.Alerter
	alertLevel analytics.RiskLevel
	logger     *logrus.Logger
}

func main() {
	flag.Parse()

	logger := setupLogger(*logLevel)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	applyScheduleFlags(&cfg.Aggregator)

	// The analytics packages log through the structured logger
	svcLogger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("component", "aggregator")
	async.SetLogger(svcLogger)

	deps, err := app.Open(context.Background(), cfg, svcLogger)
	if err != nil {
		logger.Fatalf("Failed to open stores: %v", err)
	}

	err = run(cfg, deps, logger, svcLogger)
	if cerr := deps.Close(context.Background()); cerr != nil {
		logger.WithError(cerr).Error("Failed to close stores")
	}
	if err != nil {
		logger.WithError(err).Fatal("Aggregator failed")
	}
}

// run executes the jobs once or on their cron schedules until a signal
// arrives. deps are closed by the caller.
func run(cfg *config.Config, deps *app.Dependencies, logger *logrus.Logger, svcLogger *observability.Logger) error {
	service := app.NewService(cfg, deps, svcLogger, nil)
	j := &jobs{
		aggregator: analytics.NewAggregator(service, deps.Events, svcLogger),
		alerter:    analytics.NewAlerter(deps.Users, app.NewPredictor(cfg, nil), deps.AlertPublisher(), svcLogger, nil),
		alertLevel: cfg.Analytics.AlertLevel,
		logger:     logger,
	}

	if *runOnce {
		logger.Info("Running all jobs once")
		if err := runAll(j.refresh, j.checkAlerts, j.purge); err != nil {
			return fmt.Errorf("run completed with failures: %w", err)
		}
		logger.Info("Run completed")
		return nil
	}

	c := cron.New()
	schedule := map[string]struct {
		spec string
		fn   func() error
	}{
		"snapshot refresh":  {cfg.Aggregator.RefreshSchedule, j.refresh},
		"churn alert check": {cfg.Aggregator.AlertSchedule, j.checkAlerts},
		"event purge":       {cfg.Aggregator.PurgeSchedule, j.purge},
	}
	for name, job := range schedule {
		fn := job.fn
		if _, err := c.AddFunc(job.spec, func() { _ = fn() }); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", name, err)
		}
		logger.WithFields(logrus.Fields{"job": name, "schedule": job.spec}).Info("Scheduled job")
	}

	c.Start()
	logger.Info("Pulse aggregator started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutting down gracefully...")

	stopCtx := c.Stop()
	<-stopCtx.Done()

	logger.Info("Aggregator stopped")
	return nil
}

// runAll runs every job even when an earlier one fails
func runAll(jobs ...func() error) error {
	var errs []error
	for _, job := range jobs {
		if err := job(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (j *jobs) refresh() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	start := time.Now()
	if err := j.aggregator.RefreshSnapshots(ctx); err != nil {
		j.logger.WithError(err).Error("Snapshot refresh failed")
		return err
	}
	j.logger.WithField("duration", time.Since(start)).Info("Snapshots refreshed")
	return nil
}

func (j *jobs) checkAlerts() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	alerts, err := j.alerter.CheckChurnAlerts(ctx, j.alertLevel)
	if err != nil {
		j.logger.WithError(err).Error("Churn alert check failed")
		return err
	}
	j.logger.WithFields(logrus.Fields{"alerts": len(alerts), "level": j.alertLevel}).Info("Churn alert check completed")
	return nil
}

func (j *jobs) purge() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	purged, err := j.aggregator.PurgeExpiredEvents(ctx)
	if err != nil {
		j.logger.WithError(err).Error("Event purge failed")
		return err
	}
	j.logger.WithField("purged", purged).Info("Expired events purged")
	return nil
}

func applyScheduleFlags(cfg *config.AggregatorConfig) {
	if *refreshSchedule != "" {
		cfg.RefreshSchedule = *refreshSchedule
	}
	if *alertSchedule != "" {
		cfg.AlertSchedule = *alertSchedule
	}
	if *purgeSchedule != "" {
		cfg.PurgeSchedule = *purgeSchedule
	}
}

func setupLogger(logLevel string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
