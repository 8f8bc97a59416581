package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/pulse/pkg/analytics"
	"github.com/platinummonkey/pulse/pkg/app"
	"github.com/platinummonkey/pulse/pkg/config"
	"github.com/platinummonkey/pulse/pkg/eventstore"
	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/users"
)

func TestSetupLogger(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, setupLogger("debug").GetLevel())
	assert.Equal(t, logrus.InfoLevel, setupLogger("nonsense").GetLevel())
}

func TestApplyScheduleFlags(t *testing.T) {
	cfg := config.AggregatorConfig{
		RefreshSchedule: "@every 10m",
		AlertSchedule:   "0 8 * * *",
		PurgeSchedule:   "30 3 * * *",
	}

	*alertSchedule = "@hourly"
	defer func() { *alertSchedule = "" }()

	applyScheduleFlags(&cfg)
	assert.Equal(t, "@every 10m", cfg.RefreshSchedule)
	assert.Equal(t, "@hourly", cfg.AlertSchedule)
	assert.Equal(t, "30 3 * * *", cfg.PurgeSchedule)
}

func TestJobs_RunAgainstMemoryStores(t *testing.T) {
	now := time.Now().UTC()
	lastLogin := now.AddDate(0, 0, -40)
	userStore := users.NewMemoryStore(
		&users.User{
			ID:           "dormant",
			CreatedAt:    now.AddDate(0, 0, -60),
			LastLogin:    &lastLogin,
			Subscription: users.Subscription{Tier: users.TierPremium, Status: users.StatusActive},
		},
	)
	events := eventstore.NewMemoryStore()

	svcLogger := observability.NewLogger(observability.ErrorLevel, &bytes.Buffer{})
	pricing := analytics.DefaultPricing()
	predictor := analytics.NewChurnPredictor(analytics.DefaultChurnWeights())
	service := analytics.NewService(
		userStore,
		analytics.NewRevenueMetrics(userStore, pricing),
		analytics.NewCohortAnalyzer(userStore, events, pricing),
		predictor,
	)

	var out bytes.Buffer
	logger := setupLogger("info")
	logger.SetOutput(&out)

	j := &jobs{
		aggregator: analytics.NewAggregator(service, events, svcLogger),
		alerter:    analytics.NewAlerter(userStore, predictor, nil, svcLogger, nil),
		alertLevel: analytics.RiskHigh,
		logger:     logger,
	}

	require.NoError(t, j.refresh())
	require.NoError(t, j.checkAlerts())
	require.NoError(t, j.purge())

	assert.Contains(t, out.String(), "Snapshots refreshed")
	assert.Contains(t, out.String(), "alerts=1")
	assert.Contains(t, out.String(), "purged=0")

	overview, err := service.GetOverview(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 299.0, overview.Revenue.MRR.Current)
}

func TestRunAll_ContinuesAfterFailure(t *testing.T) {
	var ran []string
	errRefresh := errors.New("snapshot store down")

	err := runAll(
		func() error { ran = append(ran, "refresh"); return errRefresh },
		func() error { ran = append(ran, "alerts"); return nil },
		func() error { ran = append(ran, "purge"); return nil },
	)

	assert.ErrorIs(t, err, errRefresh)
	assert.Equal(t, []string{"refresh", "alerts", "purge"}, ran)
	assert.NoError(t, runAll(func() error { return nil }))
}

func TestRun_OnceReturnsWithoutExiting(t *testing.T) {
	*runOnce = true
	defer func() { *runOnce = false }()

	cfg := &config.Config{
		Tracker: analytics.TrackerConfig{BatchSize: 10, FlushInterval: time.Minute},
		Store: config.StoreConfig{
			EventBackend: config.BackendMemory,
			UserBackend:  config.BackendMemory,
		},
		Analytics: config.AnalyticsConfig{
			Pricing:         analytics.DefaultPricing(),
			ChurnWeights:    analytics.DefaultChurnWeights(),
			CohortCacheSize: 16,
			CohortCacheTTL:  time.Minute,
			AlertLevel:      analytics.RiskHigh,
		},
	}
	svcLogger := observability.NewLogger(observability.ErrorLevel, &bytes.Buffer{})
	deps, err := app.Open(context.Background(), cfg, svcLogger)
	require.NoError(t, err)

	var out bytes.Buffer
	logger := setupLogger("info")
	logger.SetOutput(&out)

	require.NoError(t, run(cfg, deps, logger, svcLogger))
	require.NoError(t, deps.Close(context.Background()))
	assert.Contains(t, out.String(), "Run completed")
}
