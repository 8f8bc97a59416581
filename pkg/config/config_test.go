package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/pulse/pkg/analytics"
	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/users"
)

// baseEnv points LoadConfig at an in-memory setup with no .env file
func baseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PULSE_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("PULSE_EVENT_STORE", "memory")
	t.Setenv("PULSE_USER_STORE", "memory")
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func validConfig() *Config {
	return &Config{
		Server:  ServerConfig{Port: "8080", RateLimitPerSecond: 10, RateLimitBurst: 20},
		Tracker: analytics.DefaultTrackerConfig(),
		Store:   StoreConfig{EventBackend: BackendMemory, UserBackend: BackendMemory},
		Analytics: AnalyticsConfig{
			Pricing:      analytics.DefaultPricing(),
			ChurnWeights: analytics.DefaultChurnWeights(),
			AlertLevel:   analytics.RiskHigh,
		},
		Observability: ObservabilityConfig{OTelSampleRatio: 1},
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	baseEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 50, cfg.Tracker.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Tracker.FlushInterval)
	assert.Equal(t, analytics.DefaultPricing(), cfg.Analytics.Pricing)
	assert.Equal(t, analytics.DefaultChurnWeights(), cfg.Analytics.ChurnWeights)
	assert.Equal(t, analytics.RiskHigh, cfg.Analytics.AlertLevel)
	assert.Equal(t, analytics.DefaultSnapshotTTL, cfg.Redis.SnapshotTTL)
	assert.Equal(t, observability.InfoLevel, cfg.Observability.LogLevel)
	assert.False(t, cfg.Redis.Enabled())
	assert.False(t, cfg.Kafka.Enabled())
	assert.Equal(t, "analytics.events", cfg.Kafka.EventsTopic)
	assert.Equal(t, "churn.alerts", cfg.Kafka.AlertsTopic)
	assert.Equal(t, "@every 10m", cfg.Aggregator.RefreshSchedule)
	assert.False(t, cfg.Webhook.Enabled())
	assert.Equal(t, 5, cfg.Webhook.MaxAttempts)
}

func TestLoadConfig_Webhooks(t *testing.T) {
	baseEnv(t)
	t.Setenv("PULSE_ALERT_WEBHOOK_URLS", "https://a.example.com/hook, https://b.example.com/hook")
	t.Setenv("PULSE_ALERT_WEBHOOK_SECRET", "s3cret")
	t.Setenv("PULSE_ALERT_WEBHOOK_MAX_ATTEMPTS", "3")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.True(t, cfg.Webhook.Enabled())
	assert.Equal(t, []string{"https://a.example.com/hook", "https://b.example.com/hook"}, cfg.Webhook.URLs)
	assert.Equal(t, "s3cret", cfg.Webhook.Secret)
	assert.Equal(t, 3, cfg.Webhook.MaxAttempts)
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	baseEnv(t)
	t.Setenv("PULSE_PORT", "9000")
	t.Setenv("PULSE_BATCH_SIZE", "100")
	t.Setenv("PULSE_FLUSH_INTERVAL", "5s")
	t.Setenv("PULSE_EVENT_STORE", "Mongo")
	t.Setenv("PULSE_MONGO_URI", "mongodb://mongo:27017")
	t.Setenv("PULSE_USER_STORE", "postgres")
	t.Setenv("PULSE_POSTGRES_URL", "postgres://pg/pulse")
	t.Setenv("PULSE_REDIS_URL", "redis://cache:6379/1")
	t.Setenv("PULSE_KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("PULSE_LOG_LEVEL", "debug")
	t.Setenv("PULSE_ALERT_LEVEL", "CRITICAL")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, 100, cfg.Tracker.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Tracker.FlushInterval)
	assert.Equal(t, BackendMongo, cfg.Store.EventBackend)
	assert.Equal(t, BackendPostgres, cfg.Store.UserBackend)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.LogLevel)
	assert.Equal(t, analytics.RiskCritical, cfg.Analytics.AlertLevel)
}

func TestLoadConfig_DotEnv(t *testing.T) {
	baseEnv(t)
	path := writeFile(t, "test.env", "PULSE_TEST_DOTENV_PORT=7070\nPULSE_BATCH_SIZE=25\n")
	t.Setenv("PULSE_ENV_FILE", path)
	t.Setenv("PULSE_BATCH_SIZE", "10")
	t.Cleanup(func() { os.Unsetenv("PULSE_TEST_DOTENV_PORT") })

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "7070", os.Getenv("PULSE_TEST_DOTENV_PORT"))
	// variables already in the environment are not overridden
	assert.Equal(t, 10, cfg.Tracker.BatchSize)
}

func TestLoadConfig_InvalidLogLevel(t *testing.T) {
	baseEnv(t)
	t.Setenv("PULSE_LOG_LEVEL", "verbose")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfig_ConfigFile(t *testing.T) {
	baseEnv(t)
	path := writeFile(t, "pulse.yaml", `
pricing:
  pro: 119
churn_weights:
  inactivity: 40
`)
	t.Setenv("PULSE_CONFIG_FILE", path)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 119.0, cfg.Analytics.Pricing[users.TierPro])
	assert.Equal(t, 49.0, cfg.Analytics.Pricing[users.TierBasic])
	assert.Equal(t, 40.0, cfg.Analytics.ChurnWeights.Inactivity)
	assert.Equal(t, 25.0, cfg.Analytics.ChurnWeights.LowWinRate)
}

func TestApplyFile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "unknown tier", content: "pricing:\n  enterprise: 999\n"},
		{name: "malformed yaml", content: "pricing: [1, 2\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			err := cfg.ApplyFile(writeFile(t, "pulse.yaml", tt.content))
			assert.Error(t, err)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		cfg := validConfig()
		assert.Error(t, cfg.ApplyFile(filepath.Join(t.TempDir(), "nope.yaml")))
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing port", mutate: func(c *Config) { c.Server.Port = "" }, wantErr: true},
		{name: "zero batch size", mutate: func(c *Config) { c.Tracker.BatchSize = 0 }, wantErr: true},
		{name: "negative flush interval", mutate: func(c *Config) { c.Tracker.FlushInterval = -time.Second }, wantErr: true},
		{name: "zero rate limit", mutate: func(c *Config) { c.Server.RateLimitPerSecond = 0 }, wantErr: true},
		{name: "unknown event store", mutate: func(c *Config) { c.Store.EventBackend = "cassandra" }, wantErr: true},
		{name: "mongo without uri", mutate: func(c *Config) { c.Store.EventBackend = BackendMongo }, wantErr: true},
		{name: "postgres events without url", mutate: func(c *Config) { c.Store.EventBackend = BackendPostgres }, wantErr: true},
		{
			name: "postgres events with url",
			mutate: func(c *Config) {
				c.Store.EventBackend = BackendPostgres
				c.Store.PostgresURL = "postgres://pg/pulse"
			},
		},
		{name: "unknown user store", mutate: func(c *Config) { c.Store.UserBackend = "mongo" }, wantErr: true},
		{name: "postgres users without url", mutate: func(c *Config) { c.Store.UserBackend = BackendPostgres }, wantErr: true},
		{name: "webhook url", mutate: func(c *Config) { c.Webhook.URLs = []string{"https://hooks.example.com/churn"} }},
		{name: "webhook without scheme", mutate: func(c *Config) { c.Webhook.URLs = []string{"hooks.example.com"} }, wantErr: true},
		{name: "negative price", mutate: func(c *Config) { c.Analytics.Pricing[users.TierPro] = -1 }, wantErr: true},
		{name: "negative weight", mutate: func(c *Config) { c.Analytics.ChurnWeights.Engagement = -5 }, wantErr: true},
		{name: "unknown alert level", mutate: func(c *Config) { c.Analytics.AlertLevel = "severe" }, wantErr: true},
		{name: "otel without endpoint", mutate: func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelServiceName = "pulse"
		}, wantErr: true},
		{name: "sample ratio out of range", mutate: func(c *Config) { c.Observability.OTelSampleRatio = 1.5 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestObservabilityConfig_OTel(t *testing.T) {
	cfg := ObservabilityConfig{
		OTelEnabled:        true,
		OTelEndpoint:       "collector:4317",
		OTelServiceName:    "pulse",
		OTelServiceVersion: "2.0.0",
		OTelInsecure:       true,
		OTelSampleRatio:    0.25,
	}

	assert.Equal(t, observability.OTelConfig{
		Enabled:        true,
		Endpoint:       "collector:4317",
		ServiceName:    "pulse",
		ServiceVersion: "2.0.0",
		Insecure:       true,
		SampleRatio:    0.25,
	}, cfg.OTel())
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("PULSE_TEST_STRING", "custom")
	t.Setenv("PULSE_TEST_BOOL", "1")
	t.Setenv("PULSE_TEST_INT", "42")
	t.Setenv("PULSE_TEST_BAD_INT", "forty")
	t.Setenv("PULSE_TEST_FLOAT", "0.5")
	t.Setenv("PULSE_TEST_DURATION", "90s")
	t.Setenv("PULSE_TEST_BAD_DURATION", "soon")

	assert.Equal(t, "custom", getEnv("PULSE_TEST_STRING", "default"))
	assert.Equal(t, "default", getEnv("PULSE_TEST_UNSET", "default"))
	assert.True(t, getEnvBool("PULSE_TEST_BOOL", false))
	assert.True(t, getEnvBool("PULSE_TEST_UNSET", true))
	assert.Equal(t, 42, getEnvInt("PULSE_TEST_INT", 0))
	assert.Equal(t, 7, getEnvInt("PULSE_TEST_BAD_INT", 7))
	assert.Equal(t, 0.5, getEnvFloat("PULSE_TEST_FLOAT", 1))
	assert.Equal(t, 90*time.Second, getEnvDuration("PULSE_TEST_DURATION", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("PULSE_TEST_BAD_DURATION", time.Second))
	assert.Nil(t, getEnvList("PULSE_TEST_UNSET"))
}
