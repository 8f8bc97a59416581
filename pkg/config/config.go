package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/pulse/pkg/analytics"
	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/users"
)

// Backends
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Tracker       analytics.TrackerConfig
	Store         StoreConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Webhook       WebhookConfig
	Analytics     AnalyticsConfig
	Aggregator    AggregatorConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Per-IP limit on event ingestion
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// StoreConfig selects and connects the event and user stores
type StoreConfig struct {
	EventBackend string
	UserBackend  string

	PostgresURL      string
	PostgresMaxConns int

	MongoURI        string
	MongoDatabase   string
	MongoCollection string
}

// RedisConfig configures the snapshot cache. An empty URL disables it.
type RedisConfig struct {
	URL         string
	Password    string
	DB          int
	PoolSize    int
	MaxRetries  int
	SnapshotTTL time.Duration
}

// Enabled reports whether a Redis URL is configured
func (c RedisConfig) Enabled() bool {
	return c.URL != ""
}

// KafkaConfig configures the event stream. No brokers disables it.
type KafkaConfig struct {
	Brokers     []string
	EventsTopic string
	AlertsTopic string
}

// Enabled reports whether any broker is configured
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

// WebhookConfig configures churn alert webhooks. No URLs disables them.
type WebhookConfig struct {
	URLs        []string
	Secret      string
	Timeout     time.Duration
	MaxAttempts int
}

// Enabled reports whether any webhook URL is configured
func (c WebhookConfig) Enabled() bool {
	return len(c.URLs) > 0
}

// AnalyticsConfig tunes the computators
type AnalyticsConfig struct {
	Pricing         analytics.Pricing
	ChurnWeights    analytics.ChurnWeights
	CohortCacheSize int
	CohortCacheTTL  time.Duration
	AlertLevel      analytics.RiskLevel
}

// AggregatorConfig holds the cron schedules of the aggregator worker
type AggregatorConfig struct {
	RefreshSchedule string
	AlertSchedule   string
	PurgeSchedule   string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// OTel returns the tracing settings
func (c ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        c.OTelEnabled,
		Endpoint:       c.OTelEndpoint,
		ServiceName:    c.OTelServiceName,
		ServiceVersion: c.OTelServiceVersion,
		Insecure:       c.OTelInsecure,
		SampleRatio:    c.OTelSampleRatio,
	}
}

// fileOverlay is the YAML file named by PULSE_CONFIG_FILE
type fileOverlay struct {
	Pricing      map[string]float64     `yaml:"pricing"`
	ChurnWeights analytics.ChurnWeights `yaml:"churn_weights"`
}

// LoadConfig loads configuration from an optional .env file, environment
// variables and an optional YAML overlay, in that order
func LoadConfig() (*Config, error) {
	if err := loadDotEnv(getEnv("PULSE_ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	obs, err := loadObservabilityConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server:        loadServerConfig(),
		Tracker:       loadTrackerConfig(),
		Store:         loadStoreConfig(),
		Redis:         loadRedisConfig(),
		Kafka:         loadKafkaConfig(),
		Webhook:       loadWebhookConfig(),
		Analytics:     loadAnalyticsConfig(),
		Aggregator:    loadAggregatorConfig(),
		Observability: obs,
	}

	if path := getEnv("PULSE_CONFIG_FILE", ""); path != "" {
		if err := cfg.ApplyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadDotEnv loads a .env file. A missing file is not an error; variables
// already set in the environment win.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:               getEnv("PULSE_HOST", "0.0.0.0"),
		Port:               getEnv("PULSE_PORT", "8080"),
		ReadTimeout:        getEnvDuration("PULSE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:       getEnvDuration("PULSE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:        getEnvDuration("PULSE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:    getEnvDuration("PULSE_SHUTDOWN_TIMEOUT", observability.DefaultShutdownTimeout),
		RateLimitPerSecond: getEnvFloat("PULSE_RATE_LIMIT_PER_SECOND", 100),
		RateLimitBurst:     getEnvInt("PULSE_RATE_LIMIT_BURST", 200),
	}
}

func loadTrackerConfig() analytics.TrackerConfig {
	return analytics.TrackerConfig{
		BatchSize:     getEnvInt("PULSE_BATCH_SIZE", analytics.DefaultBatchSize),
		FlushInterval: getEnvDuration("PULSE_FLUSH_INTERVAL", analytics.DefaultFlushInterval),
	}
}

func loadStoreConfig() StoreConfig {
	return StoreConfig{
		EventBackend:     strings.ToLower(getEnv("PULSE_EVENT_STORE", BackendMongo)),
		UserBackend:      strings.ToLower(getEnv("PULSE_USER_STORE", BackendPostgres)),
		PostgresURL:      getEnv("PULSE_POSTGRES_URL", ""),
		PostgresMaxConns: getEnvInt("PULSE_POSTGRES_MAX_CONNS", 20),
		MongoURI:         getEnv("PULSE_MONGO_URI", ""),
		MongoDatabase:    getEnv("PULSE_MONGO_DATABASE", "pulse"),
		MongoCollection:  getEnv("PULSE_MONGO_COLLECTION", "analytics_events"),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:         getEnv("PULSE_REDIS_URL", ""),
		Password:    getEnv("PULSE_REDIS_PASSWORD", ""),
		DB:          getEnvInt("PULSE_REDIS_DB", 0),
		PoolSize:    getEnvInt("PULSE_REDIS_POOL_SIZE", 0),
		MaxRetries:  getEnvInt("PULSE_REDIS_MAX_RETRIES", 0),
		SnapshotTTL: getEnvDuration("PULSE_SNAPSHOT_TTL", analytics.DefaultSnapshotTTL),
	}
}

func loadKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:     getEnvList("PULSE_KAFKA_BROKERS"),
		EventsTopic: getEnv("PULSE_KAFKA_EVENTS_TOPIC", "analytics.events"),
		AlertsTopic: getEnv("PULSE_KAFKA_ALERTS_TOPIC", "churn.alerts"),
	}
}

func loadWebhookConfig() WebhookConfig {
	return WebhookConfig{
		URLs:        getEnvList("PULSE_ALERT_WEBHOOK_URLS"),
		Secret:      getEnv("PULSE_ALERT_WEBHOOK_SECRET", ""),
		Timeout:     getEnvDuration("PULSE_ALERT_WEBHOOK_TIMEOUT", 10*time.Second),
		MaxAttempts: getEnvInt("PULSE_ALERT_WEBHOOK_MAX_ATTEMPTS", 5),
	}
}

func loadAnalyticsConfig() AnalyticsConfig {
	return AnalyticsConfig{
		Pricing:         analytics.DefaultPricing(),
		ChurnWeights:    analytics.DefaultChurnWeights(),
		CohortCacheSize: getEnvInt("PULSE_COHORT_CACHE_SIZE", analytics.DefaultCohortCacheSize),
		CohortCacheTTL:  getEnvDuration("PULSE_COHORT_CACHE_TTL", analytics.DefaultCohortCacheTTL),
		AlertLevel:      analytics.RiskLevel(strings.ToLower(getEnv("PULSE_ALERT_LEVEL", string(analytics.RiskHigh)))),
	}
}

func loadAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		RefreshSchedule: getEnv("PULSE_REFRESH_SCHEDULE", "@every 10m"),
		AlertSchedule:   getEnv("PULSE_ALERT_SCHEDULE", "0 8 * * *"),
		PurgeSchedule:   getEnv("PULSE_PURGE_SCHEDULE", "30 3 * * *"),
	}
}

func loadObservabilityConfig() (ObservabilityConfig, error) {
	level, err := observability.ParseLogLevel(getEnv("PULSE_LOG_LEVEL", "info"))
	if err != nil {
		return ObservabilityConfig{}, fmt.Errorf("PULSE_LOG_LEVEL: %w", err)
	}

	return ObservabilityConfig{
		LogLevel:           level,
		MetricsEnabled:     getEnvBool("PULSE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("PULSE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("PULSE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("PULSE_OTEL_SERVICE_NAME", "pulse"),
		OTelServiceVersion: getEnv("PULSE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("PULSE_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("PULSE_OTEL_SAMPLE_RATIO", 1),
	}, nil
}

// ApplyFile overlays pricing and churn weights from a YAML file. Keys left
// out of the file keep their current values.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	overlay := fileOverlay{ChurnWeights: c.Analytics.ChurnWeights}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if c.Analytics.Pricing == nil {
		c.Analytics.Pricing = analytics.DefaultPricing()
	}
	for tier, price := range overlay.Pricing {
		t := users.Tier(strings.ToLower(tier))
		if t.Normalize() != t {
			return fmt.Errorf("config file %s: unknown tier %q", path, tier)
		}
		c.Analytics.Pricing[t] = price
	}
	c.Analytics.ChurnWeights = overlay.ChurnWeights
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.RateLimitPerSecond <= 0 || c.Server.RateLimitBurst <= 0 {
		return fmt.Errorf("rate limit and burst must be positive")
	}

	if c.Tracker.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.Tracker.BatchSize)
	}
	if c.Tracker.FlushInterval <= 0 {
		return fmt.Errorf("flush interval must be positive, got %s", c.Tracker.FlushInterval)
	}

	switch c.Store.EventBackend {
	case BackendMemory:
	case BackendMongo:
		if c.Store.MongoURI == "" {
			return fmt.Errorf("mongo URI is required for the mongo event store")
		}
	case BackendPostgres:
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for the postgres event store")
		}
	default:
		return fmt.Errorf("invalid event store: %s (must be mongo, postgres, or memory)", c.Store.EventBackend)
	}

	switch c.Store.UserBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for the postgres user store")
		}
	default:
		return fmt.Errorf("invalid user store: %s (must be postgres or memory)", c.Store.UserBackend)
	}

	for _, raw := range c.Webhook.URLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid alert webhook URL: %q", raw)
		}
	}

	for tier, price := range c.Analytics.Pricing {
		if price < 0 {
			return fmt.Errorf("price for tier %s must not be negative", tier)
		}
	}
	if err := validateWeights(c.Analytics.ChurnWeights); err != nil {
		return err
	}
	if _, err := analytics.ParseRiskLevel(string(c.Analytics.AlertLevel)); err != nil {
		return fmt.Errorf("alert level: %w", err)
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}
	if r := c.Observability.OTelSampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("OpenTelemetry sample ratio must be within [0, 1], got %v", r)
	}

	return nil
}

func validateWeights(w analytics.ChurnWeights) error {
	weights := map[string]float64{
		"inactivity":       w.Inactivity,
		"low_win_rate":     w.LowWinRate,
		"mid_win_rate":     w.MidWinRate,
		"engagement":       w.Engagement,
		"negative_profit":  w.NegativeProfit,
		"per_broker_issue": w.PerBrokerIssue,
		"max_broker_issue": w.MaxBrokerIssue,
	}
	for name, v := range weights {
		if v < 0 {
			return fmt.Errorf("churn weight %s must not be negative", name)
		}
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated environment variable
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
