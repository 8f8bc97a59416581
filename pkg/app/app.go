// Package app wires configuration into stores, publishers and the analytics
// services shared by the pulse binaries.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	"github.com/platinummonkey/pulse/pkg/analytics"
	"github.com/platinummonkey/pulse/pkg/cache"
	"github.com/platinummonkey/pulse/pkg/config"
	"github.com/platinummonkey/pulse/pkg/eventstore"
	"github.com/platinummonkey/pulse/pkg/eventstream"
	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/users"
	"github.com/platinummonkey/pulse/pkg/webhooks"
)

// Dependencies holds every external connection the binaries use. Optional
// parts are nil when not configured.
type Dependencies struct {
	DB        *sql.DB
	Mongo     *eventstore.MongoStore
	Events    eventstore.Store
	Users     users.Store
	Redis     *redis.Client
	Cache     *cache.RedisSnapshotCache
	Publisher *eventstream.KafkaPublisher
	Webhooks  *webhooks.Notifier

	logger *observability.Logger
}

// Open connects the stores selected by cfg. On error, anything already
// opened is closed.
func Open(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*Dependencies, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}
	deps := &Dependencies{logger: logger}
	if err := deps.open(ctx, cfg); err != nil {
		if closeErr := deps.Close(context.Background()); closeErr != nil {
			logger.WithError(closeErr).Warn("Failed to release partially opened dependencies")
		}
		return nil, err
	}
	return deps, nil
}

func (d *Dependencies) open(ctx context.Context, cfg *config.Config) error {
	var err error

	if cfg.Store.EventBackend == config.BackendPostgres || cfg.Store.UserBackend == config.BackendPostgres {
		if d.DB, err = openPostgres(ctx, cfg.Store); err != nil {
			return err
		}
	}

	if d.Events, err = d.openEventStore(ctx, cfg.Store); err != nil {
		return err
	}
	if d.Users, err = d.openUserStore(ctx, cfg.Store); err != nil {
		return err
	}

	if cfg.Redis.Enabled() {
		d.Redis, err = cache.NewRedisClient(ctx, cache.Options{
			URL:        cfg.Redis.URL,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
		})
		if err != nil {
			return err
		}
		d.Cache = cache.NewRedisSnapshotCache(d.Redis, "")
		d.logger.Info("Redis snapshot cache enabled")
	}

	if cfg.Kafka.Enabled() {
		d.Publisher = eventstream.NewKafkaPublisher(eventstream.Config{
			Brokers:     cfg.Kafka.Brokers,
			EventsTopic: cfg.Kafka.EventsTopic,
			AlertsTopic: cfg.Kafka.AlertsTopic,
		})
		d.logger.WithField("brokers", cfg.Kafka.Brokers).Info("Kafka event stream enabled")
	}

	if cfg.Webhook.Enabled() {
		d.Webhooks = webhooks.NewNotifier(webhooks.Config{
			URLs:    cfg.Webhook.URLs,
			Secret:  cfg.Webhook.Secret,
			Timeout: cfg.Webhook.Timeout,
			Retry:   webhooks.RetryConfig{MaxAttempts: cfg.Webhook.MaxAttempts},
		}, d.logger.WithField("component", "webhooks"))
		d.logger.Infof("Churn alert webhooks enabled for %d endpoints", len(cfg.Webhook.URLs))
	}

	return nil
}

func openPostgres(ctx context.Context, cfg config.StoreConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if cfg.PostgresMaxConns > 0 {
		db.SetMaxOpenConns(cfg.PostgresMaxConns)
		db.SetMaxIdleConns(cfg.PostgresMaxConns / 4)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return db, nil
}

func (d *Dependencies) openEventStore(ctx context.Context, cfg config.StoreConfig) (eventstore.Store, error) {
	switch cfg.EventBackend {
	case config.BackendMongo:
		store, err := eventstore.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection)
		if err != nil {
			return nil, err
		}
		d.Mongo = store
		if err := store.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendPostgres:
		store := eventstore.NewPostgresStore(d.DB)
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendMemory:
		d.logger.Warn("Using in-memory event store; events are lost on restart")
		return eventstore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown event store %q", cfg.EventBackend)
	}
}

func (d *Dependencies) openUserStore(ctx context.Context, cfg config.StoreConfig) (users.Store, error) {
	switch cfg.UserBackend {
	case config.BackendPostgres:
		store := users.NewPostgresStore(d.DB)
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendMemory:
		return users.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown user store %q", cfg.UserBackend)
	}
}

// EventPublisher returns the Kafka publisher, or nil when disabled
func (d *Dependencies) EventPublisher() analytics.EventPublisher {
	if d.Publisher == nil {
		return nil
	}
	return d.Publisher
}

// AlertPublisher returns every configured alert sink, or nil when there
// are none
func (d *Dependencies) AlertPublisher() analytics.AlertPublisher {
	var publishers analytics.AlertPublishers
	if d.Publisher != nil {
		publishers = append(publishers, d.Publisher)
	}
	if d.Webhooks != nil {
		publishers = append(publishers, d.Webhooks)
	}

	switch len(publishers) {
	case 0:
		return nil
	case 1:
		return publishers[0]
	default:
		return publishers
	}
}

// HealthChecker registers every open dependency. Postgres and Mongo are
// required; Redis only degrades the service.
func (d *Dependencies) HealthChecker(version string) *observability.HealthChecker {
	checker := observability.NewHealthChecker(version)
	if d.DB != nil {
		checker.AddDatabase("postgres", d.DB)
	}
	if d.Mongo != nil {
		checker.AddDependency("mongo", d.Mongo, true)
	}
	if d.Redis != nil {
		checker.AddRedis(d.Redis)
	}
	return checker
}

// Close releases every connection and joins the errors
func (d *Dependencies) Close(ctx context.Context) error {
	var errs []error
	if d.Publisher != nil {
		errs = append(errs, d.Publisher.Close())
	}
	if d.Redis != nil {
		errs = append(errs, d.Redis.Close())
	}
	if d.Mongo != nil {
		errs = append(errs, d.Mongo.Close(ctx))
	}
	if d.DB != nil {
		errs = append(errs, d.DB.Close())
	}
	return errors.Join(errs...)
}

// NewService builds the dashboard service from cfg
func NewService(cfg *config.Config, deps *Dependencies, logger *observability.Logger, metrics *observability.Metrics) *analytics.Service {
	pricing := cfg.Analytics.Pricing
	opts := []analytics.ServiceOption{
		analytics.WithServiceLogger(logger),
		analytics.WithServiceMetrics(metrics),
		analytics.WithCohortCache(cfg.Analytics.CohortCacheSize, cfg.Analytics.CohortCacheTTL),
	}
	if deps.Cache != nil {
		opts = append(opts, analytics.WithSnapshotCache(deps.Cache, cfg.Redis.SnapshotTTL))
	}

	return analytics.NewService(
		deps.Users,
		analytics.NewRevenueMetrics(deps.Users, pricing),
		analytics.NewCohortAnalyzer(deps.Users, deps.Events, pricing),
		NewPredictor(cfg, metrics),
		opts...,
	)
}

// NewPredictor builds the churn predictor from cfg
func NewPredictor(cfg *config.Config, metrics *observability.Metrics) *analytics.ChurnPredictor {
	return analytics.NewChurnPredictor(cfg.Analytics.ChurnWeights, analytics.WithChurnMetrics(metrics))
}

// NewEventService builds the ingestion service from cfg
func NewEventService(cfg *config.Config, deps *Dependencies, logger *observability.Logger, metrics *observability.Metrics) *analytics.EventService {
	opts := []analytics.TrackerOption{
		analytics.WithLogger(logger),
		analytics.WithMetrics(metrics),
	}
	if publisher := deps.EventPublisher(); publisher != nil {
		opts = append(opts, analytics.WithPublisher(publisher))
	}
	return analytics.NewEventService(deps.Events, cfg.Tracker, opts...)
}
