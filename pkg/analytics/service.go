package analytics

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/users"
)

// OverviewCacheKey is where the dashboard overview snapshot is cached
const OverviewCacheKey = "overview"

const (
	DefaultSnapshotTTL     = 15 * time.Minute
	DefaultCohortCacheSize = 256
	DefaultCohortCacheTTL  = 5 * time.Minute

	cohortConcurrency = 4
)

// SnapshotCache stores computed read models
type SnapshotCache interface {
	// Get decodes the value at key into dest and reports whether it was found
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// ChurnRiskSummary is the churn risk distribution of active subscribers
type ChurnRiskSummary struct {
	AssessedUsers int               `json:"assessedUsers"`
	AtRisk        int               `json:"atRisk"`
	Distribution  map[RiskLevel]int `json:"distribution"`
}

// Overview is the dashboard landing view
type Overview struct {
	Revenue     *RevenueSnapshot `json:"revenue"`
	ChurnRisk   ChurnRiskSummary `json:"churnRisk"`
	GeneratedAt time.Time        `json:"generatedAt"`
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithSnapshotCache reads and writes the overview through cache
func WithSnapshotCache(cache SnapshotCache, ttl time.Duration) ServiceOption {
	return func(s *Service) {
		s.cache = cache
		if ttl > 0 {
			s.snapshotTTL = ttl
		}
	}
}

// WithCohortCache sizes the in-process cohort memo
func WithCohortCache(size int, ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if size > 0 {
			s.cohortCacheSize = size
		}
		if ttl > 0 {
			s.cohortCacheTTL = ttl
		}
	}
}

// WithServiceLogger sets the logger
func WithServiceLogger(logger *observability.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithServiceMetrics sets the Prometheus metrics
func WithServiceMetrics(metrics *observability.Metrics) ServiceOption {
	return func(s *Service) {
		s.metrics = metrics
	}
}

type cohortEntry struct {
	record *CohortRecord
}

// Service is the read side used by the dashboard API
type Service struct {
	users   users.Store
	revenue *RevenueMetrics
	cohorts *CohortAnalyzer
	churn   *ChurnPredictor

	cache           SnapshotCache
	snapshotTTL     time.Duration
	cohortCacheSize int
	cohortCacheTTL  time.Duration
	cohortMemo      *expirable.LRU[string, cohortEntry]

	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewService creates the dashboard service
func NewService(userStore users.Store, revenue *RevenueMetrics, cohorts *CohortAnalyzer, churn *ChurnPredictor, opts ...ServiceOption) *Service {
	s := &Service{
		users:           userStore,
		revenue:         revenue,
		cohorts:         cohorts,
		churn:           churn,
		snapshotTTL:     DefaultSnapshotTTL,
		cohortCacheSize: DefaultCohortCacheSize,
		cohortCacheTTL:  DefaultCohortCacheTTL,
		logger:          observability.NewLogger(observability.InfoLevel, io.Discard),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cohortMemo = expirable.NewLRU[string, cohortEntry](s.cohortCacheSize, nil, s.cohortCacheTTL)
	return s
}

// GetOverview returns the cached overview, computing and caching it on a miss
func (s *Service) GetOverview(ctx context.Context) (*Overview, error) {
	if s.cache != nil {
		var cached Overview
		found, err := s.cache.Get(ctx, OverviewCacheKey, &cached)
		if err != nil {
			s.logger.WithError(err).Warn("Failed to read overview snapshot")
		}
		s.metrics.RecordCacheLookup("snapshot", found)
		if found {
			return &cached, nil
		}
	}

	return s.RefreshOverview(ctx)
}

// RefreshOverview recomputes the overview and writes it to the cache
func (s *Service) RefreshOverview(ctx context.Context) (*Overview, error) {
	overview, err := s.ComputeOverview(ctx)
	if err != nil {
		return nil, err
	}

	s.metrics.SetRevenue(overview.Revenue.MRR.Current, overview.Revenue.MRR.SubscriberCount)

	if s.cache != nil {
		if err := s.cache.Set(ctx, OverviewCacheKey, overview, s.snapshotTTL); err != nil {
			s.logger.WithError(err).Warn("Failed to write overview snapshot")
		}
	}
	return overview, nil
}

// ComputeOverview computes revenue and churn risk concurrently
func (s *Service) ComputeOverview(ctx context.Context) (overview *Overview, err error) {
	ctx, span := observability.Tracer().Start(ctx, "analytics.ComputeOverview")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "overview failed")
		}
		span.End()
	}()

	overview = &Overview{GeneratedAt: s.now().UTC()}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		revenue, err := s.revenue.GetAllMetrics(gctx, time.Time{}, time.Time{})
		if err != nil {
			return err
		}
		overview.Revenue = revenue
		return nil
	})

	g.Go(func() error {
		active, err := s.users.ListBySubscriptionStatus(gctx, users.StatusActive)
		if err != nil {
			return fmt.Errorf("failed to load active subscribers: %w", err)
		}
		assessments := s.churn.BatchCalculateRisk(active)
		overview.ChurnRisk = ChurnRiskSummary{
			AssessedUsers: len(assessments),
			AtRisk:        len(FilterByRisk(assessments, RiskHigh)),
			Distribution:  RiskDistribution(assessments),
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return overview, nil
}

// GetMetrics returns revenue metrics, with churn when a window is given
func (s *Service) GetMetrics(ctx context.Context, start, end time.Time) (*RevenueSnapshot, error) {
	return s.revenue.GetAllMetrics(ctx, start, end)
}

// GetCohort returns a memoized cohort record. A nil record means the
// cohort is empty.
func (s *Service) GetCohort(ctx context.Context, cohortID string, period CohortPeriod) (*CohortRecord, error) {
	key := string(period) + ":" + cohortID
	if entry, ok := s.cohortMemo.Get(key); ok {
		s.metrics.RecordCacheLookup("cohort", true)
		return entry.record, nil
	}
	s.metrics.RecordCacheLookup("cohort", false)

	record, err := s.cohorts.AnalyzeCohortBehavior(ctx, cohortID, period)
	if err != nil {
		return nil, err
	}
	s.cohortMemo.Add(key, cohortEntry{record: record})
	return record, nil
}

// CompareCohorts analyzes the cohorts concurrently and compares them
func (s *Service) CompareCohorts(ctx context.Context, cohortIDs []string, period CohortPeriod) (*CohortComparison, error) {
	records := make([]*CohortRecord, len(cohortIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cohortConcurrency)
	for i, id := range cohortIDs {
		g.Go(func() error {
			record, err := s.GetCohort(gctx, id, period)
			if err != nil {
				return err
			}
			records[i] = record
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return CompareRecords(records), nil
}

// GetRetentionTable builds the retention matrix
func (s *Service) GetRetentionTable(ctx context.Context, opts RetentionOptions) (*RetentionTable, error) {
	return s.cohorts.GenerateRetentionTable(ctx, opts)
}

// GetUserChurnRisk scores a single user
func (s *Service) GetUserChurnRisk(ctx context.Context, userID string) (*ChurnRiskAssessment, error) {
	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.churn.CalculateChurnRisk(u), nil
}

// GetHighRiskUsers scores active subscribers and returns those at or
// above minLevel
func (s *Service) GetHighRiskUsers(ctx context.Context, minLevel RiskLevel) ([]*ChurnRiskAssessment, error) {
	active, err := s.users.ListBySubscriptionStatus(ctx, users.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to load active subscribers: %w", err)
	}
	return s.churn.GetHighRiskUsers(active, minLevel), nil
}
