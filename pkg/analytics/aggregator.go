package analytics

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/platinummonkey/pulse/pkg/eventstore"
	"github.com/platinummonkey/pulse/pkg/observability"
)

// Aggregator runs the periodic maintenance jobs: refreshing cached
// snapshots and enforcing event retention on stores without a native TTL
type Aggregator struct {
	service *Service
	events  eventstore.Store
	logger  *observability.Logger
}

// NewAggregator creates a new aggregator
func NewAggregator(service *Service, events eventstore.Store, logger *observability.Logger) *Aggregator {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}
	return &Aggregator{service: service, events: events, logger: logger}
}

// RefreshSnapshots recomputes the dashboard overview and writes it to the
// snapshot cache
func (a *Aggregator) RefreshSnapshots(ctx context.Context) error {
	overview, err := a.service.RefreshOverview(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh overview snapshot: %w", err)
	}

	a.logger.WithFields(map[string]interface{}{
		"mrr":         overview.Revenue.MRR.Current,
		"subscribers": overview.Revenue.MRR.SubscriberCount,
		"at_risk":     overview.ChurnRisk.AtRisk,
	}).Info("Refreshed overview snapshot")
	return nil
}

// PurgeExpiredEvents deletes events past retention. Stores that expire
// events natively are left alone.
func (a *Aggregator) PurgeExpiredEvents(ctx context.Context) (int64, error) {
	purger, ok := a.events.(eventstore.Purger)
	if !ok {
		return 0, nil
	}

	purged, err := purger.PurgeExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired events: %w", err)
	}
	if purged > 0 {
		a.logger.Infof("Purged %d expired analytics events", purged)
	}
	return purged, nil
}

// RunAll runs every job, continuing past failures
func (a *Aggregator) RunAll(ctx context.Context) error {
	var errs []error
	if err := a.RefreshSnapshots(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := a.PurgeExpiredEvents(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
