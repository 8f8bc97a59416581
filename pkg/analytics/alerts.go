package analytics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/platinummonkey/pulse/pkg/async"
	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/users"
)

const (
	alertBatchSize      = 100
	alertPublishWorkers = 4
	alertPublishTimeout = 30 * time.Second
)

// AlertPublisher hands churn alerts to the notification system
type AlertPublisher interface {
	PublishAlerts(ctx context.Context, alerts []*ChurnRiskAssessment) error
}

// AlertPublishers fans alerts out to several publishers. Every publisher
// is tried; the errors are joined.
type AlertPublishers []AlertPublisher

// PublishAlerts publishes to each publisher in order
func (p AlertPublishers) PublishAlerts(ctx context.Context, alerts []*ChurnRiskAssessment) error {
	var errs []error
	for _, publisher := range p {
		if err := publisher.PublishAlerts(ctx, alerts); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Alerter finds at-risk subscribers and raises churn alerts. Whether and
// when anyone is contacted is decided downstream.
type Alerter struct {
	users     users.Store
	predictor *ChurnPredictor
	publisher AlertPublisher
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewAlerter creates a new Alerter. A nil publisher only logs alerts.
func NewAlerter(userStore users.Store, predictor *ChurnPredictor, publisher AlertPublisher, logger *observability.Logger, metrics *observability.Metrics) *Alerter {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}
	return &Alerter{
		users:     userStore,
		predictor: predictor,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
	}
}

// CheckChurnAlerts scores active subscribers and raises an alert for each
// one at or above minLevel
func (a *Alerter) CheckChurnAlerts(ctx context.Context, minLevel RiskLevel) ([]*ChurnRiskAssessment, error) {
	active, err := a.users.ListBySubscriptionStatus(ctx, users.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to load active subscribers: %w", err)
	}

	alerts := a.predictor.GetHighRiskUsers(active, minLevel)
	if len(alerts) == 0 {
		a.logger.Info("No churn alerts")
		return alerts, nil
	}

	a.logger.Warnf("Found %d subscribers at %s churn risk or above", len(alerts), minLevel)
	for _, alert := range alerts {
		a.metrics.RecordChurnAlert(string(alert.RiskLevel))
		a.logger.WithFields(map[string]interface{}{
			"user_id":    alert.UserID,
			"risk_score": alert.RiskScore,
			"risk_level": string(alert.RiskLevel),
		}).Info("Churn alert")
	}

	if err := a.publish(ctx, alerts); err != nil {
		return alerts, err
	}
	return alerts, nil
}

func (a *Alerter) publish(ctx context.Context, alerts []*ChurnRiskAssessment) error {
	if a.publisher == nil {
		return nil
	}

	var batches [][]*ChurnRiskAssessment
	for start := 0; start < len(alerts); start += alertBatchSize {
		end := min(start+alertBatchSize, len(alerts))
		batches = append(batches, alerts[start:end])
	}

	errs := async.Batch(ctx, batches, alertPublishWorkers, "publish churn alerts", alertPublishTimeout,
		func(ctx context.Context, batch []*ChurnRiskAssessment) error {
			return a.publisher.PublishAlerts(ctx, batch)
		})
	if len(errs) > 0 {
		return fmt.Errorf("failed to publish %d of %d churn alert batches: %w", len(errs), len(batches), errors.Join(errs...))
	}
	return nil
}
