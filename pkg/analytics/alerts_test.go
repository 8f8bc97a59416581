package analytics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/users"
)

type recordingAlertPublisher struct {
	mu      sync.Mutex
	batches [][]*ChurnRiskAssessment
	err     error
}

func (p *recordingAlertPublisher) PublishAlerts(ctx context.Context, alerts []*ChurnRiskAssessment) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, alerts)
	return p.err
}

func (p *recordingAlertPublisher) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.batches {
		n += len(b)
	}
	return n
}

func TestAlerter_CheckChurnAlerts(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	publisher := &recordingAlertPublisher{}
	alerter := NewAlerter(users.NewMemoryStore(dashboardUsers()...), newTestPredictor(), publisher, nil, metrics)

	alerts, err := alerter.CheckChurnAlerts(context.Background(), RiskHigh)

	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "at-risk", alerts[0].UserID)
	assert.Equal(t, 1, publisher.total())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ChurnAlertsTotal.WithLabelValues("critical")))
}

func TestAlerter_NoAlerts(t *testing.T) {
	publisher := &recordingAlertPublisher{}
	alerter := NewAlerter(users.NewMemoryStore(healthyUser("ok")), newTestPredictor(), publisher, nil, nil)

	alerts, err := alerter.CheckChurnAlerts(context.Background(), RiskHigh)

	require.NoError(t, err)
	assert.Empty(t, alerts)
	assert.Empty(t, publisher.batches)
}

func TestAlerter_PublishesInBatches(t *testing.T) {
	var seed []*users.User
	for i := 0; i < 250; i++ {
		u := healthyUser(fmt.Sprintf("u-%03d", i))
		u.Stats = nil
		u.LastLogin = daysAgo(40)
		seed = append(seed, u)
	}
	publisher := &recordingAlertPublisher{}
	alerter := NewAlerter(users.NewMemoryStore(seed...), newTestPredictor(), publisher, nil, nil)

	alerts, err := alerter.CheckChurnAlerts(context.Background(), RiskCritical)

	require.NoError(t, err)
	assert.Len(t, alerts, 250)
	assert.Len(t, publisher.batches, 3)
	assert.Equal(t, 250, publisher.total())
}

func TestAlerter_PublishError(t *testing.T) {
	publisher := &recordingAlertPublisher{err: errors.New("kafka: leader not available")}
	alerter := NewAlerter(users.NewMemoryStore(dashboardUsers()...), newTestPredictor(), publisher, nil, nil)

	alerts, err := alerter.CheckChurnAlerts(context.Background(), RiskHigh)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "leader not available")
	assert.Len(t, alerts, 1)
}

func TestAlerter_WithoutPublisher(t *testing.T) {
	alerter := NewAlerter(users.NewMemoryStore(dashboardUsers()...), newTestPredictor(), nil, nil, nil)

	alerts, err := alerter.CheckChurnAlerts(context.Background(), RiskMedium)

	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestAlerter_StoreError(t *testing.T) {
	alerter := NewAlerter(&failingUserStore{err: errors.New("timeout")}, newTestPredictor(), nil, nil, nil)

	_, err := alerter.CheckChurnAlerts(context.Background(), RiskHigh)

	assert.Error(t, err)
}

func TestAlertPublishers_FansOutAndJoinsErrors(t *testing.T) {
	ok := &recordingAlertPublisher{}
	failing := &recordingAlertPublisher{err: errors.New("webhook down")}
	alerts := []*ChurnRiskAssessment{{UserID: "u-1", RiskLevel: RiskHigh}}

	err := AlertPublishers{failing, ok}.PublishAlerts(context.Background(), alerts)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook down")
	assert.Equal(t, 1, ok.total())
	assert.Equal(t, 1, failing.total())

	assert.NoError(t, AlertPublishers{}.PublishAlerts(context.Background(), alerts))
}
