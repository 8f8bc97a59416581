package analytics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/pulse/pkg/users"
)

func timeRef(t time.Time) *time.Time {
	return &t
}

func subscriber(id string, tier users.Tier, status string) *users.User {
	return &users.User{
		ID:           id,
		CreatedAt:    time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC),
		Subscription: users.Subscription{Tier: tier, Status: status},
	}
}

// failingUserStore fails every call
type failingUserStore struct {
	users.MemoryStore
	err error
}

func (s *failingUserStore) ListBySubscriptionStatus(ctx context.Context, status string) ([]*users.User, error) {
	return nil, s.err
}

func (s *failingUserStore) CountSubscribersAt(ctx context.Context, at time.Time) (int, error) {
	return 0, s.err
}

func TestComputeMRR(t *testing.T) {
	subscribers := []*users.User{
		subscriber("u1", users.TierBasic, users.StatusActive),
		subscriber("u2", users.TierPro, users.StatusActive),
		subscriber("u3", users.TierPremium, users.StatusActive),
		subscriber("u4", "", users.StatusActive),
		subscriber("u5", users.TierPremium, users.StatusCanceled),
	}

	mrr := ComputeMRR(subscribers, DefaultPricing())

	assert.Equal(t, 496.0, mrr.Current)
	assert.Equal(t, 4, mrr.SubscriberCount)
	assert.Equal(t, TierRevenue{Count: 2, Revenue: 98}, mrr.ByTier["basic"])
	assert.Equal(t, TierRevenue{Count: 1, Revenue: 99}, mrr.ByTier["pro"])
	assert.Equal(t, TierRevenue{Count: 1, Revenue: 299}, mrr.ByTier["premium"])

	assert.Equal(t, ARR{Current: 5952, MRR: 496}, ComputeARR(mrr))
}

func TestComputeARR_SinglePremium(t *testing.T) {
	mrr := ComputeMRR([]*users.User{subscriber("u1", users.TierPremium, users.StatusActive)}, DefaultPricing())

	assert.Equal(t, 299.0, mrr.Current)
	assert.Equal(t, ARR{Current: 3588, MRR: 299}, ComputeARR(mrr))
}

func TestComputeMRR_Empty(t *testing.T) {
	mrr := ComputeMRR(nil, DefaultPricing())

	assert.Zero(t, mrr.Current)
	assert.Zero(t, mrr.SubscriberCount)
	assert.Len(t, mrr.ByTier, 3)
	assert.Equal(t, TierRevenue{}, mrr.ByTier["premium"])
}

func TestComputeMRR_CustomPricing(t *testing.T) {
	pricing := Pricing{users.TierBasic: 10, users.TierPro: 20, users.TierPremium: 30}
	mrr := ComputeMRR([]*users.User{
		subscriber("u1", users.TierPro, users.StatusActive),
		subscriber("u2", "gold", users.StatusActive),
	}, pricing)

	assert.Equal(t, 30.0, mrr.Current)
}

func TestComputeLTV(t *testing.T) {
	created := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	canceled := []*users.User{
		{ID: "c1", CreatedAt: created, Subscription: users.Subscription{Status: users.StatusCanceled, CanceledAt: timeRef(created.AddDate(0, 0, 90))}},
		{ID: "c2", CreatedAt: created, Subscription: users.Subscription{Status: users.StatusCanceled, CanceledAt: timeRef(created.AddDate(0, 0, 180))}},
		{ID: "c3", CreatedAt: created, Subscription: users.Subscription{Status: users.StatusCanceled}},
	}
	active := []*users.User{
		subscriber("u1", users.TierBasic, users.StatusActive),
		subscriber("u2", users.TierPro, users.StatusActive),
	}

	ltv := ComputeLTV(active, canceled, DefaultPricing())

	assert.Equal(t, 74.0, ltv.AvgMonthlyRevenue)
	assert.Equal(t, 4.5, ltv.AvgLifetimeMonths)
	assert.Equal(t, 333.0, ltv.PerUser)
}

func TestComputeLTV_DefaultLifetime(t *testing.T) {
	active := []*users.User{subscriber("u1", users.TierPro, users.StatusActive)}

	ltv := ComputeLTV(active, nil, DefaultPricing())

	assert.Equal(t, 12.0, ltv.AvgLifetimeMonths)
	assert.Equal(t, 99.0, ltv.AvgMonthlyRevenue)
	assert.Equal(t, 1188.0, ltv.PerUser)
}

func TestComputeLTV_NoSubscribers(t *testing.T) {
	assert.Equal(t, LTV{AvgLifetimeMonths: 12}, ComputeLTV(nil, nil, DefaultPricing()))
}

func TestComputeChurnRate(t *testing.T) {
	assert.Equal(t, 5.0, ComputeChurnRate(5, 100))
	assert.Equal(t, 33.33, ComputeChurnRate(1, 3))
	assert.Equal(t, 0.0, ComputeChurnRate(3, 0))
	assert.Equal(t, 100.0, ComputeChurnRate(4, 1))
	assert.Equal(t, 0.0, ComputeChurnRate(-2, 10))
}

func TestRevenueMetrics_CalculateChurnRate_IgnoresMidWindowSignups(t *testing.T) {
	start := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 2, 29, 23, 59, 59, 0, time.UTC)

	seed := []*users.User{subscriber("veteran", users.TierPro, users.StatusActive)}
	for i := 0; i < 3; i++ {
		u := subscriber("", users.TierBasic, users.StatusCanceled)
		u.ID = "trial-" + string(rune('a'+i))
		u.CreatedAt = start.AddDate(0, 0, 2+i)
		u.Subscription.CanceledAt = timeRef(start.AddDate(0, 0, 10+i))
		seed = append(seed, u)
	}

	metrics := NewRevenueMetrics(users.NewMemoryStore(seed...), nil)
	churn, err := metrics.CalculateChurnRate(context.Background(), start, end)

	require.NoError(t, err)
	assert.Equal(t, 1, churn.StartSubscribers)
	assert.Equal(t, 0, churn.Churned)
	assert.Equal(t, 0.0, churn.ChurnRate)
}

func TestRevenueMetrics_CalculateChurnRate(t *testing.T) {
	start := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 2, 29, 23, 59, 59, 0, time.UTC)

	var seed []*users.User
	for i := 0; i < 95; i++ {
		u := subscriber("", users.TierBasic, users.StatusActive)
		u.ID = "active-" + string(rune('a'+i/26)) + string(rune('a'+i%26))
		seed = append(seed, u)
	}
	for i := 0; i < 5; i++ {
		u := subscriber("", users.TierPro, users.StatusCanceled)
		u.ID = "churned-" + string(rune('a'+i))
		u.Subscription.CanceledAt = timeRef(start.AddDate(0, 0, 3*i+1))
		seed = append(seed, u)
	}

	metrics := NewRevenueMetrics(users.NewMemoryStore(seed...), nil)
	churn, err := metrics.CalculateChurnRate(context.Background(), start, end)

	require.NoError(t, err)
	assert.Equal(t, 100, churn.StartSubscribers)
	assert.Equal(t, 5, churn.Churned)
	assert.Equal(t, 5.0, churn.ChurnRate)
	assert.Equal(t, start, churn.PeriodStart)
	assert.Equal(t, end, churn.PeriodEnd)
}

func TestRevenueMetrics_CalculateChurnRate_NoSubscribers(t *testing.T) {
	metrics := NewRevenueMetrics(users.NewMemoryStore(), nil)
	start := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	churn, err := metrics.CalculateChurnRate(context.Background(), start, start.AddDate(0, 1, 0))

	require.NoError(t, err)
	assert.Equal(t, 0.0, churn.ChurnRate)
}

func TestRevenueMetrics_CalculateChurnRate_InvalidRange(t *testing.T) {
	metrics := NewRevenueMetrics(users.NewMemoryStore(), nil)
	start := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	_, err := metrics.CalculateChurnRate(context.Background(), start, start.AddDate(0, 0, -1))

	assert.ErrorIs(t, err, ErrInvalidDateRange)
}

func TestRevenueMetrics_Calculators(t *testing.T) {
	store := users.NewMemoryStore(
		subscriber("u1", users.TierBasic, users.StatusActive),
		subscriber("u2", users.TierPremium, users.StatusActive),
	)
	metrics := NewRevenueMetrics(store, nil)
	ctx := context.Background()

	mrr, err := metrics.CalculateMRR(ctx)
	require.NoError(t, err)
	assert.Equal(t, 348.0, mrr.Current)

	arr, err := metrics.CalculateARR(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4176.0, arr.Current)

	ltv, err := metrics.CalculateLTV(ctx)
	require.NoError(t, err)
	assert.Equal(t, 174.0, ltv.AvgMonthlyRevenue)
	assert.Equal(t, 2088.0, ltv.PerUser)

	assert.Equal(t, DefaultPricing(), metrics.Pricing())
}

func TestRevenueMetrics_GetAllMetrics(t *testing.T) {
	store := users.NewMemoryStore(
		subscriber("u1", users.TierPro, users.StatusActive),
		subscriber("u2", users.TierPro, users.StatusActive),
	)
	metrics := NewRevenueMetrics(store, nil)
	ctx := context.Background()

	snapshot, err := metrics.GetAllMetrics(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 198.0, snapshot.MRR.Current)
	assert.Equal(t, 2376.0, snapshot.ARR.Current)
	assert.Nil(t, snapshot.Churn)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	snapshot, err = metrics.GetAllMetrics(ctx, start, start.AddDate(0, 1, 0))
	require.NoError(t, err)
	require.NotNil(t, snapshot.Churn)
	assert.Equal(t, 2, snapshot.Churn.StartSubscribers)
}

func TestRevenueMetrics_StoreErrors(t *testing.T) {
	storeErr := errors.New("connection reset")
	metrics := NewRevenueMetrics(&failingUserStore{err: storeErr}, nil)
	ctx := context.Background()

	_, err := metrics.CalculateMRR(ctx)
	assert.ErrorIs(t, err, storeErr)

	_, err = metrics.GetAllMetrics(ctx, time.Time{}, time.Time{})
	assert.ErrorIs(t, err, storeErr)

	_, err = metrics.CalculateChurnRate(ctx, time.Now().AddDate(0, -1, 0), time.Now())
	assert.ErrorIs(t, err, storeErr)
}
