package users

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func timeRef(t time.Time) *time.Time {
	return &t
}

func fixtureUsers(base time.Time) []*User {
	return []*User{
		{
			ID:           "active-old",
			CreatedAt:    base.AddDate(0, -3, 0),
			Subscription: Subscription{Tier: TierPro, Status: StatusActive},
		},
		{
			ID:           "active-new",
			CreatedAt:    base.AddDate(0, 0, 5),
			Subscription: Subscription{Tier: TierBasic, Status: StatusActive},
		},
		{
			ID:        "canceled-during",
			CreatedAt: base.AddDate(0, -2, 0),
			Subscription: Subscription{
				Tier:       TierPremium,
				Status:     StatusCanceled,
				CanceledAt: timeRef(base.AddDate(0, 0, 10)),
			},
		},
		{
			ID:        "canceled-before",
			CreatedAt: base.AddDate(0, -2, 0),
			Subscription: Subscription{
				Status:     StatusCanceled,
				CanceledAt: timeRef(base.AddDate(0, 0, -1)),
			},
		},
		{
			ID:           "past-due",
			CreatedAt:    base.AddDate(0, -1, 0),
			Subscription: Subscription{Tier: TierBasic, Status: StatusPastDue},
		},
	}
}

func TestMemoryStoreCountCanceledBetween_IgnoresMidWindowSignups(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore(
		&User{
			ID:           "veteran",
			CreatedAt:    base.AddDate(0, -1, 0),
			Subscription: Subscription{Tier: TierPro, Status: StatusCanceled, CanceledAt: timeRef(base.AddDate(0, 0, 3))},
		},
		&User{
			ID:           "signed-up-at-start",
			CreatedAt:    base,
			Subscription: Subscription{Tier: TierPro, Status: StatusCanceled, CanceledAt: timeRef(base.AddDate(0, 0, 4))},
		},
		&User{
			ID:           "signed-up-mid-window",
			CreatedAt:    base.AddDate(0, 0, 2),
			Subscription: Subscription{Tier: TierBasic, Status: StatusCanceled, CanceledAt: timeRef(base.AddDate(0, 0, 6))},
		},
	)

	canceled, err := store.CountCanceledBetween(ctx, base, base.AddDate(0, 0, 10))
	require.NoError(t, err)
	assert.Equal(t, 1, canceled)

	subscribers, err := store.CountSubscribersAt(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, 1, subscribers)
}

func TestTierNormalize(t *testing.T) {
	assert.Equal(t, TierPro, TierPro.Normalize())
	assert.Equal(t, TierPremium, TierPremium.Normalize())
	assert.Equal(t, TierBasic, Tier("").Normalize())
	assert.Equal(t, TierBasic, Tier("enterprise").Normalize())
}

func TestUserHelpers(t *testing.T) {
	u := &User{
		BrokerConnections: []BrokerConnection{
			{Broker: "alpaca", Status: BrokerStatusError},
			{Broker: "ibkr", Status: "connected"},
			{Broker: "tradier", Status: BrokerStatusError},
		},
	}

	assert.Equal(t, 2, u.BrokerIssues())
	assert.Equal(t, Stats{}, u.TradeStats())
	assert.False(t, u.IsActive())

	u.Stats = &Stats{TotalTrades: 4}
	assert.Equal(t, 4, u.TradeStats().TotalTrades)
}

func TestMemoryStoreGet(t *testing.T) {
	store := NewMemoryStore(&User{ID: "u1"})

	u, err := store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)

	_, err = store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreQueries(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore(fixtureUsers(base)...)

	active, err := store.ListBySubscriptionStatus(ctx, StatusActive)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "active-old", active[0].ID)
	assert.Equal(t, "active-new", active[1].ID)

	created, err := store.ListCreatedBetween(ctx, base.AddDate(0, -2, 0), base)
	require.NoError(t, err)
	assert.Len(t, created, 3, "from is inclusive and to is exclusive")

	subscribers, err := store.CountSubscribersAt(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, 2, subscribers, "active-old and canceled-during were subscribed at base")

	canceled, err := store.CountCanceledBetween(ctx, base, base.AddDate(0, 0, 10))
	require.NoError(t, err)
	assert.Equal(t, 1, canceled, "to is inclusive")

	none, err := store.ListBySubscriptionStatus(ctx, StatusTrialing)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}
