package analytics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/platinummonkey/pulse/pkg/users"
)

// ErrInvalidDateRange is returned when a window ends before it starts
var ErrInvalidDateRange = errors.New("end date is before start date")

const (
	// daysPerMonth is the month length used for lifetime calculations
	daysPerMonth = 30
	// defaultLifetimeMonths is assumed when no user has canceled yet
	defaultLifetimeMonths = 12
)

// Pricing maps a tier to its monthly price
type Pricing map[users.Tier]float64

// DefaultPricing returns the list prices
func DefaultPricing() Pricing {
	return Pricing{
		users.TierBasic:   49,
		users.TierPro:     99,
		users.TierPremium: 299,
	}
}

// Price returns the monthly price of a tier. Empty and unknown tiers are
// priced as basic.
func (p Pricing) Price(tier users.Tier) float64 {
	return p[tier.Normalize()]
}

func tierOrDefault(tier string) string {
	return string(users.Tier(tier).Normalize())
}

// TierRevenue is the subscriber count and revenue of one tier
type TierRevenue struct {
	Count   int     `json:"count"`
	Revenue float64 `json:"revenue"`
}

// MRR is monthly recurring revenue
type MRR struct {
	Current         float64                `json:"current"`
	SubscriberCount int                    `json:"subscriberCount"`
	ByTier          map[string]TierRevenue `json:"byTier"`
}

// ARR is annual recurring revenue
type ARR struct {
	Current float64 `json:"current"`
	MRR     float64 `json:"mrr"`
}

// LTV is customer lifetime value
type LTV struct {
	PerUser           float64 `json:"perUser"`
	AvgLifetimeMonths float64 `json:"avgLifetimeMonths"`
	AvgMonthlyRevenue float64 `json:"avgMonthlyRevenue"`
}

// ChurnRate is the share of subscribers lost over a window
type ChurnRate struct {
	ChurnRate        float64   `json:"churnRate"`
	Churned          int       `json:"churned"`
	StartSubscribers int       `json:"startSubscribers"`
	PeriodStart      time.Time `json:"periodStart"`
	PeriodEnd        time.Time `json:"periodEnd"`
}

// RevenueSnapshot composes every revenue metric. Churn is nil unless an
// explicit window was requested.
type RevenueSnapshot struct {
	MRR   MRR        `json:"mrr"`
	ARR   ARR        `json:"arr"`
	LTV   LTV        `json:"ltv"`
	Churn *ChurnRate `json:"churn"`
}

// ComputeMRR sums tier prices over active subscribers
func ComputeMRR(subscribers []*users.User, pricing Pricing) MRR {
	result := MRR{ByTier: make(map[string]TierRevenue, len(users.Tiers))}
	for _, tier := range users.Tiers {
		result.ByTier[string(tier)] = TierRevenue{}
	}

	for _, u := range subscribers {
		if !u.IsActive() {
			continue
		}
		tier := u.Subscription.Tier.Normalize()
		price := pricing.Price(tier)

		entry := result.ByTier[string(tier)]
		entry.Count++
		entry.Revenue += price
		result.ByTier[string(tier)] = entry

		result.Current += price
		result.SubscriberCount++
	}
	return result
}

// ComputeARR annualizes MRR
func ComputeARR(mrr MRR) ARR {
	return ARR{Current: mrr.Current * 12, MRR: mrr.Current}
}

// ComputeLTV estimates lifetime value from active revenue and the observed
// lifetime of canceled users
func ComputeLTV(active, canceled []*users.User, pricing Pricing) LTV {
	mrr := ComputeMRR(active, pricing)
	avgMonthly := safeDiv(mrr.Current, float64(mrr.SubscriberCount))

	var totalMonths float64
	var samples int
	for _, u := range canceled {
		canceledAt := u.Subscription.CanceledAt
		if canceledAt == nil {
			continue
		}
		days := canceledAt.Sub(u.CreatedAt).Hours() / 24
		totalMonths += max(0, days/daysPerMonth)
		samples++
	}

	avgLifetime := float64(defaultLifetimeMonths)
	if samples > 0 {
		avgLifetime = totalMonths / float64(samples)
	}

	return LTV{
		PerUser:           round2(avgMonthly * avgLifetime),
		AvgLifetimeMonths: round2(avgLifetime),
		AvgMonthlyRevenue: round2(avgMonthly),
	}
}

// ComputeChurnRate returns churned over starting subscribers as a
// percentage clamped to [0, 100]. Zero starting subscribers yields zero.
func ComputeChurnRate(churned, startSubscribers int) float64 {
	rate := round2(safeDiv(float64(churned), float64(startSubscribers)) * 100)
	return math.Max(0, math.Min(100, rate))
}

// RevenueMetrics computes revenue metrics from the user store
type RevenueMetrics struct {
	users   users.Store
	pricing Pricing
}

// NewRevenueMetrics creates a revenue calculator. A nil pricing table uses
// the list prices.
func NewRevenueMetrics(store users.Store, pricing Pricing) *RevenueMetrics {
	if pricing == nil {
		pricing = DefaultPricing()
	}
	return &RevenueMetrics{users: store, pricing: pricing}
}

// Pricing returns the pricing table in use
func (m *RevenueMetrics) Pricing() Pricing {
	return m.pricing
}

// CalculateMRR returns current monthly recurring revenue
func (m *RevenueMetrics) CalculateMRR(ctx context.Context) (MRR, error) {
	active, err := m.users.ListBySubscriptionStatus(ctx, users.StatusActive)
	if err != nil {
		return MRR{}, fmt.Errorf("failed to load active subscribers: %w", err)
	}
	return ComputeMRR(active, m.pricing), nil
}

// CalculateARR returns current annual recurring revenue
func (m *RevenueMetrics) CalculateARR(ctx context.Context) (ARR, error) {
	mrr, err := m.CalculateMRR(ctx)
	if err != nil {
		return ARR{}, err
	}
	return ComputeARR(mrr), nil
}

// CalculateLTV returns the current lifetime value estimate
func (m *RevenueMetrics) CalculateLTV(ctx context.Context) (LTV, error) {
	active, canceled, err := m.snapshot(ctx)
	if err != nil {
		return LTV{}, err
	}
	return ComputeLTV(active, canceled, m.pricing), nil
}

// CalculateChurnRate returns the churn rate over [start, end]
func (m *RevenueMetrics) CalculateChurnRate(ctx context.Context, start, end time.Time) (ChurnRate, error) {
	if end.Before(start) {
		return ChurnRate{}, ErrInvalidDateRange
	}

	startSubscribers, err := m.users.CountSubscribersAt(ctx, start)
	if err != nil {
		return ChurnRate{}, fmt.Errorf("failed to count starting subscribers: %w", err)
	}
	churned, err := m.users.CountCanceledBetween(ctx, start, end)
	if err != nil {
		return ChurnRate{}, fmt.Errorf("failed to count cancellations: %w", err)
	}

	return ChurnRate{
		ChurnRate:        ComputeChurnRate(churned, startSubscribers),
		Churned:          churned,
		StartSubscribers: startSubscribers,
		PeriodStart:      start,
		PeriodEnd:        end,
	}, nil
}

// GetAllMetrics computes every revenue metric from one read of the user
// store. Churn is only computed when both start and end are set.
func (m *RevenueMetrics) GetAllMetrics(ctx context.Context, start, end time.Time) (*RevenueSnapshot, error) {
	active, canceled, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	mrr := ComputeMRR(active, m.pricing)
	snapshot := &RevenueSnapshot{
		MRR: mrr,
		ARR: ComputeARR(mrr),
		LTV: ComputeLTV(active, canceled, m.pricing),
	}

	if !start.IsZero() && !end.IsZero() {
		churn, err := m.CalculateChurnRate(ctx, start, end)
		if err != nil {
			return nil, err
		}
		snapshot.Churn = &churn
	}
	return snapshot, nil
}

func (m *RevenueMetrics) snapshot(ctx context.Context) (active, canceled []*users.User, err error) {
	active, err = m.users.ListBySubscriptionStatus(ctx, users.StatusActive)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load active subscribers: %w", err)
	}
	canceled, err = m.users.ListBySubscriptionStatus(ctx, users.StatusCanceled)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load canceled subscribers: %w", err)
	}
	return active, canceled, nil
}
