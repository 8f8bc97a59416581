package users

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a user does not exist
var ErrNotFound = errors.New("user not found")

// Tier is a subscription plan
type Tier string

const (
	TierBasic   Tier = "basic"
	TierPro     Tier = "pro"
	TierPremium Tier = "premium"
)

// Tiers lists the priced tiers in display order
var Tiers = []Tier{TierBasic, TierPro, TierPremium}

// Normalize maps an empty or unknown tier to basic
func (t Tier) Normalize() Tier {
	switch t {
	case TierBasic, TierPro, TierPremium:
		return t
	default:
		return TierBasic
	}
}

// Subscription statuses
const (
	StatusActive   = "active"
	StatusCanceled = "canceled"
	StatusPastDue  = "past_due"
	StatusTrialing = "trialing"
)

// BrokerStatusError marks a broker connection that is failing
const BrokerStatusError = "error"

// Subscription is the billing state of a user
type Subscription struct {
	Tier       Tier       `json:"tier"`
	Status     string     `json:"status"`
	CanceledAt *time.Time `json:"canceledAt,omitempty"`
}

// Stats summarizes a user's trading activity
type Stats struct {
	TotalTrades int        `json:"totalTrades"`
	WinRate     float64    `json:"winRate"`
	TotalProfit float64    `json:"totalProfit"`
	LastTrade   *time.Time `json:"lastTrade,omitempty"`
}

// BrokerConnection is a linked brokerage account
type BrokerConnection struct {
	Broker string `json:"broker"`
	Status string `json:"status"`
}

// SupportTicket is a customer support request
type SupportTicket struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// User is the read-only user aggregate
type User struct {
	ID                string             `json:"id"`
	CreatedAt         time.Time          `json:"createdAt"`
	LastLogin         *time.Time         `json:"lastLogin,omitempty"`
	Subscription      Subscription       `json:"subscription"`
	Stats             *Stats             `json:"stats,omitempty"`
	BrokerConnections []BrokerConnection `json:"brokerConnections,omitempty"`
	SupportTickets    []SupportTicket    `json:"supportTickets,omitempty"`
}

// IsActive reports whether the user has an active subscription
func (u *User) IsActive() bool {
	return u.Subscription.Status == StatusActive
}

// TradeStats returns the user's stats, or zero values when none are recorded
func (u *User) TradeStats() Stats {
	if u.Stats == nil {
		return Stats{}
	}
	return *u.Stats
}

// BrokerIssues counts broker connections in the error state
func (u *User) BrokerIssues() int {
	count := 0
	for _, conn := range u.BrokerConnections {
		if conn.Status == BrokerStatusError {
			count++
		}
	}
	return count
}

// Store reads users
type Store interface {
	Get(ctx context.Context, id string) (*User, error)
	ListBySubscriptionStatus(ctx context.Context, status string) ([]*User, error)
	// ListCreatedBetween returns users created in [from, to)
	ListCreatedBetween(ctx context.Context, from, to time.Time) ([]*User, error)
	// CountSubscribersAt counts users created before at whose subscription
	// was active at that instant
	CountSubscribersAt(ctx context.Context, at time.Time) (int, error)
	// CountCanceledBetween counts cancellations with canceledAt in [from, to]
	// by users who were created before from, so the result never includes
	// anyone missing from CountSubscribersAt(from)
	CountCanceledBetween(ctx context.Context, from, to time.Time) (int, error)
}
