package analytics

import (
	"context"

	"github.com/platinummonkey/pulse/pkg/eventstore"
)

// Login methods
const (
	LoginMethodPassword = "password"
	LoginMethodOAuth    = "oauth"
	LoginMethodSSO      = "sso"
)

// SignupDetails describes a new account
type SignupDetails struct {
	Source   string
	Referrer string
	Campaign string
}

// SubscriptionDetails describes a subscription purchase or renewal
type SubscriptionDetails struct {
	Tier     string
	Amount   float64
	Currency string
	Interval string
}

// CancellationDetails describes a subscription cancellation
type CancellationDetails struct {
	Tier     string
	Reason   string
	Feedback string
}

// BrokerDetails describes a brokerage account link
type BrokerDetails struct {
	Broker      string
	AccountType string
}

// SignalDetails describes a signal subscription
type SignalDetails struct {
	SignalID string
	Provider string
}

// TradeDetails describes an executed trade
type TradeDetails struct {
	Symbol   string
	Side     string
	Quantity float64
	Price    float64
	Profit   *float64
	Broker   string
}

// LoginDetails describes a login. Method defaults to password.
type LoginDetails struct {
	Method        string
	TwoFactorUsed bool
}

// TrackSignup records a signup. Written immediately.
func (s *EventService) TrackSignup(ctx context.Context, userID string, d SignupDetails, req *RequestContext) TrackResult {
	data := map[string]any{}
	putString(data, "source", d.Source)
	putString(data, "referrer", d.Referrer)
	putString(data, "campaign", d.Campaign)
	return s.TrackEvent(ctx, eventstore.EventSignup, userID, data, TrackOptions{Request: req, Immediate: true})
}

// TrackSubscriptionCreated records a new subscription. Written immediately.
func (s *EventService) TrackSubscriptionCreated(ctx context.Context, userID string, d SubscriptionDetails, req *RequestContext) TrackResult {
	return s.TrackEvent(ctx, eventstore.EventSubscriptionCreated, userID, subscriptionData(d), TrackOptions{Request: req, Immediate: true})
}

// TrackSubscriptionRenewed records a renewal. Written immediately.
func (s *EventService) TrackSubscriptionRenewed(ctx context.Context, userID string, d SubscriptionDetails, req *RequestContext) TrackResult {
	return s.TrackEvent(ctx, eventstore.EventSubscriptionRenewed, userID, subscriptionData(d), TrackOptions{Request: req, Immediate: true})
}

// TrackSubscriptionCanceled records a cancellation. Written immediately.
func (s *EventService) TrackSubscriptionCanceled(ctx context.Context, userID string, d CancellationDetails, req *RequestContext) TrackResult {
	data := map[string]any{
		"tier": tierOrDefault(d.Tier),
	}
	putString(data, "reason", d.Reason)
	putString(data, "feedback", d.Feedback)
	return s.TrackEvent(ctx, eventstore.EventSubscriptionCanceled, userID, data, TrackOptions{Request: req, Immediate: true})
}

// TrackBrokerConnected records a broker link. Written immediately.
func (s *EventService) TrackBrokerConnected(ctx context.Context, userID string, d BrokerDetails, req *RequestContext) TrackResult {
	data := map[string]any{"broker": d.Broker}
	putString(data, "accountType", d.AccountType)
	return s.TrackEvent(ctx, eventstore.EventBrokerConnected, userID, data, TrackOptions{Request: req, Immediate: true})
}

// TrackSignalSubscribed records a signal subscription. Written immediately.
func (s *EventService) TrackSignalSubscribed(ctx context.Context, userID string, d SignalDetails, req *RequestContext) TrackResult {
	data := map[string]any{"signalId": d.SignalID}
	putString(data, "provider", d.Provider)
	return s.TrackEvent(ctx, eventstore.EventSignalSubscribed, userID, data, TrackOptions{Request: req, Immediate: true})
}

// TrackTradeExecuted records a trade. Buffered.
func (s *EventService) TrackTradeExecuted(ctx context.Context, userID string, d TradeDetails, req *RequestContext) TrackResult {
	data := map[string]any{
		"symbol":   d.Symbol,
		"side":     d.Side,
		"quantity": d.Quantity,
		"price":    d.Price,
	}
	if d.Profit != nil {
		data["profit"] = *d.Profit
	}
	putString(data, "broker", d.Broker)
	return s.TrackEvent(ctx, eventstore.EventTradeExecuted, userID, data, TrackOptions{Request: req})
}

// TrackLogin records a login. Buffered.
func (s *EventService) TrackLogin(ctx context.Context, userID string, d LoginDetails, req *RequestContext) TrackResult {
	method := d.Method
	if method == "" {
		method = LoginMethodPassword
	}
	data := map[string]any{
		"method":        method,
		"twoFactorUsed": d.TwoFactorUsed,
	}
	return s.TrackEvent(ctx, eventstore.EventLogin, userID, data, TrackOptions{Request: req})
}

func subscriptionData(d SubscriptionDetails) map[string]any {
	data := map[string]any{
		"tier":   tierOrDefault(d.Tier),
		"amount": d.Amount,
	}
	putString(data, "currency", d.Currency)
	putString(data, "interval", d.Interval)
	return data
}

func putString(data map[string]any, key, value string) {
	if value != "" {
		data[key] = value
	}
}
