package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Retention is how long events live in any store before they expire
const Retention = 30 * 24 * time.Hour

// ErrInvalidEvent is returned when an event fails shape validation
var ErrInvalidEvent = errors.New("invalid event")

// EventType identifies a business event. The set is closed.
type EventType string

const (
	EventSignup               EventType = "signup"
	EventSubscriptionCreated  EventType = "subscription_created"
	EventSubscriptionCanceled EventType = "subscription_canceled"
	EventSubscriptionRenewed  EventType = "subscription_renewed"
	EventTradeExecuted        EventType = "trade_executed"
	EventLogin                EventType = "login"
	EventBrokerConnected      EventType = "broker_connected"
	EventSignalSubscribed     EventType = "signal_subscribed"
)

// EventTypes lists every allowed event type
var EventTypes = []EventType{
	EventSignup,
	EventSubscriptionCreated,
	EventSubscriptionCanceled,
	EventSubscriptionRenewed,
	EventTradeExecuted,
	EventLogin,
	EventBrokerConnected,
	EventSignalSubscribed,
}

// Valid reports whether t is one of the allowed event types
func (t EventType) Valid() bool {
	for _, allowed := range EventTypes {
		if t == allowed {
			return true
		}
	}
	return false
}

// Metadata describes where an event came from
type Metadata struct {
	Source    string `json:"source,omitempty" bson:"source,omitempty"`
	UserAgent string `json:"userAgent,omitempty" bson:"userAgent,omitempty"`
	IPAddress string `json:"ipAddress,omitempty" bson:"ipAddress,omitempty"`
}

// Event is an immutable analytics log record
type Event struct {
	ID        string         `json:"id" bson:"_id"`
	UserID    string         `json:"userId" bson:"userId"`
	Type      EventType      `json:"eventType" bson:"eventType"`
	Data      map[string]any `json:"eventData,omitempty" bson:"eventData,omitempty"`
	Metadata  Metadata       `json:"metadata" bson:"metadata"`
	Timestamp time.Time      `json:"timestamp" bson:"timestamp"`
}

// ExpiresAt returns the instant the event falls out of retention
func (e *Event) ExpiresAt() time.Time {
	return e.Timestamp.Add(Retention)
}

// Validate checks the event invariants
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	if e.UserID == "" {
		return fmt.Errorf("%w: missing user id", ErrInvalidEvent)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, e.Type)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	}
	return nil
}

// Filter selects events. From is inclusive and To is exclusive; zero
// values leave that side of the range open.
type Filter struct {
	Types   []EventType
	UserIDs []string
	From    time.Time
	To      time.Time
	Limit   int
}

// Matches reports whether e satisfies the filter
func (f Filter) Matches(e *Event) bool {
	if len(f.Types) > 0 && !containsType(f.Types, e.Type) {
		return false
	}
	if len(f.UserIDs) > 0 && !containsString(f.UserIDs, e.UserID) {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.Timestamp.Before(f.To) {
		return false
	}
	return true
}

// Store is an append-only event log with 30-day retention
type Store interface {
	// Insert writes a single event synchronously
	Insert(ctx context.Context, event *Event) error
	// InsertMany writes events without ordering guarantees. Events that
	// could not be written are reported through *BulkWriteError; events
	// already present (same ID) count as written.
	InsertMany(ctx context.Context, events []*Event) error
	// Find returns matching events ordered by timestamp
	Find(ctx context.Context, filter Filter) ([]*Event, error)
	// DistinctUserIDs returns the sorted set of user ids with a matching event
	DistinctUserIDs(ctx context.Context, filter Filter) ([]string, error)
	// Close releases the underlying connection
	Close(ctx context.Context) error
}

// Purger is implemented by stores that enforce retention themselves
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// BulkWriteError reports the events of an unordered bulk insert that did
// not land. Events not listed in Failed were persisted.
type BulkWriteError struct {
	Failed []*Event
	Cause  error
}

func (e *BulkWriteError) Error() string {
	return fmt.Sprintf("bulk write failed for %d events: %v", len(e.Failed), e.Cause)
}

func (e *BulkWriteError) Unwrap() error {
	return e.Cause
}

func containsType(types []EventType, t EventType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

func containsString(values []string, s string) bool {
	for _, candidate := range values {
		if candidate == s {
			return true
		}
	}
	return false
}

func typeStrings(types []EventType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
