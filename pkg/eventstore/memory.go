package eventstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps events in process. It is used for local runs and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
	ids    map[string]struct{}
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock creates an in-memory store that evaluates
// retention against the given clock
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		ids: make(map[string]struct{}),
		now: now,
	}
}

// Insert stores a single event
func (s *MemoryStore) Insert(ctx context.Context, event *Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(event)
	return nil
}

// InsertMany stores every valid event and reports the invalid ones
func (s *MemoryStore) InsertMany(ctx context.Context, events []*Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var failed []*Event
	var cause error
	for _, event := range events {
		if err := event.Validate(); err != nil {
			failed = append(failed, event)
			cause = err
			continue
		}
		s.appendLocked(event)
	}

	if len(failed) > 0 {
		return &BulkWriteError{Failed: failed, Cause: cause}
	}
	return nil
}

func (s *MemoryStore) appendLocked(event *Event) {
	if _, exists := s.ids[event.ID]; exists {
		return
	}
	stored := *event
	s.ids[event.ID] = struct{}{}
	s.events = append(s.events, &stored)
}

// Find returns unexpired events matching the filter
func (s *MemoryStore) Find(ctx context.Context, filter Filter) ([]*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	now := s.now()
	var out []*Event
	for _, event := range s.events {
		if !event.ExpiresAt().After(now) {
			continue
		}
		if filter.Matches(event) {
			copied := *event
			out = append(out, &copied)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// DistinctUserIDs returns the sorted user ids of matching events
func (s *MemoryStore) DistinctUserIDs(ctx context.Context, filter Filter) ([]string, error) {
	filter.Limit = 0
	events, err := s.Find(ctx, filter)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	ids := []string{}
	for _, event := range events {
		if _, ok := seen[event.UserID]; ok {
			continue
		}
		seen[event.UserID] = struct{}{}
		ids = append(ids, event.UserID)
	}
	sort.Strings(ids)
	return ids, nil
}

// PurgeExpired drops events past retention
func (s *MemoryStore) PurgeExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	kept := s.events[:0]
	var purged int64
	for _, event := range s.events {
		if event.ExpiresAt().After(now) {
			kept = append(kept, event)
			continue
		}
		delete(s.ids, event.ID)
		purged++
	}
	s.events = kept
	return purged, nil
}

// Len returns the number of stored events, expired or not
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Close is a no-op
func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}
