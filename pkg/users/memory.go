package users

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore holds users in process
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*User
}

// NewMemoryStore creates a store seeded with the given users
func NewMemoryStore(seed ...*User) *MemoryStore {
	s := &MemoryStore{users: make(map[string]*User)}
	for _, u := range seed {
		s.Put(u)
	}
	return s
}

// Put adds or replaces a user
func (s *MemoryStore) Put(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// Get returns the user with the given id
func (s *MemoryStore) Get(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return u, nil
}

// ListBySubscriptionStatus returns users whose subscription has the given status
func (s *MemoryStore) ListBySubscriptionStatus(ctx context.Context, status string) ([]*User, error) {
	return s.filter(ctx, func(u *User) bool {
		return u.Subscription.Status == status
	})
}

// ListCreatedBetween returns users created in [from, to)
func (s *MemoryStore) ListCreatedBetween(ctx context.Context, from, to time.Time) ([]*User, error) {
	return s.filter(ctx, func(u *User) bool {
		return !u.CreatedAt.Before(from) && u.CreatedAt.Before(to)
	})
}

// CountSubscribersAt counts users subscribed at the given instant
func (s *MemoryStore) CountSubscribersAt(ctx context.Context, at time.Time) (int, error) {
	matched, err := s.filter(ctx, func(u *User) bool {
		if !u.CreatedAt.Before(at) {
			return false
		}
		switch u.Subscription.Status {
		case StatusActive:
			return true
		case StatusCanceled:
			return u.Subscription.CanceledAt != nil && !u.Subscription.CanceledAt.Before(at)
		}
		return false
	})
	return len(matched), err
}

// CountCanceledBetween counts users created before from and canceled in
// [from, to]
func (s *MemoryStore) CountCanceledBetween(ctx context.Context, from, to time.Time) (int, error) {
	matched, err := s.filter(ctx, func(u *User) bool {
		canceledAt := u.Subscription.CanceledAt
		return u.CreatedAt.Before(from) &&
			u.Subscription.Status == StatusCanceled &&
			canceledAt != nil &&
			!canceledAt.Before(from) &&
			!canceledAt.After(to)
	})
	return len(matched), err
}

func (s *MemoryStore) filter(ctx context.Context, keep func(*User) bool) ([]*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := []*User{}
	for _, u := range s.users {
		if keep(u) {
			out = append(out, u)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
