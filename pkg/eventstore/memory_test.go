package eventstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEvent(id, userID string, typ EventType, ts time.Time) *Event {
	return &Event{
		ID:        id,
		UserID:    userID,
		Type:      typ,
		Data:      map[string]any{"k": "v"},
		Timestamp: ts,
	}
}

func TestEventValidate(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		event   *Event
		wantErr bool
	}{
		{"valid", newEvent("e1", "u1", EventLogin, now), false},
		{"nil event", nil, true},
		{"missing id", newEvent("", "u1", EventLogin, now), true},
		{"missing user", newEvent("e1", "", EventLogin, now), true},
		{"unknown type", newEvent("e1", "u1", EventType("page_view"), now), true},
		{"zero timestamp", newEvent("e1", "u1", EventLogin, time.Time{}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEvent)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFilterMatches(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	event := newEvent("e1", "u1", EventLogin, base)

	assert.True(t, Filter{}.Matches(event))
	assert.True(t, Filter{Types: []EventType{EventLogin}}.Matches(event))
	assert.False(t, Filter{Types: []EventType{EventSignup}}.Matches(event))
	assert.False(t, Filter{UserIDs: []string{"u2"}}.Matches(event))
	assert.True(t, Filter{From: base}.Matches(event), "from is inclusive")
	assert.False(t, Filter{To: base}.Matches(event), "to is exclusive")
	assert.True(t, Filter{From: base.Add(-time.Hour), To: base.Add(time.Hour)}.Matches(event))
}

func TestMemoryStoreInsertDeduplicates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	event := newEvent("e1", "u1", EventSignup, time.Now())

	require.NoError(t, store.Insert(ctx, event))
	require.NoError(t, store.Insert(ctx, event))
	require.NoError(t, store.InsertMany(ctx, []*Event{event}))

	assert.Equal(t, 1, store.Len())
}

func TestMemoryStoreInsertManyReportsInvalid(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()
	good := newEvent("e1", "u1", EventLogin, now)
	bad := newEvent("e2", "", EventLogin, now)

	err := store.InsertMany(ctx, []*Event{good, bad})

	var bulkErr *BulkWriteError
	require.True(t, errors.As(err, &bulkErr))
	assert.Equal(t, []*Event{bad}, bulkErr.Failed)
	assert.ErrorIs(t, err, ErrInvalidEvent)
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStoreFind(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStoreWithClock(func() time.Time { return base })

	require.NoError(t, store.InsertMany(ctx, []*Event{
		newEvent("e3", "u1", EventLogin, base.Add(-1*time.Hour)),
		newEvent("e1", "u2", EventLogin, base.Add(-3*time.Hour)),
		newEvent("e2", "u1", EventTradeExecuted, base.Add(-2*time.Hour)),
		newEvent("old", "u3", EventLogin, base.Add(-Retention-time.Hour)),
	}))

	all, err := store.Find(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3, "expired events are not returned")
	assert.Equal(t, "e1", all[0].ID)
	assert.Equal(t, "e2", all[1].ID)
	assert.Equal(t, "e3", all[2].ID)

	logins, err := store.Find(ctx, Filter{Types: []EventType{EventLogin}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, logins, 1)
	assert.Equal(t, "e1", logins[0].ID)
}

func TestMemoryStoreDistinctUserIDs(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStoreWithClock(func() time.Time { return base })

	require.NoError(t, store.InsertMany(ctx, []*Event{
		newEvent("e1", "u2", EventLogin, base.Add(-time.Hour)),
		newEvent("e2", "u1", EventLogin, base.Add(-time.Hour)),
		newEvent("e3", "u2", EventLogin, base.Add(-2*time.Hour)),
		newEvent("e4", "u3", EventSignup, base.Add(-time.Hour)),
	}))

	ids, err := store.DistinctUserIDs(ctx, Filter{Types: []EventType{EventLogin}, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, ids)

	none, err := store.DistinctUserIDs(ctx, Filter{UserIDs: []string{"nobody"}})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestMemoryStorePurgeExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStoreWithClock(func() time.Time { return now })

	require.NoError(t, store.InsertMany(ctx, []*Event{
		newEvent("fresh", "u1", EventLogin, now.Add(-time.Hour)),
		newEvent("stale", "u1", EventLogin, now.Add(-Retention)),
	}))

	purged, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
	assert.Equal(t, 1, store.Len())

	// the purged id may be written again
	require.NoError(t, store.Insert(ctx, newEvent("stale", "u1", EventLogin, now)))
	assert.Equal(t, 2, store.Len())
}

func TestMemoryStoreFindHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemoryStore().Find(ctx, Filter{})
	assert.ErrorIs(t, err, context.Canceled)
}
