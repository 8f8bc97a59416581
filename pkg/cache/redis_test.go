package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshot struct {
	MRR         float64   `json:"mrr"`
	Subscribers int       `json:"subscribers"`
	GeneratedAt time.Time `json:"generatedAt"`
}

func setupCache(t *testing.T) (*miniredis.Miniredis, *RedisSnapshotCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisSnapshotCache(client, "")
}

func TestRedisSnapshotCache_SetGet(t *testing.T) {
	mr, cache := setupCache(t)
	ctx := context.Background()
	want := snapshot{MRR: 496, Subscribers: 4, GeneratedAt: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}

	require.NoError(t, cache.Set(ctx, "overview", want, 15*time.Minute))

	assert.True(t, mr.Exists("pulse:snapshot:overview"))
	assert.Equal(t, 15*time.Minute, mr.TTL("pulse:snapshot:overview"))

	var got snapshot
	found, err := cache.Get(ctx, "overview", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, got)
}

func TestRedisSnapshotCache_Miss(t *testing.T) {
	_, cache := setupCache(t)

	var got snapshot
	found, err := cache.Get(context.Background(), "overview", &got)

	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisSnapshotCache_Expiry(t *testing.T) {
	mr, cache := setupCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "overview", snapshot{MRR: 1}, time.Minute))
	mr.FastForward(2 * time.Minute)

	var got snapshot
	found, err := cache.Get(ctx, "overview", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisSnapshotCache_CorruptEntryIsDeleted(t *testing.T) {
	mr, cache := setupCache(t)
	require.NoError(t, mr.Set("pulse:snapshot:overview", "{not json"))

	var got snapshot
	found, err := cache.Get(context.Background(), "overview", &got)

	assert.Error(t, err)
	assert.False(t, found)
	assert.False(t, mr.Exists("pulse:snapshot:overview"))
}

func TestRedisSnapshotCache_Invalidate(t *testing.T) {
	mr, cache := setupCache(t)
	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "overview", snapshot{}, time.Minute))
	require.NoError(t, cache.Set(ctx, "cohorts", snapshot{}, time.Minute))

	require.NoError(t, cache.Invalidate(ctx, "overview", "cohorts"))
	require.NoError(t, cache.Invalidate(ctx))

	assert.False(t, mr.Exists("pulse:snapshot:overview"))
	assert.False(t, mr.Exists("pulse:snapshot:cohorts"))
}

func TestRedisSnapshotCache_CustomPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	cache := NewRedisSnapshotCache(client, "staging:")

	require.NoError(t, cache.Set(context.Background(), "overview", snapshot{}, time.Minute))

	assert.True(t, mr.Exists("staging:overview"))
}

func TestRedisSnapshotCache_ServerDown(t *testing.T) {
	mr, cache := setupCache(t)
	mr.Close()
	ctx := context.Background()

	var got snapshot
	_, err := cache.Get(ctx, "overview", &got)
	assert.Error(t, err)
	assert.Error(t, cache.Set(ctx, "overview", snapshot{}, time.Minute))
	assert.Error(t, cache.Ping(ctx))
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), Options{URL: "redis://" + mr.Addr(), PoolSize: 4})
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, 4, client.Options().PoolSize)

	_, err = NewRedisClient(context.Background(), Options{URL: "not a url"})
	assert.Error(t, err)
}
