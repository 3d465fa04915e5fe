package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore()
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	now = now.Add(2 * time.Minute)
	_, ok, _ = s.Get(ctx, "k")
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "forever", []byte("x"), 0))
	now = now.Add(24 * time.Hour)
	_, ok, _ = s.Get(ctx, "forever")
	assert.True(t, ok)
}

func TestAccountCacheReadThroughAndInvalidate(t *testing.T) {
	ctx := context.Background()
	c := NewAccountCache(NewMemoryStore(), time.Minute, zap.NewNop())

	loads := 0
	credits := 3
	load := func(context.Context) (*AccountSnapshot, error) {
		loads++
		return &AccountSnapshot{ID: 7, Email: "rex@example.com", Credits: credits, Plan: "free"}, nil
	}

	snap, err := c.Get(ctx, 7, load)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Credits)

	credits = 1
	snap, err = c.Get(ctx, 7, load)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Credits, "served from cache")
	assert.Equal(t, 1, loads)

	c.InvalidateAccount(ctx, 7)
	snap, err = c.Get(ctx, 7, load)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Credits)
	assert.Equal(t, 2, loads)
}

func TestAccountCacheDropsSnapshotLoadedDuringInvalidation(t *testing.T) {
	ctx := context.Background()
	c := NewAccountCache(NewMemoryStore(), time.Minute, zap.NewNop())

	credits := 5
	stale := func(context.Context) (*AccountSnapshot, error) {
		snap := &AccountSnapshot{ID: 9, Credits: credits}
		// A debit commits while the row is in flight.
		credits = 3
		c.InvalidateAccount(ctx, 9)
		return snap, nil
	}
	snap, err := c.Get(ctx, 9, stale)
	require.NoError(t, err)
	assert.Equal(t, 5, snap.Credits)

	loads := 0
	fresh := func(context.Context) (*AccountSnapshot, error) {
		loads++
		return &AccountSnapshot{ID: 9, Credits: credits}, nil
	}
	snap, err = c.Get(ctx, 9, fresh)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Credits)
	assert.Equal(t, 1, loads)

	snap, err = c.Get(ctx, 9, fresh)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Credits)
	assert.Equal(t, 1, loads, "fresh snapshot is cached")
}

func TestAccountCacheLoadErrorIsNotCached(t *testing.T) {
	c := NewAccountCache(nil, time.Minute, nil)
	boom := errors.New("db down")

	_, err := c.Get(context.Background(), 1, func(context.Context) (*AccountSnapshot, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func resolveTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRedisStoreRoundTrip(t *testing.T) {
	rdb := resolveTestRedis(t)
	ctx := context.Background()
	s := NewRedisStore(rdb, "petfox:test:")

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, s.Delete(ctx, "k"))
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
