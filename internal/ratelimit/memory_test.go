package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_IncrAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	n, err := s.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)

	got, err = s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestMemoryStore_ExpiryResetsCounter(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	now := base
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := s.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)

	now = base.Add(61 * time.Second)

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, got, "expired counter should read 0")

	n, err := s.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "expired counter should restart")
}

func TestMemoryStore_Delete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, _ = s.Incr(ctx, "k", time.Minute)
	require.NoError(t, s.Delete(ctx, "k"))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestMemoryStore_CleanupDropsOnlyExpired(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	now := base
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = s.Incr(ctx, "short", time.Second)
	_, _ = s.Incr(ctx, "long", time.Hour)

	now = base.Add(2 * time.Second)
	s.Cleanup()

	s.mu.Lock()
	_, shortKept := s.entries["short"]
	_, longKept := s.entries["long"]
	s.mu.Unlock()

	assert.False(t, shortKept)
	assert.True(t, longKept)
}

func TestMemoryStore_ConcurrentIncr(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Incr(ctx, "k", time.Minute)
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(n), got)
}
