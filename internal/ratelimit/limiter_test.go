package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/treum/gateway/internal/config"
)

type brokenStore struct{}

func (brokenStore) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("store down")
}
func (brokenStore) Get(context.Context, string) (int64, error) { return 0, errors.New("store down") }
func (brokenStore) Delete(context.Context, string) error       { return errors.New("store down") }

func newTestLimiter(t *testing.T) (*Limiter, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	l := New(store, zap.NewNop())
	return l, store
}

func TestCheck_AllowsUntilMax(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res := l.Check(ctx, "per-ip:ip:1.2.3.4", time.Minute, 3)
		require.True(t, res.Allowed, "request %d should pass", i)
		assert.Equal(t, 3-i, res.Remaining)
	}

	res := l.Check(ctx, "per-ip:ip:1.2.3.4", time.Minute, 3)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, int64(4), res.Total)
}

func TestCheck_WindowRollover(t *testing.T) {
	l, store := newTestLimiter(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	now := base
	l.now = func() time.Time { return now }
	store.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		res := l.Check(ctx, "k", time.Minute, 2)
		require.True(t, res.Allowed)
	}
	require.False(t, l.Check(ctx, "k", time.Minute, 2).Allowed)

	// next window: counter starts fresh
	now = base.Add(time.Minute)
	res := l.Check(ctx, "k", time.Minute, 2)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1), res.Total)
}

func TestCheck_ResetAtIsWindowBoundary(t *testing.T) {
	l, _ := newTestLimiter(t)

	base := time.Date(2026, 8, 23, 12, 0, 17, 0, time.UTC)
	l.now = func() time.Time { return base }

	res := l.Check(context.Background(), "k", time.Minute, 10)
	want := time.Date(2026, 8, 23, 12, 1, 0, 0, time.UTC)
	assert.Equal(t, want.Unix(), res.ResetAt.Unix())
}

func TestCheck_FailsOpenWhenStoreDown(t *testing.T) {
	l := New(brokenStore{}, zap.NewNop())

	res := l.Check(context.Background(), "k", time.Minute, 1)
	assert.True(t, res.Allowed)
	assert.True(t, res.FailedOpen)
	assert.Equal(t, 1, res.Remaining)
}

func TestCheck_ConcurrentCountsExactly(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	allowed := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed <- l.Check(ctx, "conc", time.Minute, 60).Allowed
		}()
	}
	wg.Wait()
	close(allowed)

	passes := 0
	for ok := range allowed {
		if ok {
			passes++
		}
	}
	assert.Equal(t, 60, passes)
}

func TestEvaluate_FirstDenialWins(t *testing.T) {
	l, _ := newTestLimiter(t)
	policies := []config.RateLimitPolicy{
		{Name: "per-ip", Key: config.KeyIP, Window: time.Minute, Max: 1},
		{Name: "per-user", Key: config.KeyUser, Window: time.Minute, Max: 100},
	}
	id := Identity{IP: "1.2.3.4", UserID: "u1"}

	_, ok := l.Evaluate(context.Background(), policies, id)
	require.True(t, ok)

	res, ok := l.Evaluate(context.Background(), policies, id)
	require.False(t, ok)
	assert.Equal(t, "per-ip", res.Policy)
}

func TestEvaluate_ReportsTightestRemaining(t *testing.T) {
	l, _ := newTestLimiter(t)
	policies := []config.RateLimitPolicy{
		{Name: "loose", Key: config.KeyIP, Window: time.Minute, Max: 100},
		{Name: "tight", Key: config.KeyUser, Window: time.Minute, Max: 5},
	}
	id := Identity{IP: "1.2.3.4", UserID: "u1"}

	res, ok := l.Evaluate(context.Background(), policies, id)
	require.True(t, ok)
	assert.Equal(t, "tight", res.Policy)
	assert.Equal(t, 4, res.Remaining)
}

func TestEvaluate_SkipsPoliciesWithoutSubject(t *testing.T) {
	l, _ := newTestLimiter(t)
	policies := []config.RateLimitPolicy{
		{Name: "per-key", Key: config.KeyAPIKey, Window: time.Minute, Max: 1},
	}
	// no API key: the policy cannot bind, request passes
	for i := 0; i < 5; i++ {
		_, ok := l.Evaluate(context.Background(), policies, Identity{IP: "1.2.3.4"})
		require.True(t, ok)
	}
}

func TestEvaluate_TierPolicyShadowsUntiered(t *testing.T) {
	l, _ := newTestLimiter(t)
	policies := []config.RateLimitPolicy{
		{Name: "per-user", Key: config.KeyUser, Window: time.Minute, Max: 2},
		{Name: "premium-user", Key: config.KeyUser, Tier: "premium", Window: time.Minute, Max: 10},
	}

	// premium caller: the stock per-user limit does not apply
	premium := Identity{UserID: "p1", Tier: "premium"}
	for i := 0; i < 5; i++ {
		_, ok := l.Evaluate(context.Background(), policies, premium)
		require.True(t, ok, "premium request %d", i)
	}

	// plain caller: stock limit still binds
	plain := Identity{UserID: "u1"}
	for i := 0; i < 2; i++ {
		_, ok := l.Evaluate(context.Background(), policies, plain)
		require.True(t, ok)
	}
	res, ok := l.Evaluate(context.Background(), policies, plain)
	require.False(t, ok)
	assert.Equal(t, "per-user", res.Policy)
}

func TestEvaluate_NoApplicablePolicies(t *testing.T) {
	l, _ := newTestLimiter(t)

	res, ok := l.Evaluate(context.Background(), nil, Identity{IP: "1.2.3.4"})
	assert.True(t, ok)
	assert.Empty(t, res.Policy)
}

func TestSubjectFor(t *testing.T) {
	id := Identity{IP: "1.2.3.4", UserID: "u1", APIKey: "k1", Service: "trading"}

	cases := []struct {
		key  config.KeySource
		want string
	}{
		{config.KeyGlobal, "global"},
		{config.KeyIP, "ip:1.2.3.4"},
		{config.KeyUser, "user:u1"},
		{config.KeyAPIKey, "key:k1"},
		{config.KeyService, "svc:trading"},
	}
	for _, tc := range cases {
		got, ok := subjectFor(tc.key, id)
		require.True(t, ok)
		assert.Equal(t, tc.want, got)
	}

	_, ok := subjectFor(config.KeyUser, Identity{})
	assert.False(t, ok)
}
