package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	ratelib "golang.org/x/time/rate"

	"github.com/treum/gateway/internal/config"
)

// Guard is a per-caller token bucket kept in process memory. It sits in
// front of the shared counting store as a zero-round-trip pre-filter: a
// caller hammering the gateway is cut off before it costs a store round trip
// per request. It is not the source of truth for quotas.
type Guard struct {
	mu      sync.RWMutex
	buckets map[string]*guardEntry
	rate    ratelib.Limit
	burst   int
	idleTTL time.Duration
}

type guardEntry struct {
	lim      *ratelib.Limiter
	lastSeen atomic.Int64 // unix nanos, updated lock-free on every Allow
}

// NewGuard returns nil when the guard is disabled (zero rate); callers treat
// a nil Guard as always-allow.
func NewGuard(cfg config.LocalGuard) *Guard {
	if cfg.Rate <= 0 {
		return nil
	}
	return &Guard{
		buckets: make(map[string]*guardEntry),
		rate:    ratelib.Limit(cfg.Rate),
		burst:   cfg.Burst,
		idleTTL: 15 * time.Minute,
	}
}

// Allow reports whether the caller identified by key may proceed.
func (g *Guard) Allow(key string) bool {
	if g == nil {
		return true
	}
	now := time.Now()

	g.mu.RLock()
	ent, ok := g.buckets[key]
	g.mu.RUnlock()

	if !ok {
		g.mu.Lock()
		// Double-check
		ent, ok = g.buckets[key]
		if !ok {
			ent = &guardEntry{lim: ratelib.NewLimiter(g.rate, g.burst)}
			g.buckets[key] = ent
		}
		g.mu.Unlock()
	}
	ent.lastSeen.Store(now.UnixNano())

	return ent.lim.Allow()
}

// Cleanup drops buckets idle for longer than the TTL.
func (g *Guard) Cleanup() {
	if g == nil {
		return
	}
	cutoff := time.Now().Add(-g.idleTTL).UnixNano()

	g.mu.Lock()
	defer g.mu.Unlock()

	for k, ent := range g.buckets {
		if ent.lastSeen.Load() < cutoff {
			delete(g.buckets, k)
		}
	}
}

// StartJanitor sweeps idle buckets periodically until ctx is cancelled.
func (g *Guard) StartJanitor(ctx context.Context, every time.Duration) {
	if g == nil || every <= 0 {
		return
	}
	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				g.Cleanup()
			}
		}
	}()
}
