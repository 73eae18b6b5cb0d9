package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treum/gateway/internal/config"
)

func TestGuard_DisabledIsNil(t *testing.T) {
	g := NewGuard(config.LocalGuard{Rate: 0})
	require.Nil(t, g)
	assert.True(t, g.Allow("anyone"), "nil guard always allows")
	g.Cleanup() // must not panic
}

func TestGuard_BurstThenDeny(t *testing.T) {
	g := NewGuard(config.LocalGuard{Rate: 1, Burst: 3})
	require.NotNil(t, g)

	for i := 0; i < 3; i++ {
		assert.True(t, g.Allow("ip:1.2.3.4"), "burst request %d", i)
	}
	assert.False(t, g.Allow("ip:1.2.3.4"), "burst exhausted")
}

func TestGuard_KeysAreIndependent(t *testing.T) {
	g := NewGuard(config.LocalGuard{Rate: 1, Burst: 1})

	assert.True(t, g.Allow("ip:1.1.1.1"))
	assert.False(t, g.Allow("ip:1.1.1.1"))
	assert.True(t, g.Allow("ip:2.2.2.2"), "other caller unaffected")
}

func TestGuard_ConcurrentAllowSameKey(t *testing.T) {
	g := NewGuard(config.LocalGuard{Rate: 1000, Burst: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				g.Allow("same-caller")
			}
		}()
	}
	// sweep concurrently with the callers
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 20; j++ {
			g.Cleanup()
		}
	}()
	wg.Wait()

	assert.True(t, g.Allow("same-caller"))
}

func TestGuard_CleanupDropsIdleBuckets(t *testing.T) {
	g := NewGuard(config.LocalGuard{Rate: 1, Burst: 1})
	g.idleTTL = 10 * time.Millisecond

	g.Allow("ip:1.1.1.1")
	time.Sleep(20 * time.Millisecond)
	g.Cleanup()

	g.mu.RLock()
	n := len(g.buckets)
	g.mu.RUnlock()
	assert.Zero(t, n)
}
