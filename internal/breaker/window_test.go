package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCounts_FailureRate(t *testing.T) {
	assert.Zero(t, Counts{}.FailureRate())

	c := Counts{Successes: 5, Failures: 3, Timeouts: 2}
	assert.Equal(t, int64(10), c.Total())
	assert.InDelta(t, 50.0, c.FailureRate(), 0.001)

	// timeouts count as failures
	c = Counts{Successes: 1, Timeouts: 1}
	assert.InDelta(t, 50.0, c.FailureRate(), 0.001)
}

func TestWindow_RecordAndCount(t *testing.T) {
	w := newWindow(10*time.Second, 10)
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	w.recordSuccess(now)
	w.recordFailure(now)
	w.recordTimeout(now)

	c := w.counts(now)
	assert.Equal(t, Counts{Successes: 1, Failures: 1, Timeouts: 1}, c)
}

func TestWindow_OldBucketsAgeOut(t *testing.T) {
	w := newWindow(10*time.Second, 10)
	base := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	w.recordFailure(base)
	assert.Equal(t, int64(1), w.counts(base).Failures)

	// still inside the 10s window
	assert.Equal(t, int64(1), w.counts(base.Add(5*time.Second)).Failures)

	// past the window span
	assert.Zero(t, w.counts(base.Add(11*time.Second)).Failures)
}

func TestWindow_StaleBucketIsZeroedOnReuse(t *testing.T) {
	w := newWindow(10*time.Second, 10)
	base := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	w.recordFailure(base)
	// same slot, 10s later: the old count must not leak in
	w.recordSuccess(base.Add(10 * time.Second))

	c := w.counts(base.Add(10 * time.Second))
	assert.Equal(t, Counts{Successes: 1}, c)
}

func TestWindow_Reset(t *testing.T) {
	w := newWindow(10*time.Second, 10)
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	w.recordFailure(now)
	w.reset()
	assert.Zero(t, w.counts(now).Total())
}
