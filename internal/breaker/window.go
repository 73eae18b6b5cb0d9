package breaker

import "time"

// Counts aggregates call outcomes over the rolling window.
type Counts struct {
	Successes int64
	Failures  int64
	Timeouts  int64
}

// Total is every call recorded in the window.
func (c Counts) Total() int64 { return c.Successes + c.Failures + c.Timeouts }

// FailureRate is the percentage of failed calls (timeouts included).
func (c Counts) FailureRate() float64 {
	total := c.Total()
	if total == 0 {
		return 0
	}
	return float64(c.Failures+c.Timeouts) / float64(total) * 100
}

type bucket struct {
	epoch     int64
	successes int64
	failures  int64
	timeouts  int64
}

// window is a fixed-size circular buffer of time buckets. A bucket is
// addressed by epoch (time / bucket span) mod bucket count and is zeroed when
// its epoch moves on, so memory stays bounded regardless of call volume.
type window struct {
	buckets []bucket
	span    time.Duration // duration covered by one bucket
}

func newWindow(total time.Duration, n int) *window {
	if n <= 0 {
		n = 1
	}
	span := total / time.Duration(n)
	if span <= 0 {
		span = time.Millisecond
	}
	return &window{buckets: make([]bucket, n), span: span}
}

func (w *window) at(now time.Time) *bucket {
	epoch := now.UnixNano() / int64(w.span)
	b := &w.buckets[int(epoch%int64(len(w.buckets)))]
	if b.epoch != epoch {
		*b = bucket{epoch: epoch}
	}
	return b
}

func (w *window) recordSuccess(now time.Time) { w.at(now).successes++ }
func (w *window) recordFailure(now time.Time) { w.at(now).failures++ }
func (w *window) recordTimeout(now time.Time) { w.at(now).timeouts++ }

// counts sums the buckets still inside the window ending at now.
func (w *window) counts(now time.Time) Counts {
	epoch := now.UnixNano() / int64(w.span)
	oldest := epoch - int64(len(w.buckets)) + 1

	var c Counts
	for i := range w.buckets {
		b := &w.buckets[i]
		if b.epoch < oldest || b.epoch > epoch {
			continue
		}
		c.Successes += b.successes
		c.Failures += b.failures
		c.Timeouts += b.timeouts
	}
	return c
}

func (w *window) reset() {
	for i := range w.buckets {
		w.buckets[i] = bucket{}
	}
}
