// Package breaker provides per-target circuit breakers that short-circuit
// calls to downstreams whose rolling failure rate crossed a threshold.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/treum/gateway/internal/config"
)

// State of one breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// OpenError is returned when a call is short-circuited. It carries the target
// name so callers can tell breaker fallback apart from downstream errors.
type OpenError struct {
	Target string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for %s", e.Target)
}

// TimeoutError is returned when a call exceeded the breaker's hard timeout.
// The in-flight call is abandoned; a late downstream response is discarded.
type TimeoutError struct {
	Target  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call to %s exceeded %s", e.Target, e.Timeout)
}

// IsOpen reports whether err is a short-circuit rejection.
func IsOpen(err error) bool {
	var oe *OpenError
	return errors.As(err, &oe)
}

// IsTimeout reports whether err is a breaker-enforced timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Config tunes one breaker. OnStateChange, when set, is called synchronously
// after each transition, outside the breaker lock.
type Config struct {
	Timeout                  time.Duration
	ErrorThresholdPercentage float64
	ResetTimeout             time.Duration
	RollingCountTimeout      time.Duration
	RollingCountBuckets      int
	VolumeThreshold          int
	OnStateChange            func(name string, from, to State)
}

// FromSettings maps the configuration file shape onto a breaker Config.
func FromSettings(s config.Breaker) Config {
	return Config{
		Timeout:                  s.Timeout,
		ErrorThresholdPercentage: s.ErrorThresholdPercentage,
		ResetTimeout:             s.ResetTimeout,
		RollingCountTimeout:      s.RollingCountTimeout,
		RollingCountBuckets:      s.RollingCountBuckets,
		VolumeThreshold:          s.VolumeThreshold,
	}
}

// Stats is the observability snapshot of one breaker. Counts are cumulative
// since creation (or the last explicit Reset); the failure rate is computed
// over the rolling window only.
type Stats struct {
	Name           string    `json:"name"`
	State          string    `json:"state"`
	Successes      int64     `json:"successes"`
	Failures       int64     `json:"failures"`
	Timeouts       int64     `json:"timeouts"`
	Rejected       int64     `json:"rejected"` // short-circuited while open
	FailureRate    float64   `json:"failure_rate"`
	MeanLatency    string    `json:"mean_latency"`
	LastSuccess    time.Time `json:"last_success,omitempty"`
	LastFailure    time.Time `json:"last_failure,omitempty"`
	LastTransition time.Time `json:"last_transition,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}

// Breaker is the state machine for one downstream target.
//
// Transitions only ever follow CLOSED -> OPEN (threshold breached with
// sufficient volume) -> HALF_OPEN (reset timeout elapsed) -> CLOSED on trial
// success or back to OPEN on trial failure.
type Breaker struct {
	name string
	cfg  Config

	mu             sync.Mutex
	state          State
	win            *window
	probing        bool // a HALF_OPEN trial call is in flight
	lastTransition time.Time
	lastError      error
	lastSuccess    time.Time
	lastFailure    time.Time

	successes int64
	failures  int64
	timeouts  int64
	rejected  int64

	latencySum   time.Duration
	latencyCount int64

	now func() time.Time
}

func New(name string, cfg Config) *Breaker {
	return &Breaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		win:   newWindow(cfg.RollingCountTimeout, cfg.RollingCountBuckets),
		now:   time.Now,
	}
}

func (b *Breaker) Name() string { return b.name }

// Do runs fn under the breaker. While OPEN it returns *OpenError without
// invoking fn. The call is bounded by the configured timeout; past it fn is
// abandoned, the outcome counts as a timeout failure, and *TimeoutError is
// returned even if the downstream eventually answers.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if b.cfg.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}

	start := b.now()
	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	select {
	case err := <-done:
		cancel()
		latency := b.now().Sub(start)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				b.recordTimeout(err, latency)
				return &TimeoutError{Target: b.name, Timeout: b.cfg.Timeout}
			}
			b.recordFailure(err, latency)
			return err
		}
		b.recordSuccess(latency)
		return nil

	case <-callCtx.Done():
		cancel()
		latency := b.now().Sub(start)
		if ctx.Err() != nil {
			// Inbound caller went away. The abandoned call says nothing
			// about downstream health, so it is not counted.
			b.clearProbe()
			return ctx.Err()
		}
		err := &TimeoutError{Target: b.name, Timeout: b.cfg.Timeout}
		b.recordTimeout(err, latency)
		return err
	}
}

// allow admits the call or rejects it with *OpenError. In OPEN it flips to
// HALF_OPEN once the reset timeout elapsed; in HALF_OPEN only one probe may
// be in flight at a time.
func (b *Breaker) allow() error {
	b.mu.Lock()
	now := b.now()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil

	case StateOpen:
		if now.Sub(b.lastTransition) >= b.cfg.ResetTimeout {
			ev := b.transition(StateHalfOpen, now)
			b.probing = true
			b.mu.Unlock()
			b.notify(ev)
			return nil
		}
		b.rejected++
		b.mu.Unlock()
		return &OpenError{Target: b.name}

	default: // StateHalfOpen
		if b.probing {
			b.rejected++
			b.mu.Unlock()
			return &OpenError{Target: b.name}
		}
		b.probing = true
		b.mu.Unlock()
		return nil
	}
}

func (b *Breaker) recordSuccess(latency time.Duration) {
	b.mu.Lock()
	now := b.now()
	b.successes++
	b.lastSuccess = now
	b.observeLatency(latency)

	var ev *transitionEvent
	switch b.state {
	case StateClosed:
		b.win.recordSuccess(now)
		// The rate is recomputed after every outcome: a success can be the
		// call that pushes the window past the volume threshold while the
		// failure rate is already over the line.
		ev = b.maybeTrip(now)
	case StateHalfOpen:
		b.probing = false
		ev = b.transition(StateClosed, now)
	default:
		// Late success from a call that started before the trip.
		b.win.recordSuccess(now)
	}
	b.mu.Unlock()
	b.notify(ev)
}

func (b *Breaker) recordFailure(err error, latency time.Duration) {
	b.mu.Lock()
	now := b.now()
	b.failures++
	b.lastFailure = now
	b.lastError = err
	b.observeLatency(latency)

	var ev *transitionEvent
	switch b.state {
	case StateClosed:
		b.win.recordFailure(now)
		ev = b.maybeTrip(now)
	case StateHalfOpen:
		b.probing = false
		ev = b.transition(StateOpen, now)
	default:
		b.win.recordFailure(now)
	}
	b.mu.Unlock()
	b.notify(ev)
}

func (b *Breaker) recordTimeout(err error, latency time.Duration) {
	b.mu.Lock()
	now := b.now()
	b.timeouts++
	b.lastFailure = now
	b.lastError = err
	b.observeLatency(latency)

	var ev *transitionEvent
	switch b.state {
	case StateClosed:
		b.win.recordTimeout(now)
		ev = b.maybeTrip(now)
	case StateHalfOpen:
		b.probing = false
		ev = b.transition(StateOpen, now)
	default:
		b.win.recordTimeout(now)
	}
	b.mu.Unlock()
	b.notify(ev)
}

// clearProbe releases the HALF_OPEN probe slot when the trial was abandoned
// by the inbound caller rather than decided by the downstream.
func (b *Breaker) clearProbe() {
	b.mu.Lock()
	if b.state == StateHalfOpen {
		b.probing = false
	}
	b.mu.Unlock()
}

// maybeTrip recomputes the rolling failure rate after an outcome in CLOSED.
// Caller holds the lock.
func (b *Breaker) maybeTrip(now time.Time) *transitionEvent {
	c := b.win.counts(now)
	if c.Total() < int64(b.cfg.VolumeThreshold) {
		return nil
	}
	if c.FailureRate() >= b.cfg.ErrorThresholdPercentage {
		return b.transition(StateOpen, now)
	}
	return nil
}

type transitionEvent struct {
	from, to State
}

// transition moves the state machine. Entering CLOSED resets the rolling
// window so a recovered target starts from a clean slate. Caller holds the
// lock.
func (b *Breaker) transition(to State, now time.Time) *transitionEvent {
	from := b.state
	b.state = to
	b.lastTransition = now
	if to == StateClosed {
		b.win.reset()
	}
	return &transitionEvent{from: from, to: to}
}

func (b *Breaker) notify(ev *transitionEvent) {
	if ev == nil || b.cfg.OnStateChange == nil {
		return
	}
	b.cfg.OnStateChange(b.name, ev.from, ev.to)
}

func (b *Breaker) observeLatency(latency time.Duration) {
	b.latencySum += latency
	b.latencyCount++
}

// State returns the current state without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to CLOSED and zeroes all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	now := b.now()
	ev := b.transition(StateClosed, now)
	b.probing = false
	b.successes, b.failures, b.timeouts, b.rejected = 0, 0, 0, 0
	b.latencySum, b.latencyCount = 0, 0
	b.lastError = nil
	b.mu.Unlock()
	if ev.from != StateClosed {
		b.notify(ev)
	}
}

// Stats snapshots the breaker for the observability surface.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	s := Stats{
		Name:           b.name,
		State:          b.state.String(),
		Successes:      b.successes,
		Failures:       b.failures,
		Timeouts:       b.timeouts,
		Rejected:       b.rejected,
		FailureRate:    b.win.counts(now).FailureRate(),
		LastSuccess:    b.lastSuccess,
		LastFailure:    b.lastFailure,
		LastTransition: b.lastTransition,
	}
	if b.latencyCount > 0 {
		s.MeanLatency = (b.latencySum / time.Duration(b.latencyCount)).String()
	} else {
		s.MeanLatency = "0s"
	}
	if b.lastError != nil {
		s.LastError = b.lastError.Error()
	}
	return s
}
