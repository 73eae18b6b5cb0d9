package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/treum/gateway/internal/config"
)

// Result is the outcome of one policy check.
type Result struct {
	Policy     string
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	Window     time.Duration
	Total      int64 // count observed in the window, including this request
	FailedOpen bool  // store was unreachable; request admitted unconditionally
}

// Identity is everything a policy can key a counter by.
type Identity struct {
	IP      string
	UserID  string
	APIKey  string
	Service string
	Tier    string
}

// Limiter performs fixed-window counting against a shared store. Windows are
// aligned to fixed boundaries: window index = floor(now / window), and the
// counter key embeds the index, so the count resets when the window rolls
// over. Bursty at boundaries by design, in exchange for O(1) memory and a
// single store round trip.
type Limiter struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

func New(store Store, log *zap.Logger) *Limiter {
	return &Limiter{store: store, log: log, now: time.Now}
}

// Check counts one request against key in the current window. If the store
// is unreachable the request is admitted (fail open): rate limiting trades
// correctness for availability, never the other way around.
func (l *Limiter) Check(ctx context.Context, key string, window time.Duration, max int) Result {
	now := l.now()
	idx := now.UnixMilli() / window.Milliseconds()
	resetAt := time.UnixMilli((idx + 1) * window.Milliseconds())

	counterKey := fmt.Sprintf("rl:%s:%d", key, idx)
	count, err := l.store.Incr(ctx, counterKey, window)
	if err != nil {
		l.log.Warn("rate limit store unreachable, failing open",
			zap.String("key", key), zap.Error(err))
		return Result{
			Allowed:    true,
			Limit:      max,
			Remaining:  max,
			ResetAt:    resetAt,
			Window:     window,
			FailedOpen: true,
		}
	}

	remaining := max - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= int64(max),
		Limit:     max,
		Remaining: remaining,
		ResetAt:   resetAt,
		Window:    window,
		Total:     count,
	}
}

// Evaluate runs every applicable policy in order. It returns the first
// denial, or, when all pass, the passing result with the fewest remaining
// requests (the one worth reporting in quota headers).
//
// A policy with a tier applies only to callers of that tier, and while it
// applies it shadows untiered policies on the same key source, so a premium
// override replaces the stock per-user limit instead of fighting it.
func (l *Limiter) Evaluate(ctx context.Context, policies []config.RateLimitPolicy, id Identity) (Result, bool) {
	shadowed := make(map[config.KeySource]bool)
	if id.Tier != "" {
		for _, p := range policies {
			if p.Tier != "" && p.Tier == id.Tier {
				shadowed[p.Key] = true
			}
		}
	}

	var tightest *Result
	for _, p := range policies {
		if p.Tier != "" && p.Tier != id.Tier {
			continue
		}
		if p.Tier == "" && shadowed[p.Key] {
			continue
		}
		subject, ok := subjectFor(p.Key, id)
		if !ok {
			continue
		}

		res := l.Check(ctx, p.Name+":"+subject, p.Window, p.Max)
		res.Policy = p.Name
		if !res.Allowed {
			return res, false
		}
		if tightest == nil || res.Remaining < tightest.Remaining {
			r := res
			tightest = &r
		}
	}

	if tightest == nil {
		return Result{Allowed: true}, true
	}
	return *tightest, true
}

func subjectFor(key config.KeySource, id Identity) (string, bool) {
	switch key {
	case config.KeyGlobal:
		return "global", true
	case config.KeyIP:
		return "ip:" + id.IP, id.IP != ""
	case config.KeyUser:
		return "user:" + id.UserID, id.UserID != ""
	case config.KeyAPIKey:
		return "key:" + id.APIKey, id.APIKey != ""
	case config.KeyService:
		return "svc:" + id.Service, id.Service != ""
	default:
		return "", false
	}
}
