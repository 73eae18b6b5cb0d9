package breaker

import (
	"sort"
	"sync"
)

// Group owns every breaker in the process, keyed by target name. Breakers
// are created lazily on first use; the same name always yields the same
// instance, so stats accumulate across calls.
type Group struct {
	mu        sync.RWMutex
	breakers  map[string]*Breaker
	defaults  Config
	overrides map[string]Config
	onChange  func(name string, from, to State)
}

func NewGroup(defaults Config, overrides map[string]Config, onChange func(name string, from, to State)) *Group {
	return &Group{
		breakers:  make(map[string]*Breaker),
		defaults:  defaults,
		overrides: overrides,
		onChange:  onChange,
	}
}

// GetOrCreate returns the breaker for name, creating it with the configured
// override (or the group defaults) on first call.
func (g *Group) GetOrCreate(name string) *Breaker {
	g.mu.RLock()
	b, ok := g.breakers[name]
	g.mu.RUnlock()
	if ok {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	// Double-check
	if b, ok = g.breakers[name]; ok {
		return b
	}
	cfg := g.defaults
	if ov, ok := g.overrides[name]; ok {
		cfg = ov
	}
	cfg.OnStateChange = g.onChange
	b = New(name, cfg)
	g.breakers[name] = b
	return b
}

// Get returns the breaker for name if it was created already.
func (g *Group) Get(name string) (*Breaker, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	b, ok := g.breakers[name]
	return b, ok
}

// All returns every breaker sorted by name.
func (g *Group) All() []*Breaker {
	g.mu.RLock()
	out := make([]*Breaker, 0, len(g.breakers))
	for _, b := range g.breakers {
		out = append(out, b)
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// UpdateConfig replaces the tuning used for breakers created from now on.
// Existing breakers keep their configuration and state; a reload must not
// wipe the failure history of a target that is currently misbehaving.
func (g *Group) UpdateConfig(defaults Config, overrides map[string]Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.defaults = defaults
	g.overrides = overrides
}
