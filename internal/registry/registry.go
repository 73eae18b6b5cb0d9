// Package registry maps logical service names to upstream endpoints and
// answers path-prefix resolution for the dispatcher.
package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/treum/gateway/internal/config"
)

// ErrNotFound is returned by Resolve when no registered prefix matches.
var ErrNotFound = errors.New("registry: no service for path")

// Status is the cached result of the last health probe for a service.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

type prefixEntry struct {
	prefix  string
	service string
}

// snapshot is an immutable view of the registered services. Resolutions read
// one snapshot pointer, so a refresh is all-or-nothing for in-flight requests.
type snapshot struct {
	services map[string]config.Service
	prefixes []prefixEntry // sorted by prefix length desc
}

// Registry resolves paths to services and caches probe results. Probe state
// lives outside the snapshot so a configuration refresh does not discard it.
type Registry struct {
	snap atomic.Pointer[snapshot]

	mu     sync.RWMutex
	health map[string]Status
}

func New(svcs map[string]config.Service) *Registry {
	r := &Registry{health: make(map[string]Status, len(svcs))}
	r.snap.Store(buildSnapshot(svcs))
	for name := range svcs {
		r.health[name] = StatusUnknown
	}
	return r
}

func buildSnapshot(svcs map[string]config.Service) *snapshot {
	s := &snapshot{services: make(map[string]config.Service, len(svcs))}
	for name, svc := range svcs {
		s.services[name] = svc
		for _, p := range svc.Prefixes {
			s.prefixes = append(s.prefixes, prefixEntry{prefix: p, service: name})
		}
	}
	sort.SliceStable(s.prefixes, func(i, j int) bool {
		return len(s.prefixes[i].prefix) > len(s.prefixes[j].prefix)
	})
	return s
}

// Update swaps in a new service mapping atomically. Probe results for
// services that survive the refresh are carried over; removed services are
// pruned, new ones start unknown.
func (r *Registry) Update(svcs map[string]config.Service) {
	r.snap.Store(buildSnapshot(svcs))

	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[string]Status, len(svcs))
	for name := range svcs {
		if st, ok := r.health[name]; ok {
			next[name] = st
		} else {
			next[name] = StatusUnknown
		}
	}
	r.health = next
}

// Resolve returns the service registered for the longest prefix matching path.
func (r *Registry) Resolve(path string) (config.Service, error) {
	snap := r.snap.Load()
	for _, e := range snap.prefixes {
		if pathPrefixMatch(path, e.prefix) {
			return snap.services[e.service], nil
		}
	}
	return config.Service{}, ErrNotFound
}

// Service looks a service up by name.
func (r *Registry) Service(name string) (config.Service, bool) {
	snap := r.snap.Load()
	svc, ok := snap.services[name]
	return svc, ok
}

// Services returns all registered services sorted by name.
func (r *Registry) Services() []config.Service {
	snap := r.snap.Load()
	out := make([]config.Service, 0, len(snap.services))
	for _, svc := range snap.services {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetHealth records a probe result. Unknown service names are ignored so a
// probe racing a refresh cannot resurrect a removed entry.
func (r *Registry) SetHealth(name string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.health[name]; !ok {
		return
	}
	if healthy {
		r.health[name] = StatusHealthy
	} else {
		r.health[name] = StatusUnhealthy
	}
}

// Health returns the cached probe result for a service.
func (r *Registry) Health(name string) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.health[name]
}

// Overview returns the probe result of every registered service.
func (r *Registry) Overview() map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Status, len(r.health))
	for name, st := range r.health {
		out[name] = st
	}
	return out
}

// Ready reports whether no registered service is known-unhealthy. Services
// that have not been probed yet do not block readiness.
func (r *Registry) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, st := range r.health {
		if st == StatusUnhealthy {
			return false
		}
	}
	return true
}

// pathPrefixMatch treats the prefix as a path-segment prefix, not a raw
// string prefix:
//
//	prefix="/api"  matches "/api", "/api/", "/api/v1" but NOT "/apiary"
//	prefix="/api/" matches "/api/v1", "/api/foo" but NOT "/api"
//	prefix="/"     matches everything.
func pathPrefixMatch(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	return strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/'
}
