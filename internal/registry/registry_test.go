package registry

import (
	"net/url"
	"testing"

	"github.com/treum/gateway/internal/config"
)

func svc(name string, prefixes ...string) config.Service {
	u, _ := url.Parse("http://127.0.0.1:9001")
	return config.Service{
		Name:       name,
		Proto:      "http1",
		Prefixes:   prefixes,
		HealthPath: "/health",
		Endpoints:  []config.Endpoint{{URL: u, Weight: 1}},
	}
}

func TestPathPrefixMatch(t *testing.T) {
	cases := []struct {
		path, prefix string
		want         bool
	}{
		{"/api", "/api", true},
		{"/api/", "/api", true},
		{"/api/v1", "/api", true},
		{"/apiary", "/api", false},
		{"/api/v1", "/api/", true},
		{"/api", "/api/", false},
		{"/anything", "/", true},
		{"/", "/", true},
		{"/other", "/api", false},
	}
	for _, tc := range cases {
		if got := pathPrefixMatch(tc.path, tc.prefix); got != tc.want {
			t.Errorf("pathPrefixMatch(%q, %q): got %v, want %v", tc.path, tc.prefix, got, tc.want)
		}
	}
}

func TestResolve_LongestPrefixWins(t *testing.T) {
	r := New(map[string]config.Service{
		"catchall": svc("catchall", "/"),
		"users":    svc("users", "/api/users"),
		"api":      svc("api", "/api"),
	})

	cases := []struct {
		path string
		want string
	}{
		{"/api/users/42", "users"},
		{"/api/users", "users"},
		{"/api/orders", "api"},
		{"/api", "api"},
		{"/health", "catchall"},
	}
	for _, tc := range cases {
		got, err := r.Resolve(tc.path)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tc.path, err)
		}
		if got.Name != tc.want {
			t.Errorf("Resolve(%q): got %s, want %s", tc.path, got.Name, tc.want)
		}
	}
}

func TestResolve_NotFound(t *testing.T) {
	r := New(map[string]config.Service{"users": svc("users", "/api/users")})

	if _, err := r.Resolve("/metrics"); err != ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestUpdate_CarriesHealthOver(t *testing.T) {
	r := New(map[string]config.Service{
		"a": svc("a", "/a"),
		"b": svc("b", "/b"),
	})
	r.SetHealth("a", true)
	r.SetHealth("b", false)

	// b removed, c added
	r.Update(map[string]config.Service{
		"a": svc("a", "/a"),
		"c": svc("c", "/c"),
	})

	if got := r.Health("a"); got != StatusHealthy {
		t.Errorf("a: got %v, want healthy", got)
	}
	if got := r.Health("b"); got != StatusUnknown {
		t.Errorf("b (removed): got %v, want unknown", got)
	}
	if got := r.Health("c"); got != StatusUnknown {
		t.Errorf("c (new): got %v, want unknown", got)
	}

	if _, err := r.Resolve("/b"); err != ErrNotFound {
		t.Errorf("removed prefix still resolves")
	}
	if got, err := r.Resolve("/c"); err != nil || got.Name != "c" {
		t.Errorf("new prefix does not resolve: %v %v", got.Name, err)
	}
}

func TestSetHealth_IgnoresUnknownService(t *testing.T) {
	r := New(map[string]config.Service{"a": svc("a", "/a")})
	r.SetHealth("ghost", true)
	if got := r.Overview(); len(got) != 1 {
		t.Fatalf("overview gained an entry: %v", got)
	}
}

func TestReady(t *testing.T) {
	r := New(map[string]config.Service{
		"a": svc("a", "/a"),
		"b": svc("b", "/b"),
	})

	// unprobed services do not block readiness
	if !r.Ready() {
		t.Fatal("want ready with unknown health")
	}
	r.SetHealth("a", true)
	r.SetHealth("b", false)
	if r.Ready() {
		t.Fatal("want not ready with an unhealthy service")
	}
	r.SetHealth("b", true)
	if !r.Ready() {
		t.Fatal("want ready after recovery")
	}
}

func TestServices_Sorted(t *testing.T) {
	r := New(map[string]config.Service{
		"zeta": svc("zeta", "/z"),
		"alfa": svc("alfa", "/a"),
	})
	got := r.Services()
	if len(got) != 2 || got[0].Name != "alfa" || got[1].Name != "zeta" {
		t.Fatalf("services not sorted: %+v", got)
	}
}
