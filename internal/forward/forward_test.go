package forward

import (
	"net/http"
	"testing"
)

type stubRT struct{}

func (stubRT) RoundTrip(*http.Request) (*http.Response, error) { return nil, nil }

func TestRegistry_Defaults(t *testing.T) {
	r := NewDefaultRegistry()

	h1 := r.Get(ProtoHTTP1)
	if h1 == nil {
		t.Fatal("http1 transport missing")
	}
	auto := r.Get(ProtoAuto)
	if auto == nil {
		t.Fatal("auto transport missing")
	}

	tr, ok := h1.(*http.Transport)
	if !ok {
		t.Fatalf("http1: want *http.Transport, got %T", h1)
	}
	if tr.ForceAttemptHTTP2 {
		t.Error("http1 transport must not attempt h2")
	}
	tr, ok = auto.(*http.Transport)
	if !ok {
		t.Fatalf("auto: want *http.Transport, got %T", auto)
	}
	if !tr.ForceAttemptHTTP2 {
		t.Error("auto transport should attempt h2")
	}
}

func TestRegistry_FallbackToHTTP1(t *testing.T) {
	r := NewDefaultRegistry()
	if got := r.Get("no-such-proto"); got != r.Get(ProtoHTTP1) {
		t.Fatal("unknown proto should fall back to http1")
	}
}

func TestRegistry_Register(t *testing.T) {
	r := NewDefaultRegistry()

	custom := stubRT{}
	r.Register("custom", custom)
	if got := r.Get("custom"); got != custom {
		t.Fatalf("custom transport: got %T", got)
	}

	// no-ops
	r.Register("", custom)
	r.Register("x", nil)
	if got := r.Get("x"); got != r.Get(ProtoHTTP1) {
		t.Fatal("nil registration should not stick")
	}
}
