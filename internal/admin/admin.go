// Package admin serves the operational surface on its own listener: liveness
// and readiness, Prometheus metrics, the service registry overview, and
// circuit breaker inspection and reset.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/treum/gateway/internal/breaker"
	"github.com/treum/gateway/internal/metrics"
	"github.com/treum/gateway/internal/registry"
)

type Server struct {
	reg      *registry.Registry
	breakers *breaker.Group
	metrics  *metrics.Metrics
	log      *zap.Logger
}

func New(reg *registry.Registry, breakers *breaker.Group, m *metrics.Metrics, log *zap.Logger) *Server {
	return &Server{reg: reg, breakers: breakers, metrics: m, log: log}
}

// Handler builds the admin router. The admin listener is expected to be bound
// to a private interface; there is no auth here.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/services", s.handleServices)
	r.Get("/breakers", s.handleBreakers)
	r.Get("/breakers/{name}", s.handleBreaker)
	r.Post("/breakers/{name}/reset", s.handleBreakerReset)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
		s.metrics.Registry(),
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz is 503 while any registered service is known-unhealthy, so a
// fronting balancer can drain the gateway instead of serving guaranteed 5xx.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	overview := s.reg.Overview()
	services := make(map[string]string, len(overview))
	for name, st := range overview {
		services[name] = st.String()
	}

	status := http.StatusOK
	if !s.reg.Ready() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":    status == http.StatusOK,
		"services": services,
	})
}

type serviceView struct {
	Name      string   `json:"name"`
	Prefixes  []string `json:"prefixes"`
	Endpoints []string `json:"endpoints"`
	Health    string   `json:"health"`
	Streaming bool     `json:"streaming,omitempty"`
}

func (s *Server) handleServices(w http.ResponseWriter, _ *http.Request) {
	svcs := s.reg.Services()
	out := make([]serviceView, 0, len(svcs))
	for _, svc := range svcs {
		eps := make([]string, len(svc.Endpoints))
		for i, ep := range svc.Endpoints {
			eps[i] = ep.URL.String()
		}
		out = append(out, serviceView{
			Name:      svc.Name,
			Prefixes:  svc.Prefixes,
			Endpoints: eps,
			Health:    s.reg.Health(svc.Name).String(),
			Streaming: svc.Streaming,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	all := s.breakers.All()
	out := make([]breaker.Stats, 0, len(all))
	for _, b := range all {
		out = append(out, b.Stats())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	b, ok := s.breakers.Get(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown breaker: " + name})
		return
	}
	writeJSON(w, http.StatusOK, b.Stats())
}

// handleBreakerReset forces a breaker back to CLOSED. Operator escape hatch
// for when a downstream was fixed out of band and the reset timeout is long.
func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	b, ok := s.breakers.Get(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown breaker: " + name})
		return
	}
	b.Reset()
	s.log.Info("breaker reset", zap.String("target", name))
	writeJSON(w, http.StatusOK, b.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
