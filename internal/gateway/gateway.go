// Package gateway is the request dispatcher: it resolves the target service,
// runs rate-limit admission, forwards the call through the target's circuit
// breaker, and normalizes every outcome into one envelope shape.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"mime"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/treum/gateway/internal/auth"
	"github.com/treum/gateway/internal/breaker"
	"github.com/treum/gateway/internal/config"
	"github.com/treum/gateway/internal/forward"
	"github.com/treum/gateway/internal/lb"
	"github.com/treum/gateway/internal/metrics"
	"github.com/treum/gateway/internal/ratelimit"
	"github.com/treum/gateway/internal/registry"
)

const (
	RequestIDHeader = "X-Request-Id"
	APIKeyHeader    = "X-API-Key"

	// upstream error bodies larger than this are not carried into envelopes
	maxErrorBodyBytes = 64 << 10
)

var errNoEndpoint = errors.New("no endpoint available")

// state is everything that changes on a configuration reload. It is swapped
// as one pointer so a request sees either the old or the new configuration,
// never a mix.
type state struct {
	policies  []config.RateLimitPolicy
	guard     *ratelimit.Guard
	balancers map[string]lb.Balancer
	maxBody   int64
	accessLog bool
	sampling  float64
}

type Gateway struct {
	stateMu sync.RWMutex
	state   *state

	reg         *registry.Registry
	limiter     *ratelimit.Limiter
	breakers    *breaker.Group
	transports  forward.Factory
	verifier    auth.Verifier
	metrics     *metrics.Metrics
	log         *zap.Logger
	development bool
}

var _ http.Handler = (*Gateway)(nil)

func New(cfg *config.Config, reg *registry.Registry, limiter *ratelimit.Limiter, breakers *breaker.Group, transports forward.Factory, verifier auth.Verifier, m *metrics.Metrics, log *zap.Logger) *Gateway {
	return &Gateway{
		state:       buildState(cfg),
		reg:         reg,
		limiter:     limiter,
		breakers:    breakers,
		transports:  transports,
		verifier:    verifier,
		metrics:     m,
		log:         log,
		development: cfg.Log.Development,
	}
}

func buildState(cfg *config.Config) *state {
	balancers := make(map[string]lb.Balancer, len(cfg.Services))
	for name, svc := range cfg.Services {
		balancers[name] = lb.NewSmoothWRR(svc.Endpoints)
	}
	return &state{
		policies:  cfg.RateLimits,
		guard:     ratelimit.NewGuard(cfg.LocalGuard),
		balancers: balancers,
		maxBody:   cfg.MaxBodyBytes,
		accessLog: cfg.Log.AccessLog,
		sampling:  cfg.Log.Sampling,
	}
}

// UpdateState applies a reloaded configuration. The registry snapshot and the
// dispatcher state each swap atomically; in-flight requests finish on the
// state they started with. Existing breakers keep their history.
func (g *Gateway) UpdateState(cfg *config.Config) {
	g.reg.Update(cfg.Services)
	g.breakers.UpdateConfig(breaker.FromSettings(cfg.BreakerDefault), breakerOverrides(cfg.BreakerOverrides))

	ns := buildState(cfg)
	g.stateMu.Lock()
	g.state = ns
	g.stateMu.Unlock()
}

func breakerOverrides(in map[string]config.Breaker) map[string]breaker.Config {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]breaker.Config, len(in))
	for name, s := range in {
		out[name] = breaker.FromSettings(s)
	}
	return out
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.stateMu.RLock()
	st := g.state
	g.stateMu.RUnlock()

	start := time.Now()
	requestID := strings.TrimSpace(r.Header.Get(RequestIDHeader))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, requestID)

	lw := &statusWriter{ResponseWriter: w}
	var serviceName string
	defer func() {
		status := lw.statusCode
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)

		if st.accessLog && (st.sampling >= 1.0 || rand.Float64() <= st.sampling) {
			g.log.Info("request",
				zap.String("request_id", requestID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int64("duration_ms", duration.Milliseconds()),
				zap.String("remote", r.RemoteAddr),
				zap.String("service", serviceName),
				zap.Int64("bytes", lw.bytes),
			)
		}
		if g.metrics != nil {
			g.metrics.IncRequest(serviceName, r.Method, strconv.Itoa(status))
			g.metrics.ObserveLatency(serviceName, duration)
		}
	}()

	if r.ContentLength > st.maxBody {
		writeError(lw, CodeValidation, "request body too large", requestID, 0, nil)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, st.maxBody)

	svc, err := g.reg.Resolve(r.URL.Path)
	if err != nil {
		writeError(lw, CodeNotFound, "no service registered for path", requestID, 0, nil)
		return
	}
	serviceName = svc.Name

	id := g.identify(r, svc.Name)

	// In-process pre-filter: cut hot callers off before they cost a store
	// round trip per request.
	if !st.guard.Allow(guardKey(id)) {
		lw.Header().Set("Retry-After", "1")
		if g.metrics != nil {
			g.metrics.IncRateLimited("local-guard")
		}
		writeError(lw, CodeRateLimited, "too many requests", requestID, 0, nil)
		return
	}

	quota, allowed := g.limiter.Evaluate(r.Context(), st.policies, id)
	setQuotaHeaders(lw.Header(), quota)
	if !allowed {
		setRetryAfter(lw.Header(), quota.ResetAt)
		if g.metrics != nil {
			g.metrics.IncRateLimited(quota.Policy)
		}
		writeError(lw, CodeRateLimited, fmt.Sprintf("rate limit %q exceeded", quota.Policy), requestID, 0, nil)
		return
	}

	g.dispatch(lw, r, st, svc, requestID, start)
}

// identify derives the caller identity for rate limiting. An invalid bearer
// token does not fail the request here; token enforcement belongs to the
// downstream, the gateway only loses the per-user and tier dimensions.
func (g *Gateway) identify(r *http.Request, service string) ratelimit.Identity {
	id := ratelimit.Identity{
		Service: service,
		IP:      clientIP(r),
		APIKey:  strings.TrimSpace(r.Header.Get(APIKeyHeader)),
	}
	if tok := bearerToken(r); tok != "" && g.verifier != nil {
		if claims, err := g.verifier.Verify(r.Context(), tok); err == nil {
			id.UserID = claims.Subject
			id.Tier = claims.Tier
		}
	}
	return id
}

// guardKey picks the most specific identity available.
func guardKey(id ratelimit.Identity) string {
	switch {
	case id.APIKey != "":
		return "key:" + id.APIKey
	case id.UserID != "":
		return "user:" + id.UserID
	default:
		return "ip:" + id.IP
	}
}

func (g *Gateway) dispatch(w http.ResponseWriter, r *http.Request, st *state, svc config.Service, requestID string, start time.Time) {
	balancer := st.balancers[svc.Name]
	if balancer == nil {
		writeError(w, CodeInternal, "service has no balancer", requestID, 0, nil)
		return
	}
	tr := g.transports.Get(svc.Proto)
	br := g.breakers.GetOrCreate(svc.Name)

	var resUp *http.Response
	var body []byte

	// Streaming bodies are copied after the breaker call returns, so the
	// upstream request must not die with the breaker's call context. The
	// hard timeout still bounds the header exchange via Do; the detached
	// context is cancelled once the copy is done (or the call failed).
	upCtx := r.Context()
	if svc.Streaming {
		var upCancel context.CancelFunc
		upCtx, upCancel = context.WithCancel(r.Context())
		defer upCancel()
	}

	err := br.Do(r.Context(), func(ctx context.Context) error {
		ep := balancer.Next()
		if ep == nil {
			return errNoEndpoint
		}
		base := ep.URL()

		u := new(url.URL)
		*u = *base
		u.Path = joinSlash(base.Path, r.URL.Path)
		u.RawQuery = r.URL.RawQuery

		hdr := cloneHeader(r.Header)
		dropHopByHop(hdr)
		addXFF(hdr, r.RemoteAddr)
		setXFProto(hdr, r)
		hdr.Set("X-Forwarded-Host", r.Host)
		hdr.Set(RequestIDHeader, requestID)

		reqCtx := ctx
		if svc.Streaming {
			reqCtx = upCtx
		}
		reqUp, err := http.NewRequestWithContext(reqCtx, r.Method, u.String(), r.Body)
		if err != nil {
			return err
		}
		reqUp.Header = hdr
		reqUp.Host = base.Host

		res, err := tr.RoundTrip(reqUp)
		if err != nil {
			ep.Feedback(false)
			return err
		}

		if res.StatusCode >= 500 {
			ep.Feedback(false)
			return &upstreamError{Status: res.StatusCode, Body: drainJSON(res)}
		}
		ep.Feedback(true)

		// Buffer inside the breaker call so the timeout covers body transfer.
		// Streaming services skip this and are copied through after.
		if !svc.Streaming {
			b, readErr := io.ReadAll(res.Body)
			_ = res.Body.Close()
			if readErr != nil {
				return readErr
			}
			body = b
		}
		resUp = res
		return nil
	})

	if err != nil {
		g.writeDispatchError(w, err, svc.Name, requestID)
		return
	}

	if svc.Streaming {
		defer func() { _ = resUp.Body.Close() }()
		dropHopByHop(resUp.Header)
		copyHeaders(w.Header(), resUp.Header)
		w.Header().Set(RequestIDHeader, requestID)
		w.WriteHeader(resUp.StatusCode)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		_, _ = io.Copy(w, resUp.Body)
		return
	}

	if resUp.StatusCode >= 400 {
		// Downstream business error: status passed through, body carried
		// along when it is JSON. Client errors do not count against the
		// breaker.
		var details any
		if isJSONContentType(resUp.Header.Get("Content-Type")) && len(body) > 0 && len(body) <= maxErrorBodyBytes {
			details = json.RawMessage(body)
		}
		writeError(w, CodeUpstream, "downstream returned an error", requestID, resUp.StatusCode, details)
		return
	}

	if isJSONContentType(resUp.Header.Get("Content-Type")) {
		writeSuccess(w, resUp.StatusCode, body, Meta{
			RequestID: requestID,
			Timestamp: time.Now().UTC(),
			LatencyMs: time.Since(start).Milliseconds(),
			Service:   svc.Name,
		})
		return
	}

	// Non-JSON payload: pass through untouched.
	dropHopByHop(resUp.Header)
	copyHeaders(w.Header(), resUp.Header)
	w.Header().Set(RequestIDHeader, requestID)
	w.WriteHeader(resUp.StatusCode)
	_, _ = w.Write(body)
}

// writeDispatchError maps a dispatch failure onto the error taxonomy.
// Breaker rejections and unreachable downstreams are SERVICE_UNAVAILABLE,
// never confused with downstream business errors.
func (g *Gateway) writeDispatchError(w http.ResponseWriter, err error, target, requestID string) {
	var ue *upstreamError
	var mbe *http.MaxBytesError

	switch {
	case errors.Is(err, context.Canceled):
		// Caller went away; nothing left to answer.
		return

	case breaker.IsOpen(err):
		writeError(w, CodeUnavailable, target+" is temporarily unavailable", requestID, 0, nil)

	case breaker.IsTimeout(err):
		writeError(w, CodeTimeout, target+" did not respond in time", requestID, 0, nil)

	case errors.As(err, &ue):
		var details any
		if len(ue.Body) > 0 {
			details = ue.Body
		}
		writeError(w, CodeUpstream, "downstream returned an error", requestID, ue.Status, details)

	case errors.As(err, &mbe):
		writeError(w, CodeValidation, "request body too large", requestID, 0, nil)

	case errors.Is(err, errNoEndpoint) || isNetError(err):
		writeError(w, CodeUnavailable, target+" is unreachable", requestID, 0, nil)

	default:
		g.log.Error("dispatch failed", zap.String("service", target),
			zap.String("request_id", requestID), zap.Error(err))
		var details any
		if g.development {
			details = err.Error()
		}
		writeError(w, CodeInternal, "internal error", requestID, 0, details)
	}
}

func isNetError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue)
}

// drainJSON reads a bounded JSON error body off a 5xx response and closes it.
func drainJSON(res *http.Response) json.RawMessage {
	defer func() { _ = res.Body.Close() }()
	if !isJSONContentType(res.Header.Get("Content-Type")) {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	b, err := io.ReadAll(io.LimitReader(res.Body, maxErrorBodyBytes))
	if err != nil || len(b) == 0 {
		return nil
	}
	return b
}

func isJSONContentType(ct string) bool {
	if ct == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func clientIP(r *http.Request) string {
	// first entry of X-Forwarded-For is the original client
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// --- proxy plumbing ---

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		cc := make([]string, len(vv))
		copy(cc, vv)
		out[k] = cc
	}
	return out
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func joinSlash(a, b string) string {
	as := strings.HasSuffix(a, "/")
	bs := strings.HasPrefix(b, "/")
	switch {
	case as && bs:
		return a + b[1:]
	case !as && !bs:
		return a + "/" + b
	default:
		return a + b
	}
}

var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"TE":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func dropHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, k := range strings.Split(f, ",") {
			k = textproto.TrimString(k)
			if k != "" {
				h.Del(k)
			}
		}
	}
	for k := range hopByHop {
		if k == "TE" && h.Get("TE") == "trailers" {
			continue
		}
		h.Del(k)
	}
}

func addXFF(h http.Header, remoteAddr string) {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || ip == "" {
		return
	}
	const key = "X-Forwarded-For"
	if prior := h.Get(key); prior != "" {
		h.Set(key, prior+", "+ip)
	} else {
		h.Set(key, ip)
	}
}

func setXFProto(h http.Header, r *http.Request) {
	if r.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
