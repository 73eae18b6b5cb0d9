package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/treum/gateway/internal/ratelimit"
)

// Code is a stable machine-readable error class. Every error leaving the
// dispatcher carries one of these; downstream- or component-specific error
// shapes never escape.
type Code string

const (
	CodeValidation  Code = "VALIDATION_ERROR"
	CodeNotFound    Code = "NOT_FOUND"
	CodeRateLimited Code = "RATE_LIMIT_EXCEEDED"
	CodeUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeTimeout     Code = "TIMEOUT"
	CodeUpstream    Code = "UPSTREAM_ERROR"
	CodeInternal    Code = "INTERNAL_ERROR"
)

func (c Code) httpStatus() int {
	switch c {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Meta rides along with every enveloped response.
type Meta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	LatencyMs int64     `json:"latency_ms"`
	Service   string    `json:"service,omitempty"`
}

type successEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Meta    Meta            `json:"metadata"`
}

type errorDetail struct {
	Code      Code      `json:"code"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

type errorEnvelope struct {
	Success bool        `json:"success"`
	Error   errorDetail `json:"error"`
}

func writeSuccess(w http.ResponseWriter, status int, data json.RawMessage, meta Meta) {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(successEnvelope{Success: true, Data: data, Meta: meta})
}

// writeError emits the uniform error envelope. status overrides the code's
// default mapping when non-zero (upstream status passthrough).
func writeError(w http.ResponseWriter, code Code, message, requestID string, status int, details any) {
	if status == 0 {
		status = code.httpStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Error: errorDetail{
			Code:      code,
			Message:   message,
			Details:   details,
			RequestID: requestID,
			Timestamp: time.Now().UTC(),
		},
	})
}

// setQuotaHeaders advertises the binding policy's quota on the response.
func setQuotaHeaders(h http.Header, res ratelimit.Result) {
	if res.Policy == "" {
		return
	}
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	h.Set("X-RateLimit-Window", res.Window.String())
}

// setRetryAfter tells a throttled caller when the window rolls over.
func setRetryAfter(h http.Header, resetAt time.Time) {
	secs := int64(time.Until(resetAt).Seconds()) + 1
	if secs < 1 {
		secs = 1
	}
	h.Set("Retry-After", strconv.FormatInt(secs, 10))
}

// upstreamError carries a downstream non-2xx response through the breaker
// boundary for classification.
type upstreamError struct {
	Status int
	Body   json.RawMessage // set only when the downstream answered JSON
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("downstream returned %d", e.Status)
}
