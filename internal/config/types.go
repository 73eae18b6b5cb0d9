package config

import (
	"net/url"
	"time"
)

// Service is an upstream pool reachable under one or more path prefixes.
type Service struct {
	Name       string
	Proto      string   // "http1" | "auto"
	Prefixes   []string // each must start with "/"
	HealthPath string   // probed path, e.g. "/health"
	Streaming  bool     // responses are passed through, never buffered
	Endpoints  []Endpoint
}

type Endpoint struct {
	URL    *url.URL
	Weight int // 0 means default (1)
}

// KeySource selects what identity a rate-limit policy counts by.
type KeySource string

const (
	KeyGlobal  KeySource = "global"
	KeyIP      KeySource = "ip"
	KeyUser    KeySource = "user"
	KeyAPIKey  KeySource = "api_key"
	KeyService KeySource = "service"
)

// RateLimitPolicy is one named fixed-window counting rule. Policies are
// evaluated in declaration order; the first denial rejects the request.
type RateLimitPolicy struct {
	Name   string
	Key    KeySource
	Tier   string // if set, applies only to callers of this tier
	Window time.Duration
	Max    int
}

// LocalGuard is the in-process token-bucket pre-filter in front of the
// shared counting store. Zero Rate disables it.
type LocalGuard struct {
	Rate  float64 // tokens per second, per caller
	Burst int
}

// Breaker holds per-target circuit breaker tuning.
type Breaker struct {
	Timeout                  time.Duration // hard cap on a downstream call
	ErrorThresholdPercentage float64       // 0-100; failure rate that trips CLOSED->OPEN
	ResetTimeout             time.Duration // dwell in OPEN before a trial is allowed
	RollingCountTimeout      time.Duration // rolling window span
	RollingCountBuckets      int           // circular buckets in the window
	VolumeThreshold          int           // minimum calls in window before tripping
}

// AuthToken maps a static bearer token to a caller identity. Enough for
// service-to-service callers and local setups; anything fancier plugs in
// behind the verifier interface.
type AuthToken struct {
	Subject string
	Tier    string
}

type Redis struct {
	Addr     string
	Password string
	DB       int
}

type HealthProbe struct {
	Interval time.Duration
	Timeout  time.Duration
}

type Log struct {
	Development bool
	AccessLog   bool
	Sampling    float64 // 0..1, fraction of access log entries emitted
}

type Timeouts struct {
	Read  time.Duration
	Write time.Duration
}
