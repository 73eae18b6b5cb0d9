package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type rawBreaker struct {
	Timeout                  string  `yaml:"timeout"`
	ErrorThresholdPercentage float64 `yaml:"error_threshold_percentage"`
	ResetTimeout             string  `yaml:"reset_timeout"`
	RollingCountTimeout      string  `yaml:"rolling_count_timeout"`
	RollingCountBuckets      int     `yaml:"rolling_count_buckets"`
	VolumeThreshold          int     `yaml:"volume_threshold"`
}

type rawConfig struct {
	Listen      string `yaml:"listen"`
	AdminListen string `yaml:"admin_listen"`
	Log         struct {
		Development bool     `yaml:"development"`
		AccessLog   *bool    `yaml:"access_log"`
		Sampling    *float64 `yaml:"sampling"`
	} `yaml:"log"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	Services     []struct {
		Name       string   `yaml:"name"`
		Proto      string   `yaml:"proto"`
		Prefixes   []string `yaml:"prefixes"`
		HealthPath string   `yaml:"health_path"`
		Streaming  bool     `yaml:"streaming"`
		Endpoints  []any    `yaml:"endpoints"`
	} `yaml:"services"`
	HealthProbe struct {
		Interval string `yaml:"interval"`
		Timeout  string `yaml:"timeout"`
	} `yaml:"health_probe"`
	RateLimits []struct {
		Name   string `yaml:"name"`
		Key    string `yaml:"key"`
		Tier   string `yaml:"tier"`
		Window string `yaml:"window"`
		Max    int    `yaml:"max"`
	} `yaml:"rate_limits"`
	LocalGuard struct {
		Rate  float64 `yaml:"rate"`
		Burst int     `yaml:"burst"`
	} `yaml:"local_guard"`
	Auth struct {
		Tokens map[string]struct {
			Subject string `yaml:"subject"`
			Tier    string `yaml:"tier"`
		} `yaml:"tokens"`
	} `yaml:"auth"`
	Breaker struct {
		Default   rawBreaker            `yaml:"default"`
		Overrides map[string]rawBreaker `yaml:"overrides"`
	} `yaml:"breaker"`
	Timeouts struct {
		Read  string `yaml:"read"`
		Write string `yaml:"write"`
	} `yaml:"timeouts"`
}

type Config struct {
	Listen           string
	AdminListen      string
	Log              Log
	Redis            Redis
	MaxBodyBytes     int64
	Services         map[string]Service
	HealthProbe      HealthProbe
	RateLimits       []RateLimitPolicy
	LocalGuard       LocalGuard
	AuthTokens       map[string]AuthToken
	BreakerDefault   Breaker
	BreakerOverrides map[string]Breaker
	Timeouts         Timeouts
}

// DefaultBreaker mirrors the per-target tuning used when a service has no override.
func DefaultBreaker() Breaker {
	return Breaker{
		Timeout:                  3 * time.Second,
		ErrorThresholdPercentage: 50,
		ResetTimeout:             30 * time.Second,
		RollingCountTimeout:      10 * time.Second,
		RollingCountBuckets:      10,
		VolumeThreshold:          10,
	}
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	var rc rawConfig
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}

	c := &Config{
		Listen:       ":8080",
		AdminListen:  ":9100",
		MaxBodyBytes: 4 << 20,
		Log:          Log{AccessLog: true, Sampling: 1.0, Development: rc.Log.Development},
		Redis:        Redis{Addr: rc.Redis.Addr, Password: rc.Redis.Password, DB: rc.Redis.DB},
		HealthProbe:  HealthProbe{Interval: 10 * time.Second, Timeout: 2 * time.Second},
	}
	if v := strings.TrimSpace(rc.Listen); v != "" {
		c.Listen = v
	}
	if v := strings.TrimSpace(rc.AdminListen); v != "" {
		c.AdminListen = v
	}
	if rc.Log.AccessLog != nil {
		c.Log.AccessLog = *rc.Log.AccessLog
	}
	if rc.Log.Sampling != nil {
		if *rc.Log.Sampling < 0 || *rc.Log.Sampling > 1 {
			return nil, fmt.Errorf("log.sampling: must be within [0,1]")
		}
		c.Log.Sampling = *rc.Log.Sampling
	}
	if rc.MaxBodyBytes > 0 {
		c.MaxBodyBytes = rc.MaxBodyBytes
	}

	// services
	svcs := make(map[string]Service)
	seenPrefix := make(map[string]string) // prefix -> service name
	for i, s := range rc.Services {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return nil, fmt.Errorf("services[%d]: name is required", i)
		}
		proto := strings.ToLower(strings.TrimSpace(s.Proto))
		if proto == "" {
			proto = "http1"
		}
		switch proto {
		case "http1", "auto":
		default:
			return nil, fmt.Errorf("services[%d]: unknown proto %q", i, proto)
		}
		if len(s.Prefixes) == 0 {
			return nil, fmt.Errorf("services[%d]: prefixes is empty", i)
		}
		var prefixes []string
		for j, p := range s.Prefixes {
			p = strings.TrimSpace(p)
			if !strings.HasPrefix(p, "/") {
				return nil, fmt.Errorf("services[%d].prefixes[%d]: must start with '/'", i, j)
			}
			if owner, dup := seenPrefix[p]; dup {
				return nil, fmt.Errorf("services[%d].prefixes[%d]: %q already registered by %q", i, j, p, owner)
			}
			seenPrefix[p] = name
			prefixes = append(prefixes, p)
		}
		healthPath := strings.TrimSpace(s.HealthPath)
		if healthPath == "" {
			healthPath = "/health"
		}
		if !strings.HasPrefix(healthPath, "/") {
			return nil, fmt.Errorf("services[%d]: health_path must start with '/'", i)
		}
		if len(s.Endpoints) == 0 {
			return nil, fmt.Errorf("services[%d]: endpoints is empty", i)
		}
		var eps []Endpoint
		for j, raw := range s.Endpoints {
			var rawURL string
			weight := 1

			switch v := raw.(type) {
			case string:
				rawURL = v
			case map[string]any:
				if u, ok := v["url"].(string); ok {
					rawURL = u
				}
				if w, ok := v["weight"].(int); ok {
					weight = w
				}
			default:
				return nil, fmt.Errorf("services[%d].endpoints[%d]: invalid format", i, j)
			}

			u, err := url.Parse(strings.TrimSpace(rawURL))
			if err != nil {
				return nil, fmt.Errorf("services[%d].endpoints[%d]: parse: %v", i, j, err)
			}
			if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return nil, fmt.Errorf("services[%d].endpoints[%d]: must be http(s) URL with host", i, j)
			}
			eps = append(eps, Endpoint{URL: u, Weight: weight})
		}
		if _, dup := svcs[name]; dup {
			return nil, fmt.Errorf("services: duplicate name %q", name)
		}
		svcs[name] = Service{
			Name:       name,
			Proto:      proto,
			Prefixes:   prefixes,
			HealthPath: healthPath,
			Streaming:  s.Streaming,
			Endpoints:  eps,
		}
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("services: at least one is required")
	}
	c.Services = svcs

	// health probe
	if rc.HealthProbe.Interval != "" {
		d, err := time.ParseDuration(rc.HealthProbe.Interval)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("health_probe.interval: invalid duration %q", rc.HealthProbe.Interval)
		}
		c.HealthProbe.Interval = d
	}
	if rc.HealthProbe.Timeout != "" {
		d, err := time.ParseDuration(rc.HealthProbe.Timeout)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("health_probe.timeout: invalid duration %q", rc.HealthProbe.Timeout)
		}
		c.HealthProbe.Timeout = d
	}

	// rate limit policies
	seenPolicy := make(map[string]bool)
	for i, p := range rc.RateLimits {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return nil, fmt.Errorf("rate_limits[%d]: name is required", i)
		}
		if seenPolicy[name] {
			return nil, fmt.Errorf("rate_limits[%d]: duplicate name %q", i, name)
		}
		seenPolicy[name] = true
		key := KeySource(strings.ToLower(strings.TrimSpace(p.Key)))
		switch key {
		case KeyGlobal, KeyIP, KeyUser, KeyAPIKey, KeyService:
		default:
			return nil, fmt.Errorf("rate_limits[%d]: unknown key %q", i, p.Key)
		}
		w, err := time.ParseDuration(p.Window)
		if err != nil || w <= 0 {
			return nil, fmt.Errorf("rate_limits[%d]: invalid window %q", i, p.Window)
		}
		if p.Max <= 0 {
			return nil, fmt.Errorf("rate_limits[%d]: max must be positive", i)
		}
		c.RateLimits = append(c.RateLimits, RateLimitPolicy{
			Name:   name,
			Key:    key,
			Tier:   strings.TrimSpace(p.Tier),
			Window: w,
			Max:    p.Max,
		})
	}

	// local guard
	if rc.LocalGuard.Rate < 0 {
		return nil, fmt.Errorf("local_guard.rate: must be non-negative")
	}
	c.LocalGuard = LocalGuard{Rate: rc.LocalGuard.Rate, Burst: rc.LocalGuard.Burst}
	if c.LocalGuard.Rate > 0 && c.LocalGuard.Burst <= 0 {
		c.LocalGuard.Burst = int(c.LocalGuard.Rate)
		if c.LocalGuard.Burst == 0 {
			c.LocalGuard.Burst = 1
		}
	}

	// auth tokens
	if len(rc.Auth.Tokens) > 0 {
		c.AuthTokens = make(map[string]AuthToken, len(rc.Auth.Tokens))
		for tok, v := range rc.Auth.Tokens {
			if strings.TrimSpace(v.Subject) == "" {
				return nil, fmt.Errorf("auth.tokens: token without subject")
			}
			c.AuthTokens[tok] = AuthToken{Subject: v.Subject, Tier: v.Tier}
		}
	}

	// breaker
	def, err := parseBreaker(rc.Breaker.Default, DefaultBreaker())
	if err != nil {
		return nil, fmt.Errorf("breaker.default: %w", err)
	}
	c.BreakerDefault = def
	if len(rc.Breaker.Overrides) > 0 {
		c.BreakerOverrides = make(map[string]Breaker, len(rc.Breaker.Overrides))
		for name, rb := range rc.Breaker.Overrides {
			if _, ok := svcs[name]; !ok {
				return nil, fmt.Errorf("breaker.overrides: %q not found in services", name)
			}
			ov, err := parseBreaker(rb, def)
			if err != nil {
				return nil, fmt.Errorf("breaker.overrides[%s]: %w", name, err)
			}
			c.BreakerOverrides[name] = ov
		}
	}

	// timeouts
	if rc.Timeouts.Read != "" {
		d, err := time.ParseDuration(rc.Timeouts.Read)
		if err != nil {
			return nil, fmt.Errorf("timeouts.read: %v", err)
		}
		c.Timeouts.Read = d
	}
	if rc.Timeouts.Write != "" {
		d, err := time.ParseDuration(rc.Timeouts.Write)
		if err != nil {
			return nil, fmt.Errorf("timeouts.write: %v", err)
		}
		c.Timeouts.Write = d
	}

	return c, nil
}

// parseBreaker fills unset fields from base so overrides only need the
// fields they change.
func parseBreaker(rb rawBreaker, base Breaker) (Breaker, error) {
	out := base
	if rb.Timeout != "" {
		d, err := time.ParseDuration(rb.Timeout)
		if err != nil || d <= 0 {
			return out, fmt.Errorf("invalid timeout %q", rb.Timeout)
		}
		out.Timeout = d
	}
	if rb.ErrorThresholdPercentage != 0 {
		if rb.ErrorThresholdPercentage < 0 || rb.ErrorThresholdPercentage > 100 {
			return out, fmt.Errorf("error_threshold_percentage must be within (0,100]")
		}
		out.ErrorThresholdPercentage = rb.ErrorThresholdPercentage
	}
	if rb.ResetTimeout != "" {
		d, err := time.ParseDuration(rb.ResetTimeout)
		if err != nil || d <= 0 {
			return out, fmt.Errorf("invalid reset_timeout %q", rb.ResetTimeout)
		}
		out.ResetTimeout = d
	}
	if rb.RollingCountTimeout != "" {
		d, err := time.ParseDuration(rb.RollingCountTimeout)
		if err != nil || d <= 0 {
			return out, fmt.Errorf("invalid rolling_count_timeout %q", rb.RollingCountTimeout)
		}
		out.RollingCountTimeout = d
	}
	if rb.RollingCountBuckets != 0 {
		if rb.RollingCountBuckets < 0 {
			return out, fmt.Errorf("rolling_count_buckets must be positive")
		}
		out.RollingCountBuckets = rb.RollingCountBuckets
	}
	if rb.VolumeThreshold != 0 {
		if rb.VolumeThreshold < 0 {
			return out, fmt.Errorf("volume_threshold must be positive")
		}
		out.VolumeThreshold = rb.VolumeThreshold
	}
	return out, nil
}
