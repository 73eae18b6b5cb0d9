package registry

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/treum/gateway/internal/config"
)

// Prober polls every service's health path on a fixed interval and caches the
// result in the registry. A service is healthy when at least one of its
// endpoints answers 200.
type Prober struct {
	reg      *Registry
	client   *http.Client
	interval time.Duration
	log      *zap.Logger
}

func NewProber(reg *Registry, cfg config.HealthProbe, log *zap.Logger) *Prober {
	return &Prober{
		reg:      reg,
		client:   &http.Client{Timeout: cfg.Timeout},
		interval: cfg.Interval,
		log:      log,
	}
}

// Run probes once immediately, then on every tick until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	p.probeAll(ctx)

	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.probeAll(ctx)
		}
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	for _, svc := range p.reg.Services() {
		healthy := false
		for _, ep := range svc.Endpoints {
			if p.probeOne(ctx, ep.URL, svc.HealthPath) {
				healthy = true
				break
			}
		}
		prev := p.reg.Health(svc.Name)
		p.reg.SetHealth(svc.Name, healthy)
		if healthy && prev == StatusUnhealthy {
			p.log.Info("service recovered", zap.String("service", svc.Name))
		}
		if !healthy && prev != StatusUnhealthy {
			p.log.Warn("service unhealthy", zap.String("service", svc.Name))
		}
	}
}

func (p *Prober) probeOne(ctx context.Context, base *url.URL, healthPath string) bool {
	u := new(url.URL)
	*u = *base
	u.Path = joinSlash(base.Path, healthPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false
	}
	res, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = res.Body.Close() }()
	_, _ = io.Copy(io.Discard, res.Body)
	return res.StatusCode == http.StatusOK
}

// joinSlash joins an endpoint base path and the health path with exactly one
// slash, matching how the dispatcher builds upstream URLs.
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
