// Package lb picks one endpoint out of a service's pool per call, with
// passive health feedback.
package lb

import (
	"net/url"
	"sync"
	"time"

	"github.com/treum/gateway/internal/config"
)

const (
	failsBeforeSkip = 3
	skipWindow      = 10 * time.Second
)

type Balancer interface {
	Next() Endpoint
}

type Endpoint interface {
	URL() *url.URL
	Feedback(success bool)
}

// smoothWRR is smooth weighted round-robin. Endpoints that failed
// failsBeforeSkip times in a row are skipped for skipWindow.
type smoothWRR struct {
	mu    sync.Mutex
	peers []*peer
}

type peer struct {
	url           *url.URL
	weight        int
	currentWeight int

	// Passive health
	fails     int
	skipUntil time.Time
}

func NewSmoothWRR(endpoints []config.Endpoint) Balancer {
	peers := make([]*peer, len(endpoints))
	for i, e := range endpoints {
		w := e.Weight
		if w <= 0 {
			w = 1
		}
		peers[i] = &peer{
			url:    e.URL,
			weight: w,
		}
	}
	return &smoothWRR{peers: peers}
}

func (b *smoothWRR) Next() Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	var best *peer
	total := 0

	for _, p := range b.peers {
		// Skip endpoints inside their penalty window.
		if !p.skipUntil.IsZero() && now.Before(p.skipUntil) {
			continue
		}

		p.currentWeight += p.weight
		total += p.weight
		if best == nil || p.currentWeight > best.currentWeight {
			best = p
		}
	}

	if best == nil {
		return nil
	}

	best.currentWeight -= total
	return &peerEndpoint{p: best, b: b}
}

type peerEndpoint struct {
	p *peer
	b *smoothWRR
}

func (e *peerEndpoint) URL() *url.URL {
	return e.p.url
}

func (e *peerEndpoint) Feedback(success bool) {
	e.b.mu.Lock()
	defer e.b.mu.Unlock()

	if success {
		e.p.fails = 0
		e.p.skipUntil = time.Time{}
	} else {
		e.p.fails++
		if e.p.fails >= failsBeforeSkip {
			e.p.skipUntil = time.Now().Add(skipWindow)
		}
	}
}
