package connector

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Pacer spaces out API calls per connection so continuous polling stays well
// under each platform's rate limit. Limits are adjusted as quota headroom
// changes; a connection with little quota left gets polled more slowly.
type Pacer struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	fallback rate.Limit
	burst    int
}

// NewPacer creates a pacer with a default per-connection rate.
func NewPacer(callsPerSecond float64, burst int) *Pacer {
	if callsPerSecond <= 0 {
		callsPerSecond = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &Pacer{
		limiters: make(map[string]*rate.Limiter),
		fallback: rate.Limit(callsPerSecond),
		burst:    burst,
	}
}

// Wait blocks until the connection may make its next API call.
func (p *Pacer) Wait(ctx context.Context, connectionID string) error {
	return p.limiter(connectionID).Wait(ctx)
}

// Allow reports whether a call may proceed immediately without blocking.
func (p *Pacer) Allow(connectionID string) bool {
	return p.limiter(connectionID).Allow()
}

// SetRate adjusts the per-connection call rate, e.g. after a quota check.
func (p *Pacer) SetRate(connectionID string, callsPerSecond float64) {
	if callsPerSecond <= 0 {
		return
	}
	p.limiter(connectionID).SetLimit(rate.Limit(callsPerSecond))
}

func (p *Pacer) limiter(connectionID string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[connectionID]
	if !ok {
		l = rate.NewLimiter(p.fallback, p.burst)
		p.limiters[connectionID] = l
	}
	return l
}
