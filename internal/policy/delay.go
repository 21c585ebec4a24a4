package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DelayGate enforces the minimum spacing between successive fetches to the
// same domain. Each worker keeps its own gate; the master does not arbitrate
// politeness across workers.
type DelayGate struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDelayGate creates an empty gate.
func NewDelayGate() *DelayGate {
	return &DelayGate{limiters: make(map[string]*rate.Limiter)}
}

// Wait blocks until a fetch to domain is permitted under delay, or the
// context ends. A zero delay passes through immediately.
func (g *DelayGate) Wait(ctx context.Context, domain string, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	limiter := g.limiter(domain, delay)
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("delay wait for %s: %w", domain, err)
	}
	return nil
}

func (g *DelayGate) limiter(domain string, delay time.Duration) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	limiter, ok := g.limiters[domain]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(delay), 1)
		g.limiters[domain] = limiter
		return limiter
	}
	// Robots crawl-delay can change on cache refresh; track the latest.
	want := rate.Every(delay)
	if limiter.Limit() != want {
		limiter.SetLimit(want)
	}
	return limiter
}
