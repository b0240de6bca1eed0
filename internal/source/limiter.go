package source

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AdaptiveLimiter paces requests to the registry. Successes raise the rate
// by 20% up to 2x the configured rate; a 429 halves it down to a quarter.
type AdaptiveLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	maxRate rate.Limit
	minRate rate.Limit
	current rate.Limit
}

// NewAdaptiveLimiter creates a limiter starting at initial events per second.
func NewAdaptiveLimiter(initial rate.Limit, burst int) *AdaptiveLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &AdaptiveLimiter{
		limiter: rate.NewLimiter(initial, burst),
		maxRate: initial * 2,
		minRate: initial / 4,
		current: initial,
	}
}

// Wait blocks until a request may be sent.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess nudges the rate up.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.set(min(a.current*1.2, a.maxRate))
}

// OnRateLimit halves the rate.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.set(max(a.current*0.5, a.minRate))
	zap.L().Warn("registry rate limited, slowing down",
		zap.Float64("rate_per_sec", float64(a.current)),
	)
}

// Limit returns the current rate.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *AdaptiveLimiter) set(r rate.Limit) {
	a.current = r
	a.limiter.SetLimit(r)
}
