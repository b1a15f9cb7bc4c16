// ratelimit.go implements token-bucket rate limiting for the venue APIs.
//
// The venue enforces per-category limits measured in requests per 10-second
// windows. The buckets here refill continuously (rather than in 10s bursts)
// so a steady caller never slams into a hard limit.
//
// Trading endpoints use the venue's published budgets; discovery and book
// reads use the configurable client-side throttle, which exists mostly to
// keep the tier loops polite when thousands of markets are tracked.
package venue

import (
	"context"
	"sync"
	"time"

	"polyharvest/internal/config"
)

// TokenBucket is a continuously refilling bucket: tokens accrue
// fractionally with elapsed time up to the burst capacity, and Wait
// blocks the caller until a whole token is available.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64 // fractional
	capacity float64
	rate     float64 // tokens per second
	lastTime time.Time
}

func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait takes one token, sleeping exactly as long as the refill needs,
// or returns early with the context's error.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// newReadBucket builds the throttle for discovery/book/data reads from the
// configured requests-per-second and burst.
func newReadBucket(cfg config.APIConfig) *TokenBucket {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 8.0
	}
	burst := float64(cfg.Burst)
	if burst < 1 {
		burst = rps * 2
	}
	return NewTokenBucket(burst, rps)
}

// TradingLimiter groups token buckets for the order-management endpoints,
// tuned to the venue's published limits. Capacities are the 10-second burst
// allowance, rates 1/10th for smooth refill.
type TradingLimiter struct {
	Order  *TokenBucket // POST /order — placing new orders
	Cancel *TokenBucket // DELETE /order, /cancel-all
}

// NewTradingLimiter creates rate limiters for the trading endpoints.
func NewTradingLimiter() *TradingLimiter {
	return &TradingLimiter{
		Order:  NewTokenBucket(350, 50), // 3500 per 10s window
		Cancel: NewTokenBucket(300, 30), // 3000 per 10s window
	}
}
