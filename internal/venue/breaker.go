package venue

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// Breaker is a simple consecutive-failure circuit breaker. After threshold
// failures in a row it opens for the cooldown period; calls made while open
// fail fast with ErrBreakerOpen. Any success closes it and resets the count.
// A 429 response forces it open for the server's Retry-After duration.
type Breaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	cooldown  time.Duration
	openUntil time.Time
	logger    *slog.Logger
}

// NewBreaker creates a breaker. threshold <= 0 defaults to 5 and
// cooldown <= 0 to 60s.
func NewBreaker(threshold int, cooldown time.Duration, logger *slog.Logger) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger,
	}
}

// Allow returns ErrBreakerOpen while the breaker is open, nil otherwise.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if time.Now().Before(b.openUntil) {
		return ErrBreakerOpen
	}
	return nil
}

// Success closes the breaker and resets the failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	b.failures = 0
	b.openUntil = time.Time{}
	b.mu.Unlock()
}

// Failure records one failed request. Crossing the threshold opens the
// breaker for the cooldown period.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = time.Now().Add(b.cooldown)
		b.failures = 0
		b.logger.Warn("circuit breaker opened",
			"cooldown", b.cooldown,
			"threshold", b.threshold,
		)
	}
}

// ForceOpen opens the breaker for the given duration regardless of the
// failure count. Used when the venue answers 429 with a Retry-After.
func (b *Breaker) ForceOpen(d time.Duration) {
	if d <= 0 {
		d = b.cooldown
	}
	b.mu.Lock()
	b.openUntil = time.Now().Add(d)
	b.failures = 0
	b.mu.Unlock()
	b.logger.Warn("circuit breaker forced open", "duration", d)
}

// Observe classifies a completed request for the breaker: network errors
// and 5xx count as failures, 429 forces open per Retry-After, everything
// else counts as success. Returns true when the caller should treat the
// request as failed.
func (b *Breaker) Observe(resp *resty.Response, err error) bool {
	if err != nil {
		b.Failure()
		return true
	}
	code := resp.StatusCode()
	switch {
	case code == http.StatusTooManyRequests:
		b.ForceOpen(retryAfter(resp))
		return true
	case code >= 500:
		b.Failure()
		return true
	default:
		b.Success()
		return false
	}
}

// retryAfter parses the Retry-After header (delta-seconds form). Zero when
// absent or unparsable, which makes ForceOpen fall back to the cooldown.
func retryAfter(resp *resty.Response) time.Duration {
	h := resp.Header().Get("Retry-After")
	if h == "" {
		return 0
	}
	secs, err := strconv.Atoi(h)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
