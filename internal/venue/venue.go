// Package venue implements the Polymarket REST and WebSocket clients used
// by the harvester and the trading engine.
//
// Three REST clients talk to three venue surfaces:
//   - DiscoveryClient: Gamma API — market discovery and per-market refresh
//   - BookClient:      CLOB API — order book, midpoint and spread reads
//   - OrderClient:     CLOB API — signed order placement and cancellation
//
// A single WSConn wraps one market-channel WebSocket connection; the stream
// pool owns several and spreads subscriptions across them.
//
// Every REST request passes a token-bucket rate limit and a circuit breaker.
// The breaker opens after a run of consecutive failures and makes calls fail
// fast with ErrBreakerOpen until the cooldown elapses; a 429 with Retry-After
// forces it open for the server-requested duration.
package venue

import (
	"errors"
	"time"

	"github.com/go-resty/resty/v2"

	"polyharvest/internal/config"
)

var (
	// ErrBreakerOpen is returned without touching the network while a
	// client's circuit breaker is open.
	ErrBreakerOpen = errors.New("venue: circuit breaker open")

	// ErrNotFound is returned when the venue has no market for the
	// requested condition id.
	ErrNotFound = errors.New("venue: market not found")
)

// newHTTPClient builds the resty client shared by all venue REST clients:
// base URL, timeout, and 5xx/network retry with exponential wait.
func newHTTPClient(baseURL string, cfg config.APIConfig) *resty.Client {
	retryMax := cfg.RetryWaitMax
	if retryMax <= 0 {
		retryMax = 5 * time.Second
	}
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(retryMax).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")
}
