package stream

import (
	"sync"
	"time"

	"polyharvest/pkg/types"
)

// TopOfBook is the cached best bid/ask for one token, refreshed from
// streamed book and price_change events. Either side may be absent.
type TopOfBook struct {
	TokenID   string
	BestBid   *float64
	BestAsk   *float64
	UpdatedAt time.Time
}

// Mid returns the midpoint, or false when a side is missing.
func (t TopOfBook) Mid() (float64, bool) {
	if t.BestBid == nil || t.BestAsk == nil {
		return 0, false
	}
	return (*t.BestBid + *t.BestAsk) / 2, true
}

// BookCache holds the latest top-of-book per streamed token. Trades get
// stamped with it at ingest time, and the scanner prefers it over the
// (slower) snapshot columns while it is fresh.
type BookCache struct {
	mu   sync.RWMutex
	tops map[string]TopOfBook
}

func NewBookCache() *BookCache {
	return &BookCache{tops: make(map[string]TopOfBook)}
}

// SetFromLadders replaces the token's top-of-book from a full book event.
// Bids must be sorted descending, asks ascending, as parsed off the wire.
func (c *BookCache) SetFromLadders(tokenID string, bids, asks []types.Level, at time.Time) {
	top := TopOfBook{TokenID: tokenID, UpdatedAt: at}
	if len(bids) > 0 {
		b := bids[0].Price
		top.BestBid = &b
	}
	if len(asks) > 0 {
		a := asks[0].Price
		top.BestAsk = &a
	}
	c.mu.Lock()
	c.tops[tokenID] = top
	c.mu.Unlock()
}

// SetTop updates one or both sides from an incremental price_change.
// A nil side keeps the cached value.
func (c *BookCache) SetTop(tokenID string, bid, ask *float64, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	top, ok := c.tops[tokenID]
	if !ok {
		top = TopOfBook{TokenID: tokenID}
	}
	if bid != nil {
		b := *bid
		top.BestBid = &b
	}
	if ask != nil {
		a := *ask
		top.BestAsk = &a
	}
	top.UpdatedAt = at
	c.tops[tokenID] = top
}

// Top returns the cached top-of-book, or false when the token has never
// produced a book event.
func (c *BookCache) Top(tokenID string) (TopOfBook, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	top, ok := c.tops[tokenID]
	return top, ok
}

// Fresh returns the top-of-book only when it was updated within maxAge.
func (c *BookCache) Fresh(tokenID string, maxAge time.Duration, now time.Time) (TopOfBook, bool) {
	top, ok := c.Top(tokenID)
	if !ok || now.Sub(top.UpdatedAt) > maxAge {
		return TopOfBook{}, false
	}
	return top, true
}

// Drop forgets a token, freeing its entry after unsubscribe.
func (c *BookCache) Drop(tokenID string) {
	c.mu.Lock()
	delete(c.tops, tokenID)
	c.mu.Unlock()
}

// Len reports how many tokens have cached tops.
func (c *BookCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tops)
}
