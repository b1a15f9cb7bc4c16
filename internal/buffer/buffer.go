// Package buffer holds recent trades in memory, one bounded ring per
// market. The stream manager pushes every trade it ingests; the snapshot
// assembler reads trailing-window aggregates (flow and whale metrics) at
// snapshot time. Rings are capped by count and by age: pushing to a full
// ring evicts the oldest trade, and entries past the TTL are evicted on
// every push and read. Nothing here is persisted — the store keeps the
// durable trade log independently.
package buffer

import (
	"sync"
	"time"

	"polyharvest/pkg/types"
)

// WhaleTierFloor is the whale tier at and above which a trade counts as
// whale activity in aggregates.
const WhaleTierFloor = 2

// Buffer is the set of per-market trade rings. Safe for one writer and
// many readers per market.
type Buffer struct {
	capacity int
	ttl      time.Duration

	mu    sync.RWMutex
	rings map[string]*ring
}

// New creates a buffer with per-market capacity and TTL bounds.
func New(capacity int, ttl time.Duration) *Buffer {
	if capacity <= 0 {
		capacity = 10000
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Buffer{
		capacity: capacity,
		ttl:      ttl,
		rings:    make(map[string]*ring),
	}
}

// ring is one market's circular trade buffer, oldest at head.
type ring struct {
	mu     sync.Mutex
	trades []types.Trade
	head   int
	size   int

	lastTradeAt time.Time // timestamp of the newest pushed trade
}

// Push appends a trade to its market's ring, evicting the oldest entry
// when full and anything past the TTL.
func (b *Buffer) Push(tr types.Trade) {
	if tr.ConditionID == "" {
		return
	}
	r := b.ringFor(tr.ConditionID)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictExpired(time.Now().Add(-b.ttl))

	if r.size < len(r.trades) {
		r.trades[(r.head+r.size)%len(r.trades)] = tr
		r.size++
	} else {
		r.trades[r.head] = tr
		r.head = (r.head + 1) % len(r.trades)
	}
	if tr.Timestamp.After(r.lastTradeAt) {
		r.lastTradeAt = tr.Timestamp
	}
}

// Recent returns the trades with timestamps in [now-window, now], oldest
// first. Nil when the market has no ring or no matching trades.
func (b *Buffer) Recent(conditionID string, window time.Duration, now time.Time) []types.Trade {
	r := b.lookup(conditionID)
	if r == nil {
		return nil
	}

	cutoff := now.Add(-window)
	expired := now.Add(-b.ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictExpired(expired)

	var out []types.Trade
	for i := 0; i < r.size; i++ {
		tr := r.trades[(r.head+i)%len(r.trades)]
		if tr.Timestamp.Before(cutoff) || tr.Timestamp.After(now) {
			continue
		}
		out = append(out, tr)
	}
	return out
}

// Flow aggregates the market's trades over the trailing window. ok is
// false when the market has never buffered a trade — the caller uses that
// to tell "no stream coverage" from "covered but quiet".
func (b *Buffer) Flow(conditionID string, window time.Duration, now time.Time) (types.FlowMetrics, bool) {
	if b.lookup(conditionID) == nil {
		return types.FlowMetrics{}, false
	}

	var m types.FlowMetrics
	var notional float64 // Σ price·size for VWAP
	for _, tr := range b.Recent(conditionID, window, now) {
		m.TradeCount++
		m.Volume += tr.Size
		notional += tr.Price * tr.Size
		if tr.Size > m.MaxSize {
			m.MaxSize = tr.Size
		}
		if tr.Side == types.BUY {
			m.BuyCount++
			m.BuyVolume += tr.Size
		} else {
			m.SellCount++
			m.SellVolume += tr.Size
		}
	}
	if m.TradeCount > 0 {
		m.AvgSize = m.Volume / float64(m.TradeCount)
	}
	if m.Volume > 0 {
		m.VWAP = notional / m.Volume
	}
	return m, true
}

// Whale aggregates the whale-tier subset (tier >= WhaleTierFloor) over the
// trailing window. TimeSinceWhaleS counts from the newest whale trade in
// the whole ring, not just the window; it is negative when the ring holds
// none. ok follows the same contract as Flow.
func (b *Buffer) Whale(conditionID string, window time.Duration, now time.Time) (types.WhaleMetrics, bool) {
	r := b.lookup(conditionID)
	if r == nil {
		return types.WhaleMetrics{}, false
	}

	m := types.WhaleMetrics{TimeSinceWhaleS: -1}
	var total float64
	for _, tr := range b.Recent(conditionID, window, now) {
		total += tr.Size
		if tr.WhaleTier < WhaleTierFloor {
			continue
		}
		m.Count++
		m.Volume += tr.Size
		if tr.Side == types.BUY {
			m.BuyVolume += tr.Size
		} else {
			m.SellVolume += tr.Size
		}
	}
	m.NetFlow = m.BuyVolume - m.SellVolume
	if m.Volume > 0 {
		m.BuyRatio = m.BuyVolume / m.Volume
	}
	if total > 0 {
		m.PctOfVolume = m.Volume / total
	}

	if last, ok := b.lastWhaleAt(r); ok {
		m.TimeSinceWhaleS = now.Sub(last).Seconds()
	}
	return m, true
}

// LastTradeAt returns the timestamp of the newest trade pushed for the
// market, false when none has been.
func (b *Buffer) LastTradeAt(conditionID string) (time.Time, bool) {
	r := b.lookup(conditionID)
	if r == nil {
		return time.Time{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastTradeAt.IsZero() {
		return time.Time{}, false
	}
	return r.lastTradeAt, true
}

// Len returns how many trades the market's ring currently holds.
func (b *Buffer) Len(conditionID string) int {
	r := b.lookup(conditionID)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Drop frees a market's ring. Called when a market deactivates so dead
// markets do not pin memory until TTL.
func (b *Buffer) Drop(conditionID string) {
	b.mu.Lock()
	delete(b.rings, conditionID)
	b.mu.Unlock()
}

// Markets returns the condition ids with live rings.
func (b *Buffer) Markets() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.rings))
	for id := range b.rings {
		out = append(out, id)
	}
	return out
}

func (b *Buffer) ringFor(conditionID string) *ring {
	b.mu.RLock()
	r := b.rings[conditionID]
	b.mu.RUnlock()
	if r != nil {
		return r
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if r = b.rings[conditionID]; r == nil {
		r = &ring{trades: make([]types.Trade, b.capacity)}
		b.rings[conditionID] = r
	}
	return r
}

func (b *Buffer) lookup(conditionID string) *ring {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rings[conditionID]
}

func (b *Buffer) lastWhaleAt(r *ring) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := r.size - 1; i >= 0; i-- {
		tr := r.trades[(r.head+i)%len(r.trades)]
		if tr.WhaleTier >= WhaleTierFloor {
			return tr.Timestamp, true
		}
	}
	return time.Time{}, false
}

// evictExpired drops entries older than the cutoff. Caller holds r.mu.
func (r *ring) evictExpired(cutoff time.Time) {
	for r.size > 0 {
		oldest := r.trades[r.head]
		if !oldest.Timestamp.Before(cutoff) {
			break
		}
		r.trades[r.head] = types.Trade{}
		r.head = (r.head + 1) % len(r.trades)
		r.size--
	}
}
