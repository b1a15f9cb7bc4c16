// Package stream owns the WebSocket side of the pipeline: a fixed pool of
// market-channel connections, subscription assignment by priority, trade
// ingest into the ring buffer and durable log, a top-of-book cache, and a
// health monitor that bounces quiet connections.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"polyharvest/internal/buffer"
	"polyharvest/internal/config"
	"polyharvest/internal/registry"
	"polyharvest/internal/store"
	"polyharvest/internal/venue"
	"polyharvest/pkg/types"
)

// streamTiers are the tiers eligible for WebSocket coverage. Colder
// markets ride REST snapshots alone.
var streamTiers = map[types.Tier]bool{
	types.Tier2: true,
	types.Tier3: true,
	types.Tier4: true,
}

const (
	healthInterval = 30 * time.Second
	rateSamples    = 3 // moving-average window for the trade-rate floor

	flushInterval = 2 * time.Second
	flushBatch    = 500
)

// Manager runs the connection pool and routes every frame: trades into
// the ring buffer and persist queue, books and price changes into the
// top-of-book cache.
type Manager struct {
	cfg    config.StreamConfig
	whales config.WhaleConfig

	reg   *registry.Registry
	buf   *buffer.Buffer
	st    *store.Store
	cache *BookCache

	conns       []*venue.WSConn
	tradeCounts []atomic.Int64 // per-connection, cumulative

	mu          sync.RWMutex
	assigned    map[string]int    // token id -> connection index
	tokenMarket map[string]string // token id -> condition id
	marketToken map[string]string // condition id -> token id

	persistCh chan types.Trade

	frames     atomic.Int64
	trades     atomic.Int64
	books      atomic.Int64
	malformed  atomic.Int64
	queueDrops atomic.Int64

	logger *slog.Logger
}

// New builds the pool. Connections are created up front (ids fix their
// reconnect stagger slots) but nothing dials until Run.
func New(cfg config.StreamConfig, whales config.WhaleConfig, wsURL string, reg *registry.Registry, buf *buffer.Buffer, st *store.Store, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:         cfg,
		whales:      whales,
		reg:         reg,
		buf:         buf,
		st:          st,
		cache:       NewBookCache(),
		tradeCounts: make([]atomic.Int64, cfg.Connections),
		assigned:    make(map[string]int),
		tokenMarket: make(map[string]string),
		marketToken: make(map[string]string),
		persistCh:   make(chan types.Trade, 4096),
		logger:      logger.With("component", "stream"),
	}
	for i := 0; i < cfg.Connections; i++ {
		m.conns = append(m.conns, venue.NewWSConn(i, wsURL, cfg.ReconnectMax, m.handleFrame, logger))
	}
	return m
}

// Cache exposes the top-of-book cache for the scanner.
func (m *Manager) Cache() *BookCache { return m.cache }

// Run assigns initial subscriptions, dials the pool and blocks until ctx
// ends. With streaming disabled it returns immediately; snapshots then
// carry null flow sections.
func (m *Manager) Run(ctx context.Context) error {
	if !m.cfg.Enabled {
		m.logger.Info("streaming disabled, flow sections will stay null")
		return nil
	}

	m.refreshOnce()

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range m.conns {
		c := c
		g.Go(func() error { return c.Run(ctx) })
	}
	g.Go(func() error { m.refreshLoop(ctx); return nil })
	g.Go(func() error { m.healthLoop(ctx); return nil })
	g.Go(func() error { m.flushLoop(ctx); return nil })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// IsSubscribed reports whether the market's YES token is currently
// assigned to a connection. The snapshot assembler keys flow-section
// nullability off this.
func (m *Manager) IsSubscribed(conditionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.marketToken[conditionID]
	return ok
}

// SubscribedCount reports the pool-wide number of assigned tokens.
func (m *Manager) SubscribedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.assigned)
}

// UnsubscribeMarket drops a market's subscription, cache entry and trade
// ring. Wired as the registry's deactivation hook.
func (m *Manager) UnsubscribeMarket(conditionID string) {
	m.mu.Lock()
	token, ok := m.marketToken[conditionID]
	var idx int
	if ok {
		idx = m.assigned[token]
		delete(m.assigned, token)
		delete(m.tokenMarket, token)
		delete(m.marketToken, conditionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if idx < len(m.conns) {
		if err := m.conns[idx].Unsubscribe([]string{token}); err != nil {
			m.logger.Warn("unsubscribe failed", "token", token, "error", err)
		}
	}
	m.cache.Drop(token)
	m.buf.Drop(conditionID)
}

// Stats is a point-in-time view of pool counters for the status log.
type Stats struct {
	Connections int
	Connected   int
	Subscribed  int
	Frames      int64
	Trades      int64
	Books       int64
	Malformed   int64
	QueueDrops  int64
}

func (m *Manager) Stats() Stats {
	connected := 0
	for _, c := range m.conns {
		if c.Connected() {
			connected++
		}
	}
	return Stats{
		Connections: len(m.conns),
		Connected:   connected,
		Subscribed:  m.SubscribedCount(),
		Frames:      m.frames.Load(),
		Trades:      m.trades.Load(),
		Books:       m.books.Load(),
		Malformed:   m.malformed.Load(),
		QueueDrops:  m.queueDrops.Load(),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Subscription assignment
// ————————————————————————————————————————————————————————————————————————

func (m *Manager) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refreshOnce()
		}
	}
}

// refreshOnce recomputes the desired token set and diffs it against the
// current assignment. Priority under saturation is hotter tier first,
// then sooner resolution; already-assigned tokens keep their connection
// so refreshes never churn healthy subscriptions.
func (m *Manager) refreshOnce() {
	now := time.Now().UTC()
	candidates := m.reg.StreamCandidates(streamTiers)
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Tier != candidates[j].Tier {
			return candidates[i].Tier > candidates[j].Tier
		}
		return candidates[i].HoursToClose(now) < candidates[j].HoursToClose(now)
	})
	capacity := m.cfg.Connections * m.cfg.TokensPerConn
	if len(candidates) > capacity {
		m.logger.Warn("stream capacity saturated, lowest-priority markets dropped",
			"candidates", len(candidates), "capacity", capacity)
		candidates = candidates[:capacity]
	}

	desired := make(map[string]string, len(candidates))
	for _, c := range candidates {
		desired[c.YesTokenID] = c.ConditionID
	}

	drop := make([][]string, len(m.conns))
	add := make([][]string, len(m.conns))
	dropped, added := 0, 0

	m.mu.Lock()
	for token, idx := range m.assigned {
		if _, keep := desired[token]; keep {
			continue
		}
		drop[idx] = append(drop[idx], token)
		dropped++
		delete(m.marketToken, m.tokenMarket[token])
		delete(m.tokenMarket, token)
		delete(m.assigned, token)
	}

	loads := make([]int, len(m.conns))
	for _, idx := range m.assigned {
		loads[idx]++
	}
	for _, c := range candidates {
		token := c.YesTokenID
		if _, ok := m.assigned[token]; ok {
			continue
		}
		idx := leastLoaded(loads, m.cfg.TokensPerConn)
		if idx < 0 {
			break // every connection at cap
		}
		loads[idx]++
		m.assigned[token] = idx
		m.tokenMarket[token] = c.ConditionID
		m.marketToken[c.ConditionID] = token
		add[idx] = append(add[idx], token)
		added++
	}
	total := len(m.assigned)
	m.mu.Unlock()

	for i, c := range m.conns {
		if len(drop[i]) > 0 {
			if err := c.Unsubscribe(drop[i]); err != nil {
				m.logger.Warn("unsubscribe failed", "conn", i, "error", err)
			}
			for _, token := range drop[i] {
				m.cache.Drop(token)
			}
		}
		if len(add[i]) > 0 {
			if err := c.Subscribe(add[i]); err != nil {
				m.logger.Warn("subscribe failed", "conn", i, "error", err)
			}
		}
	}

	if added > 0 || dropped > 0 {
		m.logger.Info("subscriptions refreshed",
			"added", added, "dropped", dropped, "total", total, "capacity", capacity)
	}
}

// leastLoaded picks the connection with the fewest tokens that still has
// room, lowest id winning ties. Returns -1 when the pool is full.
func leastLoaded(loads []int, perConn int) int {
	best := -1
	for i, n := range loads {
		if n >= perConn {
			continue
		}
		if best < 0 || n < loads[best] {
			best = i
		}
	}
	return best
}

// ————————————————————————————————————————————————————————————————————————
// Frame routing
// ————————————————————————————————————————————————————————————————————————

// handleFrame receives every raw frame from the pool. The market channel
// delivers both single events and arrays of events.
func (m *Manager) handleFrame(connID int, data []byte) {
	m.frames.Add(1)
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("PONG")) {
		return
	}
	if data[0] == '[' {
		var events []json.RawMessage
		if err := json.Unmarshal(data, &events); err != nil {
			m.malformed.Add(1)
			m.logger.Debug("dropping undecodable frame", "conn", connID)
			return
		}
		for _, ev := range events {
			m.dispatchEvent(connID, ev)
		}
		return
	}
	m.dispatchEvent(connID, data)
}

func (m *Manager) dispatchEvent(connID int, data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		m.malformed.Add(1)
		m.logger.Debug("dropping non-json event", "conn", connID)
		return
	}

	switch envelope.EventType {
	case "last_trade_price":
		m.onTrade(connID, data)
	case "book":
		m.onBook(data)
	case "price_change":
		m.onPriceChange(data)
	case "tick_size_change", "best_bid_ask":
		// No bearing on the cached top-of-book semantics we keep.
	default:
		m.logger.Debug("ignoring event", "type", envelope.EventType)
	}
}

// onTrade parses a public print, classifies its whale tier by raw size,
// stamps cached top-of-book context, and fans it out to the ring buffer,
// the registry's freshness clock and the persist queue.
func (m *Manager) onTrade(connID int, data []byte) {
	var evt types.WSLastTradeEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		m.malformed.Add(1)
		return
	}
	price, okP := venue.FloatFromString(evt.Price)
	size, okS := venue.FloatFromString(evt.Size)
	if !okP || !okS || evt.Market == "" {
		m.malformed.Add(1)
		m.logger.Debug("dropping malformed trade", "market", evt.Market)
		return
	}
	side := types.BUY
	if strings.EqualFold(evt.Side, "SELL") {
		side = types.SELL
	}
	ts, ok := venue.TimeEpoch(evt.Timestamp)
	if !ok {
		ts = time.Now().UTC()
	}

	trade := types.Trade{
		ConditionID: evt.Market,
		TokenID:     evt.AssetID,
		Timestamp:   ts,
		Price:       price,
		Size:        size,
		Side:        side,
		WhaleTier:   m.whaleTier(size),
	}
	if top, ok := m.cache.Top(evt.AssetID); ok {
		trade.BestBid = top.BestBid
		trade.BestAsk = top.BestAsk
		if mid, ok := top.Mid(); ok {
			trade.Mid = &mid
		}
	}

	if connID >= 0 && connID < len(m.tradeCounts) {
		m.tradeCounts[connID].Add(1)
	}
	m.trades.Add(1)

	m.buf.Push(trade)
	m.reg.TouchTrade(trade.ConditionID, trade.Timestamp)

	select {
	case m.persistCh <- trade:
	default:
		m.queueDrops.Add(1)
	}
}

// whaleTier classifies by raw trade size against the configured notional
// thresholds. Tier 0 is plankton.
func (m *Manager) whaleTier(size float64) int {
	switch {
	case size >= m.whales.Tier3:
		return 3
	case size >= m.whales.Tier2:
		return 2
	case size >= m.whales.Tier1:
		return 1
	default:
		return 0
	}
}

func (m *Manager) onBook(data []byte) {
	var evt types.WSBookEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		m.malformed.Add(1)
		return
	}
	if evt.AssetID == "" {
		m.malformed.Add(1)
		return
	}
	bids := parseLadder(evt.Buys)
	asks := parseLadder(evt.Sells)
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })

	at, ok := venue.TimeEpoch(evt.Timestamp)
	if !ok {
		at = time.Now().UTC()
	}
	m.cache.SetFromLadders(evt.AssetID, bids, asks, at)
	m.books.Add(1)
}

func (m *Manager) onPriceChange(data []byte) {
	var evt types.WSPriceChangeEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		m.malformed.Add(1)
		return
	}
	at, ok := venue.TimeEpoch(evt.Timestamp)
	if !ok {
		at = time.Now().UTC()
	}
	for _, ch := range evt.PriceChanges {
		if ch.AssetID == "" {
			continue
		}
		var bid, ask *float64
		if v, ok := venue.FloatFromString(ch.BestBid); ok {
			bid = &v
		}
		if v, ok := venue.FloatFromString(ch.BestAsk); ok {
			ask = &v
		}
		if bid == nil && ask == nil {
			continue
		}
		m.cache.SetTop(ch.AssetID, bid, ask, at)
	}
}

func parseLadder(levels []types.WSPriceLevel) []types.Level {
	out := make([]types.Level, 0, len(levels))
	for _, l := range levels {
		price, okP := venue.FloatFromString(l.Price)
		size, okS := venue.FloatFromString(l.Size)
		if !okP || !okS {
			continue
		}
		out = append(out, types.Level{Price: price, Size: size})
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Persistence and health
// ————————————————————————————————————————————————————————————————————————

// flushLoop batches ingested trades into the store off the read path.
// Whale prints additionally get their own event row.
func (m *Manager) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]types.Trade, 0, flushBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := m.st.InsertTrades(batch); err != nil {
			m.logger.Error("trade batch insert failed", "count", len(batch), "error", err)
		}
		for i := range batch {
			if batch[i].WhaleTier < buffer.WhaleTierFloor {
				continue
			}
			if err := m.st.InsertWhaleEvent(&batch[i]); err != nil {
				m.logger.Error("whale event insert failed", "error", err)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case t := <-m.persistCh:
					batch = append(batch, t)
				default:
					flush()
					return
				}
			}
		case t := <-m.persistCh:
			batch = append(batch, t)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// rateTracker keeps a short moving window of per-minute trade rates and
// trips when the average sits below the floor with a full window.
type rateTracker struct {
	floor   float64
	samples []float64
}

func newRateTracker(floor float64) *rateTracker {
	return &rateTracker{floor: floor}
}

// Observe appends one sample and reports whether the average over a full
// window is below the floor. A disabled floor (<= 0) never trips.
func (r *rateTracker) Observe(perMin float64) bool {
	r.samples = append(r.samples, perMin)
	if len(r.samples) > rateSamples {
		r.samples = r.samples[1:]
	}
	if r.floor <= 0 || len(r.samples) < rateSamples {
		return false
	}
	sum := 0.0
	for _, s := range r.samples {
		sum += s
	}
	return sum/float64(len(r.samples)) < r.floor
}

// Reset clears the window, restarting the warmup after a bounce or
// disconnect.
func (r *rateTracker) Reset() { r.samples = r.samples[:0] }

// healthLoop bounces connections that go quiet: either no frames at all
// within StaleAfter, or a trade rate below the floor for a full window.
// Bounced connections reconnect through their normal staggered path.
func (m *Manager) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	prev := make([]int64, len(m.conns))
	trackers := make([]*rateTracker, len(m.conns))
	for i := range trackers {
		trackers[i] = newRateTracker(m.cfg.TradeRateFloor)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		for i, c := range m.conns {
			cur := m.tradeCounts[i].Load()
			perMin := float64(cur-prev[i]) * float64(time.Minute) / float64(healthInterval)
			prev[i] = cur

			if !c.Connected() || c.SubscribedCount() == 0 {
				trackers[i].Reset()
				continue
			}
			if last := c.LastEventAt(); !last.IsZero() && now.Sub(last) > m.cfg.StaleAfter {
				m.logger.Warn("connection stale, bouncing",
					"conn", i, "last_event_ago", now.Sub(last).Round(time.Second))
				c.Bounce()
				trackers[i].Reset()
				continue
			}
			if trackers[i].Observe(perMin) {
				m.logger.Warn("trade rate below floor, bouncing",
					"conn", i, "rate_per_min", perMin, "floor", m.cfg.TradeRateFloor)
				c.Bounce()
				trackers[i].Reset()
			}
		}
	}
}
