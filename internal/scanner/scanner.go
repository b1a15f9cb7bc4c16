// Package scanner materializes the read-only market views strategies
// scan. A view joins the registry's live market row with its latest
// persisted snapshot, preferring the streamed top-of-book when it is
// fresher than the snapshot. Strategies never touch the database or the
// registry directly.
package scanner

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"polyharvest/internal/registry"
	"polyharvest/internal/store"
	"polyharvest/internal/stream"
	"polyharvest/pkg/types"
)

// Scanner builds MarketData views once per trading cycle.
type Scanner struct {
	reg    *registry.Registry
	st     *store.Store
	cache  *stream.BookCache // nil when streaming is disabled
	logger *slog.Logger
}

func New(reg *registry.Registry, st *store.Store, cache *stream.BookCache, logger *slog.Logger) *Scanner {
	return &Scanner{
		reg:    reg,
		st:     st,
		cache:  cache,
		logger: logger.With("component", "scanner"),
	}
}

// Scan returns one view per active market that has at least one snapshot,
// sorted by condition id. historyBars > 0 additionally loads that many
// closing prices per market (oldest first); pass 0 unless some enabled
// strategy asked for history.
func (s *Scanner) Scan(ctx context.Context, historyBars int) ([]*types.MarketData, error) {
	now := time.Now().UTC()
	markets := s.reg.ActiveMarkets()
	if len(markets) == 0 {
		return nil, nil
	}

	ids := make([]string, len(markets))
	for i, m := range markets {
		ids[i] = m.ConditionID
	}
	snaps, err := s.st.LatestSnapshots(ids)
	if err != nil {
		return nil, err
	}

	views := make([]*types.MarketData, 0, len(markets))
	skipped := 0
	for i := range markets {
		m := &markets[i]
		snap, ok := snaps[m.ConditionID]
		if !ok {
			skipped++ // discovered but not yet snapshotted
			continue
		}
		views = append(views, s.materialize(m, snap, now))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ConditionID < views[j].ConditionID })

	if historyBars > 0 {
		s.enrichHistory(ctx, views, historyBars)
	}

	if skipped > 0 {
		s.logger.Debug("markets awaiting first snapshot", "count", skipped)
	}
	return views, nil
}

// materialize joins one market with its latest snapshot. Time-derived
// fields come from the wall clock, not the snapshot, so a stale snapshot
// cannot make a near-expiry market look tradeable.
func (s *Scanner) materialize(m *types.Market, snap *types.Snapshot, now time.Time) *types.MarketData {
	md := &types.MarketData{
		ConditionID:  m.ConditionID,
		Slug:         m.Slug,
		Question:     m.Question,
		YesTokenID:   m.YesTokenID,
		NoTokenID:    m.NoTokenID,
		Category:     m.Category,
		Price:        snap.Price,
		BestBid:      snap.BestBid,
		BestAsk:      snap.BestAsk,
		Spread:       snap.Spread,
		Volume24h:    snap.Volume24h,
		VolumeTot:    snap.VolumeTotal,
		Liquidity:    snap.Liquidity,
		HoursToClose: m.HoursToClose(now),
		EndDate:      m.EndDate,
		TrackedSince: m.TrackedSince,
		Snapshot:     snap,
	}

	// Streamed top-of-book wins over the snapshot when newer.
	if s.cache != nil && m.YesTokenID != "" {
		if top, ok := s.cache.Top(m.YesTokenID); ok && top.UpdatedAt.After(snap.Timestamp) {
			if top.BestBid != nil {
				md.BestBid = top.BestBid
			}
			if top.BestAsk != nil {
				md.BestAsk = top.BestAsk
			}
			if md.BestBid != nil && md.BestAsk != nil {
				spread := *md.BestAsk - *md.BestBid
				if spread < 0 {
					spread = 0
				}
				md.Spread = &spread
			}
		}
	}
	return md
}

// enrichHistory loads closing prices for every view. One query per
// market; the snapshot (condition_id, timestamp) index keeps each cheap.
func (s *Scanner) enrichHistory(ctx context.Context, views []*types.MarketData, bars int) {
	started := time.Now()
	failed := 0
	for _, v := range views {
		if ctx.Err() != nil {
			return
		}
		history, err := s.st.PriceHistory(v.ConditionID, bars)
		if err != nil {
			failed++
			continue
		}
		v.PriceHistory = history
	}
	if failed > 0 {
		s.logger.Warn("price history enrichment incomplete", "failed", failed)
	}
	s.logger.Debug("history enriched",
		"markets", len(views), "bars", bars, "ms", time.Since(started).Milliseconds())
}
