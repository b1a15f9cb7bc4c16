// Package registry owns the authoritative set of tracked markets: which
// markets are followed, their tiers, lifecycle flags and activity
// counters. All mutations flow through here so tier transitions are
// recorded exactly once and the store row always matches the in-memory
// copy. Readers get copies; nothing hands out a pointer into the map.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"polyharvest/internal/config"
	"polyharvest/internal/store"
	"polyharvest/internal/venue"
	"polyharvest/pkg/types"
)

// Discoverer is the slice of the discovery client the registry needs.
type Discoverer interface {
	ListActiveMarkets(ctx context.Context) ([]venue.MarketDescriptor, error)
}

// Registry tracks markets in memory and mirrors every mutation to the
// store. Safe for concurrent use.
type Registry struct {
	store  *store.Store
	disc   Discoverer
	cfg    config.DiscoveryConfig
	logger *slog.Logger

	mu      sync.RWMutex
	markets map[string]*types.Market

	// onDeactivate is invoked (outside the lock) after a market leaves the
	// active set, so downstream caches can drop it.
	onDeactivate func(conditionID string)
}

// New builds an empty registry. Call Load before the first scheduler tick.
func New(st *store.Store, disc Discoverer, cfg config.DiscoveryConfig, logger *slog.Logger) *Registry {
	return &Registry{
		store:   st,
		disc:    disc,
		cfg:     cfg,
		logger:  logger.With("component", "registry"),
		markets: make(map[string]*types.Market),
	}
}

// SetDeactivateHook registers a callback fired after each deactivation.
func (r *Registry) SetDeactivateHook(fn func(conditionID string)) {
	r.mu.Lock()
	r.onDeactivate = fn
	r.mu.Unlock()
}

// Load restores the active set from the store at startup.
func (r *Registry) Load(ctx context.Context) error {
	markets, err := r.store.LoadActiveMarkets()
	if err != nil {
		return err
	}
	r.mu.Lock()
	for _, m := range markets {
		r.markets[m.ConditionID] = m
	}
	n := len(r.markets)
	r.mu.Unlock()
	r.logger.Info("registry loaded", "active_markets", n)
	return ctx.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Discovery
// ————————————————————————————————————————————————————————————————————————

// DiscoverOnce pulls the venue's active markets, filters by volume,
// orderbook availability and lookahead window, and upserts them. Known
// markets keep their tracked-since and first-sight fields; re-running
// against the same venue response changes no row counts. Returns how
// many new markets entered tracking.
func (r *Registry) DiscoverOnce(ctx context.Context) (int, error) {
	descriptors, err := r.disc.ListActiveMarkets(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()

	excluded := make(map[string]struct{}, len(r.cfg.ExcludeSlugs))
	for _, s := range r.cfg.ExcludeSlugs {
		excluded[s] = struct{}{}
	}

	added := 0
	for i := range descriptors {
		d := &descriptors[i]
		if !r.admits(d, now, excluded) {
			continue
		}
		isNew, err := r.upsert(d, now)
		if err != nil {
			r.logger.Error("market upsert failed", "condition_id", d.ConditionID, "error", err)
			continue
		}
		if isNew {
			added++
		}
	}
	r.logger.Info("discovery pass complete",
		"venue_markets", len(descriptors), "added", added, "tracked", r.ActiveCount())
	return added, nil
}

// admits applies the discovery filters.
func (r *Registry) admits(d *venue.MarketDescriptor, now time.Time, excluded map[string]struct{}) bool {
	if d.ConditionID == "" || !d.EnableOrderBook || d.Closed || d.Archived {
		return false
	}
	if _, skip := excluded[d.Slug]; skip {
		return false
	}
	vol := 0.0
	if d.Volume24h != nil {
		vol = *d.Volume24h
	}
	if vol < r.cfg.VolumeThreshold {
		return false
	}
	h, ok := d.HoursToClose(now)
	if !ok || h <= 0 || h > r.cfg.LookaheadHours {
		return false
	}
	return true
}

// upsert inserts a new market or refreshes a known one. Reports whether
// the market was new.
func (r *Registry) upsert(d *venue.MarketDescriptor, now time.Time) (bool, error) {
	h, _ := d.HoursToClose(now)
	tier := types.TierFromHours(h)

	r.mu.Lock()
	m, known := r.markets[d.ConditionID]
	if !known {
		m = &types.Market{
			ConditionID:    d.ConditionID,
			Slug:           d.Slug,
			Question:       d.Question,
			YesTokenID:     d.YesTokenID,
			NoTokenID:      d.NoTokenID,
			EndDate:        d.EndDate,
			Category:       d.Category,
			FirstPrice:     firstPrice(d),
			FirstVolume:    d.Volume,
			FirstLiquidity: d.Liquidity,
			Active:         true,
			Tier:           tier,
			TrackedSince:   now,
		}
		r.markets[m.ConditionID] = m
		r.mu.Unlock()
		if err := r.store.SaveMarket(m); err != nil {
			return true, err
		}
		r.logger.Info("market tracked",
			"condition_id", m.ConditionID, "slug", m.Slug, "tier", int(tier), "hours_to_close", h)
		return true, nil
	}

	if m.Resolved {
		r.mu.Unlock()
		return false, nil
	}

	// Known market: refresh venue-owned fields, never first-sight state.
	m.EndDate = d.EndDate
	m.Closed = d.Closed
	if d.Category != "" {
		m.Category = d.Category
	}
	var tr *types.TierTransition
	if !m.Active {
		// The market met the filters again after a deactivation.
		m.Tier = tier
		m.Active = true
		tr = &types.TierTransition{
			ConditionID:  m.ConditionID,
			FromTier:     types.DeactivatedTier,
			ToTier:       tier,
			At:           now,
			HoursToClose: h,
			Reason:       types.ReasonPromotion,
		}
		r.logger.Info("market reactivated", "condition_id", m.ConditionID, "tier", int(tier))
	} else if m.Tier != tier {
		tr = r.applyTierLocked(m, tier, h, now)
	}
	snapshot := *m
	r.mu.Unlock()

	if err := r.store.SaveMarket(&snapshot); err != nil {
		return false, err
	}
	if tr != nil {
		if err := r.store.InsertTransition(tr); err != nil {
			r.logger.Error("transition insert failed", "condition_id", tr.ConditionID, "error", err)
		}
	}
	return false, nil
}

func firstPrice(d *venue.MarketDescriptor) *float64 {
	switch {
	case d.LastTradePrice != nil:
		return d.LastTradePrice
	case d.YesPrice != nil:
		return d.YesPrice
	case d.BestBid != nil && d.BestAsk != nil:
		mid := (*d.BestBid + *d.BestAsk) / 2
		return &mid
	default:
		return nil
	}
}

// applyTierLocked mutates the tier and builds the audit record. Caller
// holds r.mu and persists both market and transition afterwards.
func (r *Registry) applyTierLocked(m *types.Market, to types.Tier, hours float64, now time.Time) *types.TierTransition {
	from := m.Tier
	m.Tier = to
	reason := types.ReasonPromotion
	if to < from {
		reason = types.ReasonDemotion
	}
	return &types.TierTransition{
		ConditionID:  m.ConditionID,
		FromTier:     from,
		ToTier:       to,
		At:           now,
		HoursToClose: hours,
		Reason:       reason,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Tier lifecycle
// ————————————————————————————————————————————————————————————————————————

// RecomputeTiers re-derives every active unresolved market's tier from the
// clock. A boundary crossing emits exactly one transition; markets whose
// end date has passed are deactivated as expired. Returns the transitions
// it recorded.
func (r *Registry) RecomputeTiers(now time.Time) []types.TierTransition {
	type change struct {
		market types.Market
		tr     types.TierTransition
	}
	var changes []change
	var expired []string

	r.mu.Lock()
	for _, m := range r.markets {
		if !m.Active || m.Resolved {
			continue
		}
		h := m.HoursToClose(now)
		if h <= 0 {
			expired = append(expired, m.ConditionID)
			continue
		}
		tier := types.TierFromHours(h)
		if tier == m.Tier {
			continue
		}
		tr := r.applyTierLocked(m, tier, h, now)
		changes = append(changes, change{market: *m, tr: *tr})
	}
	r.mu.Unlock()

	out := make([]types.TierTransition, 0, len(changes))
	for _, c := range changes {
		if err := r.store.SaveMarket(&c.market); err != nil {
			r.logger.Error("tier save failed", "condition_id", c.market.ConditionID, "error", err)
		}
		if err := r.store.InsertTransition(&c.tr); err != nil {
			r.logger.Error("transition insert failed", "condition_id", c.tr.ConditionID, "error", err)
		}
		r.logger.Info("tier change",
			"condition_id", c.tr.ConditionID,
			"from", int(c.tr.FromTier), "to", int(c.tr.ToTier),
			"hours_to_close", c.tr.HoursToClose, "reason", string(c.tr.Reason))
		out = append(out, c.tr)
	}
	for _, id := range expired {
		r.Deactivate(id, types.ReasonExpired, now)
	}
	return out
}

// Deactivate removes a market from collection and records the transition
// with to_tier = -1. Safe to call twice; the second call is a no-op.
func (r *Registry) Deactivate(conditionID string, reason types.TransitionReason, now time.Time) {
	r.mu.Lock()
	m, ok := r.markets[conditionID]
	if !ok || !m.Active {
		r.mu.Unlock()
		return
	}
	from := m.Tier
	m.Active = false
	snapshot := *m
	hook := r.onDeactivate
	r.mu.Unlock()

	tr := &types.TierTransition{
		ConditionID:  conditionID,
		FromTier:     from,
		ToTier:       types.DeactivatedTier,
		At:           now,
		HoursToClose: snapshot.HoursToClose(now),
		Reason:       reason,
	}
	if err := r.store.SaveMarket(&snapshot); err != nil {
		r.logger.Error("deactivate save failed", "condition_id", conditionID, "error", err)
	}
	if err := r.store.InsertTransition(tr); err != nil {
		r.logger.Error("transition insert failed", "condition_id", conditionID, "error", err)
	}
	r.logger.Info("market deactivated", "condition_id", conditionID, "reason", string(reason))

	if hook != nil {
		hook(conditionID)
	}
}

// MarkResolved stamps the terminal outcome exactly once and deactivates
// the market. Later calls with any outcome are ignored.
func (r *Registry) MarkResolved(conditionID string, outcome types.Outcome, now time.Time) bool {
	r.mu.Lock()
	m, ok := r.markets[conditionID]
	if !ok || m.Resolved {
		r.mu.Unlock()
		return false
	}
	m.Resolved = true
	m.Closed = true
	m.Outcome = outcome
	wasActive := m.Active
	snapshot := *m
	r.mu.Unlock()

	if err := r.store.SaveMarket(&snapshot); err != nil {
		r.logger.Error("resolve save failed", "condition_id", conditionID, "error", err)
	}
	r.logger.Info("market resolved", "condition_id", conditionID, "outcome", string(outcome))

	if wasActive {
		r.Deactivate(conditionID, types.ReasonResolved, now)
	}
	return true
}

// ————————————————————————————————————————————————————————————————————————
// Activity counters
// ————————————————————————————————————————————————————————————————————————

// TouchTrade records stream activity in memory. The value rides along on
// the next persisted mutation; per-trade writes would swamp the store.
func (r *Registry) TouchTrade(conditionID string, ts time.Time) {
	r.mu.Lock()
	if m, ok := r.markets[conditionID]; ok && ts.After(m.LastTradeAt) {
		m.LastTradeAt = ts
	}
	r.mu.Unlock()
}

// NoteSnapshot bumps the snapshot counters and persists the market row.
func (r *Registry) NoteSnapshot(conditionID string, at time.Time) {
	r.mu.Lock()
	m, ok := r.markets[conditionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	m.SnapshotCount++
	m.LastSnapshotAt = at
	snapshot := *m
	r.mu.Unlock()

	if err := r.store.SaveMarket(&snapshot); err != nil {
		r.logger.Error("snapshot note failed", "condition_id", conditionID, "error", err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Read access
// ————————————————————————————————————————————————————————————————————————

// Get returns a copy of one market.
func (r *Registry) Get(conditionID string) (types.Market, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.markets[conditionID]
	if !ok {
		return types.Market{}, false
	}
	return *m, true
}

// ActiveByTier returns copies of the collectable markets of one tier.
func (r *Registry) ActiveByTier(tier types.Tier) []types.Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.Market
	for _, m := range r.markets {
		if m.Active && !m.Resolved && m.Tier == tier {
			out = append(out, *m)
		}
	}
	return out
}

// ActiveMarkets returns copies of every active market.
func (r *Registry) ActiveMarkets() []types.Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Market, 0, len(r.markets))
	for _, m := range r.markets {
		if m.Active {
			out = append(out, *m)
		}
	}
	return out
}

// ActiveCount reports how many markets are currently collected.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.markets {
		if m.Active {
			n++
		}
	}
	return n
}

// StreamCandidates returns the markets eligible for WS streaming: active,
// unresolved, tier in the enabled set, with a YES token id. The stream
// manager prioritizes and truncates.
func (r *Registry) StreamCandidates(tiers map[types.Tier]bool) []types.Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.Market
	for _, m := range r.markets {
		if m.Active && !m.Resolved && m.YesTokenID != "" && tiers[m.Tier] {
			out = append(out, *m)
		}
	}
	return out
}

// SettleCandidates returns copies of the unresolved markets that look
// finished: flagged closed by the venue, or past their end date. The
// reaper checks each against the venue for a terminal outcome.
// Deactivated markets stay eligible; leaving collection does not settle
// a position.
func (r *Registry) SettleCandidates(now time.Time) []types.Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.Market
	for _, m := range r.markets {
		if m.Resolved {
			continue
		}
		if m.Closed || (!m.EndDate.IsZero() && now.After(m.EndDate)) {
			out = append(out, *m)
		}
	}
	return out
}
