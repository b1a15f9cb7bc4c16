// Package risk is the portfolio-level gate between strategy signals and
// the executor. Every entry signal passes the same ordered limit chain:
//
//   - Drawdown:       settled equity fallen too far from its high-water
//     mark halts all new entries
//   - Wallet balance: the owning strategy must fund the intended size
//     from its own allocation
//   - Position caps:  open-position count, total exposure, per-position
//     size
//   - Deduplication:  one open position per (strategy, market, token)
//
// The chain runs under one mutex, so two strategies racing to open the
// same exposure serialize here. Approved sizes are reserved until the
// executor confirms or abandons the order; reservations count against
// balance, caps and dedup so a burst of approvals cannot overshoot the
// limits before fills land. Exit signals never pass through the gate —
// risk reduction is not blocked.
package risk

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"polyharvest/internal/config"
	"polyharvest/pkg/types"
)

// PositionView is the executor's position book as the gate sees it.
type PositionView interface {
	// OpenCount is the number of open and partial positions.
	OpenCount() int
	// TotalExposure is the summed cost basis of open positions.
	TotalExposure() decimal.Decimal
	// HasOpen reports an open position on the exact (strategy, market,
	// token) triple.
	HasOpen(strategy, conditionID, tokenID string) bool
}

// reservation holds an approved decision's claim on capital and caps
// until its order resolves.
type reservation struct {
	strategy    string
	conditionID string
	tokenID     string
	sizeUSD     decimal.Decimal
}

type Gate struct {
	wallets *Wallets
	book    PositionView
	logger  *slog.Logger

	mu        sync.Mutex
	highWater decimal.Decimal
	pending   map[string]reservation // decision id -> reservation
}

func NewGate(wallets *Wallets, book PositionView, logger *slog.Logger) *Gate {
	return &Gate{
		wallets: wallets,
		book:    book,
		logger:  logger.With("component", "risk"),
		pending: make(map[string]reservation),
	}
}

// Evaluate runs the limit chain over a sized entry signal and returns
// the verdict. Limits come from the caller so a hot-reloaded document
// applies at the next evaluation. Approval reserves the size under the
// decision id until Release.
func (g *Gate) Evaluate(sig *types.Signal, sizeUSD decimal.Decimal, limits config.RiskLimits) *types.TradeDecision {
	g.mu.Lock()
	defer g.mu.Unlock()

	d := &types.TradeDecision{
		ID:          uuid.New().String(),
		SignalID:    sig.ID,
		Strategy:    sig.Strategy,
		ConditionID: sig.ConditionID,
		SizedUSD:    sizeUSD,
		Timestamp:   time.Now().UTC(),
	}

	// 1. Drawdown on settled equity (cash plus open cost basis). The
	// high-water mark only ever rises; a breach halts every new entry
	// until realized gains pull equity back inside the band.
	equity := g.wallets.TotalAvailable().Add(g.book.TotalExposure())
	if equity.GreaterThan(g.highWater) {
		g.highWater = equity
	}
	if g.highWater.IsPositive() {
		dd := g.highWater.Sub(equity).Div(g.highWater)
		if dd.GreaterThan(decimal.NewFromFloat(limits.MaxDrawdownPct)) {
			g.logger.Warn("drawdown halt",
				"equity", equity.StringFixed(2),
				"high_water", g.highWater.StringFixed(2),
				"drawdown", dd.StringFixed(4))
			return g.reject(d, types.RejectDrawdown)
		}
	}

	// 2. Strategy wallet balance net of this strategy's reservations.
	wallet := g.wallets.Ensure(sig.Strategy)
	available := wallet.AvailableUSD.Sub(g.pendingDebitsLocked(sig.Strategy))
	if !sizeUSD.IsPositive() || available.LessThan(sizeUSD) {
		return g.reject(d, types.RejectStrategyBalance)
	}

	// 3. Position caps, counting reservations as if already open.
	openCount := g.book.OpenCount() + len(g.pending)
	if openCount >= limits.MaxPositions {
		return g.reject(d, types.RejectMaxPositions)
	}
	exposure := g.book.TotalExposure().Add(g.pendingTotalLocked())
	if exposure.Add(sizeUSD).GreaterThan(decimal.NewFromFloat(limits.MaxTotalExposureUSD)) {
		return g.reject(d, types.RejectTotalExposure)
	}
	if sizeUSD.GreaterThan(decimal.NewFromFloat(limits.MaxPositionUSD)) {
		return g.reject(d, types.RejectPositionSize)
	}

	// 4. Deduplication over open positions and in-flight approvals.
	if g.book.HasOpen(sig.Strategy, sig.ConditionID, sig.TokenID) || g.pendingHasLocked(sig) {
		return g.reject(d, types.RejectDuplicate)
	}

	d.Approved = true
	g.pending[d.ID] = reservation{
		strategy:    sig.Strategy,
		conditionID: sig.ConditionID,
		tokenID:     sig.TokenID,
		sizeUSD:     sizeUSD,
	}
	g.logger.Info("signal approved",
		"strategy", sig.Strategy, "market", sig.ConditionID,
		"side", sig.TokenSide, "size_usd", sizeUSD.StringFixed(2))
	return d
}

// Release frees a decision's reservation. The executor calls it after
// the fill is in the position book (so the exposure stays visible to
// the gate throughout) or after the order failed or was cancelled.
func (g *Gate) Release(decisionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, decisionID)
}

// Equity is the gate's drawdown measure: uncommitted cash plus open
// cost basis. Marks ride the wallets' unrealized field and do not move
// this number, so quote noise cannot trip the halt.
func (g *Gate) Equity() decimal.Decimal {
	return g.wallets.TotalAvailable().Add(g.book.TotalExposure())
}

// Stats is a point-in-time view for the status log.
type Stats struct {
	Equity      decimal.Decimal
	HighWater   decimal.Decimal
	DrawdownPct decimal.Decimal
	Exposure    decimal.Decimal
	OpenCount   int
	Pending     int
}

func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	equity := g.wallets.TotalAvailable().Add(g.book.TotalExposure())
	s := Stats{
		Equity:    equity,
		HighWater: g.highWater,
		Exposure:  g.book.TotalExposure().Add(g.pendingTotalLocked()),
		OpenCount: g.book.OpenCount(),
		Pending:   len(g.pending),
	}
	if g.highWater.IsPositive() {
		s.DrawdownPct = g.highWater.Sub(equity).Div(g.highWater)
	}
	return s
}

func (g *Gate) reject(d *types.TradeDecision, reason types.RejectReason) *types.TradeDecision {
	d.Approved = false
	d.RejectReason = reason
	g.logger.Debug("signal rejected",
		"strategy", d.Strategy, "market", d.ConditionID, "reason", reason)
	return d
}

func (g *Gate) pendingDebitsLocked(strategy string) decimal.Decimal {
	total := decimal.Zero
	for _, r := range g.pending {
		if r.strategy == strategy {
			total = total.Add(r.sizeUSD)
		}
	}
	return total
}

func (g *Gate) pendingTotalLocked() decimal.Decimal {
	total := decimal.Zero
	for _, r := range g.pending {
		total = total.Add(r.sizeUSD)
	}
	return total
}

func (g *Gate) pendingHasLocked(sig *types.Signal) bool {
	for _, r := range g.pending {
		if r.strategy == sig.Strategy && r.conditionID == sig.ConditionID && r.tokenID == sig.TokenID {
			return true
		}
	}
	return false
}
