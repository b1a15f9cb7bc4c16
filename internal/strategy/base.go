package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"polyharvest/internal/config"
	"polyharvest/pkg/types"
)

// base carries the fields and exit logic every strategy shares. The
// common exits — take profit, stop loss, max hold — apply to any open
// position; strategies with their own exit conditions layer them on top.
type base struct {
	name    string
	version string

	takeProfitPct float64 // exit at this unrealized return, 0 disables
	stopLossPct   float64 // exit at this unrealized loss, 0 disables
	maxHoldHours  float64 // exit after this long in the position, 0 disables

	logger *slog.Logger
}

func newBase(si config.StrategyInstance, version string, logger *slog.Logger) base {
	return base{
		name:          si.Name,
		version:       version,
		takeProfitPct: si.Float("take_profit_pct", 0),
		stopLossPct:   si.Float("stop_loss_pct", 0),
		maxHoldHours:  si.Float("max_hold_hours", 0),
		logger:        logger.With("strategy", si.Name),
	}
}

func (b *base) Name() string    { return b.name }
func (b *base) Version() string { return b.version }

// ShouldExit applies the shared profit/loss/age exits against the
// position's side-adjusted mark.
func (b *base) ShouldExit(_ context.Context, pos *types.Position, md *types.MarketData) *types.Signal {
	mark, ok := markPrice(pos.TokenSide, md)
	if !ok {
		return nil
	}
	entry, _ := pos.AvgEntryPrice.Float64()
	if entry <= 0 {
		return nil
	}
	ret := (mark - entry) / entry

	var reason string
	switch {
	case b.takeProfitPct > 0 && ret >= b.takeProfitPct:
		reason = fmt.Sprintf("take_profit ret=%.3f", ret)
	case b.stopLossPct > 0 && ret <= -b.stopLossPct:
		reason = fmt.Sprintf("stop_loss ret=%.3f", ret)
	case b.maxHoldHours > 0 && time.Since(pos.OpenedAt).Hours() >= b.maxHoldHours:
		reason = fmt.Sprintf("max_hold %.1fh", time.Since(pos.OpenedAt).Hours())
	default:
		return nil
	}

	return &types.Signal{
		ID:              uuid.New().String(),
		Strategy:        b.name,
		StrategyVersion: b.version,
		ConditionID:     pos.ConditionID,
		TokenID:         pos.TokenID,
		TokenSide:       pos.TokenSide,
		Side:            types.SELL,
		Reason:          reason,
		Confidence:      0.5,
		Timestamp:       time.Now().UTC(),
	}
}

// entry builds a BUY signal for the given side of the view.
func (b *base) entry(md *types.MarketData, side types.TokenSide, reason string, edge, confidence float64, meta map[string]string) *types.Signal {
	tokenID := md.YesTokenID
	if side == types.TokenNO {
		tokenID = md.NoTokenID
	}
	return &types.Signal{
		ID:              uuid.New().String(),
		Strategy:        b.name,
		StrategyVersion: b.version,
		ConditionID:     md.ConditionID,
		TokenID:         tokenID,
		TokenSide:       side,
		Side:            types.BUY,
		Reason:          reason,
		Edge:            edge,
		Confidence:      confidence,
		Timestamp:       time.Now().UTC(),
		Metadata:        meta,
	}
}

// markPrice converts the view's YES price into the mark for the held
// side. The NO token trades at the complement.
func markPrice(side types.TokenSide, md *types.MarketData) (float64, bool) {
	p := md.Price
	if p <= 0 || p >= 1 {
		// Terminal or unpriced; settlement is the reaper's job.
		return 0, false
	}
	if side == types.TokenNO {
		return 1 - p, true
	}
	return p, true
}

// liquidityAtLeast is the shared liquidity floor check; a view with no
// reported liquidity never passes a positive floor.
func liquidityAtLeast(md *types.MarketData, floor float64) bool {
	if floor <= 0 {
		return true
	}
	return md.Liquidity != nil && *md.Liquidity >= floor
}
