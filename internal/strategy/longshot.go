package strategy

import (
	"context"
	"fmt"
	"log/slog"

	"polyharvest/internal/config"
	"polyharvest/pkg/types"
)

func init() {
	Register("longshot", newLongshot)
}

// longshot rides heavy favorites into the close: when one side's implied
// probability clears a high threshold with little time left, the favorite
// tends to be underpriced by the residual longshot bias on the other side.
type longshot struct {
	base

	threshold    float64 // implied probability the favored side must reach
	maxHours     float64
	minLiquidity float64
	priorEdge    float64
}

func newLongshot(si config.StrategyInstance, _ config.StrategyDefaults, logger *slog.Logger) (Strategy, error) {
	s := &longshot{
		base:         newBase(si, "1.0.0", logger),
		threshold:    si.Float("threshold", 0.92),
		maxHours:     si.Float("max_hours", 48),
		minLiquidity: si.Float("min_liquidity", 500),
		priorEdge:    si.Float("prior_edge", 0.03),
	}
	if s.threshold <= 0.5 || s.threshold >= 1 {
		return nil, fmt.Errorf("longshot %q: threshold %.2f outside (0.5, 1)", si.Name, s.threshold)
	}
	return s, nil
}

func (s *longshot) Filter(md *types.MarketData) bool {
	if md.HoursToClose <= 0 || md.HoursToClose > s.maxHours {
		return false
	}
	if !liquidityAtLeast(md, s.minLiquidity) {
		return false
	}
	// One side must already be the heavy favorite.
	return md.Price >= s.threshold || md.Price <= 1-s.threshold
}

func (s *longshot) Scan(_ context.Context, views []*types.MarketData) []*types.Signal {
	var out []*types.Signal
	for _, md := range views {
		if !s.Filter(md) {
			continue
		}
		side := types.TokenYES
		favored := md.Price
		if md.Price <= 1-s.threshold {
			side = types.TokenNO
			favored = 1 - md.Price
		}
		if favored >= 1 {
			continue // already terminal, nothing left to capture
		}
		confidence := favored + s.priorEdge
		if confidence > 0.99 {
			confidence = 0.99
		}
		s.logger.Debug("longshot signal",
			"market", md.ConditionID, "side", side,
			"favored", favored, "hours_to_close", md.HoursToClose)
		out = append(out, s.entry(md, side,
			fmt.Sprintf("favorite at %.2f with %.1fh left", favored, md.HoursToClose),
			s.priorEdge, confidence, nil))
	}
	return out
}
