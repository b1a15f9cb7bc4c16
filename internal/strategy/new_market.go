package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"polyharvest/internal/config"
	"polyharvest/pkg/types"
)

func init() {
	Register("new_market", newNewMarket)
}

// newMarket buys NO on freshly listed long-dated markets. Most questions
// hit the venue priced optimistically on the YES side and drift toward NO
// as attention fades, so a statistical prior for NO is worth holding while
// the market is young.
type newMarket struct {
	base

	maxAgeHours  float64 // how recently the market must have been discovered
	minHours     float64 // time-to-close floor; the drift needs runway
	minLiquidity float64
	minYesPrice  float64
	maxYesPrice  float64
	prior        float64 // prior probability of NO resolution
	minEdge      float64
}

func newNewMarket(si config.StrategyInstance, _ config.StrategyDefaults, logger *slog.Logger) (Strategy, error) {
	s := &newMarket{
		base:         newBase(si, "1.0.1", logger),
		maxAgeHours:  si.Float("max_age_hours", 24),
		minHours:     si.Float("min_hours", 168),
		minLiquidity: si.Float("min_liquidity", 500),
		minYesPrice:  si.Float("min_yes_price", 0.20),
		maxYesPrice:  si.Float("max_yes_price", 0.80),
		prior:        si.Float("prior", 0.62),
		minEdge:      si.Float("min_edge", 0.05),
	}
	if s.prior <= 0 || s.prior >= 1 {
		return nil, fmt.Errorf("new_market %q: prior %.2f outside (0, 1)", si.Name, s.prior)
	}
	return s, nil
}

func (s *newMarket) Filter(md *types.MarketData) bool {
	if md.TrackedSince.IsZero() || time.Since(md.TrackedSince).Hours() > s.maxAgeHours {
		return false
	}
	if md.HoursToClose < s.minHours {
		return false
	}
	if md.Price < s.minYesPrice || md.Price > s.maxYesPrice {
		return false
	}
	return liquidityAtLeast(md, s.minLiquidity)
}

func (s *newMarket) Scan(_ context.Context, views []*types.MarketData) []*types.Signal {
	var out []*types.Signal
	for _, md := range views {
		if !s.Filter(md) {
			continue
		}
		noPrice := 1 - md.Price
		edge := s.prior - noPrice
		if edge < s.minEdge {
			continue
		}
		age := time.Since(md.TrackedSince).Hours()
		s.logger.Debug("new_market signal",
			"market", md.ConditionID, "age_hours", age, "no_price", noPrice)
		out = append(out, s.entry(md, types.TokenNO,
			fmt.Sprintf("new listing %.1fh old, NO at %.2f vs prior %.2f", age, noPrice, s.prior),
			edge, s.prior,
			map[string]string{"age_hours": fmt.Sprintf("%.1f", age)}))
	}
	return out
}
