package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"polyharvest/internal/config"
	"polyharvest/pkg/types"
)

func init() {
	Register("no_bias", newNoBias)
}

// noBias buys the NO token in categories where NO resolves at a high
// empirical base rate. The edge is the gap between that base rate and
// the NO price currently on offer.
type noBias struct {
	base

	categories   map[string]bool // lowercased; empty = any category
	minHours     float64
	maxHours     float64
	minLiquidity float64
	minYesPrice  float64
	maxYesPrice  float64
	baseRate     float64
	minEdge      float64
}

func newNoBias(si config.StrategyInstance, _ config.StrategyDefaults, logger *slog.Logger) (Strategy, error) {
	cats := make(map[string]bool)
	for _, c := range si.Strings("categories") {
		cats[strings.ToLower(c)] = true
	}
	s := &noBias{
		base:         newBase(si, "1.2.0", logger),
		categories:   cats,
		minHours:     si.Float("min_hours", 6),
		maxHours:     si.Float("max_hours", 720),
		minLiquidity: si.Float("min_liquidity", 1000),
		minYesPrice:  si.Float("min_yes_price", 0.20),
		maxYesPrice:  si.Float("max_yes_price", 0.80),
		baseRate:     si.Float("base_rate", 0.70),
		minEdge:      si.Float("min_edge", 0.05),
	}
	if s.baseRate <= 0 || s.baseRate >= 1 {
		return nil, fmt.Errorf("no_bias %q: base_rate %.2f outside (0, 1)", si.Name, s.baseRate)
	}
	return s, nil
}

func (s *noBias) Filter(md *types.MarketData) bool {
	if len(s.categories) > 0 && !s.categories[strings.ToLower(md.Category)] {
		return false
	}
	if md.HoursToClose < s.minHours || md.HoursToClose > s.maxHours {
		return false
	}
	if md.Price < s.minYesPrice || md.Price > s.maxYesPrice {
		return false
	}
	return liquidityAtLeast(md, s.minLiquidity)
}

func (s *noBias) Scan(_ context.Context, views []*types.MarketData) []*types.Signal {
	var out []*types.Signal
	for _, md := range views {
		if !s.Filter(md) {
			continue
		}
		noPrice := 1 - md.Price
		edge := s.baseRate - noPrice
		if edge < s.minEdge {
			continue
		}
		s.logger.Debug("no_bias signal",
			"market", md.ConditionID, "category", md.Category,
			"no_price", noPrice, "edge", edge)
		out = append(out, s.entry(md, types.TokenNO,
			fmt.Sprintf("category base rate %.2f vs NO at %.2f", s.baseRate, noPrice),
			edge, s.baseRate,
			map[string]string{"category": md.Category}))
	}
	return out
}
