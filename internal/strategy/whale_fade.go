package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"polyharvest/internal/config"
	"polyharvest/pkg/types"
)

func init() {
	Register("whale_fade", newWhaleFade)
}

// whaleFade bets against recent large-trader flow. A fresh burst of whale
// buying tends to overshoot; the strategy takes the other side while the
// push is still visible in the trailing-hour whale metrics.
type whaleFade struct {
	base

	minWhales    int     // whale trades in the window
	maxAgeS      float64 // seconds since the last whale trade
	minNetFlow   float64 // |whale buy − sell volume| that counts as a push
	minLiquidity float64
	minYesPrice  float64
	maxYesPrice  float64
	confidence   float64
}

func newWhaleFade(si config.StrategyInstance, _ config.StrategyDefaults, logger *slog.Logger) (Strategy, error) {
	s := &whaleFade{
		base:         newBase(si, "1.0.0", logger),
		minWhales:    int(si.Float("min_whales", 1)),
		maxAgeS:      si.Float("max_age_s", 900),
		minNetFlow:   si.Float("min_netflow", 1000),
		minLiquidity: si.Float("min_liquidity", 1000),
		minYesPrice:  si.Float("min_yes_price", 0.10),
		maxYesPrice:  si.Float("max_yes_price", 0.90),
		confidence:   si.Float("confidence", 0.58),
	}
	if s.minNetFlow <= 0 {
		return nil, fmt.Errorf("whale_fade %q: min_netflow must be positive", si.Name)
	}
	return s, nil
}

func (s *whaleFade) Filter(md *types.MarketData) bool {
	if md.HoursToClose <= 0 {
		return false
	}
	if md.Price < s.minYesPrice || md.Price > s.maxYesPrice {
		return false
	}
	if !liquidityAtLeast(md, s.minLiquidity) {
		return false
	}
	// Whale metrics only exist for streamed markets with recent flow.
	snap := md.Snapshot
	return snap != nil && snap.WhaleCount1h != nil && snap.WhaleNetFlow1h != nil && snap.TimeSinceWhaleS != nil
}

func (s *whaleFade) Scan(_ context.Context, views []*types.MarketData) []*types.Signal {
	var out []*types.Signal
	for _, md := range views {
		if !s.Filter(md) {
			continue
		}
		snap := md.Snapshot
		if *snap.WhaleCount1h < s.minWhales || *snap.TimeSinceWhaleS > s.maxAgeS {
			continue
		}
		net := *snap.WhaleNetFlow1h
		if math.Abs(net) < s.minNetFlow {
			continue
		}

		// Positive net flow means whales are accumulating YES; fade it.
		side := types.TokenNO
		if net < 0 {
			side = types.TokenYES
		}
		edge := math.Min(0.10, math.Abs(net)/s.minNetFlow*0.01)

		s.logger.Debug("whale_fade signal",
			"market", md.ConditionID, "net_flow", net,
			"whales", *snap.WhaleCount1h, "age_s", *snap.TimeSinceWhaleS)
		out = append(out, s.entry(md, side,
			fmt.Sprintf("fading whale net flow %.0f over %d trades", net, *snap.WhaleCount1h),
			edge, s.confidence, map[string]string{
				"net_flow": fmt.Sprintf("%.0f", net),
				"whales":   fmt.Sprintf("%d", *snap.WhaleCount1h),
				"age_s":    fmt.Sprintf("%.0f", *snap.TimeSinceWhaleS),
			}))
	}
	return out
}
