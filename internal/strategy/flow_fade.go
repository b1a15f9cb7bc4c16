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
	Register("flow_fade", newFlowFade)
}

// flowFade fades short-horizon crowd surges: an hourly volume spike well
// above the daily run rate, or a lopsided buy/sell split on meaningful
// trade count, usually marks retail chasing a headline.
type flowFade struct {
	base

	spikeMult    float64 // hourly volume vs 1/24 of daily volume
	imbalance    float64 // |buy − sell| / total over the hour
	minTrades    int     // imbalance on a handful of trades is noise
	minVolume1h  float64
	minLiquidity float64
	minYesPrice  float64
	maxYesPrice  float64
	confidence   float64
}

func newFlowFade(si config.StrategyInstance, _ config.StrategyDefaults, logger *slog.Logger) (Strategy, error) {
	s := &flowFade{
		base:         newBase(si, "1.0.0", logger),
		spikeMult:    si.Float("spike_mult", 3.0),
		imbalance:    si.Float("imbalance", 0.7),
		minTrades:    int(si.Float("min_trades", 30)),
		minVolume1h:  si.Float("min_volume_1h", 500),
		minLiquidity: si.Float("min_liquidity", 1000),
		minYesPrice:  si.Float("min_yes_price", 0.10),
		maxYesPrice:  si.Float("max_yes_price", 0.90),
		confidence:   si.Float("confidence", 0.56),
	}
	if s.spikeMult <= 1 {
		return nil, fmt.Errorf("flow_fade %q: spike_mult %.2f must exceed 1", si.Name, s.spikeMult)
	}
	if s.imbalance <= 0 || s.imbalance > 1 {
		return nil, fmt.Errorf("flow_fade %q: imbalance %.2f outside (0, 1]", si.Name, s.imbalance)
	}
	return s, nil
}

func (s *flowFade) Filter(md *types.MarketData) bool {
	if md.HoursToClose <= 0 {
		return false
	}
	if md.Price < s.minYesPrice || md.Price > s.maxYesPrice {
		return false
	}
	if !liquidityAtLeast(md, s.minLiquidity) {
		return false
	}
	snap := md.Snapshot
	return snap != nil && snap.Volume1h != nil && snap.BuyVolume1h != nil && snap.SellVolume1h != nil
}

func (s *flowFade) Scan(_ context.Context, views []*types.MarketData) []*types.Signal {
	var out []*types.Signal
	for _, md := range views {
		if !s.Filter(md) {
			continue
		}
		snap := md.Snapshot
		vol := *snap.Volume1h
		if vol < s.minVolume1h {
			continue
		}
		buy, sell := *snap.BuyVolume1h, *snap.SellVolume1h

		spiked := false
		if md.Volume24h != nil && *md.Volume24h > 0 {
			spiked = vol/(*md.Volume24h/24) >= s.spikeMult
		}
		lopsided := false
		ratio := math.Abs(buy-sell) / vol
		if snap.TradeCount1h != nil && *snap.TradeCount1h >= s.minTrades {
			lopsided = ratio >= s.imbalance
		}
		if !spiked && !lopsided {
			continue
		}

		// Fade whichever side is doing the pushing.
		side := types.TokenNO
		if buy < sell {
			side = types.TokenYES
		}
		edge := math.Min(0.10, ratio*0.1)

		s.logger.Debug("flow_fade signal",
			"market", md.ConditionID, "volume_1h", vol,
			"buy", buy, "sell", sell, "spiked", spiked, "lopsided", lopsided)
		out = append(out, s.entry(md, side,
			fmt.Sprintf("fading flow surge: %.0f in 1h, buy/sell %.0f/%.0f", vol, buy, sell),
			edge, s.confidence, map[string]string{
				"volume_1h": fmt.Sprintf("%.0f", vol),
				"imbalance": fmt.Sprintf("%.2f", ratio),
			}))
	}
	return out
}
