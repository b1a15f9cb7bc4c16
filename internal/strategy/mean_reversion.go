package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/stat"

	"polyharvest/internal/config"
	"polyharvest/pkg/types"
)

func init() {
	Register("mean_reversion", newMeanReversion)
}

// meanReversion trades snaps back to the rolling mean: when the current
// price sits more than zThreshold standard deviations away from the mean
// of the trailing window, it buys the side that profits from reversion.
// The only strategy that asks the scanner for price history.
type meanReversion struct {
	base

	window       int     // history bars required
	zThreshold   float64 // |z| that triggers a signal
	minSigma     float64 // below this the window is flat, not mispriced
	minLiquidity float64
	minYesPrice  float64
	maxYesPrice  float64

	evaluated int
	triggered int
}

func newMeanReversion(si config.StrategyInstance, _ config.StrategyDefaults, logger *slog.Logger) (Strategy, error) {
	s := &meanReversion{
		base:         newBase(si, "1.1.0", logger),
		window:       int(si.Float("window", 24)),
		zThreshold:   si.Float("z_threshold", 2.0),
		minSigma:     si.Float("min_sigma", 0.005),
		minLiquidity: si.Float("min_liquidity", 1000),
		minYesPrice:  si.Float("min_yes_price", 0.05),
		maxYesPrice:  si.Float("max_yes_price", 0.95),
	}
	if s.window < 3 {
		return nil, fmt.Errorf("mean_reversion %q: window %d too small", si.Name, s.window)
	}
	if s.zThreshold <= 0 {
		return nil, fmt.Errorf("mean_reversion %q: z_threshold must be positive", si.Name)
	}
	return s, nil
}

// NeedsHistory asks the scanner for one bar beyond the window so the
// current price is judged against a window that excludes it.
func (s *meanReversion) NeedsHistory() int { return s.window + 1 }

func (s *meanReversion) Filter(md *types.MarketData) bool {
	if md.HoursToClose <= 0 {
		return false
	}
	if md.Price < s.minYesPrice || md.Price > s.maxYesPrice {
		return false
	}
	return liquidityAtLeast(md, s.minLiquidity)
}

func (s *meanReversion) Scan(_ context.Context, views []*types.MarketData) []*types.Signal {
	var out []*types.Signal
	for _, md := range views {
		if !s.Filter(md) || len(md.PriceHistory) < s.window {
			continue
		}
		s.evaluated++

		// Judge the live price against the trailing window, dropping the
		// newest bar when it is the live price itself.
		hist := md.PriceHistory
		if len(hist) > s.window {
			hist = hist[len(hist)-s.window-1 : len(hist)-1]
		}
		mean := stat.Mean(hist, nil)
		sigma := stat.StdDev(hist, nil)
		if math.IsNaN(sigma) || sigma < s.minSigma {
			continue
		}
		z := (md.Price - mean) / sigma
		if math.Abs(z) < s.zThreshold {
			continue
		}

		// Price above the mean reverts down (NO profits); below, up.
		side := types.TokenNO
		if z < 0 {
			side = types.TokenYES
		}
		edge := math.Min(math.Abs(md.Price-mean), 1)
		confidence := 0.5 + math.Min(0.25, 0.1*(math.Abs(z)-s.zThreshold))

		s.triggered++
		s.logger.Debug("mean_reversion signal",
			"market", md.ConditionID, "z", z, "mean", mean, "sigma", sigma)
		out = append(out, s.entry(md, side,
			fmt.Sprintf("price %.3f is %.1fσ from mean %.3f", md.Price, z, mean),
			edge, confidence, map[string]string{
				"z":     fmt.Sprintf("%.3f", z),
				"mean":  fmt.Sprintf("%.4f", mean),
				"sigma": fmt.Sprintf("%.4f", sigma),
			}))
	}
	return out
}

func (s *meanReversion) DebugStats() map[string]any {
	return map[string]any{
		"evaluated": s.evaluated,
		"triggered": s.triggered,
		"window":    s.window,
	}
}
