package risk

import (
	"math"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"polyharvest/internal/config"
	"polyharvest/pkg/types"
)

// Size converts a signal into intended USD under the configured method.
// sizePct is the instance's capital fraction (volatility_scaled base);
// maxPositionUSD caps kelly output. A strategy's SuggestedUSD can shrink
// the result but never grow it. Returns zero when the inputs cannot
// produce a sane size; the gate treats zero as unfundable.
func Size(sig *types.Signal, md *types.MarketData, wallet types.Wallet, sizePct float64, cfg config.SizingConfig, maxPositionUSD float64) decimal.Decimal {
	var usd float64
	switch cfg.Method {
	case "kelly":
		usd = kellySize(sig, md, wallet, cfg, maxPositionUSD)
	case "volatility_scaled":
		usd = volScaledSize(md, wallet, sizePct, cfg)
	default: // fixed
		usd = cfg.FixedAmountUSD
	}

	if usd <= 0 || math.IsNaN(usd) || math.IsInf(usd, 0) {
		return decimal.Zero
	}
	if sig.SuggestedUSD > 0 && sig.SuggestedUSD < usd {
		usd = sig.SuggestedUSD
	}
	return decimal.NewFromFloat(usd).Round(2)
}

// kellySize bets a fraction of the Kelly-optimal stake. With b = 1/price
// payoff odds on a binary claim, f = (p·b − 1)/(b − 1); confidence below
// the market's implied probability makes f negative, which is no bet.
func kellySize(sig *types.Signal, md *types.MarketData, wallet types.Wallet, cfg config.SizingConfig, maxPositionUSD float64) float64 {
	price := entryPrice(sig.TokenSide, md)
	if price <= 0 || price >= 1 {
		return 0
	}
	b := 1 / price
	f := (sig.Confidence*b - 1) / (b - 1)
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return 0
	}
	if f > 1 {
		f = 1
	}
	alloc, _ := wallet.AllocatedUSD.Float64()
	usd := cfg.KellyFraction * f * alloc
	if maxPositionUSD > 0 && usd > maxPositionUSD {
		usd = maxPositionUSD
	}
	return usd
}

// volScaledSize scales a base stake inversely with realized volatility:
// quiet markets size up toward max_size_scale, choppy ones down toward
// min_size_scale. Without history the base passes through unscaled.
func volScaledSize(md *types.MarketData, wallet types.Wallet, sizePct float64, cfg config.SizingConfig) float64 {
	alloc, _ := wallet.AllocatedUSD.Float64()
	base := cfg.FixedAmountUSD
	if sizePct > 0 {
		base = sizePct * alloc
	}

	hist := md.PriceHistory
	if cfg.VolWindow > 0 && len(hist) > cfg.VolWindow {
		hist = hist[len(hist)-cfg.VolWindow:]
	}
	if len(hist) < 2 {
		return base
	}
	sigma := stat.StdDev(hist, nil)
	if math.IsNaN(sigma) || sigma <= 0 {
		return base
	}

	scale := cfg.TargetVol / sigma
	if scale < cfg.MinSizeScale {
		scale = cfg.MinSizeScale
	}
	if scale > cfg.MaxSizeScale {
		scale = cfg.MaxSizeScale
	}
	return base * scale
}

// entryPrice is what a taker pays right now for the signal's token: the
// YES ask, or its complement for the NO side (the NO ask mirrors the YES
// bid). Falls back to the last known price when the book is absent.
func entryPrice(side types.TokenSide, md *types.MarketData) float64 {
	if side == types.TokenNO {
		if md.BestBid != nil {
			return 1 - *md.BestBid
		}
		return 1 - md.Price
	}
	if md.BestAsk != nil {
		return *md.BestAsk
	}
	return md.Price
}
