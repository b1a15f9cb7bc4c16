package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"polyharvest/internal/config"
	"polyharvest/pkg/types"
)

// limitChecks is how many fill opportunities a resting paper order gets
// over its timeout window.
const limitChecks = 6

// PaperBackend simulates fills against the scanner's view of the book.
// It is the reference implementation: everything downstream of the fill
// (positions, wallets, the decision trail) is identical in live mode.
//
// Market orders pay the touch plus modeled impact; limit orders rest at
// their price and fill probabilistically — more likely the closer the
// price sits to the far touch; spread orders rest passively and escalate
// to marketable at timeout.
type PaperBackend struct {
	cfg    func() config.ExecConfig
	logger *slog.Logger

	mu    sync.Mutex
	draw  func() float64
	sleep func(ctx context.Context, d time.Duration) error
}

func NewPaperBackend(cfg func() config.ExecConfig, logger *slog.Logger) *PaperBackend {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &PaperBackend{
		cfg:    cfg,
		logger: logger.With("component", "paper"),
		draw:   rng.Float64,
		sleep:  sleepCtx,
	}
}

func (p *PaperBackend) Name() string { return "paper" }

// CancelAll is a no-op: paper orders never rest beyond their Execute call.
func (p *PaperBackend) CancelAll(_ context.Context) error { return nil }

func (p *PaperBackend) Execute(ctx context.Context, order *types.Order, view *types.MarketData) (*types.Fill, error) {
	if view == nil {
		return nil, fmt.Errorf("order %s: no market view", order.ClientOrderID)
	}
	if order.Side == types.BUY && !order.SizeUSD.IsPositive() {
		return nil, fmt.Errorf("order %s: buy without a budget", order.ClientOrderID)
	}
	if order.Side == types.SELL && !order.SizeShares.IsPositive() {
		return nil, fmt.Errorf("order %s: sell without shares", order.ClientOrderID)
	}

	cfg := p.cfg()
	switch order.Type {
	case types.OrderLimit:
		return p.executeLimit(ctx, order, view, cfg)
	case types.OrderSpread:
		return p.executeSpread(ctx, order, view, cfg)
	default:
		return p.executeMarket(order, view, cfg)
	}
}

// executeMarket crosses the spread at the touch plus impact:
// base_slippage + k·(order notional / notional resting at the touch),
// clamped to the ceiling. An absent book section is priced at the full
// ceiling — unknown depth is worst-case depth.
func (p *PaperBackend) executeMarket(order *types.Order, view *types.MarketData, cfg config.ExecConfig) (*types.Fill, error) {
	touch, depthShares := touchAndDepth(order, view)
	if touch <= 0 {
		return nil, fmt.Errorf("order %s: no price for %s %s", order.ClientOrderID, order.Side, order.TokenSide)
	}

	notional, _ := order.SizeUSD.Float64()
	if order.Side == types.SELL {
		shares, _ := order.SizeShares.Float64()
		notional = shares * touch
	}

	slip := cfg.MaxSlippage
	if depthShares > 0 {
		slip = cfg.SlippageBase + cfg.SlippageDepthK*(notional/(depthShares*touch))
		if slip > cfg.MaxSlippage {
			slip = cfg.MaxSlippage
		}
	}

	price := touch * (1 + slip)
	if order.Side == types.SELL {
		price = touch * (1 - slip)
	}
	return p.fill(order, clampPrice(price), cfg), nil
}

// executeLimit rests at mid ± offset for the timeout. Crossing the far
// touch fills immediately at the touch; otherwise each check fills with
// probability rising from 0.1 to 0.7 as the price approaches the touch.
func (p *PaperBackend) executeLimit(ctx context.Context, order *types.Order, view *types.MarketData, cfg config.ExecConfig) (*types.Fill, error) {
	limit := order.LimitPrice
	if limit <= 0 {
		limit = LimitPrice(order, view, cfg.LimitOffsetBps)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("order %s: no price to quote from", order.ClientOrderID)
	}

	far, _ := touchAndDepth(order, view)
	if far > 0 && crosses(order.Side, limit, far) {
		return p.fill(order, clampPrice(far), cfg), nil
	}

	timeout := time.Duration(cfg.LimitTimeoutSeconds) * time.Second
	prob := fillProbability(limit, nearTouch(order, view), far)
	if err := p.restAt(ctx, prob, timeout); err != nil {
		return nil, err
	}
	return p.fill(order, clampPrice(limit), cfg), nil
}

// executeSpread rests passively at the near touch to earn the spread,
// then escalates to marketable at timeout. It always fills.
func (p *PaperBackend) executeSpread(ctx context.Context, order *types.Order, view *types.MarketData, cfg config.ExecConfig) (*types.Fill, error) {
	passive := nearTouch(order, view)
	if passive > 0 {
		timeout := time.Duration(cfg.SpreadTimeoutSeconds) * time.Second
		err := p.restAt(ctx, passiveFillProb, timeout)
		if err == nil {
			return p.fill(order, clampPrice(passive), cfg), nil
		}
		if err != ErrUnfilled {
			return nil, err
		}
		p.logger.Debug("spread order escalating to marketable",
			"order", order.ClientOrderID, "passive", passive)
	}
	return p.executeMarket(order, view, cfg)
}

const passiveFillProb = 0.1

// fillProbability maps where the order rests inside the bid-ask band to
// a per-check fill chance: joining the near touch fills like any other
// passive order, resting at the far touch fills almost every check.
func fillProbability(limit, near, far float64) float64 {
	if near <= 0 || far <= 0 || near == far {
		return 0.3
	}
	proximity := (limit - near) / (far - near)
	return passiveFillProb + 0.6*clamp01(proximity)
}

// restAt simulates a resting order: limitChecks chances over the timeout,
// each filling with probability prob. ErrUnfilled on expiry.
func (p *PaperBackend) restAt(ctx context.Context, prob float64, timeout time.Duration) error {
	interval := timeout / limitChecks
	for i := 0; i < limitChecks; i++ {
		if err := p.sleep(ctx, interval); err != nil {
			return err
		}
		p.mu.Lock()
		hit := p.draw() < prob
		p.mu.Unlock()
		if hit {
			return nil
		}
	}
	return ErrUnfilled
}

// fill builds the fill record: buys spend the USD budget net of fees,
// sells gross their share count at the fill price.
func (p *PaperBackend) fill(order *types.Order, price float64, cfg config.ExecConfig) *types.Fill {
	priceDec := decimal.NewFromFloat(price)
	rate := decimal.NewFromFloat(cfg.FeeRateBps / 10000)

	var shares, cost, fees decimal.Decimal
	if order.Side == types.BUY {
		// Truncating the share count keeps cost+fees within the USD
		// budget the gate reserved.
		budget := order.SizeUSD.Div(decimal.NewFromInt(1).Add(rate))
		shares = budget.Div(priceDec).Truncate(6)
		cost = shares.Mul(priceDec)
		fees = cost.Mul(rate)
	} else {
		shares = order.SizeShares
		cost = shares.Mul(priceDec)
		fees = cost.Mul(rate)
	}

	slippage := price - order.SignalPrice
	if order.Side == types.SELL {
		slippage = order.SignalPrice - price
	}

	f := &types.Fill{
		ID:            uuid.New().String(),
		ClientOrderID: order.ClientOrderID,
		ConditionID:   order.ConditionID,
		TokenID:       order.TokenID,
		Side:          order.Side,
		Price:         priceDec,
		Shares:        shares,
		Cost:          cost,
		Fees:          fees,
		Slippage:      decimal.NewFromFloat(slippage),
		Timestamp:     time.Now().UTC(),
		Paper:         true,
	}
	p.logger.Info("paper fill",
		"order", order.ClientOrderID, "side", order.Side, "token_side", order.TokenSide,
		"price", price, "shares", shares.StringFixed(4), "cost", cost.StringFixed(2))
	return f
}

// ————————————————————————————————————————————————————————————————————————
// Pricing helpers (shared with the live backend)
// ————————————————————————————————————————————————————————————————————————

// touchAndDepth returns the far touch the order would cross and the
// share depth resting there. The view is YES-denominated; NO-token
// orders trade against the mirrored side of the YES book.
func touchAndDepth(order *types.Order, view *types.MarketData) (float64, float64) {
	askSide := order.Side == types.BUY
	if order.TokenSide == types.TokenNO {
		askSide = !askSide
	}

	var price, depth float64
	if askSide {
		if view.BestAsk != nil {
			price = *view.BestAsk
		} else {
			price = view.Price
		}
		if view.Snapshot != nil && view.Snapshot.AskDepth5 != nil {
			depth = *view.Snapshot.AskDepth5
		}
	} else {
		if view.BestBid != nil {
			price = *view.BestBid
		} else {
			price = view.Price
		}
		if view.Snapshot != nil && view.Snapshot.BidDepth5 != nil {
			depth = *view.Snapshot.BidDepth5
		}
	}

	if order.TokenSide == types.TokenNO && price > 0 {
		price = 1 - price
	}
	return price, depth
}

// nearTouch is the passive side the order would join.
func nearTouch(order *types.Order, view *types.MarketData) float64 {
	mirror := *order
	if mirror.Side == types.BUY {
		mirror.Side = types.SELL
	} else {
		mirror.Side = types.BUY
	}
	price, _ := touchAndDepth(&mirror, view)
	return price
}

// LimitPrice quotes mid ± offset in the order's token terms: buys bid
// under the mid, sells offer above it.
func LimitPrice(order *types.Order, view *types.MarketData, offsetBps float64) float64 {
	mid := view.Price
	if view.BestBid != nil && view.BestAsk != nil {
		mid = (*view.BestBid + *view.BestAsk) / 2
	}
	if order.TokenSide == types.TokenNO {
		mid = 1 - mid
	}
	if mid <= 0 {
		return 0
	}

	off := mid * offsetBps / 10000
	if order.Side == types.BUY {
		return clampPrice(mid - off)
	}
	return clampPrice(mid + off)
}

func crosses(side types.Side, limit, far float64) bool {
	if side == types.BUY {
		return limit >= far
	}
	return limit <= far
}

func clampPrice(p float64) float64 {
	if p < 0.001 {
		return 0.001
	}
	if p > 0.999 {
		return 0.999
	}
	return p
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
