package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"polyharvest/internal/config"
	"polyharvest/internal/venue"
	"polyharvest/pkg/types"
)

// livePollInterval is how often a resting GTC order is polled for fills.
const livePollInterval = 2 * time.Second

// orderAPI is the slice of the venue trading client the live backend
// needs. venue.OrderClient satisfies it.
type orderAPI interface {
	PostOrder(ctx context.Context, spec venue.OrderSpec) (*types.OrderResponse, error)
	GetOrder(ctx context.Context, orderID string) (*venue.OrderStatus, error)
	CancelOrder(ctx context.Context, orderID string) (*types.CancelResponse, error)
	CancelAll(ctx context.Context) (*types.CancelResponse, error)
}

// LiveBackend places signed orders on the venue. Market orders go out
// FAK at an aggressive marketable price; limit and spread orders rest
// GTC and are polled until matched, cancelled, or timed out. A spread
// order that expires unfilled escalates to marketable; a partial fill is
// returned as-is and the remainder abandoned rather than chased.
type LiveBackend struct {
	orders orderAPI
	cfg    func() config.ExecConfig
	logger *slog.Logger
	poll   time.Duration
}

func NewLiveBackend(orders orderAPI, cfg func() config.ExecConfig, logger *slog.Logger) *LiveBackend {
	return &LiveBackend{
		orders: orders,
		cfg:    cfg,
		logger: logger.With("component", "live"),
		poll:   livePollInterval,
	}
}

func (l *LiveBackend) Name() string { return "live" }

func (l *LiveBackend) CancelAll(ctx context.Context) error {
	_, err := l.orders.CancelAll(ctx)
	return err
}

func (l *LiveBackend) Execute(ctx context.Context, order *types.Order, view *types.MarketData) (*types.Fill, error) {
	if view == nil {
		return nil, fmt.Errorf("order %s: no market view", order.ClientOrderID)
	}
	cfg := l.cfg()
	switch order.Type {
	case types.OrderLimit:
		return l.executeResting(ctx, order, view, cfg, time.Duration(cfg.LimitTimeoutSeconds)*time.Second, false)
	case types.OrderSpread:
		return l.executeResting(ctx, order, view, cfg, time.Duration(cfg.SpreadTimeoutSeconds)*time.Second, true)
	default:
		return l.executeMarketable(ctx, order, view, cfg)
	}
}

// executeMarketable submits a FAK priced through the touch by the
// slippage ceiling, so it crosses whatever is resting within tolerance.
func (l *LiveBackend) executeMarketable(ctx context.Context, order *types.Order, view *types.MarketData, cfg config.ExecConfig) (*types.Fill, error) {
	touch, _ := touchAndDepth(order, view)
	if touch <= 0 {
		return nil, fmt.Errorf("order %s: no price for %s %s", order.ClientOrderID, order.Side, order.TokenSide)
	}

	price := touch * (1 + cfg.MaxSlippage)
	if order.Side == types.SELL {
		price = touch * (1 - cfg.MaxSlippage)
	}
	price = roundTick(price, order.TickSize, order.Side == types.BUY)

	resp, err := l.post(ctx, order, price, types.WireFAK, cfg)
	if err != nil {
		return nil, err
	}

	matched := 0.0
	if v, ok := venue.FloatFromString(resp.MatchedSize); ok {
		matched = v
	}
	if matched <= 0 && resp.Status != "matched" {
		l.logger.Warn("marketable order did not match",
			"order", order.ClientOrderID, "venue_order", resp.OrderID, "status", resp.Status)
		return nil, ErrUnfilled
	}

	execPrice := price
	if v, ok := venue.FloatFromString(resp.ExecPrice); ok && v > 0 {
		execPrice = v
	}
	if matched <= 0 {
		matched = orderShares(order, execPrice, cfg)
	}
	return l.liveFill(order, execPrice, matched, resp.FeesPaid, cfg), nil
}

// executeResting posts a GTC at the quote price and polls it. On timeout
// the order is cancelled; whatever matched by then is the fill.
func (l *LiveBackend) executeResting(ctx context.Context, order *types.Order, view *types.MarketData, cfg config.ExecConfig, timeout time.Duration, escalate bool) (*types.Fill, error) {
	price := order.LimitPrice
	if price <= 0 {
		if escalate {
			price = nearTouch(order, view)
		}
		if price <= 0 {
			price = LimitPrice(order, view, cfg.LimitOffsetBps)
		}
	}
	if price <= 0 {
		return nil, fmt.Errorf("order %s: no price to quote from", order.ClientOrderID)
	}
	price = roundTick(price, order.TickSize, order.Side == types.SELL)

	resp, err := l.post(ctx, order, price, types.WireGTC, cfg)
	if err != nil {
		return nil, err
	}
	if resp.Status == "matched" {
		execPrice := price
		if v, ok := venue.FloatFromString(resp.ExecPrice); ok && v > 0 {
			execPrice = v
		}
		matched := orderShares(order, execPrice, cfg)
		if v, ok := venue.FloatFromString(resp.MatchedSize); ok && v > 0 {
			matched = v
		}
		return l.liveFill(order, execPrice, matched, resp.FeesPaid, cfg), nil
	}

	fill, err := l.pollUntilDone(ctx, order, resp.OrderID, price, timeout, cfg)
	if err == ErrUnfilled && escalate {
		l.logger.Info("spread order escalating to marketable",
			"order", order.ClientOrderID, "venue_order", resp.OrderID)
		return l.executeMarketable(ctx, order, view, cfg)
	}
	return fill, err
}

func (l *LiveBackend) pollUntilDone(ctx context.Context, order *types.Order, venueOrderID string, price float64, timeout time.Duration, cfg config.ExecConfig) (*types.Fill, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.cancelDetached(venueOrderID)
			return nil, ctx.Err()

		case <-deadline.C:
			if _, err := l.orders.CancelOrder(ctx, venueOrderID); err != nil {
				l.logger.Error("cancel after timeout failed", "venue_order", venueOrderID, "error", err)
			}
			// One last look: the order may have matched while the cancel
			// was in flight.
			return l.settleFromStatus(ctx, order, venueOrderID, price, cfg)

		case <-ticker.C:
			st, err := l.orders.GetOrder(ctx, venueOrderID)
			if err != nil {
				l.logger.Warn("order poll failed", "venue_order", venueOrderID, "error", err)
				continue
			}
			switch st.Status {
			case "matched":
				return l.fillFromStatus(order, st, price, cfg), nil
			case "cancelled":
				if matched, ok := venue.FloatFromString(st.SizeMatched); ok && matched > 0 {
					return l.fillFromStatus(order, st, price, cfg), nil
				}
				return nil, ErrUnfilled
			}
		}
	}
}

// settleFromStatus resolves a timed-out order: partial fills are booked,
// a clean miss is ErrUnfilled.
func (l *LiveBackend) settleFromStatus(ctx context.Context, order *types.Order, venueOrderID string, price float64, cfg config.ExecConfig) (*types.Fill, error) {
	st, err := l.orders.GetOrder(ctx, venueOrderID)
	if err != nil {
		l.logger.Warn("final order status fetch failed", "venue_order", venueOrderID, "error", err)
		return nil, ErrUnfilled
	}
	if matched, ok := venue.FloatFromString(st.SizeMatched); ok && matched > 0 {
		return l.fillFromStatus(order, st, price, cfg), nil
	}
	return nil, ErrUnfilled
}

func (l *LiveBackend) fillFromStatus(order *types.Order, st *venue.OrderStatus, restPrice float64, cfg config.ExecConfig) *types.Fill {
	price := restPrice
	if v, ok := venue.FloatFromString(st.Price); ok && v > 0 {
		price = v
	}
	shares := 0.0
	if v, ok := venue.FloatFromString(st.SizeMatched); ok {
		shares = v
	}
	if shares <= 0 {
		if v, ok := venue.FloatFromString(st.OriginalSize); ok {
			shares = v
		}
	}
	return l.liveFill(order, price, shares, "", cfg)
}

// post submits one signed order keyed by the client order id.
func (l *LiveBackend) post(ctx context.Context, order *types.Order, price float64, wire types.WireOrderType, cfg config.ExecConfig) (*types.OrderResponse, error) {
	spec := venue.OrderSpec{
		TokenID:    order.TokenID,
		Price:      price,
		Size:       orderShares(order, price, cfg),
		Side:       order.Side,
		OrderType:  wire,
		TickSize:   order.TickSize,
		NegRisk:    order.NegRisk,
		ClientID:   order.ClientOrderID,
		FeeRateBps: int(cfg.FeeRateBps),
	}
	if spec.Size <= 0 {
		return nil, fmt.Errorf("order %s: size rounds to zero at %.4f", order.ClientOrderID, price)
	}

	resp, err := l.orders.PostOrder(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", order.ClientOrderID, err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("post %s: venue rejected: %s", order.ClientOrderID, resp.ErrorMsg)
	}
	return resp, nil
}

// cancelDetached cancels with a fresh context, for use when the caller's
// context is already dead.
func (l *LiveBackend) cancelDetached(venueOrderID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := l.orders.CancelOrder(ctx, venueOrderID); err != nil {
		l.logger.Error("detached cancel failed", "venue_order", venueOrderID, "error", err)
	}
}

func (l *LiveBackend) liveFill(order *types.Order, price, shares float64, feesPaid string, cfg config.ExecConfig) *types.Fill {
	priceDec := decimal.NewFromFloat(price)
	sharesDec := decimal.NewFromFloat(shares).Round(6)
	cost := sharesDec.Mul(priceDec)

	fees := cost.Mul(decimal.NewFromFloat(cfg.FeeRateBps / 10000))
	if v, ok := venue.FloatFromString(feesPaid); ok {
		fees = decimal.NewFromFloat(v)
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
		Shares:        sharesDec,
		Cost:          cost,
		Fees:          fees,
		Slippage:      decimal.NewFromFloat(slippage),
		Timestamp:     time.Now().UTC(),
	}
	l.logger.Info("live fill",
		"order", order.ClientOrderID, "side", order.Side, "token_side", order.TokenSide,
		"price", price, "shares", sharesDec.StringFixed(4), "cost", cost.StringFixed(2))
	return f
}

// orderShares converts a buy's USD budget into shares at the quote price,
// keeping headroom for fees so the spend never exceeds the budget. Sells
// are already share-denominated.
func orderShares(order *types.Order, price float64, cfg config.ExecConfig) float64 {
	if order.Side == types.SELL {
		s, _ := order.SizeShares.Float64()
		return s
	}
	if price <= 0 {
		return 0
	}
	usd, _ := order.SizeUSD.Float64()
	shares := usd / (price * (1 + cfg.FeeRateBps/10000))
	return math.Floor(shares*100+1e-9) / 100
}

// roundTick snaps a price onto the market's grid, directionally so a
// marketable price stays marketable and a passive one stays passive.
// The epsilon keeps prices already on the grid from jumping a tick.
func roundTick(price float64, tick types.TickSize, up bool) float64 {
	pow := math.Pow10(tick.Decimals())
	if up {
		price = math.Ceil(price*pow-1e-9) / pow
	} else {
		price = math.Floor(price*pow+1e-9) / pow
	}
	step := 1 / pow
	if price < step {
		price = step
	}
	if price > 1-step {
		price = 1 - step
	}
	return price
}
