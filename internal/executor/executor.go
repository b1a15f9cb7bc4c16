// Package executor turns approved decisions into fills and keeps the
// position book and wallets consistent with them. Two backends share one
// contract: paper simulates fills against the scanner's market view,
// live signs and posts real orders. Everything above the Backend
// interface — position accounting, wallet debits, the decision trail —
// is identical in both modes, which is what makes a paper run a faithful
// rehearsal.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"polyharvest/internal/config"
	"polyharvest/internal/ledger"
	"polyharvest/internal/risk"
	"polyharvest/pkg/types"
)

// ErrUnfilled means the order expired without matching. Not a failure:
// the signal simply found no counterparty at an acceptable price.
var ErrUnfilled = errors.New("order unfilled")

// Backend executes one order against a venue, real or simulated.
type Backend interface {
	Name() string
	Execute(ctx context.Context, order *types.Order, view *types.MarketData) (*types.Fill, error)
	CancelAll(ctx context.Context) error
}

// Notifier receives trade lifecycle events. A nil Notifier is silent.
type Notifier interface {
	PositionOpened(pos *types.Position, sig *types.Signal, fill *types.Fill)
	PositionClosed(pos *types.Position, realized decimal.Decimal, reason string)
	MarketSettled(pos *types.Position, outcome types.Outcome, realized decimal.Decimal)
}

// Manager owns the order lifecycle: entry fills open positions and debit
// wallets, exit fills reduce positions and credit wallets, resolutions
// settle whatever is still open. Exits and settlements never consult the
// risk gate — reducing exposure is always allowed.
type Manager struct {
	backend Backend
	book    *PositionBook
	wallets *risk.Wallets
	gate    *risk.Gate
	ledger  *ledger.Ledger
	cfg     func() config.ExecConfig
	notify  Notifier
	logger  *slog.Logger
}

func NewManager(backend Backend, book *PositionBook, wallets *risk.Wallets, gate *risk.Gate, led *ledger.Ledger, cfg func() config.ExecConfig, notify Notifier, logger *slog.Logger) *Manager {
	return &Manager{
		backend: backend,
		book:    book,
		wallets: wallets,
		gate:    gate,
		ledger:  led,
		cfg:     cfg,
		notify:  notify,
		logger:  logger.With("component", "executor", "backend", backend.Name()),
	}
}

// Book exposes the position book for marking and exit scans.
func (m *Manager) Book() *PositionBook { return m.book }

// CancelAll forwards the shutdown safety net to the backend.
func (m *Manager) CancelAll(ctx context.Context) error { return m.backend.CancelAll(ctx) }

// OpenFromDecision executes an approved entry. The gate's reservation is
// held until the fill is in the book, so concurrent evaluations keep
// seeing the committed size; it is released on every path out.
func (m *Manager) OpenFromDecision(ctx context.Context, sig *types.Signal, d *types.TradeDecision, view *types.MarketData, orderType types.ExecOrderType) (*types.Position, error) {
	if !d.Approved {
		return nil, fmt.Errorf("decision %s not approved", d.ID)
	}
	defer m.gate.Release(d.ID)

	order := &types.Order{
		ClientOrderID: uuid.New().String(),
		SignalID:      sig.ID,
		Strategy:      sig.Strategy,
		ConditionID:   sig.ConditionID,
		TokenID:       sig.TokenID,
		TokenSide:     sig.TokenSide,
		Side:          types.BUY,
		Type:          orderType,
		SizeUSD:       d.SizedUSD,
		CreatedAt:     time.Now().UTC(),
	}
	order.SignalPrice, _ = touchAndDepth(order, view)
	d.OrderID = order.ClientOrderID

	fill, err := m.backend.Execute(ctx, order, view)
	if err != nil {
		m.ledger.Decision(d)
		if errors.Is(err, ErrUnfilled) {
			m.logger.Info("entry expired unfilled",
				"strategy", sig.Strategy, "market", sig.ConditionID, "order", order.ClientOrderID)
			return nil, err
		}
		return nil, fmt.Errorf("entry %s: %w", order.ClientOrderID, err)
	}

	debit := fill.Cost.Add(fill.Fees)
	if err := m.wallets.Debit(sig.Strategy, debit); err != nil {
		// The fill already happened; position booking must not depend on
		// wallet accounting. Surface the drift and carry on.
		m.logger.Error("entry debit failed", "strategy", sig.Strategy, "error", err)
	}

	pos, err := m.book.ApplyFill(sig.Strategy, sig.TokenSide, fill)
	if err != nil {
		m.wallets.Credit(sig.Strategy, debit)
		m.ledger.Decision(d)
		return nil, fmt.Errorf("book entry %s: %w", order.ClientOrderID, err)
	}

	d.FillID = fill.ID
	m.ledger.Fill(fill, sig.Strategy, pos.ID)
	m.ledger.Decision(d)

	m.logger.Info("position opened",
		"strategy", sig.Strategy, "market", sig.ConditionID, "side", sig.TokenSide,
		"shares", fill.Shares.StringFixed(4), "price", fill.Price.StringFixed(4),
		"cost", debit.StringFixed(2), "position", pos.ID)

	if m.notify != nil {
		m.notify.PositionOpened(pos, sig, fill)
	}
	return pos, nil
}

// CloseFromSignal executes an exit. Exits always go out as market orders
// and bypass the gate: a strategy that wants out gets out.
func (m *Manager) CloseFromSignal(ctx context.Context, sig *types.Signal, pos types.Position, view *types.MarketData) (*types.Position, decimal.Decimal, error) {
	order := &types.Order{
		ClientOrderID: uuid.New().String(),
		SignalID:      sig.ID,
		Strategy:      pos.Strategy,
		ConditionID:   pos.ConditionID,
		TokenID:       pos.TokenID,
		TokenSide:     pos.TokenSide,
		Side:          types.SELL,
		Type:          types.OrderMarket,
		SizeShares:    pos.SizeShares,
		CreatedAt:     time.Now().UTC(),
	}
	order.SignalPrice, _ = touchAndDepth(order, view)

	fill, err := m.backend.Execute(ctx, order, view)
	if err != nil {
		if errors.Is(err, ErrUnfilled) {
			m.logger.Warn("exit went unfilled, position stays open",
				"strategy", pos.Strategy, "position", pos.ID, "reason", sig.Reason)
			return nil, decimal.Zero, err
		}
		return nil, decimal.Zero, fmt.Errorf("exit %s: %w", order.ClientOrderID, err)
	}

	updated, realized, err := m.book.Reduce(pos.ID, fill.Shares, fill.Cost, fill.Fees, fill.Timestamp)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("book exit %s: %w", order.ClientOrderID, err)
	}

	m.wallets.Credit(pos.Strategy, fill.Cost.Sub(fill.Fees))
	if updated.Status == types.PositionClosed {
		m.wallets.ApplyRealized(pos.Strategy, updated.RealizedPnL, updated.RealizedPnL.IsPositive())
	}
	m.ledger.Fill(fill, pos.Strategy, pos.ID)

	m.logger.Info("position reduced",
		"strategy", pos.Strategy, "position", pos.ID, "status", updated.Status,
		"shares", fill.Shares.StringFixed(4), "price", fill.Price.StringFixed(4),
		"realized", realized.StringFixed(2), "reason", sig.Reason)

	if m.notify != nil && updated.Status == types.PositionClosed {
		m.notify.PositionClosed(updated, updated.RealizedPnL, sig.Reason)
	}
	return updated, realized, nil
}

// Settle closes every open position in a resolved market at its terminal
// value: winners pay $1 a share, losers nothing, INVALID pays the
// configured recovery to YES holders and its complement to NO holders.
// No order is placed and no fee charged — resolution is a redemption,
// not a trade. Returns how many positions were settled.
func (m *Manager) Settle(ctx context.Context, conditionID string, outcome types.Outcome) (int, error) {
	positions := m.book.ForMarket(conditionID)
	if len(positions) == 0 {
		return 0, nil
	}

	recovery := m.cfg().InvalidRecovery
	settled := 0
	var firstErr error
	for i := range positions {
		pos := positions[i]
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}

		payoff := settlementPayoff(pos.TokenSide, outcome, recovery)
		proceeds := payoff.Mul(pos.SizeShares)
		now := time.Now().UTC()

		fill := &types.Fill{
			ID:            uuid.New().String(),
			ClientOrderID: "settle-" + pos.ID,
			ConditionID:   pos.ConditionID,
			TokenID:       pos.TokenID,
			Side:          types.SELL,
			Price:         payoff,
			Shares:        pos.SizeShares,
			Cost:          proceeds,
			Fees:          decimal.Zero,
			Slippage:      decimal.Zero,
			Timestamp:     now,
			Paper:         pos.Paper,
		}

		closed, realized, err := m.book.Reduce(pos.ID, pos.SizeShares, proceeds, decimal.Zero, now)
		if err != nil {
			m.logger.Error("settlement reduce failed", "position", pos.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		m.wallets.Credit(pos.Strategy, proceeds)
		m.wallets.ApplyRealized(pos.Strategy, closed.RealizedPnL, closed.RealizedPnL.IsPositive())
		m.ledger.Fill(fill, pos.Strategy, pos.ID)
		settled++

		m.logger.Info("position settled",
			"strategy", pos.Strategy, "market", conditionID, "side", pos.TokenSide,
			"outcome", outcome, "payoff", payoff.StringFixed(3), "realized", realized.StringFixed(2))

		if m.notify != nil {
			m.notify.MarketSettled(closed, outcome, realized)
		}
	}
	return settled, firstErr
}

// settlementPayoff is the per-share redemption value of a token once the
// market resolves. Payoffs of the YES/NO pair always sum to $1.
func settlementPayoff(side types.TokenSide, outcome types.Outcome, recovery float64) decimal.Decimal {
	won := (side == types.TokenYES && outcome == types.OutcomeYes) ||
		(side == types.TokenNO && outcome == types.OutcomeNo)
	switch {
	case outcome == types.OutcomeInvalid:
		r := decimal.NewFromFloat(recovery)
		if side == types.TokenNO {
			return decimal.NewFromInt(1).Sub(r)
		}
		return r
	case won:
		return decimal.NewFromInt(1)
	default:
		return decimal.Zero
	}
}
