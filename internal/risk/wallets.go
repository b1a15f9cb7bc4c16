package risk

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"polyharvest/internal/config"
	"polyharvest/internal/store"
	"polyharvest/pkg/types"
)

// Wallets is the per-strategy capital ledger. Every strategy trades out
// of its own allocation; the global paper balance is the sum over all
// wallets. Mutations are write-through to the store so balances survive
// restarts; persistence failures are logged, never propagated — the
// in-memory wallet is authoritative within a run.
type Wallets struct {
	cfg    config.WalletsConfig
	st     *store.Store
	logger *slog.Logger

	mu           sync.Mutex
	byName       map[string]*types.Wallet
	peakRealized map[string]decimal.Decimal // per-wallet realized high-water
}

func NewWallets(cfg config.WalletsConfig, st *store.Store, logger *slog.Logger) *Wallets {
	return &Wallets{
		cfg:          cfg,
		st:           st,
		logger:       logger.With("component", "wallets"),
		byName:       make(map[string]*types.Wallet),
		peakRealized: make(map[string]decimal.Decimal),
	}
}

// Load restores persisted balances. Call once at startup before any
// strategy trades.
func (w *Wallets) Load() error {
	rows, err := w.st.LoadWallets()
	if err != nil {
		return fmt.Errorf("load wallets: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, row := range rows {
		cp := *row
		w.byName[row.Strategy] = &cp
		w.peakRealized[row.Strategy] = row.RealizedPnL
	}
	w.logger.Info("wallets restored", "count", len(rows))
	return nil
}

// Ensure returns the named wallet, creating it with the configured
// allocation on first sight.
func (w *Wallets) Ensure(strategy string) types.Wallet {
	w.mu.Lock()
	defer w.mu.Unlock()
	return *w.ensureLocked(strategy)
}

func (w *Wallets) ensureLocked(strategy string) *types.Wallet {
	if wal, ok := w.byName[strategy]; ok {
		return wal
	}
	alloc := decimal.NewFromFloat(w.cfg.DefaultAllocationUSD)
	if a, ok := w.cfg.Allocations[strategy]; ok {
		alloc = decimal.NewFromFloat(a)
	}
	// The bankroll is finite: a new wallet only gets what the already
	// allocated wallets left behind. A zero allocation is allowed — the
	// gate then rejects the strategy's entries on balance.
	if left := decimal.NewFromFloat(w.cfg.PaperStartingUSD).Sub(w.allocatedLocked()); left.LessThan(alloc) {
		if left.IsNegative() {
			left = decimal.Zero
		}
		w.logger.Warn("allocation clipped to remaining bankroll",
			"strategy", strategy, "requested", alloc.StringFixed(2), "granted", left.StringFixed(2))
		alloc = left
	}
	wal := &types.Wallet{
		Strategy:     strategy,
		AllocatedUSD: alloc,
		AvailableUSD: alloc,
	}
	w.byName[strategy] = wal
	w.persistLocked(wal)
	w.logger.Info("wallet allocated", "strategy", strategy, "allocated_usd", alloc.InexactFloat64())
	return wal
}

// allocatedLocked sums the capital already committed to wallets.
func (w *Wallets) allocatedLocked() decimal.Decimal {
	total := decimal.Zero
	for _, wal := range w.byName {
		total = total.Add(wal.AllocatedUSD)
	}
	return total
}

// Get returns a copy of the named wallet.
func (w *Wallets) Get(strategy string) (types.Wallet, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	wal, ok := w.byName[strategy]
	if !ok {
		return types.Wallet{}, false
	}
	return *wal, true
}

// Debit removes entry cost from the wallet's available capital. Fails
// when the wallet would go negative; the gate should have prevented
// that, so a failure here aborts the fill.
func (w *Wallets) Debit(strategy string, amount decimal.Decimal) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	wal := w.ensureLocked(strategy)
	if wal.AvailableUSD.LessThan(amount) {
		return fmt.Errorf("wallet %s: debit %s exceeds available %s",
			strategy, amount.StringFixed(2), wal.AvailableUSD.StringFixed(2))
	}
	wal.AvailableUSD = wal.AvailableUSD.Sub(amount)
	w.persistLocked(wal)
	return nil
}

// Credit returns exit proceeds to the wallet's available capital.
func (w *Wallets) Credit(strategy string, amount decimal.Decimal) {
	w.mu.Lock()
	defer w.mu.Unlock()
	wal := w.ensureLocked(strategy)
	wal.AvailableUSD = wal.AvailableUSD.Add(amount)
	w.persistLocked(wal)
}

// ApplyRealized books a closed position's P&L: realized total, trade and
// win/loss counters, and the rolling max drawdown measured as the worst
// fall from the realized high-water mark.
func (w *Wallets) ApplyRealized(strategy string, pnl decimal.Decimal, won bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	wal := w.ensureLocked(strategy)

	wal.RealizedPnL = wal.RealizedPnL.Add(pnl)
	wal.TradeCount++
	if won {
		wal.Wins++
	} else {
		wal.Losses++
	}

	peak := w.peakRealized[strategy]
	if wal.RealizedPnL.GreaterThan(peak) {
		peak = wal.RealizedPnL
		w.peakRealized[strategy] = peak
	}
	if dd := peak.Sub(wal.RealizedPnL); dd.GreaterThan(wal.MaxDrawdown) {
		wal.MaxDrawdown = dd
	}
	w.persistLocked(wal)
}

// SetUnrealized refreshes the wallet's mark-to-market P&L, recomputed by
// the trading loop from its open positions each cycle.
func (w *Wallets) SetUnrealized(strategy string, pnl decimal.Decimal) {
	w.mu.Lock()
	defer w.mu.Unlock()
	wal := w.ensureLocked(strategy)
	if wal.UnrealizedPnL.Equal(pnl) {
		return
	}
	wal.UnrealizedPnL = pnl
	w.persistLocked(wal)
}

// TotalAvailable is the global uncommitted cash across all wallets.
func (w *Wallets) TotalAvailable() decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := decimal.Zero
	for _, wal := range w.byName {
		total = total.Add(wal.AvailableUSD)
	}
	return total
}

// Snapshot returns wallet copies sorted by strategy name.
func (w *Wallets) Snapshot() []types.Wallet {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]types.Wallet, 0, len(w.byName))
	for _, wal := range w.byName {
		out = append(out, *wal)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strategy < out[j].Strategy })
	return out
}

func (w *Wallets) persistLocked(wal *types.Wallet) {
	if err := w.st.SaveWallet(wal); err != nil {
		w.logger.Error("wallet persist failed", "strategy", wal.Strategy, "error", err)
	}
}
