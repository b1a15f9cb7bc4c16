// Package ledger is the append-only decision trail: every signal, every
// gate verdict, and every fill lands in the store exactly once. Writes
// are best-effort — a failed insert is logged and swallowed, because a
// broken audit row must never stop trading or block risk reduction.
package ledger

import (
	"log/slog"

	"polyharvest/internal/store"
	"polyharvest/pkg/types"
)

type Ledger struct {
	st     *store.Store
	logger *slog.Logger
}

func New(st *store.Store, logger *slog.Logger) *Ledger {
	return &Ledger{st: st, logger: logger.With("component", "ledger")}
}

func (l *Ledger) Signal(sig *types.Signal) {
	if err := l.st.InsertSignal(sig); err != nil {
		l.logger.Error("signal insert failed", "signal", sig.ID, "strategy", sig.Strategy, "error", err)
	}
}

func (l *Ledger) Decision(d *types.TradeDecision) {
	if err := l.st.InsertDecision(d); err != nil {
		l.logger.Error("decision insert failed", "decision", d.ID, "signal", d.SignalID, "error", err)
	}
}

func (l *Ledger) Fill(f *types.Fill, strategy, positionID string) {
	if err := l.st.InsertFill(f, strategy, positionID); err != nil {
		l.logger.Error("fill insert failed", "fill", f.ID, "strategy", strategy, "error", err)
	}
}
