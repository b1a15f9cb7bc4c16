package ledger

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polyharvest/internal/config"
	"polyharvest/internal/store"
	"polyharvest/pkg/types"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := config.StoreConfig{
		DSN:                   "sqlite:" + filepath.Join(t.TempDir(), "ledger.db"),
		SnapshotRetentionDays: 30,
		TradeRetentionDays:    14,
		TaskRunRetentionDays:  7,
	}
	s, err := store.Open(cfg, slog.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Audit writes are fire-and-forget: a refused insert is logged and
// swallowed, never returned and never a panic. Re-inserting the same
// ids is the cheapest way to make the store reject the rows.
func TestAuditWritesNeverPropagateErrors(t *testing.T) {
	t.Parallel()
	led := New(openTestStore(t), slog.Default())

	sig := &types.Signal{
		ID:          "sig-1",
		Strategy:    "longshot",
		ConditionID: "0xcond-1",
		Side:        types.BUY,
		Edge:        0.03,
		Confidence:  0.5,
		Timestamp:   time.Now().UTC(),
	}
	led.Signal(sig)
	led.Signal(sig)

	dec := &types.TradeDecision{
		ID:           "dec-1",
		SignalID:     sig.ID,
		Strategy:     sig.Strategy,
		ConditionID:  sig.ConditionID,
		Approved:     false,
		RejectReason: types.RejectDrawdown,
		Timestamp:    time.Now().UTC(),
	}
	led.Decision(dec)
	led.Decision(dec)

	fill := &types.Fill{
		ID:            "fill-1",
		ClientOrderID: "ord-1",
		ConditionID:   sig.ConditionID,
		Side:          types.BUY,
		Price:         decimal.NewFromFloat(0.41),
		Shares:        decimal.NewFromFloat(121.9),
		Cost:          decimal.NewFromFloat(49.98),
		Paper:         true,
		Timestamp:     time.Now().UTC(),
	}
	led.Fill(fill, sig.Strategy, "pos-1")
	led.Fill(fill, sig.Strategy, "pos-1")
}

// A closed store refuses every insert; trading must still not notice.
func TestAuditWritesSurviveClosedStore(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	led := New(st, slog.Default())
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	led.Signal(&types.Signal{ID: "sig-1", Strategy: "longshot", Timestamp: time.Now().UTC()})
	led.Decision(&types.TradeDecision{ID: "dec-1", SignalID: "sig-1", Timestamp: time.Now().UTC()})
	led.Fill(&types.Fill{ID: "fill-1", Timestamp: time.Now().UTC()}, "longshot", "pos-1")
}
