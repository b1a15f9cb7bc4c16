package store

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polyharvest/pkg/types"
)

func TestPositionRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	p := &types.Position{
		ID:            "pos-1",
		Strategy:      "no_bias:politics",
		ConditionID:   "0xcond-1",
		TokenID:       "tok-no",
		TokenSide:     types.TokenNO,
		AvgEntryPrice: decimal.NewFromFloat(0.40),
		SizeShares:    decimal.NewFromInt(100),
		CostBasis:     decimal.NewFromInt(40),
		Status:        types.PositionOpen,
		OpenedAt:      time.Now().UTC().Truncate(time.Second),
		Paper:         true,
	}
	if err := s.SavePosition(p); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}

	got, err := s.GetPosition("pos-1")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if got.Strategy != p.Strategy || got.TokenSide != types.TokenNO {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if !got.AvgEntryPrice.Equal(p.AvgEntryPrice) {
		t.Errorf("AvgEntryPrice = %s, want %s", got.AvgEntryPrice, p.AvgEntryPrice)
	}
	if !got.ClosedAt.IsZero() {
		t.Errorf("ClosedAt = %v, want zero while open", got.ClosedAt)
	}
}

func TestSavePositionUpsertsOnClose(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	p := &types.Position{
		ID:         "pos-1",
		Strategy:   "longshot",
		Status:     types.PositionOpen,
		SizeShares: decimal.NewFromInt(50),
	}
	if err := s.SavePosition(p); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}

	p.Status = types.PositionClosed
	p.RealizedPnL = decimal.NewFromFloat(12.5)
	p.ClosedAt = time.Now().UTC().Truncate(time.Second)
	if err := s.SavePosition(p); err != nil {
		t.Fatalf("SavePosition close: %v", err)
	}

	got, err := s.GetPosition("pos-1")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if got.Status != types.PositionClosed {
		t.Errorf("Status = %s, want closed", got.Status)
	}
	if !got.RealizedPnL.Equal(decimal.NewFromFloat(12.5)) {
		t.Errorf("RealizedPnL = %s, want 12.5", got.RealizedPnL)
	}
	if got.ClosedAt.IsZero() {
		t.Error("ClosedAt still zero after close")
	}

	var n int64
	s.db.Model(&Position{}).Count(&n)
	if n != 1 {
		t.Errorf("position rows = %d, want 1 after upsert", n)
	}
}

func TestOpenPositionsExcludesClosed(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	_ = s.SavePosition(&types.Position{ID: "pos-open", Strategy: "a", ConditionID: "0xm1", Status: types.PositionOpen})
	_ = s.SavePosition(&types.Position{ID: "pos-part", Strategy: "a", ConditionID: "0xm1", Status: types.PositionPartial})
	_ = s.SavePosition(&types.Position{ID: "pos-done", Strategy: "a", ConditionID: "0xm2", Status: types.PositionClosed})

	open, err := s.OpenPositions()
	if err != nil {
		t.Fatalf("OpenPositions: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("open positions = %d, want 2", len(open))
	}

	forMarket, err := s.PositionsForMarket("0xm1")
	if err != nil {
		t.Fatalf("PositionsForMarket: %v", err)
	}
	if len(forMarket) != 2 {
		t.Errorf("positions for 0xm1 = %d, want 2", len(forMarket))
	}
	forClosed, _ := s.PositionsForMarket("0xm2")
	if len(forClosed) != 0 {
		t.Errorf("positions for 0xm2 = %d, want 0 (closed excluded)", len(forClosed))
	}
}

func TestSignalMetadataEncoded(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	sig := &types.Signal{
		ID:          "sig-1",
		Strategy:    "whale_fade",
		ConditionID: "0xcond-1",
		Side:        types.BUY,
		Edge:        0.04,
		Confidence:  0.6,
		Timestamp:   time.Now().UTC(),
		Metadata:    map[string]string{"whale_netflow": "-9500"},
	}
	if err := s.InsertSignal(sig); err != nil {
		t.Fatalf("InsertSignal: %v", err)
	}

	var row Signal
	if err := s.db.First(&row, "id = ?", "sig-1").Error; err != nil {
		t.Fatalf("load signal: %v", err)
	}
	if row.Metadata != `{"whale_netflow":"-9500"}` {
		t.Errorf("Metadata = %s", row.Metadata)
	}
}

func TestDecisionAndFillTrail(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	dec := &types.TradeDecision{
		ID:        "dec-1",
		SignalID:  "sig-1",
		Strategy:  "longshot",
		Approved:  true,
		SizedUSD:  decimal.NewFromInt(50),
		OrderID:   "ord-1",
		FillID:    "fill-1",
		Timestamp: time.Now().UTC(),
	}
	if err := s.InsertDecision(dec); err != nil {
		t.Fatalf("InsertDecision: %v", err)
	}

	fill := &types.Fill{
		ID:            "fill-1",
		ClientOrderID: "ord-1",
		ConditionID:   "0xcond-1",
		Side:          types.BUY,
		Price:         decimal.NewFromFloat(0.41),
		Shares:        decimal.NewFromFloat(121.9),
		Cost:          decimal.NewFromFloat(49.98),
		Paper:         true,
		Timestamp:     time.Now().UTC(),
	}
	if err := s.InsertFill(fill, "longshot", "pos-1"); err != nil {
		t.Fatalf("InsertFill: %v", err)
	}

	var row ExecutorTrade
	if err := s.db.First(&row, "id = ?", "fill-1").Error; err != nil {
		t.Fatalf("load fill: %v", err)
	}
	if row.Strategy != "longshot" || row.PositionID != "pos-1" {
		t.Errorf("fill linkage = %s/%s", row.Strategy, row.PositionID)
	}
	if !row.Price.Equal(decimal.NewFromFloat(0.41)) {
		t.Errorf("Price = %s, want 0.41", row.Price)
	}
}

func TestWalletUpsertAndLoad(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	w := &types.Wallet{
		Strategy:     "mean_reversion",
		AllocatedUSD: decimal.NewFromInt(1000),
		AvailableUSD: decimal.NewFromInt(1000),
	}
	if err := s.SaveWallet(w); err != nil {
		t.Fatalf("SaveWallet: %v", err)
	}

	w.AvailableUSD = decimal.NewFromInt(950)
	w.TradeCount = 1
	if err := s.SaveWallet(w); err != nil {
		t.Fatalf("SaveWallet update: %v", err)
	}

	wallets, err := s.LoadWallets()
	if err != nil {
		t.Fatalf("LoadWallets: %v", err)
	}
	if len(wallets) != 1 {
		t.Fatalf("wallets = %d, want 1", len(wallets))
	}
	got := wallets[0]
	if !got.AvailableUSD.Equal(decimal.NewFromInt(950)) || got.TradeCount != 1 {
		t.Errorf("wallet = %+v, want updated row", got)
	}
}

func TestPaperBalanceCurve(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	err := s.InsertPaperBalance(&PaperBalance{
		SnapshotAt:    time.Now().UTC(),
		BalanceUSD:    decimal.NewFromInt(10000),
		EquityUSD:     decimal.NewFromInt(10060),
		RealizedPnL:   decimal.NewFromInt(60),
		OpenPositions: 3,
	})
	if err != nil {
		t.Fatalf("InsertPaperBalance: %v", err)
	}

	var n int64
	s.db.Model(&PaperBalance{}).Count(&n)
	if n != 1 {
		t.Errorf("paper_balances rows = %d, want 1", n)
	}
}
