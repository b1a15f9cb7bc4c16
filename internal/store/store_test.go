package store

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"polyharvest/internal/config"
	"polyharvest/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.StoreConfig{
		DSN:                   "sqlite:" + filepath.Join(t.TempDir(), "test.db"),
		SnapshotRetentionDays: 30,
		TradeRetentionDays:    14,
		TaskRunRetentionDays:  7,
	}
	s, err := Open(cfg, slog.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func fptr(v float64) *float64 { return &v }

func TestOpenRejectsUnknownDSN(t *testing.T) {
	t.Parallel()

	_, err := Open(config.StoreConfig{DSN: "mysql://nope"}, slog.Default())
	if err == nil {
		t.Fatal("Open accepted an unsupported DSN prefix")
	}
}

func TestMarketRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	end := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	m := &types.Market{
		ConditionID:  "0xcond-1",
		Slug:         "will-x-happen",
		Question:     "Will X happen?",
		YesTokenID:   "tok-yes",
		NoTokenID:    "tok-no",
		EndDate:      end,
		Category:     "politics",
		FirstPrice:   fptr(0.42),
		Active:       true,
		Tier:         types.Tier1,
		TrackedSince: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.SaveMarket(m); err != nil {
		t.Fatalf("SaveMarket: %v", err)
	}

	got, err := s.GetMarket("0xcond-1")
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if got.Slug != m.Slug || got.YesTokenID != "tok-yes" || got.Tier != types.Tier1 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.FirstPrice == nil || *got.FirstPrice != 0.42 {
		t.Errorf("FirstPrice = %v, want 0.42", got.FirstPrice)
	}
	if got.FirstVolume != nil {
		t.Errorf("FirstVolume = %v, want nil", got.FirstVolume)
	}
	if !got.EndDate.Equal(end) {
		t.Errorf("EndDate = %v, want %v", got.EndDate, end)
	}
}

func TestGetMarketMissing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	if _, err := s.GetMarket("0xnope"); err != ErrNotFound {
		t.Errorf("GetMarket err = %v, want ErrNotFound", err)
	}
}

func TestSaveMarketOverwrites(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	m := &types.Market{ConditionID: "0xcond-1", Tier: types.Tier0, Active: true}
	if err := s.SaveMarket(m); err != nil {
		t.Fatalf("SaveMarket: %v", err)
	}
	m.Tier = types.Tier3
	m.SnapshotCount = 7
	if err := s.SaveMarket(m); err != nil {
		t.Fatalf("SaveMarket update: %v", err)
	}

	got, err := s.GetMarket("0xcond-1")
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if got.Tier != types.Tier3 || got.SnapshotCount != 7 {
		t.Errorf("tier/count = %v/%v, want 3/7 (latest save)", got.Tier, got.SnapshotCount)
	}

	var n int64
	s.db.Model(&Market{}).Count(&n)
	if n != 1 {
		t.Errorf("market rows = %d, want 1 after re-save", n)
	}
}

func TestLoadActiveMarketsFiltersInactive(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	_ = s.SaveMarket(&types.Market{ConditionID: "0xlive", Active: true})
	_ = s.SaveMarket(&types.Market{ConditionID: "0xdead", Active: false})

	got, err := s.LoadActiveMarkets()
	if err != nil {
		t.Fatalf("LoadActiveMarkets: %v", err)
	}
	if len(got) != 1 || got[0].ConditionID != "0xlive" {
		t.Errorf("LoadActiveMarkets = %+v, want only 0xlive", got)
	}
}

func TestSnapshotNullsSurvive(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	lvl := 4
	snap := &types.Snapshot{
		ConditionID: "0xcond-1",
		Timestamp:   time.Now().UTC(),
		Tier:        types.Tier2,
		Price:       0.61,
		BestBid:     fptr(0.60),
		BestAsk:     fptr(0.62),
		BidLevels:   &lvl,
		// Flow section deliberately absent: market not subscribed.
	}
	if err := s.InsertSnapshot(snap); err != nil {
		t.Fatalf("InsertSnapshot: %v", err)
	}

	latest, err := s.LatestSnapshots([]string{"0xcond-1"})
	if err != nil {
		t.Fatalf("LatestSnapshots: %v", err)
	}
	got := latest["0xcond-1"]
	if got == nil {
		t.Fatal("no snapshot returned")
	}
	if got.Price != 0.61 {
		t.Errorf("Price = %v, want 0.61", got.Price)
	}
	if got.BestBid == nil || *got.BestBid != 0.60 {
		t.Errorf("BestBid = %v, want 0.60", got.BestBid)
	}
	if got.BidLevels == nil || *got.BidLevels != 4 {
		t.Errorf("BidLevels = %v, want 4", got.BidLevels)
	}
	if got.TradeCount1h != nil || got.Volume1h != nil || got.WhaleCount1h != nil {
		t.Error("unsubscribed flow fields came back non-nil")
	}
}

func TestLatestSnapshotsPicksNewest(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	now := time.Now().UTC()
	for i, p := range []float64{0.30, 0.35, 0.40} {
		snap := &types.Snapshot{
			ConditionID: "0xcond-1",
			Timestamp:   now.Add(time.Duration(i) * time.Minute),
			Price:       p,
		}
		if err := s.InsertSnapshot(snap); err != nil {
			t.Fatalf("InsertSnapshot: %v", err)
		}
	}
	_ = s.InsertSnapshot(&types.Snapshot{ConditionID: "0xother", Timestamp: now, Price: 0.9})

	latest, err := s.LatestSnapshots([]string{"0xcond-1", "0xother", "0xmissing"})
	if err != nil {
		t.Fatalf("LatestSnapshots: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(latest))
	}
	if latest["0xcond-1"].Price != 0.40 {
		t.Errorf("latest price = %v, want 0.40", latest["0xcond-1"].Price)
	}
	if _, ok := latest["0xmissing"]; ok {
		t.Error("absent market appeared in result")
	}
}

func TestPriceHistoryOldestFirst(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	now := time.Now().UTC()
	for i, p := range []float64{0.10, 0.20, 0.30, 0.40} {
		_ = s.InsertSnapshot(&types.Snapshot{
			ConditionID: "0xcond-1",
			Timestamp:   now.Add(time.Duration(i) * time.Minute),
			Price:       p,
		})
	}

	hist, err := s.PriceHistory("0xcond-1", 3)
	if err != nil {
		t.Fatalf("PriceHistory: %v", err)
	}
	want := []float64{0.20, 0.30, 0.40}
	if len(hist) != len(want) {
		t.Fatalf("history len = %d, want %d", len(hist), len(want))
	}
	for i := range want {
		if hist[i] != want[i] {
			t.Errorf("hist[%d] = %v, want %v", i, hist[i], want[i])
		}
	}
}

func TestInsertTradesBatch(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	now := time.Now().UTC()
	trades := []types.Trade{
		{ConditionID: "0xcond-1", TokenID: "tok-yes", Timestamp: now, Price: 0.5, Size: 100, Side: types.BUY},
		{ConditionID: "0xcond-1", TokenID: "tok-yes", Timestamp: now, Price: 0.51, Size: 2500, Side: types.SELL, WhaleTier: 2, Mid: fptr(0.505)},
	}
	if err := s.InsertTrades(trades); err != nil {
		t.Fatalf("InsertTrades: %v", err)
	}
	if err := s.InsertTrades(nil); err != nil {
		t.Fatalf("InsertTrades(nil): %v", err)
	}

	var rows []Trade
	s.db.Order("id ASC").Find(&rows)
	if len(rows) != 2 {
		t.Fatalf("trade rows = %d, want 2", len(rows))
	}
	if rows[1].WhaleTier != 2 || rows[1].Mid == nil {
		t.Errorf("whale trade row = %+v", rows[1])
	}
}

func TestBookSnapshotSummaries(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	book := &types.OrderBook{
		TokenID:   "tok-yes",
		Bids:      []types.Level{{Price: 0.50, Size: 100}, {Price: 0.49, Size: 50}},
		Asks:      []types.Level{{Price: 0.53, Size: 80}},
		FetchedAt: time.Now().UTC(),
	}
	if err := s.InsertBookSnapshot("0xcond-1", book); err != nil {
		t.Fatalf("InsertBookSnapshot: %v", err)
	}

	var row OrderbookSnapshot
	if err := s.db.First(&row).Error; err != nil {
		t.Fatalf("load row: %v", err)
	}
	if row.BestBid == nil || *row.BestBid != 0.50 {
		t.Errorf("BestBid = %v, want 0.50", row.BestBid)
	}
	if row.Mid == nil || *row.Mid != 0.515 {
		t.Errorf("Mid = %v, want 0.515", row.Mid)
	}
	if row.BidLevels != 2 || row.AskLevels != 1 {
		t.Errorf("levels = %d/%d, want 2/1", row.BidLevels, row.AskLevels)
	}
	if row.Bids == "" || row.Bids == "[]" {
		t.Error("bid ladder not encoded")
	}
}

func TestTransitionsOrdered(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	now := time.Now().UTC()
	_ = s.InsertTransition(&types.TierTransition{ConditionID: "0xcond-1", FromTier: 1, ToTier: 2, At: now, Reason: types.ReasonPromotion})
	_ = s.InsertTransition(&types.TierTransition{ConditionID: "0xcond-1", FromTier: 2, ToTier: types.DeactivatedTier, At: now.Add(time.Hour), Reason: types.ReasonResolved})

	got, err := s.Transitions("0xcond-1")
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("transitions = %d, want 2", len(got))
	}
	if got[0].Reason != types.ReasonPromotion || got[1].ToTier != types.DeactivatedTier {
		t.Errorf("transition order wrong: %+v", got)
	}
}

func TestPruneRespectsRetention(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	now := time.Now().UTC()
	old := now.AddDate(0, 0, -60)

	_ = s.InsertSnapshot(&types.Snapshot{ConditionID: "0xcond-1", Timestamp: old, Price: 0.5})
	_ = s.InsertSnapshot(&types.Snapshot{ConditionID: "0xcond-1", Timestamp: now, Price: 0.6})
	_ = s.InsertTrades([]types.Trade{
		{ConditionID: "0xcond-1", Timestamp: old, Price: 0.5, Size: 1, Side: types.BUY},
		{ConditionID: "0xcond-1", Timestamp: now, Price: 0.6, Size: 1, Side: types.BUY},
	})
	_ = s.RecordTaskRun(&TaskRun{Task: "tier2", StartedAt: old})
	_ = s.RecordTaskRun(&TaskRun{Task: "tier2", StartedAt: now})

	if err := s.Prune(now); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	var snaps, trades, runs int64
	s.db.Model(&Snapshot{}).Count(&snaps)
	s.db.Model(&Trade{}).Count(&trades)
	s.db.Model(&TaskRun{}).Count(&runs)
	if snaps != 1 {
		t.Errorf("snapshot rows = %d, want 1 surviving", snaps)
	}
	if trades != 1 {
		t.Errorf("trade rows = %d, want 1 surviving", trades)
	}
	if runs != 1 {
		t.Errorf("task_run rows = %d, want 1 surviving", runs)
	}
}
