package collector

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"polyharvest/internal/buffer"
	"polyharvest/internal/config"
	"polyharvest/internal/registry"
	"polyharvest/internal/store"
	"polyharvest/internal/venue"
	"polyharvest/pkg/types"
)

type stubDisc struct {
	descs []venue.MarketDescriptor
}

func (s *stubDisc) ListActiveMarkets(_ context.Context) ([]venue.MarketDescriptor, error) {
	return s.descs, nil
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(config.StoreConfig{
		DSN: "sqlite:" + filepath.Join(t.TempDir(), "collector.db"),
	}, slog.Default())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func discoverable(id string, endIn time.Duration) venue.MarketDescriptor {
	return venue.MarketDescriptor{
		ConditionID:     id,
		Slug:            "slug-" + id,
		YesTokenID:      "yes-" + id,
		NoTokenID:       "no-" + id,
		EndDate:         time.Now().Add(endIn),
		EnableOrderBook: true,
		Active:          true,
		Volume24h:       fptr(9000),
		YesPrice:        fptr(0.55),
		BestBid:         fptr(0.54),
		BestAsk:         fptr(0.56),
	}
}

func newTestCollector(t *testing.T, st *store.Store, reg *registry.Registry, books BookFetcher) *Collector {
	t.Helper()
	asm := NewAssembler(&fakeMarkets{desc: testDescriptor()}, books, buffer.New(100, time.Hour), nil, slog.Default())
	cfg := config.CollectorConfig{
		SnapshotTimeout: 5 * time.Second,
		Concurrency:     4,
	}
	return New(cfg, reg, st, asm, slog.Default())
}

func TestSnapshotTierPersistsSnapshotBookAndTaskRun(t *testing.T) {
	t.Parallel()

	st := testStore(t)
	disc := &stubDisc{descs: []venue.MarketDescriptor{discoverable("0xcond-1", 10 * time.Hour)}} // tier 2
	reg := registry.New(st, disc, config.DiscoveryConfig{VolumeThreshold: 1000, LookaheadHours: 24 * 14}, slog.Default())
	if _, err := reg.DiscoverOnce(context.Background()); err != nil {
		t.Fatalf("DiscoverOnce: %v", err)
	}

	books := &fakeBooks{book: &types.OrderBook{
		TokenID:   "yes-0xcond-1",
		Bids:      []types.Level{{Price: 0.54, Size: 100}},
		Asks:      []types.Level{{Price: 0.56, Size: 80}},
		FetchedAt: time.Now(),
	}}
	c := newTestCollector(t, st, reg, books)

	c.snapshotTier(context.Background(), types.Tier2)

	count, err := st.SnapshotCount("0xcond-1")
	if err != nil {
		t.Fatalf("SnapshotCount: %v", err)
	}
	if count != 1 {
		t.Errorf("snapshot rows = %d, want 1", count)
	}

	m, ok := reg.Get("0xcond-1")
	if !ok {
		t.Fatal("market missing from registry")
	}
	if m.SnapshotCount != 1 {
		t.Errorf("market SnapshotCount = %d, want 1", m.SnapshotCount)
	}

	run, err := st.LastTaskRun("tier2")
	if err != nil {
		t.Fatalf("LastTaskRun: %v", err)
	}
	if run.MarketsSeen != 1 || run.Snapshots != 1 || run.Errors != 0 {
		t.Errorf("task run = seen %d snapshots %d errors %d, want 1/1/0",
			run.MarketsSeen, run.Snapshots, run.Errors)
	}
}

func TestSnapshotTierCountsDroppedSnapshots(t *testing.T) {
	t.Parallel()

	st := testStore(t)
	disc := &stubDisc{descs: []venue.MarketDescriptor{discoverable("0xcond-1", 30 * time.Hour)}} // tier 1
	reg := registry.New(st, disc, config.DiscoveryConfig{VolumeThreshold: 1000, LookaheadHours: 24 * 14}, slog.Default())
	if _, err := reg.DiscoverOnce(context.Background()); err != nil {
		t.Fatalf("DiscoverOnce: %v", err)
	}

	asm := NewAssembler(
		&fakeMarkets{desc: &venue.MarketDescriptor{ConditionID: "0xcond-1"}}, // no price source
		&fakeBooks{}, buffer.New(10, time.Hour), nil, slog.Default())
	c := New(config.CollectorConfig{SnapshotTimeout: 5 * time.Second, Concurrency: 2}, reg, st, asm, slog.Default())

	c.snapshotTier(context.Background(), types.Tier1)

	count, _ := st.SnapshotCount("0xcond-1")
	if count != 0 {
		t.Errorf("snapshot rows = %d, want 0 for priceless market", count)
	}
	run, err := st.LastTaskRun("tier1")
	if err != nil {
		t.Fatalf("LastTaskRun: %v", err)
	}
	if run.Snapshots != 0 || run.Errors != 1 {
		t.Errorf("task run snapshots/errors = %d/%d, want 0/1", run.Snapshots, run.Errors)
	}
}

func TestTickTierSkipsWhileBusy(t *testing.T) {
	t.Parallel()

	st := testStore(t)
	reg := registry.New(st, &stubDisc{}, config.DiscoveryConfig{}, slog.Default())
	c := newTestCollector(t, st, reg, &fakeBooks{})

	c.busy[types.Tier3].Store(true)
	if c.tickTier(context.Background(), types.Tier3) {
		t.Error("tick ran while previous pass still in flight")
	}

	c.busy[types.Tier3].Store(false)
	if !c.tickTier(context.Background(), types.Tier3) {
		t.Error("tick skipped with no pass in flight")
	}
	if c.busy[types.Tier3].Load() {
		t.Error("busy flag not released after pass")
	}
}

func TestSweepOnceDeactivatesByTierThreshold(t *testing.T) {
	t.Parallel()

	st := testStore(t)
	now := time.Now().UTC()
	seed := []types.Market{
		// Tier 4 allows one hour of silence.
		{ConditionID: "0xstale4", Active: true, Tier: types.Tier4,
			TrackedSince: now.Add(-3 * time.Hour), LastTradeAt: now.Add(-90 * time.Minute)},
		{ConditionID: "0xfresh4", Active: true, Tier: types.Tier4,
			TrackedSince: now.Add(-3 * time.Hour), LastTradeAt: now.Add(-10 * time.Minute)},
		// Never printed, but tracking just began: measured from TrackedSince.
		{ConditionID: "0xgrace2", Active: true, Tier: types.Tier2,
			TrackedSince: now.Add(-time.Hour)},
		// Tier 0 allows a week.
		{ConditionID: "0xstale0", Active: true, Tier: types.Tier0,
			TrackedSince: now.Add(-300 * time.Hour), LastTradeAt: now.Add(-169 * time.Hour)},
	}
	for i := range seed {
		seed[i].EndDate = now.Add(500 * time.Hour)
		if err := st.SaveMarket(&seed[i]); err != nil {
			t.Fatalf("SaveMarket: %v", err)
		}
	}

	reg := registry.New(st, &stubDisc{}, config.DiscoveryConfig{}, slog.Default())
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	c := newTestCollector(t, st, reg, &fakeBooks{})

	swept, errs := c.sweepOnce(context.Background())
	if swept != 2 || errs != 0 {
		t.Fatalf("sweepOnce = %d swept %d errs, want 2/0", swept, errs)
	}

	for id, wantActive := range map[string]bool{
		"0xstale4": false,
		"0xfresh4": true,
		"0xgrace2": true,
		"0xstale0": false,
	} {
		m, ok := reg.Get(id)
		if !ok {
			t.Fatalf("market %s missing", id)
		}
		if m.Active != wantActive {
			t.Errorf("%s active = %v, want %v", id, m.Active, wantActive)
		}
	}

	trs, err := st.Transitions("0xstale4")
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}
	var found bool
	for _, tr := range trs {
		if tr.ToTier == types.DeactivatedTier && tr.Reason == types.ReasonNoTrades {
			found = true
		}
	}
	if !found {
		t.Error("no no_trades deactivation transition recorded")
	}
}

func TestReclassifyOnceCountsTransitions(t *testing.T) {
	t.Parallel()

	st := testStore(t)
	now := time.Now().UTC()
	m := types.Market{
		ConditionID: "0xshift", Active: true, Tier: types.Tier1,
		EndDate:      now.Add(10 * time.Hour), // belongs in tier 2 now
		TrackedSince: now.Add(-time.Hour),
		LastTradeAt:  now,
	}
	if err := st.SaveMarket(&m); err != nil {
		t.Fatalf("SaveMarket: %v", err)
	}
	reg := registry.New(st, &stubDisc{}, config.DiscoveryConfig{}, slog.Default())
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	c := newTestCollector(t, st, reg, &fakeBooks{})

	seen, errs := c.reclassifyOnce(context.Background())
	if seen != 1 || errs != 0 {
		t.Errorf("reclassifyOnce = %d/%d, want 1/0", seen, errs)
	}
	got, _ := reg.Get("0xshift")
	if got.Tier != types.Tier2 {
		t.Errorf("tier = %d, want 2", got.Tier)
	}
}
