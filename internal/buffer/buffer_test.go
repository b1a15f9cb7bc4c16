package buffer

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"polyharvest/pkg/types"
)

const testMarket = "0xcond-1"

func mkTrade(ts time.Time, side types.Side, size float64, whaleTier int) types.Trade {
	return types.Trade{
		ConditionID: testMarket,
		TokenID:     "tok-yes",
		Timestamp:   ts,
		Price:       0.5,
		Size:        size,
		Side:        side,
		WhaleTier:   whaleTier,
	}
}

func TestPushEvictsOldestAtCapacity(t *testing.T) {
	t.Parallel()

	b := New(3, time.Hour)
	now := time.Now()
	for i := 0; i < 5; i++ {
		tr := mkTrade(now.Add(time.Duration(i)*time.Second), types.BUY, float64(i+1), 0)
		b.Push(tr)
	}

	if got := b.Len(testMarket); got != 3 {
		t.Fatalf("Len = %d, want 3", got)
	}
	recent := b.Recent(testMarket, time.Hour, now.Add(10*time.Second))
	if len(recent) != 3 {
		t.Fatalf("Recent returned %d trades, want 3", len(recent))
	}
	// Oldest two (sizes 1, 2) were evicted; survivors stay oldest-first.
	for i, want := range []float64{3, 4, 5} {
		if recent[i].Size != want {
			t.Errorf("recent[%d].Size = %v, want %v", i, recent[i].Size, want)
		}
	}
}

func TestPushEvictsExpired(t *testing.T) {
	t.Parallel()

	b := New(100, time.Hour)
	now := time.Now()
	b.Push(mkTrade(now.Add(-2*time.Hour), types.BUY, 10, 0))
	b.Push(mkTrade(now.Add(-90*time.Minute), types.SELL, 20, 0))
	b.Push(mkTrade(now, types.BUY, 30, 0))

	if got := b.Len(testMarket); got != 1 {
		t.Fatalf("Len = %d, want 1 (expired entries evicted on push)", got)
	}
	recent := b.Recent(testMarket, 2*time.Hour, now)
	if len(recent) != 1 || recent[0].Size != 30 {
		t.Fatalf("Recent = %+v, want only the fresh trade", recent)
	}
}

func TestRecentWindowBounds(t *testing.T) {
	t.Parallel()

	b := New(100, 4*time.Hour)
	now := time.Now()
	stamps := []time.Duration{-3 * time.Hour, -61 * time.Minute, -time.Hour, -30 * time.Minute, -time.Second}
	for i, d := range stamps {
		b.Push(mkTrade(now.Add(d), types.BUY, float64(i+1), 0))
	}

	recent := b.Recent(testMarket, time.Hour, now)
	if len(recent) != 3 {
		t.Fatalf("Recent(1h) returned %d trades, want 3", len(recent))
	}
	// Exactly one hour old sits on the window boundary and is included.
	if recent[0].Size != 3 {
		t.Errorf("boundary trade excluded: first size = %v, want 3", recent[0].Size)
	}
	for i := 1; i < len(recent); i++ {
		if recent[i].Timestamp.Before(recent[i-1].Timestamp) {
			t.Errorf("Recent out of order at %d", i)
		}
	}
}

func TestFlowAggregates(t *testing.T) {
	t.Parallel()

	b := New(100, 2*time.Hour)
	now := time.Now()
	b.Push(types.Trade{ConditionID: testMarket, Timestamp: now.Add(-30 * time.Minute), Price: 0.40, Size: 2500, Side: types.BUY, WhaleTier: 2})
	b.Push(types.Trade{ConditionID: testMarket, Timestamp: now.Add(-10 * time.Minute), Price: 0.42, Size: 400, Side: types.SELL, WhaleTier: 0})
	b.Push(types.Trade{ConditionID: testMarket, Timestamp: now.Add(-5 * time.Minute), Price: 0.38, Size: 12000, Side: types.SELL, WhaleTier: 3})

	m, ok := b.Flow(testMarket, time.Hour, now)
	if !ok {
		t.Fatal("Flow ok = false for buffered market")
	}
	if m.TradeCount != 3 || m.BuyCount != 1 || m.SellCount != 2 {
		t.Errorf("counts = %d/%d/%d, want 3/1/2", m.TradeCount, m.BuyCount, m.SellCount)
	}
	if m.Volume != 14900 {
		t.Errorf("Volume = %v, want 14900", m.Volume)
	}
	if m.BuyVolume != 2500 || m.SellVolume != 12400 {
		t.Errorf("buy/sell volume = %v/%v, want 2500/12400", m.BuyVolume, m.SellVolume)
	}
	if m.MaxSize != 12000 {
		t.Errorf("MaxSize = %v, want 12000", m.MaxSize)
	}
	wantAvg := 14900.0 / 3
	if math.Abs(m.AvgSize-wantAvg) > 1e-9 {
		t.Errorf("AvgSize = %v, want %v", m.AvgSize, wantAvg)
	}
	wantVWAP := (0.40*2500 + 0.42*400 + 0.38*12000) / 14900
	if math.Abs(m.VWAP-wantVWAP) > 1e-9 {
		t.Errorf("VWAP = %v, want %v", m.VWAP, wantVWAP)
	}
}

func TestWhaleAggregates(t *testing.T) {
	t.Parallel()

	b := New(100, 2*time.Hour)
	now := time.Now()
	// Sizes 2500 and 12000 clear the whale floor; 400 does not.
	b.Push(types.Trade{ConditionID: testMarket, Timestamp: now.Add(-30 * time.Minute), Price: 0.40, Size: 2500, Side: types.BUY, WhaleTier: 2})
	b.Push(types.Trade{ConditionID: testMarket, Timestamp: now.Add(-10 * time.Minute), Price: 0.42, Size: 400, Side: types.SELL, WhaleTier: 0})
	b.Push(types.Trade{ConditionID: testMarket, Timestamp: now.Add(-5 * time.Minute), Price: 0.38, Size: 12000, Side: types.SELL, WhaleTier: 3})

	m, ok := b.Whale(testMarket, time.Hour, now)
	if !ok {
		t.Fatal("Whale ok = false for buffered market")
	}
	if m.Count != 2 {
		t.Errorf("Count = %d, want 2", m.Count)
	}
	if m.Volume != 14500 {
		t.Errorf("Volume = %v, want 14500", m.Volume)
	}
	if m.NetFlow != -9500 {
		t.Errorf("NetFlow = %v, want -9500", m.NetFlow)
	}
	if want := 2500.0 / 14500; math.Abs(m.BuyRatio-want) > 1e-9 {
		t.Errorf("BuyRatio = %v, want %v", m.BuyRatio, want)
	}
	if want := 14500.0 / 14900; math.Abs(m.PctOfVolume-want) > 1e-9 {
		t.Errorf("PctOfVolume = %v, want %v", m.PctOfVolume, want)
	}
	if math.Abs(m.TimeSinceWhaleS-300) > 0.5 {
		t.Errorf("TimeSinceWhaleS = %v, want ~300", m.TimeSinceWhaleS)
	}
}

func TestWhaleTimeSinceOutlivesWindow(t *testing.T) {
	t.Parallel()

	b := New(100, 2*time.Hour)
	now := time.Now()
	b.Push(types.Trade{ConditionID: testMarket, Timestamp: now.Add(-90 * time.Minute), Size: 3000, Side: types.BUY, WhaleTier: 2})

	m, ok := b.Whale(testMarket, time.Hour, now)
	if !ok {
		t.Fatal("Whale ok = false")
	}
	if m.Count != 0 || m.Volume != 0 {
		t.Errorf("window aggregates = %d/%v, want 0/0", m.Count, m.Volume)
	}
	// The whale sits outside the window but inside the ring, so the
	// recency clock still sees it.
	if math.Abs(m.TimeSinceWhaleS-5400) > 0.5 {
		t.Errorf("TimeSinceWhaleS = %v, want ~5400", m.TimeSinceWhaleS)
	}
}

func TestWhaleTimeSinceNegativeWhenNone(t *testing.T) {
	t.Parallel()

	b := New(100, time.Hour)
	now := time.Now()
	b.Push(types.Trade{ConditionID: testMarket, Timestamp: now, Size: 50, Side: types.BUY, WhaleTier: 0})

	m, ok := b.Whale(testMarket, time.Hour, now)
	if !ok {
		t.Fatal("Whale ok = false")
	}
	if m.TimeSinceWhaleS >= 0 {
		t.Errorf("TimeSinceWhaleS = %v, want negative sentinel", m.TimeSinceWhaleS)
	}
}

func TestFlowUnknownMarket(t *testing.T) {
	t.Parallel()

	b := New(10, time.Hour)
	if _, ok := b.Flow("0xnope", time.Hour, time.Now()); ok {
		t.Error("Flow ok = true for market with no ring")
	}
	if _, ok := b.Whale("0xnope", time.Hour, time.Now()); ok {
		t.Error("Whale ok = true for market with no ring")
	}
}

func TestFlowQuietMarketIsZeroNotMissing(t *testing.T) {
	t.Parallel()

	b := New(10, 2*time.Hour)
	now := time.Now()
	b.Push(mkTrade(now.Add(-90*time.Minute), types.BUY, 100, 0))

	m, ok := b.Flow(testMarket, time.Hour, now)
	if !ok {
		t.Fatal("Flow ok = false for covered market outside window")
	}
	if m.TradeCount != 0 || m.Volume != 0 {
		t.Errorf("quiet window = %d trades / %v volume, want zeros", m.TradeCount, m.Volume)
	}
}

func TestLastTradeAt(t *testing.T) {
	t.Parallel()

	b := New(10, time.Hour)
	if _, ok := b.LastTradeAt(testMarket); ok {
		t.Error("LastTradeAt ok = true before any push")
	}
	now := time.Now()
	b.Push(mkTrade(now.Add(-time.Minute), types.BUY, 1, 0))
	b.Push(mkTrade(now, types.SELL, 2, 0))

	got, ok := b.LastTradeAt(testMarket)
	if !ok || !got.Equal(now) {
		t.Errorf("LastTradeAt = %v/%v, want %v/true", got, ok, now)
	}
}

func TestDropFreesRing(t *testing.T) {
	t.Parallel()

	b := New(10, time.Hour)
	b.Push(mkTrade(time.Now(), types.BUY, 1, 0))
	if len(b.Markets()) != 1 {
		t.Fatal("expected one live ring")
	}
	b.Drop(testMarket)
	if len(b.Markets()) != 0 {
		t.Error("Drop left the ring behind")
	}
	if _, ok := b.Flow(testMarket, time.Hour, time.Now()); ok {
		t.Error("Flow ok = true after Drop")
	}
}

func TestConcurrentPushAndRead(t *testing.T) {
	t.Parallel()

	b := New(500, time.Hour)
	now := time.Now()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := fmt.Sprintf("0xcond-%d", w%2)
			for i := 0; i < 200; i++ {
				b.Push(types.Trade{ConditionID: id, Timestamp: now, Size: 1, Side: types.BUY})
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			id := fmt.Sprintf("0xcond-%d", r%2)
			for i := 0; i < 50; i++ {
				b.Recent(id, time.Hour, now)
				b.Flow(id, time.Hour, now)
			}
		}(r)
	}
	wg.Wait()

	total := b.Len("0xcond-0") + b.Len("0xcond-1")
	if total != 800 {
		t.Fatalf("total buffered = %d, want 800", total)
	}
}
