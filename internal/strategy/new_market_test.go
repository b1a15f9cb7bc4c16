package strategy

import (
	"context"
	"testing"
	"time"

	"polyharvest/pkg/types"
)

func newMarketStrategy(t *testing.T) Strategy {
	t.Helper()
	return mustBuild(t, "new_market", "nm", map[string]any{
		"max_age_hours": 24.0,
		"min_hours":     168.0,
		"prior":         0.62,
		"min_edge":      0.05,
	})
}

func TestNewMarketBuysNoOnFreshListing(t *testing.T) {
	t.Parallel()

	s := newMarketStrategy(t)
	md := testView("0xcond", 0.50, 500) // NO at 0.50 vs prior 0.62
	md.TrackedSince = time.Now().Add(-2 * time.Hour)

	sigs := s.Scan(context.Background(), []*types.MarketData{md})
	if len(sigs) != 1 {
		t.Fatalf("got %d signals, want 1", len(sigs))
	}
	sig := sigs[0]
	if sig.Side != types.BUY || sig.TokenSide != types.TokenNO {
		t.Errorf("signal = %s %s, want BUY NO", sig.Side, sig.TokenSide)
	}
	if sig.Confidence != 0.62 {
		t.Errorf("Confidence = %v, want the prior", sig.Confidence)
	}
	if _, ok := sig.Metadata["age_hours"]; !ok {
		t.Error("metadata missing age_hours")
	}
}

func TestNewMarketIgnoresOldListings(t *testing.T) {
	t.Parallel()

	s := newMarketStrategy(t)
	md := testView("0xcond", 0.50, 500)
	md.TrackedSince = time.Now().Add(-48 * time.Hour)
	if sigs := s.Scan(context.Background(), []*types.MarketData{md}); len(sigs) != 0 {
		t.Fatalf("got %d signals on a 48h-old listing, want 0", len(sigs))
	}
}

func TestNewMarketRequiresRunway(t *testing.T) {
	t.Parallel()

	s := newMarketStrategy(t)
	md := testView("0xcond", 0.50, 100) // closes too soon for the drift
	md.TrackedSince = time.Now().Add(-2 * time.Hour)
	if sigs := s.Scan(context.Background(), []*types.MarketData{md}); len(sigs) != 0 {
		t.Fatalf("got %d signals with 100h runway, want 0", len(sigs))
	}
}

func TestNewMarketEdgeGate(t *testing.T) {
	t.Parallel()

	s := newMarketStrategy(t)
	md := testView("0xcond", 0.40, 500) // NO at 0.60 leaves only 0.02 edge
	md.TrackedSince = time.Now().Add(-2 * time.Hour)
	if sigs := s.Scan(context.Background(), []*types.MarketData{md}); len(sigs) != 0 {
		t.Fatalf("got %d signals below min_edge, want 0", len(sigs))
	}
}

func TestNewMarketSkipsUnknownTrackedSince(t *testing.T) {
	t.Parallel()

	s := newMarketStrategy(t)
	md := testView("0xcond", 0.50, 500)
	md.TrackedSince = time.Time{}
	if sigs := s.Scan(context.Background(), []*types.MarketData{md}); len(sigs) != 0 {
		t.Fatalf("got %d signals without a discovery time, want 0", len(sigs))
	}
}
