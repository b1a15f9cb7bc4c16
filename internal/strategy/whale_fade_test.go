package strategy

import (
	"context"
	"testing"

	"polyharvest/pkg/types"
)

// whaleView attaches trailing-hour whale metrics the way the assembler
// publishes them for a streamed market.
func whaleView(netFlow float64, whales int, ageS float64) *types.MarketData {
	md := testView("0xcond", 0.50, 48)
	md.Snapshot = &types.Snapshot{
		ConditionID:     "0xcond",
		WhaleCount1h:    iptr(whales),
		WhaleNetFlow1h:  fptr(netFlow),
		TimeSinceWhaleS: fptr(ageS),
	}
	return md
}

func whaleFadeStrategy(t *testing.T) Strategy {
	t.Helper()
	return mustBuild(t, "whale_fade", "wf", map[string]any{
		"min_whales":  1,
		"max_age_s":   900.0,
		"min_netflow": 1000.0,
	})
}

func TestWhaleFadeFadesBuyPressure(t *testing.T) {
	t.Parallel()

	s := whaleFadeStrategy(t)
	sigs := s.Scan(context.Background(), []*types.MarketData{whaleView(5000, 3, 120)})
	if len(sigs) != 1 {
		t.Fatalf("got %d signals, want 1", len(sigs))
	}
	sig := sigs[0]
	if sig.Side != types.BUY || sig.TokenSide != types.TokenNO {
		t.Errorf("signal = %s %s, want BUY NO against whale accumulation", sig.Side, sig.TokenSide)
	}
	if sig.Metadata["net_flow"] != "5000" || sig.Metadata["whales"] != "3" {
		t.Errorf("metadata = %v, want net_flow/whales recorded", sig.Metadata)
	}
}

func TestWhaleFadeFadesSellPressure(t *testing.T) {
	t.Parallel()

	s := whaleFadeStrategy(t)
	sigs := s.Scan(context.Background(), []*types.MarketData{whaleView(-5000, 2, 300)})
	if len(sigs) != 1 {
		t.Fatalf("got %d signals, want 1", len(sigs))
	}
	if got := sigs[0].TokenSide; got != types.TokenYES {
		t.Errorf("TokenSide = %v, want YES against whale distribution", got)
	}
}

func TestWhaleFadeEdgeIsCapped(t *testing.T) {
	t.Parallel()

	s := whaleFadeStrategy(t)
	sigs := s.Scan(context.Background(), []*types.MarketData{whaleView(50000, 5, 60)})
	if len(sigs) != 1 {
		t.Fatalf("got %d signals, want 1", len(sigs))
	}
	if got := sigs[0].Edge; got != 0.10 {
		t.Errorf("Edge = %v, want capped at 0.10", got)
	}
}

func TestWhaleFadeGates(t *testing.T) {
	t.Parallel()

	s := whaleFadeStrategy(t)

	cases := []struct {
		name string
		md   *types.MarketData
	}{
		{"whale too old", whaleView(5000, 3, 2000)},
		{"net flow too small", whaleView(400, 3, 120)},
		{"no whales in window", whaleView(5000, 0, 120)},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if sigs := s.Scan(context.Background(), []*types.MarketData{tc.md}); len(sigs) != 0 {
				t.Fatalf("got %d signals, want 0", len(sigs))
			}
		})
	}
}

func TestWhaleFadeNeedsWhaleMetrics(t *testing.T) {
	t.Parallel()

	s := whaleFadeStrategy(t)

	noSnap := testView("0xcond", 0.50, 48)
	partial := testView("0xcond", 0.50, 48)
	partial.Snapshot = &types.Snapshot{ConditionID: "0xcond", WhaleCount1h: iptr(3)}

	for _, md := range []*types.MarketData{noSnap, partial} {
		if sigs := s.Scan(context.Background(), []*types.MarketData{md}); len(sigs) != 0 {
			t.Fatalf("got %d signals without whale metrics, want 0", len(sigs))
		}
	}
}
