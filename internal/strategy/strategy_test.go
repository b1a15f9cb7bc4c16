package strategy

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"polyharvest/internal/config"
	"polyharvest/pkg/types"
)

func fptr(v float64) *float64 { return &v }
func iptr(v int) *int         { return &v }
func bptr(v bool) *bool       { return &v }

// testView builds a liquid mid-priced view that passes the common gates;
// tests tighten individual fields from there.
func testView(id string, price, hoursToClose float64) *types.MarketData {
	return &types.MarketData{
		ConditionID:  id,
		YesTokenID:   "yes-" + id,
		NoTokenID:    "no-" + id,
		Category:     "politics",
		Price:        price,
		Liquidity:    fptr(5000),
		HoursToClose: hoursToClose,
		EndDate:      time.Now().Add(time.Duration(hoursToClose * float64(time.Hour))),
		TrackedSince: time.Now().Add(-2 * time.Hour),
	}
}

func mustBuild(t *testing.T, typeTag, name string, params map[string]any) Strategy {
	t.Helper()
	factory, ok := factories[typeTag]
	if !ok {
		t.Fatalf("no factory registered for %q", typeTag)
	}
	s, err := factory(config.StrategyInstance{Name: name, Params: params}, config.StrategyDefaults{}, slog.Default())
	if err != nil {
		t.Fatalf("building %s: %v", typeTag, err)
	}
	return s
}

func TestBuildConstructsEnabledInstancesSorted(t *testing.T) {
	t.Parallel()

	doc := &config.StrategiesDoc{
		Defaults: config.StrategyDefaults{Enabled: true, SizePct: 0.10, OrderType: "limit"},
		Strategies: map[string][]config.StrategyInstance{
			"longshot": {
				{Name: "ls_main", OrderType: "market"},
				{Name: "ls_off", Enabled: bptr(false)},
			},
			"no_bias": {
				{Name: "crypto_no", SizePct: 0.25},
			},
		},
	}

	instances, err := Build(doc, slog.Default())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(instances) != 2 {
		t.Fatalf("got %d instances, want 2 (disabled skipped)", len(instances))
	}
	if instances[0].Name() != "crypto_no" || instances[1].Name() != "ls_main" {
		t.Fatalf("order = [%s, %s], want sorted by name", instances[0].Name(), instances[1].Name())
	}

	if got := instances[0].SizePct; got != 0.25 {
		t.Errorf("crypto_no SizePct = %v, want instance override 0.25", got)
	}
	if got := instances[0].OrderType; got != types.OrderLimit {
		t.Errorf("crypto_no OrderType = %v, want default limit", got)
	}
	if got := instances[1].SizePct; got != 0.10 {
		t.Errorf("ls_main SizePct = %v, want default 0.10", got)
	}
	if got := instances[1].OrderType; got != types.OrderMarket {
		t.Errorf("ls_main OrderType = %v, want market", got)
	}
}

func TestBuildRejectsUnknownType(t *testing.T) {
	t.Parallel()

	doc := &config.StrategiesDoc{
		Defaults: config.StrategyDefaults{Enabled: true},
		Strategies: map[string][]config.StrategyInstance{
			"no_bais": {{Name: "typo"}},
		},
	}
	if _, err := Build(doc, slog.Default()); err == nil {
		t.Fatal("Build accepted an unknown strategy type")
	}
}

func TestBuildPropagatesFactoryErrors(t *testing.T) {
	t.Parallel()

	doc := &config.StrategiesDoc{
		Defaults: config.StrategyDefaults{Enabled: true},
		Strategies: map[string][]config.StrategyInstance{
			"no_bias": {{Name: "bad_rate", Params: map[string]any{"base_rate": 1.5}}},
		},
	}
	_, err := Build(doc, slog.Default())
	if err == nil {
		t.Fatal("Build accepted base_rate outside (0, 1)")
	}
	if !strings.Contains(err.Error(), "bad_rate") {
		t.Errorf("error %q does not name the failing instance", err)
	}
}

func TestBuildSkipsDisabledByDefault(t *testing.T) {
	t.Parallel()

	doc := &config.StrategiesDoc{
		Defaults: config.StrategyDefaults{Enabled: false},
		Strategies: map[string][]config.StrategyInstance{
			"longshot": {
				{Name: "implicit_off"},
				{Name: "explicit_on", Enabled: bptr(true)},
			},
		},
	}
	instances, err := Build(doc, slog.Default())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(instances) != 1 || instances[0].Name() != "explicit_on" {
		t.Fatalf("got %d instances, want only explicit_on", len(instances))
	}
}

func TestMaxHistoryTakesLargestWindow(t *testing.T) {
	t.Parallel()

	mr := mustBuild(t, "mean_reversion", "mr", map[string]any{"window": 24})
	ls := mustBuild(t, "longshot", "ls", nil)

	got := MaxHistory([]Instance{{Strategy: ls}, {Strategy: mr}})
	if got != 25 {
		t.Errorf("MaxHistory = %d, want 25 (window + current bar)", got)
	}
	if got := MaxHistory([]Instance{{Strategy: ls}}); got != 0 {
		t.Errorf("MaxHistory without history users = %d, want 0", got)
	}
}

func TestRegisterRejectsDuplicateTag(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("Register accepted a duplicate type tag")
		}
	}()
	Register("no_bias", newNoBias)
}
