// Package strategy implements the pluggable signal producers. Every
// strategy is pure over the scanner's views: it owns no mutable state
// across scans and never reads the database. Implementations register
// themselves by type tag; instances are built from the strategies
// document and paired with their execution preferences.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"polyharvest/internal/config"
	"polyharvest/pkg/types"
)

// Strategy is the capability set the trading loop drives.
type Strategy interface {
	// Name is the instance's stable identifier; it keys the wallet,
	// positions and the decision trail.
	Name() string
	// Version fingerprints the implementation; bump on logic changes so
	// decisions can be attributed to the code that made them.
	Version() string
	// Filter is the fast pre-screen applied per view.
	Filter(md *types.MarketData) bool
	// Scan emits entry signals over the filtered views.
	Scan(ctx context.Context, views []*types.MarketData) []*types.Signal
	// ShouldExit returns a close signal for an open position, or nil.
	ShouldExit(ctx context.Context, pos *types.Position, md *types.MarketData) *types.Signal
}

// HistoryUser is implemented by strategies that need price history on
// their views. The scanner enriches once per cycle with the largest
// requested window.
type HistoryUser interface {
	NeedsHistory() int
}

// DebugStatser optionally exposes internals for the status log.
type DebugStatser interface {
	DebugStats() map[string]any
}

// Factory builds one configured instance.
type Factory func(si config.StrategyInstance, d config.StrategyDefaults, logger *slog.Logger) (Strategy, error)

var factories = map[string]Factory{}

// Register binds a type tag to its factory. New strategy types are added
// by registration, not by switch statements.
func Register(typeTag string, f Factory) {
	if _, dup := factories[typeTag]; dup {
		panic(fmt.Sprintf("strategy: duplicate registration for %q", typeTag))
	}
	factories[typeTag] = f
}

// Instance pairs a built strategy with its execution preferences from
// the document (resolved against defaults).
type Instance struct {
	Strategy
	SizePct   float64
	OrderType types.ExecOrderType
}

// Build constructs every enabled instance in the document. Unknown type
// tags are an error: a typo in strategies.yaml must not silently disable
// a strategy.
func Build(doc *config.StrategiesDoc, logger *slog.Logger) ([]Instance, error) {
	var out []Instance
	for typeTag, list := range doc.Strategies {
		factory, ok := factories[typeTag]
		if !ok {
			return nil, fmt.Errorf("strategy: unknown type %q", typeTag)
		}
		for _, si := range list {
			if !si.IsEnabled(doc.Defaults) {
				logger.Debug("strategy disabled", "type", typeTag, "name", si.Name)
				continue
			}
			s, err := factory(si, doc.Defaults, logger)
			if err != nil {
				return nil, fmt.Errorf("strategy %s (%s): %w", si.Name, typeTag, err)
			}
			out = append(out, Instance{
				Strategy:  s,
				SizePct:   resolveSizePct(si, doc.Defaults),
				OrderType: resolveOrderType(si, doc.Defaults),
			})
		}
	}
	// Map iteration order is random; keep the scan order stable.
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

// MaxHistory returns the largest history window any instance needs, 0
// when none do.
func MaxHistory(instances []Instance) int {
	max := 0
	for _, in := range instances {
		if hu, ok := in.Strategy.(HistoryUser); ok && hu.NeedsHistory() > max {
			max = hu.NeedsHistory()
		}
	}
	return max
}

func resolveSizePct(si config.StrategyInstance, d config.StrategyDefaults) float64 {
	if si.SizePct > 0 {
		return si.SizePct
	}
	return d.SizePct
}

func resolveOrderType(si config.StrategyInstance, d config.StrategyDefaults) types.ExecOrderType {
	ot := si.OrderType
	if ot == "" {
		ot = d.OrderType
	}
	switch ot {
	case "market":
		return types.OrderMarket
	case "spread":
		return types.OrderSpread
	default:
		return types.OrderLimit
	}
}
