// Package collector runs the tiered collection pipeline: five snapshot
// loops (one per tier, each at its own cadence), a tier reclassification
// loop, a discovery loop and a stale-market sweeper. Every loop records a
// task run row so cadence gaps are auditable. A tier whose previous tick
// is still running skips the new tick instead of queueing.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"polyharvest/internal/config"
	"polyharvest/internal/registry"
	"polyharvest/internal/store"
	"polyharvest/pkg/types"
)

// sweepAfter is how long a market may go without observed trades before
// the sweeper deactivates it, by tier. Hot tiers expect near-continuous
// prints; cold tiers get days.
var sweepAfter = map[types.Tier]time.Duration{
	types.Tier4: time.Hour,
	types.Tier3: 6 * time.Hour,
	types.Tier2: 24 * time.Hour,
	types.Tier1: 72 * time.Hour,
	types.Tier0: 168 * time.Hour,
}

// Collector owns the harvest loops. Construct with New, then Run blocks
// until the context ends.
type Collector struct {
	cfg    config.CollectorConfig
	reg    *registry.Registry
	st     *store.Store
	asm    *Assembler
	logger *slog.Logger

	// busy flags implement the skip-if-running overrun policy, one per tier.
	busy [5]atomic.Bool
}

// New wires the collector. The assembler carries its own data sources.
func New(cfg config.CollectorConfig, reg *registry.Registry, st *store.Store, asm *Assembler, logger *slog.Logger) *Collector {
	return &Collector{
		cfg:    cfg,
		reg:    reg,
		st:     st,
		asm:    asm,
		logger: logger.With("component", "collector"),
	}
}

// Run starts every loop and blocks until ctx is cancelled. An initial
// discovery pass runs synchronously first so the tier loops have markets
// to work on.
func (c *Collector) Run(ctx context.Context) error {
	if _, err := c.reg.DiscoverOnce(ctx); err != nil {
		c.logger.Error("initial discovery failed", "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	intervals := map[types.Tier]time.Duration{
		types.Tier0: c.cfg.T0Interval,
		types.Tier1: c.cfg.T1Interval,
		types.Tier2: c.cfg.T2Interval,
		types.Tier3: c.cfg.T3Interval,
		types.Tier4: c.cfg.T4Interval,
	}
	for tier, interval := range intervals {
		tier, interval := tier, interval
		g.Go(func() error {
			c.tierLoop(ctx, tier, interval)
			return nil
		})
	}
	g.Go(func() error {
		c.every(ctx, c.cfg.ReclassifyInterval, "reclassify", c.reclassifyOnce)
		return nil
	})
	g.Go(func() error {
		c.every(ctx, c.cfg.DiscoveryInterval, "discovery", c.discoveryOnce)
		return nil
	})
	g.Go(func() error {
		c.every(ctx, c.cfg.SweepInterval, "sweep", c.sweepOnce)
		return nil
	})

	return g.Wait()
}

// tierLoop ticks one tier at its interval, running the first pass
// immediately. Overlapping ticks are skipped, not queued.
func (c *Collector) tierLoop(ctx context.Context, tier types.Tier, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		c.tickTier(ctx, tier)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tickTier runs one tier pass unless the previous one is still in flight,
// in which case the tick is skipped and logged. Reports whether it ran.
func (c *Collector) tickTier(ctx context.Context, tier types.Tier) bool {
	if !c.busy[tier].CompareAndSwap(false, true) {
		c.logger.Warn("tier tick skipped, previous run still in flight", "tier", int(tier))
		return false
	}
	defer c.busy[tier].Store(false)
	c.snapshotTier(ctx, tier)
	return true
}

// snapshotTier assembles and persists a snapshot for every collectable
// market of the tier, with bounded fan-out.
func (c *Collector) snapshotTier(ctx context.Context, tier types.Tier) {
	started := time.Now().UTC()
	markets := c.reg.ActiveByTier(tier)
	if len(markets) == 0 {
		return
	}

	var snapshots, failures atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for i := range markets {
		m := markets[i]
		g.Go(func() error {
			if err := c.collectOne(gctx, &m, started); err != nil {
				failures.Add(1)
				c.logger.Warn("snapshot dropped",
					"condition_id", m.ConditionID, "tier", int(tier), "error", err)
				return nil
			}
			snapshots.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	finished := time.Now().UTC()
	run := &store.TaskRun{
		Task:        fmt.Sprintf("tier%d", int(tier)),
		StartedAt:   started,
		FinishedAt:  finished,
		DurationMS:  finished.Sub(started).Milliseconds(),
		MarketsSeen: len(markets),
		Snapshots:   int(snapshots.Load()),
		Errors:      int(failures.Load()),
	}
	if err := c.st.RecordTaskRun(run); err != nil {
		c.logger.Error("task run insert failed", "task", run.Task, "error", err)
	}
	c.logger.Debug("tier pass complete",
		"tier", int(tier), "markets", len(markets),
		"snapshots", run.Snapshots, "errors", run.Errors, "ms", run.DurationMS)
}

// collectOne assembles and persists a single market's snapshot plus its
// order book when the tier fetched one.
func (c *Collector) collectOne(ctx context.Context, m *types.Market, now time.Time) error {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.SnapshotTimeout)
	defer cancel()

	snap, book, err := c.asm.Assemble(cctx, m, now)
	if err != nil {
		return err
	}
	if err := c.st.InsertSnapshot(snap); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	if book != nil {
		if err := c.st.InsertBookSnapshot(m.ConditionID, book); err != nil {
			c.logger.Error("book snapshot insert failed",
				"condition_id", m.ConditionID, "error", err)
		}
	}
	c.reg.NoteSnapshot(m.ConditionID, now)
	return nil
}

// every runs fn immediately and then on the interval, recording one task
// run per execution.
func (c *Collector) every(ctx context.Context, interval time.Duration, task string, fn func(context.Context) (int, int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		started := time.Now().UTC()
		seen, errs := fn(ctx)
		finished := time.Now().UTC()
		run := &store.TaskRun{
			Task:        task,
			StartedAt:   started,
			FinishedAt:  finished,
			DurationMS:  finished.Sub(started).Milliseconds(),
			MarketsSeen: seen,
			Errors:      errs,
		}
		if err := c.st.RecordTaskRun(run); err != nil {
			c.logger.Error("task run insert failed", "task", task, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Collector) reclassifyOnce(_ context.Context) (int, int) {
	transitions := c.reg.RecomputeTiers(time.Now().UTC())
	return len(transitions), 0
}

func (c *Collector) discoveryOnce(ctx context.Context) (int, int) {
	added, err := c.reg.DiscoverOnce(ctx)
	if err != nil {
		c.logger.Error("discovery failed", "error", err)
		return 0, 1
	}
	return added, 0
}

// sweepOnce deactivates markets with no observed trades inside their
// tier's threshold. A market that has never printed since tracking began
// is measured from its tracking start.
func (c *Collector) sweepOnce(_ context.Context) (int, int) {
	now := time.Now().UTC()
	swept := 0
	for _, m := range c.reg.ActiveMarkets() {
		threshold, ok := sweepAfter[m.Tier]
		if !ok {
			continue
		}
		ref := m.LastTradeAt
		if m.TrackedSince.After(ref) {
			ref = m.TrackedSince
		}
		if now.Sub(ref) > threshold {
			c.reg.Deactivate(m.ConditionID, types.ReasonNoTrades, now)
			swept++
		}
	}
	if swept > 0 {
		c.logger.Info("stale sweep complete", "deactivated", swept)
	}
	return swept, 0
}
