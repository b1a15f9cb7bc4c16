// Package engine is the application container. It owns every subsystem
// and supervises their loops:
//
//  1. Collector polls the venue on tiered cadences and persists snapshots.
//  2. Stream mirrors top-of-book and trade flow for the hottest markets.
//  3. Scanner joins registry rows with snapshots into per-cycle views.
//  4. Strategies emit signals over the views; the gate sizes and approves.
//  5. Executor turns approved entries and requested exits into fills.
//  6. Reaper settles whatever is still open in resolved markets.
//
// Lifecycle: New() → Run(ctx) → [runs until ctx is canceled] → Close().
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"polyharvest/internal/buffer"
	"polyharvest/internal/collector"
	"polyharvest/internal/config"
	"polyharvest/internal/executor"
	"polyharvest/internal/ledger"
	"polyharvest/internal/notify"
	"polyharvest/internal/reaper"
	"polyharvest/internal/registry"
	"polyharvest/internal/risk"
	"polyharvest/internal/scanner"
	"polyharvest/internal/store"
	"polyharvest/internal/strategy"
	"polyharvest/internal/stream"
	"polyharvest/internal/venue"
	"polyharvest/pkg/types"
)

// Engine wires the collection pipeline to the trading loop. The
// trading-side fields stay nil when trading is disabled and the process
// runs as a pure harvester.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	st   *store.Store
	reg  *registry.Registry
	strm *stream.Manager
	coll *collector.Collector
	scan *scanner.Scanner

	strategies *config.StrategiesFile
	riskFile   *config.RiskFile
	wallets    *risk.Wallets
	gate       *risk.Gate
	book       *executor.PositionBook
	led        *ledger.Ledger
	exec       *executor.Manager
	reap       *reaper.Reaper
	alerter    *notify.Alerter

	cron *cron.Cron

	// mode is read from the risk document once at startup. Flipping
	// paper/live mid-run is ignored until restart so a file edit can
	// never promote a half-configured process to live.
	mode string

	ddHalted bool // drawdown alert edge; trading goroutine only
}

// New builds and wires every component. Live mode derives L2 API
// credentials on the spot when the config carries none; paper mode never
// touches the wallet or the order endpoints.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	st, err := store.Open(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	disc := venue.NewDiscoveryClient(cfg, logger)
	books := venue.NewBookClient(cfg, logger)
	buf := buffer.New(cfg.Buffer.Capacity, cfg.Buffer.TTL)
	reg := registry.New(st, disc, cfg.Discovery, logger)
	strm := stream.New(cfg.Stream, cfg.Whale, cfg.API.WSMarketURL, reg, buf, st, logger)
	// A market leaving collection must also leave the subscription set.
	reg.SetDeactivateHook(strm.UnsubscribeMarket)

	asm := collector.NewAssembler(disc, books, buf, strm.IsSubscribed, logger)
	coll := collector.New(cfg.Collector, reg, st, asm, logger)

	var cache *stream.BookCache
	if cfg.Stream.Enabled {
		cache = strm.Cache()
	}

	alerter, err := notify.New(cfg.Notify, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		logger:  logger.With("component", "engine"),
		st:      st,
		reg:     reg,
		strm:    strm,
		coll:    coll,
		scan:    scanner.New(reg, st, cache, logger),
		alerter: alerter,
		mode:    "collect",
	}

	if cfg.Trading.Enabled {
		if err := e.wireTrading(cfg, disc, logger); err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	c := cron.New()
	if _, err := c.AddFunc(cfg.Store.PruneSchedule, e.pruneStore); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("prune schedule: %w", err)
	}
	if cfg.Trading.Enabled {
		if _, err := c.AddFunc(cfg.Store.BalanceSchedule, e.snapshotBalances); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("balance schedule: %w", err)
		}
	}
	e.cron = c

	return e, nil
}

// wireTrading builds the trading side: the watched strategy and risk
// documents, wallets, position book, gate, ledger, the mode-appropriate
// backend and the reaper.
func (e *Engine) wireTrading(cfg config.Config, disc *venue.DiscoveryClient, logger *slog.Logger) error {
	strategies, err := config.LoadStrategies(cfg.Trading.StrategiesFile, logger)
	if err != nil {
		return err
	}
	riskFile, err := config.LoadRisk(cfg.Trading.RiskFile, logger)
	if err != nil {
		return err
	}
	doc := riskFile.Current()

	wallets := risk.NewWallets(doc.Wallets, e.st, logger)
	if err := wallets.Load(); err != nil {
		return fmt.Errorf("load wallets: %w", err)
	}
	book := executor.NewPositionBook(e.st, logger)
	if err := book.Load(); err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	gate := risk.NewGate(wallets, book, logger)
	led := ledger.New(e.st, logger)
	execCfg := func() config.ExecConfig { return riskFile.Current().Execution }

	var backend executor.Backend
	if doc.Live() {
		auth, err := venue.NewAuth(cfg)
		if err != nil {
			return fmt.Errorf("live auth: %w", err)
		}
		orders := venue.NewOrderClient(cfg, auth, logger)
		if !auth.HasL2Credentials() {
			logger.Info("no L2 credentials, deriving API key via L1")
			creds, err := orders.DeriveAPIKey(context.Background())
			if err != nil {
				return fmt.Errorf("derive api key: %w", err)
			}
			auth.SetCredentials(*creds)
		}
		backend = executor.NewLiveBackend(orders, execCfg, logger)
	} else {
		backend = executor.NewPaperBackend(execCfg, logger)
	}

	// A nil *Alerter must not become a non-nil Notifier.
	var notifier executor.Notifier
	if e.alerter != nil {
		notifier = e.alerter
	}

	e.strategies = strategies
	e.riskFile = riskFile
	e.wallets = wallets
	e.gate = gate
	e.book = book
	e.led = led
	e.exec = executor.NewManager(backend, book, wallets, gate, led, execCfg, notifier, logger)
	e.reap = reaper.New(e.reg, disc, e.exec, e.st, cfg.Trading.ReaperInterval, logger)
	e.mode = doc.Mode
	return nil
}

// Run restores state, starts every loop and blocks until the context is
// canceled or a loop fails. Clean cancellation returns nil.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.reg.Load(ctx); err != nil {
		return fmt.Errorf("restore registry: %w", err)
	}

	e.logger.Info("engine starting",
		"mode", e.mode,
		"markets", e.reg.ActiveCount(),
		"streaming", e.cfg.Stream.Enabled,
		"trading", e.cfg.Trading.Enabled)
	if e.alerter != nil {
		e.alerter.Startup(e.mode, e.reg.ActiveCount())
	}

	e.cron.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.coll.Run(gctx) })
	g.Go(func() error { return e.strm.Run(gctx) })
	if e.alerter != nil {
		g.Go(func() error { return e.alerter.Run(gctx) })
	}
	if e.cfg.Trading.Enabled {
		g.Go(func() error { return e.reap.Run(gctx) })
		g.Go(func() error { return e.tradingLoop(gctx) })
	}
	err := g.Wait()

	stopped := e.cron.Stop()
	<-stopped.Done()
	e.shutdown()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close releases the store. Call after Run has returned.
func (e *Engine) Close() error { return e.st.Close() }

// shutdown runs the safety nets that must not be skipped: cancel any
// resting live orders and record a final equity point.
func (e *Engine) shutdown() {
	if e.exec != nil && e.mode == "live" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.exec.CancelAll(ctx); err != nil {
			e.logger.Error("cancel-all on shutdown failed", "error", err)
		}
	}
	if e.cfg.Trading.Enabled {
		e.snapshotBalances()
	}
	e.logger.Info("engine stopped")
}

// ————————————————————————————————————————————————————————————————————————
// Trading loop
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) tradingLoop(ctx context.Context) error {
	e.logger.Info("trading loop started",
		"mode", e.mode, "interval", e.cfg.Trading.ScanInterval)
	ticker := time.NewTicker(e.cfg.Trading.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.tradeOnce(ctx)
		}
	}
}

// tradeOnce runs one full trading cycle. Exits are evaluated before
// entries so freed capital is visible to the gate within the same cycle,
// and the whole cycle runs on this one goroutine: per-strategy
// serialization holds by construction.
func (e *Engine) tradeOnce(ctx context.Context) {
	started := time.Now()

	doc := e.riskFile.Current()
	if doc.Mode != e.mode {
		e.logger.Warn("mode change in risk file ignored until restart",
			"running", e.mode, "configured", doc.Mode)
	}

	// Instances are rebuilt from the watched document every cycle;
	// strategies are pure over the views, so this is cheap and picks up
	// edits without any further plumbing.
	instances, err := strategy.Build(e.strategies.Current(), e.logger)
	if err != nil {
		e.logger.Error("strategy build failed, cycle skipped", "error", err)
		return
	}
	if len(instances) == 0 {
		return
	}

	views, err := e.scan.Scan(ctx, strategy.MaxHistory(instances))
	if err != nil {
		e.logger.Error("scan failed, cycle skipped", "error", err)
		return
	}

	byID := make(map[string]*types.MarketData, len(views))
	for _, v := range views {
		byID[v.ConditionID] = v
		e.book.Mark(v.ConditionID, v.Price)
	}
	// Refresh every wallet's unrealized figure, zeroing strategies whose
	// last position closed since the previous cycle.
	unrealized := e.book.UnrealizedByStrategy()
	for _, w := range e.wallets.Snapshot() {
		e.wallets.SetUnrealized(w.Strategy, unrealized[w.Strategy])
	}

	e.checkDrawdown(doc.Risk)

	exits := e.exitPass(ctx, instances, byID)
	signals, opened, rejected := e.entryPass(ctx, instances, views, byID, doc)

	if signals > 0 || exits > 0 {
		e.logger.Info("trade cycle complete",
			"views", len(views), "strategies", len(instances),
			"signals", signals, "opened", opened, "rejected", rejected,
			"exits", exits, "ms", time.Since(started).Milliseconds())
	} else {
		e.logger.Debug("trade cycle quiet",
			"views", len(views), "strategies", len(instances),
			"ms", time.Since(started).Milliseconds())
	}
	for _, in := range instances {
		if ds, ok := in.Strategy.(strategy.DebugStatser); ok {
			e.logger.Debug("strategy stats", "strategy", in.Name(), "stats", ds.DebugStats())
		}
	}
}

// checkDrawdown mirrors the gate's halt condition so the operator is
// paged exactly once per breach. The gate does the actual enforcing on
// every evaluation; this is only the alert edge.
func (e *Engine) checkDrawdown(limits config.RiskLimits) {
	s := e.gate.Stats()
	halted := s.HighWater.IsPositive() &&
		s.DrawdownPct.GreaterThan(decimal.NewFromFloat(limits.MaxDrawdownPct))
	switch {
	case halted && !e.ddHalted:
		e.logger.Error("drawdown halt, entries suspended until equity recovers",
			"equity", s.Equity.StringFixed(2),
			"high_water", s.HighWater.StringFixed(2),
			"drawdown", s.DrawdownPct.StringFixed(4))
		if e.alerter != nil {
			e.alerter.DrawdownHalt(s)
		}
	case !halted && e.ddHalted:
		e.logger.Info("drawdown recovered, entries resume",
			"equity", s.Equity.StringFixed(2),
			"high_water", s.HighWater.StringFixed(2))
	}
	e.ddHalted = halted
}

// exitPass asks each position's own strategy whether to get out. A
// position whose market dropped out of the view set is left alone:
// either the market ended, in which case the reaper owns it, or
// collection lapsed, and selling into a book we cannot see is worse
// than holding.
func (e *Engine) exitPass(ctx context.Context, instances []strategy.Instance, byID map[string]*types.MarketData) int {
	byName := make(map[string]strategy.Instance, len(instances))
	for _, in := range instances {
		byName[in.Name()] = in
	}

	closed := 0
	for _, pos := range e.book.Open() {
		in, ok := byName[pos.Strategy]
		if !ok {
			e.logger.Debug("open position has no live strategy, holding to resolution",
				"position", pos.ID, "strategy", pos.Strategy)
			continue
		}
		md, ok := byID[pos.ConditionID]
		if !ok {
			continue
		}
		sig := in.ShouldExit(ctx, &pos, md)
		if sig == nil {
			continue
		}
		e.led.Signal(sig)
		if _, _, err := e.exec.CloseFromSignal(ctx, sig, pos, md); err != nil {
			if !errors.Is(err, executor.ErrUnfilled) {
				e.logger.Error("exit failed",
					"strategy", pos.Strategy, "position", pos.ID, "error", err)
			}
			continue
		}
		closed++
	}
	return closed
}

// entryPass runs every strategy over its filtered views and walks each
// signal through sizing, the gate and the executor. Signals for markets
// outside the view set are recorded and dropped.
func (e *Engine) entryPass(ctx context.Context, instances []strategy.Instance, views []*types.MarketData, byID map[string]*types.MarketData, doc *config.RiskDoc) (signals, opened, rejected int) {
	for _, in := range instances {
		eligible := make([]*types.MarketData, 0, len(views))
		for _, v := range views {
			if in.Filter(v) {
				eligible = append(eligible, v)
			}
		}
		if len(eligible) == 0 {
			continue
		}
		for _, sig := range in.Scan(ctx, eligible) {
			signals++
			e.led.Signal(sig)
			md, ok := byID[sig.ConditionID]
			if !ok {
				continue
			}
			wallet := e.wallets.Ensure(sig.Strategy)
			size := risk.Size(sig, md, wallet, in.SizePct, doc.Sizing, doc.Risk.MaxPositionUSD)
			d := e.gate.Evaluate(sig, size, doc.Risk)
			if !d.Approved {
				rejected++
				e.led.Decision(d)
				continue
			}
			if _, err := e.exec.OpenFromDecision(ctx, sig, d, md, in.OrderType); err != nil {
				if !errors.Is(err, executor.ErrUnfilled) {
					e.logger.Error("entry failed",
						"strategy", sig.Strategy, "market", sig.ConditionID, "error", err)
				}
				continue
			}
			opened++
		}
	}
	return signals, opened, rejected
}

// ————————————————————————————————————————————————————————————————————————
// Scheduled maintenance
// ————————————————————————————————————————————————————————————————————————

// snapshotBalances writes one point on the equity curve: cash across
// wallets, marked equity and the running P&L split.
func (e *Engine) snapshotBalances() {
	realized := decimal.Zero
	for _, w := range e.wallets.Snapshot() {
		realized = realized.Add(w.RealizedPnL)
	}
	unrealized := decimal.Zero
	for _, pnl := range e.book.UnrealizedByStrategy() {
		unrealized = unrealized.Add(pnl)
	}
	b := &store.PaperBalance{
		SnapshotAt:    time.Now().UTC(),
		BalanceUSD:    e.wallets.TotalAvailable(),
		EquityUSD:     e.gate.Equity(),
		RealizedPnL:   realized,
		UnrealizedPnL: unrealized,
		OpenPositions: e.book.OpenCount(),
	}
	if err := e.st.InsertPaperBalance(b); err != nil {
		e.logger.Error("balance snapshot failed", "error", err)
		return
	}
	e.logger.Debug("balance snapshot",
		"balance", b.BalanceUSD.StringFixed(2), "equity", b.EquityUSD.StringFixed(2))
}

// pruneStore applies the configured retention windows.
func (e *Engine) pruneStore() {
	if err := e.st.Prune(time.Now().UTC()); err != nil {
		e.logger.Error("store prune failed", "error", err)
	}
}
