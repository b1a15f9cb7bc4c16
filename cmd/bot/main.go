// polyharvest — tiered snapshot collection and strategy trading for
// Polymarket binary prediction markets.
//
// Architecture:
//
//	main.go              — entry point: loads config, builds the engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — application container: wires every subsystem, drives the trading loop
//	registry/            — source of truth for tracked markets, their tiers and lifecycle
//	collector/           — tiered snapshot pipeline: discovery, per-tier cadence, snapshot assembly
//	stream/              — WebSocket pool mirroring top-of-book and trade flow for the hottest markets
//	buffer/              — bounded per-market trade windows behind the flow and whale metrics
//	scanner/ strategy/   — per-cycle market views and the pluggable signal producers scanned over them
//	risk/ executor/      — per-strategy wallets, the approval gate, paper and live order execution
//	reaper/              — settles open positions once their markets resolve
//	venue/               — Polymarket REST/WS adapters: throttling, retries, L1 (EIP-712) and L2 auth
//	ledger/              — append-only trail of every signal, decision and fill
//	store/               — SQLite/Postgres persistence via GORM
//
// The process always collects. Trading is opt-in and starts in the mode
// the risk document names: paper fills simulate against collected books,
// live fills sign and post real orders. Strategy and risk documents are
// watched and hot-reload; the paper/live switch needs a restart.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"polyharvest/internal/config"
	"polyharvest/internal/engine"
)

func main() {
	// Secrets come from the environment; a .env file is the dev
	// convenience for supplying them.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := eng.Run(ctx)
	if err := eng.Close(); err != nil {
		logger.Error("store close failed", "error", err)
	}
	if runErr != nil {
		logger.Error("engine failed", "error", runErr)
		os.Exit(1)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
