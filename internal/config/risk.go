package config

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// RiskDoc is the risk/execution document: portfolio limits, position
// sizing, execution tuning and the paper/live mode switch. Limit changes
// take effect at the next gate evaluation.
type RiskDoc struct {
	Mode      string        `mapstructure:"mode"`
	Risk      RiskLimits    `mapstructure:"risk"`
	Sizing    SizingConfig  `mapstructure:"sizing"`
	Execution ExecConfig    `mapstructure:"execution"`
	Wallets   WalletsConfig `mapstructure:"wallets"`
}

// Live reports whether orders go to the venue rather than the simulator.
func (d *RiskDoc) Live() bool { return d.Mode == "live" }

// RiskLimits are the portfolio-level caps checked by the gate, in order:
// drawdown, strategy balance, position caps, dedup.
type RiskLimits struct {
	MaxPositionUSD      float64 `mapstructure:"max_position_usd"`
	MaxTotalExposureUSD float64 `mapstructure:"max_total_exposure_usd"`
	MaxPositions        int     `mapstructure:"max_positions"`
	MaxDrawdownPct      float64 `mapstructure:"max_drawdown_pct"`
}

// SizingConfig selects how an approved signal is converted to USD.
// Strategies may override the method per instance.
type SizingConfig struct {
	Method         string  `mapstructure:"method"`
	FixedAmountUSD float64 `mapstructure:"fixed_amount_usd"`
	KellyFraction  float64 `mapstructure:"kelly_fraction"`
	VolWindow      int     `mapstructure:"vol_window"`
	TargetVol      float64 `mapstructure:"target_vol"`
	MinSizeScale   float64 `mapstructure:"min_size_scale"`
	MaxSizeScale   float64 `mapstructure:"max_size_scale"`
}

// ExecConfig tunes order placement for both back-ends. Slippage knobs
// drive the paper simulator's market-order model; InvalidRecovery is the
// settlement price applied to both sides of an INVALID resolution.
type ExecConfig struct {
	DefaultOrderType     string  `mapstructure:"default_order_type"`
	LimitOffsetBps       float64 `mapstructure:"limit_offset_bps"`
	LimitTimeoutSeconds  int     `mapstructure:"limit_timeout_seconds"`
	SpreadTimeoutSeconds int     `mapstructure:"spread_timeout_seconds"`
	SlippageBase         float64 `mapstructure:"slippage_base"`
	SlippageDepthK       float64 `mapstructure:"slippage_depth_k"`
	MaxSlippage          float64 `mapstructure:"max_slippage"`
	FeeRateBps           float64 `mapstructure:"fee_rate_bps"`
	InvalidRecovery      float64 `mapstructure:"invalid_recovery"`
}

// WalletsConfig seeds per-strategy wallets out of a finite bankroll.
// Allocations keys are strategy instance names; absent names get the
// default allocation when first seen, clipped to whatever of
// PaperStartingUSD the earlier wallets left unallocated.
type WalletsConfig struct {
	PaperStartingUSD     float64            `mapstructure:"paper_starting_usd"`
	DefaultAllocationUSD float64            `mapstructure:"default_allocation_usd"`
	Allocations          map[string]float64 `mapstructure:"allocations"`
}

// RiskFile loads risk.yaml and keeps it fresh, same contract as
// StrategiesFile: a revision that fails validation is rejected.
type RiskFile struct {
	v      *viper.Viper
	logger *slog.Logger

	mu  sync.RWMutex
	doc *RiskDoc
}

// LoadRisk reads the document and starts watching the file.
func LoadRisk(path string, logger *slog.Logger) (*RiskFile, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setRiskDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read risk: %w", err)
	}
	doc, err := parseRisk(v)
	if err != nil {
		return nil, err
	}

	f := &RiskFile{v: v, logger: logger, doc: doc}
	v.OnConfigChange(func(_ fsnotify.Event) {
		fresh, err := parseRisk(v)
		if err != nil {
			logger.Error("risk reload rejected, keeping previous", "error", err)
			return
		}
		f.mu.Lock()
		f.doc = fresh
		f.mu.Unlock()
		logger.Info("risk limits reloaded", "mode", fresh.Mode)
	})
	v.WatchConfig()
	return f, nil
}

// Current returns the active document. Callers must not mutate it.
func (f *RiskFile) Current() *RiskDoc {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.doc
}

func setRiskDefaults(v *viper.Viper) {
	v.SetDefault("mode", "paper")
	v.SetDefault("risk.max_position_usd", 100.0)
	v.SetDefault("risk.max_total_exposure_usd", 1000.0)
	v.SetDefault("risk.max_positions", 10)
	v.SetDefault("risk.max_drawdown_pct", 0.20)
	v.SetDefault("sizing.method", "fixed")
	v.SetDefault("sizing.fixed_amount_usd", 50.0)
	v.SetDefault("sizing.kelly_fraction", 0.25)
	v.SetDefault("sizing.vol_window", 24)
	v.SetDefault("sizing.target_vol", 0.05)
	v.SetDefault("sizing.min_size_scale", 0.25)
	v.SetDefault("sizing.max_size_scale", 2.0)
	v.SetDefault("execution.default_order_type", "limit")
	v.SetDefault("execution.limit_offset_bps", 50.0)
	v.SetDefault("execution.limit_timeout_seconds", 120)
	v.SetDefault("execution.spread_timeout_seconds", 300)
	v.SetDefault("execution.slippage_base", 0.002)
	v.SetDefault("execution.slippage_depth_k", 0.05)
	v.SetDefault("execution.max_slippage", 0.03)
	v.SetDefault("execution.fee_rate_bps", 0.0)
	v.SetDefault("execution.invalid_recovery", 0.5)
	v.SetDefault("wallets.paper_starting_usd", 10000.0)
	v.SetDefault("wallets.default_allocation_usd", 1000.0)
}

func parseRisk(v *viper.Viper) (*RiskDoc, error) {
	var doc RiskDoc
	if err := v.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("unmarshal risk: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks modes, method names and value ranges.
func (d *RiskDoc) Validate() error {
	switch d.Mode {
	case "paper", "live":
	default:
		return fmt.Errorf("mode must be paper or live, got %q", d.Mode)
	}
	if d.Risk.MaxPositionUSD <= 0 {
		return fmt.Errorf("risk.max_position_usd must be > 0")
	}
	if d.Risk.MaxTotalExposureUSD <= 0 {
		return fmt.Errorf("risk.max_total_exposure_usd must be > 0")
	}
	if d.Risk.MaxPositions <= 0 {
		return fmt.Errorf("risk.max_positions must be > 0")
	}
	if d.Risk.MaxDrawdownPct <= 0 || d.Risk.MaxDrawdownPct >= 1 {
		return fmt.Errorf("risk.max_drawdown_pct must be in (0,1)")
	}
	switch d.Sizing.Method {
	case "fixed", "kelly", "volatility_scaled":
	default:
		return fmt.Errorf("sizing.method must be fixed, kelly or volatility_scaled, got %q", d.Sizing.Method)
	}
	if d.Sizing.FixedAmountUSD <= 0 {
		return fmt.Errorf("sizing.fixed_amount_usd must be > 0")
	}
	if d.Sizing.KellyFraction <= 0 || d.Sizing.KellyFraction > 1 {
		return fmt.Errorf("sizing.kelly_fraction must be in (0,1]")
	}
	if d.Sizing.Method == "volatility_scaled" {
		if d.Sizing.TargetVol <= 0 {
			return fmt.Errorf("sizing.target_vol must be > 0")
		}
		if d.Sizing.MinSizeScale <= 0 || d.Sizing.MaxSizeScale < d.Sizing.MinSizeScale {
			return fmt.Errorf("sizing scale bounds must satisfy 0 < min <= max")
		}
	}
	switch d.Execution.DefaultOrderType {
	case "market", "limit", "spread":
	default:
		return fmt.Errorf("execution.default_order_type must be market, limit or spread, got %q", d.Execution.DefaultOrderType)
	}
	if d.Execution.InvalidRecovery < 0 || d.Execution.InvalidRecovery > 1 {
		return fmt.Errorf("execution.invalid_recovery must be in [0,1]")
	}
	if d.Wallets.PaperStartingUSD <= 0 {
		return fmt.Errorf("wallets.paper_starting_usd must be > 0")
	}
	if d.Wallets.DefaultAllocationUSD <= 0 {
		return fmt.Errorf("wallets.default_allocation_usd must be > 0")
	}
	return nil
}
