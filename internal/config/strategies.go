package config

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// StrategiesDoc is the declarative strategy configuration: strategy type
// name -> list of instances, plus a defaults block applied where an
// instance leaves a field unset. Type-specific knobs land in Params.
type StrategiesDoc struct {
	Defaults   StrategyDefaults              `mapstructure:"defaults"`
	Strategies map[string][]StrategyInstance `mapstructure:"strategies"`
}

// StrategyDefaults fills unset per-instance fields.
type StrategyDefaults struct {
	Enabled   bool    `mapstructure:"enabled"`
	SizePct   float64 `mapstructure:"size_pct"`
	OrderType string  `mapstructure:"order_type"`
}

// StrategyInstance is one configured strategy. Name must be unique across
// the whole document; it keys the wallet, positions and decisions.
type StrategyInstance struct {
	Name      string         `mapstructure:"name"`
	Enabled   *bool          `mapstructure:"enabled"`
	SizePct   float64        `mapstructure:"size_pct"`
	OrderType string         `mapstructure:"order_type"`
	Params    map[string]any `mapstructure:",remain"`
}

// IsEnabled resolves the instance flag against the document defaults.
func (si StrategyInstance) IsEnabled(d StrategyDefaults) bool {
	if si.Enabled != nil {
		return *si.Enabled
	}
	return d.Enabled
}

// Float reads a type-specific parameter, falling back when absent or not
// numeric. YAML numbers arrive as int or float64 depending on how they
// were written.
func (si StrategyInstance) Float(key string, fallback float64) float64 {
	raw, ok := si.Params[key]
	if !ok {
		return fallback
	}
	switch x := raw.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	default:
		return fallback
	}
}

// Strings reads a list parameter. YAML lists unmarshal as []any; string
// elements are kept, anything else is skipped.
func (si StrategyInstance) Strings(key string) []string {
	raw, ok := si.Params[key]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// StrategiesFile loads strategies.yaml and keeps it fresh: edits to the
// file swap in a new document for the next scan cycle. A revision that
// fails validation is rejected and the previous document kept.
type StrategiesFile struct {
	v      *viper.Viper
	logger *slog.Logger

	mu  sync.RWMutex
	doc *StrategiesDoc
}

// LoadStrategies reads the document and starts watching the file.
func LoadStrategies(path string, logger *slog.Logger) (*StrategiesFile, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read strategies: %w", err)
	}
	doc, err := parseStrategies(v)
	if err != nil {
		return nil, err
	}

	f := &StrategiesFile{v: v, logger: logger, doc: doc}
	v.OnConfigChange(func(_ fsnotify.Event) {
		fresh, err := parseStrategies(v)
		if err != nil {
			logger.Error("strategies reload rejected, keeping previous", "error", err)
			return
		}
		f.mu.Lock()
		f.doc = fresh
		f.mu.Unlock()
		logger.Info("strategies reloaded", "types", len(fresh.Strategies))
	})
	v.WatchConfig()
	return f, nil
}

// Current returns the active document. Callers must not mutate it.
func (f *StrategiesFile) Current() *StrategiesDoc {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.doc
}

func parseStrategies(v *viper.Viper) (*StrategiesDoc, error) {
	var doc StrategiesDoc
	if err := v.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("unmarshal strategies: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate enforces unique instance names and sane per-instance fields.
func (d *StrategiesDoc) Validate() error {
	seen := make(map[string]string)
	for typ, instances := range d.Strategies {
		for _, si := range instances {
			if si.Name == "" {
				return fmt.Errorf("strategies.%s: instance without a name", typ)
			}
			if prev, dup := seen[si.Name]; dup {
				return fmt.Errorf("strategies: duplicate instance name %q (types %s and %s)", si.Name, prev, typ)
			}
			seen[si.Name] = typ
			if si.SizePct < 0 || si.SizePct > 1 {
				return fmt.Errorf("strategies.%s.%s: size_pct must be in [0,1]", typ, si.Name)
			}
			switch si.OrderType {
			case "", "market", "limit", "spread":
			default:
				return fmt.Errorf("strategies.%s.%s: order_type must be market, limit or spread", typ, si.Name)
			}
		}
	}
	return nil
}
