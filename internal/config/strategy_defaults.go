package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/otso-systems/gridtrader/internal/marketrules"
)

// MarketDefaults holds one market's DYNAMIC-grid fallback parameters.
type MarketDefaults struct {
	DynamicMultiplier   float64 `yaml:"dynamic_multiplier"`
	DynamicLookbackDays int     `yaml:"dynamic_lookback_days"`
	RebalanceThreshold  float64 `yaml:"rebalance_threshold"`
}

// StrategyDefaults is the parsed shape of config/strategy_defaults.yaml: a
// per-market table the planner consults whenever a create-grid request
// omits dynamic_multiplier/dynamic_lookback_days, rather than falling back
// to one global constant regardless of the symbol's market.
type StrategyDefaults struct {
	Markets map[string]MarketDefaults `yaml:"markets"`
}

// LoadStrategyDefaults reads and parses path. A missing file is not an
// error — callers fall back to the package-level defaults in
// gridplan.DynamicStrategy when no table is loaded.
func LoadStrategyDefaults(path string) (*StrategyDefaults, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &StrategyDefaults{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read strategy defaults: %w", err)
	}
	var sd StrategyDefaults
	if err := yaml.Unmarshal(data, &sd); err != nil {
		return nil, fmt.Errorf("parse strategy defaults: %w", err)
	}
	return &sd, nil
}

// For returns the defaults for market m, falling back to the DEFAULT entry
// and then to ok=false if neither is present.
func (sd *StrategyDefaults) For(m marketrules.Market) (MarketDefaults, bool) {
	if sd == nil || sd.Markets == nil {
		return MarketDefaults{}, false
	}
	if d, ok := sd.Markets[string(m)]; ok {
		return d, true
	}
	d, ok := sd.Markets["DEFAULT"]
	return d, ok
}
