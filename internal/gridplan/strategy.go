// Package gridplan computes a Grid's price ladder and initial Order set
// (spec.md §4.2). The STATIC/DYNAMIC variation is modeled as a Strategy
// interface rather than a type hierarchy, per spec.md §9's redesign
// guidance — shaped after the dependency-injected, single-purpose
// Planner struct of
// aristath-sentinel/trader-go/internal/modules/planning/planner/planner.go.
package gridplan

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/otso-systems/gridtrader/internal/apperr"
	"github.com/otso-systems/gridtrader/internal/clients/marketdata"
	"github.com/otso-systems/gridtrader/internal/config"
	"github.com/otso-systems/gridtrader/internal/gridmodel"
	"github.com/otso-systems/gridtrader/internal/marketrules"
	"github.com/otso-systems/gridtrader/pkg/formulas"
)

// FallbackVolatility is used when a DYNAMIC grid cannot resolve enough
// historical closes to estimate volatility (spec.md §4.2 step 4).
const FallbackVolatility = 0.20

// Strategy computes a grid's price bounds and decides when drift warrants
// re-planning. STATIC and DYNAMIC are the two concrete implementations;
// the Planner picks one by gridmodel.StrategyKind.
type Strategy interface {
	Kind() gridmodel.StrategyKind

	// Bounds returns the grid's lower/upper price and, for DYNAMIC, the
	// config snapshot to persist alongside the grid.
	Bounds(ctx context.Context, req PlanRequest, currentPrice decimal.Decimal) (lower, upper decimal.Decimal, cfg *gridmodel.DynamicConfig, err error)

	// ShouldRebalance reports whether an existing grid's bounds have
	// drifted enough from currentPrice to warrant re-planning
	// (spec.md §4.4 step 4). STATIC grids never rebalance.
	ShouldRebalance(grid *gridmodel.Grid, currentPrice decimal.Decimal, rebalanceThreshold decimal.Decimal) bool
}

// StaticStrategy uses the caller-supplied lower/upper bounds verbatim and
// never triggers a rebalance.
type StaticStrategy struct{}

func (StaticStrategy) Kind() gridmodel.StrategyKind { return gridmodel.StrategyStatic }

func (StaticStrategy) Bounds(_ context.Context, req PlanRequest, _ decimal.Decimal) (decimal.Decimal, decimal.Decimal, *gridmodel.DynamicConfig, error) {
	if req.LowerPrice.IsZero() || req.UpperPrice.IsZero() {
		return decimal.Zero, decimal.Zero, nil, apperr.New(apperr.Validation, apperr.CodeInvalidBounds, "static grid requires explicit lower_price and upper_price")
	}
	return req.LowerPrice, req.UpperPrice, nil, nil
}

func (StaticStrategy) ShouldRebalance(*gridmodel.Grid, decimal.Decimal, decimal.Decimal) bool {
	return false
}

// DynamicStrategy derives bounds from trailing volatility: `p_now ± k *
// sigma_annualised * p_now` (spec.md §4.2 step 4), and flags a rebalance
// when price drifts far enough from the grid's recorded center.
type DynamicStrategy struct {
	Feed          marketdata.Port
	AllowFallback bool
	// Defaults supplies per-market multiplier/lookback fallbacks
	// (config/strategy_defaults.yaml) when a request omits them. Nil falls
	// back to the hardcoded multiplier=2.0/lookback=90 used before any
	// per-market table existed.
	Defaults *config.StrategyDefaults
}

func (DynamicStrategy) Kind() gridmodel.StrategyKind { return gridmodel.StrategyDynamic }

func (d DynamicStrategy) Bounds(ctx context.Context, req PlanRequest, currentPrice decimal.Decimal) (decimal.Decimal, decimal.Decimal, *gridmodel.DynamicConfig, error) {
	market := marketrules.Classify(req.Symbol)
	marketDefaults, hasDefaults := d.Defaults.For(market)

	lookback := req.DynamicLookbackDays
	if lookback <= 0 {
		lookback = 90
		if hasDefaults && marketDefaults.DynamicLookbackDays > 0 {
			lookback = marketDefaults.DynamicLookbackDays
		}
	}
	multiplier := req.DynamicMultiplier
	if multiplier.IsZero() {
		multiplier = decimal.NewFromFloat(2.0)
		if hasDefaults && marketDefaults.DynamicMultiplier > 0 {
			multiplier = decimal.NewFromFloat(marketDefaults.DynamicMultiplier)
		}
	}

	sigma, usedFallback, err := d.estimateVolatility(ctx, req.Symbol, lookback)
	if err != nil {
		if !d.AllowFallback {
			return decimal.Zero, decimal.Zero, nil, apperr.Wrap(apperr.Validation, apperr.CodeInsufficientHistory, err)
		}
		sigma, usedFallback = FallbackVolatility, true
	}

	sigmaDec := decimal.NewFromFloat(sigma)
	offset := currentPrice.Mul(multiplier).Mul(sigmaDec)
	lower := currentPrice.Sub(offset)
	upper := currentPrice.Add(offset)
	if lower.LessThanOrEqual(decimal.Zero) {
		lower = currentPrice.Div(decimal.NewFromInt(2))
	}

	cfg := &gridmodel.DynamicConfig{
		Volatility:   sigmaDec,
		Multiplier:   multiplier,
		CenterPrice:  currentPrice,
		LookbackDays: lookback,
		UsedFallback: usedFallback,
	}
	return lower, upper, cfg, nil
}

func (d DynamicStrategy) estimateVolatility(ctx context.Context, symbol string, lookbackDays int) (float64, bool, error) {
	closes, err := d.Feed.HistoricalCloses(ctx, symbol, lookbackDays)
	if err != nil {
		return 0, true, fmt.Errorf("fetch historical closes for %s: %w", symbol, err)
	}
	if len(closes) < 2 {
		return 0, true, fmt.Errorf("insufficient history for %s: got %d closes", symbol, len(closes))
	}

	floats := make([]float64, len(closes))
	for i, c := range closes {
		floats[i], _ = c.Float64()
	}
	returns := formulas.CalculateReturns(floats)
	if len(returns) == 0 {
		return 0, true, fmt.Errorf("no usable returns for %s", symbol)
	}
	return formulas.AnnualizedVolatility(returns), false, nil
}

// ShouldRebalance implements spec.md §4.4 step 4:
// |p - center_price| > rebalance_threshold * (upper - lower).
func (DynamicStrategy) ShouldRebalance(grid *gridmodel.Grid, currentPrice decimal.Decimal, rebalanceThreshold decimal.Decimal) bool {
	if grid.Dynamic == nil {
		return false
	}
	drift := currentPrice.Sub(grid.Dynamic.CenterPrice).Abs()
	band := grid.UpperPrice.Sub(grid.LowerPrice).Mul(rebalanceThreshold)
	return drift.GreaterThan(band)
}

// DefaultRebalanceThreshold is spec.md §4.4 step 4's default of 0.4.
var DefaultRebalanceThreshold = decimal.NewFromFloat(0.4)
