// Package marketdata defines the Market Data Port the planner and monitor
// depend on, and the batching/concurrency conventions implementations must
// honor (spec.md §4.4 step 2, §5).
package marketdata

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Port is the engine's sole view of external price data. Implementations
// (httpfeed, wsfeed) own their own transport, retry and timeout policy;
// callers only see decimal prices or a typed error.
type Port interface {
	// CurrentPrices resolves the latest price for each requested symbol in
	// as few round trips as the backend supports. The returned map may omit
	// symbols the backend couldn't price — callers treat a missing entry as
	// a MARKET_DATA_GAP, not an error.
	CurrentPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)

	// HistoricalCloses returns up to lookbackDays of daily close prices for
	// symbol, oldest first, for the Grid Planner's volatility estimate
	// (spec.md §4.2 step 4).
	HistoricalCloses(ctx context.Context, symbol string, lookbackDays int) ([]decimal.Decimal, error)
}

// Tick is a single observed price, timestamped at fetch time.
type Tick struct {
	Symbol     string
	Price      decimal.Decimal
	ObservedAt time.Time
}
