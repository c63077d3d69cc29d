// Package jobs holds the scheduler.Job implementations that round out
// spec.md §4.6's task table beyond grid monitoring and alert dispatch:
// refreshing the shared price cache and revaluing portfolios from it.
package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/otso-systems/gridtrader/internal/clients/marketdata"
	"github.com/otso-systems/gridtrader/internal/database"
	"github.com/otso-systems/gridtrader/internal/store"
)

// PriceCacheRefresh fetches the current price for every symbol with at
// least one ACTIVE grid and upserts it into the shared price cache, so
// portfolio revaluation (and any HTTP read) can use a recent price without
// hitting the Market Data Port on every request.
type PriceCacheRefresh struct {
	db    *database.DB
	grids *store.GridRepository
	cache *store.PriceCacheRepository
	feed  marketdata.Port
	log   zerolog.Logger
}

func NewPriceCacheRefresh(db *database.DB, grids *store.GridRepository, cache *store.PriceCacheRepository, feed marketdata.Port, log zerolog.Logger) *PriceCacheRefresh {
	return &PriceCacheRefresh{
		db:    db,
		grids: grids,
		cache: cache,
		feed:  feed,
		log:   log.With().Str("component", "price_cache_refresh").Logger(),
	}
}

func (j *PriceCacheRefresh) Name() string { return "price_cache_refresh" }

func (j *PriceCacheRefresh) Run() error { return j.RunContext(context.Background()) }

func (j *PriceCacheRefresh) RunContext(ctx context.Context) error {
	grids, err := j.grids.ListActiveBySymbols(j.db, nil)
	if err != nil {
		return err
	}
	if len(grids) == 0 {
		return nil
	}

	symbolSet := make(map[string]struct{}, len(grids))
	for _, g := range grids {
		symbolSet[g.Symbol] = struct{}{}
	}
	symbols := make([]string, 0, len(symbolSet))
	for s := range symbolSet {
		symbols = append(symbols, s)
	}

	prices, err := j.feed.CurrentPrices(ctx, symbols)
	if err != nil {
		return err
	}

	observedAt := time.Now().UTC()
	for symbol, price := range prices {
		if err := j.cache.Upsert(j.db, symbol, price, observedAt); err != nil {
			j.log.Error().Err(err).Str("symbol", symbol).Msg("failed to upsert cached price")
		}
	}
	return nil
}
