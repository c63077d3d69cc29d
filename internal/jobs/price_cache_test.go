package jobs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/otso-systems/gridtrader/internal/database"
	"github.com/otso-systems/gridtrader/internal/gridmodel"
	"github.com/otso-systems/gridtrader/internal/marketrules"
	"github.com/otso-systems/gridtrader/internal/store"
)

type fakeFeed struct {
	prices map[string]decimal.Decimal
}

func (f *fakeFeed) CurrentPrices(_ context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	for _, s := range symbols {
		if p, ok := f.prices[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

func (f *fakeFeed) HistoricalCloses(_ context.Context, _ string, _ int) ([]decimal.Decimal, error) {
	return nil, nil
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "jobs_test.db")
	db, err := database.New(dbPath)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPriceCacheRefresh_UpsertsOnlyActiveGridSymbols(t *testing.T) {
	db := newTestDB(t)
	log := zerolog.Nop()
	grids := store.NewGridRepository(log)
	portfolios := store.NewPortfolioRepository(log)
	cache := store.NewPriceCacheRepository(log)

	portfolio, err := portfolios.Create(db, decimal.NewFromInt(10000))
	require.NoError(t, err)

	_, err = grids.Create(db, &gridmodel.Grid{
		PortfolioID:      portfolio.ID,
		Symbol:           "AAPL",
		Market:           marketrules.US,
		Name:             "active grid",
		LowerPrice:       decimal.NewFromInt(100),
		UpperPrice:       decimal.NewFromInt(200),
		LevelCount:       10,
		Spacing:          decimal.NewFromInt(10),
		InvestmentAmount: decimal.NewFromInt(10000),
		Status:           gridmodel.GridActive,
		StrategyKind:     gridmodel.StrategyStatic,
		CreatedAt:        time.Now().UTC(),
	})
	require.NoError(t, err)

	feed := &fakeFeed{prices: map[string]decimal.Decimal{
		"AAPL": decimal.NewFromInt(150),
		"MSFT": decimal.NewFromInt(300), // not tied to any grid, should never be fetched
	}}

	job := NewPriceCacheRefresh(db, grids, cache, feed, log)
	require.NoError(t, job.Run())

	price, _, ok, err := cache.Get(db, "AAPL")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, price.Equal(decimal.NewFromInt(150)))

	_, _, ok, err = cache.Get(db, "MSFT")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPriceCacheRefresh_NoActiveGridsIsNoOp(t *testing.T) {
	db := newTestDB(t)
	log := zerolog.Nop()
	grids := store.NewGridRepository(log)
	cache := store.NewPriceCacheRepository(log)
	feed := &fakeFeed{prices: map[string]decimal.Decimal{}}

	job := NewPriceCacheRefresh(db, grids, cache, feed, log)
	require.NoError(t, job.Run())
}
