package jobs

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/otso-systems/gridtrader/internal/gridmodel"
	"github.com/otso-systems/gridtrader/internal/store"
)

func TestPortfolioRevaluation_ComputesHoldingsValueAndPL(t *testing.T) {
	db := newTestDB(t)
	log := zerolog.Nop()
	portfolios := store.NewPortfolioRepository(log)
	cache := store.NewPriceCacheRepository(log)
	snapshots := store.NewSnapshotRepository(log)

	portfolio, err := portfolios.Create(db, decimal.NewFromInt(500))
	require.NoError(t, err)

	require.NoError(t, portfolios.UpsertHolding(db, gridmodel.Holding{
		PortfolioID: portfolio.ID,
		Symbol:      "AAPL",
		Quantity:    decimal.NewFromInt(10),
		AverageCost: decimal.NewFromInt(100),
	}))
	require.NoError(t, cache.Upsert(db, "AAPL", decimal.NewFromInt(150), time.Now().UTC()))

	job := NewPortfolioRevaluation(db, portfolios, cache, snapshots, log)
	require.NoError(t, job.Run())

	snap, err := snapshots.LatestByPortfolio(db, portfolio.ID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.True(t, snap.HoldingsValue.Equal(decimal.NewFromInt(1500)), "got %s", snap.HoldingsValue)
	require.True(t, snap.UnrealisedPL.Equal(decimal.NewFromInt(500)), "got %s", snap.UnrealisedPL)
	require.True(t, snap.CashBalance.Equal(decimal.NewFromInt(500)))
}

func TestPortfolioRevaluation_SkipsHoldingWithoutCachedPrice(t *testing.T) {
	db := newTestDB(t)
	log := zerolog.Nop()
	portfolios := store.NewPortfolioRepository(log)
	cache := store.NewPriceCacheRepository(log)
	snapshots := store.NewSnapshotRepository(log)

	portfolio, err := portfolios.Create(db, decimal.NewFromInt(0))
	require.NoError(t, err)
	require.NoError(t, portfolios.UpsertHolding(db, gridmodel.Holding{
		PortfolioID: portfolio.ID,
		Symbol:      "UNPRICED",
		Quantity:    decimal.NewFromInt(5),
		AverageCost: decimal.NewFromInt(10),
	}))

	job := NewPortfolioRevaluation(db, portfolios, cache, snapshots, log)
	require.NoError(t, job.Run())

	snap, err := snapshots.LatestByPortfolio(db, portfolio.ID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.True(t, snap.HoldingsValue.IsZero())
}

func TestPortfolioRevaluation_NoPortfoliosIsNoOp(t *testing.T) {
	db := newTestDB(t)
	log := zerolog.Nop()
	portfolios := store.NewPortfolioRepository(log)
	cache := store.NewPriceCacheRepository(log)
	snapshots := store.NewSnapshotRepository(log)

	job := NewPortfolioRevaluation(db, portfolios, cache, snapshots, log)
	require.NoError(t, job.Run())
}
