package monitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/otso-systems/gridtrader/internal/alert"
	"github.com/otso-systems/gridtrader/internal/database"
	"github.com/otso-systems/gridtrader/internal/execution"
	"github.com/otso-systems/gridtrader/internal/gridmodel"
	"github.com/otso-systems/gridtrader/internal/gridplan"
	"github.com/otso-systems/gridtrader/internal/marketrules"
	"github.com/otso-systems/gridtrader/internal/store"
)

// fakeFeed is a fixed-price marketdata.Port stand-in; it never needs
// HistoricalCloses because the grids under test are STATIC.
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

func setupTick(t *testing.T, prices map[string]decimal.Decimal) (*Tick, *database.DB, *store.GridRepository, *store.OrderRepository, *store.PortfolioRepository) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "monitor_test.db")
	db, err := database.New(dbPath)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	log := zerolog.Nop()
	grids := store.NewGridRepository(log)
	orders := store.NewOrderRepository(log)
	portfolios := store.NewPortfolioRepository(log)
	alerts := store.NewAlertRepository(log)
	manualFills := store.NewManualFillRepository(log)
	emitter := alert.NewEmitter(alerts)

	feed := &fakeFeed{prices: prices}
	engine := execution.NewEngine(db, grids, orders, portfolios, manualFills, emitter, log)
	planner := gridplan.NewPlanner(feed, grids, orders, alerts, log)
	tick := NewTick(db, grids, orders, feed, engine, planner, emitter, log)
	return tick, db, grids, orders, portfolios
}

func TestTick_CrossedBuyLevelFills(t *testing.T) {
	tick, db, grids, orders, portfolios := setupTick(t, map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(139)})

	portfolio, err := portfolios.Create(db, decimal.NewFromInt(5000))
	require.NoError(t, err)

	grid := &gridmodel.Grid{
		PortfolioID:      portfolio.ID,
		Symbol:           "AAPL",
		Market:           marketrules.US,
		Name:             "test",
		LowerPrice:       decimal.NewFromInt(100),
		UpperPrice:       decimal.NewFromInt(200),
		LevelCount:       10,
		Spacing:          decimal.NewFromInt(10),
		InvestmentAmount: decimal.NewFromInt(10000),
		Status:           gridmodel.GridActive,
		StrategyKind:     gridmodel.StrategyStatic,
		CreatedAt:        time.Now().UTC(),
	}
	gridID, err := grids.Create(db, grid)
	require.NoError(t, err)

	orderID, err := orders.Create(db, &gridmodel.Order{
		GridID:     gridID,
		LevelIndex: 4,
		LevelPrice: decimal.NewFromInt(140),
		Side:       gridmodel.Buy,
		Quantity:   decimal.NewFromInt(10),
		State:      gridmodel.OrderPending,
		Source:     "GRID",
	})
	require.NoError(t, err)

	require.NoError(t, tick.RunContext(context.Background()))

	filled, err := orders.Get(db, orderID)
	require.NoError(t, err)
	require.Equal(t, gridmodel.OrderFilled, filled.State)
}

// TestClassifyBoundary_DedupUsesAbsoluteBuffer reproduces spec.md §4.5's
// re-alert bucketing: boundary alerts are bucketed by floor(price /
// boundary_buffer) where boundary_buffer is the absolute price buffer
// (boundaryBufferPct * price), not the bare fraction. Two prices that are
// close enough to share a bucket under the absolute buffer must dedup to a
// single alert row.
func TestClassifyBoundary_DedupUsesAbsoluteBuffer(t *testing.T) {
	tick, db, grids, _, portfolios := setupTick(t, map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(199)})

	portfolio, err := portfolios.Create(db, decimal.NewFromInt(5000))
	require.NoError(t, err)

	grid := &gridmodel.Grid{
		PortfolioID:      portfolio.ID,
		Symbol:           "AAPL",
		Market:           marketrules.US,
		Name:             "boundary test",
		LowerPrice:       decimal.NewFromInt(100),
		UpperPrice:       decimal.NewFromInt(200),
		LevelCount:       10,
		Spacing:          decimal.NewFromInt(10),
		InvestmentAmount: decimal.NewFromInt(10000),
		Status:           gridmodel.GridActive,
		StrategyKind:     gridmodel.StrategyStatic,
		CreatedAt:        time.Now().UTC(),
	}
	gridID, err := grids.Create(db, grid)
	require.NoError(t, err)
	grid.ID = gridID

	alerts := store.NewAlertRepository(zerolog.Nop())

	// Both prices are within 0.5% of the upper bound and share the same
	// floor(price / (0.005*price)) bucket (200); under the old bug (dividing
	// by the bare 0.005 fraction instead of the absolute buffer) they would
	// have landed in buckets 39900 and 39920 and produced two alerts.
	tick.classifyBoundary(grid, decimal.NewFromFloat(199.5))
	tick.classifyBoundary(grid, decimal.NewFromFloat(199.6))

	undispatched, err := alerts.ListUndispatched(db, 50)
	require.NoError(t, err)
	count := 0
	for _, a := range undispatched {
		if a.Kind == gridmodel.AlertPriceNearBoundary {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestTick_PriceAboveRangeFillsPendingSell(t *testing.T) {
	tick, db, grids, orders, portfolios := setupTick(t, map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(250)})

	portfolio, err := portfolios.Create(db, decimal.NewFromInt(5000))
	require.NoError(t, err)

	grid := &gridmodel.Grid{
		PortfolioID:      portfolio.ID,
		Symbol:           "AAPL",
		Market:           marketrules.US,
		Name:             "test",
		LowerPrice:       decimal.NewFromInt(100),
		UpperPrice:       decimal.NewFromInt(200),
		LevelCount:       10,
		Spacing:          decimal.NewFromInt(10),
		InvestmentAmount: decimal.NewFromInt(10000),
		Status:           gridmodel.GridActive,
		StrategyKind:     gridmodel.StrategyStatic,
		CreatedAt:        time.Now().UTC(),
	}
	gridID, err := grids.Create(db, grid)
	require.NoError(t, err)

	require.NoError(t, portfolios.UpsertHolding(db, gridmodel.Holding{
		PortfolioID: portfolio.ID,
		Symbol:      "AAPL",
		Quantity:    decimal.NewFromInt(1),
		AverageCost: decimal.NewFromInt(150),
	}))

	// A SELL at level 190 should fill, since 250 > 190.
	orderID, err := orders.Create(db, &gridmodel.Order{
		GridID:     gridID,
		LevelIndex: 9,
		LevelPrice: decimal.NewFromInt(190),
		Side:       gridmodel.Sell,
		Quantity:   decimal.NewFromInt(1),
		State:      gridmodel.OrderPending,
		Source:     "GRID",
	})
	require.NoError(t, err)

	require.NoError(t, tick.RunContext(context.Background()))

	filled, err := orders.Get(db, orderID)
	require.NoError(t, err)
	require.Equal(t, gridmodel.OrderFilled, filled.State)
}
