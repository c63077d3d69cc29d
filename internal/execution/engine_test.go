package execution

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
	"github.com/otso-systems/gridtrader/internal/gridmodel"
	"github.com/otso-systems/gridtrader/internal/marketrules"
	"github.com/otso-systems/gridtrader/internal/store"
)

// seedFullLadder mirrors gridplan.Planner.buildInitialOrders for a
// hand-picked bounds/spacing pair, so engine tests can exercise a price
// that falls strictly between two levels and therefore has a PENDING order
// sitting on both sides of it, same as a freshly planned grid.
func seedFullLadder(t *testing.T, db *database.DB, grids *store.GridRepository, orders *store.OrderRepository, portfolios *store.PortfolioRepository, cash decimal.Decimal) (gridID int64, levelOrderIDs map[int]int64) {
	t.Helper()
	portfolio, err := portfolios.Create(db, cash)
	require.NoError(t, err)

	grid := &gridmodel.Grid{
		PortfolioID:      portfolio.ID,
		Symbol:           "AAPL",
		Market:           marketrules.US,
		Name:             "reconcile grid",
		LowerPrice:       decimal.NewFromInt(90),
		UpperPrice:       decimal.NewFromInt(110),
		LevelCount:       11,
		Spacing:          decimal.NewFromInt(2),
		InvestmentAmount: decimal.NewFromInt(10000),
		Status:           gridmodel.GridActive,
		StrategyKind:     gridmodel.StrategyStatic,
		CreatedAt:        time.Now().UTC(),
	}
	gridID, err = grids.Create(db, grid)
	require.NoError(t, err)

	// p_now = 99 sits between level 4 (98) and level 5 (100): BUY below,
	// SELL above, exactly as a freshly planned grid would lay it out.
	levelOrderIDs = make(map[int]int64)
	for i := 0; i < 11; i++ {
		levelPrice := decimal.NewFromInt(90).Add(decimal.NewFromInt(int64(i)).Mul(decimal.NewFromInt(2)))
		side := gridmodel.Buy
		if levelPrice.GreaterThanOrEqual(decimal.NewFromInt(100)) {
			side = gridmodel.Sell
		}
		id, err := orders.Create(db, &gridmodel.Order{
			GridID:     gridID,
			LevelIndex: i,
			LevelPrice: levelPrice,
			Side:       side,
			Quantity:   decimal.NewFromInt(10),
			State:      gridmodel.OrderPending,
			Source:     "GRID",
		})
		require.NoError(t, err)
		levelOrderIDs[i] = id
	}
	return gridID, levelOrderIDs
}

// setupEngine mirrors the temp-file SQLite harness of
// universe/security_repository_test.go, generalized to the grid schema
// via database.DB.Migrate rather than a hand-written CREATE TABLE block.
func setupEngine(t *testing.T) (*Engine, *database.DB, *store.GridRepository, *store.OrderRepository, *store.PortfolioRepository) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "engine_test.db")
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

	engine := NewEngine(db, grids, orders, portfolios, manualFills, emitter, log)
	return engine, db, grids, orders, portfolios
}

func seedGridWithBuyOrder(t *testing.T, db *database.DB, grids *store.GridRepository, orders *store.OrderRepository, portfolios *store.PortfolioRepository, cash decimal.Decimal) (gridID, orderID int64) {
	t.Helper()
	portfolio, err := portfolios.Create(db, cash)
	require.NoError(t, err)

	grid := &gridmodel.Grid{
		PortfolioID:      portfolio.ID,
		Symbol:           "AAPL",
		Market:           marketrules.US,
		Name:             "test grid",
		LowerPrice:       decimal.NewFromInt(100),
		UpperPrice:       decimal.NewFromInt(200),
		LevelCount:       10,
		Spacing:          decimal.NewFromInt(10),
		InvestmentAmount: decimal.NewFromInt(10000),
		Status:           gridmodel.GridActive,
		StrategyKind:     gridmodel.StrategyStatic,
		CreatedAt:        time.Now().UTC(),
	}
	gridID, err = grids.Create(db, grid)
	require.NoError(t, err)

	order := &gridmodel.Order{
		GridID:     gridID,
		LevelIndex: 4,
		LevelPrice: decimal.NewFromInt(140),
		Side:       gridmodel.Buy,
		Quantity:   decimal.NewFromInt(10),
		State:      gridmodel.OrderPending,
		Source:     "GRID",
	}
	orderID, err = orders.Create(db, order)
	require.NoError(t, err)
	return gridID, orderID
}

func TestApplyTransition_BuyFillCreatesPairedSell(t *testing.T) {
	engine, db, grids, orders, portfolios := setupEngine(t)
	gridID, orderID := seedGridWithBuyOrder(t, db, grids, orders, portfolios, decimal.NewFromInt(5000))

	result, err := engine.ApplyTransition(context.Background(), Transition{
		GridID:        gridID,
		OrderID:       orderID,
		ObservedPrice: decimal.NewFromInt(139),
		ObservedAt:    time.Now().UTC(),
	})
	require.NoError(t, err)
	require.False(t, result.Cancelled)
	require.Equal(t, gridmodel.Buy, result.Side)
	require.True(t, result.FillPrice.Equal(decimal.NewFromInt(140)))
	require.NotZero(t, result.NewPairedOrderID)

	filled, err := orders.Get(db, orderID)
	require.NoError(t, err)
	require.Equal(t, gridmodel.OrderFilled, filled.State)

	paired, err := orders.Get(db, result.NewPairedOrderID)
	require.NoError(t, err)
	require.Equal(t, gridmodel.Sell, paired.Side)
	require.Equal(t, gridmodel.OrderPending, paired.State)
	require.True(t, paired.LevelPrice.Equal(decimal.NewFromInt(150)))

	grid, err := grids.Get(db, gridID)
	require.NoError(t, err)
	holding, err := portfolios.GetHolding(db, grid.PortfolioID, "AAPL")
	require.NoError(t, err)
	require.True(t, holding.Quantity.Equal(decimal.NewFromInt(10)))
}

func TestApplyTransition_InsufficientCashCancels(t *testing.T) {
	engine, db, grids, orders, portfolios := setupEngine(t)
	gridID, orderID := seedGridWithBuyOrder(t, db, grids, orders, portfolios, decimal.NewFromInt(100)) // cash too small for 10 * 140

	result, err := engine.ApplyTransition(context.Background(), Transition{
		GridID:        gridID,
		OrderID:       orderID,
		ObservedPrice: decimal.NewFromInt(139),
		ObservedAt:    time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, result.Cancelled)

	o, err := orders.Get(db, orderID)
	require.NoError(t, err)
	require.Equal(t, gridmodel.OrderCancelled, o.State)
}

func TestApplyTransition_IdempotentReplay(t *testing.T) {
	engine, db, grids, orders, portfolios := setupEngine(t)
	gridID, orderID := seedGridWithBuyOrder(t, db, grids, orders, portfolios, decimal.NewFromInt(5000))

	_, err := engine.ApplyTransition(context.Background(), Transition{GridID: gridID, OrderID: orderID, ObservedPrice: decimal.NewFromInt(139), ObservedAt: time.Now().UTC()})
	require.NoError(t, err)

	// Replaying the same already-FILLED order must be a no-op.
	result, err := engine.ApplyTransition(context.Background(), Transition{GridID: gridID, OrderID: orderID, ObservedPrice: decimal.NewFromInt(139), ObservedAt: time.Now().UTC()})
	require.NoError(t, err)
	require.True(t, result.NoOp)
}

func TestApplyTransition_BuySellCycleConservesShares(t *testing.T) {
	engine, db, grids, orders, portfolios := setupEngine(t)
	gridID, orderID := seedGridWithBuyOrder(t, db, grids, orders, portfolios, decimal.NewFromInt(5000))

	buyResult, err := engine.ApplyTransition(context.Background(), Transition{GridID: gridID, OrderID: orderID, ObservedPrice: decimal.NewFromInt(139), ObservedAt: time.Now().UTC()})
	require.NoError(t, err)

	sellResult, err := engine.ApplyTransition(context.Background(), Transition{
		GridID:        gridID,
		OrderID:       buyResult.NewPairedOrderID,
		ObservedPrice: decimal.NewFromInt(151),
		ObservedAt:    time.Now().UTC(),
	})
	require.NoError(t, err)
	require.False(t, sellResult.Cancelled)
	require.NotNil(t, sellResult.RealisedProfit)
	require.True(t, sellResult.RealisedProfit.Equal(decimal.NewFromInt(100))) // 10 * (150-140)
	require.NotZero(t, sellResult.NewPairedOrderID)

	grid, err := grids.Get(db, gridID)
	require.NoError(t, err)
	holding, err := portfolios.GetHolding(db, grid.PortfolioID, "AAPL")
	require.NoError(t, err)
	require.True(t, holding.Quantity.IsZero())

	replacementBuy, err := orders.Get(db, sellResult.NewPairedOrderID)
	require.NoError(t, err)
	require.Equal(t, gridmodel.Buy, replacementBuy.Side)
	require.Equal(t, gridmodel.OrderPending, replacementBuy.State)
	require.True(t, replacementBuy.LevelPrice.Equal(decimal.NewFromInt(140)))
}

// TestApplyTransition_BuyFillReusesExistingPendingPairedOrder reproduces the
// normal case of a price observed strictly between two levels: the planner
// has already placed a PENDING order on both sides, so the fill's paired
// order must reuse the one already sitting at the target level rather than
// attempting a second INSERT that collides with idx_orders_grid_level_pending.
func TestApplyTransition_BuyFillReusesExistingPendingPairedOrder(t *testing.T) {
	engine, db, grids, orders, portfolios := setupEngine(t)
	gridID, levelOrderIDs := seedFullLadder(t, db, grids, orders, portfolios, decimal.NewFromInt(5000))

	existingSellID := levelOrderIDs[5]

	result, err := engine.ApplyTransition(context.Background(), Transition{
		GridID:        gridID,
		OrderID:       levelOrderIDs[4],
		ObservedPrice: decimal.NewFromInt(99),
		ObservedAt:    time.Now().UTC(),
	})
	require.NoError(t, err)
	require.False(t, result.Cancelled)
	require.True(t, result.FillPrice.Equal(decimal.NewFromInt(98)))

	// The paired order returned must be the level-5 SELL that was already
	// PENDING, not a freshly inserted duplicate.
	require.Equal(t, existingSellID, result.NewPairedOrderID)

	filledBuy, err := orders.Get(db, levelOrderIDs[4])
	require.NoError(t, err)
	require.Equal(t, gridmodel.OrderFilled, filledBuy.State)

	reused, err := orders.Get(db, existingSellID)
	require.NoError(t, err)
	require.Equal(t, gridmodel.OrderPending, reused.State)

	all, err := orders.ListByGrid(db, gridID)
	require.NoError(t, err)
	pendingAtLevel5 := 0
	for _, o := range all {
		if o.LevelIndex == 5 && o.State == gridmodel.OrderPending {
			pendingAtLevel5++
		}
	}
	require.Equal(t, 1, pendingAtLevel5)
}

// TestApplyTransition_ProfitMilestoneTracksCumulativeProfit reproduces the
// dedup/threshold formula of spec.md §4.5: a PROFIT_MILESTONE alert fires
// once the grid's running realised profit across fills crosses a step, not
// when any single fill's own profit does.
func TestApplyTransition_ProfitMilestoneTracksCumulativeProfit(t *testing.T) {
	engine, db, grids, orders, portfolios := setupEngine(t)
	portfolio, err := portfolios.Create(db, decimal.NewFromInt(100000))
	require.NoError(t, err)

	grid := &gridmodel.Grid{
		PortfolioID:      portfolio.ID,
		Symbol:           "AAPL",
		Market:           marketrules.US,
		Name:             "milestone grid",
		LowerPrice:       decimal.NewFromInt(100),
		UpperPrice:       decimal.NewFromInt(160),
		LevelCount:       3,
		Spacing:          decimal.NewFromInt(30),
		InvestmentAmount: decimal.NewFromInt(100000),
		Status:           gridmodel.GridActive,
		StrategyKind:     gridmodel.StrategyStatic,
		CreatedAt:        time.Now().UTC(),
	}
	gridID, err := grids.Create(db, grid)
	require.NoError(t, err)

	alerts := store.NewAlertRepository(zerolog.Nop())

	runCycle := func(buyOrderID int64) int64 {
		buyResult, err := engine.ApplyTransition(context.Background(), Transition{
			GridID:        gridID,
			OrderID:       buyOrderID,
			ObservedPrice: decimal.NewFromInt(99),
			ObservedAt:    time.Now().UTC(),
		})
		require.NoError(t, err)

		sellResult, err := engine.ApplyTransition(context.Background(), Transition{
			GridID:        gridID,
			OrderID:       buyResult.NewPairedOrderID,
			ObservedPrice: decimal.NewFromInt(131),
			ObservedAt:    time.Now().UTC(),
		})
		require.NoError(t, err)
		require.NotNil(t, sellResult.RealisedProfit)
		return sellResult.NewPairedOrderID
	}

	firstBuyID, err := orders.Create(db, &gridmodel.Order{
		GridID:     gridID,
		LevelIndex: 0,
		LevelPrice: decimal.NewFromInt(100),
		Side:       gridmodel.Buy,
		Quantity:   decimal.NewFromInt(100),
		State:      gridmodel.OrderPending,
		Source:     "GRID",
	})
	require.NoError(t, err)

	// 100 units * (130-100) spacing = 3000 realised profit per cycle, below
	// MilestoneSteps[0] (5000) on its own.
	nextBuyID := runCycle(firstBuyID)

	cumulative, err := orders.SumRealisedProfit(db, gridID)
	require.NoError(t, err)
	require.True(t, cumulative.Equal(decimal.NewFromInt(3000)))

	undispatched, err := alerts.ListUndispatched(db, 50)
	require.NoError(t, err)
	require.False(t, hasAlertKind(undispatched, gridmodel.AlertProfitMilestone))

	// Second cycle brings the cumulative total to 6000, crossing 5000.
	runCycle(nextBuyID)

	cumulative, err = orders.SumRealisedProfit(db, gridID)
	require.NoError(t, err)
	require.True(t, cumulative.Equal(decimal.NewFromInt(6000)))

	undispatched, err = alerts.ListUndispatched(db, 50)
	require.NoError(t, err)
	require.True(t, hasAlertKind(undispatched, gridmodel.AlertProfitMilestone))
}

func hasAlertKind(alerts []*gridmodel.Alert, kind gridmodel.AlertKind) bool {
	for _, a := range alerts {
		if a.Kind == kind {
			return true
		}
	}
	return false
}
