// Package execution applies a single detected price-level transition
// atomically: it mutates cash, holdings and order state, and completes
// the mandatory buy/sell cycle (spec.md §4.3). Grounded on the
// execute-then-record-then-update-position shape of
// internal/services/trade_execution_service.go, generalized from a single
// external order placement into the deterministic fill algorithm the
// spec requires.
package execution

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/otso-systems/gridtrader/internal/alert"
	"github.com/otso-systems/gridtrader/internal/apperr"
	"github.com/otso-systems/gridtrader/internal/database"
	"github.com/otso-systems/gridtrader/internal/gridmodel"
	"github.com/otso-systems/gridtrader/internal/store"
)

// Transition is the engine's sole input: a PENDING order whose trigger
// condition held against an observed price (spec.md §4.3).
type Transition struct {
	GridID       int64
	OrderID      int64
	ObservedPrice decimal.Decimal
	ObservedAt    time.Time
}

// Result summarises what a transition did, for the caller to log/alert on
// after the transaction commits (spec.md §4.3 step 5: "the engine MUST
// NOT hold the transaction across external I/O").
type Result struct {
	NoOp            bool
	Cancelled       bool
	CancelReason    string
	FilledOrderID   int64
	Side            gridmodel.OrderSide
	FillPrice       decimal.Decimal
	RealisedProfit  *decimal.Decimal
	NewPairedOrderID int64
}

// MilestoneSteps are the cumulative-realised-profit thresholds that raise
// a PROFIT_MILESTONE alert (spec.md §4.5 example: 5000, 15000, 30000).
var MilestoneSteps = []decimal.Decimal{
	decimal.NewFromInt(5000),
	decimal.NewFromInt(15000),
	decimal.NewFromInt(30000),
}

const maxRetries = 3

// Engine applies Transitions. One Engine instance is safe for concurrent
// use across distinct grids; within a grid, callers are expected to
// submit transitions sequentially (spec.md §4.4 ordering guarantee).
type Engine struct {
	db          *database.DB
	grids       *store.GridRepository
	orders      *store.OrderRepository
	portfolios  *store.PortfolioRepository
	manualFills *store.ManualFillRepository
	emitter     *alert.Emitter
	log         zerolog.Logger
}

func NewEngine(db *database.DB, grids *store.GridRepository, orders *store.OrderRepository, portfolios *store.PortfolioRepository, manualFills *store.ManualFillRepository, emitter *alert.Emitter, log zerolog.Logger) *Engine {
	return &Engine{
		db:          db,
		grids:       grids,
		orders:      orders,
		portfolios:  portfolios,
		manualFills: manualFills,
		emitter:     emitter,
		log:         log.With().Str("component", "execution_engine").Logger(),
	}
}

// ApplyTransition runs spec.md §4.3 steps 1-5 inside one transaction
// scoped to (portfolio, grid), retrying on SQLITE_BUSY up to maxRetries
// (spec.md §6 concurrency model — SQLite has no row-level locking, so the
// per-grid serialisation is approximated by the database's single
// writer-lock plus this retry loop).
func (e *Engine) ApplyTransition(ctx context.Context, t Transition) (Result, error) {
	var result Result
	err := withRetry(ctx, maxRetries, func() error {
		tx, err := e.db.BeginTx(ctx)
		if err != nil {
			return err
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback()
			}
		}()

		result, err = e.applyWithinTx(tx, t)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	e.publishPostCommit(ctx, t.GridID, result)
	return result, nil
}

func (e *Engine) applyWithinTx(tx *sql.Tx, t Transition) (Result, error) {
	grid, err := e.grids.GetForUpdate(tx, t.GridID)
	if err != nil {
		return Result{}, err
	}
	if grid == nil || grid.Status != gridmodel.GridActive {
		return Result{}, apperr.New(apperr.BusinessRule, apperr.CodeGridNotActive, "grid is not active")
	}

	order, err := e.orders.Get(tx, t.OrderID)
	if err != nil {
		return Result{}, err
	}
	if order == nil {
		return Result{}, apperr.New(apperr.BusinessRule, apperr.CodeGridNotActive, "order not found")
	}

	// Idempotence: a transition whose order is already FILLED or
	// CANCELLED is a no-op (spec.md §4.3 "Idempotence").
	if order.State != gridmodel.OrderPending {
		return Result{NoOp: true}, nil
	}

	fillPrice := order.LevelPrice
	portfolio, err := e.portfolios.Get(tx, grid.PortfolioID)
	if err != nil {
		return Result{}, err
	}

	switch order.Side {
	case gridmodel.Buy:
		return e.fillBuy(tx, grid, order, portfolio, fillPrice, t.ObservedPrice)
	case gridmodel.Sell:
		return e.fillSell(tx, grid, order, portfolio, fillPrice, t.ObservedPrice)
	default:
		return Result{}, apperr.New(apperr.Fatal, "", "unknown order side "+string(order.Side))
	}
}

func (e *Engine) fillBuy(tx *sql.Tx, grid *gridmodel.Grid, order *gridmodel.Order, portfolio *gridmodel.Portfolio, fillPrice, observedPrice decimal.Decimal) (Result, error) {
	requiredCash := order.Quantity.Mul(fillPrice)
	if portfolio.CashBalance.LessThan(requiredCash) {
		if err := e.orders.Cancel(tx, order.ID, apperr.CodeInsufficientCash); err != nil {
			return Result{}, err
		}
		return Result{Cancelled: true, CancelReason: apperr.CodeInsufficientCash, FilledOrderID: order.ID, Side: gridmodel.Buy}, nil
	}

	newCash := portfolio.CashBalance.Sub(requiredCash)
	if err := e.portfolios.SetCashBalance(tx, portfolio.ID, newCash); err != nil {
		return Result{}, err
	}

	holding, err := e.portfolios.GetHolding(tx, portfolio.ID, grid.Symbol)
	if err != nil {
		return Result{}, err
	}
	newQty := holding.Quantity.Add(order.Quantity)
	var newAvgCost decimal.Decimal
	if newQty.IsZero() {
		newAvgCost = decimal.Zero
	} else {
		newAvgCost = holding.Quantity.Mul(holding.AverageCost).
			Add(order.Quantity.Mul(fillPrice)).
			Div(newQty)
	}
	if err := e.portfolios.UpsertHolding(tx, gridmodel.Holding{
		PortfolioID: portfolio.ID,
		Symbol:      grid.Symbol,
		Quantity:    newQty,
		AverageCost: newAvgCost,
	}); err != nil {
		return Result{}, err
	}

	now := time.Now().UTC()
	if err := e.orders.FillOrder(tx, order.ID, now, fillPrice, observedPrice, nil); err != nil {
		return Result{}, err
	}

	result := Result{FilledOrderID: order.ID, Side: gridmodel.Buy, FillPrice: fillPrice}

	nextLevelPrice := fillPrice.Add(grid.Spacing)
	if nextLevelPrice.GreaterThan(grid.UpperPrice) {
		// Over-boundary inventory: parked, never auto-sold
		// (spec.md §4.3 step 3, SPEC_FULL Open Question 2).
		result.CancelReason = apperr.CodeOverBoundary
		return result, nil
	}

	pairedLevel := order.LevelIndex
	sellOrder := &gridmodel.Order{
		GridID:      grid.ID,
		LevelIndex:  pairedLevel + 1,
		LevelPrice:  nextLevelPrice,
		Side:        gridmodel.Sell,
		Quantity:    order.Quantity,
		State:       gridmodel.OrderPending,
		PairedLevel: &pairedLevel,
		Source:      "GRID",
	}
	id, err := e.reconcilePairedOrder(tx, grid.ID, sellOrder)
	if err != nil {
		return Result{}, err
	}
	result.NewPairedOrderID = id
	return result, nil
}

func (e *Engine) fillSell(tx *sql.Tx, grid *gridmodel.Grid, order *gridmodel.Order, portfolio *gridmodel.Portfolio, fillPrice, observedPrice decimal.Decimal) (Result, error) {
	holding, err := e.portfolios.GetHolding(tx, portfolio.ID, grid.Symbol)
	if err != nil {
		return Result{}, err
	}
	if holding.Quantity.LessThan(order.Quantity) {
		if err := e.orders.Cancel(tx, order.ID, apperr.CodeInsufficientHolding); err != nil {
			return Result{}, err
		}
		return Result{Cancelled: true, CancelReason: apperr.CodeInsufficientHolding, FilledOrderID: order.ID, Side: gridmodel.Sell}, nil
	}

	proceeds := order.Quantity.Mul(fillPrice)
	if err := e.portfolios.SetCashBalance(tx, portfolio.ID, portfolio.CashBalance.Add(proceeds)); err != nil {
		return Result{}, err
	}

	newQty := holding.Quantity.Sub(order.Quantity)
	newAvgCost := holding.AverageCost
	if newQty.IsZero() {
		newAvgCost = decimal.Zero
	}
	if err := e.portfolios.UpsertHolding(tx, gridmodel.Holding{
		PortfolioID: portfolio.ID,
		Symbol:      grid.Symbol,
		Quantity:    newQty,
		AverageCost: newAvgCost,
	}); err != nil {
		return Result{}, err
	}

	var realisedProfit *decimal.Decimal
	if order.PairedLevel != nil {
		pairedBuyFillPrice := grid.LevelPrice(*order.PairedLevel)
		profit := order.Quantity.Mul(fillPrice.Sub(pairedBuyFillPrice))
		realisedProfit = &profit
	}

	now := time.Now().UTC()
	if err := e.orders.FillOrder(tx, order.ID, now, fillPrice, observedPrice, realisedProfit); err != nil {
		return Result{}, err
	}

	result := Result{FilledOrderID: order.ID, Side: gridmodel.Sell, FillPrice: fillPrice, RealisedProfit: realisedProfit}

	// Mandatory cycle rule: recreate the BUY at the paired level so the
	// ladder never degrades (spec.md §4.3 step 4).
	pairedLevel := order.LevelIndex - 1
	if order.PairedLevel != nil {
		pairedLevel = *order.PairedLevel
	}
	buyOrder := &gridmodel.Order{
		GridID:     grid.ID,
		LevelIndex: pairedLevel,
		LevelPrice: grid.LevelPrice(pairedLevel),
		Side:       gridmodel.Buy,
		Quantity:   order.Quantity,
		State:      gridmodel.OrderPending,
		Source:     "GRID",
	}
	id, err := e.reconcilePairedOrder(tx, grid.ID, buyOrder)
	if err != nil {
		return Result{}, err
	}
	result.NewPairedOrderID = id
	return result, nil
}

// reconcilePairedOrder implements spec.md §8 S3: when the level a fill
// needs to repopulate already holds a PENDING order — the normal case for
// any observed price that falls strictly between two grid levels, since
// the planner's initial ladder already placed an order on both sides of
// it — that existing order is reused instead of inserting a duplicate,
// which would otherwise collide with idx_orders_grid_level_pending.
func (e *Engine) reconcilePairedOrder(tx *sql.Tx, gridID int64, wanted *gridmodel.Order) (int64, error) {
	existing, err := e.orders.PendingAtLevel(tx, gridID, wanted.LevelIndex)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return existing.ID, nil
	}
	return e.orders.Create(tx, wanted)
}

// publishPostCommit emits alerts once the transaction has committed, so
// the engine never holds a transaction across dispatch I/O
// (spec.md §4.3 step 5 / Concurrency note).
func (e *Engine) publishPostCommit(ctx context.Context, gridID int64, r Result) {
	if r.NoOp {
		return
	}
	db := e.db

	if r.Cancelled {
		kind := gridmodel.AlertInsufficientCash
		if r.CancelReason == apperr.CodeInsufficientHolding {
			kind = gridmodel.AlertInsufficientHold
		}
		_, _ = e.emitter.Emit(db, &gridmodel.Alert{
			Kind:     kind,
			Severity: gridmodel.SeverityWarn,
			GridID:   &gridID,
			Payload:  map[string]any{"order_id": r.FilledOrderID},
			DedupKey: alert.LevelDedupKey(gridID, int(r.FilledOrderID)),
		})
		return
	}

	if r.CancelReason == apperr.CodeOverBoundary {
		_, _ = e.emitter.Emit(db, &gridmodel.Alert{
			Kind:     gridmodel.AlertPriceAboveRange,
			Severity: gridmodel.SeverityWarn,
			GridID:   &gridID,
			Payload:  map[string]any{"order_id": r.FilledOrderID, "reason": "over_boundary_inventory"},
			DedupKey: alert.BoundaryDedupKey(gridmodel.AlertPriceAboveRange, gridID, 0, 1),
		})
	}

	_, _ = e.emitter.Emit(db, &gridmodel.Alert{
		Kind:     gridmodel.AlertOrderFilled,
		Severity: gridmodel.SeverityInfo,
		GridID:   &gridID,
		Payload:  map[string]any{"order_id": r.FilledOrderID, "side": r.Side, "fill_price": r.FillPrice.String()},
		DedupKey: alert.LevelDedupKey(gridID, int(r.FilledOrderID)),
	})

	if r.RealisedProfit != nil {
		e.maybeEmitMilestone(db, gridID)
	}
}

// maybeEmitMilestone checks the grid's cumulative realised profit — not
// this fill's own profit, which is almost always far smaller than a
// milestone step — against the configured thresholds (spec.md §4.3 step 5,
// §4.5). The fill that triggered this call has already committed, so the
// sum over FILLED SELL orders includes it.
func (e *Engine) maybeEmitMilestone(db store.DBTX, gridID int64) {
	cumulative, err := e.orders.SumRealisedProfit(db, gridID)
	if err != nil {
		e.log.Error().Err(err).Int64("grid_id", gridID).Msg("failed to sum realised profit for milestone check")
		return
	}
	for _, step := range MilestoneSteps {
		if cumulative.GreaterThanOrEqual(step) {
			f, _ := cumulative.Float64()
			stepF, _ := step.Float64()
			_, _ = e.emitter.Emit(db, &gridmodel.Alert{
				Kind:     gridmodel.AlertProfitMilestone,
				Severity: gridmodel.SeverityInfo,
				GridID:   &gridID,
				Payload:  map[string]any{"cumulative_profit": cumulative.String()},
				DedupKey: alert.MilestoneDedupKey(gridID, f, stepF),
			})
		}
	}
}

// withRetry retries op on a busy/locked SQLite error up to attempts times
// with linear backoff (spec.md §5/§6 concurrency model).
func withRetry(ctx context.Context, attempts int, op func() error) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		err := op()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 50 * time.Millisecond):
		}
	}
	return lastErr
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked") || errors.Is(err, sql.ErrTxDone)
}
