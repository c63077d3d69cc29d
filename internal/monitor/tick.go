// Package monitor implements the Grid Monitor tick (spec.md §4.4): fetch
// current prices for every ACTIVE grid's symbol in one batch, walk each
// grid's pending ladder for crossings, hand crossings to the execution
// engine, classify boundary proximity, and flag DYNAMIC grids whose price
// has drifted far enough to warrant a rebalance.
//
// Grounded on the bounded-concurrency batch-fetch pattern of
// aristath-sentinel/trader-go's portfolio revaluation job (a
// semaphore.NewWeighted-gated errgroup.Group fanning out per-security
// work), adapted here to fan out per-grid rather than per-security since
// the price fetch itself is already a single batched Port call.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"github.com/otso-systems/gridtrader/internal/alert"
	"github.com/otso-systems/gridtrader/internal/clients/marketdata"
	"github.com/otso-systems/gridtrader/internal/database"
	"github.com/otso-systems/gridtrader/internal/execution"
	"github.com/otso-systems/gridtrader/internal/gridmodel"
	"github.com/otso-systems/gridtrader/internal/gridplan"
	"github.com/otso-systems/gridtrader/internal/store"
)

// DefaultBoundaryBufferPct is the fraction of the observed price used to
// classify PRICE_NEAR_BOUNDARY (spec.md §4.4 step 3 default: 0.5%).
var DefaultBoundaryBufferPct = decimal.NewFromFloat(0.005)

const maxConcurrentGrids = 20

// Tick is the scheduler.Job that drives one monitoring pass over every
// ACTIVE grid.
type Tick struct {
	db                 *database.DB
	grids              *store.GridRepository
	orders             *store.OrderRepository
	feed               marketdata.Port
	engine             *execution.Engine
	planner            *gridplan.Planner
	dynamicStrategy    gridplan.Strategy
	emitter            *alert.Emitter
	boundaryBufferPct  decimal.Decimal
	rebalanceThreshold decimal.Decimal
	log                zerolog.Logger
}

func NewTick(
	db *database.DB,
	grids *store.GridRepository,
	orders *store.OrderRepository,
	feed marketdata.Port,
	engine *execution.Engine,
	planner *gridplan.Planner,
	emitter *alert.Emitter,
	log zerolog.Logger,
) *Tick {
	return &Tick{
		db:                 db,
		grids:              grids,
		orders:             orders,
		feed:               feed,
		engine:             engine,
		planner:            planner,
		dynamicStrategy:    gridplan.DynamicStrategy{Feed: feed, AllowFallback: true},
		emitter:            emitter,
		boundaryBufferPct:  DefaultBoundaryBufferPct,
		rebalanceThreshold: gridplan.DefaultRebalanceThreshold,
		log:                log.With().Str("component", "grid_monitor").Logger(),
	}
}

func (t *Tick) Name() string { return "grid_monitor_tick" }

// Run satisfies scheduler.Job; each tick gets a fresh background context,
// bounded only by per-grid processing, since the cron wrapper passes none.
func (t *Tick) Run() error {
	return t.RunContext(context.Background())
}

// RunContext implements spec.md §4.4 steps 1-4, except that grids are not
// filtered by trading hours: every ACTIVE grid is processed on each tick,
// whether or not its market is open.
func (t *Tick) RunContext(ctx context.Context) error {
	grids, err := t.grids.ListActiveBySymbols(t.db, nil)
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

	prices, err := t.feed.CurrentPrices(ctx, symbols)
	if err != nil {
		return err
	}
	for _, sym := range symbols {
		if _, ok := prices[sym]; ok {
			continue
		}
		_, emitErr := t.emitter.Emit(t.db, &gridmodel.Alert{
			Kind:      gridmodel.AlertMarketDataGap,
			Severity:  gridmodel.SeverityWarn,
			Symbol:    sym,
			Payload:   map[string]any{"symbol": sym},
			DedupKey:  alert.MarketDataGapDedupKey(sym),
			CreatedAt: time.Now().UTC(),
		})
		if emitErr != nil {
			t.log.Error().Err(emitErr).Str("symbol", sym).Msg("failed to record market data gap alert")
		}
	}

	sem := semaphore.NewWeighted(maxConcurrentGrids)
	var wg sync.WaitGroup
	for _, g := range grids {
		price, ok := prices[g.Symbol]
		if !ok {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(grid *gridmodel.Grid, price decimal.Decimal) {
			defer wg.Done()
			defer sem.Release(1)
			t.processGrid(ctx, grid, price)
		}(g, price)
	}
	wg.Wait()
	return nil
}

// processGrid applies every crossed level's transition, classifies
// boundary proximity, and checks DYNAMIC rebalance drift for one grid.
// Each grid's transitions are submitted sequentially (spec.md §4.4's
// per-grid ordering guarantee); grids themselves run concurrently.
func (t *Tick) processGrid(ctx context.Context, grid *gridmodel.Grid, price decimal.Decimal) {
	t.classifyBoundary(grid, price)

	pending, err := t.orders.ListPendingByGrid(t.db, grid.ID)
	if err != nil {
		t.log.Error().Err(err).Int64("grid_id", grid.ID).Msg("failed to list pending orders")
		return
	}

	buys, sells := splitAndOrder(pending)
	for _, o := range buys {
		if price.GreaterThan(o.LevelPrice) {
			continue
		}
		t.applyTransition(ctx, grid.ID, o.ID, price)
	}
	for _, o := range sells {
		if price.LessThan(o.LevelPrice) {
			continue
		}
		t.applyTransition(ctx, grid.ID, o.ID, price)
	}

	if grid.StrategyKind != gridmodel.StrategyDynamic {
		return
	}
	if !t.dynamicStrategy.ShouldRebalance(grid, price, t.rebalanceThreshold) {
		return
	}
	t.handleRebalance(ctx, grid, price)
}

// splitAndOrder returns BUY orders sorted descending by level index (the
// level nearest the crossed price first, walking down) and SELL orders
// sorted ascending (nearest first, walking up) — spec.md §4.4 step 3's
// multi-level traversal ordering for a single tick that crosses more than
// one level.
func splitAndOrder(pending []*gridmodel.Order) (buys, sells []*gridmodel.Order) {
	for _, o := range pending {
		switch o.Side {
		case gridmodel.Buy:
			buys = append(buys, o)
		case gridmodel.Sell:
			sells = append(sells, o)
		}
	}
	sortDescByLevel(buys)
	sortAscByLevel(sells)
	return buys, sells
}

func sortDescByLevel(orders []*gridmodel.Order) {
	for i := 1; i < len(orders); i++ {
		for j := i; j > 0 && orders[j].LevelIndex > orders[j-1].LevelIndex; j-- {
			orders[j], orders[j-1] = orders[j-1], orders[j]
		}
	}
}

func sortAscByLevel(orders []*gridmodel.Order) {
	for i := 1; i < len(orders); i++ {
		for j := i; j > 0 && orders[j].LevelIndex < orders[j-1].LevelIndex; j-- {
			orders[j], orders[j-1] = orders[j-1], orders[j]
		}
	}
}

func (t *Tick) applyTransition(ctx context.Context, gridID, orderID int64, price decimal.Decimal) {
	_, err := t.engine.ApplyTransition(ctx, execution.Transition{
		GridID:        gridID,
		OrderID:       orderID,
		ObservedPrice: price,
		ObservedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.log.Error().Err(err).Int64("grid_id", gridID).Int64("order_id", orderID).Msg("transition failed")
	}
}

func (t *Tick) classifyBoundary(grid *gridmodel.Grid, price decimal.Decimal) {
	buffer := price.Mul(t.boundaryBufferPct)

	var kind gridmodel.AlertKind
	switch {
	case price.GreaterThan(grid.UpperPrice):
		kind = gridmodel.AlertPriceAboveRange
	case price.LessThan(grid.LowerPrice):
		kind = gridmodel.AlertPriceBelowRange
	default:
		nearUpper := grid.UpperPrice.Sub(price).Abs().LessThanOrEqual(buffer)
		nearLower := price.Sub(grid.LowerPrice).Abs().LessThanOrEqual(buffer)
		if nearUpper || nearLower {
			kind = gridmodel.AlertPriceNearBoundary
		}
	}
	if kind == "" {
		return
	}

	// BoundaryDedupKey buckets by floor(price / boundary_buffer), where
	// boundary_buffer is the absolute price buffer (boundaryBufferPct * p),
	// not the bare fraction (spec.md §4.5).
	priceF, _ := price.Float64()
	bufferF, _ := buffer.Float64()
	_, err := t.emitter.Emit(t.db, &gridmodel.Alert{
		Kind:      kind,
		Severity:  gridmodel.SeverityWarn,
		GridID:    &grid.ID,
		Symbol:    grid.Symbol,
		Payload:   map[string]any{"price": price.String(), "lower_price": grid.LowerPrice.String(), "upper_price": grid.UpperPrice.String()},
		DedupKey:  alert.BoundaryDedupKey(kind, grid.ID, priceF, bufferF),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.log.Error().Err(err).Int64("grid_id", grid.ID).Msg("failed to record boundary alert")
	}
}

// handleRebalance raises REBALANCE_SUGGESTED and, since this engine
// auto-applies the suggestion rather than waiting on manual approval,
// immediately re-plans the grid inside one transaction.
func (t *Tick) handleRebalance(ctx context.Context, grid *gridmodel.Grid, price decimal.Decimal) {
	if _, err := t.emitter.Emit(t.db, &gridmodel.Alert{
		Kind:      gridmodel.AlertRebalanceSuggested,
		Severity:  gridmodel.SeverityWarn,
		GridID:    &grid.ID,
		Symbol:    grid.Symbol,
		Payload:   map[string]any{"current_price": price.String()},
		DedupKey:  alert.DedupKey(gridmodel.AlertRebalanceSuggested, grid.ID, grid.Symbol, 1),
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.log.Error().Err(err).Int64("grid_id", grid.ID).Msg("failed to record rebalance alert")
	}

	tx, err := t.db.BeginTx(ctx)
	if err != nil {
		t.log.Error().Err(err).Int64("grid_id", grid.ID).Msg("failed to open rebalance transaction")
		return
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := t.planner.Rebalance(ctx, tx, grid, price); err != nil {
		t.log.Error().Err(err).Int64("grid_id", grid.ID).Msg("rebalance failed")
		return
	}
	if err := tx.Commit(); err != nil {
		t.log.Error().Err(err).Int64("grid_id", grid.ID).Msg("failed to commit rebalance")
		return
	}
	committed = true
	t.log.Info().Int64("grid_id", grid.ID).Str("symbol", grid.Symbol).Msg("grid rebalanced")
}
