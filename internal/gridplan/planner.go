package gridplan

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/otso-systems/gridtrader/internal/alert"
	"github.com/otso-systems/gridtrader/internal/apperr"
	"github.com/otso-systems/gridtrader/internal/clients/marketdata"
	"github.com/otso-systems/gridtrader/internal/config"
	"github.com/otso-systems/gridtrader/internal/gridmodel"
	"github.com/otso-systems/gridtrader/internal/marketrules"
	"github.com/otso-systems/gridtrader/internal/money"
	"github.com/otso-systems/gridtrader/internal/store"
)

// PlanRequest is the planner's input contract (spec.md §4.2).
type PlanRequest struct {
	PortfolioID         int64
	Symbol              string
	Name                string
	LevelCount          int
	InvestmentAmount    decimal.Decimal
	Strategy            gridmodel.StrategyKind
	LowerPrice          decimal.Decimal // STATIC only
	UpperPrice          decimal.Decimal // STATIC only
	DynamicMultiplier   decimal.Decimal // DYNAMIC only
	DynamicLookbackDays int             // DYNAMIC only
}

// Planner validates a PlanRequest, computes the price ladder and initial
// order set, and persists both atomically. Grounded on the dependency-
// injected, single-method shape of trader-go's planner.Planner.
type Planner struct {
	feed      marketdata.Port
	grids     *store.GridRepository
	orders    *store.OrderRepository
	alerts    *store.AlertRepository
	static    Strategy
	dynamic   Strategy
	log       zerolog.Logger
}

func NewPlanner(feed marketdata.Port, grids *store.GridRepository, orders *store.OrderRepository, alerts *store.AlertRepository, log zerolog.Logger) *Planner {
	return NewPlannerWithDefaults(feed, grids, orders, alerts, nil, log)
}

// NewPlannerWithDefaults additionally wires a per-market strategy-default
// table (config/strategy_defaults.yaml) into the DYNAMIC strategy so
// create-grid requests that omit dynamic_multiplier/dynamic_lookback_days
// get a market-appropriate fallback instead of one global constant.
func NewPlannerWithDefaults(feed marketdata.Port, grids *store.GridRepository, orders *store.OrderRepository, alerts *store.AlertRepository, defaults *config.StrategyDefaults, log zerolog.Logger) *Planner {
	return &Planner{
		feed:    feed,
		grids:   grids,
		orders:  orders,
		alerts:  alerts,
		static:  StaticStrategy{},
		dynamic: DynamicStrategy{Feed: feed, AllowFallback: true, Defaults: defaults},
		log:     log.With().Str("component", "planner").Logger(),
	}
}

func (p *Planner) strategyFor(kind gridmodel.StrategyKind) Strategy {
	if kind == gridmodel.StrategyDynamic {
		return p.dynamic
	}
	return p.static
}

// Plan validates req, computes the ladder and initial orders, and persists
// the Grid + Orders + a GRID_CREATED alert through db — the caller is
// expected to pass an open transaction so the whole operation is atomic
// (spec.md §4.2 step 5).
func (p *Planner) Plan(ctx context.Context, db store.DBTX, req PlanRequest) (*gridmodel.Grid, []*gridmodel.Order, error) {
	if err := validateRequest(req); err != nil {
		return nil, nil, err
	}

	prices, err := p.feed.CurrentPrices(ctx, []string{req.Symbol})
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.Transient, apperr.CodeMarketDataTimeout, err)
	}
	currentPrice, ok := prices[req.Symbol]
	if !ok || currentPrice.LessThanOrEqual(decimal.Zero) {
		return nil, nil, apperr.New(apperr.Validation, apperr.CodeSymbolUnresolved, "no current price available for "+req.Symbol)
	}

	market := marketrules.Classify(req.Symbol)
	strategy := p.strategyFor(req.Strategy)

	lower, upper, dynCfg, err := strategy.Bounds(ctx, req, currentPrice)
	if err != nil {
		return nil, nil, err
	}
	if upper.LessThanOrEqual(lower) || lower.LessThanOrEqual(decimal.Zero) {
		return nil, nil, apperr.New(apperr.Validation, apperr.CodeInvalidBounds, "upper_price must exceed lower_price > 0")
	}

	spacing := money.RoundPrice(upper.Sub(lower).Div(decimal.NewFromInt(int64(req.LevelCount))))

	grid := &gridmodel.Grid{
		PortfolioID:      req.PortfolioID,
		Symbol:           req.Symbol,
		Market:           market,
		Name:             req.Name,
		LowerPrice:       lower,
		UpperPrice:       upper,
		LevelCount:       req.LevelCount,
		Spacing:          spacing,
		InvestmentAmount: req.InvestmentAmount,
		Status:           gridmodel.GridActive,
		StrategyKind:     req.Strategy,
		Dynamic:          dynCfg,
		CreatedAt:        time.Now().UTC(),
	}

	orders := buildInitialOrders(grid, currentPrice, marketrules.AllowsShort(market))

	gridID, err := p.grids.Create(db, grid)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.Fatal, "", err)
	}
	grid.ID = gridID
	for _, o := range orders {
		o.GridID = gridID
	}
	if err := p.orders.CreateInitialSet(db, orders); err != nil {
		return nil, nil, apperr.Wrap(apperr.Fatal, "", err)
	}

	if _, err := p.alerts.Create(db, gridCreatedAlert(grid)); err != nil {
		return nil, nil, apperr.Wrap(apperr.Fatal, "", err)
	}

	return grid, orders, nil
}

// Rebalance re-derives a DYNAMIC grid's bounds from the current price,
// cancels its outstanding PENDING orders, and rebuilds the ladder at the
// new bounds (spec.md §4.4 step 4). Holdings and cash are untouched — a
// rebalance only ever replaces reserved orders, never realised positions,
// so cost basis survives across the bounds change. Callers pass an open
// transaction so the cancel/rewrite/recreate sequence is atomic.
func (p *Planner) Rebalance(ctx context.Context, db store.DBTX, grid *gridmodel.Grid, currentPrice decimal.Decimal) ([]*gridmodel.Order, error) {
	req := PlanRequest{
		Symbol:              grid.Symbol,
		LevelCount:          grid.LevelCount,
		InvestmentAmount:    grid.InvestmentAmount,
		Strategy:            gridmodel.StrategyDynamic,
		DynamicLookbackDays: 90,
	}
	if grid.Dynamic != nil {
		req.DynamicMultiplier = grid.Dynamic.Multiplier
		if grid.Dynamic.LookbackDays > 0 {
			req.DynamicLookbackDays = grid.Dynamic.LookbackDays
		}
	}

	lower, upper, cfg, err := p.dynamic.Bounds(ctx, req, currentPrice)
	if err != nil {
		return nil, err
	}
	spacing := money.RoundPrice(upper.Sub(lower).Div(decimal.NewFromInt(int64(grid.LevelCount))))

	pending, err := p.orders.ListPendingByGrid(db, grid.ID)
	if err != nil {
		return nil, err
	}
	for _, o := range pending {
		if err := p.orders.Cancel(db, o.ID, "REBALANCED"); err != nil {
			return nil, err
		}
	}

	if err := p.grids.Rebalance(db, grid.ID, lower, upper, spacing, cfg); err != nil {
		return nil, err
	}
	grid.LowerPrice, grid.UpperPrice, grid.Spacing, grid.Dynamic = lower, upper, spacing, cfg

	newOrders := buildInitialOrders(grid, currentPrice, marketrules.AllowsShort(grid.Market))
	for _, o := range newOrders {
		o.GridID = grid.ID
	}
	if err := p.orders.CreateInitialSet(db, newOrders); err != nil {
		return nil, err
	}

	gridID := grid.ID
	if _, err := p.alerts.Create(db, &gridmodel.Alert{
		Kind:      gridmodel.AlertGridRebalanced,
		Severity:  gridmodel.SeverityInfo,
		GridID:    &gridID,
		Symbol:    grid.Symbol,
		Payload:   map[string]any{"new_lower_price": lower.String(), "new_upper_price": upper.String()},
		DedupKey:  alert.DedupKey(gridmodel.AlertGridRebalanced, gridID, grid.Symbol, 1),
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return nil, err
	}

	return newOrders, nil
}

func validateRequest(req PlanRequest) error {
	if req.LevelCount < 2 || req.LevelCount > 200 {
		return apperr.New(apperr.Validation, apperr.CodeInvalidLevels, "level_count must be between 2 and 200")
	}
	if req.InvestmentAmount.LessThanOrEqual(decimal.Zero) {
		return apperr.New(apperr.Validation, apperr.CodeInvalidCapital, "investment_amount must be positive")
	}
	if req.Symbol == "" {
		return apperr.New(apperr.Validation, apperr.CodeSymbolUnresolved, "symbol is required")
	}
	return nil
}

// buildInitialOrders implements spec.md §4.2 step 2-3: levels 0..level_count-1
// are orderable (lower + i*spacing), upper_price itself is the boundary and
// is never an orderable level — the fixed convention decided for this engine
// (the spec permits the mirror convention; this one was chosen and is
// covered by planner_test.go).
func buildInitialOrders(grid *gridmodel.Grid, currentPrice decimal.Decimal, allowsShort bool) []*gridmodel.Order {
	buyLevels := make([]int, 0, grid.LevelCount)
	for i := 0; i < grid.LevelCount; i++ {
		if grid.LevelPrice(i).LessThan(currentPrice) {
			buyLevels = append(buyLevels, i)
		}
	}

	var orders []*gridmodel.Order
	if allowsShort {
		capitalPerLevel := grid.InvestmentAmount.Div(decimal.NewFromInt(int64(grid.LevelCount)))
		for i := 0; i < grid.LevelCount; i++ {
			levelPrice := grid.LevelPrice(i)
			qty := money.RoundQuantity(capitalPerLevel.Div(levelPrice))
			switch {
			case levelPrice.LessThan(currentPrice):
				orders = append(orders, newPendingOrder(grid.ID, i, levelPrice, gridmodel.Buy, qty))
			case levelPrice.GreaterThan(currentPrice):
				orders = append(orders, newPendingOrder(grid.ID, i, levelPrice, gridmodel.Sell, qty))
			}
		}
		return orders
	}

	if len(buyLevels) == 0 {
		return orders
	}
	capitalPerBuyLevel := grid.InvestmentAmount.Div(decimal.NewFromInt(int64(len(buyLevels))))
	for _, i := range buyLevels {
		levelPrice := grid.LevelPrice(i)
		qty := money.RoundQuantity(capitalPerBuyLevel.Div(levelPrice))
		orders = append(orders, newPendingOrder(grid.ID, i, levelPrice, gridmodel.Buy, qty))
	}
	return orders
}

func newPendingOrder(gridID int64, levelIndex int, levelPrice decimal.Decimal, side gridmodel.OrderSide, qty decimal.Decimal) *gridmodel.Order {
	return &gridmodel.Order{
		GridID:     gridID,
		LevelIndex: levelIndex,
		LevelPrice: levelPrice,
		Side:       side,
		Quantity:   qty,
		State:      gridmodel.OrderPending,
		Source:     "GRID",
	}
}

func gridCreatedAlert(grid *gridmodel.Grid) *gridmodel.Alert {
	gridID := grid.ID
	return &gridmodel.Alert{
		Kind:      gridmodel.AlertGridCreated,
		Severity:  gridmodel.SeverityInfo,
		GridID:    &gridID,
		Symbol:    grid.Symbol,
		Payload:   map[string]any{"level_count": grid.LevelCount, "lower_price": grid.LowerPrice.String(), "upper_price": grid.UpperPrice.String()},
		DedupKey:  alert.DedupKey(gridmodel.AlertGridCreated, gridID, grid.Symbol, 1),
		CreatedAt: time.Now().UTC(),
	}
}
