// Package gridmodel holds the core entities of the grid-trading engine:
// Portfolio, Grid, Order, Holding and Alert, as described in spec.md §3.
//
// These are in-memory value types; internal/database holds the schema with
// its scaled-integer storage representation, and the repositories in
// internal/store convert between the two.
package gridmodel

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/otso-systems/gridtrader/internal/marketrules"
)

// GridStatus is the lifecycle state of a Grid.
type GridStatus string

const (
	GridActive    GridStatus = "ACTIVE"
	GridPaused    GridStatus = "PAUSED"
	GridCompleted GridStatus = "COMPLETED"
	GridCancelled GridStatus = "CANCELLED"
)

// StrategyKind tags the Grid's strategy variant (spec.md §3, §9).
type StrategyKind string

const (
	StrategyStatic  StrategyKind = "STATIC"
	StrategyDynamic StrategyKind = "DYNAMIC"
)

// DynamicConfig holds the parameters of a DYNAMIC grid's rebalance strategy.
type DynamicConfig struct {
	Volatility    decimal.Decimal `json:"volatility"`
	Multiplier    decimal.Decimal `json:"multiplier"`
	CenterPrice   decimal.Decimal `json:"center_price"`
	LookbackDays  int             `json:"lookback_days"`
	UsedFallback  bool            `json:"used_fallback_volatility,omitempty"`
}

// Grid is the central planning entity: a ladder of price levels for one symbol.
type Grid struct {
	ID                int64
	PortfolioID       int64
	Symbol            string
	Market            marketrules.Market
	Name              string
	LowerPrice        decimal.Decimal
	UpperPrice        decimal.Decimal
	LevelCount        int
	Spacing           decimal.Decimal
	InvestmentAmount  decimal.Decimal
	Status            GridStatus
	StrategyKind      StrategyKind
	Dynamic           *DynamicConfig
	CreatedAt         time.Time
	LastRebalancedAt  *time.Time
}

// LevelPrice returns lower + i*spacing for level index i.
func (g *Grid) LevelPrice(levelIndex int) decimal.Decimal {
	return g.LowerPrice.Add(g.Spacing.Mul(decimal.NewFromInt(int64(levelIndex))))
}

// OrderSide is BUY or SELL.
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// OrderState is the lifecycle state of a single grid-level Order.
type OrderState string

const (
	OrderPending   OrderState = "PENDING"
	OrderFilled    OrderState = "FILLED"
	OrderCancelled OrderState = "CANCELLED"
)

// Order is one grid level's reserved order.
type Order struct {
	ID              int64
	GridID          int64
	LevelIndex      int
	LevelPrice      decimal.Decimal
	Side            OrderSide
	Quantity        decimal.Decimal
	State           OrderState
	PairedLevel     *int
	FilledAt        *time.Time
	FilledPrice     *decimal.Decimal
	TriggerPrice    *decimal.Decimal
	RealisedProfit  *decimal.Decimal
	CancelReason    string
	Source          string // "GRID" or "MANUAL"
}

// Holding is a Portfolio's position in a single Symbol.
type Holding struct {
	PortfolioID int64
	Symbol      string
	Quantity    decimal.Decimal
	AverageCost decimal.Decimal
}

// Portfolio owns Cash and Holdings.
type Portfolio struct {
	ID          int64
	CashBalance decimal.Decimal
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PriceTick is one observed market price for a symbol.
type PriceTick struct {
	Symbol     string
	Price      decimal.Decimal
	ObservedAt time.Time
}
