package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/otso-systems/gridtrader/internal/gridmodel"
	"github.com/otso-systems/gridtrader/internal/money"
)

// OrderRepository persists the per-level Order rows that make up a Grid's
// ladder. Grounded on trade_repository.go's insert/scan shape; the
// grid_id+level_index PENDING-uniqueness invariant is enforced by the
// idx_orders_grid_level_pending partial index in schema.go rather than
// application-level locking.
type OrderRepository struct {
	log zerolog.Logger
}

func NewOrderRepository(log zerolog.Logger) *OrderRepository {
	return &OrderRepository{log: log.With().Str("repo", "order").Logger()}
}

const orderSelectColumns = `
	SELECT id, grid_id, level_index, level_price_micros, side, quantity_units, state,
	       paired_level, filled_at, filled_price_micros, trigger_price_micros,
	       realised_profit_cents, cancel_reason, source
	FROM orders`

// CreateInitialSet inserts a grid's starting ladder of PENDING orders
// (spec.md §4.2 step 5) in one call so a partial ladder never persists.
func (r *OrderRepository) CreateInitialSet(db DBTX, orders []*gridmodel.Order) error {
	for _, o := range orders {
		if _, err := r.Create(db, o); err != nil {
			return err
		}
	}
	return nil
}

func (r *OrderRepository) Create(db DBTX, o *gridmodel.Order) (int64, error) {
	res, err := db.Exec(
		`INSERT INTO orders
			(grid_id, level_index, level_price_micros, side, quantity_units, state,
			 paired_level, source)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.GridID, o.LevelIndex, money.PriceMicros(o.LevelPrice), string(o.Side),
		money.QuantityUnits(o.Quantity), string(o.State), o.PairedLevel, orSource(o.Source),
	)
	if err != nil {
		return 0, fmt.Errorf("create order: %w", err)
	}
	return res.LastInsertId()
}

func orSource(s string) string {
	if s == "" {
		return "GRID"
	}
	return s
}

func (r *OrderRepository) Get(db DBTX, id int64) (*gridmodel.Order, error) {
	row := db.QueryRow(orderSelectColumns+` WHERE id = ?`, id)
	return scanOrder(row)
}

// PendingAtLevel returns the PENDING order at a grid level, or nil if none
// (used by the execution engine to reuse an order already sitting at the
// level a fill's paired order would be placed on).
func (r *OrderRepository) PendingAtLevel(db DBTX, gridID int64, levelIndex int) (*gridmodel.Order, error) {
	row := db.QueryRow(
		orderSelectColumns+` WHERE grid_id = ? AND level_index = ? AND state = 'PENDING'`,
		gridID, levelIndex,
	)
	return scanOrder(row)
}

// SumRealisedProfit returns a grid's cumulative realised profit across all
// FILLED SELL orders, for PROFIT_MILESTONE's cumulative threshold
// (spec.md §4.3 step 5, §4.5) — a fill's own profit is never compared
// against the milestone steps directly.
func (r *OrderRepository) SumRealisedProfit(db DBTX, gridID int64) (decimal.Decimal, error) {
	row := db.QueryRow(
		`SELECT COALESCE(SUM(realised_profit_cents), 0) FROM orders WHERE grid_id = ? AND side = 'SELL' AND state = 'FILLED'`,
		gridID,
	)
	var cents int64
	if err := row.Scan(&cents); err != nil {
		return decimal.Zero, fmt.Errorf("sum realised profit: %w", err)
	}
	return money.CashFromCents(cents), nil
}

func (r *OrderRepository) ListByGrid(db DBTX, gridID int64) ([]*gridmodel.Order, error) {
	rows, err := db.Query(orderSelectColumns+` WHERE grid_id = ? ORDER BY level_index`, gridID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()
	return scanOrderRowsAll(rows)
}

func (r *OrderRepository) ListPendingByGrid(db DBTX, gridID int64) ([]*gridmodel.Order, error) {
	rows, err := db.Query(orderSelectColumns+` WHERE grid_id = ? AND state = 'PENDING' ORDER BY level_index`, gridID)
	if err != nil {
		return nil, fmt.Errorf("list pending orders: %w", err)
	}
	defer rows.Close()
	return scanOrderRowsAll(rows)
}

func scanOrderRowsAll(rows *sql.Rows) ([]*gridmodel.Order, error) {
	var out []*gridmodel.Order
	for rows.Next() {
		o, err := scanOrderRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// FillOrder marks an order FILLED at filledPrice/triggerPrice and records
// realised profit for SELL fills that closed a BUY (spec.md §4.3 steps 2-3).
// realisedProfit is nil for BUY fills.
func (r *OrderRepository) FillOrder(db DBTX, orderID int64, filledAt time.Time, filledPrice, triggerPrice decimal.Decimal, realisedProfit *decimal.Decimal) error {
	var realisedCents *int64
	if realisedProfit != nil {
		c := money.CashCents(*realisedProfit)
		realisedCents = &c
	}
	_, err := db.Exec(
		`UPDATE orders SET state = 'FILLED', filled_at = ?, filled_price_micros = ?,
		        trigger_price_micros = ?, realised_profit_cents = ? WHERE id = ?`,
		filledAt.UTC().Format(time.RFC3339), money.PriceMicros(filledPrice), money.PriceMicros(triggerPrice),
		realisedCents, orderID,
	)
	if err != nil {
		return fmt.Errorf("fill order: %w", err)
	}
	return nil
}

func (r *OrderRepository) Cancel(db DBTX, orderID int64, reason string) error {
	_, err := db.Exec(`UPDATE orders SET state = 'CANCELLED', cancel_reason = ? WHERE id = ?`, reason, orderID)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	return nil
}

func scanOrder(row *sql.Row) (*gridmodel.Order, error) {
	o, err := scanOrderCols(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

func scanOrderRows(rows *sql.Rows) (*gridmodel.Order, error) {
	return scanOrderCols(rows.Scan)
}

func scanOrderCols(scan func(dest ...any) error) (*gridmodel.Order, error) {
	var (
		o                                       gridmodel.Order
		side, state, source                     string
		levelMicros                             int64
		qtyUnits                                int64
		pairedLevel                             sql.NullInt64
		filledAt                                sql.NullString
		filledMicros, triggerMicros             sql.NullInt64
		realisedCents                           sql.NullInt64
		cancelReason                            sql.NullString
	)
	err := scan(
		&o.ID, &o.GridID, &o.LevelIndex, &levelMicros, &side, &qtyUnits, &state,
		&pairedLevel, &filledAt, &filledMicros, &triggerMicros, &realisedCents,
		&cancelReason, &source,
	)
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.Side = gridmodel.OrderSide(side)
	o.State = gridmodel.OrderState(state)
	o.Source = source
	o.LevelPrice = money.PriceFromMicros(levelMicros)
	o.Quantity = money.QuantityFromUnits(qtyUnits)
	o.CancelReason = cancelReason.String
	if pairedLevel.Valid {
		lv := int(pairedLevel.Int64)
		o.PairedLevel = &lv
	}
	if filledAt.Valid {
		t, _ := time.Parse(time.RFC3339, filledAt.String)
		o.FilledAt = &t
	}
	if filledMicros.Valid {
		p := money.PriceFromMicros(filledMicros.Int64)
		o.FilledPrice = &p
	}
	if triggerMicros.Valid {
		p := money.PriceFromMicros(triggerMicros.Int64)
		o.TriggerPrice = &p
	}
	if realisedCents.Valid {
		p := money.CashFromCents(realisedCents.Int64)
		o.RealisedProfit = &p
	}
	return &o, nil
}
