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

// PortfolioRepository handles portfolio and holding persistence.
// Faithful adaptation of the shape of trader-go's position_repository.go,
// rebased onto the grid engine's scaled-integer Holding/Portfolio model.
type PortfolioRepository struct {
	log zerolog.Logger
}

func NewPortfolioRepository(log zerolog.Logger) *PortfolioRepository {
	return &PortfolioRepository{log: log.With().Str("repo", "portfolio").Logger()}
}

func (r *PortfolioRepository) Create(db DBTX, cashBalance decimal.Decimal) (*gridmodel.Portfolio, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	cents := money.CashCents(cashBalance)
	res, err := db.Exec(
		`INSERT INTO portfolios (cash_balance_cents, created_at, updated_at) VALUES (?, ?, ?)`,
		cents, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create portfolio: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create portfolio: %w", err)
	}
	return r.Get(db, id)
}

// ListAllIDs returns every portfolio ID, used by the revaluation task to
// iterate portfolios without a bespoke "active portfolios" concept (every
// portfolio is always eligible for revaluation).
func (r *PortfolioRepository) ListAllIDs(db DBTX) ([]int64, error) {
	rows, err := db.Query(`SELECT id FROM portfolios ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list portfolio ids: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan portfolio id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *PortfolioRepository) Get(db DBTX, id int64) (*gridmodel.Portfolio, error) {
	row := db.QueryRow(`SELECT id, cash_balance_cents, created_at, updated_at FROM portfolios WHERE id = ?`, id)
	return scanPortfolio(row)
}

func scanPortfolio(row *sql.Row) (*gridmodel.Portfolio, error) {
	var (
		p                  gridmodel.Portfolio
		cents              int64
		createdAt, updated string
	)
	if err := row.Scan(&p.ID, &cents, &createdAt, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan portfolio: %w", err)
	}
	p.CashBalance = money.CashFromCents(cents)
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &p, nil
}

// SetCashBalance overwrites cash_balance_cents (used by both the execution
// engine and the manual cash-adjustment endpoint); it keeps no record of
// the prior value, which the cash-adjustment endpoint audits separately
// through RecordCashAdjustment.
func (r *PortfolioRepository) SetCashBalance(db DBTX, portfolioID int64, newBalance decimal.Decimal) error {
	_, err := db.Exec(
		`UPDATE portfolios SET cash_balance_cents = ?, updated_at = ? WHERE id = ?`,
		money.CashCents(newBalance), time.Now().UTC().Format(time.RFC3339), portfolioID,
	)
	if err != nil {
		return fmt.Errorf("update cash balance: %w", err)
	}
	return nil
}

// GetHolding returns the holding for (portfolioID, symbol), or a zero-value
// Holding (not an error) if none exists yet.
func (r *PortfolioRepository) GetHolding(db DBTX, portfolioID int64, symbol string) (gridmodel.Holding, error) {
	row := db.QueryRow(
		`SELECT quantity_units, average_cost_micros FROM holdings WHERE portfolio_id = ? AND symbol = ?`,
		portfolioID, symbol,
	)
	var qtyUnits, avgMicros int64
	err := row.Scan(&qtyUnits, &avgMicros)
	if errors.Is(err, sql.ErrNoRows) {
		return gridmodel.Holding{PortfolioID: portfolioID, Symbol: symbol}, nil
	}
	if err != nil {
		return gridmodel.Holding{}, fmt.Errorf("get holding: %w", err)
	}
	return gridmodel.Holding{
		PortfolioID: portfolioID,
		Symbol:      symbol,
		Quantity:    money.QuantityFromUnits(qtyUnits),
		AverageCost: money.PriceFromMicros(avgMicros),
	}, nil
}

// UpsertHolding writes the holding's current quantity/average cost.
func (r *PortfolioRepository) UpsertHolding(db DBTX, h gridmodel.Holding) error {
	_, err := db.Exec(
		`INSERT INTO holdings (portfolio_id, symbol, quantity_units, average_cost_micros)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(portfolio_id, symbol) DO UPDATE SET
		   quantity_units = excluded.quantity_units,
		   average_cost_micros = excluded.average_cost_micros`,
		h.PortfolioID, h.Symbol, money.QuantityUnits(h.Quantity), money.PriceMicros(h.AverageCost),
	)
	if err != nil {
		return fmt.Errorf("upsert holding: %w", err)
	}
	return nil
}

func (r *PortfolioRepository) ListHoldings(db DBTX, portfolioID int64) ([]gridmodel.Holding, error) {
	rows, err := db.Query(
		`SELECT symbol, quantity_units, average_cost_micros FROM holdings WHERE portfolio_id = ?`,
		portfolioID,
	)
	if err != nil {
		return nil, fmt.Errorf("list holdings: %w", err)
	}
	defer rows.Close()

	var out []gridmodel.Holding
	for rows.Next() {
		var symbol string
		var qtyUnits, avgMicros int64
		if err := rows.Scan(&symbol, &qtyUnits, &avgMicros); err != nil {
			return nil, fmt.Errorf("scan holding: %w", err)
		}
		out = append(out, gridmodel.Holding{
			PortfolioID: portfolioID,
			Symbol:      symbol,
			Quantity:    money.QuantityFromUnits(qtyUnits),
			AverageCost: money.PriceFromMicros(avgMicros),
		})
	}
	return out, rows.Err()
}

// RecordCashAdjustment writes an audit row for a manual cash change
// (spec.md §6 POST /api/portfolios/{id}/update-cash).
func (r *PortfolioRepository) RecordCashAdjustment(db DBTX, portfolioID int64, previous, newBalance decimal.Decimal, notes string) error {
	_, err := db.Exec(
		`INSERT INTO cash_adjustments (portfolio_id, previous_cents, new_cents, notes, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		portfolioID, money.CashCents(previous), money.CashCents(newBalance), notes,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record cash adjustment: %w", err)
	}
	return nil
}
