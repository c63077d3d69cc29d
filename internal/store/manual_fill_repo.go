package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/otso-systems/gridtrader/internal/gridmodel"
	"github.com/otso-systems/gridtrader/internal/money"
)

// ManualFill is an audit record of a `source = MANUAL` transaction applied
// outside any grid ladder (spec.md §6 POST /api/transactions).
type ManualFill struct {
	ID             int64
	PortfolioID    int64
	Symbol         string
	Side           gridmodel.OrderSide
	Quantity       decimal.Decimal
	Price          decimal.Decimal
	Fees           decimal.Decimal
	RealisedProfit *decimal.Decimal
	Notes          string
	FilledAt       time.Time
}

// ManualFillRepository persists manual transactions. Kept in its own table
// rather than the grid orders table because orders.grid_id is a required
// foreign key into a price ladder a manual transaction has none of
// (DESIGN.md documents this as the Open Question decision for "same
// Execution Engine code path" manual fills).
type ManualFillRepository struct {
	log zerolog.Logger
}

func NewManualFillRepository(log zerolog.Logger) *ManualFillRepository {
	return &ManualFillRepository{log: log.With().Str("repo", "manual_fill").Logger()}
}

func (r *ManualFillRepository) Create(db DBTX, f *ManualFill) (int64, error) {
	var realisedCents *int64
	if f.RealisedProfit != nil {
		c := money.CashCents(*f.RealisedProfit)
		realisedCents = &c
	}
	res, err := db.Exec(
		`INSERT INTO manual_fills
			(portfolio_id, symbol, side, quantity_units, price_micros, fees_cents, realised_profit_cents, notes, filled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.PortfolioID, f.Symbol, string(f.Side), money.QuantityUnits(f.Quantity),
		money.PriceMicros(f.Price), money.CashCents(f.Fees), realisedCents, f.Notes,
		f.FilledAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("create manual fill: %w", err)
	}
	return res.LastInsertId()
}

func (r *ManualFillRepository) ListByPortfolio(db DBTX, portfolioID int64) ([]*ManualFill, error) {
	rows, err := db.Query(
		`SELECT id, portfolio_id, symbol, side, quantity_units, price_micros, fees_cents,
		        realised_profit_cents, notes, filled_at
		 FROM manual_fills WHERE portfolio_id = ? ORDER BY filled_at DESC`,
		portfolioID,
	)
	if err != nil {
		return nil, fmt.Errorf("list manual fills: %w", err)
	}
	defer rows.Close()

	var out []*ManualFill
	for rows.Next() {
		var (
			f              ManualFill
			side           string
			qtyUnits       int64
			priceMicros    int64
			feesCents      int64
			realisedCents  sql.NullInt64
			notes          sql.NullString
			filledAt       string
		)
		if err := rows.Scan(&f.ID, &f.PortfolioID, &f.Symbol, &side, &qtyUnits, &priceMicros,
			&feesCents, &realisedCents, &notes, &filledAt); err != nil {
			return nil, fmt.Errorf("scan manual fill: %w", err)
		}
		f.Side = gridmodel.OrderSide(side)
		f.Quantity = money.QuantityFromUnits(qtyUnits)
		f.Price = money.PriceFromMicros(priceMicros)
		f.Fees = money.CashFromCents(feesCents)
		f.Notes = notes.String
		f.FilledAt, _ = time.Parse(time.RFC3339, filledAt)
		if realisedCents.Valid {
			p := money.CashFromCents(realisedCents.Int64)
			f.RealisedProfit = &p
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}
