package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/otso-systems/gridtrader/internal/money"
)

// PortfolioSnapshot is one point-in-time revaluation of a portfolio
// (spec.md §4.6 "Portfolio revaluation" task).
type PortfolioSnapshot struct {
	ID                 int64
	PortfolioID        int64
	CashBalance        decimal.Decimal
	HoldingsValue      decimal.Decimal
	UnrealisedPL       decimal.Decimal
	CreatedAt          time.Time
}

// SnapshotRepository persists PortfolioSnapshot rows.
type SnapshotRepository struct {
	log zerolog.Logger
}

func NewSnapshotRepository(log zerolog.Logger) *SnapshotRepository {
	return &SnapshotRepository{log: log.With().Str("repo", "snapshot").Logger()}
}

func (r *SnapshotRepository) Create(db DBTX, s *PortfolioSnapshot) (int64, error) {
	res, err := db.Exec(
		`INSERT INTO portfolio_snapshots (portfolio_id, cash_cents, holdings_value_cents, unrealised_pl_cents, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		s.PortfolioID, money.CashCents(s.CashBalance), money.CashCents(s.HoldingsValue),
		money.CashCents(s.UnrealisedPL), s.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("create portfolio snapshot: %w", err)
	}
	return res.LastInsertId()
}

func (r *SnapshotRepository) LatestByPortfolio(db DBTX, portfolioID int64) (*PortfolioSnapshot, error) {
	row := db.QueryRow(
		`SELECT id, portfolio_id, cash_cents, holdings_value_cents, unrealised_pl_cents, created_at
		 FROM portfolio_snapshots WHERE portfolio_id = ? ORDER BY created_at DESC LIMIT 1`,
		portfolioID,
	)
	var s PortfolioSnapshot
	var cashCents, holdingsCents, plCents int64
	var createdAt string
	err := row.Scan(&s.ID, &s.PortfolioID, &cashCents, &holdingsCents, &plCents, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read portfolio snapshot: %w", err)
	}
	s.CashBalance = money.CashFromCents(cashCents)
	s.HoldingsValue = money.CashFromCents(holdingsCents)
	s.UnrealisedPL = money.CashFromCents(plCents)
	s.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &s, nil
}
