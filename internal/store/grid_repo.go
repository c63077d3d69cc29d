package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/otso-systems/gridtrader/internal/gridmodel"
	"github.com/otso-systems/gridtrader/internal/marketrules"
	"github.com/otso-systems/gridtrader/internal/money"
)

// GridRepository persists Grid aggregates (without their Orders — see
// OrderRepository). Grounded on the CRUD shape of trade_repository.go,
// generalized with a strategy_config_json column the way universe/security
// rows in the teacher repo carry a free-form JSON blob for optional fields.
type GridRepository struct {
	log zerolog.Logger
}

func NewGridRepository(log zerolog.Logger) *GridRepository {
	return &GridRepository{log: log.With().Str("repo", "grid").Logger()}
}

func (r *GridRepository) Create(db DBTX, g *gridmodel.Grid) (int64, error) {
	cfgJSON, err := marshalDynamicConfig(g.Dynamic)
	if err != nil {
		return 0, err
	}
	res, err := db.Exec(
		`INSERT INTO grids
			(portfolio_id, symbol, market, name, lower_price_micros, upper_price_micros,
			 level_count, spacing_micros, investment_amount_cents, status, strategy_kind,
			 strategy_config_json, created_at, last_rebalanced_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.PortfolioID, g.Symbol, string(g.Market), g.Name,
		money.PriceMicros(g.LowerPrice), money.PriceMicros(g.UpperPrice),
		g.LevelCount, money.PriceMicros(g.Spacing), money.CashCents(g.InvestmentAmount),
		string(g.Status), string(g.StrategyKind), cfgJSON,
		g.CreatedAt.UTC().Format(time.RFC3339), nil,
	)
	if err != nil {
		return 0, fmt.Errorf("create grid: %w", err)
	}
	return res.LastInsertId()
}

func marshalDynamicConfig(c *gridmodel.DynamicConfig) (*string, error) {
	if c == nil {
		return nil, nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal strategy config: %w", err)
	}
	s := string(b)
	return &s, nil
}

func (r *GridRepository) Get(db DBTX, id int64) (*gridmodel.Grid, error) {
	row := db.QueryRow(gridSelectColumns+` WHERE id = ?`, id)
	return scanGrid(row)
}

// GetForUpdate re-reads a grid's status inside the caller's transaction —
// used by the execution engine to abort a transition when the grid was
// cancelled/deleted concurrently (spec.md §5 "Cancellation and timeout
// semantics").
func (r *GridRepository) GetForUpdate(tx *sql.Tx, id int64) (*gridmodel.Grid, error) {
	row := tx.QueryRow(gridSelectColumns+` WHERE id = ?`, id)
	return scanGrid(row)
}

const gridSelectColumns = `
	SELECT id, portfolio_id, symbol, market, name, lower_price_micros, upper_price_micros,
	       level_count, spacing_micros, investment_amount_cents, status, strategy_kind,
	       strategy_config_json, created_at, last_rebalanced_at
	FROM grids`

func scanGrid(row *sql.Row) (*gridmodel.Grid, error) {
	var (
		g                             gridmodel.Grid
		market, status, strategyKind  string
		lowerMicros, upperMicros      int64
		spacingMicros, investedCents  int64
		cfgJSON                       sql.NullString
		createdAt                     string
		lastRebalanced                sql.NullString
	)
	err := row.Scan(
		&g.ID, &g.PortfolioID, &g.Symbol, &market, &g.Name,
		&lowerMicros, &upperMicros, &g.LevelCount, &spacingMicros, &investedCents,
		&status, &strategyKind, &cfgJSON, &createdAt, &lastRebalanced,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan grid: %w", err)
	}
	g.Market = marketrules.Market(market)
	g.Status = gridmodel.GridStatus(status)
	g.StrategyKind = gridmodel.StrategyKind(strategyKind)
	g.LowerPrice = money.PriceFromMicros(lowerMicros)
	g.UpperPrice = money.PriceFromMicros(upperMicros)
	g.Spacing = money.PriceFromMicros(spacingMicros)
	g.InvestmentAmount = money.CashFromCents(investedCents)
	g.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if lastRebalanced.Valid {
		t, _ := time.Parse(time.RFC3339, lastRebalanced.String)
		g.LastRebalancedAt = &t
	}
	if cfgJSON.Valid {
		var cfg gridmodel.DynamicConfig
		if err := json.Unmarshal([]byte(cfgJSON.String), &cfg); err == nil {
			g.Dynamic = &cfg
		}
	}
	return &g, nil
}

// ListActiveBySymbols returns ACTIVE grids restricted to the given symbol
// set, or all ACTIVE grids when symbols is empty (spec.md §4.4 step 1).
func (r *GridRepository) ListActiveBySymbols(db DBTX, symbols []string) ([]*gridmodel.Grid, error) {
	query := gridSelectColumns + ` WHERE status = 'ACTIVE'`
	args := []any{}
	if len(symbols) > 0 {
		placeholders := ""
		for i, s := range symbols {
			if i > 0 {
				placeholders += ","
			}
			placeholders += "?"
			args = append(args, s)
		}
		query += fmt.Sprintf(" AND symbol IN (%s)", placeholders)
	}
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list active grids: %w", err)
	}
	defer rows.Close()

	var out []*gridmodel.Grid
	for rows.Next() {
		g, err := scanGridRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (r *GridRepository) List(db DBTX, portfolioID int64, symbol string, status gridmodel.GridStatus) ([]*gridmodel.Grid, error) {
	query := gridSelectColumns + ` WHERE 1=1`
	var args []any
	if portfolioID != 0 {
		query += " AND portfolio_id = ?"
		args = append(args, portfolioID)
	}
	if symbol != "" {
		query += " AND symbol = ?"
		args = append(args, symbol)
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list grids: %w", err)
	}
	defer rows.Close()

	var out []*gridmodel.Grid
	for rows.Next() {
		g, err := scanGridRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func scanGridRows(rows *sql.Rows) (*gridmodel.Grid, error) {
	var (
		g                             gridmodel.Grid
		market, status, strategyKind  string
		lowerMicros, upperMicros      int64
		spacingMicros, investedCents  int64
		cfgJSON                       sql.NullString
		createdAt                     string
		lastRebalanced                sql.NullString
	)
	err := rows.Scan(
		&g.ID, &g.PortfolioID, &g.Symbol, &market, &g.Name,
		&lowerMicros, &upperMicros, &g.LevelCount, &spacingMicros, &investedCents,
		&status, &strategyKind, &cfgJSON, &createdAt, &lastRebalanced,
	)
	if err != nil {
		return nil, fmt.Errorf("scan grid: %w", err)
	}
	g.Market = marketrules.Market(market)
	g.Status = gridmodel.GridStatus(status)
	g.StrategyKind = gridmodel.StrategyKind(strategyKind)
	g.LowerPrice = money.PriceFromMicros(lowerMicros)
	g.UpperPrice = money.PriceFromMicros(upperMicros)
	g.Spacing = money.PriceFromMicros(spacingMicros)
	g.InvestmentAmount = money.CashFromCents(investedCents)
	g.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if lastRebalanced.Valid {
		t, _ := time.Parse(time.RFC3339, lastRebalanced.String)
		g.LastRebalancedAt = &t
	}
	if cfgJSON.Valid {
		var cfg gridmodel.DynamicConfig
		if err := json.Unmarshal([]byte(cfgJSON.String), &cfg); err == nil {
			g.Dynamic = &cfg
		}
	}
	return &g, nil
}

func (r *GridRepository) SetStatus(db DBTX, gridID int64, status gridmodel.GridStatus) error {
	_, err := db.Exec(`UPDATE grids SET status = ? WHERE id = ?`, string(status), gridID)
	if err != nil {
		return fmt.Errorf("set grid status: %w", err)
	}
	return nil
}

// Rebalance rewrites a grid's bounds/spacing and stamps last_rebalanced_at
// (spec.md §4.4 DYNAMIC rebalance).
func (r *GridRepository) Rebalance(db DBTX, gridID int64, lower, upper, spacing decimal.Decimal, cfg *gridmodel.DynamicConfig) error {
	cfgJSON, err := marshalDynamicConfig(cfg)
	if err != nil {
		return err
	}
	_, err = db.Exec(
		`UPDATE grids SET lower_price_micros = ?, upper_price_micros = ?, spacing_micros = ?,
		        strategy_config_json = ?, last_rebalanced_at = ? WHERE id = ?`,
		money.PriceMicros(lower), money.PriceMicros(upper), money.PriceMicros(spacing),
		cfgJSON, time.Now().UTC().Format(time.RFC3339), gridID,
	)
	if err != nil {
		return fmt.Errorf("rebalance grid: %w", err)
	}
	return nil
}

func (r *GridRepository) Delete(db DBTX, gridID int64) error {
	_, err := db.Exec(`DELETE FROM grids WHERE id = ?`, gridID)
	if err != nil {
		return fmt.Errorf("delete grid: %w", err)
	}
	return nil
}
