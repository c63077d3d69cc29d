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

// PriceCacheRepository persists the latest observed price per symbol
// (spec.md §4.6 "Price cache refresh" task) so the HTTP layer and
// portfolio revaluation can read a recent price without hitting the
// Market Data Port on every request.
type PriceCacheRepository struct {
	log zerolog.Logger
}

func NewPriceCacheRepository(log zerolog.Logger) *PriceCacheRepository {
	return &PriceCacheRepository{log: log.With().Str("repo", "price_cache").Logger()}
}

func (r *PriceCacheRepository) Upsert(db DBTX, symbol string, price decimal.Decimal, observedAt time.Time) error {
	_, err := db.Exec(
		`INSERT INTO price_cache (symbol, price_micros, observed_at) VALUES (?, ?, ?)
		 ON CONFLICT(symbol) DO UPDATE SET price_micros = excluded.price_micros, observed_at = excluded.observed_at`,
		symbol, money.PriceMicros(price), observedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upsert price cache: %w", err)
	}
	return nil
}

func (r *PriceCacheRepository) Get(db DBTX, symbol string) (decimal.Decimal, time.Time, bool, error) {
	row := db.QueryRow(`SELECT price_micros, observed_at FROM price_cache WHERE symbol = ?`, symbol)
	var priceMicros int64
	var observedAt string
	err := row.Scan(&priceMicros, &observedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, time.Time{}, false, nil
	}
	if err != nil {
		return decimal.Zero, time.Time{}, false, fmt.Errorf("read price cache: %w", err)
	}
	t, _ := time.Parse(time.RFC3339, observedAt)
	return money.PriceFromMicros(priceMicros), t, true, nil
}
