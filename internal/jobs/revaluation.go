package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/otso-systems/gridtrader/internal/database"
	"github.com/otso-systems/gridtrader/internal/store"
)

// PortfolioRevaluation recomputes each portfolio's holdings value and
// unrealised P/L from the latest cached prices and records a snapshot
// (spec.md §4.6 task table; SPEC_FULL.md §13). It reads the price cache
// rather than the Market Data Port directly so revaluation cost stays flat
// regardless of how many portfolios share the same symbols.
type PortfolioRevaluation struct {
	db         *database.DB
	portfolios *store.PortfolioRepository
	cache      *store.PriceCacheRepository
	snapshots  *store.SnapshotRepository
	log        zerolog.Logger
}

func NewPortfolioRevaluation(db *database.DB, portfolios *store.PortfolioRepository, cache *store.PriceCacheRepository, snapshots *store.SnapshotRepository, log zerolog.Logger) *PortfolioRevaluation {
	return &PortfolioRevaluation{
		db:         db,
		portfolios: portfolios,
		cache:      cache,
		snapshots:  snapshots,
		log:        log.With().Str("component", "portfolio_revaluation").Logger(),
	}
}

func (j *PortfolioRevaluation) Name() string { return "portfolio_revaluation" }

func (j *PortfolioRevaluation) Run() error { return j.RunContext(context.Background()) }

func (j *PortfolioRevaluation) RunContext(ctx context.Context) error {
	ids, err := j.portfolios.ListAllIDs(j.db)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, id := range ids {
		if err := j.revalueOne(id, now); err != nil {
			j.log.Error().Err(err).Int64("portfolio_id", id).Msg("failed to revalue portfolio")
		}
	}
	return nil
}

func (j *PortfolioRevaluation) revalueOne(portfolioID int64, now time.Time) error {
	portfolio, err := j.portfolios.Get(j.db, portfolioID)
	if err != nil {
		return err
	}
	if portfolio == nil {
		return nil
	}

	holdings, err := j.portfolios.ListHoldings(j.db, portfolioID)
	if err != nil {
		return err
	}

	holdingsValue := decimal.Zero
	unrealisedPL := decimal.Zero
	for _, h := range holdings {
		if h.Quantity.IsZero() {
			continue
		}
		price, _, ok, err := j.cache.Get(j.db, h.Symbol)
		if err != nil {
			return err
		}
		if !ok {
			j.log.Warn().Str("symbol", h.Symbol).Int64("portfolio_id", portfolioID).Msg("no cached price, skipping holding in revaluation")
			continue
		}
		holdingsValue = holdingsValue.Add(h.Quantity.Mul(price))
		unrealisedPL = unrealisedPL.Add(h.Quantity.Mul(price.Sub(h.AverageCost)))
	}

	_, err = j.snapshots.Create(j.db, &store.PortfolioSnapshot{
		PortfolioID:   portfolioID,
		CashBalance:   portfolio.CashBalance,
		HoldingsValue: holdingsValue,
		UnrealisedPL:  unrealisedPL,
		CreatedAt:     now,
	})
	return err
}
