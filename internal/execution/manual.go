package execution

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"github.com/otso-systems/gridtrader/internal/apperr"
	"github.com/otso-systems/gridtrader/internal/gridmodel"
	"github.com/otso-systems/gridtrader/internal/store"
)

// ApplyManualFill applies a `source = MANUAL` transaction against a
// portfolio's cash and holdings (spec.md §6 POST /api/transactions) using
// the same cash-debit/holding-upsert primitives ApplyTransition uses for
// grid fills, retried and transacted the same way. A manual fill has no
// grid ladder to attach to, so it is recorded in manual_fills rather than
// orders, and realised profit is measured against the holding's running
// average cost rather than a paired grid level.
func (e *Engine) ApplyManualFill(ctx context.Context, portfolioID int64, symbol string, side gridmodel.OrderSide, quantity, price, fees decimal.Decimal, notes string) (Result, error) {
	var result Result
	err := withRetry(ctx, maxRetries, func() error {
		tx, err := e.db.BeginTx(ctx)
		if err != nil {
			return err
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback()
			}
		}()

		result, err = e.applyManualWithinTx(tx, portfolioID, symbol, side, quantity, price, fees, notes)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
		return nil
	})
	return result, err
}

func (e *Engine) applyManualWithinTx(tx *sql.Tx, portfolioID int64, symbol string, side gridmodel.OrderSide, quantity, price, fees decimal.Decimal, notes string) (Result, error) {
	portfolio, err := e.portfolios.Get(tx, portfolioID)
	if err != nil {
		return Result{}, err
	}
	if portfolio == nil {
		return Result{}, apperr.New(apperr.Validation, apperr.CodeSymbolUnresolved, "portfolio not found")
	}

	var realisedProfit *decimal.Decimal
	switch side {
	case gridmodel.Buy:
		cost := quantity.Mul(price).Add(fees)
		if portfolio.CashBalance.LessThan(cost) {
			return Result{}, apperr.New(apperr.BusinessRule, apperr.CodeInsufficientCash, "insufficient cash for manual buy")
		}
		if err := e.portfolios.SetCashBalance(tx, portfolio.ID, portfolio.CashBalance.Sub(cost)); err != nil {
			return Result{}, err
		}
		holding, err := e.portfolios.GetHolding(tx, portfolio.ID, symbol)
		if err != nil {
			return Result{}, err
		}
		newQty := holding.Quantity.Add(quantity)
		newAvgCost := holding.Quantity.Mul(holding.AverageCost).Add(quantity.Mul(price)).Div(newQty)
		if err := e.portfolios.UpsertHolding(tx, gridmodel.Holding{PortfolioID: portfolio.ID, Symbol: symbol, Quantity: newQty, AverageCost: newAvgCost}); err != nil {
			return Result{}, err
		}

	case gridmodel.Sell:
		holding, err := e.portfolios.GetHolding(tx, portfolio.ID, symbol)
		if err != nil {
			return Result{}, err
		}
		if holding.Quantity.LessThan(quantity) {
			return Result{}, apperr.New(apperr.BusinessRule, apperr.CodeInsufficientHolding, "insufficient holding for manual sell")
		}
		proceeds := quantity.Mul(price).Sub(fees)
		if err := e.portfolios.SetCashBalance(tx, portfolio.ID, portfolio.CashBalance.Add(proceeds)); err != nil {
			return Result{}, err
		}
		profit := quantity.Mul(price.Sub(holding.AverageCost)).Sub(fees)
		realisedProfit = &profit

		newQty := holding.Quantity.Sub(quantity)
		newAvgCost := holding.AverageCost
		if newQty.IsZero() {
			newAvgCost = decimal.Zero
		}
		if err := e.portfolios.UpsertHolding(tx, gridmodel.Holding{PortfolioID: portfolio.ID, Symbol: symbol, Quantity: newQty, AverageCost: newAvgCost}); err != nil {
			return Result{}, err
		}

	default:
		return Result{}, apperr.New(apperr.Validation, "", "unknown transaction_type")
	}

	if _, err := e.manualFills.Create(tx, &store.ManualFill{
		PortfolioID:    portfolio.ID,
		Symbol:         symbol,
		Side:           side,
		Quantity:       quantity,
		Price:          price,
		Fees:           fees,
		RealisedProfit: realisedProfit,
		Notes:          notes,
		FilledAt:       time.Now().UTC(),
	}); err != nil {
		return Result{}, err
	}

	return Result{Side: side, FillPrice: price, RealisedProfit: realisedProfit}, nil
}
