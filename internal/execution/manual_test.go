package execution

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/otso-systems/gridtrader/internal/gridmodel"
)

func TestApplyManualFill_BuyThenSell(t *testing.T) {
	engine, db, _, _, portfolios := setupEngine(t)
	portfolio, err := portfolios.Create(db, decimal.NewFromInt(1000))
	require.NoError(t, err)

	buyResult, err := engine.ApplyManualFill(context.Background(), portfolio.ID, "AAPL",
		gridmodel.Buy, decimal.NewFromInt(5), decimal.NewFromInt(100), decimal.NewFromInt(1), "initial buy")
	require.NoError(t, err)
	require.Nil(t, buyResult.RealisedProfit)

	holding, err := portfolios.GetHolding(db, portfolio.ID, "AAPL")
	require.NoError(t, err)
	require.True(t, holding.Quantity.Equal(decimal.NewFromInt(5)))

	p, err := portfolios.Get(db, portfolio.ID)
	require.NoError(t, err)
	require.True(t, p.CashBalance.Equal(decimal.NewFromInt(499))) // 1000 - (5*100+1)

	sellResult, err := engine.ApplyManualFill(context.Background(), portfolio.ID, "AAPL",
		gridmodel.Sell, decimal.NewFromInt(2), decimal.NewFromInt(120), decimal.NewFromInt(0), "partial sell")
	require.NoError(t, err)
	require.NotNil(t, sellResult.RealisedProfit)
	require.True(t, sellResult.RealisedProfit.Equal(decimal.NewFromInt(40))) // 2 * (120 - 100)

	holding, err = portfolios.GetHolding(db, portfolio.ID, "AAPL")
	require.NoError(t, err)
	require.True(t, holding.Quantity.Equal(decimal.NewFromInt(3)))
}

func TestApplyManualFill_InsufficientCashRejected(t *testing.T) {
	engine, db, _, _, portfolios := setupEngine(t)
	portfolio, err := portfolios.Create(db, decimal.NewFromInt(10))
	require.NoError(t, err)

	_, err = engine.ApplyManualFill(context.Background(), portfolio.ID, "AAPL",
		gridmodel.Buy, decimal.NewFromInt(5), decimal.NewFromInt(100), decimal.Zero, "")
	require.Error(t, err)
}
