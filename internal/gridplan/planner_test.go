package gridplan

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/otso-systems/gridtrader/internal/gridmodel"
)

func testGrid() *gridmodel.Grid {
	return &gridmodel.Grid{
		ID:               1,
		LowerPrice:       decimal.NewFromInt(100),
		UpperPrice:       decimal.NewFromInt(200),
		LevelCount:       10,
		Spacing:          decimal.NewFromInt(10),
		InvestmentAmount: decimal.NewFromInt(10000),
		CreatedAt:        time.Now(),
	}
}

// TestLevelConvention locks in the chosen fixed convention: levels
// 0..level_count-1 are orderable (lower + i*spacing), upper_price itself
// is never an orderable level.
func TestLevelConvention(t *testing.T) {
	g := testGrid()
	assert.True(t, g.LevelPrice(0).Equal(decimal.NewFromInt(100)))
	assert.True(t, g.LevelPrice(9).Equal(decimal.NewFromInt(190)))
	assert.True(t, g.LevelPrice(10).Equal(decimal.NewFromInt(200))) // the boundary, not orderable
}

func TestBuildInitialOrders_AllowsShort(t *testing.T) {
	g := testGrid()
	orders := buildInitialOrders(g, decimal.NewFromInt(150), true)

	var buys, sells int
	for _, o := range orders {
		switch o.Side {
		case gridmodel.Buy:
			buys++
			assert.True(t, o.LevelPrice.LessThan(decimal.NewFromInt(150)))
		case gridmodel.Sell:
			sells++
			assert.True(t, o.LevelPrice.GreaterThan(decimal.NewFromInt(150)))
		}
		assert.Equal(t, gridmodel.OrderPending, o.State)
	}
	assert.Equal(t, 5, buys)  // levels 100..140
	assert.Equal(t, 4, sells) // levels 160..190 (150 itself has no order)
}

func TestBuildInitialOrders_NoShort(t *testing.T) {
	g := testGrid()
	orders := buildInitialOrders(g, decimal.NewFromInt(150), false)

	for _, o := range orders {
		assert.Equal(t, gridmodel.Buy, o.Side)
		assert.True(t, o.LevelPrice.LessThan(decimal.NewFromInt(150)))
	}
	assert.Len(t, orders, 5)

	// capital is split only across the 5 buy levels, not all 10.
	expectedCapitalPerLevel := decimal.NewFromInt(10000).Div(decimal.NewFromInt(5))
	for _, o := range orders {
		expectedQty := expectedCapitalPerLevel.Div(o.LevelPrice).Round(8)
		assert.True(t, o.Quantity.Equal(expectedQty), "level %d: got %s want %s", o.LevelIndex, o.Quantity, expectedQty)
	}
}

func TestStaticStrategy_RejectsMissingBounds(t *testing.T) {
	s := StaticStrategy{}
	_, _, _, err := s.Bounds(context.Background(), PlanRequest{}, decimal.NewFromInt(100))
	assert.Error(t, err)
}

func TestDynamicStrategy_ShouldRebalance(t *testing.T) {
	s := DynamicStrategy{}
	g := testGrid()
	g.Dynamic = &gridmodel.DynamicConfig{CenterPrice: decimal.NewFromInt(150)}

	// drift of 10 against a band of 0.4*(200-100)=40: should not rebalance.
	assert.False(t, s.ShouldRebalance(g, decimal.NewFromInt(160), DefaultRebalanceThreshold))
	// drift of 50 exceeds the band: should rebalance.
	assert.True(t, s.ShouldRebalance(g, decimal.NewFromInt(200), DefaultRebalanceThreshold))
}
