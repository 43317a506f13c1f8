package positions

import (
	"testing"
	"time"

	"github.com/outcome-exchange/internal/market"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func TestApplyBuy(t *testing.T) {
	now := time.Now().UTC()

	t.Run("FirstBuyTakesTradePrice", func(t *testing.T) {
		p := market.Position{UserID: 1, EventID: 1, OptionID: 10, AveragePrice: decimal.Zero}
		updated := ApplyBuy(p, 10, d("0.40"), now)
		assert.Equal(t, int64(10), updated.Quantity)
		assert.True(t, updated.AveragePrice.Equal(d("0.40")))
	})

	t.Run("WeightedAverage", func(t *testing.T) {
		p := market.Position{Quantity: 10, AveragePrice: d("0.40")}
		updated := ApplyBuy(p, 5, d("0.70"), now)
		// (10*0.40 + 5*0.70) / 15 = 7.50 / 15 = 0.50
		assert.Equal(t, int64(15), updated.Quantity)
		assert.True(t, updated.AveragePrice.Equal(d("0.50")), "got %s", updated.AveragePrice)
	})

	t.Run("TruncatesToEightDigits", func(t *testing.T) {
		p := market.Position{Quantity: 1, AveragePrice: d("0.10")}
		updated := ApplyBuy(p, 2, d("0.20"), now)
		// (0.10 + 0.40) / 3 = 0.16666666...
		assert.True(t, updated.AveragePrice.Equal(d("0.16666666")), "got %s", updated.AveragePrice)
	})
}

func TestApplySell(t *testing.T) {
	now := time.Now().UTC()

	t.Run("AverageUnchangedOnPartialSell", func(t *testing.T) {
		p := market.Position{Quantity: 10, AveragePrice: d("0.40")}
		updated, err := ApplySell(p, 4, now)
		require.NoError(t, err)
		assert.Equal(t, int64(6), updated.Quantity)
		assert.True(t, updated.AveragePrice.Equal(d("0.40")))
	})

	t.Run("ClosingResetsAverage", func(t *testing.T) {
		p := market.Position{Quantity: 10, AveragePrice: d("0.40")}
		updated, err := ApplySell(p, 10, now)
		require.NoError(t, err)
		assert.Equal(t, int64(0), updated.Quantity)
		assert.True(t, updated.AveragePrice.IsZero())
	})

	t.Run("OversellRejected", func(t *testing.T) {
		p := market.Position{Quantity: 3, AveragePrice: d("0.40")}
		_, err := ApplySell(p, 4, now)
		require.Error(t, err)
		assert.Equal(t, market.KindBusiness, market.KindOf(err))
	})
}

func TestCanSell(t *testing.T) {
	p := &market.Position{Quantity: 5}
	assert.True(t, CanSell(p, 5))
	assert.True(t, CanSell(p, 3))
	assert.False(t, CanSell(p, 6))
}
