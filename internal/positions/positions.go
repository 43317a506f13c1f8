package positions

import (
	"time"

	"github.com/outcome-exchange/internal/market"
	"github.com/shopspring/decimal"
)

// ApplyBuy adds shares to a position and folds the trade price into the
// weighted-average cost basis.
func ApplyBuy(p market.Position, quantity int64, price decimal.Decimal, now time.Time) market.Position {
	oldQty := decimal.NewFromInt(p.Quantity)
	addQty := decimal.NewFromInt(quantity)
	newQuantity := p.Quantity + quantity

	totalCost := p.AveragePrice.Mul(oldQty).Add(price.Mul(addQty))
	p.AveragePrice = totalCost.Div(decimal.NewFromInt(newQuantity)).Truncate(8)
	p.Quantity = newQuantity
	p.UpdatedAt = now
	return p
}

// ApplySell removes shares from a position. The average price is unchanged
// until the position closes, at which point it resets to zero; realized P&L
// is computed elsewhere.
func ApplySell(p market.Position, quantity int64, now time.Time) (market.Position, error) {
	if p.Quantity < quantity {
		return p, market.Businessf("insufficient shares to sell")
	}
	p.Quantity -= quantity
	if p.Quantity == 0 {
		p.AveragePrice = decimal.Zero
	}
	p.UpdatedAt = now
	return p, nil
}

// CanSell reports whether the position covers the requested quantity
func CanSell(p *market.Position, quantity int64) bool {
	return p.Quantity >= quantity
}
