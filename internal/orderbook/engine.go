package orderbook

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/outcome-exchange/internal/market"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

// Matching errors surfaced to the order service
var (
	ErrNoLiquidity   = market.Businessf("no liquidity available")
	ErrFOKUnfillable = market.Businessf("FOK order cannot be fully filled")
	ErrOrderNotFound = market.NotFoundf("order not found")
)

// priceLevel holds the FIFO queue of resting orders at one price
type priceLevel struct {
	price  decimal.Decimal
	orders []*Order
}

func (l *priceLevel) remaining() int64 {
	var total int64
	for _, o := range l.orders {
		total += o.Remaining()
	}
	return total
}

// Book is the in-memory order book for one (event, option) market.
// It matches under strict price-time priority and is not safe for
// concurrent use; callers serialize access per book.
type Book struct {
	eventID  int64
	optionID int64

	bids *btree.BTreeG[*priceLevel] // best (highest) price first
	asks *btree.BTreeG[*priceLevel] // best (lowest) price first

	orders         map[string]*Order
	lastTradePrice *decimal.Decimal
}

// NewBook creates an empty book for one market
func NewBook(eventID, optionID int64) *Book {
	bids := btree.NewBTreeG(func(a, b *priceLevel) bool {
		return a.price.GreaterThan(b.price)
	})
	asks := btree.NewBTreeG(func(a, b *priceLevel) bool {
		return a.price.LessThan(b.price)
	})
	return &Book{
		eventID:  eventID,
		optionID: optionID,
		bids:     bids,
		asks:     asks,
		orders:   make(map[string]*Order),
	}
}

// EventID returns the owning event id
func (b *Book) EventID() int64 { return b.eventID }

// OptionID returns the owning option id
func (b *Book) OptionID() int64 { return b.optionID }

// Submit matches a new order against resting liquidity and returns the
// produced trades. All trades from one call share a single clock reading.
// The unfilled remainder is handled per the order's time in force.
func (b *Book) Submit(order *Order) ([]*Trade, error) {
	if order.EventID != b.eventID || order.OptionID != b.optionID {
		return nil, market.Validationf("order does not match this order book")
	}
	if order.Quantity <= 0 {
		return nil, market.Validationf("order quantity must be positive")
	}
	if order.Type == TypeLimit && !order.Price.IsPositive() {
		return nil, market.Validationf("order price must be positive")
	}

	// FOK availability is checked before any state is mutated
	if order.TimeInForce == FOK && !b.canFillEntire(order) {
		return nil, ErrFOKUnfillable
	}

	now := time.Now().UTC()

	if order.Type == TypeMarket {
		avg, err := b.marketFillPrice(order)
		if err != nil {
			return nil, err
		}
		// The market order carries no limit; the VWAP of the walk becomes
		// its recorded price and does not bound the subsequent match.
		order.Price = avg
		trades := b.match(order, now)
		b.finishIOC(order, now)
		return trades, nil
	}

	trades := b.match(order, now)

	switch order.TimeInForce {
	case FOK:
		if !order.IsFilled() {
			// Pre-check guarantees a full fill; a partial here means the
			// book invariants are broken, so surface it loudly.
			order.Reject(now)
			return trades, ErrFOKUnfillable
		}
	case IOC:
		b.finishIOC(order, now)
	default: // GTC
		if !order.IsFilled() {
			b.addToBook(order)
		}
	}

	return trades, nil
}

// finishIOC cancels the unfilled remainder; a partially executed order keeps
// its partially_filled status.
func (b *Book) finishIOC(order *Order, now time.Time) {
	if order.FilledQuantity == 0 {
		order.Cancel(now)
	}
}

// canFillEntire reports whether the opposite side has enough volume at
// acceptable prices to fill the whole order.
func (b *Book) canFillEntire(order *Order) bool {
	remaining := order.Quantity
	opposite := b.oppositeSide(order.Side)

	opposite.Scan(func(level *priceLevel) bool {
		if order.Type == TypeLimit && !crosses(order, level.price) {
			return false
		}
		for _, counter := range level.orders {
			available := counter.Remaining()
			if available > remaining {
				available = remaining
			}
			remaining -= available
			if remaining == 0 {
				return false
			}
		}
		return true
	})

	return remaining == 0
}

// marketFillPrice computes the volume-weighted price a market order would pay
// walking the opposite side greedily.
func (b *Book) marketFillPrice(order *Order) (decimal.Decimal, error) {
	remaining := order.Remaining()
	opposite := b.oppositeSide(order.Side)

	totalCost := decimal.Zero
	var totalQuantity int64

	opposite.Scan(func(level *priceLevel) bool {
		for _, counter := range level.orders {
			available := counter.Remaining()
			fill := remaining - totalQuantity
			if available < fill {
				fill = available
			}
			totalCost = totalCost.Add(level.price.Mul(decimal.NewFromInt(fill)))
			totalQuantity += fill
			if totalQuantity >= remaining {
				return false
			}
		}
		return true
	})

	if totalQuantity == 0 {
		return decimal.Zero, ErrNoLiquidity
	}

	return divTrunc(totalCost, decimal.NewFromInt(totalQuantity)), nil
}

// match walks the opposite side best-first while prices cross and produces
// trades at the resting order's price.
func (b *Book) match(order *Order, now time.Time) []*Trade {
	opposite := b.oppositeSide(order.Side)

	var crossed []*priceLevel
	opposite.Scan(func(level *priceLevel) bool {
		if !crosses(order, level.price) {
			return false
		}
		crossed = append(crossed, level)
		return true
	})

	var trades []*Trade
	for _, level := range crossed {
		if order.IsFilled() {
			break
		}
		for len(level.orders) > 0 && !order.IsFilled() {
			counter := level.orders[0]

			quantity := order.Remaining()
			if counter.Remaining() < quantity {
				quantity = counter.Remaining()
			}

			trades = append(trades, b.executeTrade(order, counter, level.price, quantity, now))

			if counter.IsFilled() {
				level.orders = level.orders[1:]
				delete(b.orders, counter.ID)
			}
		}
		if len(level.orders) == 0 {
			opposite.Delete(level)
		}
	}

	return trades
}

// executeTrade fills both sides and emits the trade record
func (b *Book) executeTrade(aggressor, counter *Order, price decimal.Decimal, quantity int64, now time.Time) *Trade {
	buyOrder, sellOrder := aggressor, counter
	if aggressor.Side == SideSell {
		buyOrder, sellOrder = counter, aggressor
	}

	buyOrder.Fill(quantity, now)
	sellOrder.Fill(quantity, now)

	trade := &Trade{
		ID:          uuid.New().String(),
		EventID:     b.eventID,
		OptionID:    b.optionID,
		BuyerID:     buyOrder.UserID,
		SellerID:    sellOrder.UserID,
		BuyOrderID:  buyOrder.ID,
		SellOrderID: sellOrder.ID,
		Price:       price,
		Quantity:    quantity,
		TotalAmount: price.Mul(decimal.NewFromInt(quantity)),
		Timestamp:   now,
	}

	last := price
	b.lastTradePrice = &last

	return trade
}

// Cancel removes a resting order. The filled quantity is preserved.
func (b *Book) Cancel(orderID string) (*Order, error) {
	order, ok := b.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}

	side := b.sameSide(order.Side)
	if level, found := side.Get(&priceLevel{price: order.Price}); found {
		kept := level.orders[:0]
		for _, o := range level.orders {
			if o.ID != orderID {
				kept = append(kept, o)
			}
		}
		level.orders = kept
		if len(level.orders) == 0 {
			side.Delete(level)
		}
	}

	delete(b.orders, orderID)
	order.Cancel(time.Now().UTC())
	return order, nil
}

// addToBook rests the order at its price level, appending to the FIFO
func (b *Book) addToBook(order *Order) {
	side := b.sameSide(order.Side)
	level, found := side.Get(&priceLevel{price: order.Price})
	if !found {
		level = &priceLevel{price: order.Price}
		side.Set(level)
	}
	level.orders = append(level.orders, order)
	b.orders[order.ID] = order
}

// RestoreOrder places an order directly onto the book without matching.
// Used when rebuilding a book from the store and by liquidity seeding.
func (b *Book) RestoreOrder(order *Order) {
	b.addToBook(order)
}

// SetLastTradePrice restores the last trade price from persisted metadata
func (b *Book) SetLastTradePrice(price decimal.Decimal) {
	b.lastTradePrice = &price
}

// LastTradePrice returns the most recent execution price, if any
func (b *Book) LastTradePrice() *decimal.Decimal {
	if b.lastTradePrice == nil {
		return nil
	}
	p := *b.lastTradePrice
	return &p
}

// LookupOrder finds a resting order by id
func (b *Book) LookupOrder(orderID string) (*Order, bool) {
	order, ok := b.orders[orderID]
	return order, ok
}

// OrderCount returns the number of resting orders
func (b *Book) OrderCount() int {
	return len(b.orders)
}

// BestBid returns the highest bid price
func (b *Book) BestBid() (decimal.Decimal, bool) {
	level, ok := b.bids.Min()
	if !ok {
		return decimal.Zero, false
	}
	return level.price, true
}

// BestAsk returns the lowest ask price
func (b *Book) BestAsk() (decimal.Decimal, bool) {
	level, ok := b.asks.Min()
	if !ok {
		return decimal.Zero, false
	}
	return level.price, true
}

// MidPrice returns (best_bid + best_ask) / 2 when both sides exist
func (b *Book) MidPrice() *decimal.Decimal {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return nil
	}
	mid := divTrunc(bid.Add(ask), decimal.NewFromInt(2))
	return &mid
}

// Spread returns best_ask - best_bid when both sides exist
func (b *Book) Spread() *decimal.Decimal {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return nil
	}
	spread := ask.Sub(bid)
	return &spread
}

// Snapshot returns the top `depth` levels of both sides with derived prices
func (b *Book) Snapshot(depth int) *Snapshot {
	return &Snapshot{
		EventID:        b.eventID,
		OptionID:       b.optionID,
		Bids:           b.levels(b.bids, depth),
		Asks:           b.levels(b.asks, depth),
		LastTradePrice: b.LastTradePrice(),
		MidPrice:       b.MidPrice(),
		Spread:         b.Spread(),
		Timestamp:      time.Now().UTC(),
	}
}

func (b *Book) levels(side *btree.BTreeG[*priceLevel], depth int) []PriceLevelSnapshot {
	if depth <= 0 {
		depth = 10
	}
	out := make([]PriceLevelSnapshot, 0, depth)
	side.Scan(func(level *priceLevel) bool {
		out = append(out, PriceLevelSnapshot{
			Price:      level.price,
			Quantity:   level.remaining(),
			OrderCount: len(level.orders),
		})
		return len(out) < depth
	})
	return out
}

// MarketDepth merges per-price totals of both sides into one ascending list
func (b *Book) MarketDepth(depth int) []DepthLevel {
	merged := make(map[string]*DepthLevel)

	for _, level := range b.levels(b.bids, depth) {
		merged[level.Price.String()] = &DepthLevel{
			Price:       level.Price,
			BuyQuantity: level.Quantity,
			BuyOrders:   level.OrderCount,
		}
	}
	for _, level := range b.levels(b.asks, depth) {
		key := level.Price.String()
		if d, ok := merged[key]; ok {
			d.SellQuantity = level.Quantity
			d.SellOrders = level.OrderCount
		} else {
			merged[key] = &DepthLevel{
				Price:        level.Price,
				SellQuantity: level.Quantity,
				SellOrders:   level.OrderCount,
			}
		}
	}

	out := make([]DepthLevel, 0, len(merged))
	for _, d := range merged {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

// PredictedPrice estimates where the market is heading from the volume
// imbalance of the top five levels. More bid volume pushes the estimate
// toward the ask: the thinner side is the easier one to move.
func (b *Book) PredictedPrice() *decimal.Decimal {
	bidLevels := b.levels(b.bids, 5)
	askLevels := b.levels(b.asks, 5)

	if len(bidLevels) == 0 || len(askLevels) == 0 {
		return b.LastTradePrice()
	}

	var bidVolume, askVolume int64
	for _, l := range bidLevels {
		bidVolume += l.Quantity
	}
	for _, l := range askLevels {
		askVolume += l.Quantity
	}

	totalVolume := bidVolume + askVolume
	if totalVolume == 0 {
		return b.MidPrice()
	}

	total := decimal.NewFromInt(totalVolume)
	bidWeight := divTrunc(decimal.NewFromInt(bidVolume), total)
	askWeight := divTrunc(decimal.NewFromInt(askVolume), total)

	bestBid, _ := b.BestBid()
	bestAsk, _ := b.BestAsk()

	predicted := bestBid.Mul(askWeight).Add(bestAsk.Mul(bidWeight))
	return &predicted
}

func (b *Book) oppositeSide(side Side) *btree.BTreeG[*priceLevel] {
	if side == SideBuy {
		return b.asks
	}
	return b.bids
}

func (b *Book) sameSide(side Side) *btree.BTreeG[*priceLevel] {
	if side == SideBuy {
		return b.bids
	}
	return b.asks
}

// crosses reports whether a resting level price is acceptable to the order.
// Market orders accept every level; their recorded price is the VWAP of the
// walk, not a bound on it.
func crosses(order *Order, levelPrice decimal.Decimal) bool {
	if order.Type == TypeMarket {
		return true
	}
	if order.Side == SideBuy {
		return levelPrice.LessThanOrEqual(order.Price)
	}
	return levelPrice.GreaterThanOrEqual(order.Price)
}
