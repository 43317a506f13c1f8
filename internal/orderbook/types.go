package orderbook

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side of an order
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Type of an order
type Type string

const (
	TypeLimit  Type = "limit"
	TypeMarket Type = "market"
)

// TimeInForce policy applied to the unfilled remainder after matching
type TimeInForce string

const (
	GTC TimeInForce = "GTC" // Good Till Cancelled (default)
	IOC TimeInForce = "IOC" // Immediate Or Cancel
	FOK TimeInForce = "FOK" // Fill Or Kill - full fill immediately or reject
)

// Status of an order. Transitions are monotonic; rejected is terminal from pending.
type Status string

const (
	StatusPending         Status = "pending"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
	StatusCancelled       Status = "cancelled"
	StatusRejected        Status = "rejected"
)

// Order is a buy or sell instruction on one outcome option
type Order struct {
	ID             string          `json:"id"`
	UserID         int64           `json:"user_id"`
	EventID        int64           `json:"event_id"`
	OptionID       int64           `json:"option_id"`
	Side           Side            `json:"side"`
	Type           Type            `json:"order_type"`
	TimeInForce    TimeInForce     `json:"time_in_force"`
	Price          decimal.Decimal `json:"price"`
	Quantity       int64           `json:"quantity"`
	FilledQuantity int64           `json:"filled_quantity"`
	Status         Status          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewOrder builds a pending order with a fresh id
func NewOrder(userID, eventID, optionID int64, side Side, orderType Type, tif TimeInForce, price decimal.Decimal, quantity int64) *Order {
	now := time.Now().UTC()
	return &Order{
		ID:          uuid.New().String(),
		UserID:      userID,
		EventID:     eventID,
		OptionID:    optionID,
		Side:        side,
		Type:        orderType,
		TimeInForce: tif,
		Price:       price,
		Quantity:    quantity,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Remaining is the unfilled quantity
func (o *Order) Remaining() int64 {
	return o.Quantity - o.FilledQuantity
}

// IsFilled reports whether the order is completely filled
func (o *Order) IsFilled() bool {
	return o.FilledQuantity >= o.Quantity
}

// Fill records a partial or full execution
func (o *Order) Fill(quantity int64, now time.Time) {
	o.FilledQuantity += quantity
	if o.IsFilled() {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartiallyFilled
	}
	o.UpdatedAt = now
}

// Cancel marks the order cancelled, preserving the filled quantity
func (o *Order) Cancel(now time.Time) {
	o.Status = StatusCancelled
	o.UpdatedAt = now
}

// Reject marks the order rejected
func (o *Order) Reject(now time.Time) {
	o.Status = StatusRejected
	o.UpdatedAt = now
}

// Trade is one execution between a buy order and a sell order
type Trade struct {
	ID          string          `json:"id"`
	EventID     int64           `json:"event_id"`
	OptionID    int64           `json:"option_id"`
	BuyerID     int64           `json:"buyer_id"`
	SellerID    int64           `json:"seller_id"`
	BuyOrderID  string          `json:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int64           `json:"quantity"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Timestamp   time.Time       `json:"timestamp"`
}

// PriceLevelSnapshot aggregates one price level of one book side
type PriceLevelSnapshot struct {
	Price      decimal.Decimal `json:"price"`
	Quantity   int64           `json:"quantity"`
	OrderCount int             `json:"order_count"`
}

// Snapshot is a point-in-time view of a book
type Snapshot struct {
	EventID        int64                `json:"event_id"`
	OptionID       int64                `json:"option_id"`
	Bids           []PriceLevelSnapshot `json:"bids"`
	Asks           []PriceLevelSnapshot `json:"asks"`
	LastTradePrice *decimal.Decimal     `json:"last_trade_price,omitempty"`
	MidPrice       *decimal.Decimal     `json:"mid_price,omitempty"`
	Spread         *decimal.Decimal     `json:"spread,omitempty"`
	Timestamp      time.Time            `json:"timestamp"`
}

// DepthLevel merges both sides' totals at one price
type DepthLevel struct {
	Price        decimal.Decimal `json:"price"`
	BuyQuantity  int64           `json:"buy_quantity"`
	SellQuantity int64           `json:"sell_quantity"`
	BuyOrders    int             `json:"buy_orders"`
	SellOrders   int             `json:"sell_orders"`
}

// divisionScale is the fixed fractional precision used for derived prices.
// Division truncates toward zero so replays are deterministic.
const divisionScale = 8

func divTrunc(a, b decimal.Decimal) decimal.Decimal {
	return a.Div(b).Truncate(divisionScale)
}
