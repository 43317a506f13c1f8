package positions

import (
	"context"

	"github.com/outcome-exchange/internal/market"
	"github.com/shopspring/decimal"
)

// Store is the read surface the portfolio builder needs
type Store interface {
	UserByID(ctx context.Context, id int64) (*market.User, error)
	PositionsByUser(ctx context.Context, userID int64) ([]*market.Position, error)
	EventByID(ctx context.Context, id int64) (*market.Event, error)
	OptionByID(ctx context.Context, id int64) (*market.EventOption, error)
}

// Portfolio is a user's open positions grouped by event, valued at current
// option prices.
type Portfolio struct {
	TotalInvested   decimal.Decimal      `json:"total_invested"`
	CurrentValue    decimal.Decimal      `json:"current_value"`
	TotalPnL        decimal.Decimal      `json:"total_pnl"`
	WalletBalance   decimal.Decimal      `json:"wallet_balance"`
	ActivePositions []EventPositionGroup `json:"active_positions"`
}

// EventPositionGroup collects one event's positions with per-event totals
type EventPositionGroup struct {
	EventID      int64            `json:"event_id"`
	EventTitle   string           `json:"event_title"`
	EventStatus  string           `json:"event_status"`
	Invested     decimal.Decimal  `json:"invested"`
	CurrentValue decimal.Decimal  `json:"current_value"`
	PnL          decimal.Decimal  `json:"pnl"`
	Positions    []PositionDetail `json:"positions"`
}

// PositionDetail values a single position at the option's current price
type PositionDetail struct {
	OptionID      int64           `json:"option_id"`
	OptionText    string          `json:"option_text"`
	Quantity      int64           `json:"quantity"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	PositionValue decimal.Decimal `json:"position_value"`
}

// Summary condenses a portfolio to its headline numbers
type Summary struct {
	TotalPositions int             `json:"total_positions"`
	ActiveEvents   int             `json:"active_events"`
	TotalInvested  decimal.Decimal `json:"total_invested"`
	CurrentValue   decimal.Decimal `json:"current_value"`
	TotalPnL       decimal.Decimal `json:"total_pnl"`
	PnLPercentage  decimal.Decimal `json:"pnl_percentage"`
}

// Builder assembles portfolio views from the durable store
type Builder struct {
	store Store
}

// NewBuilder creates a portfolio builder
func NewBuilder(store Store) *Builder {
	return &Builder{store: store}
}

// Build returns the full portfolio for a user
func (b *Builder) Build(ctx context.Context, userID int64) (*Portfolio, error) {
	user, err := b.store.UserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	positions, err := b.store.PositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	grouped := make(map[int64][]*market.Position)
	var eventOrder []int64
	for _, p := range positions {
		if _, seen := grouped[p.EventID]; !seen {
			eventOrder = append(eventOrder, p.EventID)
		}
		grouped[p.EventID] = append(grouped[p.EventID], p)
	}

	portfolio := &Portfolio{
		TotalInvested:   decimal.Zero,
		CurrentValue:    decimal.Zero,
		WalletBalance:   user.WalletBalance,
		ActivePositions: []EventPositionGroup{},
	}

	for _, eventID := range eventOrder {
		event, err := b.store.EventByID(ctx, eventID)
		if err != nil {
			if market.KindOf(err) == market.KindNotFound {
				continue
			}
			return nil, err
		}

		group := EventPositionGroup{
			EventID:      event.ID,
			EventTitle:   event.Title,
			EventStatus:  string(event.Status),
			Invested:     decimal.Zero,
			CurrentValue: decimal.Zero,
		}

		for _, p := range grouped[eventID] {
			option, err := b.store.OptionByID(ctx, p.OptionID)
			if err != nil {
				if market.KindOf(err) == market.KindNotFound {
					continue
				}
				return nil, err
			}

			qty := decimal.NewFromInt(p.Quantity)
			cost := p.AveragePrice.Mul(qty)
			value := option.CurrentPrice.Mul(qty)

			group.Invested = group.Invested.Add(cost)
			group.CurrentValue = group.CurrentValue.Add(value)
			group.Positions = append(group.Positions, PositionDetail{
				OptionID:      p.OptionID,
				OptionText:    option.OptionText,
				Quantity:      p.Quantity,
				AvgPrice:      p.AveragePrice,
				CurrentPrice:  option.CurrentPrice,
				PositionValue: value,
			})
		}

		group.PnL = group.CurrentValue.Sub(group.Invested)
		portfolio.TotalInvested = portfolio.TotalInvested.Add(group.Invested)
		portfolio.CurrentValue = portfolio.CurrentValue.Add(group.CurrentValue)
		portfolio.ActivePositions = append(portfolio.ActivePositions, group)
	}

	portfolio.TotalPnL = portfolio.CurrentValue.Sub(portfolio.TotalInvested)
	return portfolio, nil
}

// BuildSummary returns the headline numbers for a user's portfolio
func (b *Builder) BuildSummary(ctx context.Context, userID int64) (*Summary, error) {
	portfolio, err := b.Build(ctx, userID)
	if err != nil {
		return nil, err
	}

	totalPositions := 0
	for _, group := range portfolio.ActivePositions {
		totalPositions += len(group.Positions)
	}

	pnlPercentage := decimal.Zero
	if portfolio.TotalInvested.IsPositive() {
		pnlPercentage = portfolio.TotalPnL.Div(portfolio.TotalInvested).Mul(decimal.NewFromInt(100)).Truncate(8)
	}

	return &Summary{
		TotalPositions: totalPositions,
		ActiveEvents:   len(portfolio.ActivePositions),
		TotalInvested:  portfolio.TotalInvested,
		CurrentValue:   portfolio.CurrentValue,
		TotalPnL:       portfolio.TotalPnL,
		PnLPercentage:  pnlPercentage,
	}, nil
}
