package positions

import (
	"context"
	"testing"

	"github.com/outcome-exchange/internal/market"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	users     map[int64]*market.User
	positions map[int64][]*market.Position
	events    map[int64]*market.Event
	options   map[int64]*market.EventOption
}

func (f *fakeStore) UserByID(_ context.Context, id int64) (*market.User, error) {
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, market.NotFoundf("user %d not found", id)
}

func (f *fakeStore) PositionsByUser(_ context.Context, userID int64) ([]*market.Position, error) {
	return f.positions[userID], nil
}

func (f *fakeStore) EventByID(_ context.Context, id int64) (*market.Event, error) {
	if e, ok := f.events[id]; ok {
		return e, nil
	}
	return nil, market.NotFoundf("event %d not found", id)
}

func (f *fakeStore) OptionByID(_ context.Context, id int64) (*market.EventOption, error) {
	if o, ok := f.options[id]; ok {
		return o, nil
	}
	return nil, market.NotFoundf("option %d not found", id)
}

func TestBuildPortfolio(t *testing.T) {
	store := &fakeStore{
		users: map[int64]*market.User{
			1: {ID: 1, WalletBalance: d("25.00")},
		},
		positions: map[int64][]*market.Position{
			1: {
				{UserID: 1, EventID: 100, OptionID: 10, Quantity: 10, AveragePrice: d("0.40")},
				{UserID: 1, EventID: 100, OptionID: 11, Quantity: 5, AveragePrice: d("0.30")},
				{UserID: 1, EventID: 200, OptionID: 20, Quantity: 8, AveragePrice: d("0.60")},
			},
		},
		events: map[int64]*market.Event{
			100: {ID: 100, Title: "Event A", Status: market.EventStatusActive},
			200: {ID: 200, Title: "Event B", Status: market.EventStatusActive},
		},
		options: map[int64]*market.EventOption{
			10: {ID: 10, EventID: 100, OptionText: "Yes", CurrentPrice: d("0.55")},
			11: {ID: 11, EventID: 100, OptionText: "No", CurrentPrice: d("0.45")},
			20: {ID: 20, EventID: 200, OptionText: "Yes", CurrentPrice: d("0.50")},
		},
	}

	builder := NewBuilder(store)
	portfolio, err := builder.Build(context.Background(), 1)
	require.NoError(t, err)

	// invested = 10*0.40 + 5*0.30 + 8*0.60 = 10.30
	assert.True(t, portfolio.TotalInvested.Equal(d("10.30")), "got %s", portfolio.TotalInvested)
	// value = 10*0.55 + 5*0.45 + 8*0.50 = 11.75
	assert.True(t, portfolio.CurrentValue.Equal(d("11.75")), "got %s", portfolio.CurrentValue)
	assert.True(t, portfolio.TotalPnL.Equal(d("1.45")))
	assert.True(t, portfolio.WalletBalance.Equal(d("25.00")))

	require.Len(t, portfolio.ActivePositions, 2)
	groupA := portfolio.ActivePositions[0]
	assert.Equal(t, int64(100), groupA.EventID)
	assert.Len(t, groupA.Positions, 2)
	assert.True(t, groupA.Invested.Equal(d("5.50")))
	assert.True(t, groupA.CurrentValue.Equal(d("7.75")))
}

func TestBuildSummary(t *testing.T) {
	store := &fakeStore{
		users: map[int64]*market.User{1: {ID: 1, WalletBalance: decimal.Zero}},
		positions: map[int64][]*market.Position{
			1: {{UserID: 1, EventID: 100, OptionID: 10, Quantity: 10, AveragePrice: d("0.50")}},
		},
		events:  map[int64]*market.Event{100: {ID: 100, Title: "Event A", Status: market.EventStatusActive}},
		options: map[int64]*market.EventOption{10: {ID: 10, EventID: 100, CurrentPrice: d("0.60")}},
	}

	builder := NewBuilder(store)
	summary, err := builder.BuildSummary(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.TotalPositions)
	assert.Equal(t, 1, summary.ActiveEvents)
	assert.True(t, summary.TotalInvested.Equal(d("5.00")))
	assert.True(t, summary.CurrentValue.Equal(d("6.00")))
	assert.True(t, summary.TotalPnL.Equal(d("1.00")))
	// 1.00 / 5.00 * 100 = 20%
	assert.True(t, summary.PnLPercentage.Equal(d("20")), "got %s", summary.PnLPercentage)
}

func TestBuildEmptyPortfolio(t *testing.T) {
	store := &fakeStore{
		users: map[int64]*market.User{1: {ID: 1, WalletBalance: d("5.00")}},
	}

	builder := NewBuilder(store)
	portfolio, err := builder.Build(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, portfolio.ActivePositions)
	assert.True(t, portfolio.TotalInvested.IsZero())
	assert.True(t, portfolio.TotalPnL.IsZero())
}
