package settlement

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/outcome-exchange/internal/config"
	"github.com/outcome-exchange/internal/market"
	"github.com/outcome-exchange/pkg/observability"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

type fakeStore struct {
	event     *market.Event
	options   []*market.EventOption
	positions []*market.Position
	users     map[int64]*market.User

	txns     []*market.Transaction
	resolved bool
	failAt   string
}

func (f *fakeStore) InTx(_ context.Context, fn func(tx Tx) error) error {
	saved := f.copyState()
	if err := fn(&fakeTx{store: f}); err != nil {
		f.restore(saved)
		return err
	}
	return nil
}

type state struct {
	event     market.Event
	options   []market.EventOption
	positions []market.Position
	users     map[int64]market.User
	txns      []*market.Transaction
	resolved  bool
}

func (f *fakeStore) copyState() state {
	s := state{event: *f.event, users: make(map[int64]market.User), txns: append([]*market.Transaction(nil), f.txns...), resolved: f.resolved}
	for _, o := range f.options {
		s.options = append(s.options, *o)
	}
	for _, p := range f.positions {
		s.positions = append(s.positions, *p)
	}
	for id, u := range f.users {
		s.users[id] = *u
	}
	return s
}

func (f *fakeStore) restore(s state) {
	*f.event = s.event
	for i := range f.options {
		*f.options[i] = s.options[i]
	}
	for i := range f.positions {
		*f.positions[i] = s.positions[i]
	}
	for id := range f.users {
		u := s.users[id]
		*f.users[id] = u
	}
	f.txns = s.txns
	f.resolved = s.resolved
}

type fakeTx struct {
	store *fakeStore
}

func (t *fakeTx) EventForUpdate(_ context.Context, id int64) (*market.Event, error) {
	if t.store.event == nil || t.store.event.ID != id {
		return nil, market.NotFoundf("event %d not found", id)
	}
	return t.store.event, nil
}

func (t *fakeTx) OptionsByEvent(_ context.Context, _ int64) ([]*market.EventOption, error) {
	return t.store.options, nil
}

func (t *fakeTx) SetOptionOutcome(_ context.Context, optionID int64, isWinning bool) error {
	for _, o := range t.store.options {
		if o.ID == optionID {
			value := isWinning
			o.IsWinning = &value
		}
	}
	return nil
}

func (t *fakeTx) OpenPositionsByEvent(_ context.Context, _ int64) ([]*market.Position, error) {
	var open []*market.Position
	for _, p := range t.store.positions {
		if p.Quantity > 0 {
			open = append(open, p)
		}
	}
	return open, nil
}

func (t *fakeTx) UserForUpdate(_ context.Context, id int64) (*market.User, error) {
	if u, ok := t.store.users[id]; ok {
		copied := *u
		return &copied, nil
	}
	return nil, market.NotFoundf("user %d not found", id)
}

func (t *fakeTx) UpdateUserBalance(_ context.Context, id int64, balance decimal.Decimal) error {
	t.store.users[id].WalletBalance = balance
	return nil
}

func (t *fakeTx) InsertTransaction(_ context.Context, txn *market.Transaction) error {
	if t.store.failAt == "transaction" {
		return market.Infra(assert.AnError, "transaction insert failed")
	}
	t.store.txns = append(t.store.txns, txn)
	return nil
}

func (t *fakeTx) ClosePosition(_ context.Context, userID, eventID, optionID int64) error {
	for _, p := range t.store.positions {
		if p.UserID == userID && p.EventID == eventID && p.OptionID == optionID {
			p.Quantity = 0
			p.AveragePrice = decimal.Zero
		}
	}
	return nil
}

func (t *fakeTx) ResolveEvent(_ context.Context, eventID, winningOptionID, resolverID int64, note string, at time.Time) error {
	t.store.event.Status = market.EventStatusResolved
	t.store.event.WinningOptionID = &winningOptionID
	t.store.event.ResolvedBy = &resolverID
	t.store.event.ResolvedAt = &at
	if note != "" {
		t.store.event.ResolutionNote = &note
	}
	t.store.resolved = true
	return nil
}

type fakeNotifier struct {
	eventChanged        []int64
	eventsChanged       int
	portfolioChanged    []int64
	transactionsChanged []int64
}

func (f *fakeNotifier) EventsChanged()        { f.eventsChanged++ }
func (f *fakeNotifier) EventChanged(id int64) { f.eventChanged = append(f.eventChanged, id) }
func (f *fakeNotifier) PortfolioChanged(id int64) {
	f.portfolioChanged = append(f.portfolioChanged, id)
}
func (f *fakeNotifier) TransactionsChanged(id int64) {
	f.transactionsChanged = append(f.transactionsChanged, id)
}

func newTestStore() *fakeStore {
	ended := time.Now().UTC().Add(-time.Hour)
	return &fakeStore{
		event: &market.Event{ID: 1, Title: "Final", Status: market.EventStatusActive, EndTime: ended},
		options: []*market.EventOption{
			{ID: 10, EventID: 1, OptionText: "Yes"},
			{ID: 11, EventID: 1, OptionText: "No"},
		},
		positions: []*market.Position{
			{UserID: 1, EventID: 1, OptionID: 10, Quantity: 10, AveragePrice: d("0.40")},
			{UserID: 2, EventID: 1, OptionID: 10, Quantity: 5, AveragePrice: d("0.70")},
			{UserID: 3, EventID: 1, OptionID: 11, Quantity: 8, AveragePrice: d("0.30")},
		},
		users: map[int64]*market.User{
			1: {ID: 1, Username: "alice", WalletBalance: d("10.00")},
			2: {ID: 2, Username: "bob", WalletBalance: d("10.00")},
			3: {ID: 3, Username: "carol", WalletBalance: d("10.00")},
		},
	}
}

func newTestService(store *fakeStore) (*Service, *fakeNotifier) {
	notifier := &fakeNotifier{}
	logger := observability.NewLogger(config.ObservabilityConfig{LogLevel: "error"})
	metrics := observability.NewExchangeMetrics("settlement_test")
	return NewService(store, notifier, metrics, logger), notifier
}

func TestSettleMixedWinners(t *testing.T) {
	store := newTestStore()
	service, notifier := newTestService(store)

	result, err := service.Settle(context.Background(), 99, Request{EventID: 1, WinningOptionID: 10})
	require.NoError(t, err)

	// Winners receive 1.00 per share, the loser nothing
	assert.True(t, store.users[1].WalletBalance.Equal(d("20.00")), "alice got %s", store.users[1].WalletBalance)
	assert.True(t, store.users[2].WalletBalance.Equal(d("15.00")))
	assert.True(t, store.users[3].WalletBalance.Equal(d("10.00")))

	// Every position closes
	for _, p := range store.positions {
		assert.Equal(t, int64(0), p.Quantity)
	}

	// Exactly one option marked winning
	winners := 0
	for _, o := range store.options {
		require.NotNil(t, o.IsWinning)
		if *o.IsWinning {
			winners++
		}
	}
	assert.Equal(t, 1, winners)

	// Payout ledger entries only for winners
	require.Len(t, store.txns, 2)
	for _, txn := range store.txns {
		assert.Equal(t, market.TransactionEventPayout, txn.Type)
		assert.True(t, strings.HasPrefix(txn.ReferenceID, "event_1_"))
	}

	assert.Equal(t, market.EventStatusResolved, store.event.Status)
	require.NotNil(t, store.event.ResolvedBy)
	assert.Equal(t, int64(99), *store.event.ResolvedBy)

	require.Len(t, result.Payouts, 3)
	assert.True(t, result.TotalPayouts.Equal(d("15.00")))

	byUser := make(map[int64]Payout)
	for _, p := range result.Payouts {
		byUser[p.UserID] = p
	}
	// P&L: alice +6.00, bob +1.50, carol -2.40
	assert.True(t, byUser[1].ProfitLoss.Equal(d("6.00")))
	assert.True(t, byUser[2].ProfitLoss.Equal(d("1.50")))
	assert.True(t, byUser[3].ProfitLoss.Equal(d("-2.40")))
	assert.True(t, byUser[3].TotalPayout.IsZero())

	assert.Contains(t, notifier.eventChanged, int64(1))
	assert.Contains(t, notifier.portfolioChanged, int64(3))
	assert.NotContains(t, notifier.transactionsChanged, int64(3))
}

func TestSettlePreconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("AlreadyResolved", func(t *testing.T) {
		store := newTestStore()
		store.event.Status = market.EventStatusResolved
		service, _ := newTestService(store)
		_, err := service.Settle(ctx, 99, Request{EventID: 1, WinningOptionID: 10})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already resolved")
	})

	t.Run("NotEnded", func(t *testing.T) {
		store := newTestStore()
		store.event.EndTime = time.Now().UTC().Add(time.Hour)
		service, _ := newTestService(store)
		_, err := service.Settle(ctx, 99, Request{EventID: 1, WinningOptionID: 10})
		require.Error(t, err)
	})

	t.Run("EndedStatusAllowsEarlySettle", func(t *testing.T) {
		store := newTestStore()
		store.event.EndTime = time.Now().UTC().Add(time.Hour)
		store.event.Status = market.EventStatusEnded
		service, _ := newTestService(store)
		_, err := service.Settle(ctx, 99, Request{EventID: 1, WinningOptionID: 10})
		require.NoError(t, err)
	})

	t.Run("ForeignWinningOption", func(t *testing.T) {
		store := newTestStore()
		service, _ := newTestService(store)
		_, err := service.Settle(ctx, 99, Request{EventID: 1, WinningOptionID: 777})
		require.Error(t, err)
		assert.Equal(t, market.KindValidation, market.KindOf(err))
	})

	t.Run("UnknownEvent", func(t *testing.T) {
		store := newTestStore()
		service, _ := newTestService(store)
		_, err := service.Settle(ctx, 99, Request{EventID: 42, WinningOptionID: 10})
		require.Error(t, err)
		assert.Equal(t, market.KindNotFound, market.KindOf(err))
	})
}

func TestSettleIdempotence(t *testing.T) {
	store := newTestStore()
	service, _ := newTestService(store)

	_, err := service.Settle(context.Background(), 99, Request{EventID: 1, WinningOptionID: 10})
	require.NoError(t, err)

	balanceAfterFirst := store.users[1].WalletBalance
	txnsAfterFirst := len(store.txns)

	_, err = service.Settle(context.Background(), 99, Request{EventID: 1, WinningOptionID: 10})
	require.Error(t, err)

	assert.True(t, store.users[1].WalletBalance.Equal(balanceAfterFirst))
	assert.Equal(t, txnsAfterFirst, len(store.txns))
}

func TestSettleAllOrNothing(t *testing.T) {
	store := newTestStore()
	store.failAt = "transaction"
	service, _ := newTestService(store)

	_, err := service.Settle(context.Background(), 99, Request{EventID: 1, WinningOptionID: 10})
	require.Error(t, err)

	// The rollback leaves the event unresolved and balances untouched
	assert.Equal(t, market.EventStatusActive, store.event.Status)
	assert.True(t, store.users[1].WalletBalance.Equal(d("10.00")))
	for _, p := range store.positions {
		assert.NotEqual(t, int64(0), p.Quantity)
	}
	assert.Empty(t, store.txns)
}
