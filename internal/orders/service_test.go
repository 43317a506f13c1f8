package orders

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/outcome-exchange/internal/config"
	"github.com/outcome-exchange/internal/market"
	"github.com/outcome-exchange/internal/orderbook"
	"github.com/outcome-exchange/pkg/observability"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func positionKey(userID, eventID, optionID int64) string {
	return fmt.Sprintf("%d:%d:%d", userID, eventID, optionID)
}

// fakeStore is an in-memory durable store. InTx snapshots the mutable state
// and restores it when the callback fails, mirroring a rollback.
type fakeStore struct {
	events    map[int64]*market.Event
	options   map[int64]*market.EventOption
	users     map[int64]*market.User
	positions map[string]*market.Position
	orders    map[string]*orderbook.Order
	trades    []*orderbook.Trade
	txns      []*market.Transaction

	// forces the TOCTOU re-validation to observe zero seller capacity
	starveSeller bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events:    make(map[int64]*market.Event),
		options:   make(map[int64]*market.EventOption),
		users:     make(map[int64]*market.User),
		positions: make(map[string]*market.Position),
		orders:    make(map[string]*orderbook.Order),
	}
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

func (f *fakeStore) UserByID(_ context.Context, id int64) (*market.User, error) {
	if u, ok := f.users[id]; ok {
		copied := *u
		return &copied, nil
	}
	return nil, market.NotFoundf("user %d not found", id)
}

func (f *fakeStore) PositionFor(_ context.Context, userID, eventID, optionID int64) (*market.Position, error) {
	if p, ok := f.positions[positionKey(userID, eventID, optionID)]; ok {
		copied := *p
		return &copied, nil
	}
	return &market.Position{UserID: userID, EventID: eventID, OptionID: optionID, AveragePrice: decimal.Zero}, nil
}

func (f *fakeStore) InsertOrder(_ context.Context, order *orderbook.Order) error {
	copied := *order
	f.orders[order.ID] = &copied
	return nil
}

func (f *fakeStore) UpdateOrder(_ context.Context, order *orderbook.Order) error {
	copied := *order
	f.orders[order.ID] = &copied
	return nil
}

func (f *fakeStore) OrdersByUser(_ context.Context, userID int64, _ int) ([]*orderbook.Order, error) {
	var out []*orderbook.Order
	for _, o := range f.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeStore) TradesForOption(_ context.Context, eventID, optionID int64, _ int) ([]*orderbook.Trade, error) {
	var out []*orderbook.Trade
	for _, t := range f.trades {
		if t.EventID == eventID && t.OptionID == optionID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) snapshot() *fakeStore {
	s := newFakeStore()
	for k, v := range f.users {
		copied := *v
		s.users[k] = &copied
	}
	for k, v := range f.positions {
		copied := *v
		s.positions[k] = &copied
	}
	for k, v := range f.orders {
		copied := *v
		s.orders[k] = &copied
	}
	for k, v := range f.events {
		copied := *v
		s.events[k] = &copied
	}
	s.trades = append([]*orderbook.Trade(nil), f.trades...)
	s.txns = append([]*market.Transaction(nil), f.txns...)
	return s
}

func (f *fakeStore) restore(s *fakeStore) {
	f.users = s.users
	f.positions = s.positions
	f.orders = s.orders
	f.events = s.events
	f.trades = s.trades
	f.txns = s.txns
}

func (f *fakeStore) InTx(_ context.Context, fn func(tx Tx) error) error {
	saved := f.snapshot()
	if err := fn(&fakeTx{store: f}); err != nil {
		f.restore(saved)
		return err
	}
	return nil
}

type fakeTx struct {
	store *fakeStore
}

func (t *fakeTx) UserForUpdate(ctx context.Context, id int64) (*market.User, error) {
	return t.store.UserByID(ctx, id)
}

func (t *fakeTx) UpdateUserBalance(_ context.Context, id int64, balance decimal.Decimal) error {
	t.store.users[id].WalletBalance = balance
	return nil
}

func (t *fakeTx) PositionForUpdate(ctx context.Context, userID, eventID, optionID int64) (*market.Position, error) {
	if t.store.starveSeller {
		return &market.Position{UserID: userID, EventID: eventID, OptionID: optionID, AveragePrice: decimal.Zero}, nil
	}
	return t.store.PositionFor(ctx, userID, eventID, optionID)
}

func (t *fakeTx) SavePosition(_ context.Context, position *market.Position) error {
	copied := *position
	t.store.positions[positionKey(position.UserID, position.EventID, position.OptionID)] = &copied
	return nil
}

func (t *fakeTx) InsertTrade(_ context.Context, trade *orderbook.Trade) error {
	t.store.trades = append(t.store.trades, trade)
	return nil
}

func (t *fakeTx) InsertTransaction(_ context.Context, txn *market.Transaction) error {
	t.store.txns = append(t.store.txns, txn)
	return nil
}

func (t *fakeTx) ApplyOrderFill(_ context.Context, orderID string, quantity int64) error {
	order, ok := t.store.orders[orderID]
	if !ok {
		return market.NotFoundf("order %s not found", orderID)
	}
	order.FilledQuantity += quantity
	if order.FilledQuantity >= order.Quantity {
		order.Status = orderbook.StatusFilled
	} else {
		order.Status = orderbook.StatusPartiallyFilled
	}
	return nil
}

func (t *fakeTx) AddEventVolume(_ context.Context, eventID int64, amount decimal.Decimal) error {
	event := t.store.events[eventID]
	event.TotalVolume = event.TotalVolume.Add(amount)
	return nil
}

// fakeBookStore keeps live books in memory
type fakeBookStore struct {
	books  map[string]*orderbook.Book
	orders map[string]*orderbook.Order
	trades []*orderbook.Trade
}

func newFakeBookStore() *fakeBookStore {
	return &fakeBookStore{
		books:  make(map[string]*orderbook.Book),
		orders: make(map[string]*orderbook.Order),
	}
}

func (f *fakeBookStore) GetOrCreateBook(_ context.Context, eventID, optionID int64) (*orderbook.Book, error) {
	key := fmt.Sprintf("%d:%d", eventID, optionID)
	if book, ok := f.books[key]; ok {
		return book, nil
	}
	book := orderbook.NewBook(eventID, optionID)
	f.books[key] = book
	return book, nil
}

func (f *fakeBookStore) SaveBook(_ context.Context, book *orderbook.Book) error {
	f.books[fmt.Sprintf("%d:%d", book.EventID(), book.OptionID())] = book
	return nil
}

func (f *fakeBookStore) SaveOrder(_ context.Context, order *orderbook.Order) error {
	copied := *order
	f.orders[order.ID] = &copied
	return nil
}

func (f *fakeBookStore) LoadOrder(_ context.Context, orderID string) (*orderbook.Order, bool, error) {
	if o, ok := f.orders[orderID]; ok {
		copied := *o
		return &copied, true, nil
	}
	return nil, false, nil
}

func (f *fakeBookStore) UpdateOrderStatus(_ context.Context, orderID string, status orderbook.Status, filledQuantity int64) error {
	if o, ok := f.orders[orderID]; ok {
		o.Status = status
		o.FilledQuantity = filledQuantity
	}
	return nil
}

func (f *fakeBookStore) SaveTrade(_ context.Context, trade *orderbook.Trade) error {
	f.trades = append(f.trades, trade)
	return nil
}

func (f *fakeBookStore) RecentTrades(_ context.Context, eventID, optionID int64, _ int64) ([]*orderbook.Trade, error) {
	var out []*orderbook.Trade
	for _, t := range f.trades {
		if t.EventID == eventID && t.OptionID == optionID {
			out = append(out, t)
		}
	}
	return out, nil
}

type fakeNotifier struct {
	eventsChanged       int
	eventChanged        []int64
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

func newTestService(t *testing.T) (*Service, *fakeStore, *fakeBookStore, *fakeNotifier) {
	t.Helper()
	store := newFakeStore()
	books := newFakeBookStore()
	notifier := &fakeNotifier{}
	logger := observability.NewLogger(config.ObservabilityConfig{LogLevel: "error"})
	metrics := observability.NewExchangeMetrics("orders_test")
	service := NewService(store, books, orderbook.NewBookLocks(), notifier, nil, metrics, logger)

	store.events[1] = &market.Event{
		ID:          1,
		Title:       "Test event",
		Status:      market.EventStatusActive,
		EndTime:     time.Now().UTC().Add(24 * time.Hour),
		TotalVolume: decimal.Zero,
	}
	store.options[10] = &market.EventOption{ID: 10, EventID: 1, CurrentPrice: d("50.00")}
	store.users[1] = &market.User{ID: 1, WalletBalance: d("100.00"), IsActive: true}
	store.users[2] = &market.User{ID: 2, WalletBalance: d("100.00"), IsActive: true}

	return service, store, books, notifier
}

func buyRequest(userID int64, price string, quantity int64) PlaceOrderRequest {
	return PlaceOrderRequest{
		UserID: userID, EventID: 1, OptionID: 10,
		Side: orderbook.SideBuy, Type: orderbook.TypeLimit,
		Price: d(price), Quantity: quantity,
	}
}

func sellRequest(userID int64, price string, quantity int64) PlaceOrderRequest {
	return PlaceOrderRequest{
		UserID: userID, EventID: 1, OptionID: 10,
		Side: orderbook.SideSell, Type: orderbook.TypeLimit,
		Price: d(price), Quantity: quantity,
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("EventNotActive", func(t *testing.T) {
		service, store, _, _ := newTestService(t)
		store.events[1].Status = market.EventStatusDraft
		_, err := service.PlaceOrder(ctx, buyRequest(1, "0.50", 10))
		require.Error(t, err)
		assert.Equal(t, market.KindBusiness, market.KindOf(err))
	})

	t.Run("EventEnded", func(t *testing.T) {
		service, store, _, _ := newTestService(t)
		store.events[1].EndTime = time.Now().UTC().Add(-time.Hour)
		_, err := service.PlaceOrder(ctx, buyRequest(1, "0.50", 10))
		require.Error(t, err)
	})

	t.Run("OptionNotOnEvent", func(t *testing.T) {
		service, store, _, _ := newTestService(t)
		store.options[99] = &market.EventOption{ID: 99, EventID: 42}
		req := buyRequest(1, "0.50", 10)
		req.OptionID = 99
		_, err := service.PlaceOrder(ctx, req)
		require.Error(t, err)
		assert.Equal(t, market.KindValidation, market.KindOf(err))
	})

	t.Run("InactiveUser", func(t *testing.T) {
		service, store, _, _ := newTestService(t)
		store.users[1].IsActive = false
		_, err := service.PlaceOrder(ctx, buyRequest(1, "0.50", 10))
		require.Error(t, err)
	})

	t.Run("InsufficientBalance", func(t *testing.T) {
		service, store, _, _ := newTestService(t)
		store.users[1].WalletBalance = d("1.00")
		_, err := service.PlaceOrder(ctx, buyRequest(1, "0.50", 10))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "insufficient balance")
	})

	t.Run("InsufficientShares", func(t *testing.T) {
		service, _, _, _ := newTestService(t)
		_, err := service.PlaceOrder(ctx, sellRequest(1, "0.50", 10))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "insufficient shares")
	})
}

func TestPlaceOrderRestsWithoutLiquidity(t *testing.T) {
	ctx := context.Background()
	service, store, _, notifier := newTestService(t)

	result, err := service.PlaceOrder(ctx, buyRequest(1, "0.50", 10))
	require.NoError(t, err)
	assert.Empty(t, result.Trades)
	assert.Equal(t, orderbook.StatusPending, result.Order.Status)
	assert.True(t, result.WalletBalance.Equal(d("100.00")))

	stored := store.orders[result.Order.ID]
	require.NotNil(t, stored)
	assert.Equal(t, orderbook.StatusPending, stored.Status)

	assert.Equal(t, 1, notifier.eventsChanged)
	assert.Contains(t, notifier.eventChanged, int64(1))
}

func TestPlaceOrderCrossProducesTradeEffects(t *testing.T) {
	ctx := context.Background()
	service, store, books, notifier := newTestService(t)

	// Seller holds shares bought earlier at 0.40
	store.positions[positionKey(2, 1, 10)] = &market.Position{
		UserID: 2, EventID: 1, OptionID: 10, Quantity: 10, AveragePrice: d("0.40"),
	}

	buyResult, err := service.PlaceOrder(ctx, buyRequest(1, "0.50", 10))
	require.NoError(t, err)

	sellResult, err := service.PlaceOrder(ctx, sellRequest(2, "0.50", 6))
	require.NoError(t, err)
	require.Len(t, sellResult.Trades, 1)

	trade := sellResult.Trades[0]
	assert.True(t, trade.Price.Equal(d("0.50")))
	assert.Equal(t, int64(6), trade.Quantity)
	assert.True(t, trade.TotalAmount.Equal(d("3.00")))

	// Wallets move by the trade notional
	assert.True(t, store.users[1].WalletBalance.Equal(d("97.00")), "buyer got %s", store.users[1].WalletBalance)
	assert.True(t, store.users[2].WalletBalance.Equal(d("103.00")), "seller got %s", store.users[2].WalletBalance)
	assert.True(t, sellResult.WalletBalance.Equal(d("103.00")))

	// Positions update with cost basis
	buyerPos := store.positions[positionKey(1, 1, 10)]
	require.NotNil(t, buyerPos)
	assert.Equal(t, int64(6), buyerPos.Quantity)
	assert.True(t, buyerPos.AveragePrice.Equal(d("0.50")))

	sellerPos := store.positions[positionKey(2, 1, 10)]
	assert.Equal(t, int64(4), sellerPos.Quantity)
	assert.True(t, sellerPos.AveragePrice.Equal(d("0.40")))

	// Ledger entries for both sides
	require.Len(t, store.txns, 2)
	assert.Equal(t, market.TransactionTradeDebit, store.txns[0].Type)
	assert.Equal(t, int64(1), store.txns[0].UserID)
	assert.True(t, store.txns[0].BalanceAfter.Equal(store.txns[0].BalanceBefore.Sub(d("3.00"))))
	assert.Equal(t, market.TransactionTradeCredit, store.txns[1].Type)

	// Order rows advance their fills
	buyRow := store.orders[buyResult.Order.ID]
	assert.Equal(t, int64(6), buyRow.FilledQuantity)
	assert.Equal(t, orderbook.StatusPartiallyFilled, buyRow.Status)
	sellRow := store.orders[sellResult.Order.ID]
	assert.Equal(t, orderbook.StatusFilled, sellRow.Status)

	// Event volume accumulates
	assert.True(t, store.events[1].TotalVolume.Equal(d("3.00")))

	// Trade indexed in the book store
	assert.Len(t, books.trades, 1)

	assert.Contains(t, notifier.portfolioChanged, int64(1))
	assert.Contains(t, notifier.portfolioChanged, int64(2))
	assert.Contains(t, notifier.transactionsChanged, int64(1))
	assert.Contains(t, notifier.transactionsChanged, int64(2))
}

func TestPlaceOrderFOKRejectPersisted(t *testing.T) {
	ctx := context.Background()
	service, store, _, _ := newTestService(t)

	store.positions[positionKey(2, 1, 10)] = &market.Position{
		UserID: 2, EventID: 1, OptionID: 10, Quantity: 4, AveragePrice: d("0.40"),
	}
	_, err := service.PlaceOrder(ctx, sellRequest(2, "0.70", 4))
	require.NoError(t, err)

	req := buyRequest(1, "0.70", 5)
	req.TimeInForce = orderbook.FOK
	_, err = service.PlaceOrder(ctx, req)
	require.Error(t, err)
	assert.Equal(t, market.KindBusiness, market.KindOf(err))

	var rejected *orderbook.Order
	for _, o := range store.orders {
		if o.UserID == 1 {
			rejected = o
		}
	}
	require.NotNil(t, rejected)
	assert.Equal(t, orderbook.StatusRejected, rejected.Status)
}

func TestPlaceOrderSellerStarvedRollsBack(t *testing.T) {
	ctx := context.Background()
	service, store, _, _ := newTestService(t)

	store.positions[positionKey(2, 1, 10)] = &market.Position{
		UserID: 2, EventID: 1, OptionID: 10, Quantity: 10, AveragePrice: d("0.40"),
	}
	_, err := service.PlaceOrder(ctx, buyRequest(1, "0.50", 6))
	require.NoError(t, err)

	// Between validation and the transaction the seller's shares vanish
	store.starveSeller = true
	_, err = service.PlaceOrder(ctx, sellRequest(2, "0.50", 6))
	require.Error(t, err)
	assert.Equal(t, market.KindConflict, market.KindOf(err))

	// No balance moved, no trade or ledger row committed
	assert.True(t, store.users[1].WalletBalance.Equal(d("100.00")))
	assert.True(t, store.users[2].WalletBalance.Equal(d("100.00")))
	assert.Empty(t, store.trades)
	assert.Empty(t, store.txns)
}

func TestCancelOrder(t *testing.T) {
	ctx := context.Background()
	service, store, _, _ := newTestService(t)

	result, err := service.PlaceOrder(ctx, buyRequest(1, "0.50", 10))
	require.NoError(t, err)

	t.Run("OtherUserForbidden", func(t *testing.T) {
		_, err := service.Cancel(ctx, 2, result.Order.ID)
		require.Error(t, err)
		assert.Equal(t, market.KindAuthorization, market.KindOf(err))
	})

	t.Run("OwnerCancels", func(t *testing.T) {
		cancelled, err := service.Cancel(ctx, 1, result.Order.ID)
		require.NoError(t, err)
		assert.Equal(t, orderbook.StatusCancelled, cancelled.Status)
		assert.Equal(t, orderbook.StatusCancelled, store.orders[result.Order.ID].Status)
	})

	t.Run("UnknownOrder", func(t *testing.T) {
		_, err := service.Cancel(ctx, 1, "missing-order")
		require.Error(t, err)
		assert.Equal(t, market.KindNotFound, market.KindOf(err))
	})
}

func TestSelfTradeNetsToZeroBalanceChange(t *testing.T) {
	ctx := context.Background()
	service, store, _, _ := newTestService(t)

	store.positions[positionKey(1, 1, 10)] = &market.Position{
		UserID: 1, EventID: 1, OptionID: 10, Quantity: 10, AveragePrice: d("0.40"),
	}

	_, err := service.PlaceOrder(ctx, sellRequest(1, "0.50", 5))
	require.NoError(t, err)
	result, err := service.PlaceOrder(ctx, buyRequest(1, "0.50", 5))
	require.NoError(t, err)
	require.Len(t, result.Trades, 1)

	assert.True(t, store.users[1].WalletBalance.Equal(d("100.00")), "got %s", store.users[1].WalletBalance)
	// Shares sold and re-bought: quantity unchanged
	assert.Equal(t, int64(10), store.positions[positionKey(1, 1, 10)].Quantity)
	// Ledger keeps both sides of the self-trade
	assert.Len(t, store.txns, 2)
}

func TestRecentTradesFallsBackToDurableStore(t *testing.T) {
	ctx := context.Background()
	service, store, _, _ := newTestService(t)

	store.trades = append(store.trades, &orderbook.Trade{ID: "t1", EventID: 1, OptionID: 10, Quantity: 2, Price: d("0.50"), TotalAmount: d("1.00")})

	trades, err := service.RecentTrades(ctx, 1, 10, 50)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "t1", trades[0].ID)
}
