package orders

import (
	"context"
	"time"

	"github.com/outcome-exchange/internal/market"
	"github.com/outcome-exchange/internal/orderbook"
	"github.com/outcome-exchange/internal/positions"
	"github.com/outcome-exchange/pkg/observability"
	"github.com/shopspring/decimal"
)

// Store is the durable-store surface of the order service. Reads run outside
// the trade transaction; trade effects run inside InTx.
type Store interface {
	EventByID(ctx context.Context, id int64) (*market.Event, error)
	OptionByID(ctx context.Context, id int64) (*market.EventOption, error)
	UserByID(ctx context.Context, id int64) (*market.User, error)
	PositionFor(ctx context.Context, userID, eventID, optionID int64) (*market.Position, error)

	InsertOrder(ctx context.Context, order *orderbook.Order) error
	UpdateOrder(ctx context.Context, order *orderbook.Order) error
	OrdersByUser(ctx context.Context, userID int64, limit int) ([]*orderbook.Order, error)
	TradesForOption(ctx context.Context, eventID, optionID int64, limit int) ([]*orderbook.Trade, error)

	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the transactional scope applying one submit call's trade effects.
// Row locks on users and positions guard the re-validations.
type Tx interface {
	UserForUpdate(ctx context.Context, id int64) (*market.User, error)
	UpdateUserBalance(ctx context.Context, id int64, balance decimal.Decimal) error
	PositionForUpdate(ctx context.Context, userID, eventID, optionID int64) (*market.Position, error)
	SavePosition(ctx context.Context, position *market.Position) error
	InsertTrade(ctx context.Context, trade *orderbook.Trade) error
	InsertTransaction(ctx context.Context, txn *market.Transaction) error
	ApplyOrderFill(ctx context.Context, orderID string, quantity int64) error
	AddEventVolume(ctx context.Context, eventID int64, amount decimal.Decimal) error
}

// BookStore is the live book-state surface the order service needs.
// *orderbook.Store is the production implementation.
type BookStore interface {
	GetOrCreateBook(ctx context.Context, eventID, optionID int64) (*orderbook.Book, error)
	SaveBook(ctx context.Context, book *orderbook.Book) error
	SaveOrder(ctx context.Context, order *orderbook.Order) error
	LoadOrder(ctx context.Context, orderID string) (*orderbook.Order, bool, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status orderbook.Status, filledQuantity int64) error
	SaveTrade(ctx context.Context, trade *orderbook.Trade) error
	RecentTrades(ctx context.Context, eventID, optionID int64, limit int64) ([]*orderbook.Trade, error)
}

// Notifier fans out change signals to the subscription server
type Notifier interface {
	EventsChanged()
	EventChanged(eventID int64)
	PortfolioChanged(userID int64)
	TransactionsChanged(userID int64)
}

// PriceRefresher recomputes an option price after a book mutation
type PriceRefresher interface {
	UpdateOption(ctx context.Context, eventID, optionID int64)
}

// Service orchestrates the order lifecycle: validation, matching, trade
// effects, persistence, and notification.
type Service struct {
	logger   *observability.Logger
	store    Store
	books    BookStore
	locks    *orderbook.BookLocks
	notifier Notifier
	prices   PriceRefresher
	metrics  *observability.ExchangeMetrics
}

// NewService creates the order service
func NewService(store Store, books BookStore, locks *orderbook.BookLocks, notifier Notifier, prices PriceRefresher, metrics *observability.ExchangeMetrics, logger *observability.Logger) *Service {
	return &Service{
		logger:   logger,
		store:    store,
		books:    books,
		locks:    locks,
		notifier: notifier,
		prices:   prices,
		metrics:  metrics,
	}
}

// PlaceOrderRequest carries a validated order submission
type PlaceOrderRequest struct {
	UserID      int64
	EventID     int64
	OptionID    int64
	Side        orderbook.Side
	Type        orderbook.Type
	TimeInForce orderbook.TimeInForce
	Price       decimal.Decimal
	Quantity    int64
}

// PlaceOrderResult is returned to the caller after a submit call completes
type PlaceOrderResult struct {
	Order         *orderbook.Order   `json:"order"`
	Trades        []*orderbook.Trade `json:"trades"`
	WalletBalance decimal.Decimal    `json:"wallet_balance"`
}

// PlaceOrder runs the full order pipeline for one submission
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	now := time.Now().UTC()

	if req.Side != orderbook.SideBuy && req.Side != orderbook.SideSell {
		return nil, market.Validationf("invalid order side")
	}
	if req.Type != orderbook.TypeLimit && req.Type != orderbook.TypeMarket {
		return nil, market.Validationf("invalid order type")
	}
	if req.TimeInForce == "" {
		req.TimeInForce = orderbook.GTC
	}

	event, err := s.store.EventByID(ctx, req.EventID)
	if err != nil {
		return nil, err
	}
	if event.Status != market.EventStatusActive {
		return nil, market.Businessf("event is not active for trading")
	}
	if !event.EndTime.After(now) {
		return nil, market.Businessf("event has already ended")
	}

	option, err := s.store.OptionByID(ctx, req.OptionID)
	if err != nil {
		return nil, err
	}
	if option.EventID != req.EventID {
		return nil, market.Validationf("option does not belong to the specified event")
	}

	user, err := s.store.UserByID(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, market.Businessf("user account is deactivated")
	}

	switch req.Side {
	case orderbook.SideBuy:
		// Market orders have no limit price up front; the trade transaction
		// re-validates the buyer balance per fill.
		if req.Type == orderbook.TypeLimit {
			required := req.Price.Mul(decimal.NewFromInt(req.Quantity))
			if user.WalletBalance.LessThan(required) {
				return nil, market.Businessf("insufficient balance")
			}
		}
	case orderbook.SideSell:
		position, err := s.store.PositionFor(ctx, req.UserID, req.EventID, req.OptionID)
		if err != nil {
			return nil, err
		}
		if !positions.CanSell(position, req.Quantity) {
			return nil, market.Businessf("insufficient shares to sell")
		}
	}

	order := orderbook.NewOrder(req.UserID, req.EventID, req.OptionID, req.Side, req.Type, req.TimeInForce, req.Price, req.Quantity)

	if err := s.store.InsertOrder(ctx, order); err != nil {
		return nil, err
	}
	if err := s.books.SaveOrder(ctx, order); err != nil {
		s.logger.Warn(ctx, "Failed to index order in book store", map[string]interface{}{
			"order_id": order.ID, "error": err.Error(),
		})
	}

	unlock := s.locks.Lock(req.EventID, req.OptionID)
	defer unlock()

	book, err := s.books.GetOrCreateBook(ctx, req.EventID, req.OptionID)
	if err != nil {
		return nil, err
	}

	trades, err := book.Submit(order)
	if err != nil {
		order.Reject(now)
		if updateErr := s.store.UpdateOrder(ctx, order); updateErr != nil {
			s.logger.Error(ctx, "Failed to persist order rejection", updateErr, map[string]interface{}{
				"order_id": order.ID,
			})
		}
		s.books.UpdateOrderStatus(ctx, order.ID, orderbook.StatusRejected, 0)
		s.metrics.OrdersRejected.Inc()
		return nil, err
	}

	if len(trades) > 0 {
		if err := s.settleTrades(ctx, trades, now); err != nil {
			// The book in the store still holds the pre-submit state; the
			// in-memory mutation is discarded with this call.
			order.Reject(now)
			s.store.UpdateOrder(ctx, order)
			return nil, err
		}
	}

	if err := s.store.UpdateOrder(ctx, order); err != nil {
		s.logger.Error(ctx, "Failed to persist order state", err, map[string]interface{}{
			"order_id": order.ID,
		})
	}

	// The book store write is a re-derivable projection: log and continue on
	// failure, reconciliation rebuilds it from the durable store.
	if err := s.books.SaveBook(ctx, book); err != nil {
		s.logger.Error(ctx, "Failed to save order book", err, map[string]interface{}{
			"event_id": req.EventID, "option_id": req.OptionID,
		})
	}
	if err := s.books.SaveOrder(ctx, order); err != nil {
		s.logger.Warn(ctx, "Failed to update order in book store", map[string]interface{}{
			"order_id": order.ID, "error": err.Error(),
		})
	}
	for _, trade := range trades {
		if err := s.books.SaveTrade(ctx, trade); err != nil {
			s.logger.Warn(ctx, "Failed to index trade in book store", map[string]interface{}{
				"trade_id": trade.ID, "error": err.Error(),
			})
		}
	}

	s.metrics.OrdersPlaced.WithLabelValues(string(req.Side), string(req.Type)).Inc()
	s.metrics.TradesExecuted.Add(float64(len(trades)))
	for _, trade := range trades {
		volume, _ := trade.TotalAmount.Float64()
		s.metrics.TradeVolume.Add(volume)
	}

	s.notifyTradeEffects(req.EventID, req.UserID, trades)
	if s.prices != nil {
		go s.prices.UpdateOption(context.Background(), req.EventID, req.OptionID)
	}

	balance := user.WalletBalance
	if refreshed, err := s.store.UserByID(ctx, req.UserID); err == nil {
		balance = refreshed.WalletBalance
	}

	return &PlaceOrderResult{Order: order, Trades: trades, WalletBalance: balance}, nil
}

// settleTrades applies the trade effects of one submit call in a single
// durable-store transaction: trade rows, position updates, wallet moves with
// ledger entries, order fills, and event volume.
func (s *Service) settleTrades(ctx context.Context, trades []*orderbook.Trade, now time.Time) error {
	return s.store.InTx(ctx, func(tx Tx) error {
		for _, trade := range trades {
			// TOCTOU guard: the seller's capacity is re-checked under the
			// row lock that this transaction holds.
			sellerPosition, err := tx.PositionForUpdate(ctx, trade.SellerID, trade.EventID, trade.OptionID)
			if err != nil {
				return err
			}
			if !positions.CanSell(sellerPosition, trade.Quantity) {
				return market.Conflictf("trade execution failed: seller has insufficient shares")
			}

			if err := tx.InsertTrade(ctx, trade); err != nil {
				return err
			}

			buyerPosition, err := tx.PositionForUpdate(ctx, trade.BuyerID, trade.EventID, trade.OptionID)
			if err != nil {
				return err
			}
			updatedBuyer := positions.ApplyBuy(*buyerPosition, trade.Quantity, trade.Price, now)
			if err := tx.SavePosition(ctx, &updatedBuyer); err != nil {
				return err
			}

			// Re-read for self-trades, where the buyer update above already
			// touched the same row.
			sellerPosition, err = tx.PositionForUpdate(ctx, trade.SellerID, trade.EventID, trade.OptionID)
			if err != nil {
				return err
			}
			updatedSeller, err := positions.ApplySell(*sellerPosition, trade.Quantity, now)
			if err != nil {
				return err
			}
			if err := tx.SavePosition(ctx, &updatedSeller); err != nil {
				return err
			}

			buyer, err := tx.UserForUpdate(ctx, trade.BuyerID)
			if err != nil {
				return err
			}
			newBuyerBalance := buyer.WalletBalance.Sub(trade.TotalAmount)
			if newBuyerBalance.IsNegative() {
				return market.Conflictf("insufficient buyer balance")
			}
			if err := tx.UpdateUserBalance(ctx, trade.BuyerID, newBuyerBalance); err != nil {
				return err
			}
			if err := tx.InsertTransaction(ctx, &market.Transaction{
				UserID:        trade.BuyerID,
				Type:          market.TransactionTradeDebit,
				Amount:        trade.TotalAmount,
				BalanceBefore: buyer.WalletBalance,
				BalanceAfter:  newBuyerBalance,
				Status:        market.TransactionCompleted,
				ReferenceID:   trade.ID,
				CreatedAt:     now,
			}); err != nil {
				return err
			}

			seller, err := tx.UserForUpdate(ctx, trade.SellerID)
			if err != nil {
				return err
			}
			newSellerBalance := seller.WalletBalance.Add(trade.TotalAmount)
			if err := tx.UpdateUserBalance(ctx, trade.SellerID, newSellerBalance); err != nil {
				return err
			}
			if err := tx.InsertTransaction(ctx, &market.Transaction{
				UserID:        trade.SellerID,
				Type:          market.TransactionTradeCredit,
				Amount:        trade.TotalAmount,
				BalanceBefore: seller.WalletBalance,
				BalanceAfter:  newSellerBalance,
				Status:        market.TransactionCompleted,
				ReferenceID:   trade.ID,
				CreatedAt:     now,
			}); err != nil {
				return err
			}

			if err := tx.ApplyOrderFill(ctx, trade.BuyOrderID, trade.Quantity); err != nil {
				return err
			}
			if err := tx.ApplyOrderFill(ctx, trade.SellOrderID, trade.Quantity); err != nil {
				return err
			}
			if err := tx.AddEventVolume(ctx, trade.EventID, trade.TotalAmount); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) notifyTradeEffects(eventID, takerID int64, trades []*orderbook.Trade) {
	s.notifier.EventChanged(eventID)
	s.notifier.EventsChanged()

	touched := map[int64]struct{}{takerID: {}}
	for _, trade := range trades {
		touched[trade.BuyerID] = struct{}{}
		touched[trade.SellerID] = struct{}{}
	}
	for userID := range touched {
		s.notifier.PortfolioChanged(userID)
		if len(trades) > 0 {
			s.notifier.TransactionsChanged(userID)
		}
	}
}

// Cancel removes a resting order owned by the requesting user
func (s *Service) Cancel(ctx context.Context, userID int64, orderID string) (*orderbook.Order, error) {
	stored, found, err := s.books.LoadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, market.NotFoundf("order not found")
	}
	if stored.UserID != userID {
		return nil, market.Authorizationf("you can only cancel your own orders")
	}

	unlock := s.locks.Lock(stored.EventID, stored.OptionID)
	defer unlock()

	book, err := s.books.GetOrCreateBook(ctx, stored.EventID, stored.OptionID)
	if err != nil {
		return nil, err
	}

	cancelled, err := book.Cancel(orderID)
	if err != nil {
		return nil, err
	}

	if err := s.books.SaveBook(ctx, book); err != nil {
		s.logger.Error(ctx, "Failed to save order book after cancel", err, map[string]interface{}{
			"event_id": stored.EventID, "option_id": stored.OptionID,
		})
	}
	if err := s.store.UpdateOrder(ctx, cancelled); err != nil {
		return nil, err
	}
	if err := s.books.UpdateOrderStatus(ctx, cancelled.ID, orderbook.StatusCancelled, cancelled.FilledQuantity); err != nil {
		s.logger.Warn(ctx, "Failed to update cancelled order in book store", map[string]interface{}{
			"order_id": cancelled.ID, "error": err.Error(),
		})
	}

	s.metrics.OrdersCancelled.Inc()
	s.notifier.EventChanged(stored.EventID)
	s.notifier.EventsChanged()
	if s.prices != nil {
		go s.prices.UpdateOption(context.Background(), stored.EventID, stored.OptionID)
	}

	return cancelled, nil
}

// MyOrders lists a user's orders, newest first
func (s *Service) MyOrders(ctx context.Context, userID int64) ([]*orderbook.Order, error) {
	return s.store.OrdersByUser(ctx, userID, 100)
}

// BookView is a snapshot enriched with the imbalance-predicted price
type BookView struct {
	*orderbook.Snapshot
	PredictedPrice *decimal.Decimal `json:"predicted_price,omitempty"`
}

// BookSnapshot returns the current book state for one market
func (s *Service) BookSnapshot(ctx context.Context, eventID, optionID int64, depth int) (*BookView, error) {
	if err := s.checkMarket(ctx, eventID, optionID); err != nil {
		return nil, err
	}

	book, err := s.books.GetOrCreateBook(ctx, eventID, optionID)
	if err != nil {
		return nil, err
	}
	return &BookView{
		Snapshot:       book.Snapshot(depth),
		PredictedPrice: book.PredictedPrice(),
	}, nil
}

// DepthView pairs the merged depth levels with side totals
type DepthView struct {
	EventID        int64                  `json:"event_id"`
	OptionID       int64                  `json:"option_id"`
	Depth          []orderbook.DepthLevel `json:"depth"`
	TotalBidVolume int64                  `json:"total_bid_volume"`
	TotalAskVolume int64                  `json:"total_ask_volume"`
}

// MarketDepth returns the merged per-price totals for one market
func (s *Service) MarketDepth(ctx context.Context, eventID, optionID int64, levels int) (*DepthView, error) {
	if err := s.checkMarket(ctx, eventID, optionID); err != nil {
		return nil, err
	}

	book, err := s.books.GetOrCreateBook(ctx, eventID, optionID)
	if err != nil {
		return nil, err
	}

	depth := book.MarketDepth(levels)
	view := &DepthView{EventID: eventID, OptionID: optionID, Depth: depth}
	for _, d := range depth {
		view.TotalBidVolume += d.BuyQuantity
		view.TotalAskVolume += d.SellQuantity
	}
	return view, nil
}

// RecentTrades returns the latest executions for one market. The book store
// index is the fast path; the durable store backs it up.
func (s *Service) RecentTrades(ctx context.Context, eventID, optionID int64, limit int) ([]*orderbook.Trade, error) {
	if err := s.checkMarket(ctx, eventID, optionID); err != nil {
		return nil, err
	}

	trades, err := s.books.RecentTrades(ctx, eventID, optionID, int64(limit))
	if err != nil {
		s.logger.Warn(ctx, "Falling back to durable store for trade history", map[string]interface{}{
			"event_id": eventID, "option_id": optionID, "error": err.Error(),
		})
	}
	if len(trades) > 0 {
		return trades, nil
	}
	return s.store.TradesForOption(ctx, eventID, optionID, limit)
}

func (s *Service) checkMarket(ctx context.Context, eventID, optionID int64) error {
	if _, err := s.store.EventByID(ctx, eventID); err != nil {
		return err
	}
	option, err := s.store.OptionByID(ctx, optionID)
	if err != nil {
		return err
	}
	if option.EventID != eventID {
		return market.NotFoundf("option %d not found on event %d", optionID, eventID)
	}
	return nil
}
