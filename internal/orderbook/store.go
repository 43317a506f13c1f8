package orderbook

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/outcome-exchange/internal/market"
	"github.com/outcome-exchange/pkg/database"
	"github.com/outcome-exchange/pkg/observability"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// TTLs for book-store keys. Books are a re-derivable projection of the
// durable store; trades are kept longer for history queries.
const (
	bookTTL  = 24 * time.Hour
	tradeTTL = 30 * 24 * time.Hour
)

// Store persists books, orders, and trades to Redis. The durable store stays
// the source of truth; this is a fast materialized projection.
type Store struct {
	redis  *database.RedisClient
	logger *observability.Logger
}

// NewStore creates a book store over Redis
func NewStore(redis *database.RedisClient, logger *observability.Logger) *Store {
	return &Store{redis: redis, logger: logger}
}

func bookKey(eventID, optionID int64) string {
	return fmt.Sprintf("orderbook:%d:%d", eventID, optionID)
}

func levelKey(eventID, optionID int64, side Side, price decimal.Decimal) string {
	name := "buys"
	if side == SideSell {
		name = "sells"
	}
	return fmt.Sprintf("%s:%s:%s", bookKey(eventID, optionID), name, price.String())
}

func ordersMapKey(eventID, optionID int64) string {
	return bookKey(eventID, optionID) + ":orders"
}

func metadataKey(eventID, optionID int64) string {
	return bookKey(eventID, optionID) + ":metadata"
}

func orderKey(orderID string) string {
	return "order:" + orderID
}

func userOrdersKey(userID int64) string {
	return fmt.Sprintf("user:%d:orders", userID)
}

func tradeKey(tradeID string) string {
	return "trade:" + tradeID
}

func optionTradesKey(eventID, optionID int64) string {
	return fmt.Sprintf("event:%d:option:%d:trades", eventID, optionID)
}

func userTradesKey(userID int64) string {
	return fmt.Sprintf("user:%d:trades", userID)
}

type bookMetadata struct {
	EventID        int64   `json:"event_id"`
	OptionID       int64   `json:"option_id"`
	LastTradePrice *string `json:"last_trade_price"`
	LastUpdated    string  `json:"last_updated"`
}

// SaveBook writes the complete book state in one transaction: old price-level
// keys are deleted and the fresh levels, order index, and metadata are written
// in a single round trip so readers never observe a half-written book.
func (s *Store) SaveBook(ctx context.Context, book *Book) error {
	oldKeys, err := s.levelKeys(ctx, book.eventID, book.optionID)
	if err != nil {
		return err
	}

	pipe := s.redis.TxPipeline()

	if len(oldKeys) > 0 {
		pipe.Del(ctx, oldKeys...)
	}
	pipe.Del(ctx, ordersMapKey(book.eventID, book.optionID))

	var saveErr error
	writeSide := func(side Side, tree interface {
		Scan(func(*priceLevel) bool)
	}) {
		tree.Scan(func(level *priceLevel) bool {
			data, err := json.Marshal(level.orders)
			if err != nil {
				saveErr = err
				return false
			}
			pipe.Set(ctx, levelKey(book.eventID, book.optionID, side, level.price), data, bookTTL)
			return true
		})
	}
	writeSide(SideBuy, book.bids)
	writeSide(SideSell, book.asks)
	if saveErr != nil {
		return market.Infra(saveErr, "failed to serialize order book")
	}

	if len(book.orders) > 0 {
		fields := make(map[string]interface{}, len(book.orders))
		for id, order := range book.orders {
			data, err := json.Marshal(order)
			if err != nil {
				return market.Infra(err, "failed to serialize order")
			}
			fields[id] = data
		}
		pipe.HSet(ctx, ordersMapKey(book.eventID, book.optionID), fields)
		pipe.Expire(ctx, ordersMapKey(book.eventID, book.optionID), bookTTL)
	}

	meta := bookMetadata{
		EventID:     book.eventID,
		OptionID:    book.optionID,
		LastUpdated: time.Now().UTC().Format(time.RFC3339),
	}
	if book.lastTradePrice != nil {
		str := book.lastTradePrice.String()
		meta.LastTradePrice = &str
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return market.Infra(err, "failed to serialize book metadata")
	}
	pipe.Set(ctx, metadataKey(book.eventID, book.optionID), metaData, bookTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return market.Infra(err, "failed to save order book")
	}
	return nil
}

// LoadBook rebuilds a book from its persisted price-level keys. The FIFO
// order inside each level is preserved from the serialized queue.
func (s *Store) LoadBook(ctx context.Context, eventID, optionID int64) (*Book, bool, error) {
	exists, err := s.redis.Exists(ctx, metadataKey(eventID, optionID))
	if err != nil {
		return nil, false, market.Infra(err, "failed to check order book existence")
	}
	if !exists {
		return nil, false, nil
	}

	book := NewBook(eventID, optionID)

	keys, err := s.levelKeys(ctx, eventID, optionID)
	if err != nil {
		return nil, false, err
	}
	for _, key := range keys {
		data, err := s.redis.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, false, market.Infra(err, "failed to load price level")
		}
		var orders []*Order
		if err := json.Unmarshal([]byte(data), &orders); err != nil {
			return nil, false, market.Infra(err, "failed to deserialize price level")
		}
		for _, order := range orders {
			book.RestoreOrder(order)
		}
	}

	metaData, err := s.redis.Get(ctx, metadataKey(eventID, optionID)).Result()
	if err == nil {
		var meta bookMetadata
		if err := json.Unmarshal([]byte(metaData), &meta); err == nil && meta.LastTradePrice != nil {
			if price, err := decimal.NewFromString(*meta.LastTradePrice); err == nil {
				book.SetLastTradePrice(price)
			}
		}
	}

	return book, true, nil
}

// GetOrCreateBook loads an existing book or creates and persists an empty one
func (s *Store) GetOrCreateBook(ctx context.Context, eventID, optionID int64) (*Book, error) {
	book, found, err := s.LoadBook(ctx, eventID, optionID)
	if err != nil {
		return nil, err
	}
	if found {
		return book, nil
	}

	book = NewBook(eventID, optionID)
	if err := s.SaveBook(ctx, book); err != nil {
		return nil, err
	}
	return book, nil
}

func (s *Store) levelKeys(ctx context.Context, eventID, optionID int64) ([]string, error) {
	var keys []string
	for _, pattern := range []string{
		bookKey(eventID, optionID) + ":buys:*",
		bookKey(eventID, optionID) + ":sells:*",
	} {
		found, err := s.redis.Keys(ctx, pattern).Result()
		if err != nil {
			return nil, market.Infra(err, "failed to scan price-level keys")
		}
		keys = append(keys, found...)
	}
	return keys, nil
}

// SaveOrder writes an order record and indexes it under its owner
func (s *Store) SaveOrder(ctx context.Context, order *Order) error {
	data, err := json.Marshal(order)
	if err != nil {
		return market.Infra(err, "failed to serialize order")
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, orderKey(order.ID), data, bookTTL)
	pipe.SAdd(ctx, userOrdersKey(order.UserID), order.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return market.Infra(err, "failed to save order")
	}
	return nil
}

// LoadOrder fetches an order record by id
func (s *Store) LoadOrder(ctx context.Context, orderID string) (*Order, bool, error) {
	data, err := s.redis.Get(ctx, orderKey(orderID)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, market.Infra(err, "failed to load order")
	}

	var order Order
	if err := json.Unmarshal([]byte(data), &order); err != nil {
		return nil, false, market.Infra(err, "failed to deserialize order")
	}
	return &order, true, nil
}

// UpdateOrderStatus rewrites a stored order with a new status and fill
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID string, status Status, filledQuantity int64) error {
	order, found, err := s.LoadOrder(ctx, orderID)
	if err != nil || !found {
		return err
	}
	order.Status = status
	order.FilledQuantity = filledQuantity
	order.UpdatedAt = time.Now().UTC()
	return s.SaveOrder(ctx, order)
}

// SaveTrade writes a trade record and indexes it by market and participants,
// scored by execution time in milliseconds.
func (s *Store) SaveTrade(ctx context.Context, trade *Trade) error {
	data, err := json.Marshal(trade)
	if err != nil {
		return market.Infra(err, "failed to serialize trade")
	}

	score := float64(trade.Timestamp.UnixMilli())
	member := redis.Z{Score: score, Member: trade.ID}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, tradeKey(trade.ID), data, tradeTTL)
	pipe.ZAdd(ctx, optionTradesKey(trade.EventID, trade.OptionID), member)
	pipe.ZAdd(ctx, userTradesKey(trade.BuyerID), member)
	pipe.ZAdd(ctx, userTradesKey(trade.SellerID), member)
	pipe.Expire(ctx, optionTradesKey(trade.EventID, trade.OptionID), tradeTTL)
	pipe.Expire(ctx, userTradesKey(trade.BuyerID), tradeTTL)
	pipe.Expire(ctx, userTradesKey(trade.SellerID), tradeTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return market.Infra(err, "failed to save trade")
	}
	return nil
}

// RecentTrades returns the latest trades for one market, newest first
func (s *Store) RecentTrades(ctx context.Context, eventID, optionID int64, limit int64) ([]*Trade, error) {
	ids, err := s.redis.ZRevRange(ctx, optionTradesKey(eventID, optionID), 0, limit-1).Result()
	if err != nil {
		return nil, market.Infra(err, "failed to load trade index")
	}

	trades := make([]*Trade, 0, len(ids))
	for _, id := range ids {
		data, err := s.redis.Get(ctx, tradeKey(id)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, market.Infra(err, "failed to load trade")
		}
		var trade Trade
		if err := json.Unmarshal([]byte(data), &trade); err != nil {
			return nil, market.Infra(err, "failed to deserialize trade")
		}
		trades = append(trades, &trade)
	}
	return trades, nil
}

// UserOrders returns a user's indexed orders, newest first
func (s *Store) UserOrders(ctx context.Context, userID int64, statusFilter *Status) ([]*Order, error) {
	ids, err := s.redis.SMembers(ctx, userOrdersKey(userID)).Result()
	if err != nil {
		return nil, market.Infra(err, "failed to load user order index")
	}

	var orders []*Order
	for _, id := range ids {
		order, found, err := s.LoadOrder(ctx, id)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		if statusFilter != nil && order.Status != *statusFilter {
			continue
		}
		orders = append(orders, order)
	}

	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}
