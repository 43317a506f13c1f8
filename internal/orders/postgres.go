package orders

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/outcome-exchange/internal/market"
	"github.com/outcome-exchange/internal/orderbook"
	"github.com/outcome-exchange/pkg/database"
	"github.com/shopspring/decimal"
)

// PostgresStore implements Store over the durable store. It also backs
// liquidity seeding (orderbook.SeederBackend).
type PostgresStore struct {
	db     *database.DB
	market *market.Repository
}

// NewPostgresStore creates the durable order store
func NewPostgresStore(db *database.DB, repo *market.Repository) *PostgresStore {
	return &PostgresStore{db: db, market: repo}
}

func (s *PostgresStore) EventByID(ctx context.Context, id int64) (*market.Event, error) {
	return s.market.EventByID(ctx, id)
}

func (s *PostgresStore) OptionByID(ctx context.Context, id int64) (*market.EventOption, error) {
	return s.market.OptionByID(ctx, id)
}

func (s *PostgresStore) UserByID(ctx context.Context, id int64) (*market.User, error) {
	return s.market.UserByID(ctx, id)
}

func (s *PostgresStore) PositionFor(ctx context.Context, userID, eventID, optionID int64) (*market.Position, error) {
	return s.market.PositionFor(ctx, userID, eventID, optionID)
}

const orderColumns = `id, user_id, event_id, option_id, side, order_type, time_in_force,
	price, quantity, filled_quantity, status, created_at, updated_at`

func scanOrder(row interface{ Scan(...interface{}) error }) (*orderbook.Order, error) {
	o := &orderbook.Order{}
	err := row.Scan(&o.ID, &o.UserID, &o.EventID, &o.OptionID, &o.Side, &o.Type, &o.TimeInForce,
		&o.Price, &o.Quantity, &o.FilledQuantity, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// InsertOrder persists a freshly created order row
func (s *PostgresStore) InsertOrder(ctx context.Context, order *orderbook.Order) error {
	_, err := s.db.ExecTracked(ctx, `
		INSERT INTO orders (id, user_id, event_id, option_id, side, order_type, time_in_force,
			price, quantity, filled_quantity, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		order.ID, order.UserID, order.EventID, order.OptionID, order.Side, order.Type, order.TimeInForce,
		order.Price, order.Quantity, order.FilledQuantity, order.Status, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return market.Infra(err, "failed to insert order")
	}
	return nil
}

// UpdateOrder persists an order's latest fill, status, and price
func (s *PostgresStore) UpdateOrder(ctx context.Context, order *orderbook.Order) error {
	_, err := s.db.ExecTracked(ctx, `
		UPDATE orders SET price = $1, filled_quantity = $2, status = $3, updated_at = $4 WHERE id = $5`,
		order.Price, order.FilledQuantity, order.Status, order.UpdatedAt, order.ID)
	if err != nil {
		return market.Infra(err, "failed to update order")
	}
	return nil
}

// OrdersByUser returns a user's orders, newest first
func (s *PostgresStore) OrdersByUser(ctx context.Context, userID int64, limit int) ([]*orderbook.Order, error) {
	rows, err := s.db.QueryTracked(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, market.Infra(err, "failed to list orders")
	}
	defer rows.Close()

	var orders []*orderbook.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, market.Infra(err, "failed to scan order")
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// TradesForOption returns the latest executions for one market
func (s *PostgresStore) TradesForOption(ctx context.Context, eventID, optionID int64, limit int) ([]*orderbook.Trade, error) {
	rows, err := s.db.QueryTracked(ctx, `
		SELECT id, event_id, option_id, buyer_id, seller_id, buy_order_id, sell_order_id,
			price, quantity, total_amount, executed_at
		FROM trades WHERE event_id = $1 AND option_id = $2
		ORDER BY executed_at DESC LIMIT $3`,
		eventID, optionID, limit)
	if err != nil {
		return nil, market.Infra(err, "failed to list trades")
	}
	defer rows.Close()

	var trades []*orderbook.Trade
	for rows.Next() {
		t := &orderbook.Trade{}
		if err := rows.Scan(&t.ID, &t.EventID, &t.OptionID, &t.BuyerID, &t.SellerID, &t.BuyOrderID,
			&t.SellOrderID, &t.Price, &t.Quantity, &t.TotalAmount, &t.Timestamp); err != nil {
			return nil, market.Infra(err, "failed to scan trade")
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// InTx runs trade effects inside one durable-store transaction
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.Transaction(ctx, func(sqlTx *sql.Tx) error {
		return fn(&pgTx{tx: sqlTx})
	})
}

// EnsureMakerPosition tops up the market maker's zero-cost share inventory
func (s *PostgresStore) EnsureMakerPosition(ctx context.Context, userID, eventID, optionID, shares int64) error {
	now := time.Now().UTC()
	_, err := s.db.ExecTracked(ctx, `
		INSERT INTO user_positions (user_id, event_id, option_id, quantity, average_price, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $5)
		ON CONFLICT (user_id, event_id, option_id)
		DO UPDATE SET quantity = user_positions.quantity + EXCLUDED.quantity, updated_at = EXCLUDED.updated_at`,
		userID, eventID, optionID, shares, now)
	if err != nil {
		return market.Infra(err, "failed to ensure maker position")
	}
	return nil
}

// pgTx applies trade effects on one open transaction
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) UserForUpdate(ctx context.Context, id int64) (*market.User, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, email, username, password_hash, wallet_balance, role, is_active, created_at, updated_at
		FROM users WHERE id = $1 FOR UPDATE`, id)
	u := &market.User{}
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.WalletBalance, &u.Role, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, market.NotFoundf("user %d not found", id)
	}
	if err != nil {
		return nil, market.Infra(err, "failed to lock user row")
	}
	return u, nil
}

func (t *pgTx) UpdateUserBalance(ctx context.Context, id int64, balance decimal.Decimal) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE users SET wallet_balance = $1, updated_at = $2 WHERE id = $3`,
		balance, time.Now().UTC(), id)
	if err != nil {
		return market.Infra(err, "failed to update wallet balance")
	}
	return nil
}

func (t *pgTx) PositionForUpdate(ctx context.Context, userID, eventID, optionID int64) (*market.Position, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT user_id, event_id, option_id, quantity, average_price, created_at, updated_at
		FROM user_positions WHERE user_id = $1 AND event_id = $2 AND option_id = $3 FOR UPDATE`,
		userID, eventID, optionID)
	p := &market.Position{}
	err := row.Scan(&p.UserID, &p.EventID, &p.OptionID, &p.Quantity, &p.AveragePrice, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &market.Position{UserID: userID, EventID: eventID, OptionID: optionID, AveragePrice: decimal.Zero}, nil
	}
	if err != nil {
		return nil, market.Infra(err, "failed to lock position row")
	}
	return p, nil
}

func (t *pgTx) SavePosition(ctx context.Context, position *market.Position) error {
	now := time.Now().UTC()
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO user_positions (user_id, event_id, option_id, quantity, average_price, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (user_id, event_id, option_id)
		DO UPDATE SET quantity = EXCLUDED.quantity, average_price = EXCLUDED.average_price, updated_at = EXCLUDED.updated_at`,
		position.UserID, position.EventID, position.OptionID, position.Quantity, position.AveragePrice, now)
	if err != nil {
		return market.Infra(err, "failed to save position")
	}
	return nil
}

func (t *pgTx) InsertTrade(ctx context.Context, trade *orderbook.Trade) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO trades (id, event_id, option_id, buyer_id, seller_id, buy_order_id, sell_order_id,
			price, quantity, total_amount, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		trade.ID, trade.EventID, trade.OptionID, trade.BuyerID, trade.SellerID, trade.BuyOrderID,
		trade.SellOrderID, trade.Price, trade.Quantity, trade.TotalAmount, trade.Timestamp)
	if err != nil {
		return market.Infra(err, "failed to insert trade")
	}
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn *market.Transaction) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO transactions (user_id, type, amount, balance_before, balance_after, status, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		txn.UserID, txn.Type, txn.Amount, txn.BalanceBefore, txn.BalanceAfter, txn.Status, txn.ReferenceID, txn.CreatedAt)
	if err != nil {
		return market.Infra(err, "failed to insert transaction")
	}
	return nil
}

// ApplyOrderFill advances an order's fill and recomputes its status in place
func (t *pgTx) ApplyOrderFill(ctx context.Context, orderID string, quantity int64) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE orders SET
			filled_quantity = filled_quantity + $1,
			status = CASE WHEN filled_quantity + $1 >= quantity THEN 'filled' ELSE 'partially_filled' END,
			updated_at = $2
		WHERE id = $3`,
		quantity, time.Now().UTC(), orderID)
	if err != nil {
		return market.Infra(err, "failed to apply order fill")
	}
	return nil
}

func (t *pgTx) AddEventVolume(ctx context.Context, eventID int64, amount decimal.Decimal) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE events SET total_volume = total_volume + $1, updated_at = $2 WHERE id = $3`,
		amount, time.Now().UTC(), eventID)
	if err != nil {
		return market.Infra(err, "failed to add event volume")
	}
	return nil
}
