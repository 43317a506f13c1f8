package wallet

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/outcome-exchange/internal/market"
	"github.com/outcome-exchange/pkg/database"
	"github.com/shopspring/decimal"
)

// PostgresStore implements Store over the durable store
type PostgresStore struct {
	db     *database.DB
	market *market.Repository
}

// NewPostgresStore creates the durable wallet store
func NewPostgresStore(db *database.DB, repo *market.Repository) *PostgresStore {
	return &PostgresStore{db: db, market: repo}
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.Transaction(ctx, func(sqlTx *sql.Tx) error {
		return fn(&pgTx{tx: sqlTx})
	})
}

func (s *PostgresStore) TransactionsByUser(ctx context.Context, userID int64, filter market.TransactionFilter) ([]*market.Transaction, market.Pagination, error) {
	return s.market.TransactionsByUser(ctx, userID, filter)
}

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
