package settlement

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
	db *database.DB
}

// NewPostgresStore creates the durable settlement store
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.Transaction(ctx, func(sqlTx *sql.Tx) error {
		return fn(&pgTx{tx: sqlTx})
	})
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) EventForUpdate(ctx context.Context, id int64) (*market.Event, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, title, description, category, status, end_time, min_bet_amount, max_bet_amount,
			total_volume, image_url, created_by, resolved_by, winning_option_id, resolution_note,
			resolved_at, created_at, updated_at
		FROM events WHERE id = $1 FOR UPDATE`, id)

	e := &market.Event{}
	var imageURL, resolutionNote sql.NullString
	var resolvedBy, winningOptionID sql.NullInt64
	var resolvedAt sql.NullTime
	err := row.Scan(&e.ID, &e.Title, &e.Description, &e.Category, &e.Status, &e.EndTime,
		&e.MinBetAmount, &e.MaxBetAmount, &e.TotalVolume, &imageURL, &e.CreatedBy,
		&resolvedBy, &winningOptionID, &resolutionNote, &resolvedAt, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, market.NotFoundf("event %d not found", id)
	}
	if err != nil {
		return nil, market.Infra(err, "failed to lock event row")
	}
	if imageURL.Valid {
		e.ImageURL = &imageURL.String
	}
	if resolvedBy.Valid {
		e.ResolvedBy = &resolvedBy.Int64
	}
	if winningOptionID.Valid {
		e.WinningOptionID = &winningOptionID.Int64
	}
	if resolutionNote.Valid {
		e.ResolutionNote = &resolutionNote.String
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}
	return e, nil
}

func (t *pgTx) OptionsByEvent(ctx context.Context, eventID int64) ([]*market.EventOption, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, event_id, option_text, current_price, total_backing, is_winning_option, created_at, updated_at
		FROM event_options WHERE event_id = $1 ORDER BY id`, eventID)
	if err != nil {
		return nil, market.Infra(err, "failed to load event options")
	}
	defer rows.Close()

	var options []*market.EventOption
	for rows.Next() {
		o := &market.EventOption{}
		var isWinning sql.NullBool
		if err := rows.Scan(&o.ID, &o.EventID, &o.OptionText, &o.CurrentPrice, &o.TotalBacking,
			&isWinning, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, market.Infra(err, "failed to scan option")
		}
		if isWinning.Valid {
			o.IsWinning = &isWinning.Bool
		}
		options = append(options, o)
	}
	return options, rows.Err()
}

func (t *pgTx) SetOptionOutcome(ctx context.Context, optionID int64, isWinning bool) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE event_options SET is_winning_option = $1, updated_at = $2 WHERE id = $3`,
		isWinning, time.Now().UTC(), optionID)
	if err != nil {
		return market.Infra(err, "failed to mark option outcome")
	}
	return nil
}

func (t *pgTx) OpenPositionsByEvent(ctx context.Context, eventID int64) ([]*market.Position, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT user_id, event_id, option_id, quantity, average_price, created_at, updated_at
		FROM user_positions WHERE event_id = $1 AND quantity > 0
		ORDER BY user_id, option_id FOR UPDATE`, eventID)
	if err != nil {
		return nil, market.Infra(err, "failed to load event positions")
	}
	defer rows.Close()

	var positions []*market.Position
	for rows.Next() {
		p := &market.Position{}
		if err := rows.Scan(&p.UserID, &p.EventID, &p.OptionID, &p.Quantity, &p.AveragePrice,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, market.Infra(err, "failed to scan position")
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
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

func (t *pgTx) ClosePosition(ctx context.Context, userID, eventID, optionID int64) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE user_positions SET quantity = 0, average_price = 0, updated_at = $1
		WHERE user_id = $2 AND event_id = $3 AND option_id = $4`,
		time.Now().UTC(), userID, eventID, optionID)
	if err != nil {
		return market.Infra(err, "failed to close position")
	}
	return nil
}

func (t *pgTx) ResolveEvent(ctx context.Context, eventID, winningOptionID, resolverID int64, note string, at time.Time) error {
	var resolutionNote interface{}
	if note != "" {
		resolutionNote = note
	}
	_, err := t.tx.ExecContext(ctx, `
		UPDATE events SET status = $1, winning_option_id = $2, resolved_by = $3, resolution_note = $4,
			resolved_at = $5, updated_at = $5
		WHERE id = $6`,
		market.EventStatusResolved, winningOptionID, resolverID, resolutionNote, at, eventID)
	if err != nil {
		return market.Infra(err, "failed to resolve event")
	}
	return nil
}
