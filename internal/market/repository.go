package market

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/outcome-exchange/pkg/database"
	"github.com/shopspring/decimal"
)

// Pagination describes a page of a larger result set
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalItems int `json:"total_items"`
	TotalPages int `json:"total_pages"`
}

// EventFilter narrows event listings
type EventFilter struct {
	Status   string
	Category string
	Page     int
	Limit    int
}

// TransactionFilter narrows ledger listings
type TransactionFilter struct {
	Type  string
	Page  int
	Limit int
}

// Repository provides read and simple write access to the durable store.
// Multi-row transactional flows live with their owning services.
type Repository struct {
	db *database.DB
}

// NewRepository creates a repository over the durable store
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

const userColumns = `id, email, username, password_hash, wallet_balance, role, is_active, created_at, updated_at`

func scanUser(row interface{ Scan(...interface{}) error }) (*User, error) {
	u := &User{}
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.WalletBalance, &u.Role, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// UserByID fetches a user by id
func (r *Repository) UserByID(ctx context.Context, id int64) (*User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFoundf("user %d not found", id)
	}
	if err != nil {
		return nil, Infra(err, "failed to load user")
	}
	return u, nil
}

// UserByEmail fetches a user by email
func (r *Repository) UserByEmail(ctx context.Context, email string) (*User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFoundf("user with email %s not found", email)
	}
	if err != nil {
		return nil, Infra(err, "failed to load user")
	}
	return u, nil
}

// CreateUser inserts a new user and returns the stored row
func (r *Repository) CreateUser(ctx context.Context, u *User) (*User, error) {
	now := time.Now().UTC()
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO users (email, username, password_hash, wallet_balance, role, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING `+userColumns,
		u.Email, u.Username, u.PasswordHash, u.WalletBalance, u.Role, u.IsActive, now)
	created, err := scanUser(row)
	if err != nil {
		if strings.Contains(err.Error(), "unique") || strings.Contains(err.Error(), "duplicate") {
			return nil, Validationf("user with email %s already exists", u.Email)
		}
		return nil, Infra(err, "failed to create user")
	}
	return created, nil
}

const eventColumns = `id, title, description, category, status, end_time, min_bet_amount, max_bet_amount,
	total_volume, image_url, created_by, resolved_by, winning_option_id, resolution_note, resolved_at, created_at, updated_at`

func scanEvent(row interface{ Scan(...interface{}) error }) (*Event, error) {
	e := &Event{}
	var imageURL, resolutionNote sql.NullString
	var resolvedBy, winningOptionID sql.NullInt64
	var resolvedAt sql.NullTime
	err := row.Scan(&e.ID, &e.Title, &e.Description, &e.Category, &e.Status, &e.EndTime,
		&e.MinBetAmount, &e.MaxBetAmount, &e.TotalVolume, &imageURL, &e.CreatedBy,
		&resolvedBy, &winningOptionID, &resolutionNote, &resolvedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
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

// EventByID fetches an event by id
func (r *Repository) EventByID(ctx context.Context, id int64) (*Event, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFoundf("event %d not found", id)
	}
	if err != nil {
		return nil, Infra(err, "failed to load event")
	}
	return e, nil
}

// ListEvents returns a filtered, paginated event listing, newest first
func (r *Repository) ListEvents(ctx context.Context, filter EventFilter) ([]*Event, Pagination, error) {
	where := []string{"1=1"}
	args := []interface{}{}
	argPos := 1
	if filter.Status != "" {
		where = append(where, fmt.Sprintf("status = $%d", argPos))
		args = append(args, filter.Status)
		argPos++
	}
	if filter.Category != "" {
		where = append(where, fmt.Sprintf("category = $%d", argPos))
		args = append(args, filter.Category)
		argPos++
	}

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM events WHERE %s`, strings.Join(where, " AND "))
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, Pagination{}, Infra(err, "failed to count events")
	}

	limit, offset := paginate(filter.Page, filter.Limit)
	listQuery := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		eventColumns, strings.Join(where, " AND "), limit, offset)

	rows, err := r.db.QueryTracked(ctx, listQuery, args...)
	if err != nil {
		return nil, Pagination{}, Infra(err, "failed to list events")
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, Pagination{}, Infra(err, "failed to scan event")
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, Pagination{}, Infra(err, "failed to list events")
	}

	return events, buildPagination(total, filter.Page, limit), nil
}

// CreateEvent inserts an event with its options in one transaction
func (r *Repository) CreateEvent(ctx context.Context, e *Event, optionTexts []string) (*Event, []*EventOption, error) {
	var created *Event
	var options []*EventOption

	err := r.db.Transaction(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		row := tx.QueryRowContext(ctx, `
			INSERT INTO events (title, description, category, status, end_time, min_bet_amount, max_bet_amount,
				total_volume, image_url, created_by, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
			RETURNING `+eventColumns,
			e.Title, e.Description, e.Category, e.Status, e.EndTime, e.MinBetAmount, e.MaxBetAmount,
			decimal.Zero, nullString(e.ImageURL), e.CreatedBy, now)
		var err error
		created, err = scanEvent(row)
		if err != nil {
			return err
		}

		for _, text := range optionTexts {
			optRow := tx.QueryRowContext(ctx, `
				INSERT INTO event_options (event_id, option_text, current_price, total_backing, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $5)
				RETURNING `+optionColumns,
				created.ID, text, decimal.NewFromInt(50), decimal.Zero, now)
			opt, err := scanOption(optRow)
			if err != nil {
				return err
			}
			options = append(options, opt)
		}
		return nil
	})
	if err != nil {
		return nil, nil, Infra(err, "failed to create event")
	}
	return created, options, nil
}

// UpdateEventStatus moves an event to a new lifecycle state
func (r *Repository) UpdateEventStatus(ctx context.Context, id int64, status EventStatus) error {
	result, err := r.db.ExecTracked(ctx, `UPDATE events SET status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now().UTC(), id)
	if err != nil {
		return Infra(err, "failed to update event status")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return NotFoundf("event %d not found", id)
	}
	return nil
}

const optionColumns = `id, event_id, option_text, current_price, total_backing, is_winning_option, created_at, updated_at`

func scanOption(row interface{ Scan(...interface{}) error }) (*EventOption, error) {
	o := &EventOption{}
	var isWinning sql.NullBool
	err := row.Scan(&o.ID, &o.EventID, &o.OptionText, &o.CurrentPrice, &o.TotalBacking, &isWinning, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if isWinning.Valid {
		o.IsWinning = &isWinning.Bool
	}
	return o, nil
}

// OptionByID fetches a single outcome option
func (r *Repository) OptionByID(ctx context.Context, id int64) (*EventOption, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+optionColumns+` FROM event_options WHERE id = $1`, id)
	o, err := scanOption(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFoundf("option %d not found", id)
	}
	if err != nil {
		return nil, Infra(err, "failed to load option")
	}
	return o, nil
}

// OptionsByEvent fetches all options belonging to an event
func (r *Repository) OptionsByEvent(ctx context.Context, eventID int64) ([]*EventOption, error) {
	rows, err := r.db.QueryTracked(ctx, `SELECT `+optionColumns+` FROM event_options WHERE event_id = $1 ORDER BY id`, eventID)
	if err != nil {
		return nil, Infra(err, "failed to load event options")
	}
	defer rows.Close()

	var options []*EventOption
	for rows.Next() {
		o, err := scanOption(rows)
		if err != nil {
			return nil, Infra(err, "failed to scan option")
		}
		options = append(options, o)
	}
	return options, rows.Err()
}

// ListAllOptions returns every option of active or paused events, for the price updater
func (r *Repository) ListAllOptions(ctx context.Context) ([]*EventOption, error) {
	rows, err := r.db.QueryTracked(ctx, `
		SELECT `+qualify(optionColumns, "o")+`
		FROM event_options o
		JOIN events e ON e.id = o.event_id
		WHERE e.status IN ($1, $2)`,
		EventStatusActive, EventStatusPaused)
	if err != nil {
		return nil, Infra(err, "failed to list options")
	}
	defer rows.Close()

	var options []*EventOption
	for rows.Next() {
		o, err := scanOption(rows)
		if err != nil {
			return nil, Infra(err, "failed to scan option")
		}
		options = append(options, o)
	}
	return options, rows.Err()
}

// UpdateOptionPrice persists a recomputed market-implied price
func (r *Repository) UpdateOptionPrice(ctx context.Context, optionID int64, price decimal.Decimal) error {
	_, err := r.db.ExecTracked(ctx, `UPDATE event_options SET current_price = $1, updated_at = $2 WHERE id = $3`,
		price, time.Now().UTC(), optionID)
	if err != nil {
		return Infra(err, "failed to update option price")
	}
	return nil
}

const positionColumns = `user_id, event_id, option_id, quantity, average_price, created_at, updated_at`

func scanPosition(row interface{ Scan(...interface{}) error }) (*Position, error) {
	p := &Position{}
	err := row.Scan(&p.UserID, &p.EventID, &p.OptionID, &p.Quantity, &p.AveragePrice, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// PositionFor returns the user's position for one option; a zero position when none is stored
func (r *Repository) PositionFor(ctx context.Context, userID, eventID, optionID int64) (*Position, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM user_positions
		WHERE user_id = $1 AND event_id = $2 AND option_id = $3`, userID, eventID, optionID)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return &Position{UserID: userID, EventID: eventID, OptionID: optionID, AveragePrice: decimal.Zero}, nil
	}
	if err != nil {
		return nil, Infra(err, "failed to load position")
	}
	return p, nil
}

// PositionsByUser returns the user's open positions
func (r *Repository) PositionsByUser(ctx context.Context, userID int64) ([]*Position, error) {
	rows, err := r.db.QueryTracked(ctx, `SELECT `+positionColumns+` FROM user_positions
		WHERE user_id = $1 AND quantity > 0 ORDER BY event_id, option_id`, userID)
	if err != nil {
		return nil, Infra(err, "failed to load positions")
	}
	defer rows.Close()

	var positions []*Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, Infra(err, "failed to scan position")
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

const transactionColumns = `id, user_id, type, amount, balance_before, balance_after, status, reference_id, created_at`

// TransactionsByUser returns the user's ledger, newest first
func (r *Repository) TransactionsByUser(ctx context.Context, userID int64, filter TransactionFilter) ([]*Transaction, Pagination, error) {
	where := []string{"user_id = $1"}
	args := []interface{}{userID}
	if filter.Type != "" {
		where = append(where, "type = $2")
		args = append(args, filter.Type)
	}

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM transactions WHERE %s`, strings.Join(where, " AND "))
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, Pagination{}, Infra(err, "failed to count transactions")
	}

	limit, offset := paginate(filter.Page, filter.Limit)
	listQuery := fmt.Sprintf(`SELECT %s FROM transactions WHERE %s ORDER BY created_at DESC, id DESC LIMIT %d OFFSET %d`,
		transactionColumns, strings.Join(where, " AND "), limit, offset)

	rows, err := r.db.QueryTracked(ctx, listQuery, args...)
	if err != nil {
		return nil, Pagination{}, Infra(err, "failed to list transactions")
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		t := &Transaction{}
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.BalanceBefore, &t.BalanceAfter,
			&t.Status, &t.ReferenceID, &t.CreatedAt); err != nil {
			return nil, Pagination{}, Infra(err, "failed to scan transaction")
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, Pagination{}, Infra(err, "failed to list transactions")
	}

	return txns, buildPagination(total, filter.Page, limit), nil
}

func paginate(page, pageSize int) (limit, offset int) {
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	if page <= 0 {
		page = 1
	}
	return pageSize, (page - 1) * pageSize
}

func buildPagination(total, page, pageSize int) Pagination {
	if page <= 0 {
		page = 1
	}
	totalPages := (total + pageSize - 1) / pageSize
	if totalPages == 0 {
		totalPages = 1
	}
	return Pagination{Page: page, PageSize: pageSize, TotalItems: total, TotalPages: totalPages}
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func qualify(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i := range parts {
		parts[i] = alias + "." + strings.TrimSpace(parts[i])
	}
	return strings.Join(parts, ", ")
}
