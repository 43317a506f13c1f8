package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role of a registered user
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// EventStatus is the lifecycle state of a prediction event
type EventStatus string

const (
	EventStatusDraft     EventStatus = "draft"
	EventStatusActive    EventStatus = "active"
	EventStatusPaused    EventStatus = "paused"
	EventStatusEnded     EventStatus = "ended"
	EventStatusResolved  EventStatus = "resolved"
	EventStatusCancelled EventStatus = "cancelled"
)

// TransactionType classifies ledger entries
type TransactionType string

const (
	TransactionDeposit     TransactionType = "deposit"
	TransactionWithdraw    TransactionType = "withdraw"
	TransactionEventPayout TransactionType = "event_payout"
	TransactionTradeDebit  TransactionType = "trade_debit"
	TransactionTradeCredit TransactionType = "trade_credit"
)

// TransactionCompleted is the status of a committed ledger entry
const TransactionCompleted = "completed"

// User is a registered account with a wallet balance
type User struct {
	ID            int64           `json:"id"`
	Email         string          `json:"email"`
	Username      string          `json:"username"`
	PasswordHash  string          `json:"-"`
	WalletBalance decimal.Decimal `json:"wallet_balance"`
	Role          Role            `json:"role"`
	IsActive      bool            `json:"is_active"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Event is a market with a set of mutually exclusive outcome options
type Event struct {
	ID              int64           `json:"id"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Category        string          `json:"category"`
	Status          EventStatus     `json:"status"`
	EndTime         time.Time       `json:"end_time"`
	MinBetAmount    decimal.Decimal `json:"min_bet_amount"`
	MaxBetAmount    decimal.Decimal `json:"max_bet_amount"`
	TotalVolume     decimal.Decimal `json:"total_volume"`
	ImageURL        *string         `json:"image_url,omitempty"`
	CreatedBy       int64           `json:"created_by"`
	ResolvedBy      *int64          `json:"resolved_by,omitempty"`
	WinningOptionID *int64          `json:"winning_option_id,omitempty"`
	ResolutionNote  *string         `json:"resolution_note,omitempty"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// EventOption is one outcome of an event. CurrentPrice is the market-implied
// probability scaled to [0,100]. IsWinning stays nil until resolution.
type EventOption struct {
	ID           int64           `json:"id"`
	EventID      int64           `json:"event_id"`
	OptionText   string          `json:"option_text"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	TotalBacking decimal.Decimal `json:"total_backing"`
	IsWinning    *bool           `json:"is_winning_option,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Transaction is an immutable wallet ledger entry
type Transaction struct {
	ID            int64           `json:"id"`
	UserID        int64           `json:"user_id"`
	Type          TransactionType `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Status        string          `json:"status"`
	ReferenceID   string          `json:"reference_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Position is a user's net holding in one outcome of one event.
// AveragePrice is the weighted mean cost basis; it is zero when Quantity is zero.
type Position struct {
	UserID       int64           `json:"user_id"`
	EventID      int64           `json:"event_id"`
	OptionID     int64           `json:"option_id"`
	Quantity     int64           `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// IsAdmin reports whether the user carries the admin role
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// OpenForTrading reports whether orders may be placed on the event
func (e *Event) OpenForTrading(now time.Time) bool {
	return e.Status == EventStatusActive && e.EndTime.After(now)
}

// Ended reports whether the event can be settled
func (e *Event) Ended(now time.Time) bool {
	return e.Status == EventStatusEnded || !e.EndTime.After(now)
}
