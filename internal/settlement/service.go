package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/outcome-exchange/internal/market"
	"github.com/outcome-exchange/pkg/observability"
	"github.com/shopspring/decimal"
)

// Store is the durable-store surface of the settlement service
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the transactional scope of one settlement run
type Tx interface {
	EventForUpdate(ctx context.Context, id int64) (*market.Event, error)
	OptionsByEvent(ctx context.Context, eventID int64) ([]*market.EventOption, error)
	SetOptionOutcome(ctx context.Context, optionID int64, isWinning bool) error
	OpenPositionsByEvent(ctx context.Context, eventID int64) ([]*market.Position, error)
	UserForUpdate(ctx context.Context, id int64) (*market.User, error)
	UpdateUserBalance(ctx context.Context, id int64, balance decimal.Decimal) error
	InsertTransaction(ctx context.Context, txn *market.Transaction) error
	ClosePosition(ctx context.Context, userID, eventID, optionID int64) error
	ResolveEvent(ctx context.Context, eventID, winningOptionID, resolverID int64, note string, at time.Time) error
}

// Notifier fans out settlement effects to the subscription server
type Notifier interface {
	EventsChanged()
	EventChanged(eventID int64)
	PortfolioChanged(userID int64)
	TransactionsChanged(userID int64)
}

// Service resolves events: winners get 1.00 per share, losers 0.00, every
// open position for the event closes. The whole run is one transaction;
// retrying a committed settlement fails on the already-resolved precondition.
type Service struct {
	logger   *observability.Logger
	store    Store
	notifier Notifier
	metrics  *observability.ExchangeMetrics
}

// NewService creates the settlement service
func NewService(store Store, notifier Notifier, metrics *observability.ExchangeMetrics, logger *observability.Logger) *Service {
	return &Service{logger: logger, store: store, notifier: notifier, metrics: metrics}
}

// Request names the winning option of an ended event
type Request struct {
	EventID         int64  `json:"event_id"`
	WinningOptionID int64  `json:"winning_option_id"`
	ResolutionNote  string `json:"resolution_note,omitempty"`
}

// Payout reports one settled position
type Payout struct {
	UserID         int64           `json:"user_id"`
	Username       string          `json:"username"`
	OptionID       int64           `json:"option_id"`
	OptionText     string          `json:"option_text"`
	SharesHeld     int64           `json:"shares_held"`
	PayoutPerShare decimal.Decimal `json:"payout_per_share"`
	TotalPayout    decimal.Decimal `json:"total_payout"`
	ProfitLoss     decimal.Decimal `json:"profit_loss"`
}

// Result summarizes a completed settlement
type Result struct {
	EventID               int64           `json:"event_id"`
	EventTitle            string          `json:"event_title"`
	WinningOptionID       int64           `json:"winning_option_id"`
	WinningOptionText     string          `json:"winning_option_text"`
	TotalPayouts          decimal.Decimal `json:"total_payouts"`
	TotalPositionsSettled int             `json:"total_positions_settled"`
	Payouts               []Payout        `json:"payouts"`
	SettlementTimestamp   time.Time       `json:"settlement_timestamp"`
}

var payoutPerShare = decimal.RequireFromString("1.00")

// Settle resolves an event. The caller must already be authorized as admin.
func (s *Service) Settle(ctx context.Context, resolverID int64, req Request) (*Result, error) {
	now := time.Now().UTC()
	var result *Result

	err := s.store.InTx(ctx, func(tx Tx) error {
		event, err := tx.EventForUpdate(ctx, req.EventID)
		if err != nil {
			return err
		}
		if event.Status == market.EventStatusResolved {
			return market.Businessf("event is already resolved")
		}
		if !event.Ended(now) {
			return market.Businessf("event has not ended yet; only ended events can be settled")
		}

		options, err := tx.OptionsByEvent(ctx, req.EventID)
		if err != nil {
			return err
		}

		optionText := make(map[int64]string, len(options))
		winnerFound := false
		for _, option := range options {
			optionText[option.ID] = option.OptionText
			if option.ID == req.WinningOptionID {
				winnerFound = true
			}
		}
		if !winnerFound {
			return market.Validationf("invalid winning option id")
		}

		for _, option := range options {
			if err := tx.SetOptionOutcome(ctx, option.ID, option.ID == req.WinningOptionID); err != nil {
				return err
			}
		}

		openPositions, err := tx.OpenPositionsByEvent(ctx, req.EventID)
		if err != nil {
			return err
		}

		result = &Result{
			EventID:             req.EventID,
			EventTitle:          event.Title,
			WinningOptionID:     req.WinningOptionID,
			WinningOptionText:   optionText[req.WinningOptionID],
			TotalPayouts:        decimal.Zero,
			SettlementTimestamp: now,
		}

		for _, position := range openPositions {
			user, err := tx.UserForUpdate(ctx, position.UserID)
			if err != nil {
				return err
			}

			isWinner := position.OptionID == req.WinningOptionID
			quantity := decimal.NewFromInt(position.Quantity)

			payout := decimal.Zero
			perShare := decimal.Zero
			if isWinner {
				perShare = payoutPerShare
				payout = payoutPerShare.Mul(quantity)
			}
			invested := position.AveragePrice.Mul(quantity)

			if isWinner && payout.IsPositive() {
				newBalance := user.WalletBalance.Add(payout)
				if err := tx.UpdateUserBalance(ctx, user.ID, newBalance); err != nil {
					return err
				}
				if err := tx.InsertTransaction(ctx, &market.Transaction{
					UserID:        user.ID,
					Type:          market.TransactionEventPayout,
					Amount:        payout,
					BalanceBefore: user.WalletBalance,
					BalanceAfter:  newBalance,
					Status:        market.TransactionCompleted,
					ReferenceID:   fmt.Sprintf("event_%d_%s", req.EventID, uuid.New().String()),
					CreatedAt:     now,
				}); err != nil {
					return err
				}
				result.TotalPayouts = result.TotalPayouts.Add(payout)
			}

			if err := tx.ClosePosition(ctx, position.UserID, position.EventID, position.OptionID); err != nil {
				return err
			}

			result.Payouts = append(result.Payouts, Payout{
				UserID:         position.UserID,
				Username:       user.Username,
				OptionID:       position.OptionID,
				OptionText:     optionText[position.OptionID],
				SharesHeld:     position.Quantity,
				PayoutPerShare: perShare,
				TotalPayout:    payout,
				ProfitLoss:     payout.Sub(invested),
			})
		}
		result.TotalPositionsSettled = len(result.Payouts)

		return tx.ResolveEvent(ctx, req.EventID, req.WinningOptionID, resolverID, req.ResolutionNote, now)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "Event settled", map[string]interface{}{
		"event_id":          req.EventID,
		"winning_option_id": req.WinningOptionID,
		"positions_settled": result.TotalPositionsSettled,
		"total_payouts":     result.TotalPayouts.String(),
	})

	s.notifier.EventChanged(req.EventID)
	s.notifier.EventsChanged()
	for _, payout := range result.Payouts {
		s.notifier.PortfolioChanged(payout.UserID)
		if payout.TotalPayout.IsPositive() {
			s.metrics.SettlementPayouts.Inc()
			s.notifier.TransactionsChanged(payout.UserID)
		}
	}

	return result, nil
}
