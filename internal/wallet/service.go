package wallet

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/outcome-exchange/internal/market"
	"github.com/outcome-exchange/pkg/observability"
	"github.com/shopspring/decimal"
)

// Store is the durable-store surface of the wallet service
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	TransactionsByUser(ctx context.Context, userID int64, filter market.TransactionFilter) ([]*market.Transaction, market.Pagination, error)
}

// Tx applies a wallet movement atomically with its ledger record
type Tx interface {
	UserForUpdate(ctx context.Context, id int64) (*market.User, error)
	UpdateUserBalance(ctx context.Context, id int64, balance decimal.Decimal) error
	InsertTransaction(ctx context.Context, txn *market.Transaction) error
}

// Notifier signals wallet-visible changes to the subscription server
type Notifier interface {
	TransactionsChanged(userID int64)
	PortfolioChanged(userID int64)
}

// Service handles deposits, withdrawals, and ledger queries
type Service struct {
	logger   *observability.Logger
	store    Store
	notifier Notifier
}

// NewService creates the wallet service
func NewService(store Store, notifier Notifier, logger *observability.Logger) *Service {
	return &Service{logger: logger, store: store, notifier: notifier}
}

// Movement reports a completed balance change
type Movement struct {
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	ReferenceID   string          `json:"reference_id"`
}

// Deposit credits the user's wallet
func (s *Service) Deposit(ctx context.Context, userID int64, amount decimal.Decimal) (*Movement, error) {
	return s.move(ctx, userID, amount, market.TransactionDeposit)
}

// Withdraw debits the user's wallet; the balance may not go negative
func (s *Service) Withdraw(ctx context.Context, userID int64, amount decimal.Decimal) (*Movement, error) {
	return s.move(ctx, userID, amount, market.TransactionWithdraw)
}

func (s *Service) move(ctx context.Context, userID int64, amount decimal.Decimal, kind market.TransactionType) (*Movement, error) {
	if !amount.IsPositive() {
		return nil, market.Validationf("amount must be greater than 0")
	}

	var movement *Movement
	err := s.store.InTx(ctx, func(tx Tx) error {
		user, err := tx.UserForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if !user.IsActive {
			return market.Businessf("user account is deactivated")
		}

		balanceBefore := user.WalletBalance
		var balanceAfter decimal.Decimal
		switch kind {
		case market.TransactionDeposit:
			balanceAfter = balanceBefore.Add(amount)
		case market.TransactionWithdraw:
			if balanceBefore.LessThan(amount) {
				return market.Businessf("insufficient balance")
			}
			balanceAfter = balanceBefore.Sub(amount)
		}

		if err := tx.UpdateUserBalance(ctx, userID, balanceAfter); err != nil {
			return err
		}

		referenceID := uuid.New().String()
		if err := tx.InsertTransaction(ctx, &market.Transaction{
			UserID:        userID,
			Type:          kind,
			Amount:        amount,
			BalanceBefore: balanceBefore,
			BalanceAfter:  balanceAfter,
			Status:        market.TransactionCompleted,
			ReferenceID:   referenceID,
			CreatedAt:     time.Now().UTC(),
		}); err != nil {
			return err
		}

		movement = &Movement{
			Amount:        amount,
			BalanceBefore: balanceBefore,
			BalanceAfter:  balanceAfter,
			ReferenceID:   referenceID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "Wallet movement completed", map[string]interface{}{
		"user_id": userID,
		"type":    string(kind),
		"amount":  amount.String(),
	})

	s.notifier.TransactionsChanged(userID)
	s.notifier.PortfolioChanged(userID)

	return movement, nil
}

// Transactions lists the user's ledger page
func (s *Service) Transactions(ctx context.Context, userID int64, filter market.TransactionFilter) ([]*market.Transaction, market.Pagination, error) {
	return s.store.TransactionsByUser(ctx, userID, filter)
}
