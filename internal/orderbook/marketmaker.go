package orderbook

import (
	"context"
	"fmt"

	"github.com/outcome-exchange/internal/config"
	"github.com/outcome-exchange/pkg/observability"
	"github.com/shopspring/decimal"
)

// SeederBackend is the durable-store surface liquidity seeding needs
type SeederBackend interface {
	// EnsureMakerPosition grants the maker account enough zero-cost shares to
	// back its sell ladder.
	EnsureMakerPosition(ctx context.Context, userID, eventID, optionID, shares int64) error
	InsertOrder(ctx context.Context, order *Order) error
}

// MarketMaker bootstraps liquidity on a fresh market by resting a symmetric
// GTC ladder of bids and asks around an initial implied probability. The
// matching semantics are untouched; seeded orders are ordinary orders.
type MarketMaker struct {
	logger  *observability.Logger
	backend SeederBackend
	books   *Store
	locks   *BookLocks

	userID        int64
	initialPrice  decimal.Decimal
	spread        decimal.Decimal
	depthLevels   int
	levelQuantity int64
	priceStep     decimal.Decimal
}

// NewMarketMaker parses the seeding configuration
func NewMarketMaker(cfg config.MarketMakerConfig, backend SeederBackend, books *Store, locks *BookLocks, logger *observability.Logger) (*MarketMaker, error) {
	initialPrice, err := decimal.NewFromString(cfg.InitialPrice)
	if err != nil {
		return nil, fmt.Errorf("invalid market maker initial price: %w", err)
	}
	spread, err := decimal.NewFromString(cfg.SpreadPercentage)
	if err != nil {
		return nil, fmt.Errorf("invalid market maker spread: %w", err)
	}
	priceStep, err := decimal.NewFromString(cfg.PriceStep)
	if err != nil {
		return nil, fmt.Errorf("invalid market maker price step: %w", err)
	}

	return &MarketMaker{
		logger:        logger,
		backend:       backend,
		books:         books,
		locks:         locks,
		userID:        cfg.UserID,
		initialPrice:  initialPrice,
		spread:        spread,
		depthLevels:   cfg.DepthLevels,
		levelQuantity: cfg.LevelQuantity,
		priceStep:     priceStep,
	}, nil
}

var priceCeiling = decimal.NewFromInt(100)

// SeedLiquidity places the ladder for one market and returns the order ids
func (mm *MarketMaker) SeedLiquidity(ctx context.Context, eventID, optionID int64) ([]string, error) {
	totalShares := mm.levelQuantity * int64(mm.depthLevels)
	if err := mm.backend.EnsureMakerPosition(ctx, mm.userID, eventID, optionID, totalShares); err != nil {
		return nil, fmt.Errorf("failed to back market maker position: %w", err)
	}

	unlock := mm.locks.Lock(eventID, optionID)
	defer unlock()

	book, err := mm.books.GetOrCreateBook(ctx, eventID, optionID)
	if err != nil {
		return nil, err
	}

	halfSpread := divTrunc(mm.spread, decimal.NewFromInt(2))
	one := decimal.NewFromInt(1)

	var orderIDs []string

	place := func(side Side, price decimal.Decimal) error {
		order := NewOrder(mm.userID, eventID, optionID, side, TypeLimit, GTC, price, mm.levelQuantity)
		if err := mm.backend.InsertOrder(ctx, order); err != nil {
			return err
		}
		if err := mm.books.SaveOrder(ctx, order); err != nil {
			return err
		}
		book.RestoreOrder(order)
		orderIDs = append(orderIDs, order.ID)
		return nil
	}

	// Asks above the initial price, clamped to the 100.00 probability ceiling
	askBase := mm.initialPrice.Mul(one.Add(halfSpread))
	for i := 0; i < mm.depthLevels; i++ {
		price := askBase.Add(mm.priceStep.Mul(decimal.NewFromInt(int64(i))))
		if price.GreaterThan(priceCeiling) {
			break
		}
		if err := place(SideSell, price); err != nil {
			return nil, err
		}
	}

	// Bids below the initial price, never at or below zero
	bidBase := mm.initialPrice.Mul(one.Sub(halfSpread))
	for i := 0; i < mm.depthLevels; i++ {
		price := bidBase.Sub(mm.priceStep.Mul(decimal.NewFromInt(int64(i))))
		if !price.IsPositive() {
			break
		}
		if err := place(SideBuy, price); err != nil {
			return nil, err
		}
	}

	if err := mm.books.SaveBook(ctx, book); err != nil {
		return nil, err
	}

	mm.logger.Info(ctx, "Seeded market liquidity", map[string]interface{}{
		"event_id":      eventID,
		"option_id":     optionID,
		"orders":        len(orderIDs),
		"initial_price": mm.initialPrice.String(),
		"maker_shares":  totalShares,
	})

	return orderIDs, nil
}
