package orderbook

import (
	"context"
	"time"

	"github.com/outcome-exchange/internal/market"
	"github.com/outcome-exchange/pkg/observability"
	"github.com/shopspring/decimal"
)

// OptionStore is the durable-store surface the price updater needs
type OptionStore interface {
	ListAllOptions(ctx context.Context) ([]*market.EventOption, error)
	OptionByID(ctx context.Context, id int64) (*market.EventOption, error)
	UpdateOptionPrice(ctx context.Context, optionID int64, price decimal.Decimal) error
}

// Notifier signals the subscription server that market data changed
type Notifier interface {
	EventsChanged()
	EventChanged(eventID int64)
}

// Option prices only move when the prediction drifts past this ratio,
// keeping write and fan-out churn down.
var priceChangeThreshold = decimal.NewFromFloat(0.005)

// PriceUpdater recomputes option prices from order book imbalance, both
// event-driven after order mutations and on a periodic sweep.
type PriceUpdater struct {
	logger   *observability.Logger
	books    *Store
	options  OptionStore
	notifier Notifier
	interval time.Duration
}

// NewPriceUpdater creates a price updater sweeping at the given interval
func NewPriceUpdater(books *Store, options OptionStore, notifier Notifier, logger *observability.Logger, interval time.Duration) *PriceUpdater {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &PriceUpdater{
		logger:   logger,
		books:    books,
		options:  options,
		notifier: notifier,
		interval: interval,
	}
}

// UpdateOption refreshes one option's price from its book
func (u *PriceUpdater) UpdateOption(ctx context.Context, eventID, optionID int64) {
	book, found, err := u.books.LoadBook(ctx, eventID, optionID)
	if err != nil {
		u.logger.Error(ctx, "Failed to load order book for price update", err, map[string]interface{}{
			"event_id":  eventID,
			"option_id": optionID,
		})
		return
	}
	if !found {
		return
	}

	predicted := book.PredictedPrice()
	if predicted == nil {
		return
	}

	option, err := u.options.OptionByID(ctx, optionID)
	if err != nil {
		u.logger.Error(ctx, "Failed to load option for price update", err, map[string]interface{}{
			"option_id": optionID,
		})
		return
	}

	if !u.shouldUpdate(option.CurrentPrice, *predicted) {
		return
	}

	if err := u.options.UpdateOptionPrice(ctx, optionID, *predicted); err != nil {
		u.logger.Error(ctx, "Failed to persist option price", err, map[string]interface{}{
			"option_id": optionID,
		})
		return
	}

	u.logger.Info(ctx, "Updated option price", map[string]interface{}{
		"event_id":  eventID,
		"option_id": optionID,
		"price":     predicted.String(),
	})

	u.notifier.EventChanged(eventID)
	u.notifier.EventsChanged()
}

func (u *PriceUpdater) shouldUpdate(current, predicted decimal.Decimal) bool {
	if !current.IsPositive() {
		return true
	}
	ratio := predicted.Sub(current).Abs().Div(current)
	return ratio.GreaterThan(priceChangeThreshold)
}

// Run sweeps every option of live events until the context is cancelled
func (u *PriceUpdater) Run(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.sweep(ctx)
		}
	}
}

func (u *PriceUpdater) sweep(ctx context.Context) {
	options, err := u.options.ListAllOptions(ctx)
	if err != nil {
		u.logger.Error(ctx, "Failed to list options for price sweep", err)
		return
	}
	for _, option := range options {
		u.UpdateOption(ctx, option.EventID, option.ID)
	}
}
