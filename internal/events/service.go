package events

import (
	"context"
	"strings"
	"time"

	"github.com/outcome-exchange/internal/market"
	"github.com/outcome-exchange/pkg/observability"
	"github.com/shopspring/decimal"
)

// Notifier signals event changes to the subscription server
type Notifier interface {
	EventsChanged()
	EventChanged(eventID int64)
}

// Service manages event and option lifecycle up to settlement
type Service struct {
	repo     *market.Repository
	notifier Notifier
	logger   *observability.Logger
}

// NewService creates the event service
func NewService(repo *market.Repository, notifier Notifier, logger *observability.Logger) *Service {
	return &Service{repo: repo, notifier: notifier, logger: logger}
}

// CreateRequest describes a new event with its outcome options
type CreateRequest struct {
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Category     string    `json:"category"`
	EndTime      time.Time `json:"end_time"`
	MinBetAmount string    `json:"min_bet_amount,omitempty"`
	MaxBetAmount string    `json:"max_bet_amount,omitempty"`
	Options      []string  `json:"options"`
}

// EventWithOptions pairs an event with its options for responses
type EventWithOptions struct {
	*market.Event
	Options []*market.EventOption `json:"options"`
}

// Create inserts a draft event with at least two outcome options
func (s *Service) Create(ctx context.Context, creatorID int64, req CreateRequest) (*EventWithOptions, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, market.Validationf("event title is required")
	}
	if len(req.Options) < 2 {
		return nil, market.Validationf("an event needs at least two options")
	}
	if !req.EndTime.After(time.Now().UTC()) {
		return nil, market.Validationf("event end time must be in the future")
	}

	minBet, err := parseAmount(req.MinBetAmount, "10.00")
	if err != nil {
		return nil, market.Validationf("invalid min bet amount")
	}
	maxBet, err := parseAmount(req.MaxBetAmount, "1000.00")
	if err != nil {
		return nil, market.Validationf("invalid max bet amount")
	}
	if maxBet.LessThan(minBet) {
		return nil, market.Validationf("max bet amount must not be below min bet amount")
	}

	category := req.Category
	if category == "" {
		category = "general"
	}

	event, options, err := s.repo.CreateEvent(ctx, &market.Event{
		Title:        strings.TrimSpace(req.Title),
		Description:  req.Description,
		Category:     category,
		Status:       market.EventStatusDraft,
		EndTime:      req.EndTime.UTC(),
		MinBetAmount: minBet,
		MaxBetAmount: maxBet,
		CreatedBy:    creatorID,
	}, req.Options)
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "Event created", map[string]interface{}{
		"event_id": event.ID,
		"options":  len(options),
	})
	s.notifier.EventsChanged()

	return &EventWithOptions{Event: event, Options: options}, nil
}

// Get loads one event with its options
func (s *Service) Get(ctx context.Context, id int64) (*EventWithOptions, error) {
	event, err := s.repo.EventByID(ctx, id)
	if err != nil {
		return nil, err
	}
	options, err := s.repo.OptionsByEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	return &EventWithOptions{Event: event, Options: options}, nil
}

// List returns a filtered event page
func (s *Service) List(ctx context.Context, filter market.EventFilter) ([]*market.Event, market.Pagination, error) {
	return s.repo.ListEvents(ctx, filter)
}

// SetStatus transitions an event between lifecycle states. Resolution goes
// through the settlement service, never through here.
func (s *Service) SetStatus(ctx context.Context, id int64, status market.EventStatus) (*EventWithOptions, error) {
	switch status {
	case market.EventStatusActive, market.EventStatusPaused, market.EventStatusEnded, market.EventStatusCancelled:
	default:
		return nil, market.Validationf("invalid event status transition")
	}

	event, err := s.repo.EventByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if event.Status == market.EventStatusResolved {
		return nil, market.Businessf("event is already resolved")
	}

	if err := s.repo.UpdateEventStatus(ctx, id, status); err != nil {
		return nil, err
	}

	s.notifier.EventChanged(id)
	s.notifier.EventsChanged()
	return s.Get(ctx, id)
}

func parseAmount(value, fallback string) (decimal.Decimal, error) {
	if value == "" {
		value = fallback
	}
	return decimal.NewFromString(value)
}
