package realtime

import (
	"context"

	"github.com/outcome-exchange/internal/market"
	"github.com/outcome-exchange/internal/positions"
)

// StoreSource reads channel snapshots from the durable store
type StoreSource struct {
	repo      *market.Repository
	portfolio *positions.Builder
}

// NewStoreSource creates the production snapshot source
func NewStoreSource(repo *market.Repository, portfolio *positions.Builder) *StoreSource {
	return &StoreSource{repo: repo, portfolio: portfolio}
}

type eventsBody struct {
	Events     []*eventWithOptions `json:"events"`
	Pagination market.Pagination   `json:"pagination"`
}

type eventWithOptions struct {
	*market.Event
	Options []*market.EventOption `json:"options"`
}

// EventsSnapshot returns the filtered events page with options attached
func (s *StoreSource) EventsSnapshot(ctx context.Context, params EventsParams) (interface{}, error) {
	events, pagination, err := s.repo.ListEvents(ctx, market.EventFilter{
		Status:   params.Status,
		Category: params.Category,
		Page:     params.Page,
		Limit:    params.Limit,
	})
	if err != nil {
		return nil, err
	}

	body := &eventsBody{Pagination: pagination, Events: make([]*eventWithOptions, 0, len(events))}
	for _, event := range events {
		options, err := s.repo.OptionsByEvent(ctx, event.ID)
		if err != nil {
			return nil, err
		}
		body.Events = append(body.Events, &eventWithOptions{Event: event, Options: options})
	}
	return body, nil
}

// EventSnapshot returns one event with its options
func (s *StoreSource) EventSnapshot(ctx context.Context, eventID int64) (interface{}, error) {
	event, err := s.repo.EventByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	options, err := s.repo.OptionsByEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return &eventWithOptions{Event: event, Options: options}, nil
}

type transactionsBody struct {
	Transactions []*market.Transaction `json:"transactions"`
	Pagination   market.Pagination     `json:"pagination"`
}

// TransactionsSnapshot returns the user's ledger page
func (s *StoreSource) TransactionsSnapshot(ctx context.Context, userID int64, params PageParams) (interface{}, error) {
	transactions, pagination, err := s.repo.TransactionsByUser(ctx, userID, market.TransactionFilter{
		Type:  params.Type,
		Page:  params.Page,
		Limit: params.Limit,
	})
	if err != nil {
		return nil, err
	}
	return &transactionsBody{Transactions: transactions, Pagination: pagination}, nil
}

// PortfolioSnapshot returns the user's aggregated positions
func (s *StoreSource) PortfolioSnapshot(ctx context.Context, userID int64) (interface{}, error) {
	return s.portfolio.Build(ctx, userID)
}
