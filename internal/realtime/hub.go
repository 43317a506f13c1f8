package realtime

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/outcome-exchange/pkg/observability"
)

// SnapshotSource reads fresh channel data from the durable store. Every push
// is personalized: the stored subscription parameters of one session shape
// what that session receives.
type SnapshotSource interface {
	EventsSnapshot(ctx context.Context, params EventsParams) (interface{}, error)
	EventSnapshot(ctx context.Context, eventID int64) (interface{}, error)
	TransactionsSnapshot(ctx context.Context, userID int64, params PageParams) (interface{}, error)
	PortfolioSnapshot(ctx context.Context, userID int64) (interface{}, error)
}

// Subscription is one connected session's handle on the hub. Send carries
// serialized frames; the owning session drains it.
type Subscription struct {
	ID     uint64
	UserID *int64
	Send   chan []byte
}

type subKey struct {
	sessionID uint64
	channel   Channel
}

type cmdRegister struct{ sub *Subscription }
type cmdUnregister struct{ id uint64 }
type cmdSubscribe struct {
	id      uint64
	channel Channel
	params  json.RawMessage
}
type cmdUnsubscribe struct {
	id      uint64
	channel Channel
}
type cmdNotify struct {
	channel Channel
	userID  int64 // set for transactions / portfolio refreshes
}

// Hub is the subscription server. All session and subscription state is
// owned by the run goroutine; every mutation arrives through the command
// inbox, so no locks guard the maps.
type Hub struct {
	logger  *observability.Logger
	source  SnapshotSource
	metrics *observability.ExchangeMetrics

	commands chan interface{}
	counter  uint64

	sessions      map[uint64]*Subscription
	userSessions  map[int64]map[uint64]struct{}
	subscriptions map[Channel]map[uint64]struct{}
	params        map[subKey]json.RawMessage

	snapshotTimeout time.Duration
}

// NewHub creates the subscription server
func NewHub(source SnapshotSource, metrics *observability.ExchangeMetrics, logger *observability.Logger) *Hub {
	return &Hub{
		logger:          logger,
		source:          source,
		metrics:         metrics,
		commands:        make(chan interface{}, 256),
		sessions:        make(map[uint64]*Subscription),
		userSessions:    make(map[int64]map[uint64]struct{}),
		subscriptions:   make(map[Channel]map[uint64]struct{}),
		params:          make(map[subKey]json.RawMessage),
		snapshotTimeout: 10 * time.Second,
	}
}

// Register creates a session handle and enqueues its registration
func (h *Hub) Register(userID *int64) *Subscription {
	sub := &Subscription{
		ID:     atomic.AddUint64(&h.counter, 1),
		UserID: userID,
		Send:   make(chan []byte, 64),
	}
	h.enqueue(cmdRegister{sub: sub})
	return sub
}

// Unregister removes a session from every channel and drops its parameters
func (h *Hub) Unregister(sub *Subscription) {
	h.enqueue(cmdUnregister{id: sub.ID})
}

// Subscribe adds a session to a channel. Private channels require an
// authenticated session; the rejection goes only to that session.
func (h *Hub) Subscribe(sub *Subscription, channel Channel, params json.RawMessage) {
	if channel.RequiresAuth() && sub.UserID == nil {
		h.deliver(sub, ErrorFrame("authentication required for channel "+channel.String()))
		return
	}
	h.enqueue(cmdSubscribe{id: sub.ID, channel: channel, params: params})
}

// Unsubscribe removes a session from a channel
func (h *Hub) Unsubscribe(sub *Subscription, channel Channel) {
	h.enqueue(cmdUnsubscribe{id: sub.ID, channel: channel})
}

// EventsChanged re-reads and pushes the events list per subscribed session
func (h *Hub) EventsChanged() {
	h.enqueue(cmdNotify{channel: Channel{Kind: ChannelEvents}})
}

// EventChanged pushes one event's fresh state to its subscribers
func (h *Hub) EventChanged(eventID int64) {
	h.enqueue(cmdNotify{channel: Channel{Kind: ChannelEvent, EventID: eventID}})
}

// TransactionsChanged refreshes one user's transaction subscriptions
func (h *Hub) TransactionsChanged(userID int64) {
	h.enqueue(cmdNotify{channel: Channel{Kind: ChannelTransactions}, userID: userID})
}

// PortfolioChanged refreshes one user's portfolio subscriptions
func (h *Hub) PortfolioChanged(userID int64) {
	h.enqueue(cmdNotify{channel: Channel{Kind: ChannelPortfolio}, userID: userID})
}

func (h *Hub) enqueue(cmd interface{}) {
	select {
	case h.commands <- cmd:
	default:
		h.logger.Warn(context.Background(), "Subscription server inbox full, dropping command", map[string]interface{}{
			"command": commandName(cmd),
		})
	}
}

func commandName(cmd interface{}) string {
	switch cmd.(type) {
	case cmdRegister:
		return "register"
	case cmdUnregister:
		return "unregister"
	case cmdSubscribe:
		return "subscribe"
	case cmdUnsubscribe:
		return "unsubscribe"
	case cmdNotify:
		return "notify"
	default:
		return "unknown"
	}
}

// Run processes commands until the context is cancelled
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			switch c := cmd.(type) {
			case cmdRegister:
				h.handleRegister(c)
			case cmdUnregister:
				h.handleUnregister(c)
			case cmdSubscribe:
				h.handleSubscribe(ctx, c)
			case cmdUnsubscribe:
				h.handleUnsubscribe(c)
			case cmdNotify:
				h.handleNotify(ctx, c)
			}
		}
	}
}

func (h *Hub) handleRegister(c cmdRegister) {
	h.sessions[c.sub.ID] = c.sub
	if c.sub.UserID != nil {
		userID := *c.sub.UserID
		if h.userSessions[userID] == nil {
			h.userSessions[userID] = make(map[uint64]struct{})
		}
		h.userSessions[userID][c.sub.ID] = struct{}{}
	}
	if h.metrics != nil {
		h.metrics.ActiveSessions.Inc()
	}
}

func (h *Hub) handleUnregister(c cmdUnregister) {
	sub, ok := h.sessions[c.id]
	if !ok {
		return
	}
	delete(h.sessions, c.id)
	if sub.UserID != nil {
		sessions := h.userSessions[*sub.UserID]
		delete(sessions, c.id)
		if len(sessions) == 0 {
			delete(h.userSessions, *sub.UserID)
		}
	}
	for channel, members := range h.subscriptions {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.subscriptions, channel)
		}
	}
	for key := range h.params {
		if key.sessionID == c.id {
			delete(h.params, key)
		}
	}
	close(sub.Send)
	if h.metrics != nil {
		h.metrics.ActiveSessions.Dec()
	}
}

func (h *Hub) handleSubscribe(ctx context.Context, c cmdSubscribe) {
	sub, ok := h.sessions[c.id]
	if !ok {
		return
	}
	if h.subscriptions[c.channel] == nil {
		h.subscriptions[c.channel] = make(map[uint64]struct{})
	}
	h.subscriptions[c.channel][c.id] = struct{}{}
	if len(c.params) > 0 {
		h.params[subKey{sessionID: c.id, channel: c.channel}] = c.params
	}

	// Initial snapshot goes only to the subscribing session
	h.pushSnapshot(ctx, sub, c.channel, c.params)
}

func (h *Hub) handleUnsubscribe(c cmdUnsubscribe) {
	if members, ok := h.subscriptions[c.channel]; ok {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.subscriptions, c.channel)
		}
	}
	delete(h.params, subKey{sessionID: c.id, channel: c.channel})
}

func (h *Hub) handleNotify(ctx context.Context, c cmdNotify) {
	members, ok := h.subscriptions[c.channel]
	if !ok {
		return
	}
	for id := range members {
		sub, ok := h.sessions[id]
		if !ok {
			continue
		}
		// Private refreshes target only the affected user's sessions
		if c.channel.RequiresAuth() {
			if sub.UserID == nil || *sub.UserID != c.userID {
				continue
			}
		}
		params := h.params[subKey{sessionID: id, channel: c.channel}]
		h.pushSnapshot(ctx, sub, c.channel, params)
	}
}

// pushSnapshot fetches channel data with the session's own parameters and
// delivers it to that session alone. The fetch runs off the hub goroutine;
// a session gone by completion is dropped silently.
func (h *Hub) pushSnapshot(ctx context.Context, sub *Subscription, channel Channel, rawParams json.RawMessage) {
	go func() {
		fetchCtx, cancel := context.WithTimeout(context.Background(), h.snapshotTimeout)
		defer cancel()

		body, err := h.fetch(fetchCtx, sub, channel, rawParams)
		if err != nil {
			h.logger.Error(ctx, "Failed to fetch channel snapshot", err, map[string]interface{}{
				"channel": channel.String(),
				"session": sub.ID,
			})
			h.deliver(sub, ErrorFrame("failed to load "+channel.String()))
			return
		}

		h.deliver(sub, SuccessFrame(Payload{
			Type:      string(channel.Kind) + "_data",
			Channel:   channel.String(),
			Body:      body,
			Timestamp: time.Now().UTC(),
		}))
	}()
}

func (h *Hub) fetch(ctx context.Context, sub *Subscription, channel Channel, rawParams json.RawMessage) (interface{}, error) {
	switch channel.Kind {
	case ChannelEvents:
		var params EventsParams
		if len(rawParams) > 0 {
			if err := json.Unmarshal(rawParams, &params); err != nil {
				h.logger.Warn(ctx, "Ignoring malformed events params", map[string]interface{}{
					"session": sub.ID, "error": err.Error(),
				})
			}
		}
		return h.source.EventsSnapshot(ctx, params)
	case ChannelEvent:
		return h.source.EventSnapshot(ctx, channel.EventID)
	case ChannelTransactions:
		var params PageParams
		if len(rawParams) > 0 {
			if err := json.Unmarshal(rawParams, &params); err != nil {
				h.logger.Warn(ctx, "Ignoring malformed transactions params", map[string]interface{}{
					"session": sub.ID, "error": err.Error(),
				})
			}
		}
		return h.source.TransactionsSnapshot(ctx, *sub.UserID, params)
	default:
		return h.source.PortfolioSnapshot(ctx, *sub.UserID)
	}
}

// deliver serializes a frame and hands it to the session without blocking.
// Slow consumers lose frames rather than stalling the hub.
func (h *Hub) deliver(sub *Subscription, frame ServerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	defer func() {
		// The send channel closes on unregister; a racing delivery is dropped.
		recover()
	}()
	select {
	case sub.Send <- data:
	default:
		h.logger.Warn(context.Background(), "Dropping frame for slow session", map[string]interface{}{
			"session": sub.ID,
		})
	}
}
