package realtime

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ChannelKind enumerates the subscription channels
type ChannelKind string

const (
	ChannelEvents       ChannelKind = "events"
	ChannelEvent        ChannelKind = "event"
	ChannelTransactions ChannelKind = "transactions"
	ChannelPortfolio    ChannelKind = "portfolio"
)

// Channel identifies one subscription target. EventID is set only for the
// per-event channel.
type Channel struct {
	Kind    ChannelKind
	EventID int64
}

// ParseChannel parses the wire form: "events", "event:{id}", "transactions",
// "portfolio".
func ParseChannel(raw string) (Channel, error) {
	switch {
	case raw == string(ChannelEvents):
		return Channel{Kind: ChannelEvents}, nil
	case raw == string(ChannelTransactions):
		return Channel{Kind: ChannelTransactions}, nil
	case raw == string(ChannelPortfolio):
		return Channel{Kind: ChannelPortfolio}, nil
	case strings.HasPrefix(raw, "event:"):
		id, err := strconv.ParseInt(strings.TrimPrefix(raw, "event:"), 10, 64)
		if err != nil || id <= 0 {
			return Channel{}, fmt.Errorf("invalid event channel: %s", raw)
		}
		return Channel{Kind: ChannelEvent, EventID: id}, nil
	default:
		return Channel{}, fmt.Errorf("unknown channel: %s", raw)
	}
}

// String renders the wire form of the channel
func (c Channel) String() string {
	if c.Kind == ChannelEvent {
		return fmt.Sprintf("event:%d", c.EventID)
	}
	return string(c.Kind)
}

// RequiresAuth reports whether the channel carries user-private data
func (c Channel) RequiresAuth() bool {
	return c.Kind == ChannelTransactions || c.Kind == ChannelPortfolio
}

// ClientFrame is a message received from a client
type ClientFrame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// ServerFrame is a message pushed to a client
type ServerFrame struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// SuccessFrame wraps a payload in a success envelope
func SuccessFrame(data interface{}) ServerFrame {
	return ServerFrame{Success: true, Data: data}
}

// ErrorFrame builds an error envelope
func ErrorFrame(message string) ServerFrame {
	return ServerFrame{Success: false, Message: message}
}

// Payload is the typed body of a data frame
type Payload struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel"`
	Body      interface{} `json:"body"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventsParams filters the events channel
type EventsParams struct {
	Status   string `json:"status,omitempty"`
	Category string `json:"category,omitempty"`
	Page     int    `json:"page,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// PageParams filters the transactions channel
type PageParams struct {
	Type  string `json:"type,omitempty"`
	Page  int    `json:"page,omitempty"`
	Limit int    `json:"limit,omitempty"`
}
