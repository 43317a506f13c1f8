package api

import (
	"net/http"

	"github.com/outcome-exchange/internal/events"
	"github.com/outcome-exchange/internal/market"
	"github.com/outcome-exchange/internal/settlement"
)

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	list, pagination, err := s.events.List(r.Context(), market.EventFilter{
		Status:   r.URL.Query().Get("status"),
		Category: r.URL.Query().Get("category"),
		Page:     queryInt(r, "page", "1"),
		Limit:    queryInt(r, "limit", "20"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, map[string]interface{}{"events": list, "pagination": pagination})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := s.events.Get(r.Context(), pathID(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, map[string]interface{}{"event": event})
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	id, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := requireAdmin(r); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req events.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	event, err := s.events.Create(r.Context(), id, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"success": true, "event": event})
}

type eventStatusBody struct {
	Status string `json:"status"`
}

func (s *Server) handleEventStatus(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(r); err != nil {
		s.writeError(w, r, err)
		return
	}

	var body eventStatusBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	event, err := s.events.SetStatus(r.Context(), pathID(r, "id"), market.EventStatus(body.Status))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, map[string]interface{}{"event": event})
}

type settleBody struct {
	WinningOptionID int64  `json:"winning_option_id"`
	ResolutionNote  string `json:"resolution_note"`
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	resolverID, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := requireAdmin(r); err != nil {
		s.writeError(w, r, err)
		return
	}

	var body settleBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.settlement.Settle(r.Context(), resolverID, settlement.Request{
		EventID:         pathID(r, "id"),
		WinningOptionID: body.WinningOptionID,
		ResolutionNote:  body.ResolutionNote,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":    "Event settled successfully",
		"settlement": result,
	})
}
