package api

import (
	"encoding/json"
	"net/http"

	"github.com/outcome-exchange/internal/market"
	"github.com/outcome-exchange/internal/orderbook"
	"github.com/outcome-exchange/internal/orders"
	"github.com/shopspring/decimal"
)

type placeOrderBody struct {
	EventID     int64       `json:"event_id"`
	OptionID    int64       `json:"option_id"`
	Side        string      `json:"side"`
	OrderType   string      `json:"order_type"`
	TimeInForce string      `json:"time_in_force"`
	Price       json.Number `json:"price"`
	Quantity    int64       `json:"quantity"`
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	id, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var body placeOrderBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	price := decimal.Zero
	if body.Price != "" {
		price, err = decimal.NewFromString(body.Price.String())
		if err != nil {
			s.writeError(w, r, market.Validationf("invalid price"))
			return
		}
	}

	result, err := s.orders.PlaceOrder(r.Context(), orders.PlaceOrderRequest{
		UserID:      id,
		EventID:     body.EventID,
		OptionID:    body.OptionID,
		Side:        orderbook.Side(body.Side),
		Type:        orderbook.Type(body.OrderType),
		TimeInForce: orderbook.TimeInForce(body.TimeInForce),
		Price:       price,
		Quantity:    body.Quantity,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"order_id":       result.Order.ID,
		"order":          result.Order,
		"trades":         result.Trades,
		"wallet_balance": result.WalletBalance,
	})
}

type cancelOrderBody struct {
	OrderID string `json:"order_id"`
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var body cancelOrderBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.OrderID == "" {
		s.writeError(w, r, market.Validationf("order_id is required"))
		return
	}

	order, err := s.orders.Cancel(r.Context(), id, body.OrderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Order cancelled successfully",
		"order":   order,
	})
}

func (s *Server) handleMyOrders(w http.ResponseWriter, r *http.Request) {
	id, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	list, err := s.orders.MyOrders(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, map[string]interface{}{"orders": list})
}

func (s *Server) handleBookSnapshot(w http.ResponseWriter, r *http.Request) {
	view, err := s.orders.BookSnapshot(r.Context(), pathID(r, "event_id"), pathID(r, "option_id"), queryInt(r, "depth", "10"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, map[string]interface{}{"order_book": view})
}

func (s *Server) handleMarketDepth(w http.ResponseWriter, r *http.Request) {
	view, err := s.orders.MarketDepth(r.Context(), pathID(r, "event_id"), pathID(r, "option_id"), queryInt(r, "levels", "20"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, map[string]interface{}{"market_depth": view})
}

func (s *Server) handleRecentTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.orders.RecentTrades(r.Context(), pathID(r, "event_id"), pathID(r, "option_id"), queryInt(r, "limit", "100"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, map[string]interface{}{"trades": trades})
}

func (s *Server) handleSeedLiquidity(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(r); err != nil {
		s.writeError(w, r, err)
		return
	}

	orderIDs, err := s.marketMaker.SeedLiquidity(r.Context(), pathID(r, "event_id"), pathID(r, "option_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, map[string]interface{}{"order_ids": orderIDs})
}
