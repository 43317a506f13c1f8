package api

import (
	"encoding/json"
	"net/http"

	"github.com/outcome-exchange/internal/market"
	"github.com/shopspring/decimal"
)

type amountBody struct {
	Amount json.Number `json:"amount"`
}

// parseAmount round-trips the request amount through decimal at the
// boundary; non-numeric and non-finite inputs are rejected here.
func parseAmount(body amountBody) (decimal.Decimal, error) {
	if body.Amount == "" {
		return decimal.Zero, market.Validationf("amount is required")
	}
	amount, err := decimal.NewFromString(body.Amount.String())
	if err != nil {
		return decimal.Zero, market.Validationf("invalid amount")
	}
	return amount, nil
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	id, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var body amountBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	movement, err := s.wallet.Deposit(r.Context(), id, amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, movement)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	id, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var body amountBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	movement, err := s.wallet.Withdraw(r.Context(), id, amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, movement)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	id, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	transactions, pagination, err := s.wallet.Transactions(r.Context(), id, market.TransactionFilter{
		Type:  r.URL.Query().Get("type"),
		Page:  queryInt(r, "page", "1"),
		Limit: queryInt(r, "limit", "20"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, map[string]interface{}{"transactions": transactions, "pagination": pagination})
}
