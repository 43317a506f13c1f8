package api

import (
	"net/http"
)

func (s *Server) handleMyPositions(w http.ResponseWriter, r *http.Request) {
	id, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	portfolio, err := s.portfolio.Build(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, map[string]interface{}{"positions": portfolio.ActivePositions})
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	id, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	portfolio, err := s.portfolio.Build(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, map[string]interface{}{"portfolio": portfolio})
}

func (s *Server) handlePortfolioSummary(w http.ResponseWriter, r *http.Request) {
	id, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	summary, err := s.portfolio.BuildSummary(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, map[string]interface{}{"summary": summary})
}
