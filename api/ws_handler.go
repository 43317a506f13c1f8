package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/outcome-exchange/internal/realtime"
	"github.com/outcome-exchange/pkg/middleware"
)

// handleWebSocket upgrades the connection and hands it to the subscription
// server. Authentication is optional here: anonymous sessions may subscribe
// to public channels, private channels check the session's user.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := s.wsUserID(r)

	conn, err := realtime.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error(r.Context(), "WebSocket upgrade failed", err)
		return
	}

	realtime.NewSession(s.hub, conn, userID, s.logger)
}

// wsUserID resolves the connecting user from the Authorization header or,
// for browser clients that cannot set headers on websocket upgrades, the
// token query parameter.
func (s *Server) wsUserID(r *http.Request) *int64 {
	tokenString := ""
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		tokenString = strings.TrimPrefix(header, "Bearer ")
	} else if query := r.URL.Query().Get("token"); query != "" {
		tokenString = query
	}
	if tokenString == "" {
		return nil
	}

	claims := &middleware.Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.cfg.JWT.Secret), nil
	})
	if err != nil || !token.Valid {
		return nil
	}

	id, err := strconv.ParseInt(claims.UserID, 10, 64)
	if err != nil {
		return nil
	}
	return &id
}
