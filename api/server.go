package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/outcome-exchange/internal/auth"
	"github.com/outcome-exchange/internal/config"
	"github.com/outcome-exchange/internal/events"
	"github.com/outcome-exchange/internal/market"
	"github.com/outcome-exchange/internal/orderbook"
	"github.com/outcome-exchange/internal/orders"
	"github.com/outcome-exchange/internal/positions"
	"github.com/outcome-exchange/internal/realtime"
	"github.com/outcome-exchange/internal/settlement"
	"github.com/outcome-exchange/internal/wallet"
	"github.com/outcome-exchange/pkg/database"
	"github.com/outcome-exchange/pkg/middleware"
	"github.com/outcome-exchange/pkg/observability"
)

// Server wires the exchange services to their HTTP surface
type Server struct {
	logger      *observability.Logger
	cfg         *config.Config
	metrics     *observability.ExchangeMetrics
	auth        *auth.Service
	events      *events.Service
	orders      *orders.Service
	wallet      *wallet.Service
	settlement  *settlement.Service
	portfolio   *positions.Builder
	hub         *realtime.Hub
	marketMaker *orderbook.MarketMaker
	db          *database.DB
	redis       *database.RedisClient
}

// NewServer creates the HTTP server facade
func NewServer(
	cfg *config.Config,
	logger *observability.Logger,
	metrics *observability.ExchangeMetrics,
	authService *auth.Service,
	eventService *events.Service,
	orderService *orders.Service,
	walletService *wallet.Service,
	settlementService *settlement.Service,
	portfolio *positions.Builder,
	hub *realtime.Hub,
	marketMaker *orderbook.MarketMaker,
	db *database.DB,
	redis *database.RedisClient,
) *Server {
	return &Server{
		logger:      logger,
		cfg:         cfg,
		metrics:     metrics,
		auth:        authService,
		events:      eventService,
		orders:      orderService,
		wallet:      walletService,
		settlement:  settlementService,
		portfolio:   portfolio,
		hub:         hub,
		marketMaker: marketMaker,
		db:          db,
		redis:       redis,
	}
}

// Router builds the full route table with the middleware chain applied
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)

	r.HandleFunc("/events", s.handleListEvents).Methods(http.MethodGet)
	r.HandleFunc("/events/{id:[0-9]+}", s.handleGetEvent).Methods(http.MethodGet)

	r.HandleFunc("/order-book/events/{event_id:[0-9]+}/options/{option_id:[0-9]+}", s.handleBookSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/order-book/events/{event_id:[0-9]+}/options/{option_id:[0-9]+}/depth", s.handleMarketDepth).Methods(http.MethodGet)
	r.HandleFunc("/order-book/events/{event_id:[0-9]+}/options/{option_id:[0-9]+}/trades", s.handleRecentTrades).Methods(http.MethodGet)

	r.HandleFunc("/ws/connect", s.handleWebSocket).Methods(http.MethodGet)

	protected := r.NewRoute().Subrouter()
	protected.Use(mux.MiddlewareFunc(middleware.JWT(s.cfg.JWT.Secret)))

	protected.HandleFunc("/auth/me", s.handleMe).Methods(http.MethodGet)

	protected.HandleFunc("/order-book/orders", s.handlePlaceOrder).Methods(http.MethodPost)
	protected.HandleFunc("/order-book/orders/cancel", s.handleCancelOrder).Methods(http.MethodPost)
	protected.HandleFunc("/order-book/orders/my", s.handleMyOrders).Methods(http.MethodGet)

	protected.HandleFunc("/wallet/deposit", s.handleDeposit).Methods(http.MethodPost)
	protected.HandleFunc("/wallet/withdraw", s.handleWithdraw).Methods(http.MethodPost)
	protected.HandleFunc("/wallet/transactions", s.handleTransactions).Methods(http.MethodGet)

	protected.HandleFunc("/positions/my", s.handleMyPositions).Methods(http.MethodGet)
	protected.HandleFunc("/portfolio", s.handlePortfolio).Methods(http.MethodGet)
	protected.HandleFunc("/portfolio/summary", s.handlePortfolioSummary).Methods(http.MethodGet)

	protected.HandleFunc("/events", s.handleCreateEvent).Methods(http.MethodPost)
	protected.HandleFunc("/events/{id:[0-9]+}/status", s.handleEventStatus).Methods(http.MethodPatch)
	protected.HandleFunc("/events/{id:[0-9]+}/settle", s.handleSettle).Methods(http.MethodPost)
	protected.HandleFunc("/events/{event_id:[0-9]+}/options/{option_id:[0-9]+}/seed", s.handleSeedLiquidity).Methods(http.MethodPost)

	var handler http.Handler = r
	handler = middleware.RateLimit(s.cfg.RateLimit)(handler)
	handler = middleware.CORS(s.cfg.Security.CORSAllowedOrigins)(handler)
	handler = middleware.Metrics(s.metrics)(handler)
	handler = middleware.Tracing(s.cfg.Observability.ServiceName)(handler)
	handler = middleware.Logging(s.logger)(handler)
	handler = middleware.Recovery(s.logger)(handler)
	return handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.db.Health(ctx); err != nil {
		http.Error(w, "Database unhealthy", http.StatusServiceUnavailable)
		return
	}
	if err := s.redis.Health(ctx); err != nil {
		http.Error(w, "Book store unhealthy", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// userID extracts the authenticated user id set by the JWT middleware
func userID(r *http.Request) (int64, error) {
	raw, ok := middleware.GetUserID(r.Context())
	if !ok {
		return 0, market.Authorizationf("authentication required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, market.Authorizationf("invalid user id in token")
	}
	return id, nil
}

func requireAdmin(r *http.Request) error {
	role, ok := middleware.GetUserRole(r.Context())
	if !ok || role != string(market.RoleAdmin) {
		return market.Authorizationf("admin role required")
	}
	return nil
}

func pathID(r *http.Request, name string) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	return id
}

func queryInt(r *http.Request, name, fallback string) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		raw = fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return v
}

func decodeBody(r *http.Request, dst interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(dst); err != nil {
		return market.Validationf("invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeSuccess(w http.ResponseWriter, body interface{}) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "data": body})
}

// writeError maps the error taxonomy onto status codes. Infrastructure
// details never reach the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	message := "internal server error"

	switch market.KindOf(err) {
	case market.KindValidation, market.KindBusiness:
		status = http.StatusBadRequest
		message = err.Error()
	case market.KindAuthorization:
		status = http.StatusForbidden
		message = err.Error()
	case market.KindNotFound:
		status = http.StatusNotFound
		message = err.Error()
	case market.KindConflict:
		status = http.StatusServiceUnavailable
		message = err.Error()
	default:
		s.logger.Error(r.Context(), "Request failed", err, map[string]interface{}{
			"path": r.URL.Path,
		})
	}

	writeJSON(w, status, map[string]interface{}{"success": false, "message": message})
}
