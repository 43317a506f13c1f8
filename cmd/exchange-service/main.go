package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/outcome-exchange/api"
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
	"github.com/outcome-exchange/pkg/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability)
	tracingProvider, err := observability.NewTracingProvider(cfg.Observability)
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer tracingProvider.Shutdown(context.Background())

	metrics := observability.NewExchangeMetrics("exchange")

	db, err := database.NewPostgresDB(cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	redis, err := database.NewRedisClient(cfg.Redis, logger)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	repo := market.NewRepository(db)
	books := orderbook.NewStore(redis, logger)
	locks := orderbook.NewBookLocks()

	portfolio := positions.NewBuilder(repo)
	hub := realtime.NewHub(realtime.NewStoreSource(repo, portfolio), metrics, logger)

	priceUpdater := orderbook.NewPriceUpdater(books, repo, hub, logger, 30*time.Second)

	orderStore := orders.NewPostgresStore(db, repo)
	orderService := orders.NewService(orderStore, books, locks, hub, priceUpdater, metrics, logger)

	marketMaker, err := orderbook.NewMarketMaker(cfg.MarketMaker, orderStore, books, locks, logger)
	if err != nil {
		log.Fatalf("Failed to configure market maker: %v", err)
	}

	authService := auth.NewService(repo, cfg.JWT, cfg.Security, logger)
	eventService := events.NewService(repo, hub, logger)
	walletService := wallet.NewService(wallet.NewPostgresStore(db, repo), hub, logger)
	settlementService := settlement.NewService(settlement.NewPostgresStore(db), hub, metrics, logger)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go hub.Run(runCtx)
	go priceUpdater.Run(runCtx)

	server := api.NewServer(cfg, logger, metrics, authService, eventService, orderService,
		walletService, settlementService, portfolio, hub, marketMaker, db, redis)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info(context.Background(), "Starting exchange service", map[string]interface{}{
			"addr": httpServer.Addr,
		})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(context.Background(), "Shutting down exchange service...")
	cancelRun()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	logger.Info(context.Background(), "Exchange service stopped")
}
