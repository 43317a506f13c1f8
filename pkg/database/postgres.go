package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"
	"github.com/outcome-exchange/internal/config"
	"github.com/outcome-exchange/pkg/observability"
)

// DB wraps sql.DB with pool configuration and slow-query tracking
type DB struct {
	*sql.DB
	logger       *observability.Logger
	queryTimeout time.Duration

	queryCount     int64
	slowQueryCount int64
}

const slowQueryThreshold = 100 * time.Millisecond

// NewPostgresDB creates a new PostgreSQL connection pool
func NewPostgresDB(cfg config.DatabaseConfig, logger *observability.Logger) (*DB, error) {
	conn, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{
		DB:           conn,
		logger:       logger,
		queryTimeout: cfg.QueryTimeout,
	}

	logger.Info(context.Background(), "Database connection established", map[string]interface{}{
		"max_open_conns":    cfg.MaxOpenConns,
		"max_idle_conns":    cfg.MaxIdleConns,
		"conn_max_lifetime": cfg.ConnMaxLifetime.String(),
	})

	return db, nil
}

// ExecTracked executes a statement and logs it when it crosses the slow-query threshold
func (db *DB) ExecTracked(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	start := time.Now()
	result, err := db.ExecContext(ctx, query, args...)
	db.track(ctx, query, time.Since(start))
	return result, err
}

// QueryTracked runs a query with slow-query tracking
func (db *DB) QueryTracked(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	start := time.Now()
	rows, err := db.QueryContext(ctx, query, args...)
	db.track(ctx, query, time.Since(start))
	return rows, err
}

func (db *DB) track(ctx context.Context, query string, duration time.Duration) {
	atomic.AddInt64(&db.queryCount, 1)
	if duration > slowQueryThreshold {
		atomic.AddInt64(&db.slowQueryCount, 1)
		db.logger.Warn(ctx, "Slow query detected", map[string]interface{}{
			"query":    query,
			"duration": duration.String(),
		})
	}
}

// Stats returns query counters alongside the pool statistics
func (db *DB) Stats() map[string]interface{} {
	pool := db.DB.Stats()
	return map[string]interface{}{
		"query_count":      atomic.LoadInt64(&db.queryCount),
		"slow_query_count": atomic.LoadInt64(&db.slowQueryCount),
		"open_connections": pool.OpenConnections,
		"idle_connections": pool.Idle,
		"wait_count":       pool.WaitCount,
	}
}

// Health checks the database health
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Transaction executes a function within a database transaction
func (db *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		} else if err != nil {
			tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	err = fn(tx)
	return err
}

// Close closes the database connection
func (db *DB) Close() error {
	db.logger.Info(context.Background(), "Closing database connections")
	return db.DB.Close()
}
