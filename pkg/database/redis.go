package database

import (
	"context"
	"fmt"
	"time"

	"github.com/outcome-exchange/internal/config"
	"github.com/outcome-exchange/pkg/observability"
	"github.com/redis/go-redis/v9"
)

// RedisClient wraps redis.Client with connection management helpers
type RedisClient struct {
	*redis.Client
	logger *observability.Logger
}

// NewRedisClient creates a new Redis client
func NewRedisClient(cfg config.RedisConfig, logger *observability.Logger) (*RedisClient, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if cfg.Password != "" {
		opt.Password = cfg.Password
	}
	opt.DB = cfg.DB
	opt.PoolSize = cfg.PoolSize
	opt.MinIdleConns = cfg.MinIdleConns
	opt.PoolTimeout = cfg.PoolTimeout
	opt.MaxRetries = cfg.MaxRetries
	opt.MinRetryBackoff = cfg.MinRetryBackoff
	opt.MaxRetryBackoff = cfg.MaxRetryBackoff

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	logger.Info(ctx, "Redis client initialized", map[string]interface{}{
		"pool_size":      opt.PoolSize,
		"min_idle_conns": opt.MinIdleConns,
	})

	return &RedisClient{Client: client, logger: logger}, nil
}

// SetWithExpiry sets a key-value pair with expiration
func (r *RedisClient) SetWithExpiry(ctx context.Context, key string, value interface{}, expiry time.Duration) error {
	return r.Set(ctx, key, value, expiry).Err()
}

// GetString gets a string value by key; redis.Nil maps to a not-found error
func (r *RedisClient) GetString(ctx context.Context, key string) (string, error) {
	result := r.Get(ctx, key)
	if err := result.Err(); err != nil {
		if err == redis.Nil {
			return "", fmt.Errorf("key not found: %s", key)
		}
		return "", err
	}
	return result.Val(), nil
}

// DeleteKeys deletes multiple keys
func (r *RedisClient) DeleteKeys(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.Del(ctx, keys...).Err()
}

// Exists checks whether a key exists
func (r *RedisClient) Exists(ctx context.Context, key string) (bool, error) {
	result := r.Client.Exists(ctx, key)
	if err := result.Err(); err != nil {
		return false, err
	}
	return result.Val() > 0, nil
}

// Health checks the Redis health
func (r *RedisClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := r.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	r.logger.Info(context.Background(), "Closing Redis connection")
	return r.Client.Close()
}
