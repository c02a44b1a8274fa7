package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig holds connection settings for the Redis-backed cache
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout time.Duration
	ScanCount   int64
}

// DefaultRedisConfig returns sensible defaults
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:        "localhost:6379",
		DialTimeout: 5 * time.Second,
		ScanCount:   100,
	}
}

// Redis is the shared external cache used when multiple loaders run
// against the same pack store.
type Redis struct {
	client *redis.Client
	logger *zap.Logger
	config RedisConfig
}

// NewRedis creates a Redis-backed cache. The connection is verified eagerly
// so a misconfigured address fails at composition time, not first use.
func NewRedis(ctx context.Context, config RedisConfig, logger *zap.Logger) (*Redis, error) {
	if config.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if config.ScanCount <= 0 {
		config.ScanCount = 100
	}

	client := redis.NewClient(&redis.Options{
		Addr:        config.Addr,
		Password:    config.Password,
		DB:          config.DB,
		DialTimeout: config.DialTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Addr, err)
	}

	logger.Info("Connected to redis cache", zap.String("addr", config.Addr))

	return &Redis{client: client, logger: logger, config: config}, nil
}

// Get implements Cache
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, true, nil
}

// Set implements Cache
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// DeletePattern implements Cache using SCAN to avoid blocking the server
// on large keyspaces.
func (r *Redis) DeletePattern(ctx context.Context, pattern string) error {
	iter := r.client.Scan(ctx, 0, pattern, r.config.ScanCount).Iterator()

	keys := make([]string, 0, 16)
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan %s: %w", pattern, err)
	}
	if len(keys) == 0 {
		return nil
	}

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}

	r.logger.Debug("Cache entries invalidated",
		zap.String("pattern", pattern),
		zap.Int("removed", len(keys)))
	return nil
}

// Close releases the underlying connection pool
func (r *Redis) Close() error {
	return r.client.Close()
}
