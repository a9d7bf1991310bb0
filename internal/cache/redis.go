// Package cache holds the Redis-backed delivery seen-set shared by engine
// replicas.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-sla/internal/config"
	"github.com/gotrs-io/gotrs-sla/internal/logging"
)

const (
	valuePending   = "pending"
	valueDelivered = "delivered"
)

// RedisSeenSet implements dispatch.SeenSet with SET NX, so concurrent
// dispatchers in separate processes agree on who sends.
type RedisSeenSet struct {
	client    redis.UniversalClient
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisSeenSet wraps an existing client.
func NewRedisSeenSet(client redis.UniversalClient, keyPrefix string, logger *zap.Logger) *RedisSeenSet {
	if keyPrefix == "" {
		keyPrefix = "gotrs-sla:"
	}
	return &RedisSeenSet{client: client, keyPrefix: keyPrefix, logger: logging.OrNop(logger)}
}

// Dial connects to the configured Redis and verifies the connection.
func Dial(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisSeenSet, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisSeenSet(client, cfg.KeyPrefix, logger), nil
}

func (s *RedisSeenSet) key(k string) string {
	return s.keyPrefix + "seen:" + k
}

// Reserve claims key for ttl. It returns false when the key is already held.
func (s *RedisSeenSet) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(key), valuePending, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis reserve %s: %w", key, err)
	}
	return ok, nil
}

// MarkDelivered records a successful send for ttl.
func (s *RedisSeenSet) MarkDelivered(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), valueDelivered, ttl).Err(); err != nil {
		return fmt.Errorf("redis mark delivered %s: %w", key, err)
	}
	return nil
}

// Release drops a reservation after a failed send.
func (s *RedisSeenSet) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis release %s: %w", key, err)
	}
	return nil
}

// Delivered reports whether key was marked delivered.
func (s *RedisSeenSet) Delivered(ctx context.Context, key string) (bool, error) {
	v, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v == valueDelivered, nil
}

// Close closes the underlying client.
func (s *RedisSeenSet) Close() error {
	if err := s.client.Close(); err != nil {
		s.logger.Warn("failed to close redis client", zap.Error(err))
		return err
	}
	return nil
}
