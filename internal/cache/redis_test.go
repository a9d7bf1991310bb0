package cache

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/gotrs-sla/internal/config"
	"github.com/gotrs-io/gotrs-sla/internal/services/dispatch"
)

var _ dispatch.SeenSet = (*RedisSeenSet)(nil)

func redisForTest(t *testing.T) *RedisSeenSet {
	t.Helper()
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		host = "localhost"
	}
	port := 6379
	if p, err := strconv.Atoi(os.Getenv("REDIS_PORT")); err == nil {
		port = p
	}

	s, err := Dial(context.Background(), config.RedisConfig{
		Host:      host,
		Port:      port,
		KeyPrefix: "gotrs-sla-test:" + uuid.NewString() + ":",
	}, nil)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRedisSeenSet(t *testing.T) {
	s := redisForTest(t)
	ctx := context.Background()

	ok, err := s.Reserve(ctx, "case-1|rule-1|1|email", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Reserve(ctx, "case-1|rule-1|1|email", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second reservation refused")

	require.NoError(t, s.Release(ctx, "case-1|rule-1|1|email"))
	ok, err = s.Reserve(ctx, "case-1|rule-1|1|email", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.MarkDelivered(ctx, "case-1|rule-1|1|email", time.Minute))
	delivered, err := s.Delivered(ctx, "case-1|rule-1|1|email")
	require.NoError(t, err)
	assert.True(t, delivered)

	delivered, err = s.Delivered(ctx, "case-1|rule-1|1|sms")
	require.NoError(t, err)
	assert.False(t, delivered)
}

func TestRedisSeenSetExpiry(t *testing.T) {
	s := redisForTest(t)
	ctx := context.Background()

	ok, err := s.Reserve(ctx, "short", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		ok, err := s.Reserve(ctx, "short", time.Minute)
		return err == nil && ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDialFailure(t *testing.T) {
	_, err := Dial(context.Background(), config.RedisConfig{Host: "127.0.0.1", Port: 1}, nil)
	assert.Error(t, err)
}
