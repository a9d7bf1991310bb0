package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/gotrs-sla/internal/slaerrors"
)

var fast = Policy{MaxAttempts: 3, Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}

func TestDoStopsAtMaxAttempts(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), fast, func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("gateway down")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
}

func TestDoRecovers(t *testing.T) {
	attempts, err := Do(context.Background(), fast, func(ctx context.Context, attempt int) error {
		if attempt < 2 {
			return slaerrors.Transient("send", context.DeadlineExceeded)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestDoDoesNotRetryConfigurationErrors(t *testing.T) {
	attempts, err := Do(context.Background(), fast, func(ctx context.Context, attempt int) error {
		return slaerrors.Configuration("target", slaerrors.ErrMissingTarget)
	})
	assert.Equal(t, 1, attempts)
	assert.True(t, slaerrors.IsConfiguration(err))
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	slow := Policy{MaxAttempts: 5, Initial: time.Hour}
	go cancel()
	_, err := Do(ctx, slow, func(ctx context.Context, attempt int) error {
		return errors.New("fail")
	})
	require.Error(t, err)
	assert.True(t, slaerrors.IsTransient(err))
}

func TestBackoff(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: 300 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 300*time.Millisecond, p.Backoff(3))
}
