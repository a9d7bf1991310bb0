// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/gotrs-io/gotrs-sla/internal/slaerrors"
)

// Policy bounds the number of attempts and the wait between them.
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
}

// DefaultPolicy is three attempts starting at 500ms.
var DefaultPolicy = Policy{MaxAttempts: 3, Initial: 500 * time.Millisecond, Max: 10 * time.Second, Multiplier: 2}

// Backoff returns the wait before the given retry (attempt starts at 1).
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.Initial
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * mult)
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	return d
}

// Do calls fn until it succeeds, returns a non-retryable error, the context
// ends, or MaxAttempts is reached. Configuration errors and invariant
// violations are never retried. It returns the number of attempts made.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) (int, error) {
	max := p.MaxAttempts
	if max <= 0 {
		max = 1
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if slaerrors.IsConfiguration(err) || slaerrors.IsInvariant(err) {
			return attempt, err
		}
		if attempt >= max {
			return attempt, fmt.Errorf("failed after %d attempts: %w", attempt, err)
		}

		wait := p.Backoff(attempt)
		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}
		select {
		case <-ctx.Done():
			return attempt, slaerrors.Transient("retry", fmt.Errorf("%w (last error: %v)", ctx.Err(), err))
		case <-timer.C:
		}
	}
}
