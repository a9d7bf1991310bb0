package calendar

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/gotrs-sla/internal/slaerrors"
)

// 2025-01-06 is a Monday.
func at(day, hour, min int) time.Time {
	return time.Date(2025, 1, day, hour, min, 0, 0, time.UTC)
}

func TestAddBusinessTime(t *testing.T) {
	svc := NewService(time.UTC, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		start   time.Time
		minutes int
		want    time.Time
	}{
		{"full day from open ends at close", at(6, 9, 0), 480, at(6, 17, 0)},
		{"full day from close ends at next close", at(6, 17, 0), 480, at(7, 17, 0)},
		{"friday close rolls over weekend", at(10, 17, 0), 480, at(13, 17, 0)},
		{"before open starts at open", at(6, 7, 30), 30, at(6, 9, 30)},
		{"crosses into next day", at(6, 16, 30), 60, at(7, 9, 30)},
		{"weekend start", at(11, 12, 0), 15, at(13, 9, 15)},
		{"zero minutes", at(6, 12, 0), 0, at(6, 12, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.AddBusinessMinutes(ctx, "", tt.start, tt.minutes, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHolidaysAndExclusions(t *testing.T) {
	svc := NewService(time.UTC, nil)
	require.NoError(t, svc.Load(strings.NewReader(`
calendars:
  - name: support
    timezone: UTC
    working_hours:
      Mon: [8,9,10,11,12,13,14,15,16]
      Tue: [8,9,10,11,12,13,14,15,16]
      Wed: [8,9,10,11,12,13,14,15,16]
      Thu: [8,9,10,11,12,13,14,15,16]
      Fri: [8,9,10,11,12,13,14,15,16]
      Sat: []
      Sun: []
    vacation_days:
      12:
        25: Christmas
    vacation_days_one_time:
      2025:
        1:
          7: Company Day
`)))
	ctx := context.Background()

	t.Run("one-time vacation day is skipped", func(t *testing.T) {
		got, err := svc.AddBusinessMinutes(ctx, "support", at(6, 16, 0), 120, nil)
		require.NoError(t, err)
		assert.Equal(t, at(8, 9, 0), got)
	})

	t.Run("recurring holiday is not business time", func(t *testing.T) {
		c := svc.Calendar("support")
		assert.False(t, c.IsWorkday(time.Date(2025, 12, 25, 10, 0, 0, 0, time.UTC)))
		assert.True(t, c.IsWorkday(time.Date(2025, 12, 24, 10, 0, 0, 0, time.UTC)))
	})

	t.Run("excluded hours do not consume budget", func(t *testing.T) {
		lunch := ExcluderFunc(func(t time.Time) (bool, error) { return t.Hour() == 12, nil })
		got, err := svc.AddBusinessMinutes(ctx, "support", at(6, 11, 30), 60, lunch)
		require.NoError(t, err)
		assert.Equal(t, at(6, 13, 30), got)
	})

	t.Run("overlapping exclusions are a union", func(t *testing.T) {
		a := ExcluderFunc(func(t time.Time) (bool, error) { return t.Hour() >= 10 && t.Hour() < 12, nil })
		b := ExcluderFunc(func(t time.Time) (bool, error) { return t.Hour() >= 11 && t.Hour() < 13, nil })
		union := ExcluderFunc(func(t time.Time) (bool, error) {
			x, _ := a.Excluded(t)
			y, _ := b.Excluded(t)
			return x || y, nil
		})
		got, err := svc.BusinessMinutesBetween(ctx, "support", at(6, 8, 0), at(6, 17, 0), union)
		require.NoError(t, err)
		assert.InDelta(t, 6*60, got, 0.001)
	})

	t.Run("unknown calendar falls back to default", func(t *testing.T) {
		assert.Equal(t, "", svc.Calendar("missing").Name)
		assert.True(t, svc.Has("support"))
	})
}

func TestBusinessMinutesBetween(t *testing.T) {
	svc := NewService(time.UTC, nil)
	ctx := context.Background()

	got, err := svc.BusinessMinutesBetween(ctx, "", at(6, 16, 0), at(7, 10, 0), nil)
	require.NoError(t, err)
	assert.InDelta(t, 120, got, 0.001)

	got, err = svc.BusinessMinutesBetween(ctx, "", at(7, 10, 0), at(6, 16, 0), nil)
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestIsBusinessTime(t *testing.T) {
	svc := NewService(time.UTC, nil)
	ok, err := svc.IsBusinessTime("", at(6, 9, 0), nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = svc.IsBusinessTime("", at(6, 17, 0), nil)
	assert.False(t, ok, "close is exclusive")

	ok, _ = svc.IsBusinessTime("", at(11, 10, 0), nil)
	assert.False(t, ok, "saturday")
}

func TestNoBusinessTime(t *testing.T) {
	svc := NewService(time.UTC, nil)
	always := ExcluderFunc(func(time.Time) (bool, error) { return true, nil })
	_, err := svc.AddBusinessMinutes(context.Background(), "", at(6, 9, 0), 1, always)
	require.Error(t, err)
	assert.True(t, slaerrors.IsConfiguration(err))
	assert.ErrorIs(t, err, slaerrors.ErrNoBusinessTime)
}

func TestCancelledContext(t *testing.T) {
	svc := NewService(time.UTC, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.AddBusinessMinutes(ctx, "", at(6, 9, 0), 60, nil)
	require.Error(t, err)
	assert.True(t, slaerrors.IsTransient(err))
}

func TestInvalidDefinition(t *testing.T) {
	svc := NewService(time.UTC, nil)
	err := svc.Register(Definition{Name: "bad", WorkingHours: map[string][]int{"Funday": {9}}})
	require.Error(t, err)
	assert.True(t, slaerrors.IsConfiguration(err))

	err = svc.Register(Definition{Name: "tz", Timezone: "Mars/Olympus"})
	assert.Error(t, err)
}
