package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/gotrs-sla/internal/clock"
	"github.com/gotrs-io/gotrs-sla/internal/models"
)

func msg(caseID string, sev models.Severity) Message {
	return Message{CaseID: caseID, RuleID: "r", Level: 1, Severity: sev}
}

func drain(t *testing.T, q *Queue) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var out []string
	for q.Len() > 0 {
		m, ok := q.Pop(ctx)
		require.True(t, ok)
		out = append(out, m.CaseID)
	}
	return out
}

func TestQueueDropsOldestNonCritical(t *testing.T) {
	q := NewQueue(3, nil, nil)
	require.True(t, q.Push(msg("a", models.SeverityCritical)))
	require.True(t, q.Push(msg("b", models.SeverityMinor)))
	require.True(t, q.Push(msg("c", "")))

	require.True(t, q.Push(msg("d", models.SeverityMajor)))
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, []string{"a", "c", "d"}, drain(t, q))
}

func TestQueueNeverDropsCritical(t *testing.T) {
	q := NewQueue(2, nil, nil)
	require.True(t, q.Push(msg("a", models.SeverityCritical)))
	require.True(t, q.Push(msg("b", models.SeverityCritical)))

	assert.False(t, q.Push(msg("c", models.SeverityMinor)), "non-critical rejected when full of critical")
	assert.True(t, q.Push(msg("d", models.SeverityCritical)), "critical admitted over capacity")
	assert.Equal(t, []string{"a", "b", "d"}, drain(t, q))
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := NewQueue(4, nil, nil)
	got := make(chan string, 1)
	go func() {
		m, ok := q.Pop(context.Background())
		if ok {
			got <- m.CaseID
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push(msg("late", ""))
	select {
	case id := <-got:
		assert.Equal(t, "late", id)
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake up")
	}
}

func TestQueuePopHonoursContextAndClose(t *testing.T) {
	q := NewQueue(4, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := q.Pop(ctx)
	assert.False(t, ok)

	q.Push(msg("x", ""))
	q.Close()
	m, ok := q.Pop(context.Background())
	require.True(t, ok, "closed queue still drains")
	assert.Equal(t, "x", m.CaseID)
	_, ok = q.Pop(context.Background())
	assert.False(t, ok)
	assert.False(t, q.Push(msg("y", "")))
}

func TestMemorySeenSet(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySeenSet(nil)

	ok, err := s.Reserve(ctx, "k", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = s.Reserve(ctx, "k", time.Hour)
	assert.False(t, ok, "reserved key held")

	require.NoError(t, s.Release(ctx, "k"))
	ok, _ = s.Reserve(ctx, "k", time.Hour)
	assert.True(t, ok)

	require.NoError(t, s.MarkDelivered(ctx, "k", time.Hour))
	assert.True(t, s.Delivered("k"))
	ok, _ = s.Reserve(ctx, "k", time.Hour)
	assert.False(t, ok)
}

func TestMemorySeenSetExpires(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := NewMemorySeenSet(fake)

	require.NoError(t, s.MarkDelivered(ctx, "k", time.Hour))
	fake.Advance(59 * time.Minute)
	assert.True(t, s.Delivered("k"))

	fake.Advance(2 * time.Minute)
	assert.False(t, s.Delivered("k"))
	ok, err := s.Reserve(ctx, "k", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}
