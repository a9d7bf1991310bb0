package operator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue(t *testing.T) {
	q := NewQueue(2, nil)

	first := q.Report(KindConfiguration, "c1", "target", "tier vip has no target for low", nil)
	q.Report(KindDeliveryFailed, "c2", "dispatch", "sms failed after 3 attempts", map[string]string{"channel": "sms"})
	assert.Equal(t, 2, q.Len())

	items := q.List("")
	require.Len(t, items, 2)
	assert.Equal(t, "c2", items[0].CaseID, "newest first")
	assert.NotEmpty(t, items[0].ID)

	failed := q.List(KindDeliveryFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "sms", failed[0].Details["channel"])

	q.Report(KindInvariant, "c3", "tracker", "duplicate breach", nil)
	assert.Equal(t, 2, q.Len(), "oldest evicted at capacity")
	assert.False(t, q.Acknowledge(first.ID))

	items = q.List("")
	assert.True(t, q.Acknowledge(items[0].ID))
	assert.Equal(t, 1, q.Len())
}

func TestNilQueueIgnoresReports(t *testing.T) {
	var q *Queue
	item := q.Report(KindTransient, "", "engine", "ignored", nil)
	assert.Equal(t, KindTransient, item.Kind)
}
