// Package operator keeps the queue of problems that need a human: configuration
// errors, invariant violations and undeliverable notifications.
package operator

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-sla/internal/logging"
)

// Kind classifies an operator item.
type Kind string

const (
	KindConfiguration  Kind = "configuration"
	KindInvariant      Kind = "invariant"
	KindDeliveryFailed Kind = "delivery-failed"
	KindTransient      Kind = "transient"
)

// Item is one entry in the operator queue.
type Item struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	CaseID     string            `json:"case_id,omitempty"`
	Source     string            `json:"source"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// DefaultCapacity bounds the queue when no capacity is configured.
const DefaultCapacity = 500

// Queue is a bounded, in-memory operator queue. Once full, the oldest
// item is evicted.
type Queue struct {
	mu       sync.RWMutex
	items    []Item
	capacity int
	now      func() time.Time
	logger   *zap.Logger
}

// NewQueue returns a queue holding at most capacity items.
func NewQueue(capacity int, logger *zap.Logger) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		capacity: capacity,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logging.OrNop(logger),
	}
}

// Report appends an item and logs it. Nil queues ignore reports.
func (q *Queue) Report(kind Kind, caseID, source, message string, details map[string]string) Item {
	item := Item{
		ID:         uuid.NewString(),
		Kind:       kind,
		CaseID:     caseID,
		Source:     source,
		Message:    message,
		Details:    details,
		OccurredAt: time.Now().UTC(),
	}
	if q == nil {
		return item
	}
	item.OccurredAt = q.now()

	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	q.logger.Warn("operator attention required",
		zap.String("kind", string(kind)),
		zap.String("case_id", caseID),
		zap.String("source", source),
		zap.String("message", message))
	return item
}

// List returns items newest first, optionally filtered by kind.
func (q *Queue) List(kind Kind) []Item {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]Item, 0, len(q.items))
	for i := len(q.items) - 1; i >= 0; i-- {
		if kind != "" && q.items[i].Kind != kind {
			continue
		}
		out = append(out, q.items[i])
	}
	return out
}

// Acknowledge removes an item. It reports whether the item existed.
func (q *Queue) Acknowledge(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}
