package dispatch

import (
	"container/list"
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-sla/internal/logging"
	"github.com/gotrs-io/gotrs-sla/internal/monitoring"
)

// Queue is the bounded hand-off between the evaluation tick and delivery
// workers. Push never blocks. At capacity the oldest non-critical message is
// dropped; critical messages are never dropped, so a queue full of critical
// messages grows past capacity.
type Queue struct {
	mu       sync.Mutex
	items    *list.List
	capacity int
	ready    chan struct{}
	closed   bool

	metrics *monitoring.Metrics
	logger  *zap.Logger
}

// NewQueue returns a queue of the given capacity.
func NewQueue(capacity int, metrics *monitoring.Metrics, logger *zap.Logger) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{
		items:    list.New(),
		capacity: capacity,
		ready:    make(chan struct{}, 1),
		metrics:  metrics,
		logger:   logging.OrNop(logger),
	}
}

// Push enqueues m. It returns false when m itself was dropped.
func (q *Queue) Push(m Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	if q.items.Len() >= q.capacity {
		victim := q.oldestNonCritical()
		switch {
		case victim != nil:
			dropped := q.items.Remove(victim).(Message)
			q.metrics.QueueDropped()
			q.logger.Warn("dispatch queue full, dropped oldest non-critical message",
				zap.String("case_id", dropped.CaseID),
				zap.String("rule_id", dropped.RuleID),
				zap.Int("level", dropped.Level))
		case m.Critical():
			q.logger.Warn("dispatch queue full of critical messages, over capacity",
				zap.Int("capacity", q.capacity),
				zap.Int("length", q.items.Len()+1),
				zap.String("case_id", m.CaseID))
		default:
			q.metrics.QueueDropped()
			q.logger.Warn("dispatch queue full of critical messages, dropped incoming",
				zap.String("case_id", m.CaseID),
				zap.String("rule_id", m.RuleID))
			return false
		}
	}

	q.items.PushBack(m)
	q.metrics.SetQueueDepth(q.items.Len())
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

func (q *Queue) oldestNonCritical() *list.Element {
	for e := q.items.Front(); e != nil; e = e.Next() {
		if m := e.Value.(Message); !m.Critical() {
			return e
		}
	}
	return nil
}

// Pop blocks until a message is available, the queue is closed and drained,
// or ctx ends.
func (q *Queue) Pop(ctx context.Context) (Message, bool) {
	for {
		q.mu.Lock()
		if front := q.items.Front(); front != nil {
			m := q.items.Remove(front).(Message)
			n := q.items.Len()
			q.metrics.SetQueueDepth(n)
			if n > 0 && !q.closed {
				select {
				case q.ready <- struct{}{}:
				default:
				}
			}
			q.mu.Unlock()
			return m, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Message{}, false
		}

		select {
		case <-ctx.Done():
			return Message{}, false
		case <-q.ready:
		}
	}
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close stops accepting messages and wakes waiting consumers.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ready)
}
