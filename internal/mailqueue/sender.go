package mailqueue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-sla/internal/logging"
	"github.com/gotrs-io/gotrs-sla/internal/retry"
)

// Transport hands a raw RFC 5322 message to a mail relay.
type Transport interface {
	Send(ctx context.Context, from string, to []string, raw []byte) error
}

// FailureReporter is told about items that used up their attempts.
type FailureReporter func(item *MailQueueItem, err error)

// Sender drains due items from a Store through a Transport. Failed items are
// rescheduled with exponential backoff until MaxAttempts is reached.
type Sender struct {
	store       Store
	transport   Transport
	maxAttempts int
	batchSize   int
	backoff     retry.Policy
	now         func() time.Time
	onFailure   FailureReporter
	logger      *zap.Logger
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithSenderLogger sets the logger.
func WithSenderLogger(l *zap.Logger) SenderOption {
	return func(s *Sender) { s.logger = logging.OrNop(l) }
}

// WithBackoff sets the reschedule policy.
func WithBackoff(p retry.Policy) SenderOption {
	return func(s *Sender) { s.backoff = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) SenderOption {
	return func(s *Sender) { s.now = now }
}

// WithFailureReporter registers a callback for permanently failed items.
func WithFailureReporter(f FailureReporter) SenderOption {
	return func(s *Sender) { s.onFailure = f }
}

// NewSender returns a Sender. maxAttempts and batchSize default to 5 and 50.
func NewSender(store Store, transport Transport, maxAttempts, batchSize int, opts ...SenderOption) *Sender {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	s := &Sender{
		store:       store,
		transport:   transport,
		maxAttempts: maxAttempts,
		batchSize:   batchSize,
		backoff:     retry.Policy{Initial: time.Minute, Max: time.Hour, Multiplier: 2},
		now:         func() time.Time { return time.Now().UTC() },
		logger:      zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Flush sends one batch of due items and returns how many were sent.
func (s *Sender) Flush(ctx context.Context) (int, error) {
	now := s.now()
	items, err := s.store.GetPending(ctx, now, s.maxAttempts, s.batchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		from := ""
		if item.Sender != nil {
			from = *item.Sender
		}
		sendErr := s.transport.Send(ctx, from, []string{item.Recipient}, item.RawMessage)
		if sendErr == nil {
			if err := s.store.Delete(ctx, item.ID); err != nil {
				return sent, fmt.Errorf("remove sent mail %d: %w", item.ID, err)
			}
			sent++
			continue
		}

		attempt := item.Attempts + 1
		var next *time.Time
		if attempt < s.maxAttempts {
			due := now.Add(s.backoff.Backoff(attempt))
			next = &due
		}
		if err := s.store.UpdateAttempts(ctx, item.ID, sendErr.Error(), next); err != nil {
			return sent, fmt.Errorf("reschedule mail %d: %w", item.ID, err)
		}
		if next == nil {
			s.logger.Error("mail delivery abandoned",
				zap.Int64("id", item.ID), zap.String("recipient", item.Recipient),
				zap.Int("attempts", attempt), zap.Error(sendErr))
			if s.onFailure != nil {
				s.onFailure(item, sendErr)
			}
			continue
		}
		s.logger.Warn("mail delivery failed, rescheduled",
			zap.Int64("id", item.ID), zap.Int("attempt", attempt), zap.Time("due", *next), zap.Error(sendErr))
	}
	return sent, nil
}
