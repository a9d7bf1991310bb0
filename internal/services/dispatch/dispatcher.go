package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gotrs-io/gotrs-sla/internal/config"
	"github.com/gotrs-io/gotrs-sla/internal/logging"
	"github.com/gotrs-io/gotrs-sla/internal/models"
	"github.com/gotrs-io/gotrs-sla/internal/monitoring"
	"github.com/gotrs-io/gotrs-sla/internal/operator"
	"github.com/gotrs-io/gotrs-sla/internal/retry"
	"github.com/gotrs-io/gotrs-sla/internal/slaerrors"
)

// ErrNoAdapter is returned for a channel nobody registered.
var ErrNoAdapter = errors.New("no adapter registered for channel")

type route struct {
	adapter ChannelAdapter
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// Dispatcher delivers messages to channel adapters. Each (case, rule, level,
// channel) is delivered at most once per dedup TTL.
type Dispatcher struct {
	mu       sync.RWMutex
	channels map[string]*route

	seen     SeenSet
	queue    *Queue
	cfg      config.DispatchConfig
	policy   retry.Policy
	operator *operator.Queue
	metrics  *monitoring.Metrics
	logger   *zap.Logger

	wg sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithOperatorQueue routes delivery failures to the operator queue.
func WithOperatorQueue(q *operator.Queue) Option {
	return func(d *Dispatcher) { d.operator = q }
}

// WithMetrics records delivery outcomes.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = logging.OrNop(l) }
}

// WithRetryPolicy overrides the policy derived from the config.
func WithRetryPolicy(p retry.Policy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// NewDispatcher returns a dispatcher using seen for de-duplication.
func NewDispatcher(cfg config.DispatchConfig, seen SeenSet, opts ...Option) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 24 * time.Hour
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerOpenFor <= 0 {
		cfg.BreakerOpenFor = 30 * time.Second
	}

	d := &Dispatcher{
		channels: make(map[string]*route),
		seen:     seen,
		cfg:      cfg,
		policy: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Initial:     cfg.Retry.InitialBackoff,
			Max:         cfg.Retry.MaxBackoff,
			Multiplier:  2,
		},
		logger: zap.NewNop(),
	}
	if d.policy.MaxAttempts <= 0 {
		d.policy = retry.DefaultPolicy
	}
	for _, opt := range opts {
		opt(d)
	}
	d.queue = NewQueue(cfg.QueueSize, d.metrics, d.logger)
	return d
}

// Register adds or replaces the adapter for its channel.
func (d *Dispatcher) Register(a ChannelAdapter) {
	name := string(a.Channel())
	limit := rate.Inf
	if d.cfg.RatePerSecond > 0 {
		limit = rate.Limit(d.cfg.RatePerSecond)
	}
	burst := d.cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	failures := d.cfg.BreakerFailures

	ch := &route{
		adapter: a,
		limiter: rate.NewLimiter(limit, burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     d.cfg.BreakerOpenFor,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				d.logger.Info("channel breaker state changed",
					zap.String("channel", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
	}

	d.mu.Lock()
	d.channels[name] = ch
	d.mu.Unlock()
}

func (d *Dispatcher) lookup(name string) *route {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.channels[name]
}

// Enqueue hands m to the worker pool. It reports whether m was accepted.
func (d *Dispatcher) Enqueue(m Message) bool {
	return d.queue.Push(m)
}

// QueueLen returns the number of messages waiting for a worker.
func (d *Dispatcher) QueueLen() int {
	return d.queue.Len()
}

// Run starts the workers and blocks until ctx ends or Close drains the queue.
func (d *Dispatcher) Run(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	d.wg.Wait()
}

// Close stops accepting messages. Workers exit once the queue is drained.
func (d *Dispatcher) Close() {
	d.queue.Close()
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		m, ok := d.queue.Pop(ctx)
		if !ok {
			return
		}
		d.Dispatch(ctx, m)
	}
}

// Dispatch delivers m on each of its channels and returns one result per
// channel.
func (d *Dispatcher) Dispatch(ctx context.Context, m Message) []DeliveryResult {
	results := make([]DeliveryResult, 0, len(m.Methods))
	for _, method := range m.Methods.Dedup() {
		results = append(results, d.deliver(ctx, m, string(method)))
	}
	return results
}

func (d *Dispatcher) deliver(ctx context.Context, m Message, name string) DeliveryResult {
	key := m.DedupKey(models.NotificationMethod(name))
	res := DeliveryResult{Channel: models.NotificationMethod(name), Key: key}

	ch := d.lookup(name)
	if ch == nil {
		return d.fail(m, res, fmt.Errorf("%w: %s", ErrNoAdapter, name))
	}

	ok, err := d.seen.Reserve(ctx, key, d.cfg.DedupTTL)
	if err != nil {
		// An unknown delivery state must not turn into a second notification.
		return d.fail(m, res, slaerrors.Transient("dedup reserve", err))
	}
	if !ok {
		res.Status = StatusDuplicate
		d.metrics.Delivery(name, StatusDuplicate)
		d.logger.Debug("notification already delivered",
			zap.String("key", key))
		return res
	}

	n := Notification{
		Key:            key,
		CaseID:         m.CaseID,
		Severity:       m.Severity,
		RecipientClass: m.Recipient,
		Channel:        models.NotificationMethod(name),
		Subject:        m.Subject,
		BodyTemplateID: m.TemplateID,
		Variables:      m.Variables,
	}

	attempts, err := retry.Do(ctx, d.policy, func(ctx context.Context, attempt int) error {
		if err := ch.limiter.Wait(ctx); err != nil {
			return slaerrors.Transient("rate limit", err)
		}
		_, err := ch.breaker.Execute(func() (interface{}, error) {
			sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
			defer cancel()
			return nil, ch.adapter.Send(sendCtx, n)
		})
		if err != nil {
			d.logger.Debug("send attempt failed",
				zap.String("key", key),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		return err
	})
	res.Attempts = attempts

	if err != nil {
		if rerr := d.seen.Release(context.WithoutCancel(ctx), key); rerr != nil {
			d.logger.Warn("failed to release dedup key", zap.String("key", key), zap.Error(rerr))
		}
		return d.fail(m, res, err)
	}

	if err := d.seen.MarkDelivered(context.WithoutCancel(ctx), key, d.cfg.DedupTTL); err != nil {
		d.logger.Warn("failed to mark notification delivered", zap.String("key", key), zap.Error(err))
	}
	res.Status = StatusDelivered
	d.metrics.Delivery(name, StatusDelivered)
	d.logger.Info("notification delivered",
		zap.String("case_id", m.CaseID),
		zap.String("rule_id", m.RuleID),
		zap.Int("level", m.Level),
		zap.String("channel", name),
		zap.Int("attempts", attempts))
	return res
}

func (d *Dispatcher) fail(m Message, res DeliveryResult, err error) DeliveryResult {
	res.Status = StatusDeliveryFailed
	res.Error = err.Error()
	d.metrics.Delivery(string(res.Channel), StatusDeliveryFailed)
	d.logger.Error("notification delivery failed",
		zap.String("case_id", m.CaseID),
		zap.String("rule_id", m.RuleID),
		zap.String("channel", string(res.Channel)),
		zap.Int("attempts", res.Attempts),
		zap.Error(err))
	d.operator.Report(operator.KindDeliveryFailed, m.CaseID, "dispatch", err.Error(), map[string]string{
		"channel":  string(res.Channel),
		"rule_id":  m.RuleID,
		"level":    strconv.Itoa(m.Level),
		"attempts": strconv.Itoa(res.Attempts),
	})
	return res
}
