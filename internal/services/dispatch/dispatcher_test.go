package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/gotrs-sla/internal/config"
	"github.com/gotrs-io/gotrs-sla/internal/models"
	"github.com/gotrs-io/gotrs-sla/internal/operator"
	"github.com/gotrs-io/gotrs-sla/internal/retry"
)

type fakeAdapter struct {
	mu       sync.Mutex
	channel  models.NotificationMethod
	failures int
	sent     []Notification
	calls    int
}

func (f *fakeAdapter) Channel() models.NotificationMethod { return f.channel }

func (f *fakeAdapter) Send(_ context.Context, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		return errors.New("gateway unavailable")
	}
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeAdapter) count() (calls, sent int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, len(f.sent)
}

type brokenSeen struct{}

func (brokenSeen) Reserve(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis: connection refused")
}
func (brokenSeen) MarkDelivered(context.Context, string, time.Duration) error { return nil }
func (brokenSeen) Release(context.Context, string) error                      { return nil }

var fastRetry = retry.Policy{MaxAttempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2}

func newTestDispatcher(seen SeenSet, ops *operator.Queue, adapters ...ChannelAdapter) *Dispatcher {
	d := NewDispatcher(config.DispatchConfig{QueueSize: 8, Workers: 2, DedupTTL: time.Hour},
		seen, WithRetryPolicy(fastRetry), WithOperatorQueue(ops))
	for _, a := range adapters {
		d.Register(a)
	}
	return d
}

func escalationMessage() Message {
	return FromEscalation(models.EscalationEvent{
		ID:                  "ev-1",
		CaseID:              "case-1",
		RuleID:              "rule-1",
		TierID:              "gold",
		Level:               1,
		EscalateTo:          "team-lead",
		NotificationMethods: models.MethodList{models.MethodEmail, models.MethodSMS, models.MethodEmail},
		TriggerType:         models.TriggerTimeBased,
		Priority:            models.PriorityHigh,
		FiredAt:             time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC),
	})
}

func TestDispatchDeliversOncePerChannel(t *testing.T) {
	email := &fakeAdapter{channel: models.MethodEmail}
	sms := &fakeAdapter{channel: models.MethodSMS}
	seen := NewMemorySeenSet(nil)
	d := newTestDispatcher(seen, operator.NewQueue(10, nil), email, sms)

	msg := escalationMessage()
	results := d.Dispatch(context.Background(), msg)
	require.Len(t, results, 2, "duplicate methods collapse")
	for _, r := range results {
		assert.Equal(t, StatusDelivered, r.Status)
		assert.Equal(t, 1, r.Attempts)
		assert.True(t, seen.Delivered(r.Key))
	}

	_, sent := email.count()
	require.Equal(t, 1, sent)
	assert.Equal(t, "team-lead", email.sent[0].RecipientClass)
	assert.Equal(t, TemplateEscalation, email.sent[0].BodyTemplateID)

	again := d.Dispatch(context.Background(), msg)
	for _, r := range again {
		assert.Equal(t, StatusDuplicate, r.Status)
	}
	_, sent = email.count()
	assert.Equal(t, 1, sent, "redelivery suppressed")
}

func TestDispatchRetriesThenReportsFailure(t *testing.T) {
	sms := &fakeAdapter{channel: models.MethodSMS, failures: -1}
	ops := operator.NewQueue(10, nil)
	seen := NewMemorySeenSet(nil)
	d := newTestDispatcher(seen, ops, sms)

	msg := escalationMessage()
	msg.Methods = models.MethodList{models.MethodSMS}
	results := d.Dispatch(context.Background(), msg)

	require.Len(t, results, 1)
	assert.Equal(t, StatusDeliveryFailed, results[0].Status)
	assert.Equal(t, 3, results[0].Attempts)
	assert.Contains(t, results[0].Error, "failed after 3 attempts")

	calls, _ := sms.count()
	assert.Equal(t, 3, calls)
	assert.False(t, seen.Delivered(results[0].Key))

	items := ops.List(operator.KindDeliveryFailed)
	require.Len(t, items, 1)
	assert.Equal(t, "case-1", items[0].CaseID)
	assert.Equal(t, "sms", items[0].Details["channel"])
	assert.Equal(t, "3", items[0].Details["attempts"])

	// The key was released, so a later attempt may deliver.
	sms.mu.Lock()
	sms.failures = 0
	sms.mu.Unlock()
	results = d.Dispatch(context.Background(), msg)
	assert.Equal(t, StatusDelivered, results[0].Status)
}

func TestDispatchRecoversWithinRetryBudget(t *testing.T) {
	email := &fakeAdapter{channel: models.MethodEmail, failures: 2}
	d := newTestDispatcher(NewMemorySeenSet(nil), nil, email)

	msg := escalationMessage()
	msg.Methods = models.MethodList{models.MethodEmail}
	results := d.Dispatch(context.Background(), msg)
	assert.Equal(t, StatusDelivered, results[0].Status)
	assert.Equal(t, 3, results[0].Attempts)
}

func TestDispatchMissingAdapter(t *testing.T) {
	ops := operator.NewQueue(10, nil)
	d := newTestDispatcher(NewMemorySeenSet(nil), ops)

	msg := escalationMessage()
	msg.Methods = models.MethodList{models.MethodInApp}
	results := d.Dispatch(context.Background(), msg)
	assert.Equal(t, StatusDeliveryFailed, results[0].Status)
	assert.Contains(t, results[0].Error, ErrNoAdapter.Error())
	assert.Equal(t, 1, ops.Len())
}

func TestDispatchFailsClosedWhenSeenSetErrors(t *testing.T) {
	email := &fakeAdapter{channel: models.MethodEmail}
	d := newTestDispatcher(brokenSeen{}, operator.NewQueue(10, nil), email)

	msg := escalationMessage()
	msg.Methods = models.MethodList{models.MethodEmail}
	results := d.Dispatch(context.Background(), msg)
	assert.Equal(t, StatusDeliveryFailed, results[0].Status)
	calls, _ := email.count()
	assert.Zero(t, calls)
}

func TestBreachMessagesDedupPerMilestone(t *testing.T) {
	b := models.SLABreach{
		ID:         "b-1",
		CaseID:     "case-9",
		BreachType: models.BreachMilestone,
		Milestone:  "triage",
		Severity:   models.SeverityCritical,
	}
	m := FromBreach(b, "duty-manager", models.MethodList{models.MethodInApp})
	assert.Equal(t, "breach:milestone:triage", m.RuleID)
	assert.Equal(t, 0, m.Level)
	assert.True(t, m.Critical())
	assert.Equal(t, "case-9|breach:milestone:triage|0|in-app", m.DedupKey(models.MethodInApp))

	b.BreachType = models.BreachResolution
	b.Milestone = "resolution"
	assert.Equal(t, "breach:resolution", BreachRuleID(b))
}

func TestRunDrainsQueue(t *testing.T) {
	email := &fakeAdapter{channel: models.MethodEmail}
	d := newTestDispatcher(NewMemorySeenSet(nil), nil, email)

	for i, rule := range []string{"r1", "r2", "r3"} {
		msg := escalationMessage()
		msg.RuleID = rule
		msg.Level = i + 1
		msg.Methods = models.MethodList{models.MethodEmail}
		require.True(t, d.Enqueue(msg))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, sent := email.count()
		return sent == 3
	}, 2*time.Second, 5*time.Millisecond)

	d.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not stop after Close")
	}
	assert.False(t, d.Enqueue(escalationMessage()), "closed dispatcher rejects messages")
}
