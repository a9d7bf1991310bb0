// Package dispatch fans escalation events and breach signals out to channel
// adapters with retry, de-duplication and a bounded hand-off queue.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/gotrs-io/gotrs-sla/internal/models"
)

// Template ids understood by the notification renderer.
const (
	TemplateEscalation = "escalation"
	TemplateBreach     = "breach"
)

// Notification is what a channel adapter receives. Adapters own rendering
// and the wire protocol.
type Notification struct {
	// Key is the de-duplication key of this delivery; adapters may use it as
	// an idempotency token.
	Key            string                    `json:"key"`
	CaseID         string                    `json:"case_id"`
	Severity       models.Severity           `json:"severity"`
	RecipientClass string                    `json:"recipient_class"`
	Channel        models.NotificationMethod `json:"channel"`
	Subject        string                    `json:"subject"`
	BodyTemplateID string                    `json:"body_template_id"`
	Variables      map[string]interface{}    `json:"variables"`
}

// ChannelAdapter delivers notifications over one channel.
type ChannelAdapter interface {
	Channel() models.NotificationMethod
	Send(ctx context.Context, n Notification) error
}

// Message is one unit of dispatch work.
type Message struct {
	ID         string
	CaseID     string
	RuleID     string
	Level      int
	Recipient  string
	Methods    models.MethodList
	Subject    string
	TemplateID string
	Variables  map[string]interface{}
	Severity   models.Severity
	CreatedAt  time.Time
}

// Critical reports whether the message must never be dropped.
func (m *Message) Critical() bool {
	return m.Severity == models.SeverityCritical
}

// DedupKey is (caseId, ruleId, level, channel).
func (m *Message) DedupKey(ch models.NotificationMethod) string {
	return fmt.Sprintf("%s|%s|%d|%s", m.CaseID, m.RuleID, m.Level, ch)
}

// FromEscalation builds the message for an escalation event.
func FromEscalation(ev models.EscalationEvent) Message {
	return Message{
		ID:         ev.ID,
		CaseID:     ev.CaseID,
		RuleID:     ev.RuleID,
		Level:      ev.Level,
		Recipient:  ev.EscalateTo,
		Methods:    ev.NotificationMethods.Dedup(),
		Subject:    fmt.Sprintf("[SLA] Case %s escalated to level %d", ev.CaseID, ev.Level),
		TemplateID: TemplateEscalation,
		Variables: map[string]interface{}{
			"case_id":     ev.CaseID,
			"tier_id":     ev.TierID,
			"rule_id":     ev.RuleID,
			"level":       ev.Level,
			"escalate_to": ev.EscalateTo,
			"trigger":     string(ev.TriggerType),
			"priority":    string(ev.Priority),
			"milestone":   ev.Milestone,
			"severity":    string(ev.Severity),
			"fired_at":    ev.FiredAt,
		},
		Severity:  ev.Severity,
		CreatedAt: ev.FiredAt,
	}
}

// BreachRuleID is the pseudo rule id breach signals are de-duplicated under.
func BreachRuleID(b models.SLABreach) string {
	id := "breach:" + string(b.BreachType)
	if b.BreachType == models.BreachMilestone {
		id += ":" + b.Milestone
	}
	return id
}

// FromBreach builds the breach signal for b, addressed to recipient.
func FromBreach(b models.SLABreach, recipient string, methods models.MethodList) Message {
	return Message{
		ID:         b.ID,
		CaseID:     b.CaseID,
		RuleID:     BreachRuleID(b),
		Level:      0,
		Recipient:  recipient,
		Methods:    methods.Dedup(),
		Subject:    fmt.Sprintf("[SLA] %s breach on case %s (%s)", b.BreachType, b.CaseID, b.Severity),
		TemplateID: TemplateBreach,
		Variables: map[string]interface{}{
			"case_id":       b.CaseID,
			"tier_id":       b.SLAID,
			"breach_type":   string(b.BreachType),
			"milestone":     b.Milestone,
			"severity":      string(b.Severity),
			"expected_time": b.ExpectedTime,
			"detected_at":   b.DetectedAt,
		},
		Severity:  b.Severity,
		CreatedAt: b.DetectedAt,
	}
}

// Delivery outcomes.
const (
	StatusDelivered      = "delivered"
	StatusDuplicate      = "duplicate"
	StatusDeliveryFailed = "delivery-failed"
)

// DeliveryResult is the outcome of one channel of one message.
type DeliveryResult struct {
	Channel  models.NotificationMethod `json:"channel"`
	Key      string                    `json:"key"`
	Status   string                    `json:"status"`
	Attempts int                       `json:"attempts"`
	Error    string                    `json:"error,omitempty"`
}
