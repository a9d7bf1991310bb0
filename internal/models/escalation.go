package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// TriggerType is the signal an escalation rule reacts to.
type TriggerType string

const (
	TriggerTimeBased      TriggerType = "time-based"
	TriggerPriorityBased  TriggerType = "priority-based"
	TriggerBreachImminent TriggerType = "breach-imminent"
)

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerTimeBased, TriggerPriorityBased, TriggerBreachImminent:
		return true
	}
	return false
}

// NotificationMethod is an outbound channel.
type NotificationMethod string

const (
	MethodEmail NotificationMethod = "email"
	MethodSMS   NotificationMethod = "sms"
	MethodInApp NotificationMethod = "in-app"
)

// Valid reports whether m is a known channel.
func (m NotificationMethod) Valid() bool {
	switch m {
	case MethodEmail, MethodSMS, MethodInApp:
		return true
	}
	return false
}

// MethodList is a set of channels persisted as a JSON array.
type MethodList []NotificationMethod

// Value implements driver.Valuer.
func (l MethodList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]NotificationMethod(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *MethodList) Scan(src interface{}) error {
	return scanJSON(src, l)
}

// Dedup returns the methods in first-seen order without repeats.
func (l MethodList) Dedup() MethodList {
	seen := make(map[NotificationMethod]struct{}, len(l))
	out := make(MethodList, 0, len(l))
	for _, m := range l {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// EscalationRule hands a case to a higher support level when its trigger holds.
type EscalationRule struct {
	ID                  string      `json:"id" db:"id" yaml:"id" toml:"id"`
	TierID              string      `json:"tier_id" db:"tier_id" yaml:"tier_id" toml:"tier_id"`
	Name                string      `json:"name" db:"name" yaml:"name" toml:"name"`
	TriggerType         TriggerType `json:"trigger_type" db:"trigger_type" yaml:"trigger_type" toml:"trigger_type"`
	TriggerCondition    Conditions  `json:"trigger_condition" db:"trigger_condition" yaml:"trigger_condition" toml:"trigger_condition"`
	EscalationLevel     int         `json:"escalation_level" db:"escalation_level" yaml:"escalation_level" toml:"escalation_level"`
	EscalateTo          string      `json:"escalate_to" db:"escalate_to" yaml:"escalate_to" toml:"escalate_to"`
	NotificationMethods MethodList  `json:"notification_methods" db:"notification_methods" yaml:"notification_methods" toml:"notification_methods"`
	IsActive            bool        `json:"is_active" db:"is_active" yaml:"is_active" toml:"is_active"`
	UpdatedAt           time.Time   `json:"updated_at" db:"updated_at" yaml:"updated_at" toml:"updated_at"`
}

// Validate checks the rule's static shape. Condition operands are checked by the matcher.
func (r *EscalationRule) Validate() error {
	if r.ID == "" || r.TierID == "" {
		return fmt.Errorf("escalation rule requires id and tier_id")
	}
	if !r.TriggerType.Valid() {
		return fmt.Errorf("rule %s: unknown trigger type %q", r.ID, r.TriggerType)
	}
	if r.EscalationLevel < 1 {
		return fmt.Errorf("rule %s: escalation level must be >= 1", r.ID)
	}
	if r.EscalateTo == "" {
		return fmt.Errorf("rule %s: escalate_to is required", r.ID)
	}
	for _, m := range r.NotificationMethods {
		if !m.Valid() {
			return fmt.Errorf("rule %s: unknown notification method %q", r.ID, m)
		}
	}
	return nil
}

// SortRulesByLevel orders rules by ascending level, then id for stability.
func SortRulesByLevel(rules []EscalationRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].EscalationLevel != rules[j].EscalationLevel {
			return rules[i].EscalationLevel < rules[j].EscalationLevel
		}
		return rules[i].ID < rules[j].ID
	})
}

// EscalationEvent is produced when a rule fires for a case.
type EscalationEvent struct {
	ID                  string      `json:"id"`
	CaseID              string      `json:"case_id"`
	RuleID              string      `json:"rule_id"`
	TierID              string      `json:"tier_id"`
	Level               int         `json:"level"`
	EscalateTo          string      `json:"escalate_to"`
	NotificationMethods MethodList  `json:"notification_methods"`
	TriggerType         TriggerType `json:"trigger_type"`
	Severity            Severity    `json:"severity,omitempty"`
	Priority            Priority    `json:"priority"`
	Milestone           string      `json:"milestone,omitempty"`
	FiredAt             time.Time   `json:"fired_at"`
}

// DedupKey is the dispatcher de-duplication key for one channel.
func (e *EscalationEvent) DedupKey(channel NotificationMethod) string {
	return fmt.Sprintf("%s|%s|%d|%s", e.CaseID, e.RuleID, e.Level, channel)
}
