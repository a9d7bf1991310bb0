package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Priority is the case priority an SLA target is keyed by.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// AllPriorities lists priorities from lowest to highest.
var AllPriorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Rank orders priorities, low = 0.
func (p Priority) Rank() int {
	for i, v := range AllPriorities {
		if v == p {
			return i
		}
	}
	return -1
}

// ParsePriority normalizes and validates a priority name.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// StringList is a set-like list of strings persisted as a JSON array.
type StringList []string

// Contains reports whether v is a member of the list.
func (l StringList) Contains(v string) bool {
	for _, s := range l {
		if s == v {
			return true
		}
	}
	return false
}

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src interface{}) error {
	return scanJSON(src, l)
}

func scanJSON(src interface{}, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("cannot scan %T into %T", src, dst)
	}
}

// SLATier is a named SLA policy bound to customer attributes.
type SLATier struct {
	ID               string     `json:"id" db:"id" yaml:"id" toml:"id"`
	Name             string     `json:"name" db:"name" yaml:"name" toml:"name" binding:"required"`
	Description      string     `json:"description" db:"description" yaml:"description" toml:"description"`
	CustomerSegments StringList `json:"customer_segments" db:"customer_segments" yaml:"customer_segments" toml:"customer_segments"`
	ContractTypes    StringList `json:"contract_types" db:"contract_types" yaml:"contract_types" toml:"contract_types"`
	SupportPlans     StringList `json:"support_plans" db:"support_plans" yaml:"support_plans" toml:"support_plans"`
	CalendarName     string     `json:"calendar_name" db:"calendar_name" yaml:"calendar_name" toml:"calendar_name"`
	Milestones       StringList `json:"milestones,omitempty" db:"milestones" yaml:"milestones" toml:"milestones"`
	IsActive         bool       `json:"is_active" db:"is_active" yaml:"is_active" toml:"is_active"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at" yaml:"created_at" toml:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at" yaml:"updated_at" toml:"updated_at"`
}

// Matches reports whether the tier covers the given attribute tuple.
func (t *SLATier) Matches(segment, contractType, supportPlan string) bool {
	return t.CustomerSegments.Contains(segment) &&
		t.ContractTypes.Contains(contractType) &&
		t.SupportPlans.Contains(supportPlan)
}

// SLATarget is the time budget of a tier for one priority.
type SLATarget struct {
	TierID               string   `json:"tier_id" db:"tier_id" yaml:"tier_id" toml:"tier_id"`
	Priority             Priority `json:"priority" db:"priority" yaml:"priority" toml:"priority"`
	FirstResponseMinutes int      `json:"first_response_minutes" db:"first_response_minutes" yaml:"first_response_minutes" toml:"first_response_minutes"`
	ResolutionMinutes    int      `json:"resolution_minutes" db:"resolution_minutes" yaml:"resolution_minutes" toml:"resolution_minutes"`
	FollowUpMinutes      *int     `json:"follow_up_minutes,omitempty" db:"follow_up_minutes" yaml:"follow_up_minutes" toml:"follow_up_minutes"`
	BusinessHoursOnly    bool     `json:"business_hours_only" db:"business_hours_only" yaml:"business_hours_only" toml:"business_hours_only"`
}

// Validate checks the target's numeric budget.
func (t *SLATarget) Validate() error {
	if !t.Priority.Valid() {
		return fmt.Errorf("target for tier %s: unknown priority %q", t.TierID, t.Priority)
	}
	if t.FirstResponseMinutes <= 0 || t.ResolutionMinutes <= 0 {
		return fmt.Errorf("target %s/%s: response and resolution minutes must be positive", t.TierID, t.Priority)
	}
	if t.FollowUpMinutes != nil && *t.FollowUpMinutes <= 0 {
		return fmt.Errorf("target %s/%s: follow-up minutes must be positive", t.TierID, t.Priority)
	}
	return nil
}

// ExclusionType classifies an SLAExclusion.
type ExclusionType string

const (
	ExclusionHoliday     ExclusionType = "holiday"
	ExclusionAfterHours  ExclusionType = "after-hours"
	ExclusionLowPriority ExclusionType = "low-priority"
	ExclusionMaintenance ExclusionType = "maintenance"
	ExclusionCustom      ExclusionType = "custom"
)

// Valid reports whether e is a known exclusion type.
func (e ExclusionType) Valid() bool {
	switch e {
	case ExclusionHoliday, ExclusionAfterHours, ExclusionLowPriority, ExclusionMaintenance, ExclusionCustom:
		return true
	}
	return false
}

// RequiresCondition reports whether exclusions of this type are inert without a condition.
func (e ExclusionType) RequiresCondition() bool {
	return e == ExclusionLowPriority || e == ExclusionCustom
}

// SLAExclusion pauses target accrual while its conditions hold.
type SLAExclusion struct {
	ID          string        `json:"id" db:"id" yaml:"id" toml:"id"`
	TierID      string        `json:"tier_id" db:"tier_id" yaml:"tier_id" toml:"tier_id"`
	Type        ExclusionType `json:"type" db:"type" yaml:"type" toml:"type"`
	Description string        `json:"description" db:"description" yaml:"description" toml:"description"`
	Conditions  Conditions    `json:"conditions" db:"conditions" yaml:"conditions" toml:"conditions"`
	IsActive    bool          `json:"is_active" db:"is_active" yaml:"is_active" toml:"is_active"`
}

// MilestoneType is the stable kind of a case checkpoint.
type MilestoneType string

const (
	MilestoneFirstResponse MilestoneType = "first-response"
	MilestoneFollowUp      MilestoneType = "follow-up"
	MilestoneEscalation    MilestoneType = "escalation"
	MilestoneResolution    MilestoneType = "resolution"
)

// Valid reports whether m is a known milestone type.
func (m MilestoneType) Valid() bool {
	switch m {
	case MilestoneFirstResponse, MilestoneFollowUp, MilestoneEscalation, MilestoneResolution:
		return true
	}
	return false
}

// BreachType maps a milestone type to the breach type recorded when it is missed.
func (m MilestoneType) BreachType() BreachType {
	switch m {
	case MilestoneFirstResponse:
		return BreachResponse
	case MilestoneResolution:
		return BreachResolution
	default:
		return BreachMilestone
	}
}

// SLAMilestone is a reusable named checkpoint offset from case creation.
type SLAMilestone struct {
	Name          string        `json:"name" db:"name" yaml:"name" toml:"name"`
	Type          MilestoneType `json:"type" db:"type" yaml:"type" toml:"type"`
	OffsetMinutes int           `json:"offset_minutes" db:"offset_minutes" yaml:"offset_minutes" toml:"offset_minutes"`
	Description   string        `json:"description" db:"description" yaml:"description" toml:"description"`
}

// BreachType is the kind of deadline that was missed.
type BreachType string

const (
	BreachResponse   BreachType = "response"
	BreachResolution BreachType = "resolution"
	BreachMilestone  BreachType = "milestone"
)

// Severity grades a breach by overrun.
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

// Rank orders severities, none = 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityMinor:
		return 1
	case SeverityMajor:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

// SeverityForOverrun grades how far past deadline a milestone is.
// overrun is (now - deadline) / target window.
func SeverityForOverrun(overrun float64) Severity {
	switch {
	case overrun < 0.25:
		return SeverityMinor
	case overrun < 1.0:
		return SeverityMajor
	default:
		return SeverityCritical
	}
}

// SLABreach records a missed deadline. Identity, expectation and severity
// never change after creation; only closure and root cause are filled later.
type SLABreach struct {
	ID           string     `json:"id" db:"id"`
	CaseID       string     `json:"case_id" db:"case_id"`
	SLAID        string     `json:"sla_id" db:"sla_id"`
	BreachType   BreachType `json:"breach_type" db:"breach_type"`
	Milestone    string     `json:"milestone" db:"milestone"`
	ExpectedTime time.Time  `json:"expected_time" db:"expected_time"`
	ActualTime   *time.Time `json:"actual_time,omitempty" db:"actual_time"`
	Severity     Severity   `json:"severity" db:"severity"`
	RootCause    string     `json:"root_cause,omitempty" db:"root_cause"`
	IsResolved   bool       `json:"is_resolved" db:"is_resolved"`
	DetectedAt   time.Time  `json:"detected_at" db:"detected_at"`
}

// Open reports whether the breach is still awaiting closure.
func (b *SLABreach) Open() bool {
	return b.ActualTime == nil && !b.IsResolved
}

// Key identifies the breach slot for the at-most-one-open rule.
func (b *SLABreach) Key() BreachKey {
	return BreachKey{CaseID: b.CaseID, BreachType: b.BreachType, Milestone: b.Milestone}
}

// BreachKey identifies an open breach slot. For response and resolution
// breaches the milestone name is fixed, so the key reduces to (case, type).
type BreachKey struct {
	CaseID     string
	BreachType BreachType
	Milestone  string
}

func (k BreachKey) String() string {
	return k.CaseID + "/" + string(k.BreachType) + "/" + k.Milestone
}

// Period is a reporting window granularity.
type Period string

const (
	PeriodDay     Period = "day"
	PeriodWeek    Period = "week"
	PeriodMonth   Period = "month"
	PeriodQuarter Period = "quarter"
)

// AllPeriods lists the supported reporting periods.
var AllPeriods = []Period{PeriodDay, PeriodWeek, PeriodMonth, PeriodQuarter}

// ParsePeriod validates a period name.
func ParsePeriod(s string) (Period, error) {
	p := Period(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PeriodDay, PeriodWeek, PeriodMonth, PeriodQuarter:
		return p, nil
	}
	return "", fmt.Errorf("unknown period %q", s)
}

// SLAMetrics is a derived aggregate over one period for one SLA tier.
type SLAMetrics struct {
	SLAID                string    `json:"sla_id" db:"sla_id"`
	Period               Period    `json:"period" db:"period"`
	PeriodStart          time.Time `json:"period_start" db:"period_start"`
	PeriodEnd            time.Time `json:"period_end" db:"period_end"`
	TotalCases           int       `json:"total_cases" db:"total_cases"`
	BreachedCases        int       `json:"breached_cases" db:"breached_cases"`
	ComplianceRate       float64   `json:"compliance_rate" db:"compliance_rate"`
	AvgResponseMinutes   float64   `json:"avg_response_minutes" db:"avg_response_minutes"`
	AvgResolutionMinutes float64   `json:"avg_resolution_minutes" db:"avg_resolution_minutes"`
	EscalatedCases       int       `json:"escalated_cases" db:"escalated_cases"`
	ComputedAt           time.Time `json:"computed_at" db:"computed_at"`
}

// ReportRow is one line of the compliance report export.
type ReportRow struct {
	Period         string  `json:"period"`
	TotalCases     int     `json:"total_cases"`
	Breached       int     `json:"breached"`
	ComplianceRate float64 `json:"compliance_rate"`
	AvgResponse    float64 `json:"avg_response"`
	AvgResolution  float64 `json:"avg_resolution"`
}
