// Package condition evaluates typed (field, operator, value) predicates used by
// SLA exclusions and escalation rules.
package condition

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gotrs-io/gotrs-sla/internal/models"
	"github.com/gotrs-io/gotrs-sla/internal/slaerrors"
)

// Field names understood by the matcher.
const (
	FieldPriority         = "priority"
	FieldTag              = "tag"
	FieldSegment          = "segment"
	FieldContractType     = "contract_type"
	FieldSupportPlan      = "support_plan"
	FieldDate             = "date"
	FieldWeekday          = "weekday"
	FieldHour             = "hour"
	FieldMonth            = "month"
	FieldMilestone        = "milestone"
	FieldMilestoneStatus  = "milestone_status"
	FieldRemainingMinutes = "remaining_minutes"
	FieldElapsedMinutes   = "elapsed_minutes"
	FieldOverdueMinutes   = "overdue_minutes"
	FieldProgress         = "progress"
)

var knownFields = map[string]bool{
	FieldPriority: true, FieldTag: true, FieldSegment: true, FieldContractType: true,
	FieldSupportPlan: true, FieldDate: true, FieldWeekday: true, FieldHour: true,
	FieldMonth: true, FieldMilestone: true, FieldMilestoneStatus: true,
	FieldRemainingMinutes: true, FieldElapsedMinutes: true, FieldOverdueMinutes: true,
	FieldProgress: true,
}

// CalendarFields are constant within one clock hour of the calendar's zone.
var CalendarFields = map[string]bool{FieldDate: true, FieldWeekday: true, FieldHour: true, FieldMonth: true}

// Facts is the attribute bag a condition list is evaluated against.
// Fields may be multi-valued (tags).
type Facts map[string][]string

// Set replaces the values of field.
func (f Facts) Set(field string, values ...string) Facts {
	f[field] = values
	return f
}

// SetNumber stores a numeric fact.
func (f Facts) SetNumber(field string, v float64) Facts {
	f[field] = []string{strconv.FormatFloat(v, 'f', -1, 64)}
	return f
}

// Merge copies other into a new Facts, other winning on conflicts.
func (f Facts) Merge(other Facts) Facts {
	out := make(Facts, len(f)+len(other))
	for k, v := range f {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// CaseFacts builds facts from case attributes.
func CaseFacts(priority models.Priority, segment, contractType, supportPlan string, tags []string) Facts {
	f := Facts{}
	f.Set(FieldPriority, string(priority))
	f.Set(FieldSegment, segment)
	f.Set(FieldContractType, contractType)
	f.Set(FieldSupportPlan, supportPlan)
	if len(tags) > 0 {
		f.Set(FieldTag, tags...)
	}
	return f
}

// TimeFacts returns calendar facts for t, which should already be in the calendar zone.
func TimeFacts(t time.Time) Facts {
	f := Facts{}
	f.Set(FieldDate, t.Format("2006-01-02"))
	f.Set(FieldWeekday, strings.ToLower(t.Weekday().String()[:3]))
	f.Set(FieldHour, strconv.Itoa(t.Hour()))
	f.Set(FieldMonth, strconv.Itoa(int(t.Month())))
	return f
}

// OnlyCaseFields reports whether a condition list never references calendar facts.
func OnlyCaseFields(conds models.Conditions) bool {
	for _, c := range conds {
		if CalendarFields[c.Field] {
			return false
		}
	}
	return true
}

// Validate checks every condition for a known field, operator and a usable value.
func Validate(conds models.Conditions) error {
	for i, c := range conds {
		if err := validateOne(c); err != nil {
			return slaerrors.Configuration("condition.validate",
				fmt.Errorf("%w: condition %d (%s %s %q): %v", slaerrors.ErrMalformedCondition, i, c.Field, c.Operator, c.Value, err))
		}
	}
	return nil
}

func validateOne(c models.Condition) error {
	if !knownFields[c.Field] {
		return fmt.Errorf("unknown field")
	}
	switch c.Operator {
	case models.OpEquals, models.OpNotEquals, models.OpContains:
		if strings.TrimSpace(c.Value) == "" {
			return fmt.Errorf("empty value")
		}
	case models.OpIn, models.OpNotIn:
		if len(splitList(c.Value)) == 0 {
			return fmt.Errorf("empty list")
		}
	case models.OpLess, models.OpLessOrEqual, models.OpGreater, models.OpGreaterOrEq:
		if _, ok := parseNumber(c.Value); !ok {
			return fmt.Errorf("value is not a number, duration or priority")
		}
	default:
		return fmt.Errorf("unknown operator")
	}
	return nil
}

// Match reports whether every condition holds. An empty list matches.
// A condition over a field absent from facts does not hold.
func Match(conds models.Conditions, facts Facts) (bool, error) {
	for _, c := range conds {
		ok, err := matchOne(c, facts)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchOne(c models.Condition, facts Facts) (bool, error) {
	values, ok := facts[c.Field]
	if !ok || len(values) == 0 {
		return false, nil
	}

	switch c.Operator {
	case models.OpEquals, models.OpContains:
		return anyEqual(values, c.Value), nil
	case models.OpNotEquals:
		return !anyEqual(values, c.Value), nil
	case models.OpIn:
		for _, want := range splitList(c.Value) {
			if anyEqual(values, want) {
				return true, nil
			}
		}
		return false, nil
	case models.OpNotIn:
		for _, want := range splitList(c.Value) {
			if anyEqual(values, want) {
				return false, nil
			}
		}
		return true, nil
	case models.OpLess, models.OpLessOrEqual, models.OpGreater, models.OpGreaterOrEq:
		rhs, ok := parseNumber(c.Value)
		if !ok {
			return false, slaerrors.Configuration("condition.match",
				fmt.Errorf("%w: %s %s %q", slaerrors.ErrMalformedCondition, c.Field, c.Operator, c.Value))
		}
		lhs, ok := parseNumber(values[0])
		if !ok {
			return false, nil
		}
		return compare(c.Operator, lhs, rhs), nil
	}
	return false, slaerrors.Configuration("condition.match",
		fmt.Errorf("%w: unknown operator %q", slaerrors.ErrMalformedCondition, c.Operator))
}

func compare(op models.Operator, lhs, rhs float64) bool {
	switch op {
	case models.OpLess:
		return lhs < rhs
	case models.OpLessOrEqual:
		return lhs <= rhs
	case models.OpGreater:
		return lhs > rhs
	case models.OpGreaterOrEq:
		return lhs >= rhs
	}
	return false
}

// parseNumber accepts plain numbers (minutes), Go durations and priority names.
func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, true
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d.Minutes(), true
	}
	if p, err := models.ParsePriority(s); err == nil {
		return float64(p.Rank()), true
	}
	return 0, false
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func anyEqual(values []string, want string) bool {
	want = strings.TrimSpace(want)
	for _, v := range values {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}
