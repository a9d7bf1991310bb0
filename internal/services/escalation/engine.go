// Package escalation evaluates tiered escalation rules against tracked cases.
package escalation

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-sla/internal/condition"
	"github.com/gotrs-io/gotrs-sla/internal/logging"
	"github.com/gotrs-io/gotrs-sla/internal/models"
	"github.com/gotrs-io/gotrs-sla/internal/monitoring"
	"github.com/gotrs-io/gotrs-sla/internal/services/tracker"
	"github.com/gotrs-io/gotrs-sla/internal/slaerrors"
)

// Engine decides which escalation levels fire for a case.
type Engine struct {
	metrics *monitoring.Metrics
	logger  *zap.Logger
	newID   func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics counts fired escalations.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger injects a logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithIDGenerator replaces uuid event ids.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// NewEngine returns an escalation engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{newID: uuid.NewString}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrNop(e.logger)
	return e
}

// Facts builds the attribute bag rule conditions are matched against: case
// attributes, the signalling milestone's budget and the calendar at now.
func Facts(state *models.CaseRuntimeState, signal *models.MilestoneState, now time.Time) condition.Facts {
	f := condition.CaseFacts(state.Priority, state.Segment, state.ContractType, state.SupportPlan, state.Tags)
	f = f.Merge(condition.TimeFacts(now))
	if signal != nil {
		remaining := signal.RemainingMinutes()
		overdue := 0.0
		if remaining < 0 {
			overdue = -remaining
		}
		f.Set(condition.FieldMilestone, signal.Name)
		f.Set(condition.FieldMilestoneStatus, string(signal.Status))
		f.SetNumber(condition.FieldRemainingMinutes, remaining)
		f.SetNumber(condition.FieldElapsedMinutes, signal.ElapsedMinutes)
		f.SetNumber(condition.FieldOverdueMinutes, overdue)
		f.SetNumber(condition.FieldProgress, signal.Progress()*100)
	}
	return f
}

// Evaluate fires the rules that hold for state, in ascending level, and
// records every fired level on state. Call it with the case lock held.
//
// A rule fires when its trigger holds, its level has not fired, its level is
// not below one that already fired, and every active lower-level rule of the
// same tier and trigger type has fired. Re-running never re-fires a level.
func (e *Engine) Evaluate(state *models.CaseRuntimeState, signal *models.MilestoneState, rules []models.EscalationRule, now time.Time) ([]models.EscalationEvent, error) {
	if signal == nil || state.Cancelled() {
		return nil, nil
	}

	applicable := make([]models.EscalationRule, 0, len(rules))
	for _, r := range rules {
		if r.IsActive && r.TierID == state.TierID {
			applicable = append(applicable, r)
		}
	}
	models.SortRulesByLevel(applicable)

	facts := Facts(state, signal, now)
	var events []models.EscalationEvent
	var errs []error

	for _, rule := range applicable {
		if state.HasFired(rule.EscalationLevel) || rule.EscalationLevel < maxFired(state) {
			continue
		}
		if !lowerLevelsFired(state, rule, applicable) {
			continue
		}

		ok, err := e.triggerHolds(state, rule, facts, now)
		if err != nil {
			e.logger.Warn("escalation rule skipped",
				zap.String("case_id", state.CaseID), zap.String("rule_id", rule.ID), zap.Error(err))
			errs = append(errs, slaerrors.Configuration("escalation.evaluate", fmt.Errorf("rule %s: %w", rule.ID, err)))
			continue
		}
		if !ok {
			continue
		}

		ev, err := e.Fire(state, rule, signal, now)
		if err != nil {
			return events, errors.Join(append(errs, err)...)
		}
		events = append(events, *ev)
	}
	return events, errors.Join(errs...)
}

// Fire records rule's level on state and returns the resulting event. Firing
// a level twice or below an already fired level is a DataInvariantViolation
// and leaves state untouched.
func (e *Engine) Fire(state *models.CaseRuntimeState, rule models.EscalationRule, signal *models.MilestoneState, now time.Time) (*models.EscalationEvent, error) {
	if top := maxFired(state); rule.EscalationLevel < top {
		e.metrics.InvariantViolation()
		err := slaerrors.Invariant("escalation.fire",
			fmt.Errorf("%w: case %s level %d after %d", slaerrors.ErrLevelOutOfOrder, state.CaseID, rule.EscalationLevel, top))
		e.logger.Error("escalation rejected", zap.String("case_id", state.CaseID), zap.Error(err))
		return nil, err
	}
	if err := tracker.MarkFired(state, rule.EscalationLevel, now); err != nil {
		e.metrics.InvariantViolation()
		e.logger.Error("escalation rejected", zap.String("case_id", state.CaseID), zap.Error(err))
		return nil, err
	}

	ev := &models.EscalationEvent{
		ID:                  e.newID(),
		CaseID:              state.CaseID,
		RuleID:              rule.ID,
		TierID:              state.TierID,
		Level:               rule.EscalationLevel,
		EscalateTo:          rule.EscalateTo,
		NotificationMethods: rule.NotificationMethods.Dedup(),
		TriggerType:         rule.TriggerType,
		Priority:            state.Priority,
		FiredAt:             now,
	}
	if signal != nil {
		ev.Milestone = signal.Name
		if signal.Status == models.StatusBreached && signal.TargetMinutes > 0 {
			ev.Severity = models.SeverityForOverrun(-signal.RemainingMinutes() / float64(signal.TargetMinutes))
		}
	}

	e.metrics.Escalation(string(rule.TriggerType), strconv.Itoa(rule.EscalationLevel))
	e.logger.Info("escalation fired",
		zap.String("case_id", state.CaseID),
		zap.String("rule_id", rule.ID),
		zap.Int("level", rule.EscalationLevel),
		zap.String("escalate_to", rule.EscalateTo),
		zap.String("trigger", string(rule.TriggerType)))
	return ev, nil
}

func (e *Engine) triggerHolds(state *models.CaseRuntimeState, rule models.EscalationRule, facts condition.Facts, now time.Time) (bool, error) {
	switch rule.TriggerType {
	case models.TriggerTimeBased, models.TriggerPriorityBased:
		return condition.Match(rule.TriggerCondition, facts)
	case models.TriggerBreachImminent:
		at := atRisk(state)
		if at == nil {
			return false, nil
		}
		return condition.Match(rule.TriggerCondition, Facts(state, at, now))
	}
	return false, slaerrors.Configurationf("escalation.trigger", "unknown trigger type %q", rule.TriggerType)
}

// atRisk returns the earliest open at-risk milestone.
func atRisk(state *models.CaseRuntimeState) *models.MilestoneState {
	for _, name := range state.MilestoneNames() {
		m := state.Milestones[name]
		if !m.Terminal && m.CompletedAt == nil && m.Status == models.StatusAtRisk {
			return m
		}
	}
	return nil
}

func maxFired(state *models.CaseRuntimeState) int {
	top := 0
	for l := range state.FiredEscalationLevels {
		if l > top {
			top = l
		}
	}
	return top
}

// lowerLevelsFired reports whether every active lower-level rule with the
// same trigger type has already fired for the case.
func lowerLevelsFired(state *models.CaseRuntimeState, rule models.EscalationRule, rules []models.EscalationRule) bool {
	for _, r := range rules {
		if r.TriggerType != rule.TriggerType || r.EscalationLevel >= rule.EscalationLevel {
			continue
		}
		if !state.HasFired(r.EscalationLevel) {
			return false
		}
	}
	return true
}
