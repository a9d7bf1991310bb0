// Package target turns SLA targets into concrete case deadlines.
package target

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-sla/internal/condition"
	"github.com/gotrs-io/gotrs-sla/internal/logging"
	"github.com/gotrs-io/gotrs-sla/internal/models"
	"github.com/gotrs-io/gotrs-sla/internal/services/calendar"
	"github.com/gotrs-io/gotrs-sla/internal/slaerrors"
)

// Built-in milestone names derived from the tier target.
const (
	FirstResponse = "first-response"
	Resolution    = "resolution"
	FollowUp      = "follow-up"
)

// Config is the configuration a calculation reads. repository.Snapshot implements it.
type Config interface {
	Target(tierID string, p models.Priority) (models.SLATarget, bool)
	Exclusions(tierID string) []models.SLAExclusion
	Milestone(name string) (models.SLAMilestone, bool)
}

// Deadlines are the computed checkpoints of one case.
type Deadlines struct {
	Target        models.SLATarget
	FirstResponse time.Time
	Resolution    time.Time
	FollowUp      *time.Time
	// Milestones holds one pending state per checkpoint, built-ins included.
	Milestones map[string]*models.MilestoneState
	// SuspendedBy is set when a case-wide exclusion pauses business-hour
	// accrual; the deadlines are then nominal.
	SuspendedBy string
}

// Calculator computes deadlines on business calendars.
type Calculator struct {
	calendars *calendar.Service
	timeout   time.Duration
	logger    *zap.Logger
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithTimeout bounds each calendar computation.
func WithTimeout(d time.Duration) Option {
	return func(c *Calculator) { c.timeout = d }
}

// WithLogger injects a logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Calculator) { c.logger = l }
}

// NewCalculator returns a calculator over the given calendars.
func NewCalculator(calendars *calendar.Service, opts ...Option) *Calculator {
	c := &Calculator{calendars: calendars, timeout: 2 * time.Second}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger)
	if c.calendars == nil {
		c.calendars = calendar.NewService(time.UTC, c.logger)
	}
	return c
}

// Calendars exposes the calendar service.
func (c *Calculator) Calendars() *calendar.Service { return c.calendars }

// Timeline measures target time for one case: the tier's calendar with the
// tier's exclusions bound to the case's facts. Exclusions are only bound when
// a business-hours milestone needs them; wall-clock targets never read them.
type Timeline struct {
	calendars  *calendar.Service
	name       string
	exclusions []models.SLAExclusion
	facts      condition.Facts
	timeout    time.Duration

	once        sync.Once
	excluder    calendar.Excluder
	suspendedBy string
	fault       error
}

// Timeline builds the timeline of a case on tier.
func (c *Calculator) Timeline(cfg Config, tier models.SLATier, facts condition.Facts) *Timeline {
	return &Timeline{
		calendars:  c.calendars,
		name:       tier.CalendarName,
		exclusions: cfg.Exclusions(tier.ID),
		facts:      facts,
		timeout:    c.timeout,
	}
}

func (t *Timeline) bind() {
	t.once.Do(func() {
		t.excluder, t.suspendedBy, t.fault = buildExcluder(t.exclusions, t.facts)
		if t.fault != nil {
			t.excluder, t.suspendedBy = nil, ""
		}
	})
}

// SuspendedBy names the exclusion that stops business-hour accrual for the
// whole case, or "".
func (t *Timeline) SuspendedBy() string {
	t.bind()
	return t.suspendedBy
}

// Fault returns the exclusion configuration error met while measuring
// business time, if any. Elapsed keeps measuring on the bare calendar when it
// is set. Wall-clock measurement never binds exclusions and never faults.
func (t *Timeline) Fault() error {
	return t.fault
}

// Advance returns start plus minutes of target time. Wall-clock targets are
// exact. Business-hours deadlines skip the tier's timed exclusions; a broken
// exclusion is a ConfigurationError here since the deadline would be wrong.
func (t *Timeline) Advance(ctx context.Context, start time.Time, minutes int, businessOnly bool) (time.Time, error) {
	if !businessOnly {
		return start.Add(time.Duration(minutes) * time.Minute), nil
	}
	t.bind()
	if t.fault != nil {
		return time.Time{}, t.fault
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.calendars.AddBusinessMinutes(ctx, t.name, start, minutes, t.excluder)
}

// Elapsed returns the target minutes consumed in [from, to). Business time
// does not accrue while a case-wide exclusion holds.
func (t *Timeline) Elapsed(ctx context.Context, from, to time.Time, businessOnly bool) (float64, error) {
	if !businessOnly {
		if !to.After(from) {
			return 0, nil
		}
		return to.Sub(from).Minutes(), nil
	}
	t.bind()
	if t.suspendedBy != "" {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.calendars.BusinessMinutesBetween(ctx, t.name, from, to, t.excluder)
}

// ComputeDeadlines computes every checkpoint of a case created at createdAt.
// A missing target for priority is a ConfigurationError and is never defaulted.
func (c *Calculator) ComputeDeadlines(ctx context.Context, cfg Config, tier models.SLATier, priority models.Priority, createdAt time.Time, facts condition.Facts) (*Deadlines, error) {
	tgt, ok := cfg.Target(tier.ID, priority)
	if !ok {
		return nil, slaerrors.Configuration("target.compute",
			fmt.Errorf("%w: tier %s priority %s", slaerrors.ErrMissingTarget, tier.ID, priority))
	}
	if err := tgt.Validate(); err != nil {
		return nil, slaerrors.Configuration("target.compute", err)
	}

	tl := c.Timeline(cfg, tier, facts)

	var err error
	d := &Deadlines{Target: tgt, Milestones: make(map[string]*models.MilestoneState)}
	add := func(name string, typ models.MilestoneType, minutes int) (time.Time, error) {
		at, err := tl.Advance(ctx, createdAt, minutes, tgt.BusinessHoursOnly)
		if err != nil {
			return time.Time{}, fmt.Errorf("milestone %s: %w", name, err)
		}
		d.Milestones[name] = &models.MilestoneState{
			Name:              name,
			Type:              typ,
			Deadline:          at,
			TargetMinutes:     minutes,
			BusinessHoursOnly: tgt.BusinessHoursOnly,
			Status:            models.StatusPending,
		}
		return at, nil
	}

	if d.FirstResponse, err = add(FirstResponse, models.MilestoneFirstResponse, tgt.FirstResponseMinutes); err != nil {
		return nil, err
	}
	if d.Resolution, err = add(Resolution, models.MilestoneResolution, tgt.ResolutionMinutes); err != nil {
		return nil, err
	}
	if tgt.FollowUpMinutes != nil {
		at, err := add(FollowUp, models.MilestoneFollowUp, *tgt.FollowUpMinutes)
		if err != nil {
			return nil, err
		}
		d.FollowUp = &at
	}

	for _, name := range tier.Milestones {
		if _, exists := d.Milestones[name]; exists {
			continue
		}
		m, ok := cfg.Milestone(name)
		if !ok {
			return nil, slaerrors.Configurationf("target.compute", "tier %s references unknown milestone %q", tier.ID, name)
		}
		if _, err := add(m.Name, m.Type, m.OffsetMinutes); err != nil {
			return nil, err
		}
	}

	if tgt.BusinessHoursOnly {
		d.SuspendedBy = tl.SuspendedBy()
	}

	c.logger.Debug("deadlines computed",
		zap.String("tier", tier.ID),
		zap.String("priority", string(priority)),
		zap.Time("first_response", d.FirstResponse),
		zap.Time("resolution", d.Resolution),
		zap.Bool("business_hours_only", tgt.BusinessHoursOnly))
	return d, nil
}

// Recompute moves the deadlines of a case's open milestones to a new
// priority's target, leaving completed and terminal milestones untouched.
func (c *Calculator) Recompute(ctx context.Context, cfg Config, tier models.SLATier, priority models.Priority, state *models.CaseRuntimeState, facts condition.Facts) error {
	d, err := c.ComputeDeadlines(ctx, cfg, tier, priority, state.CreatedAt, facts)
	if err != nil {
		return err
	}
	for name, fresh := range d.Milestones {
		cur, ok := state.Milestones[name]
		if !ok {
			if !state.Status.Terminal() {
				state.Milestones[name] = fresh
			}
			continue
		}
		if cur.Terminal || cur.CompletedAt != nil || cur.Status == models.StatusBreached {
			continue
		}
		cur.Deadline = fresh.Deadline
		cur.TargetMinutes = fresh.TargetMinutes
		cur.BusinessHoursOnly = fresh.BusinessHoursOnly
	}
	return nil
}

type timedExclusion struct {
	id    string
	conds models.Conditions
}

// buildExcluder binds exclusions to case facts. The result is the union of
// every exclusion whose conditions hold at an instant. Exclusions without
// conditions add nothing beyond the calendar's own holidays and hours. An
// exclusion on case fields only either never applies or applies at every
// instant; the latter is returned as suspendedBy.
func buildExcluder(exclusions []models.SLAExclusion, facts condition.Facts) (calendar.Excluder, string, error) {
	var suspendedBy string
	var timed []timedExclusion
	for _, e := range exclusions {
		if !e.IsActive {
			continue
		}
		if len(e.Conditions) == 0 {
			if e.Type.RequiresCondition() {
				return nil, "", slaerrors.Configuration("target.exclusions",
					fmt.Errorf("%w: exclusion %s of type %s has no condition", slaerrors.ErrMalformedCondition, e.ID, e.Type))
			}
			continue
		}
		if err := condition.Validate(e.Conditions); err != nil {
			return nil, "", err
		}
		if condition.OnlyCaseFields(e.Conditions) {
			ok, err := condition.Match(e.Conditions, facts)
			if err != nil {
				return nil, "", err
			}
			if ok && suspendedBy == "" {
				suspendedBy = e.ID
			}
			continue
		}
		timed = append(timed, timedExclusion{id: e.ID, conds: e.Conditions})
	}
	if len(timed) == 0 {
		return nil, suspendedBy, nil
	}

	return calendar.ExcluderFunc(func(t time.Time) (bool, error) {
		at := facts.Merge(condition.TimeFacts(t))
		for _, e := range timed {
			ok, err := condition.Match(e.conds, at)
			if err != nil {
				return false, fmt.Errorf("exclusion %s: %w", e.id, err)
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}), suspendedBy, nil
}
