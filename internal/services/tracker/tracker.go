// Package tracker holds the live deadline state of every tracked case and is
// the only writer of breach records.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-sla/internal/clock"
	"github.com/gotrs-io/gotrs-sla/internal/logging"
	"github.com/gotrs-io/gotrs-sla/internal/models"
	"github.com/gotrs-io/gotrs-sla/internal/monitoring"
	"github.com/gotrs-io/gotrs-sla/internal/repository"
	"github.com/gotrs-io/gotrs-sla/internal/slaerrors"
)

// DefaultAtRiskFraction marks a milestone at-risk once a fifth of its window remains.
const DefaultAtRiskFraction = 0.2

// Elapser measures target time consumed between two instants.
// target.Timeline implements it.
type Elapser interface {
	Elapsed(ctx context.Context, from, to time.Time, businessOnly bool) (float64, error)
}

// Transition is one milestone status change.
type Transition struct {
	Milestone string
	From      models.MilestoneStatus
	To        models.MilestoneStatus
}

// Result reports what one evaluation changed.
type Result struct {
	Transitions []Transition
	// Breaches holds breach records created by this evaluation.
	Breaches []models.SLABreach
	// Signal names the milestone that should drive escalation, if any is
	// at-risk or breached. The most severe and earliest-deadline one wins.
	Signal *models.MilestoneState
}

type entry struct {
	mu      sync.Mutex
	state   *models.CaseRuntimeState
	removed bool
}

// Tracker owns CaseRuntimeState. All reads and writes of one case are
// serialized through Update.
type Tracker struct {
	mu      sync.RWMutex
	cases   map[string]*entry
	atRisk  float64
	timeout time.Duration

	breaches repository.BreachStore
	history  repository.CaseHistoryStore
	clock    clock.Clock
	metrics  *monitoring.Metrics
	logger   *zap.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithAtRiskFraction sets the remaining-window fraction that counts as at-risk.
func WithAtRiskFraction(f float64) Option {
	return func(t *Tracker) {
		if f > 0 && f < 1 {
			t.atRisk = f
		}
	}
}

// WithHistory sets the store archived cases are folded into.
func WithHistory(h repository.CaseHistoryStore) Option {
	return func(t *Tracker) { t.history = h }
}

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithMetrics records breaches and the tracked-case gauge.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithTimeout bounds each breach store call.
func WithTimeout(d time.Duration) Option {
	return func(t *Tracker) { t.timeout = d }
}

// WithLogger injects a logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// New returns an empty tracker writing breaches to store.
func New(store repository.BreachStore, opts ...Option) *Tracker {
	t := &Tracker{
		cases:    make(map[string]*entry),
		atRisk:   DefaultAtRiskFraction,
		timeout:  2 * time.Second,
		breaches: store,
		clock:    clock.Real{},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = logging.OrNop(t.logger)
	return t
}

// Register starts tracking state. Registering a case id twice keeps the
// first state and reports false.
func (t *Tracker) Register(state *models.CaseRuntimeState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.cases[state.CaseID]; ok {
		return false
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = t.clock.Now()
	}
	t.cases[state.CaseID] = &entry{state: state}
	t.metrics.SetCasesTracked(len(t.cases))
	return true
}

// Has reports whether caseID is tracked.
func (t *Tracker) Has(caseID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.cases[caseID]
	return ok
}

// Len returns the number of tracked cases, cancelled ones included.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.cases)
}

// Update runs fn with exclusive access to one case's state.
func (t *Tracker) Update(caseID string, fn func(*models.CaseRuntimeState) error) error {
	return t.with(caseID, true, fn)
}

func (t *Tracker) with(caseID string, touch bool, fn func(*models.CaseRuntimeState) error) error {
	t.mu.RLock()
	e, ok := t.cases[caseID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("case %s: %w", caseID, slaerrors.ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return fmt.Errorf("case %s: %w", caseID, slaerrors.ErrNotFound)
	}
	if err := fn(e.state); err != nil {
		return err
	}
	if touch {
		e.state.UpdatedAt = t.clock.Now()
	}
	return nil
}

// Get returns a copy of one case's state.
func (t *Tracker) Get(caseID string) (*models.CaseRuntimeState, bool) {
	var out *models.CaseRuntimeState
	err := t.with(caseID, false, func(s *models.CaseRuntimeState) error {
		out = s.Clone()
		return nil
	})
	return out, err == nil
}

// Active returns the ids of cases whose tracking is not cancelled, sorted.
func (t *Tracker) Active() []string {
	t.mu.RLock()
	entries := make(map[string]*entry, len(t.cases))
	for id, e := range t.cases {
		entries[id] = e
	}
	t.mu.RUnlock()

	ids := make([]string, 0, len(entries))
	for id, e := range entries {
		e.mu.Lock()
		cancelled := e.state.Cancelled()
		e.mu.Unlock()
		if !cancelled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns copies of every tracked state ordered by case id.
func (t *Tracker) Snapshot() []*models.CaseRuntimeState {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.cases))
	for _, e := range t.cases {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	out := make([]*models.CaseRuntimeState, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			out = append(out, e.state.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CaseID < out[j].CaseID })
	return out
}

// status maps remaining budget to a milestone status.
func (t *Tracker) status(m *models.MilestoneState) models.MilestoneStatus {
	remaining := m.RemainingMinutes()
	switch {
	case remaining <= 0:
		return models.StatusBreached
	case remaining <= t.atRisk*float64(m.TargetMinutes):
		return models.StatusAtRisk
	default:
		return models.StatusOnTrack
	}
}

// Evaluate advances every open milestone of state to now. Call it inside
// Update. Statuses only move forward; a breach record is written the first
// time a milestone breaches. A failed breach write leaves the milestone's
// status unchanged so the next tick retries it.
func (t *Tracker) Evaluate(ctx context.Context, state *models.CaseRuntimeState, el Elapser, now time.Time) (*Result, error) {
	res := &Result{}
	if state.Cancelled() {
		return res, nil
	}

	var errs []error
	for _, name := range state.MilestoneNames() {
		m := state.Milestones[name]
		if m.Terminal || m.CompletedAt != nil {
			continue
		}

		elapsed, err := el.Elapsed(ctx, state.CreatedAt, now, m.BusinessHoursOnly)
		if err != nil {
			errs = append(errs, fmt.Errorf("milestone %s: %w", name, slaerrors.Classify("tracker.evaluate", err)))
			continue
		}
		m.ElapsedMinutes = elapsed

		next := t.status(m)
		if next.Rank() <= m.Status.Rank() {
			continue
		}
		if next == models.StatusBreached {
			b, err := t.recordBreach(ctx, state, m, now, nil)
			if err != nil && !slaerrors.IsInvariant(err) {
				errs = append(errs, err)
				continue
			}
			if b != nil {
				m.BreachID = b.ID
				res.Breaches = append(res.Breaches, *b)
			}
		}
		res.Transitions = append(res.Transitions, Transition{Milestone: name, From: m.Status, To: next})
		m.Status = next
	}

	res.Signal = signal(state)
	return res, errors.Join(errs...)
}

// signal picks the milestone escalation should react to.
func signal(state *models.CaseRuntimeState) *models.MilestoneState {
	var best *models.MilestoneState
	for _, name := range state.MilestoneNames() {
		m := state.Milestones[name]
		if m.Terminal || m.CompletedAt != nil {
			continue
		}
		if m.Status != models.StatusAtRisk && m.Status != models.StatusBreached {
			continue
		}
		if best == nil || m.Status.Rank() > best.Status.Rank() ||
			(m.Status == best.Status && m.Deadline.Before(best.Deadline)) {
			best = m
		}
	}
	return best
}

// recordBreach writes a breach for m. A non-nil actual writes it already closed.
func (t *Tracker) recordBreach(ctx context.Context, state *models.CaseRuntimeState, m *models.MilestoneState, now time.Time, actual *time.Time) (*models.SLABreach, error) {
	overrun := 0.0
	if m.TargetMinutes > 0 {
		overrun = -m.RemainingMinutes() / float64(m.TargetMinutes)
	}
	b := &models.SLABreach{
		ID:           uuid.NewString(),
		CaseID:       state.CaseID,
		SLAID:        state.TierID,
		BreachType:   m.Type.BreachType(),
		Milestone:    m.Name,
		ExpectedTime: m.Deadline,
		Severity:     models.SeverityForOverrun(overrun),
		DetectedAt:   now,
	}
	if actual != nil {
		at := *actual
		b.ActualTime = &at
		b.IsResolved = true
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if err := t.breaches.CreateBreach(ctx, b); err != nil {
		err = slaerrors.Classify("tracker.breach", err)
		if slaerrors.IsInvariant(err) {
			t.metrics.InvariantViolation()
			t.logger.Error("breach write rejected",
				zap.String("case_id", state.CaseID),
				zap.String("milestone", m.Name),
				zap.Error(err))
		}
		return nil, err
	}

	t.metrics.Breach(string(b.BreachType), string(b.Severity))
	t.logger.Warn("sla breached",
		zap.String("case_id", state.CaseID),
		zap.String("tier", state.TierID),
		zap.String("milestone", m.Name),
		zap.String("severity", string(b.Severity)),
		zap.Time("expected", b.ExpectedTime))
	return b, nil
}

// complete finalizes m at instant at. A milestone met in time retires as
// on-track; one completed late closes its breach, recording it first if no
// tick observed it.
func (t *Tracker) complete(ctx context.Context, state *models.CaseRuntimeState, m *models.MilestoneState, el Elapser, at time.Time) (*models.SLABreach, error) {
	if m.Terminal || m.CompletedAt != nil {
		return nil, nil
	}

	var created *models.SLABreach
	if m.Status == models.StatusBreached {
		if err := t.closeBreach(ctx, state, m, at); err != nil {
			return nil, err
		}
	} else {
		elapsed, err := el.Elapsed(ctx, state.CreatedAt, at, m.BusinessHoursOnly)
		if err != nil {
			return nil, slaerrors.Classify("tracker.complete", err)
		}
		m.ElapsedMinutes = elapsed
		if t.status(m) == models.StatusBreached {
			b, err := t.recordBreach(ctx, state, m, at, &at)
			if err != nil && !slaerrors.IsInvariant(err) {
				return nil, err
			}
			if b != nil {
				m.BreachID = b.ID
				created = b
			}
			m.Status = models.StatusBreached
		} else {
			m.Status = models.StatusOnTrack
		}
	}

	done := at
	m.CompletedAt = &done
	m.Terminal = true
	return created, nil
}

func (t *Tracker) closeBreach(ctx context.Context, state *models.CaseRuntimeState, m *models.MilestoneState, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	key := models.BreachKey{CaseID: state.CaseID, BreachType: m.Type.BreachType(), Milestone: m.Name}
	err := t.breaches.CloseBreach(ctx, key, at)
	if errors.Is(err, slaerrors.ErrNotFound) {
		t.logger.Warn("no open breach to close", zap.String("case_id", state.CaseID), zap.String("milestone", m.Name))
		return nil
	}
	return slaerrors.Classify("tracker.close_breach", err)
}

// RecordResponse completes the first-response milestones of a case.
func (t *Tracker) RecordResponse(ctx context.Context, state *models.CaseRuntimeState, el Elapser, at time.Time) ([]models.SLABreach, error) {
	if state.RespondedAt != nil {
		return nil, nil
	}
	var out []models.SLABreach
	for _, name := range state.MilestoneNames() {
		m := state.Milestones[name]
		if m.Type != models.MilestoneFirstResponse {
			continue
		}
		b, err := t.complete(ctx, state, m, el, at)
		if err != nil {
			return out, err
		}
		if b != nil {
			out = append(out, *b)
		}
	}
	responded := at
	state.RespondedAt = &responded
	return out, nil
}

// Resolve finalizes every open milestone, closes open breaches and cancels
// tracking. Already fired escalations are kept.
func (t *Tracker) Resolve(ctx context.Context, state *models.CaseRuntimeState, el Elapser, at time.Time, status models.CaseStatus) ([]models.SLABreach, error) {
	if !status.Terminal() {
		status = models.CaseStatusResolved
	}
	if state.Status.Terminal() {
		if status == models.CaseStatusClosed {
			state.Status = models.CaseStatusClosed
		}
		return nil, nil
	}

	var out []models.SLABreach
	for _, name := range state.MilestoneNames() {
		b, err := t.complete(ctx, state, state.Milestones[name], el, at)
		if err != nil {
			return out, err
		}
		if b != nil {
			out = append(out, *b)
		}
	}
	if state.RespondedAt == nil {
		responded := at
		state.RespondedAt = &responded
	}
	resolved := at
	state.ResolvedAt = &resolved
	state.Status = status
	cancelled := t.clock.Now()
	state.TrackingCancelledAt = &cancelled
	return out, nil
}

// MarkFired records an escalation level on state. Firing a level twice is a
// DataInvariantViolation.
func MarkFired(state *models.CaseRuntimeState, level int, at time.Time) error {
	if state.HasFired(level) {
		return slaerrors.Invariant("tracker.mark_fired",
			fmt.Errorf("%w: case %s level %d", slaerrors.ErrLevelAlreadyFired, state.CaseID, level))
	}
	state.FiredEscalationLevels[level] = at
	return nil
}

// Sweep archives and forgets cases whose tracking was cancelled more than
// grace ago. It returns the number of archived cases.
func (t *Tracker) Sweep(ctx context.Context, grace time.Duration) (int, error) {
	now := t.clock.Now()

	t.mu.RLock()
	candidates := make(map[string]*entry)
	for id, e := range t.cases {
		candidates[id] = e
	}
	t.mu.RUnlock()

	var errs []error
	archived := 0
	for id, e := range candidates {
		e.mu.Lock()
		s := e.state
		if e.removed || !s.Cancelled() || now.Sub(*s.TrackingCancelledAt) < grace {
			e.mu.Unlock()
			continue
		}
		if t.history != nil {
			if err := t.history.ArchiveCase(ctx, s); err != nil {
				e.mu.Unlock()
				errs = append(errs, fmt.Errorf("archive case %s: %w", id, slaerrors.Classify("tracker.sweep", err)))
				continue
			}
		}
		e.removed = true
		e.mu.Unlock()

		t.mu.Lock()
		if t.cases[id] == e {
			delete(t.cases, id)
		}
		t.mu.Unlock()
		archived++
	}

	t.metrics.SetCasesTracked(t.Len())
	if archived > 0 {
		t.logger.Info("archived resolved cases", zap.Int("count", archived))
	}
	return archived, errors.Join(errs...)
}
