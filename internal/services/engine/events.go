package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-sla/internal/models"
	"github.com/gotrs-io/gotrs-sla/internal/operator"
	"github.com/gotrs-io/gotrs-sla/internal/repository"
	"github.com/gotrs-io/gotrs-sla/internal/services/tier"
	"github.com/gotrs-io/gotrs-sla/internal/slaerrors"
)

// ErrInvalidEvent wraps validation failures of inbound case events.
var ErrInvalidEvent = errors.New("invalid case event")

// Outcome tells the caller what an event did.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeBuffered means the case is not tracked yet; the event is applied
	// when its caseCreated arrives.
	OutcomeBuffered Outcome = "buffered"
)

// pendingCase collects events that arrived before their case was created.
type pendingCase struct {
	responded  *time.Time
	priority   *models.CasePriorityChanged
	resolved   *models.CaseResolved
	receivedAt time.Time
}

func invalid(err error) error {
	return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
}

// CaseCreated starts tracking a case. Creating a tracked case again is a no-op
// returning the existing state; creating an archived case again is a no-op
// returning a nil state.
func (e *Engine) CaseCreated(ctx context.Context, ev models.CaseCreated) (*models.CaseRuntimeState, Outcome, error) {
	if err := ev.Validate(); err != nil {
		return nil, "", invalid(err)
	}
	if s, ok := e.tracker.Get(ev.CaseID); ok {
		return s, OutcomeDuplicate, nil
	}
	archived, err := e.archived(ctx, ev.CaseID)
	if err != nil {
		e.report(ev.CaseID, "engine.case_created", err)
		return nil, "", err
	}
	if archived {
		e.logger.Debug("case already archived", zap.String("case_id", ev.CaseID))
		return nil, OutcomeDuplicate, nil
	}

	snap, err := e.current(ctx)
	if err != nil {
		e.report(ev.CaseID, "engine.case_created", err)
		return nil, "", err
	}

	state, err := e.newState(ctx, snap, ev)
	if err != nil {
		return nil, "", err
	}
	if !e.tracker.Register(state) {
		s, _ := e.tracker.Get(ev.CaseID)
		return s, OutcomeDuplicate, nil
	}
	e.logger.Info("case registered",
		zap.String("case_id", state.CaseID),
		zap.String("tier", state.TierID),
		zap.String("priority", string(state.Priority)),
		zap.Int("milestones", len(state.Milestones)))

	e.applyPending(ctx, snap, ev.CaseID)

	s, _ := e.tracker.Get(ev.CaseID)
	return s, OutcomeApplied, nil
}

func (e *Engine) archived(ctx context.Context, caseID string) (bool, error) {
	if e.stores.History == nil {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ExternalTimeout)
	defer cancel()
	ok, err := e.stores.History.HasCase(ctx, caseID)
	if err != nil {
		return false, slaerrors.Classify("engine.case_created", fmt.Errorf("look up case history: %w", err))
	}
	return ok, nil
}

// newState resolves the tier and computes deadlines. A tier without a usable
// target falls back to the default tier.
func (e *Engine) newState(ctx context.Context, snap *repository.Snapshot, ev models.CaseCreated) (*models.CaseRuntimeState, error) {
	attrs := tier.Attributes{Segment: ev.CustomerSegment, ContractType: ev.ContractType, SupportPlan: ev.SupportPlan}
	res, err := e.resolver(snap).ResolveOrDefault(ctx, attrs)
	if err != nil {
		e.report(ev.CaseID, "tier.resolve", err)
		return nil, err
	}
	if res.Ambiguous {
		e.operator.Report(operator.KindConfiguration, ev.CaseID, "tier.resolve",
			fmt.Sprintf("overlapping tiers %s matched, selected %s", strings.Join(res.Candidates, ", "), res.Tier.ID),
			map[string]string{"selected": res.Tier.ID})
	}

	state := models.NewCaseRuntimeState(ev.CaseID, res.Tier.ID, ev.Priority, ev.CreatedAt)
	state.Segment = ev.CustomerSegment
	state.ContractType = ev.ContractType
	state.SupportPlan = ev.SupportPlan
	state.Tags = append(models.StringList(nil), ev.Tags...)
	state.ConfigVersion = snap.Version

	d, err := e.calc.ComputeDeadlines(ctx, snap, res.Tier, ev.Priority, ev.CreatedAt, caseFacts(state))
	if err != nil && slaerrors.IsConfiguration(err) && e.cfg.DefaultTier != "" && e.cfg.DefaultTier != res.Tier.ID {
		e.report(ev.CaseID, "target.compute", err)
		def, ok := snap.Tier(e.cfg.DefaultTier)
		if !ok || !def.IsActive {
			err = slaerrors.Configurationf("engine.case_created", "default tier %q is not available", e.cfg.DefaultTier)
		} else {
			e.logger.Warn("falling back to default tier",
				zap.String("case_id", ev.CaseID),
				zap.String("tier", res.Tier.ID),
				zap.String("default_tier", def.ID))
			state.TierID = def.ID
			d, err = e.calc.ComputeDeadlines(ctx, snap, def, ev.Priority, ev.CreatedAt, caseFacts(state))
		}
	}
	if err != nil {
		e.report(ev.CaseID, "target.compute", err)
		return nil, err
	}
	if d.SuspendedBy != "" {
		e.logger.Info("business time suspended for case",
			zap.String("case_id", ev.CaseID),
			zap.String("tier", state.TierID),
			zap.String("exclusion", d.SuspendedBy))
	}
	state.Milestones = d.Milestones
	return state, nil
}

// CaseResponded completes the first-response milestones of a case.
func (e *Engine) CaseResponded(ctx context.Context, ev models.CaseResponded) (Outcome, error) {
	if err := ev.Validate(); err != nil {
		return "", invalid(err)
	}
	at := ev.RespondedAt
	if e.buffer(ev.CaseID, func(p *pendingCase) {
		if p.responded == nil || at.Before(*p.responded) {
			p.responded = &at
		}
	}) {
		return OutcomeBuffered, nil
	}

	snap, err := e.current(ctx)
	if err != nil {
		e.report(ev.CaseID, "engine.case_responded", err)
		return "", err
	}
	return e.applyResponse(ctx, snap, ev.CaseID, at)
}

func (e *Engine) applyResponse(ctx context.Context, snap *repository.Snapshot, caseID string, at time.Time) (Outcome, error) {
	outcome := OutcomeApplied
	var breaches []models.SLABreach
	err := e.tracker.Update(caseID, func(s *models.CaseRuntimeState) error {
		if s.RespondedAt != nil || s.Cancelled() {
			outcome = OutcomeDuplicate
			return nil
		}
		tl := e.timeline(snap, s)
		var err error
		breaches, err = e.tracker.RecordResponse(ctx, s, tl, at)
		e.noteFault(snap, s.CaseID, "engine.case_responded", tl)
		return err
	})
	e.signalBreaches(breaches)
	if err != nil {
		e.report(caseID, "engine.case_responded", err)
		return "", err
	}
	return outcome, nil
}

// CasePriorityChanged moves the open milestones of a case to the new
// priority's targets. Completed milestones and reached statuses are kept.
func (e *Engine) CasePriorityChanged(ctx context.Context, ev models.CasePriorityChanged) (Outcome, error) {
	if err := ev.Validate(); err != nil {
		return "", invalid(err)
	}
	if ev.ChangedAt.IsZero() {
		ev.ChangedAt = e.clock.Now()
	}
	if e.buffer(ev.CaseID, func(p *pendingCase) {
		if p.priority == nil || !ev.ChangedAt.Before(p.priority.ChangedAt) {
			c := ev
			p.priority = &c
		}
	}) {
		return OutcomeBuffered, nil
	}

	snap, err := e.current(ctx)
	if err != nil {
		e.report(ev.CaseID, "engine.case_priority_changed", err)
		return "", err
	}
	return e.applyPriority(ctx, snap, ev)
}

func (e *Engine) applyPriority(ctx context.Context, snap *repository.Snapshot, ev models.CasePriorityChanged) (Outcome, error) {
	outcome := OutcomeApplied
	err := e.tracker.Update(ev.CaseID, func(s *models.CaseRuntimeState) error {
		if s.Cancelled() || s.Priority == ev.NewPriority {
			outcome = OutcomeDuplicate
			return nil
		}
		prev := s.Priority
		s.Priority = ev.NewPriority
		if err := e.calc.Recompute(ctx, snap, e.tierOf(snap, s), ev.NewPriority, s, caseFacts(s)); err != nil {
			s.Priority = prev
			return err
		}
		s.ConfigVersion = snap.Version
		e.logger.Info("case priority changed",
			zap.String("case_id", s.CaseID),
			zap.String("from", string(prev)),
			zap.String("to", string(ev.NewPriority)))
		return nil
	})
	if err != nil {
		e.report(ev.CaseID, "engine.case_priority_changed", err)
		return "", err
	}
	return outcome, nil
}

// CaseResolved finalizes a case and stops tracking it. Escalations already
// fired stay recorded.
func (e *Engine) CaseResolved(ctx context.Context, ev models.CaseResolved) (Outcome, error) {
	if err := ev.Validate(); err != nil {
		return "", invalid(err)
	}
	if e.buffer(ev.CaseID, func(p *pendingCase) {
		if p.resolved == nil {
			c := ev
			p.resolved = &c
			return
		}
		if ev.ResolvedAt.Before(p.resolved.ResolvedAt) {
			p.resolved.ResolvedAt = ev.ResolvedAt
		}
		if ev.Status == models.CaseStatusClosed {
			p.resolved.Status = models.CaseStatusClosed
		}
	}) {
		return OutcomeBuffered, nil
	}

	snap, err := e.current(ctx)
	if err != nil {
		e.report(ev.CaseID, "engine.case_resolved", err)
		return "", err
	}
	return e.applyResolved(ctx, snap, ev)
}

// CaseClosed is CaseResolved with the closed status.
func (e *Engine) CaseClosed(ctx context.Context, ev models.CaseClosed) (Outcome, error) {
	if err := ev.Validate(); err != nil {
		return "", invalid(err)
	}
	return e.CaseResolved(ctx, ev.AsResolved())
}

func (e *Engine) applyResolved(ctx context.Context, snap *repository.Snapshot, ev models.CaseResolved) (Outcome, error) {
	outcome := OutcomeApplied
	var breaches []models.SLABreach
	err := e.tracker.Update(ev.CaseID, func(s *models.CaseRuntimeState) error {
		if s.Status.Terminal() {
			if s.Status == ev.Status || ev.Status != models.CaseStatusClosed {
				outcome = OutcomeDuplicate
				return nil
			}
		}
		tl := e.timeline(snap, s)
		var err error
		breaches, err = e.tracker.Resolve(ctx, s, tl, ev.ResolvedAt, ev.Status)
		e.noteFault(snap, s.CaseID, "engine.case_resolved", tl)
		return err
	})
	e.signalBreaches(breaches)
	if err != nil {
		e.report(ev.CaseID, "engine.case_resolved", err)
		return "", err
	}
	if outcome == OutcomeApplied {
		e.logger.Info("case finalized",
			zap.String("case_id", ev.CaseID),
			zap.String("status", string(ev.Status)),
			zap.Int("breaches", len(breaches)))
	}
	return outcome, nil
}

// buffer records an event for an untracked case and reports true. It reports
// false, without calling fn, when the case is tracked.
func (e *Engine) buffer(caseID string, fn func(*pendingCase)) bool {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if e.tracker.Has(caseID) {
		return false
	}
	p, ok := e.pending[caseID]
	if !ok {
		p = &pendingCase{receivedAt: e.clock.Now()}
		e.pending[caseID] = p
	}
	fn(p)
	e.logger.Debug("event buffered until case creation", zap.String("case_id", caseID))
	return true
}

// applyPending replays buffered events of a freshly registered case:
// priority first, then response, then resolution.
func (e *Engine) applyPending(ctx context.Context, snap *repository.Snapshot, caseID string) {
	e.pendingMu.Lock()
	p, ok := e.pending[caseID]
	delete(e.pending, caseID)
	e.pendingMu.Unlock()
	if !ok {
		return
	}

	replayed := func(event string, err error) {
		if err != nil {
			e.logger.Warn("buffered event not applied",
				zap.String("case_id", caseID), zap.String("event", event), zap.Error(err))
		}
	}
	if p.priority != nil {
		_, err := e.applyPriority(ctx, snap, *p.priority)
		replayed("case-priority-changed", err)
	}
	if p.responded != nil {
		_, err := e.applyResponse(ctx, snap, caseID, *p.responded)
		replayed("case-responded", err)
	}
	if p.resolved != nil {
		_, err := e.applyResolved(ctx, snap, *p.resolved)
		replayed("case-resolved", err)
	}
}

// PendingLen returns the number of cases with buffered events.
func (e *Engine) PendingLen() int {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	return len(e.pending)
}

// prunePending forgets buffered events received before cutoff.
func (e *Engine) prunePending(cutoff time.Time) int {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	n := 0
	for id, p := range e.pending {
		if p.receivedAt.Before(cutoff) {
			delete(e.pending, id)
			n++
		}
	}
	return n
}
