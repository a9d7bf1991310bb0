package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gotrs-io/gotrs-sla/internal/models"
	"github.com/gotrs-io/gotrs-sla/internal/repository"
	"github.com/gotrs-io/gotrs-sla/internal/services/metrics"
	"github.com/gotrs-io/gotrs-sla/internal/slaerrors"
)

// TickReport summarizes one evaluation tick.
type TickReport struct {
	ConfigVersion int64
	Cases         int
	Transitions   int
	Breaches      int
	Escalations   int
	Failed        int
}

// Evaluate runs one evaluation tick over every actively tracked case. Cases
// are evaluated in parallel, each under its own lock; a failing case never
// stops the others.
func (e *Engine) Evaluate(ctx context.Context) (report TickReport, err error) {
	started := e.clock.Now()
	defer func() { e.metrics.ObserveTick("evaluation", started, err) }()

	snap, err := e.current(ctx)
	if err != nil {
		e.report("", "engine.evaluate", err)
		return report, err
	}
	report.ConfigVersion = snap.Version

	now := e.clock.Now()
	ids := e.tracker.Active()
	report.Cases = len(ids)

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			r, cerr := e.evaluateCase(ctx, snap, id, now)
			mu.Lock()
			defer mu.Unlock()
			report.Transitions += r.Transitions
			report.Breaches += r.Breaches
			report.Escalations += r.Escalations
			if cerr != nil {
				report.Failed++
				errs = append(errs, fmt.Errorf("case %s: %w", id, cerr))
			}
			return nil
		})
	}
	_ = g.Wait()
	if cerr := ctx.Err(); cerr != nil {
		errs = append(errs, cerr)
	}

	e.logger.Debug("evaluation tick finished",
		zap.Int64("config_version", snap.Version),
		zap.Int("cases", report.Cases),
		zap.Int("transitions", report.Transitions),
		zap.Int("breaches", report.Breaches),
		zap.Int("escalations", report.Escalations),
		zap.Int("failed", report.Failed),
		zap.Duration("took", e.clock.Now().Sub(started)))
	return report, errors.Join(errs...)
}

// evaluateCase advances one case and fires its escalations while holding the
// case lock.
func (e *Engine) evaluateCase(ctx context.Context, snap *repository.Snapshot, caseID string, now time.Time) (TickReport, error) {
	var r TickReport
	var breaches []models.SLABreach
	var events []models.EscalationEvent

	err := e.tracker.Update(caseID, func(s *models.CaseRuntimeState) error {
		if s.Cancelled() {
			return nil
		}
		tl := e.timeline(snap, s)
		res, evalErr := e.tracker.Evaluate(ctx, s, tl, now)
		e.noteFault(snap, s.CaseID, "engine.evaluate", tl)
		if res != nil {
			r.Transitions = len(res.Transitions)
			breaches = res.Breaches
		}
		if res == nil || res.Signal == nil {
			return evalErr
		}
		fired, escErr := e.escalation.Evaluate(s, res.Signal, snap.Rules(s.TierID), now)
		events = fired
		return errors.Join(evalErr, escErr)
	})
	if errors.Is(err, slaerrors.ErrNotFound) {
		// Archived between listing and evaluation.
		return r, nil
	}

	r.Breaches = len(breaches)
	r.Escalations = len(events)
	e.signalBreaches(breaches)
	e.signalEscalations(events)

	if err != nil {
		e.report(caseID, "engine.evaluate", err)
	}
	return r, err
}

// Rollup recomputes the metrics of the p-window containing at and stores
// them. Live and archived cases both count; tiers without cases get a
// snapshot with a compliance rate of 1.
func (e *Engine) Rollup(ctx context.Context, p models.Period, at time.Time) ([]models.SLAMetrics, error) {
	w := metrics.WindowFor(p, at)

	states := e.tracker.Snapshot()
	live := make(map[string]struct{}, len(states))
	for _, s := range states {
		live[s.CaseID] = struct{}{}
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.ExternalTimeout)
	defer cancel()

	if e.stores.History != nil {
		archived, err := e.stores.History.ListCases(ctx, w.Start, w.End)
		if err != nil {
			return nil, slaerrors.Classify("engine.rollup", fmt.Errorf("list archived cases: %w", err))
		}
		for i := range archived {
			if _, ok := live[archived[i].CaseID]; !ok {
				states = append(states, &archived[i])
			}
		}
	}

	// A breach is never detected before its case was created.
	breaches, err := e.stores.Breaches.ListBreaches(ctx, repository.BreachFilter{From: w.Start})
	if err != nil {
		return nil, slaerrors.Classify("engine.rollup", fmt.Errorf("list breaches: %w", err))
	}

	var tierIDs []string
	if snap := e.Snapshot(); snap != nil {
		tiers, _ := snap.ListTiers(ctx, true)
		for _, t := range tiers {
			tierIDs = append(tierIDs, t.ID)
		}
	}

	out := metrics.Aggregate(w, states, breaches, tierIDs...)
	if e.stores.Metrics != nil && len(out) > 0 {
		if err := e.stores.Metrics.SaveMetrics(ctx, out); err != nil {
			return out, slaerrors.Classify("engine.rollup", fmt.Errorf("save metrics: %w", err))
		}
	}
	return out, nil
}

// RollupAll recomputes the current window of every period, plus the
// previous one so late events still land in a closed window.
func (e *Engine) RollupAll(ctx context.Context) (err error) {
	started := e.clock.Now()
	defer func() {
		e.metrics.ObserveTick("rollup", started, err)
		e.rollupMu.Lock()
		e.rollupErr = err
		if err == nil {
			e.lastRollup = started
		}
		e.rollupMu.Unlock()
	}()

	if _, rerr := e.Refresh(ctx); rerr != nil {
		e.report("", "engine.rollup", rerr)
	}

	var errs []error
	for _, p := range models.AllPeriods {
		cur := metrics.WindowFor(p, started)
		for _, at := range []time.Time{started, cur.Start.Add(-time.Nanosecond)} {
			if _, rerr := e.Rollup(ctx, p, at); rerr != nil {
				errs = append(errs, fmt.Errorf("%s rollup: %w", p, rerr))
			}
		}
	}
	err = errors.Join(errs...)
	if err != nil {
		e.report("", "engine.rollup", err)
	}
	return err
}

// Staleness reports when metrics were last rolled up and whether they should
// be considered stale: the last rollup failed or is older than stale_after.
func (e *Engine) Staleness() (last time.Time, stale bool) {
	e.rollupMu.RLock()
	defer e.rollupMu.RUnlock()
	if e.lastRollup.IsZero() {
		return e.lastRollup, true
	}
	if e.rollupErr != nil {
		return e.lastRollup, true
	}
	if e.cfg.StaleAfter > 0 && e.clock.Now().Sub(e.lastRollup) > e.cfg.StaleAfter {
		return e.lastRollup, true
	}
	return e.lastRollup, false
}

// Archive moves cases finished more than archive_grace ago into case history
// and drops buffered events that never met their case.
func (e *Engine) Archive(ctx context.Context) (n int, err error) {
	started := e.clock.Now()
	defer func() { e.metrics.ObserveTick("archive", started, err) }()

	grace := e.cfg.ArchiveGrace
	if grace <= 0 {
		grace = 24 * time.Hour
	}
	n, err = e.tracker.Sweep(ctx, grace)
	e.forgetFaults()
	if dropped := e.prunePending(started.Add(-grace)); dropped > 0 {
		e.logger.Warn("dropped events for cases never created", zap.Int("cases", dropped))
	}
	if err != nil {
		e.report("", "engine.archive", err)
	}
	if n > 0 {
		e.logger.Info("cases archived", zap.Int("count", n))
	}
	return n, err
}
