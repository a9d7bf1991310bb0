// Package engine wires tier resolution, deadline calculation, compliance
// tracking, escalation and notification hand-off into one process. Case
// events enter through the handlers in events.go; the runner drives the
// evaluation, rollup and archive ticks in ticks.go.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-sla/internal/clock"
	"github.com/gotrs-io/gotrs-sla/internal/condition"
	"github.com/gotrs-io/gotrs-sla/internal/config"
	"github.com/gotrs-io/gotrs-sla/internal/logging"
	"github.com/gotrs-io/gotrs-sla/internal/models"
	"github.com/gotrs-io/gotrs-sla/internal/monitoring"
	"github.com/gotrs-io/gotrs-sla/internal/operator"
	"github.com/gotrs-io/gotrs-sla/internal/repository"
	"github.com/gotrs-io/gotrs-sla/internal/services/dispatch"
	"github.com/gotrs-io/gotrs-sla/internal/services/escalation"
	"github.com/gotrs-io/gotrs-sla/internal/services/target"
	"github.com/gotrs-io/gotrs-sla/internal/services/tier"
	"github.com/gotrs-io/gotrs-sla/internal/services/tracker"
	"github.com/gotrs-io/gotrs-sla/internal/slaerrors"
)

// Stores are the persistence dependencies of the engine.
type Stores struct {
	Tiers    repository.TierStore
	Rules    repository.RuleStore
	Breaches repository.BreachStore
	History  repository.CaseHistoryStore
	Metrics  repository.MetricsStore
}

// Enqueuer accepts messages for asynchronous delivery. *dispatch.Dispatcher
// implements it.
type Enqueuer interface {
	Enqueue(m dispatch.Message) bool
}

// Engine is the SLA compliance engine.
type Engine struct {
	cfg    config.EngineConfig
	stores Stores

	calc       *target.Calculator
	tracker    *tracker.Tracker
	escalation *escalation.Engine
	out        Enqueuer

	breachRecipient string
	breachMethods   models.MethodList

	operator *operator.Queue
	metrics  *monitoring.Metrics
	clock    clock.Clock
	logger   *zap.Logger

	snapMu       sync.RWMutex
	snap         *repository.Snapshot
	reportedSnap int64

	pendingMu sync.Mutex
	pending   map[string]*pendingCase

	faultMu sync.Mutex
	faults  map[string]int64

	rollupMu   sync.RWMutex
	lastRollup time.Time
	rollupErr  error
}

// Option configures an Engine.
type Option func(*Engine)

// WithCalculator replaces the default deadline calculator.
func WithCalculator(c *target.Calculator) Option {
	return func(e *Engine) { e.calc = c }
}

// WithTracker replaces the tracker built from the stores.
func WithTracker(t *tracker.Tracker) Option {
	return func(e *Engine) { e.tracker = t }
}

// WithEscalation replaces the default escalation engine.
func WithEscalation(x *escalation.Engine) Option {
	return func(e *Engine) { e.escalation = x }
}

// WithDispatcher sets where escalation and breach messages are handed off.
func WithDispatcher(q Enqueuer) Option {
	return func(e *Engine) { e.out = q }
}

// WithBreachRouting sends a breach signal to recipient over methods for
// every new breach. An empty recipient disables breach signals.
func WithBreachRouting(recipient string, methods models.MethodList) Option {
	return func(e *Engine) {
		e.breachRecipient = recipient
		e.breachMethods = methods.Dedup()
	}
}

// WithOperatorQueue routes configuration problems and defects to q.
func WithOperatorQueue(q *operator.Queue) Option {
	return func(e *Engine) { e.operator = q }
}

// WithMetrics injects the prometheus collectors.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger injects a logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New returns an engine over stores. Stores.Tiers, Stores.Rules and
// Stores.Breaches are required.
func New(cfg config.EngineConfig, stores Stores, opts ...Option) (*Engine, error) {
	if stores.Tiers == nil || stores.Rules == nil || stores.Breaches == nil {
		return nil, errors.New("engine: tier, rule and breach stores are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ExternalTimeout <= 0 {
		cfg.ExternalTimeout = 2 * time.Second
	}
	if cfg.AtRiskFraction <= 0 {
		cfg.AtRiskFraction = tracker.DefaultAtRiskFraction
	}

	e := &Engine{
		cfg:     cfg,
		stores:  stores,
		clock:   clock.Real{},
		pending: make(map[string]*pendingCase),
		faults:  make(map[string]int64),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrNop(e.logger)

	if e.calc == nil {
		e.calc = target.NewCalculator(nil, target.WithTimeout(cfg.ExternalTimeout), target.WithLogger(e.logger))
	}
	if e.tracker == nil {
		topts := []tracker.Option{
			tracker.WithAtRiskFraction(cfg.AtRiskFraction),
			tracker.WithClock(e.clock),
			tracker.WithMetrics(e.metrics),
			tracker.WithTimeout(cfg.ExternalTimeout),
			tracker.WithLogger(e.logger),
		}
		if stores.History != nil {
			topts = append(topts, tracker.WithHistory(stores.History))
		}
		e.tracker = tracker.New(stores.Breaches, topts...)
	}
	if e.escalation == nil {
		e.escalation = escalation.NewEngine(escalation.WithMetrics(e.metrics), escalation.WithLogger(e.logger))
	}
	return e, nil
}

// Tracker exposes the live case states.
func (e *Engine) Tracker() *tracker.Tracker { return e.tracker }

// Snapshot returns the configuration snapshot the engine currently works on,
// or nil before the first successful refresh.
func (e *Engine) Snapshot() *repository.Snapshot {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	return e.snap
}

// Refresh reloads the configuration snapshot when the store version moved.
// When the stores cannot be read the last good snapshot stays in use and the
// error is returned alongside it.
func (e *Engine) Refresh(ctx context.Context) (*repository.Snapshot, error) {
	cur := e.Snapshot()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.ExternalTimeout)
	defer cancel()

	version, err := e.stores.Tiers.Version(ctx)
	if err != nil {
		return cur, slaerrors.Classify("engine.refresh", fmt.Errorf("read config version: %w", err))
	}
	if cur != nil && cur.Version == version {
		return cur, nil
	}

	snap, err := repository.LoadSnapshot(ctx, e.stores.Tiers, e.stores.Rules, e.clock.Now())
	if err != nil {
		return cur, slaerrors.Classify("engine.refresh", err)
	}

	e.snapMu.Lock()
	e.snap = snap
	e.snapMu.Unlock()

	e.logger.Info("configuration snapshot loaded", zap.Int64("version", snap.Version))
	e.checkSnapshot(snap)
	return snap, nil
}

// checkSnapshot reports incomplete tiers once per snapshot version.
func (e *Engine) checkSnapshot(snap *repository.Snapshot) {
	e.snapMu.Lock()
	if e.reportedSnap == snap.Version {
		e.snapMu.Unlock()
		return
	}
	e.reportedSnap = snap.Version
	e.snapMu.Unlock()

	for _, missing := range snap.MissingTargets() {
		e.report("", "engine.snapshot", slaerrors.Configuration("engine.snapshot",
			fmt.Errorf("%w: %s", slaerrors.ErrMissingTarget, missing)))
	}
}

// current returns a usable snapshot, loading one if none is cached yet.
func (e *Engine) current(ctx context.Context) (*repository.Snapshot, error) {
	snap, err := e.Refresh(ctx)
	if snap == nil {
		if err == nil {
			err = errors.New("no configuration snapshot")
		}
		return nil, err
	}
	if err != nil {
		e.logger.Warn("using last good configuration snapshot",
			zap.Int64("version", snap.Version), zap.Error(err))
	}
	return snap, nil
}

// resolver returns a tier resolver reading snap.
func (e *Engine) resolver(snap *repository.Snapshot) *tier.Resolver {
	return tier.NewResolver(snap,
		tier.WithDefaultTier(e.cfg.DefaultTier),
		tier.WithTimeout(e.cfg.ExternalTimeout),
		tier.WithLogger(e.logger))
}

func caseFacts(s *models.CaseRuntimeState) condition.Facts {
	return condition.CaseFacts(s.Priority, s.Segment, s.ContractType, s.SupportPlan, s.Tags)
}

// tierOf returns the case's tier from snap. A tier deleted while cases are
// still open is replaced by a bare tier on the default calendar so the case
// can still be measured and finalized.
func (e *Engine) tierOf(snap *repository.Snapshot, s *models.CaseRuntimeState) models.SLATier {
	if t, ok := snap.Tier(s.TierID); ok {
		return t
	}
	e.logger.Warn("case tier no longer configured",
		zap.String("case_id", s.CaseID), zap.String("tier", s.TierID))
	return models.SLATier{ID: s.TierID}
}

func (e *Engine) timeline(snap *repository.Snapshot, s *models.CaseRuntimeState) *target.Timeline {
	return e.calc.Timeline(snap, e.tierOf(snap, s), caseFacts(s))
}

// noteFault reports a broken exclusion met while measuring a case, once per
// case and configuration version.
func (e *Engine) noteFault(snap *repository.Snapshot, caseID, source string, tl *target.Timeline) {
	err := tl.Fault()
	if err == nil {
		return
	}
	e.faultMu.Lock()
	v, seen := e.faults[caseID]
	if !seen || v != snap.Version {
		e.faults[caseID] = snap.Version
	}
	e.faultMu.Unlock()
	if seen && v == snap.Version {
		return
	}
	e.report(caseID, source, fmt.Errorf("exclusions ignored: %w", err))
}

// forgetFaults drops fault bookkeeping of cases no longer tracked.
func (e *Engine) forgetFaults() {
	e.faultMu.Lock()
	ids := make([]string, 0, len(e.faults))
	for id := range e.faults {
		ids = append(ids, id)
	}
	e.faultMu.Unlock()

	for _, id := range ids {
		if e.tracker.Has(id) {
			continue
		}
		e.faultMu.Lock()
		delete(e.faults, id)
		e.faultMu.Unlock()
	}
}

// signalBreaches hands a breach signal for each breach to the dispatcher.
func (e *Engine) signalBreaches(breaches []models.SLABreach) {
	if e.out == nil || e.breachRecipient == "" || len(e.breachMethods) == 0 {
		return
	}
	for _, b := range breaches {
		e.enqueue(dispatch.FromBreach(b, e.breachRecipient, e.breachMethods))
	}
}

func (e *Engine) signalEscalations(events []models.EscalationEvent) {
	if e.out == nil {
		return
	}
	for _, ev := range events {
		e.enqueue(dispatch.FromEscalation(ev))
	}
}

func (e *Engine) enqueue(m dispatch.Message) {
	if !e.out.Enqueue(m) {
		e.logger.Warn("notification not queued",
			zap.String("case_id", m.CaseID),
			zap.String("rule_id", m.RuleID),
			zap.Int("level", m.Level))
	}
}

// report classifies err, logs it and files configuration problems and
// invariant violations with the operator queue.
func (e *Engine) report(caseID, source string, err error) {
	if err == nil {
		return
	}
	fields := []zap.Field{zap.String("case_id", caseID), zap.String("source", source), zap.Error(err)}
	switch {
	case slaerrors.IsConfiguration(err):
		e.metrics.ConfigurationError()
		e.logger.Warn("configuration error", fields...)
		e.operator.Report(operator.KindConfiguration, caseID, source, err.Error(), nil)
	case slaerrors.IsInvariant(err):
		e.logger.Error("data invariant violation", fields...)
		e.operator.Report(operator.KindInvariant, caseID, source, err.Error(), nil)
	case slaerrors.IsTransient(err):
		e.logger.Warn("transient failure, retrying next tick", fields...)
	default:
		e.logger.Error("engine failure", fields...)
	}
}
