package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gotrs-io/gotrs-sla/internal/clock"
	"github.com/gotrs-io/gotrs-sla/internal/config"
	"github.com/gotrs-io/gotrs-sla/internal/models"
	"github.com/gotrs-io/gotrs-sla/internal/operator"
	"github.com/gotrs-io/gotrs-sla/internal/repository"
	"github.com/gotrs-io/gotrs-sla/internal/services/dispatch"
	"github.com/gotrs-io/gotrs-sla/internal/slaerrors"
)

// Monday morning.
var t0 = time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)

type capture struct {
	mu   sync.Mutex
	msgs []dispatch.Message
}

func (c *capture) Enqueue(m dispatch.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
	return true
}

func (c *capture) rules() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.msgs))
	for _, m := range c.msgs {
		out = append(out, m.RuleID)
	}
	return out
}

type fixture struct {
	engine *Engine
	repo   *repository.MemorySLARepository
	clock  *clock.Fake
	out    *capture
	ops    *operator.Queue
}

func seedTier(t *testing.T, repo *repository.MemorySLARepository, id, segment, contract, plan string, scale int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.SaveTier(ctx, &models.SLATier{
		ID: id, Name: id, IsActive: true,
		CustomerSegments: models.StringList{segment},
		ContractTypes:    models.StringList{contract},
		SupportPlans:     models.StringList{plan},
	}))
	budgets := map[models.Priority][2]int{
		models.PriorityCritical: {15, 60},
		models.PriorityHigh:     {30, 240},
		models.PriorityMedium:   {60, 480},
		models.PriorityLow:      {120, 960},
	}
	for p, b := range budgets {
		require.NoError(t, repo.SaveTarget(ctx, &models.SLATarget{
			TierID: id, Priority: p,
			FirstResponseMinutes: b[0] * scale, ResolutionMinutes: b[1] * scale,
		}))
	}
}

func newFixture(t *testing.T, defaultTier string, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	repo := repository.NewMemorySLARepository()
	seedTier(t, repo, "gold", "enterprise", "annual", "premium", 1)
	seedTier(t, repo, "basic", "smb", "monthly", "standard", 2)

	require.NoError(t, repo.SaveRule(ctx, &models.EscalationRule{
		ID: "gold-l1", TierID: "gold", Name: "breached", IsActive: true,
		TriggerType:         models.TriggerTimeBased,
		TriggerCondition:    models.Conditions{{Field: "milestone_status", Operator: models.OpEquals, Value: "breached"}},
		EscalationLevel:     1,
		EscalateTo:          "tier1-support",
		NotificationMethods: models.MethodList{models.MethodEmail},
	}))
	require.NoError(t, repo.SaveRule(ctx, &models.EscalationRule{
		ID: "gold-l2", TierID: "gold", Name: "long overdue", IsActive: true,
		TriggerType:         models.TriggerTimeBased,
		TriggerCondition:    models.Conditions{{Field: "overdue_minutes", Operator: models.OpGreaterOrEq, Value: "30"}},
		EscalationLevel:     2,
		EscalateTo:          "tier2-support",
		NotificationMethods: models.MethodList{models.MethodSMS, models.MethodEmail},
	}))

	f := &fixture{
		repo:  repo,
		clock: clock.NewFake(t0),
		out:   &capture{},
		ops:   operator.NewQueue(50, nil),
	}
	e, err := New(config.EngineConfig{
		DefaultTier:     defaultTier,
		AtRiskFraction:  0.2,
		Workers:         2,
		ExternalTimeout: time.Second,
		ArchiveGrace:    24 * time.Hour,
		StaleAfter:      time.Hour,
	}, Stores{Tiers: repo, Rules: repo, Breaches: repo, History: repo, Metrics: repo},
		append([]Option{
			WithDispatcher(f.out),
			WithBreachRouting("sla-managers", models.MethodList{models.MethodInApp}),
			WithOperatorQueue(f.ops),
			WithClock(f.clock),
		}, opts...)...)
	require.NoError(t, err)
	f.engine = e
	return f
}

func goldCase(id string, p models.Priority) models.CaseCreated {
	return models.CaseCreated{
		CaseID: id, CustomerSegment: "enterprise", ContractType: "annual", SupportPlan: "premium",
		Priority: p, CreatedAt: t0,
	}
}

func TestNewRequiresStores(t *testing.T) {
	_, err := New(config.EngineConfig{}, Stores{})
	assert.Error(t, err)
}

func TestCaseCreated(t *testing.T) {
	f := newFixture(t, "basic")
	ctx := context.Background()

	s, outcome, err := f.engine.CaseCreated(ctx, goldCase("C-1", models.PriorityCritical))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, "gold", s.TierID)
	require.Contains(t, s.Milestones, "first-response")
	require.Contains(t, s.Milestones, "resolution")
	assert.Equal(t, t0.Add(15*time.Minute), s.Milestones["first-response"].Deadline)
	assert.Equal(t, t0.Add(60*time.Minute), s.Milestones["resolution"].Deadline)
	assert.NotZero(t, s.ConfigVersion)

	again, outcome, err := f.engine.CaseCreated(ctx, goldCase("C-1", models.PriorityLow))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, models.PriorityCritical, again.Priority)

	_, _, err = f.engine.CaseCreated(ctx, models.CaseCreated{CaseID: "C-2"})
	assert.True(t, errors.Is(err, ErrInvalidEvent))
}

func TestCaseCreatedFallsBackToDefaultTier(t *testing.T) {
	f := newFixture(t, "basic")
	ev := goldCase("C-1", models.PriorityHigh)
	ev.CustomerSegment = "public-sector"

	s, _, err := f.engine.CaseCreated(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, "basic", s.TierID)
	assert.Equal(t, t0.Add(60*time.Minute), s.Milestones["first-response"].Deadline)
}

func TestCaseCreatedWithoutTier(t *testing.T) {
	f := newFixture(t, "")
	ev := goldCase("C-1", models.PriorityHigh)
	ev.CustomerSegment = "public-sector"

	_, _, err := f.engine.CaseCreated(context.Background(), ev)
	require.Error(t, err)
	assert.True(t, slaerrors.IsConfiguration(err))
	assert.Equal(t, 0, f.engine.Tracker().Len())
	assert.NotEmpty(t, f.ops.List(operator.KindConfiguration))
}

func TestCaseCreatedMissingTargetUsesDefaultTier(t *testing.T) {
	f := newFixture(t, "basic")
	ctx := context.Background()
	require.NoError(t, f.repo.DeleteTarget(ctx, "gold", models.PriorityCritical))

	s, _, err := f.engine.CaseCreated(ctx, goldCase("C-1", models.PriorityCritical))
	require.NoError(t, err)
	assert.Equal(t, "basic", s.TierID)
	assert.Equal(t, t0.Add(30*time.Minute), s.Milestones["first-response"].Deadline)

	var targetErrors int
	for _, it := range f.ops.List(operator.KindConfiguration) {
		if it.Source == "target.compute" {
			targetErrors++
		}
	}
	assert.Equal(t, 1, targetErrors)
}

func TestEvaluateBreachesAndEscalates(t *testing.T) {
	f := newFixture(t, "basic")
	ctx := context.Background()
	_, _, err := f.engine.CaseCreated(ctx, goldCase("C-1", models.PriorityCritical))
	require.NoError(t, err)

	f.clock.Set(t0.Add(10 * time.Minute))
	report, err := f.engine.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Cases)
	assert.Zero(t, report.Breaches)
	assert.Empty(t, f.out.rules())

	f.clock.Set(t0.Add(16 * time.Minute))
	report, err = f.engine.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Breaches)
	assert.Equal(t, 1, report.Escalations)
	assert.ElementsMatch(t, []string{"breach:response", "gold-l1"}, f.out.rules())

	// A second tick at the same instant changes nothing.
	report, err = f.engine.Evaluate(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Breaches)
	assert.Zero(t, report.Escalations)

	f.clock.Set(t0.Add(46 * time.Minute))
	report, err = f.engine.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Escalations)
	assert.Equal(t, []string{"breach:response", "gold-l1", "gold-l2"}, f.out.rules())

	s, ok := f.engine.Tracker().Get("C-1")
	require.True(t, ok)
	assert.Equal(t, []int{1, 2}, s.FiredLevels())

	open, err := f.repo.ListBreaches(ctx, repository.BreachFilter{CaseID: "C-1", OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, models.BreachResponse, open[0].BreachType)
}

func TestInactiveRuleStopsFiringNextTick(t *testing.T) {
	f := newFixture(t, "basic")
	ctx := context.Background()
	_, _, err := f.engine.CaseCreated(ctx, goldCase("C-1", models.PriorityCritical))
	require.NoError(t, err)

	rule, err := f.repo.GetRule(ctx, "gold-l1")
	require.NoError(t, err)
	rule.IsActive = false
	rule.UpdatedAt = time.Time{}
	require.NoError(t, f.repo.SaveRule(ctx, rule))

	f.clock.Set(t0.Add(16 * time.Minute))
	report, err := f.engine.Evaluate(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Escalations)
	assert.Equal(t, []string{"breach:response"}, f.out.rules())
}

func TestRespondedAndPriorityChange(t *testing.T) {
	f := newFixture(t, "basic")
	ctx := context.Background()
	_, _, err := f.engine.CaseCreated(ctx, goldCase("C-1", models.PriorityHigh))
	require.NoError(t, err)

	outcome, err := f.engine.CaseResponded(ctx, models.CaseResponded{CaseID: "C-1", RespondedAt: t0.Add(10 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	outcome, err = f.engine.CaseResponded(ctx, models.CaseResponded{CaseID: "C-1", RespondedAt: t0.Add(11 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	outcome, err = f.engine.CasePriorityChanged(ctx, models.CasePriorityChanged{
		CaseID: "C-1", NewPriority: models.PriorityCritical, ChangedAt: t0.Add(20 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	s, ok := f.engine.Tracker().Get("C-1")
	require.True(t, ok)
	assert.Equal(t, models.PriorityCritical, s.Priority)
	assert.Equal(t, t0.Add(60*time.Minute), s.Milestones["resolution"].Deadline)
	fr := s.Milestones["first-response"]
	require.NotNil(t, fr.CompletedAt)
	assert.Equal(t, t0.Add(30*time.Minute), fr.Deadline, "completed milestones keep their deadline")

	outcome, err = f.engine.CasePriorityChanged(ctx, models.CasePriorityChanged{CaseID: "C-1", NewPriority: models.PriorityCritical})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
}

func TestOutOfOrderEvents(t *testing.T) {
	f := newFixture(t, "basic")
	ctx := context.Background()

	outcome, err := f.engine.CaseResponded(ctx, models.CaseResponded{CaseID: "C-9", RespondedAt: t0.Add(5 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeBuffered, outcome)
	outcome, err = f.engine.CaseClosed(ctx, models.CaseClosed{CaseID: "C-9", ClosedAt: t0.Add(50 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeBuffered, outcome)
	assert.Equal(t, 1, f.engine.PendingLen())

	s, _, err := f.engine.CaseCreated(ctx, goldCase("C-9", models.PriorityCritical))
	require.NoError(t, err)
	assert.Equal(t, 0, f.engine.PendingLen())
	assert.Equal(t, models.CaseStatusClosed, s.Status)
	assert.True(t, s.Cancelled())
	require.NotNil(t, s.RespondedAt)
	assert.Equal(t, t0.Add(5*time.Minute), *s.RespondedAt)

	report, err := f.engine.Evaluate(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Cases)
}

func TestResolvedCaseStopsEscalating(t *testing.T) {
	f := newFixture(t, "basic")
	ctx := context.Background()
	_, _, err := f.engine.CaseCreated(ctx, goldCase("C-1", models.PriorityCritical))
	require.NoError(t, err)

	outcome, err := f.engine.CaseResolved(ctx, models.CaseResolved{CaseID: "C-1", ResolvedAt: t0.Add(20 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	// Resolved after the first-response deadline: one late breach, signalled once.
	assert.Equal(t, []string{"breach:response"}, f.out.rules())

	outcome, err = f.engine.CaseResolved(ctx, models.CaseResolved{CaseID: "C-1", ResolvedAt: t0.Add(21 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	f.clock.Set(t0.Add(3 * time.Hour))
	report, err := f.engine.Evaluate(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Escalations)
}

func TestArchiveRollupAndStaleness(t *testing.T) {
	f := newFixture(t, "basic")
	ctx := context.Background()

	_, stale := f.engine.Staleness()
	assert.True(t, stale)

	_, _, err := f.engine.CaseCreated(ctx, goldCase("C-1", models.PriorityHigh))
	require.NoError(t, err)
	_, _, err = f.engine.CaseCreated(ctx, goldCase("C-2", models.PriorityHigh))
	require.NoError(t, err)
	_, err = f.engine.CaseResolved(ctx, models.CaseResolved{CaseID: "C-1", ResolvedAt: t0.Add(30 * time.Minute)})
	require.NoError(t, err)

	f.clock.Set(t0.Add(25 * time.Hour))
	n, err := f.engine.Archive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.engine.Tracker().Len())

	ms, err := f.engine.Rollup(ctx, models.PeriodDay, t0)
	require.NoError(t, err)
	byTier := make(map[string]models.SLAMetrics)
	for _, m := range ms {
		byTier[m.SLAID] = m
	}
	require.Contains(t, byTier, "gold")
	require.Contains(t, byTier, "basic")
	assert.Equal(t, 2, byTier["gold"].TotalCases)
	assert.Equal(t, 0, byTier["basic"].TotalCases)
	assert.Equal(t, 1.0, byTier["basic"].ComplianceRate)

	stored, err := f.repo.ListMetrics(ctx, "gold", models.PeriodDay, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.NotEmpty(t, stored)

	require.NoError(t, f.engine.RollupAll(ctx))
	last, stale := f.engine.Staleness()
	assert.False(t, stale)
	assert.Equal(t, t0.Add(25*time.Hour), last)

	f.clock.Advance(2 * time.Hour)
	_, stale = f.engine.Staleness()
	assert.True(t, stale)
}

func TestArchiveDropsOrphanedEvents(t *testing.T) {
	f := newFixture(t, "basic")
	ctx := context.Background()
	_, err := f.engine.CaseResponded(ctx, models.CaseResponded{CaseID: "ghost", RespondedAt: t0})
	require.NoError(t, err)
	require.Equal(t, 1, f.engine.PendingLen())

	f.clock.Advance(25 * time.Hour)
	_, err = f.engine.Archive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, f.engine.PendingLen())
}

func lowPriorityExclusion(tierID string) *models.SLAExclusion {
	return &models.SLAExclusion{
		ID: tierID + "-low", TierID: tierID, Type: models.ExclusionLowPriority, IsActive: true,
		Conditions: models.Conditions{{Field: "priority", Operator: models.OpEquals, Value: "low"}},
	}
}

func TestCaseWideExclusionOnWallClockTier(t *testing.T) {
	f := newFixture(t, "basic")
	ctx := context.Background()
	_, _, err := f.engine.CaseCreated(ctx, goldCase("C-1", models.PriorityLow))
	require.NoError(t, err)

	require.NoError(t, f.repo.SaveExclusion(ctx, lowPriorityExclusion("gold")))

	s, _, err := f.engine.CaseCreated(ctx, goldCase("C-2", models.PriorityLow))
	require.NoError(t, err)
	assert.Equal(t, "gold", s.TierID)
	assert.Equal(t, t0.Add(120*time.Minute), s.Milestones["first-response"].Deadline)
	assert.Equal(t, t0.Add(960*time.Minute), s.Milestones["resolution"].Deadline)

	f.clock.Set(t0.Add(20 * time.Hour))
	report, err := f.engine.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Cases)
	assert.Equal(t, 4, report.Breaches)
	assert.Zero(t, report.Failed)

	for _, id := range []string{"C-1", "C-2"} {
		s, ok := f.engine.Tracker().Get(id)
		require.True(t, ok)
		assert.Equal(t, models.StatusBreached, s.Milestones["resolution"].Status, id)
	}
	assert.Empty(t, f.ops.List(operator.KindConfiguration))
}

func TestCaseWideExclusionPausesBusinessHours(t *testing.T) {
	f := newFixture(t, "basic")
	ctx := context.Background()
	require.NoError(t, f.repo.SaveTarget(ctx, &models.SLATarget{
		TierID: "gold", Priority: models.PriorityLow,
		FirstResponseMinutes: 120, ResolutionMinutes: 960, BusinessHoursOnly: true,
	}))
	require.NoError(t, f.repo.SaveExclusion(ctx, lowPriorityExclusion("gold")))

	s, outcome, err := f.engine.CaseCreated(ctx, goldCase("C-1", models.PriorityLow))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, "gold", s.TierID)

	f.clock.Set(t0.Add(72 * time.Hour))
	report, err := f.engine.Evaluate(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Breaches)
	assert.Zero(t, report.Failed)

	s, ok := f.engine.Tracker().Get("C-1")
	require.True(t, ok)
	for name, m := range s.Milestones {
		assert.NotEqual(t, models.StatusBreached, m.Status, name)
	}
	assert.Empty(t, f.ops.List(operator.KindConfiguration))

	// Once the exclusion is gone, business time accrues again.
	require.NoError(t, f.repo.DeleteExclusion(ctx, "gold-low"))
	report, err = f.engine.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Breaches)
}

func TestExclusionFaultReportedOncePerVersion(t *testing.T) {
	f := newFixture(t, "basic")
	bad := models.SLAExclusion{ID: "bad", TierID: "gold", Type: models.ExclusionCustom, IsActive: true}
	gold := models.SLATier{ID: "gold", IsActive: true}
	s := models.NewCaseRuntimeState("C-1", "gold", models.PriorityLow, t0)

	measure := func(version int64) {
		snap := repository.NewSnapshot(version, t0, repository.SnapshotData{Tiers: []models.SLATier{gold}, Exclusions: []models.SLAExclusion{bad}})
		tl := f.engine.timeline(snap, s)
		_, err := tl.Elapsed(context.Background(), t0, t0.Add(time.Hour), true)
		require.NoError(t, err)
		f.engine.noteFault(snap, s.CaseID, "engine.evaluate", tl)
	}

	measure(7)
	measure(7)
	require.Len(t, f.ops.List(operator.KindConfiguration), 1)
	measure(8)
	assert.Len(t, f.ops.List(operator.KindConfiguration), 2)
}

func TestCaseCreatedAfterArchiveIsDuplicate(t *testing.T) {
	f := newFixture(t, "basic")
	ctx := context.Background()
	_, _, err := f.engine.CaseCreated(ctx, goldCase("C-1", models.PriorityCritical))
	require.NoError(t, err)
	_, err = f.engine.CaseResponded(ctx, models.CaseResponded{CaseID: "C-1", RespondedAt: t0.Add(5 * time.Minute)})
	require.NoError(t, err)
	_, err = f.engine.CaseResolved(ctx, models.CaseResolved{CaseID: "C-1", ResolvedAt: t0.Add(30 * time.Minute)})
	require.NoError(t, err)

	f.clock.Set(t0.Add(25 * time.Hour))
	n, err := f.engine.Archive(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	s, outcome, err := f.engine.CaseCreated(ctx, goldCase("C-1", models.PriorityCritical))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Nil(t, s)
	assert.Equal(t, 0, f.engine.Tracker().Len())

	report, err := f.engine.Evaluate(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Cases)
	assert.Zero(t, report.Breaches)

	open, err := f.repo.ListBreaches(ctx, repository.BreachFilter{CaseID: "C-1", OpenOnly: true})
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestReplayFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	f := newFixture(t, "", WithLogger(zap.New(core)))
	ctx := context.Background()
	require.NoError(t, f.repo.DeleteTarget(ctx, "gold", models.PriorityLow))

	outcome, err := f.engine.CasePriorityChanged(ctx, models.CasePriorityChanged{
		CaseID: "C-1", NewPriority: models.PriorityLow, ChangedAt: t0.Add(time.Minute),
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeBuffered, outcome)

	s, outcome, err := f.engine.CaseCreated(ctx, goldCase("C-1", models.PriorityCritical))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, models.PriorityCritical, s.Priority, "failed change leaves the priority alone")

	entries := logs.FilterMessage("buffered event not applied").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "C-1", fields["case_id"])
	assert.Equal(t, "case-priority-changed", fields["event"])
}
