package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gotrs-io/gotrs-sla/internal/models"
	"github.com/gotrs-io/gotrs-sla/internal/slaerrors"
)

type targetKey struct {
	tierID   string
	priority models.Priority
}

type metricsKey struct {
	slaID  string
	period models.Period
	start  int64
}

// MemorySLARepository is an in-memory implementation of every SLA store.
// Reads return copies so callers never share state with the repository.
type MemorySLARepository struct {
	mu          sync.RWMutex
	tiers       map[string]*models.SLATier
	targets     map[targetKey]*models.SLATarget
	exclusions  map[string]*models.SLAExclusion
	milestones  map[string]*models.SLAMilestone
	rules       map[string]*models.EscalationRule
	breaches    map[string]*models.SLABreach
	openBreach  map[models.BreachKey]string
	history     map[string]*models.CaseRuntimeState
	metrics     map[metricsKey]models.SLAMetrics
	version     int64
	now         func() time.Time
}

// NewMemorySLARepository creates a new in-memory SLA repository
func NewMemorySLARepository() *MemorySLARepository {
	return &MemorySLARepository{
		tiers:      make(map[string]*models.SLATier),
		targets:    make(map[targetKey]*models.SLATarget),
		exclusions: make(map[string]*models.SLAExclusion),
		milestones: make(map[string]*models.SLAMilestone),
		rules:      make(map[string]*models.EscalationRule),
		breaches:   make(map[string]*models.SLABreach),
		openBreach: make(map[models.BreachKey]string),
		history:    make(map[string]*models.CaseRuntimeState),
		metrics:    make(map[metricsKey]models.SLAMetrics),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ListTiers returns tiers ordered by id.
func (r *MemorySLARepository) ListTiers(ctx context.Context, activeOnly bool) ([]models.SLATier, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.SLATier, 0, len(r.tiers))
	for _, t := range r.tiers {
		if activeOnly && !t.IsActive {
			continue
		}
		out = append(out, copyTier(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetTier retrieves a tier by id.
func (r *MemorySLARepository) GetTier(ctx context.Context, id string) (*models.SLATier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tiers[id]
	if !ok {
		return nil, fmt.Errorf("tier %s: %w", id, slaerrors.ErrNotFound)
	}
	c := copyTier(t)
	return &c, nil
}

// SaveTier creates or replaces a tier.
func (r *MemorySLARepository) SaveTier(ctx context.Context, tier *models.SLATier) error {
	if err := ValidateTier(tier); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if existing, ok := r.tiers[tier.ID]; ok && tier.CreatedAt.IsZero() {
		tier.CreatedAt = existing.CreatedAt
	}
	if tier.CreatedAt.IsZero() {
		tier.CreatedAt = now
	}
	if tier.UpdatedAt.IsZero() {
		tier.UpdatedAt = now
	}
	stored := copyTier(tier)
	r.tiers[tier.ID] = &stored
	r.version++
	return nil
}

// DeleteTier removes a tier with its targets, exclusions and rules.
func (r *MemorySLARepository) DeleteTier(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tiers[id]; !ok {
		return fmt.Errorf("tier %s: %w", id, slaerrors.ErrNotFound)
	}
	delete(r.tiers, id)
	for k := range r.targets {
		if k.tierID == id {
			delete(r.targets, k)
		}
	}
	for k, e := range r.exclusions {
		if e.TierID == id {
			delete(r.exclusions, k)
		}
	}
	for k, rule := range r.rules {
		if rule.TierID == id {
			delete(r.rules, k)
		}
	}
	r.version++
	return nil
}

// ListTargets returns a tier's targets ordered by priority.
func (r *MemorySLARepository) ListTargets(ctx context.Context, tierID string) ([]models.SLATarget, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.SLATarget
	for k, t := range r.targets {
		if tierID != "" && k.tierID != tierID {
			continue
		}
		out = append(out, copyTarget(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TierID != out[j].TierID {
			return out[i].TierID < out[j].TierID
		}
		return out[i].Priority.Rank() < out[j].Priority.Rank()
	})
	return out, nil
}

// SaveTarget creates or replaces the target for (tier, priority).
func (r *MemorySLARepository) SaveTarget(ctx context.Context, target *models.SLATarget) error {
	if err := target.Validate(); err != nil {
		return slaerrors.Configuration("target.save", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tiers[target.TierID]; !ok {
		return fmt.Errorf("tier %s: %w", target.TierID, slaerrors.ErrNotFound)
	}
	stored := copyTarget(target)
	r.targets[targetKey{target.TierID, target.Priority}] = &stored
	r.version++
	return nil
}

// DeleteTarget removes the target for (tier, priority).
func (r *MemorySLARepository) DeleteTarget(ctx context.Context, tierID string, priority models.Priority) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := targetKey{tierID, priority}
	if _, ok := r.targets[k]; !ok {
		return fmt.Errorf("target %s/%s: %w", tierID, priority, slaerrors.ErrNotFound)
	}
	delete(r.targets, k)
	r.version++
	return nil
}

// ListExclusions returns a tier's exclusions ordered by id.
func (r *MemorySLARepository) ListExclusions(ctx context.Context, tierID string, activeOnly bool) ([]models.SLAExclusion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.SLAExclusion
	for _, e := range r.exclusions {
		if tierID != "" && e.TierID != tierID {
			continue
		}
		if activeOnly && !e.IsActive {
			continue
		}
		c := *e
		c.Conditions = append(models.Conditions(nil), e.Conditions...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveExclusion creates or replaces an exclusion. An empty id is generated.
func (r *MemorySLARepository) SaveExclusion(ctx context.Context, exclusion *models.SLAExclusion) error {
	if exclusion.ID == "" {
		exclusion.ID = uuid.NewString()
	}
	if err := ValidateExclusion(exclusion); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tiers[exclusion.TierID]; !ok {
		return fmt.Errorf("tier %s: %w", exclusion.TierID, slaerrors.ErrNotFound)
	}
	c := *exclusion
	c.Conditions = append(models.Conditions(nil), exclusion.Conditions...)
	r.exclusions[c.ID] = &c
	r.version++
	return nil
}

// DeleteExclusion removes an exclusion.
func (r *MemorySLARepository) DeleteExclusion(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.exclusions[id]; !ok {
		return fmt.Errorf("exclusion %s: %w", id, slaerrors.ErrNotFound)
	}
	delete(r.exclusions, id)
	r.version++
	return nil
}

// ListMilestones returns the milestone catalogue ordered by name.
func (r *MemorySLARepository) ListMilestones(ctx context.Context) ([]models.SLAMilestone, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.SLAMilestone, 0, len(r.milestones))
	for _, m := range r.milestones {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SaveMilestone creates or replaces a milestone.
func (r *MemorySLARepository) SaveMilestone(ctx context.Context, milestone *models.SLAMilestone) error {
	if err := ValidateMilestone(milestone); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *milestone
	r.milestones[c.Name] = &c
	r.version++
	return nil
}

// Version returns the configuration write counter.
func (r *MemorySLARepository) Version(ctx context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version, nil
}

// ListRules returns rules ordered by tier, level and id.
func (r *MemorySLARepository) ListRules(ctx context.Context, tierID string, activeOnly bool) ([]models.EscalationRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.EscalationRule
	for _, rule := range r.rules {
		if tierID != "" && rule.TierID != tierID {
			continue
		}
		if activeOnly && !rule.IsActive {
			continue
		}
		out = append(out, copyRule(rule))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TierID != out[j].TierID {
			return out[i].TierID < out[j].TierID
		}
		if out[i].EscalationLevel != out[j].EscalationLevel {
			return out[i].EscalationLevel < out[j].EscalationLevel
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GetRule retrieves a rule by id.
func (r *MemorySLARepository) GetRule(ctx context.Context, id string) (*models.EscalationRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rule, ok := r.rules[id]
	if !ok {
		return nil, fmt.Errorf("rule %s: %w", id, slaerrors.ErrNotFound)
	}
	c := copyRule(rule)
	return &c, nil
}

// SaveRule creates or replaces a rule.
func (r *MemorySLARepository) SaveRule(ctx context.Context, rule *models.EscalationRule) error {
	if err := ValidateRule(rule); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tiers[rule.TierID]; !ok {
		return fmt.Errorf("tier %s: %w", rule.TierID, slaerrors.ErrNotFound)
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = r.now()
	}
	c := copyRule(rule)
	r.rules[rule.ID] = &c
	r.version++
	return nil
}

// DeleteRule removes a rule.
func (r *MemorySLARepository) DeleteRule(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rules[id]; !ok {
		return fmt.Errorf("rule %s: %w", id, slaerrors.ErrNotFound)
	}
	delete(r.rules, id)
	r.version++
	return nil
}

// CreateBreach records a new open breach.
func (r *MemorySLARepository) CreateBreach(ctx context.Context, breach *models.SLABreach) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := breach.Key()
	if _, ok := r.openBreach[key]; ok {
		return slaerrors.Invariant("breach.create", fmt.Errorf("%w: %s", slaerrors.ErrDuplicateOpenBreach, key))
	}
	if breach.ID == "" {
		breach.ID = uuid.NewString()
	}
	c := copyBreach(breach)
	r.breaches[c.ID] = &c
	if c.Open() {
		r.openBreach[key] = c.ID
	}
	return nil
}

// CloseBreach fills the actual time of the open breach for key.
func (r *MemorySLARepository) CloseBreach(ctx context.Context, key models.BreachKey, actual time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.openBreach[key]
	if !ok {
		return fmt.Errorf("open breach %s: %w", key, slaerrors.ErrNotFound)
	}
	b := r.breaches[id]
	at := actual
	b.ActualTime = &at
	b.IsResolved = true
	delete(r.openBreach, key)
	return nil
}

// GetBreach retrieves a breach by id.
func (r *MemorySLARepository) GetBreach(ctx context.Context, id string) (*models.SLABreach, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.breaches[id]
	if !ok {
		return nil, fmt.Errorf("breach %s: %w", id, slaerrors.ErrNotFound)
	}
	c := copyBreach(b)
	return &c, nil
}

// ListBreaches returns breaches matching filter ordered by expected time.
func (r *MemorySLARepository) ListBreaches(ctx context.Context, filter BreachFilter) ([]models.SLABreach, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.SLABreach
	for _, b := range r.breaches {
		if !filter.matches(b) {
			continue
		}
		out = append(out, copyBreach(b))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpectedTime.Equal(out[j].ExpectedTime) {
			return out[i].ExpectedTime.Before(out[j].ExpectedTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (f BreachFilter) matches(b *models.SLABreach) bool {
	if f.SLAID != "" && b.SLAID != f.SLAID {
		return false
	}
	if f.CaseID != "" && b.CaseID != f.CaseID {
		return false
	}
	if !f.From.IsZero() && b.ExpectedTime.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !b.ExpectedTime.Before(f.To) {
		return false
	}
	if f.OpenOnly && !b.Open() {
		return false
	}
	return true
}

// SetRootCause annotates a breach.
func (r *MemorySLARepository) SetRootCause(ctx context.Context, id, rootCause string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breaches[id]
	if !ok {
		return fmt.Errorf("breach %s: %w", id, slaerrors.ErrNotFound)
	}
	b.RootCause = rootCause
	return nil
}

// ArchiveCase stores a terminal case state.
func (r *MemorySLARepository) ArchiveCase(ctx context.Context, state *models.CaseRuntimeState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history[state.CaseID] = state.Clone()
	return nil
}

// HasCase reports whether caseID was archived.
func (r *MemorySLARepository) HasCase(ctx context.Context, caseID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.history[caseID]
	return ok, nil
}

// ListCases returns archived cases created in [from, to).
func (r *MemorySLARepository) ListCases(ctx context.Context, from, to time.Time) ([]models.CaseRuntimeState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.CaseRuntimeState
	for _, s := range r.history {
		if s.CreatedAt.Before(from) || !s.CreatedAt.Before(to) {
			continue
		}
		out = append(out, *s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CaseID < out[j].CaseID })
	return out, nil
}

// SaveMetrics stores snapshots, replacing any with the same key.
func (r *MemorySLARepository) SaveMetrics(ctx context.Context, metrics []models.SLAMetrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range metrics {
		r.metrics[metricsKey{m.SLAID, m.Period, m.PeriodStart.UnixNano()}] = m
	}
	return nil
}

// ListMetrics returns snapshots whose period starts in [from, to). An empty slaID lists all tiers.
func (r *MemorySLARepository) ListMetrics(ctx context.Context, slaID string, period models.Period, from, to time.Time) ([]models.SLAMetrics, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.SLAMetrics
	for k, m := range r.metrics {
		if (slaID != "" && k.slaID != slaID) || k.period != period {
			continue
		}
		if m.PeriodStart.Before(from) || (!to.IsZero() && !m.PeriodStart.Before(to)) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PeriodStart.Equal(out[j].PeriodStart) {
			return out[i].PeriodStart.Before(out[j].PeriodStart)
		}
		return out[i].SLAID < out[j].SLAID
	})
	return out, nil
}

func copyTier(t *models.SLATier) models.SLATier {
	c := *t
	c.CustomerSegments = append(models.StringList(nil), t.CustomerSegments...)
	c.ContractTypes = append(models.StringList(nil), t.ContractTypes...)
	c.SupportPlans = append(models.StringList(nil), t.SupportPlans...)
	c.Milestones = append(models.StringList(nil), t.Milestones...)
	return c
}

func copyTarget(t *models.SLATarget) models.SLATarget {
	c := *t
	if t.FollowUpMinutes != nil {
		v := *t.FollowUpMinutes
		c.FollowUpMinutes = &v
	}
	return c
}

func copyRule(rule *models.EscalationRule) models.EscalationRule {
	c := *rule
	c.TriggerCondition = append(models.Conditions(nil), rule.TriggerCondition...)
	c.NotificationMethods = append(models.MethodList(nil), rule.NotificationMethods...)
	return c
}

func copyBreach(b *models.SLABreach) models.SLABreach {
	c := *b
	if b.ActualTime != nil {
		v := *b.ActualTime
		c.ActualTime = &v
	}
	return c
}
