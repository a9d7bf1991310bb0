package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gotrs-io/gotrs-sla/internal/models"
	"github.com/gotrs-io/gotrs-sla/internal/slaerrors"
)

// Snapshot is an immutable view of SLA configuration at one store version.
// The engine reads one snapshot per tick so a tick never sees a half-applied edit.
type Snapshot struct {
	Version  int64
	LoadedAt time.Time

	tiers      map[string]models.SLATier
	targets    map[string]map[models.Priority]models.SLATarget
	exclusions map[string][]models.SLAExclusion
	milestones map[string]models.SLAMilestone
	rules      map[string][]models.EscalationRule
}

// SnapshotData is the raw material of a snapshot.
type SnapshotData struct {
	Tiers      []models.SLATier
	Targets    []models.SLATarget
	Exclusions []models.SLAExclusion
	Milestones []models.SLAMilestone
	Rules      []models.EscalationRule
}

// NewSnapshot indexes data. Only active exclusions and rules are kept.
func NewSnapshot(version int64, loadedAt time.Time, data SnapshotData) *Snapshot {
	s := &Snapshot{
		Version:    version,
		LoadedAt:   loadedAt,
		tiers:      make(map[string]models.SLATier, len(data.Tiers)),
		targets:    make(map[string]map[models.Priority]models.SLATarget),
		exclusions: make(map[string][]models.SLAExclusion),
		milestones: make(map[string]models.SLAMilestone, len(data.Milestones)),
		rules:      make(map[string][]models.EscalationRule),
	}
	for _, t := range data.Tiers {
		s.tiers[t.ID] = t
	}
	for _, t := range data.Targets {
		if s.targets[t.TierID] == nil {
			s.targets[t.TierID] = make(map[models.Priority]models.SLATarget)
		}
		s.targets[t.TierID][t.Priority] = t
	}
	for _, e := range data.Exclusions {
		if e.IsActive {
			s.exclusions[e.TierID] = append(s.exclusions[e.TierID], e)
		}
	}
	for _, m := range data.Milestones {
		s.milestones[m.Name] = m
	}
	for _, r := range data.Rules {
		if r.IsActive {
			s.rules[r.TierID] = append(s.rules[r.TierID], r)
		}
	}
	for id := range s.rules {
		models.SortRulesByLevel(s.rules[id])
	}
	return s
}

// LoadSnapshot reads every configuration entity from the stores.
func LoadSnapshot(ctx context.Context, tiers TierStore, rules RuleStore, now time.Time) (*Snapshot, error) {
	version, err := tiers.Version(ctx)
	if err != nil {
		return nil, fmt.Errorf("read config version: %w", err)
	}

	var data SnapshotData
	if data.Tiers, err = tiers.ListTiers(ctx, false); err != nil {
		return nil, fmt.Errorf("list tiers: %w", err)
	}
	if data.Targets, err = tiers.ListTargets(ctx, ""); err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	if data.Exclusions, err = tiers.ListExclusions(ctx, "", true); err != nil {
		return nil, fmt.Errorf("list exclusions: %w", err)
	}
	if data.Milestones, err = tiers.ListMilestones(ctx); err != nil {
		return nil, fmt.Errorf("list milestones: %w", err)
	}
	if data.Rules, err = rules.ListRules(ctx, "", true); err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return NewSnapshot(version, now, data), nil
}

// ListTiers returns the snapshot's tiers ordered by id.
func (s *Snapshot) ListTiers(_ context.Context, activeOnly bool) ([]models.SLATier, error) {
	out := make([]models.SLATier, 0, len(s.tiers))
	for _, t := range s.tiers {
		if activeOnly && !t.IsActive {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetTier returns a tier by id.
func (s *Snapshot) GetTier(_ context.Context, id string) (*models.SLATier, error) {
	t, ok := s.tiers[id]
	if !ok {
		return nil, fmt.Errorf("tier %s: %w", id, slaerrors.ErrNotFound)
	}
	return &t, nil
}

// Tier returns a tier by id.
func (s *Snapshot) Tier(id string) (models.SLATier, bool) {
	t, ok := s.tiers[id]
	return t, ok
}

// Target returns the target of a tier for priority.
func (s *Snapshot) Target(tierID string, p models.Priority) (models.SLATarget, bool) {
	t, ok := s.targets[tierID][p]
	return t, ok
}

// Exclusions returns the active exclusions of a tier.
func (s *Snapshot) Exclusions(tierID string) []models.SLAExclusion {
	return s.exclusions[tierID]
}

// Milestone returns a catalogue milestone by name.
func (s *Snapshot) Milestone(name string) (models.SLAMilestone, bool) {
	m, ok := s.milestones[name]
	return m, ok
}

// Rules returns the active rules of a tier in ascending level.
func (s *Snapshot) Rules(tierID string) []models.EscalationRule {
	return s.rules[tierID]
}

// MissingTargets lists "tier/priority" pairs an active tier has no target for.
func (s *Snapshot) MissingTargets() []string {
	var out []string
	for id, t := range s.tiers {
		if !t.IsActive {
			continue
		}
		for _, p := range models.AllPriorities {
			if _, ok := s.targets[id][p]; !ok {
				out = append(out, id+"/"+string(p))
			}
		}
	}
	sort.Strings(out)
	return out
}
