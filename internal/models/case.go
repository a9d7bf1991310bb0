package models

import (
	"sort"
	"time"
)

// CaseStatus is the external lifecycle status as seen by the engine.
type CaseStatus string

const (
	CaseStatusOpen     CaseStatus = "open"
	CaseStatusResolved CaseStatus = "resolved"
	CaseStatusClosed   CaseStatus = "closed"
)

// Terminal reports whether the case has left active handling.
func (s CaseStatus) Terminal() bool {
	return s == CaseStatusResolved || s == CaseStatusClosed
}

// MilestoneStatus is the compliance state of one case milestone.
type MilestoneStatus string

const (
	StatusPending  MilestoneStatus = "pending"
	StatusOnTrack  MilestoneStatus = "on-track"
	StatusAtRisk   MilestoneStatus = "at-risk"
	StatusBreached MilestoneStatus = "breached"
)

// Rank orders statuses along the monotonic state machine.
func (s MilestoneStatus) Rank() int {
	switch s {
	case StatusOnTrack:
		return 1
	case StatusAtRisk:
		return 2
	case StatusBreached:
		return 3
	}
	return 0
}

// MilestoneState is the live deadline and status of one case milestone.
type MilestoneState struct {
	Name              string          `json:"name"`
	Type              MilestoneType   `json:"type"`
	Deadline          time.Time       `json:"deadline"`
	TargetMinutes     int             `json:"target_minutes"`
	BusinessHoursOnly bool            `json:"business_hours_only"`
	Status            MilestoneStatus `json:"status"`
	ElapsedMinutes    float64         `json:"elapsed_minutes"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	Terminal          bool            `json:"terminal"`
	BreachID          string          `json:"breach_id,omitempty"`
}

// Progress is elapsed/target, unclamped so overrun degrees stay visible.
func (m *MilestoneState) Progress() float64 {
	if m.TargetMinutes <= 0 {
		return 0
	}
	return m.ElapsedMinutes / float64(m.TargetMinutes)
}

// DisplayProgress is Progress as a percentage clamped to [0, 100].
func (m *MilestoneState) DisplayProgress() float64 {
	p := m.Progress() * 100
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// RemainingMinutes is the unconsumed target budget; negative once overdue.
func (m *MilestoneState) RemainingMinutes() float64 {
	return float64(m.TargetMinutes) - m.ElapsedMinutes
}

// CaseRuntimeState is the engine-owned tracking state of one case.
type CaseRuntimeState struct {
	CaseID                string                     `json:"case_id"`
	TierID                string                     `json:"tier_id"`
	Priority              Priority                   `json:"priority"`
	Segment               string                     `json:"customer_segment"`
	ContractType          string                     `json:"contract_type"`
	SupportPlan           string                     `json:"support_plan"`
	Tags                  StringList                 `json:"tags,omitempty"`
	CreatedAt             time.Time                  `json:"created_at"`
	Status                CaseStatus                 `json:"status"`
	RespondedAt           *time.Time                 `json:"responded_at,omitempty"`
	ResolvedAt            *time.Time                 `json:"resolved_at,omitempty"`
	TrackingCancelledAt   *time.Time                 `json:"tracking_cancelled_at,omitempty"`
	Milestones            map[string]*MilestoneState `json:"milestones"`
	FiredEscalationLevels map[int]time.Time          `json:"fired_escalation_levels"`
	ConfigVersion         int64                      `json:"config_version"`
	UpdatedAt             time.Time                  `json:"updated_at"`
}

// NewCaseRuntimeState returns an open state with empty milestone and level sets.
func NewCaseRuntimeState(caseID, tierID string, priority Priority, createdAt time.Time) *CaseRuntimeState {
	return &CaseRuntimeState{
		CaseID:                caseID,
		TierID:                tierID,
		Priority:              priority,
		CreatedAt:             createdAt,
		Status:                CaseStatusOpen,
		Milestones:            make(map[string]*MilestoneState),
		FiredEscalationLevels: make(map[int]time.Time),
	}
}

// Cancelled reports whether tracking has stopped for this case.
func (s *CaseRuntimeState) Cancelled() bool {
	return s.TrackingCancelledAt != nil
}

// HasFired reports whether an escalation level already fired for the case.
func (s *CaseRuntimeState) HasFired(level int) bool {
	_, ok := s.FiredEscalationLevels[level]
	return ok
}

// Escalated reports whether any level has fired.
func (s *CaseRuntimeState) Escalated() bool {
	return len(s.FiredEscalationLevels) > 0
}

// FiredLevels returns fired levels in ascending order.
func (s *CaseRuntimeState) FiredLevels() []int {
	out := make([]int, 0, len(s.FiredEscalationLevels))
	for l := range s.FiredEscalationLevels {
		out = append(out, l)
	}
	sort.Ints(out)
	return out
}

// MilestoneNames returns milestone names in deadline order.
func (s *CaseRuntimeState) MilestoneNames() []string {
	names := make([]string, 0, len(s.Milestones))
	for n := range s.Milestones {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := s.Milestones[names[i]], s.Milestones[names[j]]
		if !a.Deadline.Equal(b.Deadline) {
			return a.Deadline.Before(b.Deadline)
		}
		return names[i] < names[j]
	})
	return names
}

// Breached reports whether any milestone is breached.
func (s *CaseRuntimeState) Breached() bool {
	for _, m := range s.Milestones {
		if m.Status == StatusBreached {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand outside the tracker lock.
func (s *CaseRuntimeState) Clone() *CaseRuntimeState {
	if s == nil {
		return nil
	}
	c := *s
	c.Tags = append(StringList(nil), s.Tags...)
	c.RespondedAt = cloneTime(s.RespondedAt)
	c.ResolvedAt = cloneTime(s.ResolvedAt)
	c.TrackingCancelledAt = cloneTime(s.TrackingCancelledAt)
	c.Milestones = make(map[string]*MilestoneState, len(s.Milestones))
	for k, m := range s.Milestones {
		mc := *m
		mc.CompletedAt = cloneTime(m.CompletedAt)
		c.Milestones[k] = &mc
	}
	c.FiredEscalationLevels = make(map[int]time.Time, len(s.FiredEscalationLevels))
	for l, t := range s.FiredEscalationLevels {
		c.FiredEscalationLevels[l] = t
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
