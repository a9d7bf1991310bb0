package repository

import (
	"fmt"

	"github.com/gotrs-io/gotrs-sla/internal/condition"
	"github.com/gotrs-io/gotrs-sla/internal/models"
	"github.com/gotrs-io/gotrs-sla/internal/slaerrors"
)

// ValidateTier checks a tier before it is stored.
func ValidateTier(t *models.SLATier) error {
	if t.ID == "" {
		return slaerrors.Configurationf("tier.save", "tier id is required")
	}
	if t.Name == "" {
		return slaerrors.Configurationf("tier.save", "tier %s: name is required", t.ID)
	}
	return nil
}

// ValidateExclusion checks an exclusion's type and conditions. Types that
// only make sense with a condition reject an empty list.
func ValidateExclusion(e *models.SLAExclusion) error {
	if e.TierID == "" {
		return slaerrors.Configurationf("exclusion.save", "exclusion %s: tier_id is required", e.ID)
	}
	if !e.Type.Valid() {
		return slaerrors.Configurationf("exclusion.save", "exclusion %s: unknown type %q", e.ID, e.Type)
	}
	if e.Type.RequiresCondition() && len(e.Conditions) == 0 {
		return slaerrors.Configuration("exclusion.save",
			fmt.Errorf("%w: exclusion %s of type %s needs at least one condition", slaerrors.ErrMalformedCondition, e.ID, e.Type))
	}
	return condition.Validate(e.Conditions)
}

// ValidateMilestone checks a catalogue milestone.
func ValidateMilestone(m *models.SLAMilestone) error {
	if m.Name == "" {
		return slaerrors.Configurationf("milestone.save", "milestone name is required")
	}
	if !m.Type.Valid() {
		return slaerrors.Configurationf("milestone.save", "milestone %s: unknown type %q", m.Name, m.Type)
	}
	if m.OffsetMinutes <= 0 {
		return slaerrors.Configurationf("milestone.save", "milestone %s: offset must be positive", m.Name)
	}
	return nil
}

// ValidateRule checks a rule's shape and its trigger conditions.
func ValidateRule(r *models.EscalationRule) error {
	if err := r.Validate(); err != nil {
		return slaerrors.Configuration("rule.save", err)
	}
	return condition.Validate(r.TriggerCondition)
}
