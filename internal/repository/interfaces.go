package repository

import (
	"context"
	"time"

	"github.com/gotrs-io/gotrs-sla/internal/models"
)

// TierStore persists SLA tiers with their targets, exclusions and the shared
// milestone catalogue.
type TierStore interface {
	ListTiers(ctx context.Context, activeOnly bool) ([]models.SLATier, error)
	GetTier(ctx context.Context, id string) (*models.SLATier, error)
	SaveTier(ctx context.Context, tier *models.SLATier) error
	DeleteTier(ctx context.Context, id string) error

	ListTargets(ctx context.Context, tierID string) ([]models.SLATarget, error)
	SaveTarget(ctx context.Context, target *models.SLATarget) error
	DeleteTarget(ctx context.Context, tierID string, priority models.Priority) error

	ListExclusions(ctx context.Context, tierID string, activeOnly bool) ([]models.SLAExclusion, error)
	SaveExclusion(ctx context.Context, exclusion *models.SLAExclusion) error
	DeleteExclusion(ctx context.Context, id string) error

	ListMilestones(ctx context.Context) ([]models.SLAMilestone, error)
	SaveMilestone(ctx context.Context, milestone *models.SLAMilestone) error

	// Version increases on every configuration write.
	Version(ctx context.Context) (int64, error)
}

// RuleStore persists escalation rules. An empty tierID lists every tier.
type RuleStore interface {
	ListRules(ctx context.Context, tierID string, activeOnly bool) ([]models.EscalationRule, error)
	GetRule(ctx context.Context, id string) (*models.EscalationRule, error)
	SaveRule(ctx context.Context, rule *models.EscalationRule) error
	DeleteRule(ctx context.Context, id string) error
}

// BreachFilter narrows a breach listing. Zero values do not filter.
type BreachFilter struct {
	SLAID    string
	CaseID   string
	From     time.Time
	To       time.Time
	OpenOnly bool
}

// BreachStore persists SLA breaches. CreateBreach rejects a second open breach
// for the same key with slaerrors.ErrDuplicateOpenBreach.
type BreachStore interface {
	CreateBreach(ctx context.Context, breach *models.SLABreach) error
	CloseBreach(ctx context.Context, key models.BreachKey, actual time.Time) error
	GetBreach(ctx context.Context, id string) (*models.SLABreach, error)
	ListBreaches(ctx context.Context, filter BreachFilter) ([]models.SLABreach, error)
	SetRootCause(ctx context.Context, id, rootCause string) error
}

// CaseHistoryStore keeps archived runtime states for reporting.
type CaseHistoryStore interface {
	ArchiveCase(ctx context.Context, state *models.CaseRuntimeState) error
	// HasCase reports whether caseID was archived.
	HasCase(ctx context.Context, caseID string) (bool, error)
	// ListCases returns archived cases created in [from, to).
	ListCases(ctx context.Context, from, to time.Time) ([]models.CaseRuntimeState, error)
}

// MetricsStore keeps SLAMetrics snapshots. Saving a snapshot replaces the one
// with the same (sla, period, start).
type MetricsStore interface {
	SaveMetrics(ctx context.Context, metrics []models.SLAMetrics) error
	ListMetrics(ctx context.Context, slaID string, period models.Period, from, to time.Time) ([]models.SLAMetrics, error)
}
