package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/gotrs-io/gotrs-sla/internal/database"
	"github.com/gotrs-io/gotrs-sla/internal/models"
	"github.com/gotrs-io/gotrs-sla/internal/slaerrors"
)

const (
	tierColumns = `id, name, description, customer_segments, contract_types, support_plans,
		calendar_name, milestones, is_active, created_at, updated_at`
	targetColumns    = `tier_id, priority, first_response_minutes, resolution_minutes, follow_up_minutes, business_hours_only`
	exclusionColumns = `id, tier_id, type, description, conditions, is_active`
	milestoneColumns = `name, type, offset_minutes, description`
	ruleColumns      = `id, tier_id, name, trigger_type, trigger_condition, escalation_level,
		escalate_to, notification_methods, is_active, updated_at`
	breachColumns = `id, case_id, sla_id, breach_type, milestone, expected_time, actual_time,
		severity, root_cause, is_resolved, detected_at`
	metricsColumns = `sla_id, period, period_start, period_end, total_cases, breached_cases,
		compliance_rate, avg_response_minutes, avg_resolution_minutes, escalated_cases, computed_at`
)

var (
	_ TierStore        = (*SQLSLARepository)(nil)
	_ RuleStore        = (*SQLSLARepository)(nil)
	_ BreachStore      = (*SQLSLARepository)(nil)
	_ CaseHistoryStore = (*SQLSLARepository)(nil)
	_ MetricsStore     = (*SQLSLARepository)(nil)
)

// SQLSLARepository implements every SLA store on top of sqlx. Queries are
// written with ? placeholders and rebound for the connected driver.
type SQLSLARepository struct {
	qb  *database.QueryBuilder
	now func() time.Time
}

// NewSQLSLARepository returns a repository over db. The schema must exist;
// see database.Migrate.
func NewSQLSLARepository(db *sqlx.DB) *SQLSLARepository {
	return &SQLSLARepository{
		qb:  database.NewQueryBuilder(db),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (r *SQLSLARepository) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.qb.DB().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func bumpVersion(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE sla_config_version SET version = version + 1 WHERE id = ?`), 1); err != nil {
		return fmt.Errorf("bump config version: %w", err)
	}
	return nil
}

func exists(ctx context.Context, tx *sqlx.Tx, query string, args ...interface{}) (bool, error) {
	var n int
	if err := tx.GetContext(ctx, &n, tx.Rebind(query), args...); err != nil {
		return false, err
	}
	return n > 0, nil
}

func requireAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, slaerrors.ErrNotFound)
	}
	return nil
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, slaerrors.ErrNotFound)
	}
	return err
}

// ListTiers returns tiers ordered by id.
func (r *SQLSLARepository) ListTiers(ctx context.Context, activeOnly bool) ([]models.SLATier, error) {
	var tiers []models.SLATier
	err := r.qb.NewSelect(tierColumns).
		From("sla_tier").
		WhereIf(activeOnly, "is_active = ?", true).
		OrderBy("id").
		SelectContext(ctx, &tiers)
	if err != nil {
		return nil, fmt.Errorf("list tiers: %w", err)
	}
	return tiers, nil
}

// GetTier retrieves a tier by id.
func (r *SQLSLARepository) GetTier(ctx context.Context, id string) (*models.SLATier, error) {
	var tier models.SLATier
	err := r.qb.GetContext(ctx, &tier, `SELECT `+tierColumns+` FROM sla_tier WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err, "tier "+id)
	}
	return &tier, nil
}

// SaveTier creates or replaces a tier, preserving its creation time.
func (r *SQLSLARepository) SaveTier(ctx context.Context, tier *models.SLATier) error {
	if err := ValidateTier(tier); err != nil {
		return err
	}
	now := r.now()
	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		var created time.Time
		err := tx.GetContext(ctx, &created, tx.Rebind(`SELECT created_at FROM sla_tier WHERE id = ?`), tier.ID)
		found := err == nil
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("load tier %s: %w", tier.ID, err)
		}
		if found && tier.CreatedAt.IsZero() {
			tier.CreatedAt = created
		}
		if tier.CreatedAt.IsZero() {
			tier.CreatedAt = now
		}
		if tier.UpdatedAt.IsZero() {
			tier.UpdatedAt = now
		}

		if found {
			_, err = tx.ExecContext(ctx, tx.Rebind(`
				UPDATE sla_tier SET name = ?, description = ?, customer_segments = ?, contract_types = ?,
					support_plans = ?, calendar_name = ?, milestones = ?, is_active = ?, created_at = ?, updated_at = ?
				WHERE id = ?`),
				tier.Name, tier.Description, tier.CustomerSegments, tier.ContractTypes, tier.SupportPlans,
				tier.CalendarName, tier.Milestones, tier.IsActive, tier.CreatedAt, tier.UpdatedAt, tier.ID)
		} else {
			_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO sla_tier (`+tierColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				tier.ID, tier.Name, tier.Description, tier.CustomerSegments, tier.ContractTypes, tier.SupportPlans,
				tier.CalendarName, tier.Milestones, tier.IsActive, tier.CreatedAt, tier.UpdatedAt)
		}
		if err != nil {
			return fmt.Errorf("save tier %s: %w", tier.ID, err)
		}
		return bumpVersion(ctx, tx)
	})
}

// DeleteTier removes a tier with its targets, exclusions and rules.
func (r *SQLSLARepository) DeleteTier(ctx context.Context, id string) error {
	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM sla_tier WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("delete tier %s: %w", id, err)
		}
		if err := requireAffected(res, "tier "+id); err != nil {
			return err
		}
		for _, table := range []string{"sla_target", "sla_exclusion", "escalation_rule"} {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM `+table+` WHERE tier_id = ?`), id); err != nil {
				return fmt.Errorf("delete %s of tier %s: %w", table, id, err)
			}
		}
		return bumpVersion(ctx, tx)
	})
}

func (r *SQLSLARepository) requireTier(ctx context.Context, tx *sqlx.Tx, id string) error {
	ok, err := exists(ctx, tx, `SELECT COUNT(*) FROM sla_tier WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("check tier %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("tier %s: %w", id, slaerrors.ErrNotFound)
	}
	return nil
}

// ListTargets returns targets ordered by tier and priority. An empty tierID
// lists every tier.
func (r *SQLSLARepository) ListTargets(ctx context.Context, tierID string) ([]models.SLATarget, error) {
	var targets []models.SLATarget
	err := r.qb.NewSelect(targetColumns).
		From("sla_target").
		WhereIf(tierID != "", "tier_id = ?", tierID).
		OrderBy("tier_id").
		SelectContext(ctx, &targets)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	sort.SliceStable(targets, func(i, j int) bool {
		if targets[i].TierID != targets[j].TierID {
			return targets[i].TierID < targets[j].TierID
		}
		return targets[i].Priority.Rank() < targets[j].Priority.Rank()
	})
	return targets, nil
}

// SaveTarget creates or replaces the target for (tier, priority).
func (r *SQLSLARepository) SaveTarget(ctx context.Context, target *models.SLATarget) error {
	if err := target.Validate(); err != nil {
		return slaerrors.Configuration("target.save", err)
	}
	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := r.requireTier(ctx, tx, target.TierID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM sla_target WHERE tier_id = ? AND priority = ?`),
			target.TierID, target.Priority); err != nil {
			return fmt.Errorf("replace target %s/%s: %w", target.TierID, target.Priority, err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO sla_target (`+targetColumns+`) VALUES (?, ?, ?, ?, ?, ?)`),
			target.TierID, target.Priority, target.FirstResponseMinutes, target.ResolutionMinutes,
			target.FollowUpMinutes, target.BusinessHoursOnly); err != nil {
			return fmt.Errorf("save target %s/%s: %w", target.TierID, target.Priority, err)
		}
		return bumpVersion(ctx, tx)
	})
}

// DeleteTarget removes the target for (tier, priority).
func (r *SQLSLARepository) DeleteTarget(ctx context.Context, tierID string, priority models.Priority) error {
	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM sla_target WHERE tier_id = ? AND priority = ?`), tierID, priority)
		if err != nil {
			return fmt.Errorf("delete target %s/%s: %w", tierID, priority, err)
		}
		if err := requireAffected(res, fmt.Sprintf("target %s/%s", tierID, priority)); err != nil {
			return err
		}
		return bumpVersion(ctx, tx)
	})
}

// ListExclusions returns exclusions ordered by id.
func (r *SQLSLARepository) ListExclusions(ctx context.Context, tierID string, activeOnly bool) ([]models.SLAExclusion, error) {
	var out []models.SLAExclusion
	err := r.qb.NewSelect(exclusionColumns).
		From("sla_exclusion").
		WhereIf(tierID != "", "tier_id = ?", tierID).
		WhereIf(activeOnly, "is_active = ?", true).
		OrderBy("id").
		SelectContext(ctx, &out)
	if err != nil {
		return nil, fmt.Errorf("list exclusions: %w", err)
	}
	return out, nil
}

// SaveExclusion creates or replaces an exclusion. An empty id is generated.
func (r *SQLSLARepository) SaveExclusion(ctx context.Context, exclusion *models.SLAExclusion) error {
	if exclusion.ID == "" {
		exclusion.ID = uuid.NewString()
	}
	if err := ValidateExclusion(exclusion); err != nil {
		return err
	}
	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := r.requireTier(ctx, tx, exclusion.TierID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM sla_exclusion WHERE id = ?`), exclusion.ID); err != nil {
			return fmt.Errorf("replace exclusion %s: %w", exclusion.ID, err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO sla_exclusion (`+exclusionColumns+`) VALUES (?, ?, ?, ?, ?, ?)`),
			exclusion.ID, exclusion.TierID, exclusion.Type, exclusion.Description, exclusion.Conditions, exclusion.IsActive); err != nil {
			return fmt.Errorf("save exclusion %s: %w", exclusion.ID, err)
		}
		return bumpVersion(ctx, tx)
	})
}

// DeleteExclusion removes an exclusion.
func (r *SQLSLARepository) DeleteExclusion(ctx context.Context, id string) error {
	return r.deleteByID(ctx, "sla_exclusion", "id", "exclusion", id)
}

func (r *SQLSLARepository) deleteByID(ctx context.Context, table, column, what, id string) error {
	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM `+table+` WHERE `+column+` = ?`), id)
		if err != nil {
			return fmt.Errorf("delete %s %s: %w", what, id, err)
		}
		if err := requireAffected(res, what+" "+id); err != nil {
			return err
		}
		return bumpVersion(ctx, tx)
	})
}

// ListMilestones returns the milestone catalogue ordered by name.
func (r *SQLSLARepository) ListMilestones(ctx context.Context) ([]models.SLAMilestone, error) {
	var out []models.SLAMilestone
	if err := r.qb.SelectContext(ctx, &out, `SELECT `+milestoneColumns+` FROM sla_milestone ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list milestones: %w", err)
	}
	return out, nil
}

// SaveMilestone creates or replaces a milestone.
func (r *SQLSLARepository) SaveMilestone(ctx context.Context, milestone *models.SLAMilestone) error {
	if err := ValidateMilestone(milestone); err != nil {
		return err
	}
	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM sla_milestone WHERE name = ?`), milestone.Name); err != nil {
			return fmt.Errorf("replace milestone %s: %w", milestone.Name, err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO sla_milestone (`+milestoneColumns+`) VALUES (?, ?, ?, ?)`),
			milestone.Name, milestone.Type, milestone.OffsetMinutes, milestone.Description); err != nil {
			return fmt.Errorf("save milestone %s: %w", milestone.Name, err)
		}
		return bumpVersion(ctx, tx)
	})
}

// Version returns the configuration write counter.
func (r *SQLSLARepository) Version(ctx context.Context) (int64, error) {
	var v int64
	if err := r.qb.GetContext(ctx, &v, `SELECT version FROM sla_config_version WHERE id = ?`, 1); err != nil {
		return 0, fmt.Errorf("read config version: %w", err)
	}
	return v, nil
}

// ListRules returns rules ordered by tier, level and id.
func (r *SQLSLARepository) ListRules(ctx context.Context, tierID string, activeOnly bool) ([]models.EscalationRule, error) {
	var out []models.EscalationRule
	err := r.qb.NewSelect(ruleColumns).
		From("escalation_rule").
		WhereIf(tierID != "", "tier_id = ?", tierID).
		WhereIf(activeOnly, "is_active = ?", true).
		OrderBy("tier_id", "escalation_level", "id").
		SelectContext(ctx, &out)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return out, nil
}

// GetRule retrieves a rule by id.
func (r *SQLSLARepository) GetRule(ctx context.Context, id string) (*models.EscalationRule, error) {
	var rule models.EscalationRule
	if err := r.qb.GetContext(ctx, &rule, `SELECT `+ruleColumns+` FROM escalation_rule WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "rule "+id)
	}
	return &rule, nil
}

// SaveRule creates or replaces a rule.
func (r *SQLSLARepository) SaveRule(ctx context.Context, rule *models.EscalationRule) error {
	if err := ValidateRule(rule); err != nil {
		return err
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = r.now()
	}
	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := r.requireTier(ctx, tx, rule.TierID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM escalation_rule WHERE id = ?`), rule.ID); err != nil {
			return fmt.Errorf("replace rule %s: %w", rule.ID, err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO escalation_rule (`+ruleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			rule.ID, rule.TierID, rule.Name, rule.TriggerType, rule.TriggerCondition, rule.EscalationLevel,
			rule.EscalateTo, rule.NotificationMethods, rule.IsActive, rule.UpdatedAt); err != nil {
			return fmt.Errorf("save rule %s: %w", rule.ID, err)
		}
		return bumpVersion(ctx, tx)
	})
}

// DeleteRule removes a rule.
func (r *SQLSLARepository) DeleteRule(ctx context.Context, id string) error {
	return r.deleteByID(ctx, "escalation_rule", "id", "rule", id)
}

const openBreachWhere = `case_id = ? AND breach_type = ? AND milestone = ? AND actual_time IS NULL AND is_resolved = ?`

// CreateBreach records a breach. A second open breach for the same key is an
// invariant violation.
func (r *SQLSLARepository) CreateBreach(ctx context.Context, breach *models.SLABreach) error {
	if breach.ID == "" {
		breach.ID = uuid.NewString()
	}
	key := breach.Key()
	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		if breach.Open() {
			open, err := exists(ctx, tx, `SELECT COUNT(*) FROM sla_breach WHERE `+openBreachWhere,
				key.CaseID, key.BreachType, key.Milestone, false)
			if err != nil {
				return fmt.Errorf("check open breach %s: %w", key, err)
			}
			if open {
				return slaerrors.Invariant("breach.create", fmt.Errorf("%w: %s", slaerrors.ErrDuplicateOpenBreach, key))
			}
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO sla_breach (`+breachColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			breach.ID, breach.CaseID, breach.SLAID, breach.BreachType, breach.Milestone, breach.ExpectedTime,
			breach.ActualTime, breach.Severity, breach.RootCause, breach.IsResolved, breach.DetectedAt)
		if database.IsUniqueViolation(err) {
			return slaerrors.Invariant("breach.create", fmt.Errorf("%w: %s", slaerrors.ErrDuplicateOpenBreach, key))
		}
		if err != nil {
			return fmt.Errorf("insert breach %s: %w", key, err)
		}
		return nil
	})
}

// CloseBreach fills the actual time of the open breach for key.
func (r *SQLSLARepository) CloseBreach(ctx context.Context, key models.BreachKey, actual time.Time) error {
	res, err := r.qb.ExecContext(ctx, `UPDATE sla_breach SET actual_time = ?, is_resolved = ? WHERE `+openBreachWhere,
		actual, true, key.CaseID, key.BreachType, key.Milestone, false)
	if err != nil {
		return fmt.Errorf("close breach %s: %w", key, err)
	}
	return requireAffected(res, "open breach "+key.String())
}

// GetBreach retrieves a breach by id.
func (r *SQLSLARepository) GetBreach(ctx context.Context, id string) (*models.SLABreach, error) {
	var b models.SLABreach
	if err := r.qb.GetContext(ctx, &b, `SELECT `+breachColumns+` FROM sla_breach WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "breach "+id)
	}
	return &b, nil
}

// ListBreaches returns breaches matching filter ordered by expected time.
func (r *SQLSLARepository) ListBreaches(ctx context.Context, filter BreachFilter) ([]models.SLABreach, error) {
	var out []models.SLABreach
	err := r.qb.NewSelect(breachColumns).
		From("sla_breach").
		WhereIf(filter.SLAID != "", "sla_id = ?", filter.SLAID).
		WhereIf(filter.CaseID != "", "case_id = ?", filter.CaseID).
		WhereIf(!filter.From.IsZero(), "expected_time >= ?", filter.From).
		WhereIf(!filter.To.IsZero(), "expected_time < ?", filter.To).
		WhereIf(filter.OpenOnly, "actual_time IS NULL AND is_resolved = ?", false).
		OrderBy("expected_time", "id").
		SelectContext(ctx, &out)
	if err != nil {
		return nil, fmt.Errorf("list breaches: %w", err)
	}
	return out, nil
}

// SetRootCause annotates a breach.
func (r *SQLSLARepository) SetRootCause(ctx context.Context, id, rootCause string) error {
	res, err := r.qb.ExecContext(ctx, `UPDATE sla_breach SET root_cause = ? WHERE id = ?`, rootCause, id)
	if err != nil {
		return fmt.Errorf("set root cause %s: %w", id, err)
	}
	return requireAffected(res, "breach "+id)
}

// ArchiveCase stores a terminal case state as JSON.
func (r *SQLSLARepository) ArchiveCase(ctx context.Context, state *models.CaseRuntimeState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode case %s: %w", state.CaseID, err)
	}
	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM sla_case_history WHERE case_id = ?`), state.CaseID); err != nil {
			return fmt.Errorf("replace case %s: %w", state.CaseID, err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO sla_case_history (case_id, tier_id, created_at, state) VALUES (?, ?, ?, ?)`),
			state.CaseID, state.TierID, state.CreatedAt, string(payload)); err != nil {
			return fmt.Errorf("archive case %s: %w", state.CaseID, err)
		}
		return nil
	})
}

// HasCase reports whether caseID was archived.
func (r *SQLSLARepository) HasCase(ctx context.Context, caseID string) (bool, error) {
	var n int
	if err := r.qb.GetContext(ctx, &n, `SELECT COUNT(*) FROM sla_case_history WHERE case_id = ?`, caseID); err != nil {
		return false, fmt.Errorf("look up case %s: %w", caseID, err)
	}
	return n > 0, nil
}

// ListCases returns archived cases created in [from, to).
func (r *SQLSLARepository) ListCases(ctx context.Context, from, to time.Time) ([]models.CaseRuntimeState, error) {
	var payloads []string
	if err := r.qb.SelectContext(ctx, &payloads,
		`SELECT state FROM sla_case_history WHERE created_at >= ? AND created_at < ? ORDER BY case_id`, from, to); err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	out := make([]models.CaseRuntimeState, 0, len(payloads))
	for _, p := range payloads {
		var s models.CaseRuntimeState
		if err := json.Unmarshal([]byte(p), &s); err != nil {
			return nil, fmt.Errorf("decode archived case: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}

// SaveMetrics stores snapshots, replacing any with the same key.
func (r *SQLSLARepository) SaveMetrics(ctx context.Context, metrics []models.SLAMetrics) error {
	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, m := range metrics {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM sla_metrics WHERE sla_id = ? AND period = ? AND period_start = ?`),
				m.SLAID, m.Period, m.PeriodStart); err != nil {
				return fmt.Errorf("replace metrics %s/%s: %w", m.SLAID, m.Period, err)
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO sla_metrics (`+metricsColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				m.SLAID, m.Period, m.PeriodStart, m.PeriodEnd, m.TotalCases, m.BreachedCases, m.ComplianceRate,
				m.AvgResponseMinutes, m.AvgResolutionMinutes, m.EscalatedCases, m.ComputedAt); err != nil {
				return fmt.Errorf("save metrics %s/%s: %w", m.SLAID, m.Period, err)
			}
		}
		return nil
	})
}

// ListMetrics returns snapshots whose period starts in [from, to). An empty
// slaID lists all tiers; a zero to is open-ended.
func (r *SQLSLARepository) ListMetrics(ctx context.Context, slaID string, period models.Period, from, to time.Time) ([]models.SLAMetrics, error) {
	var out []models.SLAMetrics
	err := r.qb.NewSelect(metricsColumns).
		From("sla_metrics").
		Where("period = ?", period).
		WhereIf(slaID != "", "sla_id = ?", slaID).
		WhereIf(!from.IsZero(), "period_start >= ?", from).
		WhereIf(!to.IsZero(), "period_start < ?", to).
		OrderBy("period_start", "sla_id").
		SelectContext(ctx, &out)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	return out, nil
}
