package metrics

import (
	"sort"

	"github.com/gotrs-io/gotrs-sla/internal/models"
)

type accumulator struct {
	total, breached, escalated int
	responseSum, resolutionSum float64
	responded, resolved        int
}

func (a *accumulator) add(s *models.CaseRuntimeState, breached bool) {
	a.total++
	if breached {
		a.breached++
	}
	if s.Escalated() {
		a.escalated++
	}
	if s.RespondedAt != nil {
		a.responseSum += s.RespondedAt.Sub(s.CreatedAt).Minutes()
		a.responded++
	}
	if s.ResolvedAt != nil {
		a.resolutionSum += s.ResolvedAt.Sub(s.CreatedAt).Minutes()
		a.resolved++
	}
}

func (a *accumulator) snapshot(slaID string, w Window) models.SLAMetrics {
	m := models.SLAMetrics{
		SLAID:          slaID,
		Period:         w.Period,
		PeriodStart:    w.Start,
		PeriodEnd:      w.End,
		TotalCases:     a.total,
		BreachedCases:  a.breached,
		ComplianceRate: 1.0,
		EscalatedCases: a.escalated,
		ComputedAt:     w.At,
	}
	if a.total > 0 {
		m.ComplianceRate = 1 - float64(a.breached)/float64(a.total)
	}
	if a.responded > 0 {
		m.AvgResponseMinutes = a.responseSum / float64(a.responded)
	}
	if a.resolved > 0 {
		m.AvgResolutionMinutes = a.resolutionSum / float64(a.resolved)
	}
	return m
}

// breachedCases indexes case ids with at least one breach record.
func breachedCases(breaches []models.SLABreach) map[string]struct{} {
	out := make(map[string]struct{}, len(breaches))
	for _, b := range breaches {
		out[b.CaseID] = struct{}{}
	}
	return out
}

// Aggregate computes one snapshot per SLA tier for the cases created inside
// w. A case counts as breached when any of its milestones breached or a
// breach record exists for it. Tiers listed in tiers get a snapshot even
// when no case falls in the window. The inputs are not modified.
func Aggregate(w Window, states []*models.CaseRuntimeState, breaches []models.SLABreach, tiers ...string) []models.SLAMetrics {
	withBreach := breachedCases(breaches)
	acc := make(map[string]*accumulator)
	for _, id := range tiers {
		acc[id] = &accumulator{}
	}

	for _, s := range states {
		if s == nil || !w.Contains(s.CreatedAt) {
			continue
		}
		a, ok := acc[s.TierID]
		if !ok {
			a = &accumulator{}
			acc[s.TierID] = a
		}
		_, hasRecord := withBreach[s.CaseID]
		a.add(s, hasRecord || s.Breached())
	}

	ids := make([]string, 0, len(acc))
	for id := range acc {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]models.SLAMetrics, 0, len(ids))
	for _, id := range ids {
		out = append(out, acc[id].snapshot(id, w))
	}
	return out
}

// Combine is Aggregate across all tiers. The result has an empty SLAID.
func Combine(w Window, states []*models.CaseRuntimeState, breaches []models.SLABreach) models.SLAMetrics {
	withBreach := breachedCases(breaches)
	var a accumulator
	for _, s := range states {
		if s == nil || !w.Contains(s.CreatedAt) {
			continue
		}
		_, hasRecord := withBreach[s.CaseID]
		a.add(s, hasRecord || s.Breached())
	}
	return a.snapshot("", w)
}

// ReportRows converts snapshots into report rows ordered by period start.
func ReportRows(ms []models.SLAMetrics) []models.ReportRow {
	sorted := append([]models.SLAMetrics(nil), ms...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].PeriodStart.Before(sorted[j].PeriodStart)
	})

	rows := make([]models.ReportRow, 0, len(sorted))
	for _, m := range sorted {
		rows = append(rows, models.ReportRow{
			Period:         Label(m.Period, m.PeriodStart),
			TotalCases:     m.TotalCases,
			Breached:       m.BreachedCases,
			ComplianceRate: m.ComplianceRate,
			AvgResponse:    m.AvgResponseMinutes,
			AvgResolution:  m.AvgResolutionMinutes,
		})
	}
	return rows
}
