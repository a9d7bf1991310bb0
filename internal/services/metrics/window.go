// Package metrics rolls tracker state up into SLAMetrics snapshots and
// renders compliance reports.
package metrics

import (
	"fmt"
	"time"

	"github.com/gotrs-io/gotrs-sla/internal/models"
)

// Window is a closed-open reporting interval [Start, End).
type Window struct {
	Period models.Period
	Start  time.Time
	End    time.Time
	// At stamps ComputedAt on the produced snapshots.
	At time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Label names the window the way report rows show it.
func (w Window) Label() string {
	return Label(w.Period, w.Start)
}

// Label renders a period start as 2024-03-04, 2024-W10, 2024-03 or 2024-Q1.
func Label(p models.Period, start time.Time) string {
	switch p {
	case models.PeriodWeek:
		y, wk := start.ISOWeek()
		return fmt.Sprintf("%d-W%02d", y, wk)
	case models.PeriodMonth:
		return start.Format("2006-01")
	case models.PeriodQuarter:
		return fmt.Sprintf("%d-Q%d", start.Year(), (int(start.Month())-1)/3+1)
	default:
		return start.Format("2006-01-02")
	}
}

// WindowFor returns the period window containing t, aligned in t's location.
// Weeks start on Monday.
func WindowFor(p models.Period, t time.Time) Window {
	y, m, d := t.Date()
	loc := t.Location()
	var start, end time.Time
	switch p {
	case models.PeriodWeek:
		offset := (int(t.Weekday()) + 6) % 7
		start = time.Date(y, m, d-offset, 0, 0, 0, 0, loc)
		end = start.AddDate(0, 0, 7)
	case models.PeriodMonth:
		start = time.Date(y, m, 1, 0, 0, 0, 0, loc)
		end = start.AddDate(0, 1, 0)
	case models.PeriodQuarter:
		qm := time.Month((int(m)-1)/3*3 + 1)
		start = time.Date(y, qm, 1, 0, 0, 0, 0, loc)
		end = start.AddDate(0, 3, 0)
	default:
		p = models.PeriodDay
		start = time.Date(y, m, d, 0, 0, 0, 0, loc)
		end = start.AddDate(0, 0, 1)
	}
	return Window{Period: p, Start: start, End: end}
}

// Windows returns consecutive windows covering [from, to). An empty range
// yields no windows.
func Windows(p models.Period, from, to time.Time) []Window {
	if !from.Before(to) {
		return nil
	}
	var out []Window
	for w := WindowFor(p, from); w.Start.Before(to); w = WindowFor(p, w.End) {
		out = append(out, w)
	}
	return out
}
