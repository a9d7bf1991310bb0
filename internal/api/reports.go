package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xeonx/timeago"

	"github.com/gotrs-io/gotrs-sla/internal/models"
	"github.com/gotrs-io/gotrs-sla/internal/repository"
	"github.com/gotrs-io/gotrs-sla/internal/services/metrics"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func (h *Handler) listBreaches(c *gin.Context) {
	from, to, err := timeRange(c)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	openOnly, _ := strconv.ParseBool(c.DefaultQuery("open", "false"))
	breaches, err := h.Breaches.ListBreaches(c.Request.Context(), repository.BreachFilter{
		SLAID:    c.Query("sla_id"),
		CaseID:   c.Query("case_id"),
		From:     from,
		To:       to,
		OpenOnly: openOnly,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, breaches)
}

func (h *Handler) getBreach(c *gin.Context) {
	b, err := h.Breaches.GetBreach(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, b)
}

// annotateBreach fills the root cause, the only field a human edits.
func (h *Handler) annotateBreach(c *gin.Context) {
	var body struct {
		RootCause string `json:"root_cause" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, "root_cause is required")
		return
	}
	ctx := c.Request.Context()
	if err := h.Breaches.SetRootCause(ctx, c.Param("id"), body.RootCause); err != nil {
		h.fail(c, err)
		return
	}
	b, err := h.Breaches.GetBreach(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, b)
}

// loadMetrics reads stored snapshots for the sla_id/period/from/to query.
func (h *Handler) loadMetrics(c *gin.Context) ([]models.SLAMetrics, bool) {
	period, err := models.ParsePeriod(c.DefaultQuery("period", string(models.PeriodDay)))
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return nil, false
	}
	from, to, err := timeRange(c)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return nil, false
	}
	ms, err := h.Metrics.ListMetrics(c.Request.Context(), c.Query("sla_id"), period, from, to)
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return ms, true
}

// slaMetrics always answers with the last stored snapshots and says how
// fresh they are.
func (h *Handler) slaMetrics(c *gin.Context) {
	ms, found := h.loadMetrics(c)
	if !found {
		return
	}
	resp := gin.H{"success": true, "data": ms, "stale": true}
	if h.Engine != nil {
		last, stale := h.Engine.Staleness()
		resp["stale"] = stale
		if !last.IsZero() {
			resp["last_rollup"] = last
			resp["last_rollup_ago"] = timeago.English.Format(last)
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) exportCSV(c *gin.Context) {
	rows, name, found := h.reportRows(c)
	if !found {
		return
	}
	var buf bytes.Buffer
	if err := metrics.ExportCSV(&buf, rows); err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.csv"`, name))
	c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}

func (h *Handler) exportXLSX(c *gin.Context) {
	rows, name, found := h.reportRows(c)
	if !found {
		return
	}
	var buf bytes.Buffer
	if err := metrics.ExportXLSX(&buf, rows); err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.xlsx"`, name))
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}

// reportRows loads one tier's snapshots as export rows.
func (h *Handler) reportRows(c *gin.Context) ([]models.ReportRow, string, bool) {
	slaID := c.Query("sla_id")
	if slaID == "" {
		fail(c, http.StatusBadRequest, "sla_id is required")
		return nil, "", false
	}
	ms, found := h.loadMetrics(c)
	if !found {
		return nil, "", false
	}
	name := fmt.Sprintf("compliance-%s-%s-%s", slaID, c.DefaultQuery("period", "day"), time.Now().UTC().Format("20060102"))
	return metrics.ReportRows(ms), name, true
}
