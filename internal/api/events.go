package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gotrs-io/gotrs-sla/internal/models"
	"github.com/gotrs-io/gotrs-sla/internal/services/engine"
)

func outcomeStatus(o engine.Outcome, created bool) int {
	switch o {
	case engine.OutcomeBuffered:
		return http.StatusAccepted
	case engine.OutcomeApplied:
		if created {
			return http.StatusCreated
		}
	}
	return http.StatusOK
}

func (h *Handler) caseCreated(c *gin.Context) {
	var ev models.CaseCreated
	if err := c.ShouldBindJSON(&ev); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	state, outcome, err := h.Engine.CaseCreated(c.Request.Context(), ev)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(outcomeStatus(outcome, true), gin.H{"success": true, "outcome": outcome, "data": state})
}

func (h *Handler) caseResponded(c *gin.Context) {
	var ev models.CaseResponded
	if err := c.ShouldBindJSON(&ev); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	outcome, err := h.Engine.CaseResponded(c.Request.Context(), ev)
	h.eventResult(c, ev.CaseID, outcome, err)
}

func (h *Handler) casePriorityChanged(c *gin.Context) {
	var ev models.CasePriorityChanged
	if err := c.ShouldBindJSON(&ev); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	outcome, err := h.Engine.CasePriorityChanged(c.Request.Context(), ev)
	h.eventResult(c, ev.CaseID, outcome, err)
}

func (h *Handler) caseResolved(c *gin.Context) {
	var ev models.CaseResolved
	if err := c.ShouldBindJSON(&ev); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	outcome, err := h.Engine.CaseResolved(c.Request.Context(), ev)
	h.eventResult(c, ev.CaseID, outcome, err)
}

func (h *Handler) caseClosed(c *gin.Context) {
	var ev models.CaseClosed
	if err := c.ShouldBindJSON(&ev); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	outcome, err := h.Engine.CaseClosed(c.Request.Context(), ev)
	h.eventResult(c, ev.CaseID, outcome, err)
}

func (h *Handler) eventResult(c *gin.Context, caseID string, outcome engine.Outcome, err error) {
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(outcomeStatus(outcome, false), gin.H{"success": true, "outcome": outcome, "case_id": caseID})
}

func (h *Handler) getCase(c *gin.Context) {
	state, found := h.Engine.Tracker().Get(c.Param("id"))
	if !found {
		fail(c, http.StatusNotFound, "case not tracked")
		return
	}
	type milestoneView struct {
		*models.MilestoneState
		Progress float64 `json:"progress"`
	}
	milestones := make([]milestoneView, 0, len(state.Milestones))
	for _, name := range state.MilestoneNames() {
		m := state.Milestones[name]
		milestones = append(milestones, milestoneView{MilestoneState: m, Progress: m.DisplayProgress()})
	}
	ok(c, http.StatusOK, gin.H{
		"case":             state,
		"milestones":       milestones,
		"escalated_levels": state.FiredLevels(),
	})
}
