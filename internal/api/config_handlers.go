package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gotrs-io/gotrs-sla/internal/models"
)

func (h *Handler) listTiers(c *gin.Context) {
	tiers, err := h.Tiers.ListTiers(c.Request.Context(), c.Query("active") == "true")
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, tiers)
}

func (h *Handler) getTier(c *gin.Context) {
	t, err := h.Tiers.GetTier(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, t)
}

func (h *Handler) saveTier(c *gin.Context) {
	var t models.SLATier
	if err := c.ShouldBindJSON(&t); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	t.ID = c.Param("id")
	if err := h.Tiers.SaveTier(c.Request.Context(), &t); err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, t)
}

func (h *Handler) deleteTier(c *gin.Context) {
	if err := h.Tiers.DeleteTier(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listTargets(c *gin.Context) {
	targets, err := h.Tiers.ListTargets(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, targets)
}

func (h *Handler) saveTarget(c *gin.Context) {
	p, err := models.ParsePriority(c.Param("priority"))
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	var t models.SLATarget
	if err := c.ShouldBindJSON(&t); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	t.TierID = c.Param("id")
	t.Priority = p
	if err := h.Tiers.SaveTarget(c.Request.Context(), &t); err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, t)
}

func (h *Handler) deleteTarget(c *gin.Context) {
	p, err := models.ParsePriority(c.Param("priority"))
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.Tiers.DeleteTarget(c.Request.Context(), c.Param("id"), p); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listExclusions(c *gin.Context) {
	ex, err := h.Tiers.ListExclusions(c.Request.Context(), c.Param("id"), c.Query("active") == "true")
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, ex)
}

func (h *Handler) saveExclusion(c *gin.Context) {
	var e models.SLAExclusion
	if err := c.ShouldBindJSON(&e); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	e.ID = c.Param("id")
	if err := h.Tiers.SaveExclusion(c.Request.Context(), &e); err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, e)
}

func (h *Handler) deleteExclusion(c *gin.Context) {
	if err := h.Tiers.DeleteExclusion(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listMilestones(c *gin.Context) {
	ms, err := h.Tiers.ListMilestones(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, ms)
}

func (h *Handler) saveMilestone(c *gin.Context) {
	var m models.SLAMilestone
	if err := c.ShouldBindJSON(&m); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	m.Name = c.Param("name")
	if err := h.Tiers.SaveMilestone(c.Request.Context(), &m); err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, m)
}

func (h *Handler) listRules(c *gin.Context) {
	rules, err := h.Rules.ListRules(c.Request.Context(), c.Query("tier"), c.Query("active") == "true")
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, rules)
}

func (h *Handler) getRule(c *gin.Context) {
	r, err := h.Rules.GetRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, r)
}

func (h *Handler) saveRule(c *gin.Context) {
	var r models.EscalationRule
	if err := c.ShouldBindJSON(&r); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	r.ID = c.Param("id")
	if err := h.Rules.SaveRule(c.Request.Context(), &r); err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, r)
}

func (h *Handler) deleteRule(c *gin.Context) {
	if err := h.Rules.DeleteRule(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
