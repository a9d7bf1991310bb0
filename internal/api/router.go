// Package api exposes the SLA engine over HTTP: case event intake,
// configuration CRUD, breach and metrics reporting, the operator queue and
// in-app inboxes.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-sla/internal/auth"
	"github.com/gotrs-io/gotrs-sla/internal/logging"
	"github.com/gotrs-io/gotrs-sla/internal/middleware"
	"github.com/gotrs-io/gotrs-sla/internal/notifications"
	"github.com/gotrs-io/gotrs-sla/internal/operator"
	"github.com/gotrs-io/gotrs-sla/internal/repository"
	"github.com/gotrs-io/gotrs-sla/internal/services/engine"
	"github.com/gotrs-io/gotrs-sla/internal/version"
)

// Deps are the collaborators the handlers serve from.
type Deps struct {
	Engine   *engine.Engine
	Tiers    repository.TierStore
	Rules    repository.RuleStore
	Breaches repository.BreachStore
	Metrics  repository.MetricsStore
	Operator *operator.Queue
	Inbox    notifications.Hub
	// Gatherer backs the /metrics endpoint; nil disables it.
	Gatherer    prometheus.Gatherer
	MetricsPath string
	// Auth validates bearer tokens; nil leaves the API open.
	Auth   *auth.JWTManager
	Logger *zap.Logger
}

// Handler holds the HTTP handlers.
type Handler struct {
	Deps
	logger *zap.Logger
}

// NewHandler returns handlers over d.
func NewHandler(d Deps) *Handler {
	return &Handler{Deps: d, logger: logging.OrNop(d.Logger)}
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(d Deps) *gin.Engine {
	h := NewHandler(d)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), requestLogger(h.logger))
	h.SetupRoutes(r)
	return r
}

// SetupRoutes registers the API on r. Health, version and /metrics stay
// open; everything else goes through the auth middleware.
func (h *Handler) SetupRoutes(r *gin.Engine) {
	if h.Gatherer != nil {
		path := h.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/api/v1")
	v1.GET("/health", h.healthCheck)
	v1.GET("/version", h.versionInfo)

	am := middleware.NewAuthMiddleware(h.Auth)
	protected := v1.Group("", am.RequireAuth())
	allow := am.RequirePermission

	events := protected.Group("/events", allow(auth.PermissionEventsWrite))
	{
		events.POST("/case-created", h.caseCreated)
		events.POST("/case-responded", h.caseResponded)
		events.POST("/case-priority-changed", h.casePriorityChanged)
		events.POST("/case-resolved", h.caseResolved)
		events.POST("/case-closed", h.caseClosed)
	}
	protected.GET("/cases/:id", allow(auth.PermissionCasesRead), h.getCase)

	read := allow(auth.PermissionConfigRead)
	write := allow(auth.PermissionConfigWrite)
	protected.GET("/tiers", read, h.listTiers)
	protected.GET("/tiers/:id", read, h.getTier)
	protected.PUT("/tiers/:id", write, h.saveTier)
	protected.DELETE("/tiers/:id", write, h.deleteTier)
	protected.GET("/tiers/:id/targets", read, h.listTargets)
	protected.PUT("/tiers/:id/targets/:priority", write, h.saveTarget)
	protected.DELETE("/tiers/:id/targets/:priority", write, h.deleteTarget)
	protected.GET("/tiers/:id/exclusions", read, h.listExclusions)
	protected.PUT("/exclusions/:id", write, h.saveExclusion)
	protected.DELETE("/exclusions/:id", write, h.deleteExclusion)
	protected.GET("/milestones", read, h.listMilestones)
	protected.PUT("/milestones/:name", write, h.saveMilestone)
	protected.GET("/rules", read, h.listRules)
	protected.GET("/rules/:id", read, h.getRule)
	protected.PUT("/rules/:id", write, h.saveRule)
	protected.DELETE("/rules/:id", write, h.deleteRule)

	report := allow(auth.PermissionReportView)
	protected.GET("/breaches", report, h.listBreaches)
	protected.GET("/breaches/:id", report, h.getBreach)
	protected.PATCH("/breaches/:id", allow(auth.PermissionBreachWrite), h.annotateBreach)

	protected.GET("/metrics/sla", report, h.slaMetrics)
	protected.GET("/reports/compliance.csv", report, h.exportCSV)
	protected.GET("/reports/compliance.xlsx", report, h.exportXLSX)

	ops := protected.Group("/operator", allow(auth.PermissionOperator))
	ops.GET("/queue", h.operatorQueue)
	ops.POST("/queue/:id/ack", h.acknowledge)

	protected.GET("/inbox/:recipient", allow(auth.PermissionInboxRead), h.inbox)
}

func (h *Handler) healthCheck(c *gin.Context) {
	resp := gin.H{"status": "healthy", "cases_tracked": 0, "pending_events": 0}
	if h.Engine != nil {
		resp["cases_tracked"] = h.Engine.Tracker().Len()
		resp["pending_events"] = h.Engine.PendingLen()
		if snap := h.Engine.Snapshot(); snap != nil {
			resp["config_version"] = snap.Version
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) versionInfo(c *gin.Context) {
	c.JSON(http.StatusOK, version.GetInfo())
}
