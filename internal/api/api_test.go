package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/gotrs-sla/internal/auth"
	"github.com/gotrs-io/gotrs-sla/internal/clock"
	"github.com/gotrs-io/gotrs-sla/internal/config"
	"github.com/gotrs-io/gotrs-sla/internal/models"
	"github.com/gotrs-io/gotrs-sla/internal/monitoring"
	"github.com/gotrs-io/gotrs-sla/internal/notifications"
	"github.com/gotrs-io/gotrs-sla/internal/operator"
	"github.com/gotrs-io/gotrs-sla/internal/repository"
	"github.com/gotrs-io/gotrs-sla/internal/services/engine"
)

var t0 = time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)

type testServer struct {
	router *gin.Engine
	engine *engine.Engine
	repo   *repository.MemorySLARepository
	clock  *clock.Fake
	ops    *operator.Queue
	hub    notifications.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := repository.NewMemorySLARepository()
	seed, err := repository.FixtureSeed()
	require.NoError(t, err)
	require.NoError(t, seed.Apply(context.Background(), repo, repo))

	reg := prometheus.NewRegistry()
	m := monitoring.New(reg)
	clk := clock.NewFake(t0)
	ops := operator.NewQueue(20, nil)
	e, err := engine.New(config.EngineConfig{DefaultTier: "standard", StaleAfter: time.Hour},
		engine.Stores{Tiers: repo, Rules: repo, Breaches: repo, History: repo, Metrics: repo},
		engine.WithClock(clk), engine.WithMetrics(m), engine.WithOperatorQueue(ops))
	require.NoError(t, err)

	hub := notifications.NewMemoryHub(10)
	router := NewRouter(Deps{
		Engine:   e,
		Tiers:    repo,
		Rules:    repo,
		Breaches: repo,
		Metrics:  repo,
		Operator: ops,
		Inbox:    hub,
		Gatherer: reg,
	})
	return &testServer{router: router, engine: e, repo: repo, clock: clk, ops: ops, hub: hub}
}

func (s *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

const enterpriseCase = `{"case_id":"C-1","customer_segment":"enterprise","contract_type":"annual",
	"support_plan":"premium","priority":"critical","created_at":"2025-01-06T10:00:00Z"}`

func TestHealthAndVersion(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])

	w = s.do(http.MethodGet, "/api/v1/version", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode(t, w), "version")
}

func TestEventEndpoints(t *testing.T) {
	s := newTestServer(t)

	t.Run("case created", func(t *testing.T) {
		w := s.do(http.MethodPost, "/api/v1/events/case-created", enterpriseCase)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		body := decode(t, w)
		assert.Equal(t, "applied", body["outcome"])
	})

	t.Run("duplicate create", func(t *testing.T) {
		w := s.do(http.MethodPost, "/api/v1/events/case-created", enterpriseCase)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "duplicate", decode(t, w)["outcome"])
	})

	t.Run("missing fields", func(t *testing.T) {
		w := s.do(http.MethodPost, "/api/v1/events/case-created", `{"case_id":"C-2"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, false, decode(t, w)["success"])
	})

	t.Run("event before creation is buffered", func(t *testing.T) {
		w := s.do(http.MethodPost, "/api/v1/events/case-responded", `{"case_id":"C-9","responded_at":"2025-01-06T10:05:00Z"}`)
		require.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, "buffered", decode(t, w)["outcome"])
	})

	t.Run("priority change", func(t *testing.T) {
		w := s.do(http.MethodPost, "/api/v1/events/case-priority-changed", `{"case_id":"C-1","new_priority":"high"}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "applied", decode(t, w)["outcome"])
	})

	t.Run("case view", func(t *testing.T) {
		w := s.do(http.MethodGet, "/api/v1/cases/C-1", "")
		require.Equal(t, http.StatusOK, w.Code)
		data := decode(t, w)["data"].(map[string]interface{})
		c := data["case"].(map[string]interface{})
		assert.Equal(t, "enterprise", c["tier_id"])
		assert.Equal(t, "high", c["priority"])
		assert.NotEmpty(t, data["milestones"])

		assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/v1/cases/nope", "").Code)
	})

	t.Run("closed", func(t *testing.T) {
		w := s.do(http.MethodPost, "/api/v1/events/case-closed", `{"case_id":"C-1","closed_at":"2025-01-06T11:00:00Z"}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		state, found := s.engine.Tracker().Get("C-1")
		require.True(t, found)
		assert.Equal(t, models.CaseStatusClosed, state.Status)
	})
}

func TestConfigEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/api/v1/tiers?active=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["data"], 3)

	w = s.do(http.MethodPut, "/api/v1/tiers/gov", `{"name":"Government","customer_segments":["public"],
		"contract_types":["framework"],"support_plans":["standard"],"is_active":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodGet, "/api/v1/tiers/gov", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Government", decode(t, w)["data"].(map[string]interface{})["name"])

	w = s.do(http.MethodPut, "/api/v1/tiers/gov/targets/urgent", `{"first_response_minutes":5,"resolution_minutes":10}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPut, "/api/v1/tiers/gov/targets/high", `{"first_response_minutes":30,"resolution_minutes":240}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodPut, "/api/v1/exclusions/gov-low", `{"tier_id":"gov","type":"low-priority","is_active":true}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "low-priority exclusions need a condition")

	w = s.do(http.MethodPut, "/api/v1/rules/gov-l1", `{"tier_id":"gov","name":"l1","trigger_type":"priority-based",
		"escalation_level":1,"escalate_to":"ops","notification_methods":["email"],"is_active":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodGet, "/api/v1/rules?tier=gov", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["data"], 1)

	assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, "/api/v1/tiers/gov", "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodDelete, "/api/v1/tiers/gov", "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/v1/rules/gov-l1", "").Code)
}

func TestBreachEndpoints(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/v1/events/case-created", enterpriseCase).Code)

	s.clock.Set(t0.Add(6 * time.Hour))
	_, err := s.engine.Evaluate(context.Background())
	require.NoError(t, err)

	w := s.do(http.MethodGet, "/api/v1/breaches?case_id=C-1&open=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	breaches := decode(t, w)["data"].([]interface{})
	require.NotEmpty(t, breaches)
	id := breaches[0].(map[string]interface{})["id"].(string)

	w = s.do(http.MethodPatch, "/api/v1/breaches/"+id, `{"root_cause":"on-call rota gap"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "on-call rota gap", decode(t, w)["data"].(map[string]interface{})["root_cause"])

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPatch, "/api/v1/breaches/"+id, `{}`).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodPatch, "/api/v1/breaches/missing", `{"root_cause":"x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/v1/breaches?from=yesterday", "").Code)
}

func TestMetricsAndExports(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/v1/events/case-created", enterpriseCase).Code)

	w := s.do(http.MethodGet, "/api/v1/metrics/sla?period=day&sla_id=enterprise&from=2025-01-06&to=2025-01-07", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["stale"])
	assert.Empty(t, body["data"])

	require.NoError(t, s.engine.RollupAll(context.Background()))

	w = s.do(http.MethodGet, "/api/v1/metrics/sla?period=day&sla_id=enterprise&from=2025-01-06&to=2025-01-07", "")
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, false, body["stale"])
	assert.NotEmpty(t, body["last_rollup_ago"])
	require.Len(t, body["data"], 1)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/v1/metrics/sla?period=fortnight", "").Code)

	w = s.do(http.MethodGet, "/api/v1/reports/compliance.csv?sla_id=enterprise&period=day&from=2025-01-06&to=2025-01-07", "")
	require.Equal(t, http.StatusOK, w.Code)
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "period,totalCases,breached,complianceRate,avgResponse,avgResolution", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "2025-01-06,1,0,1.00"), lines[1])

	w = s.do(http.MethodGet, "/api/v1/reports/compliance.xlsx?sla_id=enterprise", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, xlsxContentType, w.Header().Get("Content-Type"))
	assert.True(t, len(w.Body.Bytes()) > 0)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/v1/reports/compliance.csv", "").Code)

	w = s.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sla_ticks_total")
}

func TestOperatorQueueAndInbox(t *testing.T) {
	s := newTestServer(t)
	item := s.ops.Report(operator.KindDeliveryFailed, "C-1", "dispatch.email", "smtp down", nil)

	w := s.do(http.MethodGet, "/api/v1/operator/queue?kind=delivery-failed", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["total"])

	assert.Equal(t, http.StatusNoContent, s.do(http.MethodPost, "/api/v1/operator/queue/"+item.ID+"/ack", "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodPost, "/api/v1/operator/queue/"+item.ID+"/ack", "").Code)

	require.NoError(t, s.hub.Dispatch(context.Background(), notifications.InAppMessage{
		Key: "k1", Recipient: "tier1-support", CaseID: "C-1", Subject: "escalated",
	}))
	w = s.do(http.MethodGet, "/api/v1/inbox/tier1-support?peek=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["data"], 1)

	w = s.do(http.MethodGet, "/api/v1/inbox/tier1-support", "")
	assert.Len(t, decode(t, w)["data"], 1)
	w = s.do(http.MethodGet, "/api/v1/inbox/tier1-support", "")
	assert.Nil(t, decode(t, w)["data"])
}

func TestAuthenticatedRoutes(t *testing.T) {
	s := newTestServer(t)
	jwtManager := auth.NewJWTManager("api-test-secret", time.Hour)
	router := NewRouter(Deps{
		Engine:   s.engine,
		Tiers:    s.repo,
		Rules:    s.repo,
		Breaches: s.repo,
		Metrics:  s.repo,
		Operator: s.ops,
		Inbox:    s.hub,
		Auth:     jwtManager,
	})
	call := func(method, path, body string, role auth.Role) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if role != "" {
			token, err := jwtManager.GenerateToken("test", role)
			require.NoError(t, err)
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, call(http.MethodGet, "/api/v1/health", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, call(http.MethodGet, "/api/v1/tiers", "", "").Code)
	assert.Equal(t, http.StatusOK, call(http.MethodGet, "/api/v1/tiers", "", auth.RoleViewer).Code)

	assert.Equal(t, http.StatusForbidden, call(http.MethodPost, "/api/v1/events/case-created", enterpriseCase, auth.RoleViewer).Code)
	w := call(http.MethodPost, "/api/v1/events/case-created", enterpriseCase, auth.RoleIngest)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	assert.Equal(t, http.StatusForbidden, call(http.MethodDelete, "/api/v1/tiers/business", "", auth.RoleIngest).Code)
	assert.Equal(t, http.StatusForbidden, call(http.MethodGet, "/api/v1/operator/queue", "", auth.RoleViewer).Code)
	assert.Equal(t, http.StatusOK, call(http.MethodGet, "/api/v1/operator/queue", "", auth.RoleAdmin).Code)
}
