package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-travel-approvals/internal/metrics"
	"github.com/pesio-ai/be-travel-approvals/internal/pkg/logger"
	"github.com/pesio-ai/be-travel-approvals/internal/repository"
	"github.com/pesio-ai/be-travel-approvals/internal/service"
	"github.com/pesio-ai/be-travel-approvals/internal/workflowconfig"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := workflowconfig.NewStore(context.Background(),
		workflowconfig.NewFileSource("../../config/workflow_steps.yaml"), zerolog.Nop())
	require.NoError(t, err)

	repo := repository.NewMemoryRepository()
	svc := service.NewWorkflowService(repo, repo, repo.Audit(), store, logger.Nop())
	agg := metrics.NewAggregator(repo, repo)

	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(agg, time.Second, zerolog.Nop()))

	h := NewHTTPHandler(svc, agg, logger.Nop())
	srv := httptest.NewServer(NewRouter(h, RouterConfig{
		RequestTimeout: 5 * time.Second,
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Registerer:     reg,
	}))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func initiate(t *testing.T, srv *httptest.Server, requestID string) repository.WorkflowInstance {
	t.Helper()
	resp := do(t, srv, http.MethodPost, "/api/v1/workflows", map[string]interface{}{
		"travel_request_id": requestID,
		"workflow_type":     "PRE_TRAVEL",
		"estimated_cost":    250000,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var wf repository.WorkflowInstance
	decodeBody(t, resp, &wf)
	return wf
}

func TestHTTP_WorkflowLifecycle(t *testing.T) {
	srv := newTestServer(t)
	wf := initiate(t, srv, "req-100")
	assert.Equal(t, "MANAGER", wf.CurrentStep)
	assert.Equal(t, repository.StatusPending, wf.Status)

	resp := do(t, srv, http.MethodGet, "/api/v1/workflows/"+wf.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp = do(t, srv, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/actions", map[string]interface{}{
		"approver_role": "MANAGER",
		"action":        "APPROVE",
		"comments":      "within budget",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var afterManager repository.WorkflowInstance
	decodeBody(t, resp, &afterManager)
	assert.Equal(t, "FINANCE", afterManager.CurrentStep)

	resp = do(t, srv, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/actions", map[string]interface{}{
		"approver_role": "FINANCE",
		"action":        "APPROVE",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var done repository.WorkflowInstance
	decodeBody(t, resp, &done)
	assert.Equal(t, repository.StatusCompleted, done.Status)

	resp = do(t, srv, http.MethodGet, "/api/v1/requests/req-100/history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history struct {
		Actions []repository.ApprovalActionRecord `json:"actions"`
	}
	decodeBody(t, resp, &history)
	require.Len(t, history.Actions, 2)
	assert.Equal(t, "FINANCE", history.Actions[0].Step)

	resp = do(t, srv, http.MethodGet, "/api/v1/workflows/by-request/req-100", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, srv, http.MethodGet, "/api/v1/workflows/"+wf.ID+"/verify", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report service.ProjectionReport
	decodeBody(t, resp, &report)
	assert.True(t, report.Consistent)
}

func TestHTTP_ErrorMapping(t *testing.T) {
	srv := newTestServer(t)
	wf := initiate(t, srv, "req-200")

	tests := []struct {
		name       string
		method     string
		path       string
		body       interface{}
		wantStatus int
		wantCode   string
	}{
		{
			name: "unknown workflow", method: http.MethodGet, path: "/api/v1/workflows/nope",
			wantStatus: http.StatusNotFound, wantCode: "NOT_FOUND",
		},
		{
			name: "duplicate initiation", method: http.MethodPost, path: "/api/v1/workflows",
			body:       map[string]interface{}{"travel_request_id": "req-200", "workflow_type": "PRE_TRAVEL"},
			wantStatus: http.StatusConflict, wantCode: "CONFLICT",
		},
		{
			name: "wrong role", method: http.MethodPost, path: "/api/v1/workflows/" + wf.ID + "/actions",
			body:       map[string]interface{}{"approver_role": "FINANCE", "action": "APPROVE"},
			wantStatus: http.StatusForbidden, wantCode: "FORBIDDEN",
		},
		{
			name: "return at first step", method: http.MethodPost, path: "/api/v1/workflows/" + wf.ID + "/actions",
			body:       map[string]interface{}{"approver_role": "MANAGER", "action": "RETURN"},
			wantStatus: http.StatusUnprocessableEntity, wantCode: "INVALID_TRANSITION",
		},
		{
			name: "unknown field", method: http.MethodPost, path: "/api/v1/workflows/" + wf.ID + "/actions",
			body:       map[string]interface{}{"approver_role": "MANAGER", "verdict": "yes"},
			wantStatus: http.StatusBadRequest, wantCode: "INVALID_INPUT",
		},
		{
			name: "pending without role", method: http.MethodGet, path: "/api/v1/approvals/pending",
			wantStatus: http.StatusBadRequest, wantCode: "INVALID_INPUT",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, srv, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			var body errorResponse
			decodeBody(t, resp, &body)
			assert.Equal(t, tt.wantCode, string(body.Error.Code))
		})
	}
}

func TestHTTP_StaleVersionCarriesRetryAfter(t *testing.T) {
	srv := newTestServer(t)
	wf := initiate(t, srv, "req-300")

	resp := do(t, srv, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/actions", map[string]interface{}{
		"approver_role":    "MANAGER",
		"action":           "APPROVE",
		"expected_version": wf.Version + 5,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func TestHTTP_AdministrativeRoutes(t *testing.T) {
	srv := newTestServer(t)
	wf := initiate(t, srv, "req-400")

	resp := do(t, srv, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/priority", map[string]interface{}{
		"priority": "URGENT", "performed_by": "travel-desk",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, srv, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/reassign", map[string]interface{}{
		"new_role": "DEPARTMENT_HEAD", "performed_by": "travel-desk",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, srv, http.MethodGet, "/api/v1/approvals/pending?role=DEPARTMENT_HEAD", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pending struct {
		Workflows []repository.WorkflowInstance `json:"workflows"`
		Total     int                           `json:"total"`
	}
	decodeBody(t, resp, &pending)
	require.Equal(t, 1, pending.Total)
	assert.Equal(t, repository.PriorityUrgent, pending.Workflows[0].Priority)

	resp = do(t, srv, http.MethodGet, "/api/v1/workflows/"+wf.ID+"/audit", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var audit struct {
		Notes []repository.AuditNote `json:"notes"`
	}
	decodeBody(t, resp, &audit)
	require.Len(t, audit.Notes, 2)
	assert.Equal(t, repository.NotePriorityChanged, audit.Notes[0].Kind)
	assert.Equal(t, repository.NoteReassigned, audit.Notes[1].Kind)

	resp = do(t, srv, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/cancel", map[string]interface{}{
		"reason": "trip called off", "cancelled_by": "emp-1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cancelled repository.WorkflowInstance
	decodeBody(t, resp, &cancelled)
	assert.Equal(t, repository.StatusCancelled, cancelled.Status)

	resp = do(t, srv, http.MethodPost, "/api/v1/admin/workflow-config/reload", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTP_MetricsEndpoints(t *testing.T) {
	srv := newTestServer(t)
	initiate(t, srv, "req-500")

	resp := do(t, srv, http.MethodGet, "/api/v1/workflows/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap metrics.Snapshot
	decodeBody(t, resp, &snap)
	assert.Equal(t, int64(1), snap.Total)
	assert.Equal(t, int64(1), snap.ByStatus[repository.StatusPending])

	resp = do(t, srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(buf.String(), `travel_approvals_workflows{status="PENDING"} 1`))
	assert.True(t, strings.Contains(buf.String(), "travel_approvals_http_request_duration_seconds"))

	resp = do(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
