package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"

	"github.com/pesio-ai/be-travel-approvals/internal/metrics"
	"github.com/pesio-ai/be-travel-approvals/internal/pkg/errors"
	"github.com/pesio-ai/be-travel-approvals/internal/pkg/logger"
	"github.com/pesio-ai/be-travel-approvals/internal/repository"
	"github.com/pesio-ai/be-travel-approvals/internal/service"
)

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	service *service.WorkflowService
	metrics *metrics.Aggregator
	log     *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(service *service.WorkflowService, metrics *metrics.Aggregator, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		service: service,
		metrics: metrics,
		log:     log,
	}
}

// Register adds the API routes to r. Literal paths are registered before
// their {id} siblings.
func (h *HTTPHandler) Register(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/workflows", h.InitiateWorkflow).Methods(http.MethodPost)
	api.HandleFunc("/workflows/metrics", h.GetMetrics).Methods(http.MethodGet)
	api.HandleFunc("/workflows/by-request/{requestId}", h.GetWorkflowByRequest).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}", h.GetWorkflow).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}/actions", h.ProcessApproval).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}/escalate", h.EscalateWorkflow).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}/reassign", h.ReassignWorkflow).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}/priority", h.UpdatePriority).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}/booking", h.MarkBookingUploaded).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}/bills", h.UploadBills).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}/cancel", h.CancelWorkflow).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}/audit", h.GetAuditNotes).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}/verify", h.VerifyProjection).Methods(http.MethodGet)
	api.HandleFunc("/approvals/pending", h.GetPendingApprovals).Methods(http.MethodGet)
	api.HandleFunc("/requests/{requestId}/history", h.GetHistory).Methods(http.MethodGet)
	api.HandleFunc("/admin/workflow-config/reload", h.ReloadConfig).Methods(http.MethodPost)

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
}

// ── Workflows ────────────────────────────────────────────────────────────────

// InitiateWorkflow handles POST /api/v1/workflows
func (h *HTTPHandler) InitiateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req service.InitiateRequest
	if !decode(w, r, &req) {
		return
	}

	wf, err := h.service.InitiateWorkflow(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

// GetWorkflow handles GET /api/v1/workflows/{id}
func (h *HTTPHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.service.GetWorkflow(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// GetWorkflowByRequest handles GET /api/v1/workflows/by-request/{requestId}
func (h *HTTPHandler) GetWorkflowByRequest(w http.ResponseWriter, r *http.Request) {
	wf, err := h.service.GetWorkflowByRequestID(r.Context(), mux.Vars(r)["requestId"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// ProcessApproval handles POST /api/v1/workflows/{id}/actions
func (h *HTTPHandler) ProcessApproval(w http.ResponseWriter, r *http.Request) {
	var req service.ApprovalRequest
	if !decode(w, r, &req) {
		return
	}
	req.WorkflowID = mux.Vars(r)["id"]

	wf, err := h.service.ProcessApproval(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// EscalateWorkflow handles POST /api/v1/workflows/{id}/escalate
func (h *HTTPHandler) EscalateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason      string `json:"reason"`
		EscalatedBy string `json:"escalated_by"`
	}
	if !decode(w, r, &req) {
		return
	}

	wf, err := h.service.EscalateWorkflow(r.Context(), mux.Vars(r)["id"], req.Reason, req.EscalatedBy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// ReassignWorkflow handles POST /api/v1/workflows/{id}/reassign
func (h *HTTPHandler) ReassignWorkflow(w http.ResponseWriter, r *http.Request) {
	var req service.ReassignRequest
	if !decode(w, r, &req) {
		return
	}
	req.WorkflowID = mux.Vars(r)["id"]

	wf, err := h.service.ReassignWorkflow(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// UpdatePriority handles POST /api/v1/workflows/{id}/priority
func (h *HTTPHandler) UpdatePriority(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Priority    repository.Priority `json:"priority"`
		PerformedBy string              `json:"performed_by"`
	}
	if !decode(w, r, &req) {
		return
	}

	wf, err := h.service.UpdateWorkflowPriority(r.Context(), mux.Vars(r)["id"], req.Priority, req.PerformedBy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// MarkBookingUploaded handles POST /api/v1/workflows/{id}/booking
func (h *HTTPHandler) MarkBookingUploaded(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UploadedBy string `json:"uploaded_by"`
	}
	if !decode(w, r, &req) {
		return
	}

	wf, err := h.service.MarkBookingUploaded(r.Context(), mux.Vars(r)["id"], req.UploadedBy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// UploadBills handles POST /api/v1/workflows/{id}/bills
func (h *HTTPHandler) UploadBills(w http.ResponseWriter, r *http.Request) {
	var req service.UploadBillsRequest
	if !decode(w, r, &req) {
		return
	}
	req.WorkflowID = mux.Vars(r)["id"]

	wf, err := h.service.UploadBills(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// CancelWorkflow handles POST /api/v1/workflows/{id}/cancel
func (h *HTTPHandler) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason      string `json:"reason"`
		CancelledBy string `json:"cancelled_by"`
	}
	if !decode(w, r, &req) {
		return
	}

	wf, err := h.service.CancelWorkflow(r.Context(), mux.Vars(r)["id"], req.Reason, req.CancelledBy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// GetAuditNotes handles GET /api/v1/workflows/{id}/audit
func (h *HTTPHandler) GetAuditNotes(w http.ResponseWriter, r *http.Request) {
	notes, err := h.service.GetAuditNotes(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"notes": notes})
}

// VerifyProjection handles GET /api/v1/workflows/{id}/verify
func (h *HTTPHandler) VerifyProjection(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.VerifyProjection(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ── Queries ──────────────────────────────────────────────────────────────────

// GetPendingApprovals handles GET /api/v1/approvals/pending?role=&approver_id=
func (h *HTTPHandler) GetPendingApprovals(w http.ResponseWriter, r *http.Request) {
	role := r.URL.Query().Get("role")
	approverID := r.URL.Query().Get("approver_id")

	list, err := h.service.GetPendingApprovals(r.Context(), role, approverID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workflows": list,
		"total":     len(list),
	})
}

// GetHistory handles GET /api/v1/requests/{requestId}/history
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.GetWorkflowHistory(r.Context(), mux.Vars(r)["requestId"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"actions": entries})
}

// GetMetrics handles GET /api/v1/workflows/metrics
func (h *HTTPHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := h.metrics.Snapshot(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ReloadConfig handles POST /api/v1/admin/workflow-config/reload
func (h *HTTPHandler) ReloadConfig(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ReloadWorkflowConfigurations(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// Health handles GET /health
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ── Encoding ─────────────────────────────────────────────────────────────────

type errorBody struct {
	Code    errors.Code `json:"code"`
	Message string      `json:"message"`
	Field   string      `json:"field,omitempty"`
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, r, errors.InvalidInput("body", "invalid request body: "+err.Error()))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to its HTTP status. Concurrency conflicts carry a
// Retry-After hint so clients re-read and retry.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := errors.HTTPStatus(code)

	if code == errors.ErrCodeConcurrencyConflict {
		w.Header().Set("Retry-After", "1")
	}

	message := err.Error()
	var appErr *errors.Error
	if errors.As(err, &appErr) && appErr.Message != "" {
		message = appErr.Message
	}
	if status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Str("code", string(code)).Msg("Request failed")
		if code == errors.ErrCodeInternal {
			message = "internal error"
		}
	}

	writeJSON(w, status, map[string]errorBody{
		"error": {Code: code, Message: message, Field: errors.FieldOf(err)},
	})
}
