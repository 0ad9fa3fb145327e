package handler

import (
	"net/http"

	"github.com/dandantas/quantflow/internal/model"
	"github.com/dandantas/quantflow/internal/service"
	"github.com/go-chi/chi/v5"
)

// maxListLimit caps GET /workflow
const maxListLimit = 500

// WorkflowHandler handles workflow job operations
type WorkflowHandler struct {
	manager *service.Manager
}

// NewWorkflowHandler creates a new workflow handler
func NewWorkflowHandler(manager *service.Manager) *WorkflowHandler {
	return &WorkflowHandler{manager: manager}
}

// SubmitResponse is returned when a job is accepted
type SubmitResponse struct {
	JobID  string          `json:"jobId"`
	Status model.JobStatus `json:"status"`
}

// ListResponse represents a page of jobs
type ListResponse struct {
	Total   int             `json:"total"`
	Results []model.JobView `json:"results"`
}

// CancelResponse reports whether a cancellation was recorded
type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// Submit handles POST /workflow
func (h *WorkflowHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req model.Requirement
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID, err := h.manager.Submit(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Location", "/workflow/"+jobID)
	writeJSON(w, http.StatusAccepted, SubmitResponse{JobID: jobID, Status: model.JobPending})
}

// List handles GET /workflow
func (h *WorkflowHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := model.JobFilter{
		Status: model.JobStatus(query.Get("status")),
		Kind:   model.JobKind(query.Get("kind")),
		Limit:  parseQueryInt(r, "limit", 50),
	}

	verr := &model.ValidationError{}
	if filter.Status != "" && !filter.Status.Valid() {
		verr.Add("status", "unknown status %q", filter.Status)
	}
	if filter.Kind != "" && filter.Kind != model.KindWorkflow && filter.Kind != model.KindBacktest {
		verr.Add("kind", "must be workflow or backtest")
	}
	if filter.Limit < 1 || filter.Limit > maxListLimit {
		verr.Add("limit", "must be between 1 and %d", maxListLimit)
	}
	if err := verr.OrNil(); err != nil {
		writeServiceError(w, r, err)
		return
	}

	views, err := h.manager.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse{Total: len(views), Results: views})
}

// Get handles GET /workflow/{jobId}
func (h *WorkflowHandler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.manager.GetStatus(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Cancel handles POST /workflow/{jobId}/cancel
func (h *WorkflowHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	cancelled, err := h.manager.Cancel(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{Cancelled: cancelled})
}
