package handler

import (
	"net/http"
	"strings"

	"github.com/dandantas/quantflow/internal/model"
	"github.com/dandantas/quantflow/internal/service"
)

// BacktestHandler handles on-demand backtests of stored strategies
type BacktestHandler struct {
	manager *service.Manager
}

// NewBacktestHandler creates a new backtest handler
func NewBacktestHandler(manager *service.Manager) *BacktestHandler {
	return &BacktestHandler{manager: manager}
}

// BacktestRequest is the body of POST /backtest
type BacktestRequest struct {
	StrategyID string               `json:"strategyId"`
	Params     model.BacktestParams `json:"params"`
}

// BacktestResponse carries either the cached result or the new job id
type BacktestResponse struct {
	Success  bool                  `json:"success"`
	Backtest *model.BacktestResult `json:"backtest,omitempty"`
	Cached   bool                  `json:"cached,omitempty"`
	JobID    string                `json:"jobId,omitempty"`
}

// Start handles POST /backtest
func (h *BacktestHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req BacktestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req.StrategyID = strings.TrimSpace(req.StrategyID)
	if req.StrategyID == "" {
		verr := &model.ValidationError{}
		verr.Add("strategyId", "is required")
		writeServiceError(w, r, verr)
		return
	}

	outcome, err := h.manager.StartBacktest(r.Context(), req.StrategyID, req.Params)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	if outcome.Cached {
		writeJSON(w, http.StatusOK, BacktestResponse{Success: true, Backtest: outcome.Result, Cached: true})
		return
	}
	w.Header().Set("Location", "/workflow/"+outcome.JobID)
	writeJSON(w, http.StatusAccepted, BacktestResponse{Success: true, JobID: outcome.JobID})
}
