package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dandantas/quantflow/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func TestSubmitReturnsJobID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/workflow", r.URL.Path)

		var req model.Requirement
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 15.0, req.TargetReturn)
		assert.Equal(t, model.RiskModerate, req.RiskPreference)

		writeJSON(w, http.StatusAccepted, map[string]string{"jobId": "job-1", "status": "pending"})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	id, err := c.Submit(context.Background(), model.Requirement{TargetReturn: 15, RiskPreference: model.RiskModerate})

	require.NoError(t, err)
	assert.Equal(t, "job-1", id)
}

func TestSubmitValidationErrorCarriesFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, ErrorBody{
			Error:   "Bad Request",
			Message: "Request validation failed",
			Fields:  []model.FieldError{{Field: "targetReturn", Message: "must be greater than 0 and at most 100"}},
		})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.Submit(context.Background(), model.Requirement{})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	require.Len(t, apiErr.Body.Fields, 1)
	assert.Contains(t, err.Error(), "targetReturn")
}

func TestWaitStopsOnFirstTerminalStatus(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		n := polls.Add(1)
		status := model.JobRunning
		progress := 0.25 * float64(n)
		if n >= 3 {
			status = model.JobCompleted
			progress = 1
		}
		writeJSON(w, http.StatusOK, model.JobView{JobID: "job-1", Status: status, Progress: progress})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, PollInterval: 10 * time.Millisecond})

	var mu sync.Mutex
	var seen []float64
	view, err := c.Wait(context.Background(), "job-1", func(v model.JobView) {
		mu.Lock()
		seen = append(seen, v.Progress)
		mu.Unlock()
	})

	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, view.Status)
	assert.Equal(t, int32(3), polls.Load())
	assert.Equal(t, []float64{0.25, 0.5, 1}, seen)
}

func TestWaitPacesPolls(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := model.JobRunning
		if polls.Add(1) >= 4 {
			status = model.JobFailed
		}
		writeJSON(w, http.StatusOK, model.JobView{JobID: "job-1", Status: status})
	}))
	defer srv.Close()

	interval := 40 * time.Millisecond
	c := New(Config{BaseURL: srv.URL, PollInterval: interval})

	start := time.Now()
	view, err := c.Wait(context.Background(), "job-1", nil)

	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, view.Status)
	assert.GreaterOrEqual(t, time.Since(start), 3*interval-5*time.Millisecond)
}

func TestWaitGivesUpAfterMaxPolls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, model.JobView{JobID: "job-1", Status: model.JobRunning})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, PollInterval: time.Millisecond, MaxPolls: 3})
	view, err := c.Wait(context.Background(), "job-1", nil)

	assert.ErrorIs(t, err, ErrPollLimit)
	assert.Equal(t, model.JobRunning, view.Status)
}

func TestWaitGivesUpAfterMaxWait(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, model.JobView{JobID: "job-1", Status: model.JobPending})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, PollInterval: 20 * time.Millisecond, MaxWait: 70 * time.Millisecond})
	_, err := c.Wait(context.Background(), "job-1", nil)

	assert.ErrorIs(t, err, ErrPollLimit)
}

func TestStatusNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorBody{Error: "Not Found", Message: "not found"})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.Status(context.Background(), "missing")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestCancelAndBacktest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/workflow/job-1/cancel":
			writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
		case "/backtest":
			var body struct {
				StrategyID string               `json:"strategyId"`
				Params     model.BacktestParams `json:"params"`
			}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "strat-1", body.StrategyID)
			assert.Equal(t, "2022-01-03", body.Params.StartDate)
			writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "jobId": "job-2"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	ctx := context.Background()

	cancelled, err := c.Cancel(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, cancelled)

	res, err := c.Backtest(ctx, "strat-1", model.BacktestParams{StartDate: "2022-01-03", EndDate: "2023-12-29"})
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, "job-2", res.JobID)
}
