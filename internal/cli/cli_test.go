package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/dandantas/quantflow/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func TestSubmitSendsRequirementFlags(t *testing.T) {
	var got model.Requirement
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		respond(w, http.StatusAccepted, map[string]string{"jobId": "job-1", "status": "pending"})
	}))
	defer srv.Close()

	out, _, err := run(t, "submit", "--url", srv.URL,
		"--target-return", "15", "--risk", "moderate",
		"--tag", "tech", "--tag", "health",
		"--start", "2022-01-03", "--end", "2023-12-29")
	require.NoError(t, err)

	assert.Equal(t, 15.0, got.TargetReturn)
	assert.Equal(t, model.RiskModerate, got.RiskPreference)
	assert.Equal(t, []string{"tech", "health"}, got.Tags)
	assert.True(t, got.IncludeBacktest)
	require.NotNil(t, got.Backtest)
	assert.Equal(t, "2022-01-03", got.Backtest.StartDate)

	var printed map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &printed))
	assert.Equal(t, "job-1", printed["jobId"])
}

func TestSubmitRequiresTargetAndRisk(t *testing.T) {
	_, _, err := run(t, "submit", "--url", "http://127.0.0.1:1")
	assert.Error(t, err)
}

func TestWaitPrintsFinalView(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/workflow/job-9", r.URL.Path)
		status := model.JobRunning
		if polls.Add(1) > 1 {
			status = model.JobCompleted
		}
		respond(w, http.StatusOK, model.JobView{JobID: "job-9", Status: status, Message: "working"})
	}))
	defer srv.Close()

	out, progress, err := run(t, "wait", "job-9", "--url", srv.URL, "--poll-interval", "5ms")
	require.NoError(t, err)

	var view model.JobView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, model.JobCompleted, view.Status)
	assert.Contains(t, progress, "job-9")
}

func TestWaitFailsWhenJobFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, model.JobView{
			JobID:  "job-2",
			Status: model.JobFailed,
			Error:  &model.JobError{Stage: "select_universe", Message: "timeout"},
		})
	}))
	defer srv.Close()

	_, _, err := run(t, "wait", "job-2", "--url", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
}

func TestBacktestPrintsCachedResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, map[string]any{
			"success": true,
			"cached":  true,
			"backtest": model.BacktestResult{
				StrategyID: "strat-1",
				FinalValue: 123456.78,
			},
		})
	}))
	defer srv.Close()

	out, _, err := run(t, "backtest", "strat-1", "--url", srv.URL, "--universe", "AAPL,MSFT")
	require.NoError(t, err)
	assert.Contains(t, out, `"cached": true`)
	assert.Contains(t, out, "123456.78")
}

func TestURLFromEnvironment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, map[string]bool{"cancelled": true})
	}))
	defer srv.Close()
	t.Setenv("QUANTCTL_URL", srv.URL)

	out, _, err := run(t, "cancel", "job-3")
	require.NoError(t, err)
	assert.Contains(t, out, `"cancelled": true`)
}
