package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dandantas/quantflow/internal/metrics"
	"github.com/dandantas/quantflow/internal/model"
	"github.com/dandantas/quantflow/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialDelayMs: 1, MaxDelayMs: 5, Multiplier: 2}
}

func finishedJob() *model.Job {
	finished := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	return &model.Job{
		ID:         "job-1",
		Kind:       model.KindWorkflow,
		Status:     model.JobCompleted,
		Progress:   1,
		Result:     &model.JobResult{Strategy: &model.Strategy{ID: "strat-1"}},
		FinishedAt: &finished,
	}
}

func TestFormatJobPayload(t *testing.T) {
	p := FormatJobPayload(finishedJob())

	assert.Equal(t, "job-1", p.JobID)
	assert.Equal(t, "strat-1", p.StrategyID)
	assert.Equal(t, model.JobCompleted, p.Status)
	assert.Equal(t, "2026-03-02T10:00:00Z", p.FinishedAt)
	assert.Nil(t, p.Error)
}

func TestDispatcherRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	var got JobPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDispatcher(Config{
		URL:     srv.URL,
		Headers: map[string]string{"X-Token": "secret"},
		Retry:   fastRetry(),
	}, metrics.New())

	err := d.Send(context.Background(), FormatJobPayload(finishedJob()))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "job-1", got.JobID)
}

func TestDispatcherDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := NewDispatcher(Config{URL: srv.URL, Retry: fastRetry()}, nil)

	err := d.Send(context.Background(), FormatJobPayload(finishedJob()))
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDispatcherOpensCircuit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := NewDispatcher(Config{
		URL:     srv.URL,
		Retry:   resilience.RetryConfig{MaxAttempts: 1, InitialDelayMs: 1, MaxDelayMs: 1, Multiplier: 1},
		Breaker: resilience.BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, OpenTimeout: time.Hour},
	}, nil)

	payload := FormatJobPayload(finishedJob())
	assert.Error(t, d.Send(context.Background(), payload))
	assert.Error(t, d.Send(context.Background(), payload))

	err := d.Send(context.Background(), payload)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "open", d.CircuitBreakerState())
}

func TestJobFinishedDeliversInBackground(t *testing.T) {
	delivered := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p JobPayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		delivered <- p.JobID
	}))
	defer srv.Close()

	d := NewDispatcher(Config{URL: srv.URL, Retry: fastRetry()}, nil)
	d.JobFinished(finishedJob())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
	assert.Equal(t, "job-1", <-delivered)
}
