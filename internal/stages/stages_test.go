package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dandantas/quantflow/internal/evaluator"
	"github.com/dandantas/quantflow/internal/model"
	"github.com/dandantas/quantflow/internal/pipeline"
	"github.com/dandantas/quantflow/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runChain(t *testing.T, b *Builtin, req *model.Requirement) *pipeline.Input {
	t.Helper()
	ctx := context.Background()
	in := &pipeline.Input{JobID: "job-42", Requirement: req, Backtest: req.Backtest}
	funcs := b.Funcs()
	for _, def := range pipeline.DefaultDefinitions() {
		if def.Name == pipeline.StageBacktest {
			continue
		}
		out, err := funcs[def.Name](ctx, in)
		require.NoError(t, err, def.Name)
		require.Equal(t, def.Produces, out.Kind(), def.Name)
		require.NoError(t, out.Validate(), def.Name)
		in.Apply(out)
	}
	return in
}

func TestBuiltinChainProducesValidStrategy(t *testing.T) {
	b := NewBuiltin(DefaultCatalog())
	req := &model.Requirement{
		TargetReturn:   15,
		RiskPreference: model.RiskModerate,
		Capital:        100_000,
		Frequency:      "monthly",
		Tags:           []string{"Tech", "tech", " healthcare "},
	}

	in := runChain(t, b, req)

	assert.Equal(t, 0.15, in.Parsed.TargetReturn)
	assert.Equal(t, model.StrategyMultiFactor, in.Parsed.StrategyType)
	assert.Equal(t, []string{"healthcare", "tech"}, in.Parsed.Tags)
	assert.Equal(t, []string{"healthcare", "technology"}, in.Parsed.Sectors)

	for _, c := range in.Universe.Candidates {
		assert.LessOrEqual(t, c.Beta, 1.30)
		assert.Contains(t, []string{"healthcare", "technology"}, c.Sector)
	}
	assert.Equal(t, "multi_factor_ranking", in.Strategy.Model)
	assert.Equal(t, "monthly", in.Strategy.Rebalance)
	assert.NotEmpty(t, in.Strategy.ID)

	again := runChain(t, b, req)
	assert.Equal(t, in.Strategy.ID, again.Strategy.ID, "strategy id derives from the job id")
}

func TestParseRejectsUnattainableTarget(t *testing.T) {
	b := NewBuiltin(DefaultCatalog())
	_, err := b.ParseRequirement(context.Background(), &pipeline.Input{
		Requirement: &model.Requirement{TargetReturn: 40, RiskPreference: model.RiskConservative, Frequency: "daily"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not attainable")
}

func backtestInput(t *testing.T, b *Builtin) *pipeline.Input {
	t.Helper()
	req := &model.Requirement{TargetReturn: 20, RiskPreference: model.RiskAggressive, Frequency: "weekly"}
	req.SetDefaults(time.Now())
	in := runChain(t, b, req)
	in.Backtest = &model.BacktestParams{
		StartDate:      "2021-01-04",
		EndDate:        "2023-12-29",
		Commission:     model.Commission{Model: "bps", Rate: 5},
		InitialCapital: 250_000,
	}
	return in
}

func TestBacktestIsDeterministic(t *testing.T) {
	b := NewBuiltin(DefaultCatalog())
	in := backtestInput(t, b)

	first, err := b.Backtest(context.Background(), in)
	require.NoError(t, err)
	second, err := b.Backtest(context.Background(), in)
	require.NoError(t, err)

	require.NoError(t, first.Validate())
	a, _ := json.Marshal(first)
	c, _ := json.Marshal(second)
	assert.Equal(t, string(a), string(c))

	res := first.(*model.BacktestResult)
	assert.Equal(t, in.Strategy.ID, res.StrategyID)
	assert.Equal(t, 250_000.0, res.InitialCapital)
	assert.Positive(t, res.Commission)
	assert.GreaterOrEqual(t, res.Trades, len(in.Strategy.Holdings))
	assert.Equal(t, "2021-01-04", res.EquityCurve[0].Date)
	assert.Equal(t, "2023-12-29", res.EquityCurve[len(res.EquityCurve)-1].Date)
}

func TestBacktestUniverseOverride(t *testing.T) {
	b := NewBuiltin(DefaultCatalog())
	in := backtestInput(t, b)

	in.Backtest.Universe = []string{"ko", "PG", "KO"}
	_, err := b.Backtest(context.Background(), in)
	require.NoError(t, err)

	in.Backtest.Universe = []string{"ZZZZ"}
	_, err = b.Backtest(context.Background(), in)
	assert.ErrorContains(t, err, "unknown symbol ZZZZ")
}

func TestBacktestHonoursCancellation(t *testing.T) {
	b := NewBuiltin(DefaultCatalog())
	in := backtestInput(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Backtest(ctx, in)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRemoteStageExtractsResult(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		var in pipeline.Input
		if err := json.Unmarshal(body, &in); err != nil || in.JobID != "job-7" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":{"analysis":{"regime":"bull","marketVolatility":0.2,"sectorScores":[{"sector":"energy","score":0.3}]}}}`)
	}))
	defer srv.Close()

	fn := Remote(pipeline.StageAnalyze, model.OutputMarketAnalysis, RemoteConfig{
		URL:        srv.URL,
		ResultPath: "$.data.analysis",
		Retry:      resilience.RetryConfig{MaxAttempts: 3, InitialDelayMs: 1, MaxDelayMs: 5},
	}, NewHTTPClient(time.Second))

	out, err := fn(context.Background(), &pipeline.Input{JobID: "job-7"})
	require.NoError(t, err)
	analysis, ok := out.(*model.MarketAnalysis)
	require.True(t, ok)
	assert.Equal(t, "bull", analysis.Regime)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRemoteStageRejectsUnknownFields(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"family":"x","lookback":5,"leverage":3}`)
	}))
	defer srv.Close()

	fn := Remote(pipeline.StageModel, model.OutputModelSelection, RemoteConfig{
		URL:   srv.URL,
		Retry: resilience.RetryConfig{MaxAttempts: 3, InitialDelayMs: 1, MaxDelayMs: 5},
	}, NewHTTPClient(time.Second))

	_, err := fn(context.Background(), &pipeline.Input{JobID: "job-8"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leverage")
	assert.Equal(t, int32(1), calls.Load(), "decode failures are not retried")
}

func TestRemoteStageSendsAuthAndEnforcesChecks(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "svc" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		status := "ok"
		if r.URL.Query().Get("degraded") != "" {
			status = "degraded"
		}
		fmt.Fprintf(w, `{"status":%q,"result":{"family":"gbm","lookback":60}}`, status)
	}))
	defer srv.Close()

	cfg := RemoteConfig{
		URL:        srv.URL,
		ResultPath: "$.result",
		Auth:       RemoteAuth{Type: "basic", Username: "svc", Password: "secret"},
		Checks:     []evaluator.Check{{Path: "$.status", Operator: "eq", Value: "ok"}},
		Retry:      resilience.RetryConfig{MaxAttempts: 2, InitialDelayMs: 1, MaxDelayMs: 5},
	}
	require.NoError(t, cfg.Validate())

	out, err := Remote(pipeline.StageModel, model.OutputModelSelection, cfg, NewHTTPClient(time.Second))(
		context.Background(), &pipeline.Input{JobID: "job-9"})
	require.NoError(t, err)
	assert.Equal(t, "gbm", out.(*model.ModelSelection).Family)

	cfg.URL = srv.URL + "?degraded=1"
	_, err = Remote(pipeline.StageModel, model.OutputModelSelection, cfg, NewHTTPClient(time.Second))(
		context.Background(), &pipeline.Input{JobID: "job-9"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "response rejected")
	assert.Equal(t, int32(2), calls.Load(), "rejected responses are not retried")
}

func TestRemoteConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  RemoteConfig
	}{
		{"missing url", RemoteConfig{}},
		{"bad scheme", RemoteConfig{URL: "ftp://models.internal"}},
		{"bearer without token", RemoteConfig{URL: "http://models.internal", Auth: RemoteAuth{Type: "bearer"}}},
		{"unknown auth", RemoteConfig{URL: "http://models.internal", Auth: RemoteAuth{Type: "digest"}}},
		{"bad check", RemoteConfig{URL: "http://models.internal", Checks: []evaluator.Check{{Path: "$.x", Operator: "near"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.cfg.Validate())
		})
	}
}
