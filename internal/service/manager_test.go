package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dandantas/quantflow/internal/cache"
	"github.com/dandantas/quantflow/internal/jobstore"
	"github.com/dandantas/quantflow/internal/metrics"
	"github.com/dandantas/quantflow/internal/model"
	"github.com/dandantas/quantflow/internal/pipeline"
	"github.com/dandantas/quantflow/internal/stages"
	"github.com/dandantas/quantflow/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	manager  *Manager
	executor *Executor
	store    *jobstore.MemoryStore
	cache    cache.ResultCache
	notified *recordingNotifier
}

type envOptions struct {
	funcs    map[string]pipeline.Func
	timeouts map[string]time.Duration
	cache    cache.ResultCache
	queue    Queue
}

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []*model.Job
}

func (n *recordingNotifier) JobFinished(job *model.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, job)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.jobs)
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()

	builtin := stages.NewBuiltin(stages.DefaultCatalog()).Funcs()
	var list []pipeline.Stage
	for _, def := range pipeline.DefaultDefinitions() {
		fn := builtin[def.Name]
		if override, ok := opts.funcs[def.Name]; ok {
			fn = override
		}
		if d, ok := opts.timeouts[def.Name]; ok {
			def.Timeout = d
		}
		list = append(list, pipeline.Stage{Definition: def, Run: fn})
	}
	p, err := pipeline.New(list...)
	require.NoError(t, err)

	c := opts.cache
	if c == nil {
		c = cache.NewMemoryCache(time.Hour)
	}
	store := jobstore.NewMemoryStore()
	m := metrics.New()
	exec := NewExecutor(store, p, c, m)
	notified := &recordingNotifier{}
	exec.SetNotifier(notified)

	queue := opts.queue
	if queue == nil {
		pool := worker.NewWorkerPool(4, 100, m)
		pool.SetHandler(exec.Handle)
		pool.Start()
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = pool.Stop(ctx)
		})
		queue = pool
	}

	return &testEnv{
		manager:  NewManager(store, queue, exec, p, c, m),
		executor: exec,
		store:    store,
		cache:    c,
		notified: notified,
	}
}

func (env *testEnv) waitTerminal(t *testing.T, jobID string) model.JobView {
	t.Helper()
	var view model.JobView
	require.Eventually(t, func() bool {
		v, err := env.manager.GetStatus(context.Background(), jobID)
		if err != nil {
			return false
		}
		view = v
		return v.Status.IsTerminal()
	}, 10*time.Second, 5*time.Millisecond)
	return view
}

func moderateRequirement(withBacktest bool) model.Requirement {
	return model.Requirement{
		TargetReturn:    15,
		RiskPreference:  model.RiskModerate,
		Capital:         100_000,
		Tags:            []string{"tech"},
		IncludeBacktest: withBacktest,
	}
}

func TestWorkflowCompletesAllStages(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	jobID, err := env.manager.Submit(ctx, moderateRequirement(true))
	require.NoError(t, err)

	view := env.waitTerminal(t, jobID)

	assert.Equal(t, model.JobCompleted, view.Status)
	assert.Equal(t, 1.0, view.Progress)
	require.Len(t, view.Stages, 6)
	for _, s := range view.Stages {
		assert.Equal(t, model.StageCompleted, s.Status, s.Name)
		require.NotNil(t, s.StartedAt, s.Name)
		require.NotNil(t, s.FinishedAt, s.Name)
	}
	require.NotNil(t, view.Result)
	require.NotNil(t, view.Result.Strategy)
	require.NotNil(t, view.Result.Backtest)
	assert.Equal(t, view.Result.Strategy.ID, view.Result.Backtest.StrategyID)
	assert.Nil(t, view.Error)
	assert.Equal(t, 1, env.notified.count())
}

func TestWorkflowWithoutBacktestSkipsLastStage(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	jobID, err := env.manager.Submit(context.Background(), moderateRequirement(false))
	require.NoError(t, err)

	view := env.waitTerminal(t, jobID)

	assert.Equal(t, model.JobCompleted, view.Status)
	assert.Equal(t, 1.0, view.Progress)
	assert.Equal(t, model.StageSkipped, view.Stages[5].Status)
	assert.Nil(t, view.Stages[5].StartedAt)
	require.NotNil(t, view.Result.Strategy)
	assert.Nil(t, view.Result.Backtest)
}

func TestSubmitRejectsInvalidRequirement(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	_, err := env.manager.Submit(context.Background(), model.Requirement{TargetReturn: -1})

	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.GreaterOrEqual(t, len(verr.Fields), 2)

	jobs, err := env.manager.List(context.Background(), model.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

type fullQueue struct{}

func (fullQueue) Submit(worker.Job) error { return model.ErrQueueFull }

func TestSubmitRemovesJobWhenQueueIsFull(t *testing.T) {
	env := newTestEnv(t, envOptions{queue: fullQueue{}})

	_, err := env.manager.Submit(context.Background(), moderateRequirement(false))
	assert.ErrorIs(t, err, model.ErrQueueFull)

	jobs, err := env.manager.List(context.Background(), model.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestBacktestIsServedFromCacheOnRepeat(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	jobID, err := env.manager.Submit(ctx, moderateRequirement(false))
	require.NoError(t, err)
	view := env.waitTerminal(t, jobID)
	require.Equal(t, model.JobCompleted, view.Status)
	strategyID := view.Result.Strategy.ID

	params := model.BacktestParams{StartDate: "2022-01-03", EndDate: "2023-12-29"}

	first, err := env.manager.StartBacktest(ctx, strategyID, params)
	require.NoError(t, err)
	require.NotEmpty(t, first.JobID)
	assert.False(t, first.Cached)

	bt := env.waitTerminal(t, first.JobID)
	require.Equal(t, model.JobCompleted, bt.Status)
	require.Len(t, bt.Stages, 1)
	assert.Equal(t, 1.0, bt.Stages[0].Weight)

	second, err := env.manager.StartBacktest(ctx, strategyID, params)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Empty(t, second.JobID)
	assert.Equal(t, bt.Result.Backtest, second.Result)
}

func TestBacktestUnknownStrategy(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	_, err := env.manager.StartBacktest(context.Background(), "missing", model.BacktestParams{})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestBacktestRejectsInvalidWindow(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	jobID, err := env.manager.Submit(ctx, moderateRequirement(false))
	require.NoError(t, err)
	view := env.waitTerminal(t, jobID)

	_, err = env.manager.StartBacktest(ctx, view.Result.Strategy.ID, model.BacktestParams{
		StartDate: "2024-01-01",
		EndDate:   "2023-01-01",
	})
	var verr *model.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestStageTimeoutFailsJob(t *testing.T) {
	env := newTestEnv(t, envOptions{
		funcs: map[string]pipeline.Func{
			pipeline.StageAnalyze: func(ctx context.Context, in *pipeline.Input) (model.StageOutput, error) {
				time.Sleep(300 * time.Millisecond)
				return &model.MarketAnalysis{}, nil
			},
		},
		timeouts: map[string]time.Duration{pipeline.StageAnalyze: 50 * time.Millisecond},
	})

	jobID, err := env.manager.Submit(context.Background(), moderateRequirement(true))
	require.NoError(t, err)

	view := env.waitTerminal(t, jobID)

	assert.Equal(t, model.JobFailed, view.Status)
	require.NotNil(t, view.Error)
	assert.Equal(t, pipeline.StageAnalyze, view.Error.Stage)
	assert.Equal(t, "timeout", view.Error.Message)
	assert.InDelta(t, 0.10, view.Progress, 1e-9)
	assert.Equal(t, model.StageCompleted, view.Stages[0].Status)
	assert.Equal(t, model.StageFailed, view.Stages[1].Status)
	for _, s := range view.Stages[2:] {
		assert.Equal(t, model.StageSkipped, s.Status, s.Name)
		assert.Nil(t, s.StartedAt, s.Name)
	}
}

func TestStageErrorFailsJob(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	req := moderateRequirement(true)
	req.TargetReturn = 90 // beyond what moderate risk allows

	jobID, err := env.manager.Submit(context.Background(), req)
	require.NoError(t, err)

	view := env.waitTerminal(t, jobID)

	assert.Equal(t, model.JobFailed, view.Status)
	assert.Equal(t, pipeline.StageParse, view.Error.Stage)
	assert.Contains(t, view.Error.Message, "not attainable")
	assert.Zero(t, view.Progress)
}

func TestCancelDuringStageDiscardsResult(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var ran bool
	var mu sync.Mutex

	builtin := stages.NewBuiltin(stages.DefaultCatalog())
	env := newTestEnv(t, envOptions{
		funcs: map[string]pipeline.Func{
			pipeline.StageUniverse: func(ctx context.Context, in *pipeline.Input) (model.StageOutput, error) {
				close(started)
				<-release
				return builtin.SelectUniverse(context.Background(), in)
			},
			pipeline.StageModel: func(ctx context.Context, in *pipeline.Input) (model.StageOutput, error) {
				mu.Lock()
				ran = true
				mu.Unlock()
				return builtin.SelectModel(ctx, in)
			},
		},
	})
	ctx := context.Background()

	jobID, err := env.manager.Submit(ctx, moderateRequirement(true))
	require.NoError(t, err)
	<-started

	ok, err := env.manager.Cancel(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, ok)
	close(release)

	view := env.waitTerminal(t, jobID)

	assert.Equal(t, model.JobCancelled, view.Status)
	assert.InDelta(t, 0.25, view.Progress, 1e-9)
	assert.Equal(t, model.StageSkipped, view.Stages[2].Status)
	for _, s := range view.Stages[3:] {
		assert.Equal(t, model.StageSkipped, s.Status, s.Name)
	}
	assert.Nil(t, view.Result)
	mu.Lock()
	assert.False(t, ran)
	mu.Unlock()

	ok, err = env.manager.Cancel(ctx, jobID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancelPendingJob(t *testing.T) {
	queue := &recordingQueue{}
	env := newTestEnv(t, envOptions{queue: queue})
	ctx := context.Background()

	jobID, err := env.manager.Submit(ctx, moderateRequirement(false))
	require.NoError(t, err)

	ok, err := env.manager.Cancel(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, ok)

	env.executor.Run(ctx, jobID)

	view, err := env.manager.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, view.Status)
	assert.Zero(t, view.Progress)
	for _, s := range view.Stages {
		assert.Equal(t, model.StageSkipped, s.Status, s.Name)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	_, err := env.manager.Cancel(context.Background(), "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

type poisonedCache struct{}

func (poisonedCache) Lookup(context.Context, string) (*model.BacktestResult, bool, error) {
	return nil, false, nil
}

func (poisonedCache) Store(_ context.Context, key string, _ *model.BacktestResult) error {
	return &model.CachePoisoningError{Key: key}
}

func (poisonedCache) Sweep(context.Context) (int, error) { return 0, nil }

func TestCachePoisoningFailsJobWithGenericMessage(t *testing.T) {
	env := newTestEnv(t, envOptions{cache: poisonedCache{}})

	jobID, err := env.manager.Submit(context.Background(), moderateRequirement(true))
	require.NoError(t, err)

	view := env.waitTerminal(t, jobID)

	assert.Equal(t, model.JobFailed, view.Status)
	assert.Equal(t, pipeline.StageBacktest, view.Error.Stage)
	assert.Equal(t, "internal error", view.Error.Message)
	assert.NotContains(t, view.Message, "poison")
}

func TestProgressIsMonotonic(t *testing.T) {
	env := newTestEnv(t, envOptions{
		funcs: map[string]pipeline.Func{
			pipeline.StageModel: func(ctx context.Context, in *pipeline.Input) (model.StageOutput, error) {
				time.Sleep(30 * time.Millisecond)
				return stages.NewBuiltin(stages.DefaultCatalog()).SelectModel(ctx, in)
			},
		},
	})

	jobID, err := env.manager.Submit(context.Background(), moderateRequirement(true))
	require.NoError(t, err)

	last := 0.0
	require.Eventually(t, func() bool {
		v, err := env.manager.GetStatus(context.Background(), jobID)
		if err != nil {
			return false
		}
		assert.GreaterOrEqual(t, v.Progress, last)
		last = v.Progress
		if !v.Status.IsTerminal() {
			assert.InDelta(t, settled(v.Stages), v.Progress, 1e-9)
		}
		return v.Status.IsTerminal()
	}, 10*time.Second, time.Millisecond)
	assert.Equal(t, 1.0, last)
}

func settled(records []model.StageRecord) float64 {
	var sum float64
	for _, r := range records {
		if r.Status == model.StageCompleted || r.Status == model.StageSkipped {
			sum += r.Weight
		}
	}
	return sum
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []worker.Job
}

func (q *recordingQueue) Submit(job worker.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func TestRecoverRequeuesPendingAndFailsRunning(t *testing.T) {
	queue := &recordingQueue{}
	env := newTestEnv(t, envOptions{queue: queue})
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"p2", "p1", "r1"} {
		job := &model.Job{
			ID:        id,
			Kind:      model.KindWorkflow,
			Status:    model.JobPending,
			Stages:    env.manager.pipeline.Records(model.KindWorkflow),
			CreatedAt: base.Add(time.Duration(2-i) * time.Minute),
		}
		if id == "r1" {
			job.Status = model.JobRunning
			job.CurrentStage = pipeline.StageAnalyze
			job.Stages[0].Status = model.StageCompleted
			job.Stages[1].Status = model.StageRunning
		}
		require.NoError(t, env.store.Create(ctx, job))
	}

	n, err := env.manager.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	queue.mu.Lock()
	require.Len(t, queue.jobs, 2)
	assert.Equal(t, "p1", queue.jobs[0].ID)
	assert.Equal(t, "p2", queue.jobs[1].ID)
	queue.mu.Unlock()

	r1, err := env.store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, r1.Status)
	assert.Equal(t, &model.JobError{Stage: pipeline.StageAnalyze, Message: "interrupted"}, r1.Error)
	assert.Equal(t, model.StageFailed, r1.Stages[1].Status)
	assert.Equal(t, model.StageSkipped, r1.Stages[2].Status)
}

func TestRunIgnoresJobThatIsNotPending(t *testing.T) {
	env := newTestEnv(t, envOptions{queue: &recordingQueue{}})
	ctx := context.Background()

	jobID, err := env.manager.Submit(ctx, moderateRequirement(false))
	require.NoError(t, err)
	env.executor.Run(ctx, jobID)
	first, err := env.store.Get(ctx, jobID)
	require.NoError(t, err)

	env.executor.Run(ctx, jobID)
	second, err := env.store.Get(ctx, jobID)
	require.NoError(t, err)

	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, 1, env.notified.count())
}

func completedStrategy(t *testing.T, env *testEnv) string {
	t.Helper()
	jobID, err := env.manager.Submit(context.Background(), moderateRequirement(false))
	require.NoError(t, err)
	view := env.waitTerminal(t, jobID)
	require.Equal(t, model.JobCompleted, view.Status)
	return view.Result.Strategy.ID
}

func TestBacktestCacheDistinguishesSubCentCapital(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	strategyID := completedStrategy(t, env)

	first, err := env.manager.StartBacktest(ctx, strategyID, model.BacktestParams{
		StartDate:      "2022-01-03",
		EndDate:        "2023-12-29",
		InitialCapital: 100_000.001,
	})
	require.NoError(t, err)
	require.False(t, first.Cached)
	require.Equal(t, model.JobCompleted, env.waitTerminal(t, first.JobID).Status)

	second, err := env.manager.StartBacktest(ctx, strategyID, model.BacktestParams{
		StartDate:      "2022-01-03",
		EndDate:        "2023-12-29",
		InitialCapital: 100_000.004,
	})
	require.NoError(t, err)
	assert.False(t, second.Cached)

	view := env.waitTerminal(t, second.JobID)
	require.Equal(t, model.JobCompleted, view.Status)
	assert.Equal(t, 100_000.004, view.Result.Backtest.InitialCapital)
}

func TestConcurrentBacktestsWithCloseCapitalBothComplete(t *testing.T) {
	release := make(chan struct{})
	builtin := stages.NewBuiltin(stages.DefaultCatalog())
	env := newTestEnv(t, envOptions{
		funcs: map[string]pipeline.Func{
			pipeline.StageBacktest: func(ctx context.Context, in *pipeline.Input) (model.StageOutput, error) {
				<-release
				return builtin.Backtest(ctx, in)
			},
		},
	})
	ctx := context.Background()
	strategyID := completedStrategy(t, env)

	var ids []string
	for _, capital := range []float64{100_000.001, 100_000.004} {
		out, err := env.manager.StartBacktest(ctx, strategyID, model.BacktestParams{
			StartDate:      "2022-01-03",
			EndDate:        "2023-12-29",
			InitialCapital: capital,
		})
		require.NoError(t, err)
		require.False(t, out.Cached)
		ids = append(ids, out.JobID)
	}
	close(release)

	for _, id := range ids {
		view := env.waitTerminal(t, id)
		assert.Equal(t, model.JobCompleted, view.Status, id)
		assert.Nil(t, view.Error, id)
	}
}

func TestSubmitNeverRunsMoreThanPoolSize(t *testing.T) {
	builtin := stages.NewBuiltin(stages.DefaultCatalog())
	env := newTestEnv(t, envOptions{
		funcs: map[string]pipeline.Func{
			pipeline.StageModel: func(ctx context.Context, in *pipeline.Input) (model.StageOutput, error) {
				time.Sleep(40 * time.Millisecond)
				return builtin.SelectModel(ctx, in)
			},
		},
	})
	ctx := context.Background()

	ids := make([]string, 0, 10)
	for range 10 {
		id, err := env.manager.Submit(ctx, moderateRequirement(false))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	peak := 0
	require.Eventually(t, func() bool {
		running, err := env.manager.List(ctx, model.JobFilter{Status: model.JobRunning})
		if err != nil {
			return false
		}
		peak = max(peak, len(running))
		assert.LessOrEqual(t, len(running), 4)

		for _, id := range ids {
			v, err := env.manager.GetStatus(ctx, id)
			if err != nil || !v.Status.IsTerminal() {
				return false
			}
		}
		return true
	}, 10*time.Second, 2*time.Millisecond)

	assert.Positive(t, peak)
	for _, id := range ids {
		v, err := env.manager.GetStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.JobCompleted, v.Status, id)
	}
}
