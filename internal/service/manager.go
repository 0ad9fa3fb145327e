package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dandantas/quantflow/internal/cache"
	"github.com/dandantas/quantflow/internal/jobstore"
	"github.com/dandantas/quantflow/internal/metrics"
	"github.com/dandantas/quantflow/internal/model"
	"github.com/dandantas/quantflow/internal/pipeline"
	"github.com/dandantas/quantflow/internal/worker"
	"github.com/dandantas/quantflow/pkg/middleware"
	"github.com/google/uuid"
)

// Queue accepts jobs for execution
type Queue interface {
	Submit(job worker.Job) error
}

// BacktestOutcome is either an inline cached result or the id of a new job
type BacktestOutcome struct {
	JobID  string
	Result *model.BacktestResult
	Cached bool
}

var errAlreadyTerminal = errors.New("job already finished")

// recoverBatch bounds how many jobs Recover loads per status
const recoverBatch = 10000

// Manager is the entry point for submitting, observing and cancelling jobs
type Manager struct {
	store    jobstore.Store
	queue    Queue
	executor *Executor
	pipeline *pipeline.Pipeline
	cache    cache.ResultCache
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewManager creates a new job manager
func NewManager(store jobstore.Store, queue Queue, executor *Executor, p *pipeline.Pipeline, c cache.ResultCache, m *metrics.Metrics) *Manager {
	return &Manager{
		store:    store,
		queue:    queue,
		executor: executor,
		pipeline: p,
		cache:    c,
		metrics:  m,
		now:      time.Now,
	}
}

// Submit validates a requirement and enqueues a workflow job for it.
// Validation failures are returned as *model.ValidationError and create no job.
func (m *Manager) Submit(ctx context.Context, req model.Requirement) (string, error) {
	req.SetDefaults(m.now().UTC())
	if err := req.Validate(); err != nil {
		return "", err
	}

	job := m.newJob(ctx, model.KindWorkflow)
	job.Requirement = &req
	if err := m.enqueue(ctx, job); err != nil {
		return "", err
	}

	slog.Info("Workflow job submitted",
		"job_id", job.ID,
		"correlation_id", job.CorrelationID,
		"strategy_type", req.StrategyType,
		"risk_preference", req.RiskPreference,
		"include_backtest", req.IncludeBacktest,
	)
	return job.ID, nil
}

// GetStatus returns a snapshot of the job
func (m *Manager) GetStatus(ctx context.Context, jobID string) (model.JobView, error) {
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return model.JobView{}, err
	}
	return job.View(), nil
}

// List returns snapshots of jobs matching filter, newest first
func (m *Manager) List(ctx context.Context, filter model.JobFilter) ([]model.JobView, error) {
	jobs, err := m.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	views := make([]model.JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, j.View())
	}
	return views, nil
}

// Cancel requests cancellation of a job. It reports false when the job had
// already reached a terminal status. The job stops at its next stage boundary.
func (m *Manager) Cancel(ctx context.Context, jobID string) (bool, error) {
	_, err := m.store.Update(ctx, jobID, func(j *model.Job) error {
		if j.Status.IsTerminal() {
			return errAlreadyTerminal
		}
		j.CancelRequested = true
		j.UpdatedAt = m.now().UTC()
		return nil
	})
	if errors.Is(err, errAlreadyTerminal) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	m.executor.Interrupt(jobID)
	slog.Info("Job cancellation requested", "job_id", jobID)
	return true, nil
}

// StartBacktest serves a backtest of a stored strategy from the cache, or
// enqueues a backtest job when no live entry exists.
func (m *Manager) StartBacktest(ctx context.Context, strategyID string, params model.BacktestParams) (BacktestOutcome, error) {
	strategy, err := m.store.FindStrategy(ctx, strategyID)
	if err != nil {
		return BacktestOutcome{}, err
	}

	params.SetDefaults(m.now().UTC(), 0)
	if err := params.Validate(); err != nil {
		return BacktestOutcome{}, err
	}

	key := cache.Key(strategyID, params)
	if m.cache != nil {
		v, hit, err := m.cache.Lookup(ctx, key)
		result := "miss"
		switch {
		case err != nil:
			result = "error"
			slog.Warn("Backtest cache lookup failed", "cache_key", key, "error", err)
		case hit:
			result = "hit"
		}
		if m.metrics != nil {
			m.metrics.CacheLookups.WithLabelValues(result).Inc()
		}
		if hit {
			slog.Info("Backtest served from cache", "strategy_id", strategyID, "cache_key", key)
			return BacktestOutcome{Result: v, Cached: true}, nil
		}
	}

	job := m.newJob(ctx, model.KindBacktest)
	job.BacktestRequest = &model.BacktestRequest{
		StrategyID: strategyID,
		Params:     params,
		CacheKey:   key,
		Strategy:   strategy,
	}
	if err := m.enqueue(ctx, job); err != nil {
		return BacktestOutcome{}, err
	}

	slog.Info("Backtest job submitted", "job_id", job.ID, "strategy_id", strategyID, "cache_key", key)
	return BacktestOutcome{JobID: job.ID}, nil
}

// Recover brings stored jobs back in line after a restart. Jobs left running
// are failed as interrupted; pending jobs are re-enqueued oldest first.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	running, err := m.store.List(ctx, model.JobFilter{Status: model.JobRunning, Limit: recoverBatch})
	if err != nil {
		return 0, fmt.Errorf("failed to list running jobs: %w", err)
	}
	for _, j := range running {
		_, err := m.store.Update(ctx, j.ID, func(j *model.Job) error {
			if j.Status != model.JobRunning {
				return errAlreadyTerminal
			}
			now := m.now().UTC()
			stage := j.CurrentStage
			for k := range j.Stages {
				if j.Stages[k].Status == model.StageRunning {
					j.Stages[k].Status = model.StageFailed
					j.Stages[k].FinishedAt = &now
					stage = j.Stages[k].Name
				}
			}
			skipRemaining(j, 0, now)
			j.Status = model.JobFailed
			j.Error = &model.JobError{Stage: stage, Message: "interrupted"}
			j.Message = "Failed: interrupted"
			j.FinishedAt = &now
			j.Touch(now)
			return nil
		})
		if err != nil && !errors.Is(err, errAlreadyTerminal) {
			slog.Error("Failed to mark interrupted job", "job_id", j.ID, "error", err)
			continue
		}
		slog.Warn("Job interrupted by restart", "job_id", j.ID)
	}

	pending, err := m.store.List(ctx, model.JobFilter{Status: model.JobPending, Limit: recoverBatch})
	if err != nil {
		return 0, fmt.Errorf("failed to list pending jobs: %w", err)
	}
	sort.SliceStable(pending, func(a, b int) bool {
		return pending[a].CreatedAt.Before(pending[b].CreatedAt)
	})

	requeued := 0
	for _, j := range pending {
		if err := m.queue.Submit(worker.Job{ID: j.ID, Kind: string(j.Kind)}); err != nil {
			slog.Error("Failed to re-enqueue pending job", "job_id", j.ID, "error", err)
			continue
		}
		requeued++
	}

	slog.Info("Job recovery completed", "interrupted", len(running), "requeued", requeued)
	return requeued, nil
}

func (m *Manager) newJob(ctx context.Context, kind model.JobKind) *model.Job {
	now := m.now().UTC()
	job := &model.Job{
		ID:            uuid.NewString(),
		Kind:          kind,
		Status:        model.JobPending,
		Stages:        m.pipeline.Records(kind),
		Message:       "Queued",
		CorrelationID: middleware.GetCorrelationID(ctx),
		CreatedAt:     now,
	}
	job.Touch(now)
	return job
}

// enqueue stores the job and hands it to the queue. A rejected job is removed
// again so it never shows up as pending.
func (m *Manager) enqueue(ctx context.Context, job *model.Job) error {
	if err := m.store.Create(ctx, job); err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	if err := m.queue.Submit(worker.Job{ID: job.ID, Kind: string(job.Kind)}); err != nil {
		if derr := m.store.Delete(ctx, job.ID); derr != nil {
			slog.Error("Failed to remove rejected job", "job_id", job.ID, "error", derr)
		}
		return err
	}
	if m.metrics != nil {
		m.metrics.JobsSubmitted.WithLabelValues(string(job.Kind)).Inc()
	}
	return nil
}
