package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dandantas/quantflow/internal/cache"
	"github.com/dandantas/quantflow/internal/jobstore"
	"github.com/dandantas/quantflow/internal/metrics"
	"github.com/dandantas/quantflow/internal/model"
	"github.com/dandantas/quantflow/internal/pipeline"
	"github.com/dandantas/quantflow/internal/worker"
)

// Notifier is told about every job that reaches a terminal status.
// Implementations must not block the caller.
type Notifier interface {
	JobFinished(job *model.Job)
}

var errCancelObserved = errors.New("cancellation observed")

// Executor drives one job through its stages
type Executor struct {
	store    jobstore.Store
	pipeline *pipeline.Pipeline
	cache    cache.ResultCache
	metrics  *metrics.Metrics
	notifier Notifier
	now      func() time.Time

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewExecutor creates a new executor
func NewExecutor(store jobstore.Store, p *pipeline.Pipeline, c cache.ResultCache, m *metrics.Metrics) *Executor {
	return &Executor{
		store:    store,
		pipeline: p,
		cache:    c,
		metrics:  m,
		now:      time.Now,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// SetNotifier registers the terminal-status listener
func (e *Executor) SetNotifier(n Notifier) {
	e.notifier = n
}

// Handle adapts Run to the worker pool
func (e *Executor) Handle(ctx context.Context, job worker.Job) {
	e.Run(ctx, job.ID)
}

// Interrupt cancels the context of the stage currently running for jobID.
// The stage is free to ignore it; the executor discards its result either way.
func (e *Executor) Interrupt(jobID string) {
	e.mu.Lock()
	cancel, ok := e.cancels[jobID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// Run executes a pending job to a terminal status
func (e *Executor) Run(ctx context.Context, jobID string) {
	jobCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancels[jobID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, jobID)
		e.mu.Unlock()
		cancel()
	}()

	// store writes outlive a pool shutdown
	sctx := context.WithoutCancel(ctx)

	started := e.now()
	job, err := e.store.Update(sctx, jobID, func(j *model.Job) error {
		if j.Status != model.JobPending {
			return fmt.Errorf("job is %s, not pending", j.Status)
		}
		j.Status = model.JobRunning
		j.Touch(e.now().UTC())
		return nil
	})
	if err != nil {
		slog.Warn("Skipping job", "job_id", jobID, "error", err)
		return
	}

	log := slog.With("job_id", jobID, "kind", job.Kind, "correlation_id", job.CorrelationID)
	log.Info("Starting job execution", "stages", len(job.Stages))

	in := stageInput(job)
	result := &model.JobResult{}
	plan := e.pipeline.Plan(job.Kind)

	for i, stage := range plan {
		skip := stage.Name == pipeline.StageBacktest && !wantsBacktest(job)

		job, err = e.store.Update(sctx, jobID, func(j *model.Job) error {
			if j.CancelRequested {
				return errCancelObserved
			}
			now := e.now().UTC()
			rec := &j.Stages[i]
			if skip {
				rec.Status = model.StageSkipped
				rec.FinishedAt = &now
				j.Progress = j.SettledWeight()
			} else {
				rec.Status = model.StageRunning
				rec.StartedAt = &now
				j.CurrentStage = rec.Name
				j.Message = rec.Description
			}
			j.Touch(now)
			return nil
		})
		if errors.Is(err, errCancelObserved) {
			e.finish(sctx, log, jobID, started, cancelJob(i, e.now))
			return
		}
		if err != nil {
			log.Error("Failed to update job", "stage", stage.Name, "error", err)
			return
		}
		if skip {
			log.Info("Stage skipped", "stage", stage.Name)
			continue
		}

		out, stageErr := e.execute(jobCtx, log, job, stage, in)
		if stageErr == nil {
			in.Apply(out)
			switch v := out.(type) {
			case *model.Strategy:
				result.Strategy = v
			case *model.BacktestResult:
				result.Backtest = v
			}
		}

		last := i == len(plan)-1
		job, err = e.store.Update(sctx, jobID, func(j *model.Job) error {
			now := e.now().UTC()
			if j.CancelRequested {
				return cancelJob(i, e.now)(j)
			}
			rec := &j.Stages[i]
			rec.FinishedAt = &now
			if stageErr != nil {
				rec.Status = model.StageFailed
				skipRemaining(j, i+1, now)
				j.Status = model.JobFailed
				j.Error = stageFailure(stage.Name, stageErr)
				j.Message = "Failed: " + j.Error.Message
				j.FinishedAt = &now
				j.Touch(now)
				return nil
			}
			rec.Status = model.StageCompleted
			j.Progress = j.SettledWeight()
			if last {
				j.Status = model.JobCompleted
				j.Progress = 1
				j.Result = result
				j.Message = "Completed"
				j.FinishedAt = &now
			}
			j.Touch(now)
			return nil
		})
		if err != nil {
			log.Error("Failed to update job", "stage", stage.Name, "error", err)
			return
		}
		if job.Status.IsTerminal() {
			e.finished(log, job, started)
			return
		}
	}

	// every remaining stage was skipped
	job, err = e.store.Update(sctx, jobID, func(j *model.Job) error {
		if j.CancelRequested {
			return cancelJob(len(plan), e.now)(j)
		}
		now := e.now().UTC()
		j.Status = model.JobCompleted
		j.Progress = 1
		j.Result = result
		j.Message = "Completed"
		j.FinishedAt = &now
		j.Touch(now)
		return nil
	})
	if err != nil {
		log.Error("Failed to complete job", "error", err)
		return
	}
	e.finished(log, job, started)
}

// execute runs one stage, consulting the result cache around the backtest
func (e *Executor) execute(ctx context.Context, log *slog.Logger, job *model.Job, stage pipeline.Stage, in *pipeline.Input) (model.StageOutput, error) {
	start := e.now()
	status := "completed"
	defer func() {
		if e.metrics != nil {
			e.metrics.StageDuration.WithLabelValues(stage.Name, status).Observe(e.now().Sub(start).Seconds())
		}
	}()

	var key string
	if stage.Name == pipeline.StageBacktest && e.cache != nil {
		key = backtestKey(job, in)
		if key != "" {
			if hit := e.lookup(ctx, log, key); hit != nil {
				status = "cached"
				log.Info("Backtest served from cache", "cache_key", key)
				return hit, nil
			}
		}
	}

	log.Info("Stage started", "stage", stage.Name, "timeout", stage.Timeout)
	out, err := runWithTimeout(ctx, stage, in)
	if err != nil {
		status = "failed"
		log.Warn("Stage failed", "stage", stage.Name, "error", err)
		return nil, err
	}

	if key != "" {
		if err := e.cache.Store(ctx, key, out.(*model.BacktestResult)); err != nil {
			var poison *model.CachePoisoningError
			if errors.As(err, &poison) {
				status = "failed"
				log.Error("Backtest cache rejected result", "cache_key", key, "error", err)
				return nil, &model.StageError{Stage: stage.Name, Message: "internal error", Err: err}
			}
			log.Warn("Failed to cache backtest result", "cache_key", key, "error", err)
		}
	}

	log.Info("Stage completed", "stage", stage.Name, "duration_ms", e.now().Sub(start).Milliseconds())
	return out, nil
}

func (e *Executor) lookup(ctx context.Context, log *slog.Logger, key string) *model.BacktestResult {
	v, hit, err := e.cache.Lookup(ctx, key)
	result := "miss"
	switch {
	case err != nil:
		result = "error"
		log.Warn("Backtest cache lookup failed", "cache_key", key, "error", err)
	case hit:
		result = "hit"
	}
	if e.metrics != nil {
		e.metrics.CacheLookups.WithLabelValues(result).Inc()
	}
	if !hit {
		return nil
	}
	return v
}

// runWithTimeout runs the stage in its own goroutine and gives up on it once
// its declared timeout elapses. Cancelling ctx only hints the stage to stop.
func runWithTimeout(ctx context.Context, stage pipeline.Stage, in *pipeline.Input) (model.StageOutput, error) {
	stageCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		out model.StageOutput
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("stage panicked: %v", r)}
			}
		}()
		out, err := stage.Run(stageCtx, in)
		ch <- outcome{out: out, err: err}
	}()

	timer := time.NewTimer(stage.Timeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil, &model.StageError{Stage: stage.Name, Message: "timeout", Err: model.ErrTimeout}
	case o := <-ch:
		if o.err != nil {
			return nil, &model.StageError{Stage: stage.Name, Message: o.err.Error(), Err: o.err}
		}
		if o.out == nil {
			return nil, &model.StageError{Stage: stage.Name, Message: "stage returned no output"}
		}
		if o.out.Kind() != stage.Produces {
			return nil, &model.StageError{
				Stage:   stage.Name,
				Message: fmt.Sprintf("stage produced %s, want %s", o.out.Kind(), stage.Produces),
			}
		}
		if err := o.out.Validate(); err != nil {
			return nil, &model.StageError{Stage: stage.Name, Message: "invalid output: " + err.Error(), Err: err}
		}
		return o.out, nil
	}
}

// finish applies a terminal update built outside the stage loop
func (e *Executor) finish(ctx context.Context, log *slog.Logger, jobID string, started time.Time, fn jobstore.UpdateFunc) {
	job, err := e.store.Update(ctx, jobID, fn)
	if err != nil {
		log.Error("Failed to finish job", "error", err)
		return
	}
	e.finished(log, job, started)
}

func (e *Executor) finished(log *slog.Logger, job *model.Job, started time.Time) {
	log.Info("Job execution finished",
		"status", job.Status,
		"progress", job.Progress,
		"duration_ms", e.now().Sub(started).Milliseconds(),
	)
	if e.metrics != nil {
		e.metrics.JobsFinished.WithLabelValues(string(job.Kind), string(job.Status)).Inc()
		e.metrics.JobDuration.WithLabelValues(string(job.Kind)).Observe(e.now().Sub(started).Seconds())
	}
	if e.notifier != nil {
		e.notifier.JobFinished(job)
	}
}

// cancelJob marks stage i and everything after it skipped and cancels the job.
// Progress keeps its last value.
func cancelJob(i int, clock func() time.Time) jobstore.UpdateFunc {
	return func(j *model.Job) error {
		now := clock().UTC()
		skipRemaining(j, i, now)
		j.Status = model.JobCancelled
		j.Message = "Cancelled"
		j.FinishedAt = &now
		j.Touch(now)
		return nil
	}
}

// skipRemaining marks every unfinished stage from index from onward skipped
func skipRemaining(j *model.Job, from int, now time.Time) {
	for k := from; k < len(j.Stages); k++ {
		if !j.Stages[k].Status.IsTerminal() {
			j.Stages[k].Status = model.StageSkipped
			j.Stages[k].FinishedAt = &now
		}
	}
}

func stageFailure(stage string, err error) *model.JobError {
	var se *model.StageError
	if errors.As(err, &se) {
		return &model.JobError{Stage: se.Stage, Message: se.Message}
	}
	return &model.JobError{Stage: stage, Message: err.Error()}
}

func wantsBacktest(job *model.Job) bool {
	if job.Kind == model.KindBacktest {
		return true
	}
	return job.Requirement != nil && job.Requirement.IncludeBacktest && job.Requirement.Backtest != nil
}

func stageInput(job *model.Job) *pipeline.Input {
	in := &pipeline.Input{JobID: job.ID, Requirement: job.Requirement}
	if job.Requirement != nil {
		in.Backtest = job.Requirement.Backtest
	}
	if br := job.BacktestRequest; br != nil {
		params := br.Params
		in.Strategy = br.Strategy
		in.Backtest = &params
	}
	return in
}

func backtestKey(job *model.Job, in *pipeline.Input) string {
	if br := job.BacktestRequest; br != nil && br.CacheKey != "" {
		return br.CacheKey
	}
	if in.Strategy == nil || in.Backtest == nil {
		return ""
	}
	return cache.Key(in.Strategy.ID, *in.Backtest)
}
