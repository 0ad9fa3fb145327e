package model

import (
	"time"
)

// JobStatus is the lifecycle state of a job
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Valid reports whether s is a known status
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobRunning, JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// StageStatus is the lifecycle state of a single stage within a job
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// IsTerminal reports whether the stage has finished one way or another
func (s StageStatus) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageSkipped
}

// JobKind distinguishes full workflow jobs from backtest-only jobs
type JobKind string

const (
	KindWorkflow JobKind = "workflow"
	KindBacktest JobKind = "backtest"
)

// StageRecord tracks one stage of a job
type StageRecord struct {
	Name        string      `json:"name" bson:"name"`
	Description string      `json:"description" bson:"description"`
	Weight      float64     `json:"weight" bson:"weight"`
	TimeoutMs   int64       `json:"timeoutMs" bson:"timeout_ms"`
	Status      StageStatus `json:"status" bson:"status"`
	StartedAt   *time.Time  `json:"startedAt,omitempty" bson:"started_at,omitempty"`
	FinishedAt  *time.Time  `json:"finishedAt,omitempty" bson:"finished_at,omitempty"`
}

// Timeout returns the declared maximum duration of the stage
func (r StageRecord) Timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// JobResult holds the accumulated outputs of a completed job
type JobResult struct {
	Strategy *Strategy       `json:"strategy,omitempty" bson:"strategy,omitempty"`
	Backtest *BacktestResult `json:"backtest,omitempty" bson:"backtest,omitempty"`
}

// JobError describes why a job failed
type JobError struct {
	Stage   string `json:"stage" bson:"stage"`
	Message string `json:"message" bson:"message"`
}

// BacktestRequest is the input of a backtest-only job
type BacktestRequest struct {
	StrategyID string         `json:"strategyId" bson:"strategy_id"`
	Params     BacktestParams `json:"params" bson:"params"`
	CacheKey   string         `json:"cacheKey" bson:"cache_key"`
	Strategy   *Strategy      `json:"strategy,omitempty" bson:"strategy,omitempty"`
}

// Job is one run of the stage pipeline
type Job struct {
	ID              string           `json:"jobId" bson:"_id"`
	Kind            JobKind          `json:"kind" bson:"kind"`
	Status          JobStatus        `json:"status" bson:"status"`
	Stages          []StageRecord    `json:"stages" bson:"stages"`
	Progress        float64          `json:"progress" bson:"progress"`
	Message         string           `json:"message" bson:"message"`
	CurrentStage    string           `json:"stepName" bson:"current_stage"`
	Requirement     *Requirement     `json:"requirement,omitempty" bson:"requirement,omitempty"`
	BacktestRequest *BacktestRequest `json:"backtestRequest,omitempty" bson:"backtest_request,omitempty"`
	Result          *JobResult       `json:"result,omitempty" bson:"result,omitempty"`
	Error           *JobError        `json:"error,omitempty" bson:"error,omitempty"`
	CancelRequested bool             `json:"cancelRequested" bson:"cancel_requested"`
	CorrelationID   string           `json:"correlationId,omitempty" bson:"correlation_id,omitempty"`
	CreatedAt       time.Time        `json:"createdAt" bson:"created_at"`
	UpdatedAt       time.Time        `json:"updatedAt" bson:"updated_at"`
	FinishedAt      *time.Time       `json:"finishedAt,omitempty" bson:"finished_at,omitempty"`
	Deadline        time.Time        `json:"deadline" bson:"deadline"`
	Version         int64            `json:"-" bson:"version"`
}

// Clone returns a copy of the job that shares no mutable state with j
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Stages = make([]StageRecord, len(j.Stages))
	copy(c.Stages, j.Stages)
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.BacktestRequest != nil {
		b := *j.BacktestRequest
		c.BacktestRequest = &b
	}
	return &c
}

// StageIndex returns the position of the named stage or -1
func (j *Job) StageIndex(name string) int {
	for i := range j.Stages {
		if j.Stages[i].Name == name {
			return i
		}
	}
	return -1
}

// SettledWeight is the sum of weights of completed and skipped stages
func (j *Job) SettledWeight() float64 {
	var sum float64
	for _, s := range j.Stages {
		if s.Status == StageCompleted || s.Status == StageSkipped {
			sum += s.Weight
		}
	}
	if sum > 1 {
		sum = 1
	}
	return sum
}

// RemainingTimeout sums the timeouts of stages that have not finished
func (j *Job) RemainingTimeout() time.Duration {
	var d time.Duration
	for _, s := range j.Stages {
		if !s.Status.IsTerminal() {
			d += s.Timeout()
		}
	}
	return d
}

// Touch bumps UpdatedAt and recomputes the deadline
func (j *Job) Touch(now time.Time) {
	j.UpdatedAt = now
	j.Deadline = now.Add(j.RemainingTimeout())
}

// JobView is the client-facing snapshot of a job
type JobView struct {
	JobID     string        `json:"jobId"`
	Kind      JobKind       `json:"kind"`
	Status    JobStatus     `json:"status"`
	Progress  float64       `json:"progress"`
	Message   string        `json:"message"`
	StepName  string        `json:"stepName"`
	Stages    []StageRecord `json:"stages"`
	Result    *JobResult    `json:"result,omitempty"`
	Error     *JobError     `json:"error,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
	Deadline  time.Time     `json:"deadline"`
}

// View builds a read-only snapshot of the job
func (j *Job) View() JobView {
	c := j.Clone()
	return JobView{
		JobID:     c.ID,
		Kind:      c.Kind,
		Status:    c.Status,
		Progress:  c.Progress,
		Message:   c.Message,
		StepName:  c.CurrentStage,
		Stages:    c.Stages,
		Result:    c.Result,
		Error:     c.Error,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
		Deadline:  c.Deadline,
	}
}

// JobFilter narrows job listings
type JobFilter struct {
	Status JobStatus
	Kind   JobKind
	Limit  int
}
