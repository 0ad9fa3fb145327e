package webhook

import (
	"time"

	"github.com/dandantas/quantflow/internal/model"
)

// JobPayload is the summary posted when a job reaches a terminal status
type JobPayload struct {
	JobID         string          `json:"jobId"`
	Kind          model.JobKind   `json:"kind"`
	Status        model.JobStatus `json:"status"`
	Progress      float64         `json:"progress"`
	Error         *model.JobError `json:"error,omitempty"`
	StrategyID    string          `json:"strategyId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	FinishedAt    string          `json:"finishedAt"`
}

// FormatJobPayload summarizes a finished job
func FormatJobPayload(job *model.Job) JobPayload {
	p := JobPayload{
		JobID:         job.ID,
		Kind:          job.Kind,
		Status:        job.Status,
		Progress:      job.Progress,
		Error:         job.Error,
		CorrelationID: job.CorrelationID,
	}

	switch {
	case job.Result != nil && job.Result.Strategy != nil:
		p.StrategyID = job.Result.Strategy.ID
	case job.BacktestRequest != nil:
		p.StrategyID = job.BacktestRequest.StrategyID
	}

	finished := time.Now().UTC()
	if job.FinishedAt != nil {
		finished = job.FinishedAt.UTC()
	}
	p.FinishedAt = finished.Format(time.RFC3339)
	return p
}
