package worker

import (
	"context"
	"time"
)

// Job is a queued reference to a stored job
type Job struct {
	ID         string
	Kind       string
	EnqueuedAt time.Time
}

// HandlerFunc runs one job to a terminal state. It owns the worker slot
// until it returns.
type HandlerFunc func(ctx context.Context, job Job)
