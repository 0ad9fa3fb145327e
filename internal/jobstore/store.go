// Package jobstore holds the registry of job records shared by the manager
// and the executors.
package jobstore

import (
	"context"
	"time"

	"github.com/dandantas/quantflow/internal/model"
)

// UpdateFunc mutates a private copy of a job. Returning an error aborts the
// update and leaves the stored job untouched.
type UpdateFunc func(job *model.Job) error

// Store is the atomic job registry.
// Every method returns copies; callers never share memory with the store.
type Store interface {
	Create(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, id string) (*model.Job, error)
	Update(ctx context.Context, id string, fn UpdateFunc) (*model.Job, error)
	List(ctx context.Context, filter model.JobFilter) ([]*model.Job, error)
	ListExpired(ctx context.Context, finishedBefore time.Time) ([]string, error)
	Delete(ctx context.Context, id string) error
	FindStrategy(ctx context.Context, strategyID string) (*model.Strategy, error)
}

// DefaultListLimit caps List when the filter leaves the limit unset
const DefaultListLimit = 50
