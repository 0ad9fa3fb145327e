package jobstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dandantas/quantflow/internal/model"
)

type entry struct {
	mu  sync.Mutex
	job *model.Job
}

// MemoryStore keeps jobs in process memory.
// The map lock is held only to find an entry; each job has its own lock so
// updates to unrelated jobs never contend.
type MemoryStore struct {
	mu         sync.RWMutex
	jobs       map[string]*entry
	strategies map[string]string // strategy id -> job id
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[string]*entry),
		strategies: make(map[string]string),
	}
}

// Create stores a new job
func (s *MemoryStore) Create(ctx context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	c := job.Clone()
	c.Version = 1
	s.jobs[job.ID] = &entry{job: c}
	s.indexStrategy(c)
	return nil
}

func (s *MemoryStore) lookup(id string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	return e, nil
}

// Get returns a copy of the job
func (s *MemoryStore) Get(ctx context.Context, id string) (*model.Job, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

// Update applies fn to a copy of the job under the job's lock
func (s *MemoryStore) Update(ctx context.Context, id string, fn UpdateFunc) (*model.Job, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	next := e.job.Clone()
	if err := fn(next); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	next.Version = e.job.Version + 1
	e.job = next
	out := next.Clone()
	e.mu.Unlock()

	if out.Result != nil && out.Result.Strategy != nil {
		s.mu.Lock()
		if _, stillThere := s.jobs[id]; stillThere {
			s.indexStrategy(out)
		}
		s.mu.Unlock()
	}
	return out, nil
}

// List returns jobs newest first
func (s *MemoryStore) List(ctx context.Context, filter model.JobFilter) ([]*model.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var out []*model.Job
	for _, e := range s.snapshot() {
		e.mu.Lock()
		job := e.job
		match := (filter.Status == "" || job.Status == filter.Status) &&
			(filter.Kind == "" || job.Kind == filter.Kind)
		if match {
			out = append(out, job.Clone())
		}
		e.mu.Unlock()
	}

	sortNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListExpired returns ids of terminal jobs that finished before the cutoff
func (s *MemoryStore) ListExpired(ctx context.Context, finishedBefore time.Time) ([]string, error) {
	var ids []string
	for _, e := range s.snapshot() {
		e.mu.Lock()
		job := e.job
		if job.Status.IsTerminal() && job.FinishedAt != nil && job.FinishedAt.Before(finishedBefore) {
			ids = append(ids, job.ID)
		}
		e.mu.Unlock()
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes a job
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	delete(s.jobs, id)
	for sid, jid := range s.strategies {
		if jid == id {
			delete(s.strategies, sid)
		}
	}
	return nil
}

// FindStrategy returns the strategy synthesized by a completed job
func (s *MemoryStore) FindStrategy(ctx context.Context, strategyID string) (*model.Strategy, error) {
	s.mu.RLock()
	jobID, ok := s.strategies[strategyID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("strategy %s: %w", strategyID, model.ErrNotFound)
	}

	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", strategyID, model.ErrNotFound)
	}
	if job.Status != model.JobCompleted || job.Result == nil || job.Result.Strategy == nil {
		return nil, fmt.Errorf("strategy %s: %w", strategyID, model.ErrNotFound)
	}
	st := *job.Result.Strategy
	return &st, nil
}

func (s *MemoryStore) snapshot() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e)
	}
	return out
}

// indexStrategy must be called with s.mu held
func (s *MemoryStore) indexStrategy(job *model.Job) {
	if job.Kind == model.KindWorkflow && job.Result != nil && job.Result.Strategy != nil {
		s.strategies[job.Result.Strategy.ID] = job.ID
	}
}

func sortNewestFirst(jobs []*model.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].ID > jobs[j].ID
	})
}
