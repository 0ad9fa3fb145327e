package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dandantas/quantflow/internal/cache"
	"github.com/dandantas/quantflow/internal/jobstore"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Config configures the periodic sweeps
type Config struct {
	Enabled   bool
	Schedule  string        // cron spec, descriptors such as "@every 1m" allowed
	Retention time.Duration // terminal jobs older than this are deleted
	LockTTL   time.Duration // lease held by the sweeping pod
}

// Locker coordinates sweeps between pods sharing a job store
type Locker interface {
	AcquireLock(ctx context.Context, name, podID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, podID string) error
}

const sweepLock = "sweep"

// SweepResult reports what one sweep removed
type SweepResult struct {
	CacheEvicted int
	JobsDeleted  int
}

// Scheduler runs cache and job retention sweeps on a cron schedule
type Scheduler struct {
	cfg   Config
	store jobstore.Store
	cache cache.ResultCache
	podID string
	cron  *cron.Cron
	now   func() time.Time
	lock  Locker

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a new scheduler instance
func NewScheduler(cfg Config, store jobstore.Store, c cache.ResultCache) *Scheduler {
	podID, err := os.Hostname()
	if err != nil {
		podID = uuid.New().String()
		slog.Warn("Failed to get hostname, using UUID as pod ID", "pod_id", podID)
	}

	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		cfg:   cfg,
		store: store,
		cache: c,
		podID: podID,
		cron:  cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC)),
		now:   time.Now,
	}
}

// SetLocker makes sweeps take a distributed lock first
func (s *Scheduler) SetLocker(l Locker) {
	s.lock = l
}

// PodID identifies this instance as a lock holder
func (s *Scheduler) PodID() string {
	return s.podID
}

// Start registers the sweep and starts the cron loop
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		slog.Info("Scheduler is disabled by configuration")
		return nil
	}

	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			slog.Error("Sweep failed", "pod_id", s.podID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.cfg.Schedule, err)
	}

	slog.Info("Starting scheduler",
		"pod_id", s.podID,
		"schedule", s.cfg.Schedule,
		"job_retention", s.cfg.Retention,
	)
	s.cron.Start()
	return nil
}

// Stop gracefully stops the scheduler, waiting for a running sweep
func (s *Scheduler) Stop(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}

	slog.Info("Stopping scheduler", "pod_id", s.podID)
	stopped := s.cron.Stop()

	select {
	case <-stopped.Done():
		slog.Info("Scheduler stopped", "pod_id", s.podID)
	case <-ctx.Done():
		slog.Warn("Timeout waiting for sweep to complete")
	}
}

// Sweep evicts expired cache entries and deletes terminal jobs past retention.
// Overlapping sweeps are skipped.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		slog.Debug("Sweep already running, skipping", "pod_id", s.podID)
		return SweepResult{}, nil
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if s.lock != nil {
		acquired, err := s.lock.AcquireLock(ctx, sweepLock, s.podID, s.cfg.LockTTL)
		if err != nil {
			return SweepResult{}, fmt.Errorf("failed to acquire sweep lock: %w", err)
		}
		if !acquired {
			slog.Debug("Sweep lock held by another pod, skipping", "pod_id", s.podID)
			return SweepResult{}, nil
		}
		defer func() {
			if err := s.lock.ReleaseLock(context.WithoutCancel(ctx), sweepLock, s.podID); err != nil {
				slog.Warn("Failed to release sweep lock", "pod_id", s.podID, "error", err)
			}
		}()
	}

	start := s.now()
	var res SweepResult

	if s.cache != nil {
		n, err := s.cache.Sweep(ctx)
		if err != nil {
			slog.Error("Failed to sweep result cache", "error", err)
		}
		res.CacheEvicted = n
	}

	if s.cfg.Retention > 0 {
		cutoff := start.UTC().Add(-s.cfg.Retention)
		ids, err := s.store.ListExpired(ctx, cutoff)
		if err != nil {
			return res, fmt.Errorf("failed to list expired jobs: %w", err)
		}
		for _, id := range ids {
			if err := s.store.Delete(ctx, id); err != nil {
				slog.Error("Failed to delete expired job", "job_id", id, "error", err)
				continue
			}
			res.JobsDeleted++
		}
	}

	slog.Info("Sweep completed",
		"pod_id", s.podID,
		"cache_evicted", res.CacheEvicted,
		"jobs_deleted", res.JobsDeleted,
		"duration_ms", s.now().Sub(start).Milliseconds(),
	)
	return res, nil
}
