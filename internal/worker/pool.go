package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dandantas/quantflow/internal/metrics"
	"github.com/dandantas/quantflow/internal/model"
)

// ErrPoolStopped is returned by Submit after Stop
var ErrPoolStopped = errors.New("worker pool is stopped")

// WorkerPool runs at most `workers` jobs at a time and starts queued jobs in
// submission order.
type WorkerPool struct {
	workers  int
	capacity int
	handler  HandlerFunc
	metrics  *metrics.Metrics

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Job
	running int
	closed  bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(workers, capacity int, m *metrics.Metrics) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())

	wp := &WorkerPool{
		workers:  workers,
		capacity: capacity,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
	}
	wp.cond = sync.NewCond(&wp.mu)
	return wp
}

// SetHandler sets the function that processes jobs
func (wp *WorkerPool) SetHandler(fn HandlerFunc) {
	wp.handler = fn
}

// Start starts the worker goroutines
func (wp *WorkerPool) Start() {
	slog.Info("Starting worker pool", "workers", wp.workers, "queue_capacity", wp.capacity)

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Submit appends a job to the queue.
// It fails with model.ErrQueueFull when capacity jobs are already waiting.
func (wp *WorkerPool) Submit(job Job) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.closed {
		return ErrPoolStopped
	}
	if wp.capacity > 0 && len(wp.queue) >= wp.capacity {
		return model.ErrQueueFull
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	wp.queue = append(wp.queue, job)
	wp.observe()
	wp.cond.Signal()

	slog.Debug("Job submitted to worker pool", "job_id", job.ID, "queue_length", len(wp.queue))
	return nil
}

// Stop stops dequeuing and waits for running jobs until ctx is done, after
// which running jobs see their context cancelled. Queued jobs stay pending.
func (wp *WorkerPool) Stop(ctx context.Context) error {
	slog.Info("Stopping worker pool")

	wp.mu.Lock()
	wp.closed = true
	left := len(wp.queue)
	wp.queue = nil
	wp.observe()
	wp.cond.Broadcast()
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Timeout waiting for running jobs, cancelling them")
		wp.cancel()
		<-done
		err = ctx.Err()
	}
	wp.cancel()

	slog.Info("Worker pool stopped", "left_in_queue", left)
	return err
}

// QueueLength returns the number of jobs waiting for a slot
func (wp *WorkerPool) QueueLength() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return len(wp.queue)
}

// Running returns the number of busy slots
func (wp *WorkerPool) Running() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.running
}

// next blocks until a job is available or the pool is closed
func (wp *WorkerPool) next() (Job, bool) {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	for len(wp.queue) == 0 && !wp.closed {
		wp.cond.Wait()
	}
	if wp.closed {
		return Job{}, false
	}

	job := wp.queue[0]
	wp.queue[0] = Job{}
	wp.queue = wp.queue[1:]
	wp.running++
	wp.observe()
	return job, true
}

func (wp *WorkerPool) done() {
	wp.mu.Lock()
	wp.running--
	wp.observe()
	wp.mu.Unlock()
}

// observe must be called with wp.mu held
func (wp *WorkerPool) observe() {
	if wp.metrics == nil {
		return
	}
	wp.metrics.QueueDepth.Set(float64(len(wp.queue)))
	wp.metrics.WorkersBusy.Set(float64(wp.running))
}

// worker is the worker goroutine that processes jobs
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	slog.Debug("Worker started", "worker_id", id)

	for {
		job, ok := wp.next()
		if !ok {
			break
		}

		slog.Debug("Worker processing job",
			"worker_id", id,
			"job_id", job.ID,
			"queued_ms", time.Since(job.EnqueuedAt).Milliseconds(),
		)

		wp.run(job)
		wp.done()
	}

	slog.Debug("Worker stopped", "worker_id", id)
}

func (wp *WorkerPool) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Worker recovered from panic", "job_id", job.ID, "error", r)
		}
	}()
	wp.handler(wp.ctx, job)
}
