package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/scrapegen/internal/model"
	"github.com/sells-group/scrapegen/internal/resilience"
)

// ErrQueueFull is returned by MemoryQueue.Enqueue when the backlog is full.
var ErrQueueFull = eris.New("jobs: queue full")

const memoryBacklog = 1024

type memJob struct {
	payload      Payload
	state        State
	progress     *model.Progress
	attempts     int
	failedReason string
	cancel       context.CancelFunc
	finishedAt   time.Time
}

func (j *memJob) finished() bool {
	return j.state == StateCompleted || j.state == StateFailed || j.state == StateCancelled
}

// MemoryQueue is an in-process Queue backed by a fixed worker pool. Jobs
// do not survive a restart; it serves single-node SQLite deployments and
// tests.
type MemoryQueue struct {
	runner *Runner
	cfg    Config
	now    func() time.Time

	pending chan string
	stop    chan struct{}
	once    sync.Once

	mu   sync.Mutex
	jobs map[string]*memJob
}

// NewMemoryQueue creates a MemoryQueue. Call Start to run workers.
func NewMemoryQueue(r *Runner, cfg Config) *MemoryQueue {
	return &MemoryQueue{
		runner:  r,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		pending: make(chan string, memoryBacklog),
		stop:    make(chan struct{}),
		jobs:    make(map[string]*memJob),
	}
}

// Start runs cfg.Concurrency workers until ctx is done or Close is called.
func (q *MemoryQueue) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.cfg.Concurrency; i++ {
		g.Go(func() error {
			q.work(gctx)
			return nil
		})
	}
	zap.L().Info("jobs: memory queue started", zap.Int("workers", q.cfg.Concurrency))
	return g.Wait()
}

// Close stops the workers after their current job.
func (q *MemoryQueue) Close() {
	q.once.Do(func() { close(q.stop) })
}

func (q *MemoryQueue) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case id := <-q.pending:
			q.process(ctx, id)
		}
	}
}

func (q *MemoryQueue) process(ctx context.Context, id string) {
	q.mu.Lock()
	job := q.jobs[id]
	if job == nil || job.finished() {
		q.mu.Unlock()
		return
	}
	jctx, cancel := context.WithCancel(ctx)
	job.cancel = cancel
	job.state = StateRunning
	job.attempts++
	attempt := job.attempts
	payload := job.payload
	q.mu.Unlock()

	log := zap.L().With(zap.String("session_id", id), zap.Int("job_attempt", attempt))
	err := q.runner.Run(jctx, payload, func(p model.Progress) {
		q.mu.Lock()
		job.progress = &p
		q.mu.Unlock()
	})
	cancel()

	q.mu.Lock()
	job.cancel = nil
	switch {
	case job.state == StateCancelled:
		q.mu.Unlock()
		return
	case err == nil:
		job.state = StateCompleted
		job.finishedAt = q.now()
		q.mu.Unlock()
		return
	case ctx.Err() != nil:
		// Shutting down; the session stays IN_PROGRESS and can be re-enqueued.
		job.state = StateQueued
		q.mu.Unlock()
		return
	}

	job.failedReason = err.Error()
	if Permanent(err) || attempt >= q.cfg.MaxAttempts {
		job.state = StateFailed
		job.finishedAt = q.now()
		q.mu.Unlock()
		log.Error("jobs: job failed", zap.Error(err))
		if ferr := q.runner.Fail(context.WithoutCancel(ctx), id, err.Error()); ferr != nil {
			log.Error("jobs: could not mark session failed", zap.Error(ferr))
		}
		return
	}

	job.state = StateRetrying
	q.mu.Unlock()
	delay := resilience.Backoff(attempt-1, resilience.RetryConfig{
		InitialBackoff: q.cfg.InitialBackoff,
		MaxBackoff:     q.cfg.MaxBackoff,
		Multiplier:     2.0,
	})
	log.Warn("jobs: job attempt failed, retrying", zap.Error(err), zap.Duration("backoff", delay))
	time.AfterFunc(delay, func() {
		select {
		case q.pending <- id:
		case <-q.stop:
		}
	})
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(_ context.Context, p Payload) (EnqueueResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.prune()

	if _, ok := q.jobs[p.SessionID]; ok {
		return EnqueueResult{JobID: p.SessionID, Duplicate: true}, nil
	}
	select {
	case q.pending <- p.SessionID:
	default:
		return EnqueueResult{}, ErrQueueFull
	}
	q.jobs[p.SessionID] = &memJob{
		payload:  p,
		state:    StateQueued,
		progress: &model.Progress{Stage: model.StageQueued, UpdatedAt: q.now().UTC()},
	}
	return EnqueueResult{JobID: p.SessionID}, nil
}

// Status implements Queue.
func (q *MemoryQueue) Status(_ context.Context, sessionID string) (*JobStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.prune()

	job, ok := q.jobs[sessionID]
	if !ok {
		return &JobStatus{Found: false}, nil
	}
	st := &JobStatus{
		Found:        true,
		State:        job.state,
		AttemptsMade: job.attempts,
		FailedReason: job.failedReason,
	}
	if job.progress != nil {
		p := *job.progress
		st.Progress = &p
	}
	return st, nil
}

// Cancel implements Queue.
func (q *MemoryQueue) Cancel(ctx context.Context, sessionID string) error {
	q.mu.Lock()
	job, ok := q.jobs[sessionID]
	if !ok {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	if job.finished() {
		q.mu.Unlock()
		return nil
	}
	job.state = StateCancelled
	job.failedReason = CancelledReason
	job.finishedAt = q.now()
	if job.cancel != nil {
		job.cancel()
	}
	q.mu.Unlock()

	return q.runner.Fail(ctx, sessionID, CancelledReason)
}

// prune drops finished jobs past their retention window. Callers hold mu.
func (q *MemoryQueue) prune() {
	now := q.now()
	for id, j := range q.jobs {
		if !j.finished() {
			continue
		}
		keep := q.cfg.FailedRetention
		if j.state == StateCompleted {
			keep = q.cfg.CompletedRetention
		}
		if now.Sub(j.finishedAt) > keep {
			delete(q.jobs, id)
		}
	}
}
