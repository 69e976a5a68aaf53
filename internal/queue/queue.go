// Package queue serializes model requests per conversation: jobs sharing
// a key run one at a time in arrival order, while distinct keys proceed
// in parallel on lazily created workers.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultJobTimeout = 5 * time.Minute

// Job is one queued unit of work.
type job struct {
	id         string
	key        string
	enqueuedAt time.Time
	run        func(ctx context.Context)
}

// worker drains one key's jobs serially, then removes itself.
type worker struct {
	jobs    []*job
	running *job
	cancel  context.CancelFunc
	started time.Time
}

// Queue dispatches jobs to per-key serial workers.
type Queue struct {
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	workers map[string]*worker
	wg      sync.WaitGroup
	closed  bool
}

// New builds a Queue. jobTimeout bounds each job's wall-clock run time;
// zero or negative falls back to the default.
func New(log *slog.Logger, jobTimeout time.Duration) *Queue {
	if log == nil {
		log = slog.Default()
	}
	if jobTimeout <= 0 {
		jobTimeout = DefaultJobTimeout
	}
	return &Queue{
		logger:  log.With(slog.String("component", "queue")),
		timeout: jobTimeout,
		workers: make(map[string]*worker),
	}
}

// Enqueue adds fn to the key's queue and returns the job id. The first
// job for an idle key spawns its worker; later jobs wait their turn.
func (q *Queue) Enqueue(key string, fn func(ctx context.Context)) string {
	j := &job{
		id:         uuid.NewString(),
		key:        key,
		enqueuedAt: time.Now(),
		run:        fn,
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ""
	}
	w, ok := q.workers[key]
	if !ok {
		w = &worker{}
		q.workers[key] = w
		w.jobs = append(w.jobs, j)
		q.wg.Add(1)
		go q.drain(key, w)
	} else {
		w.jobs = append(w.jobs, j)
	}
	depth := len(w.jobs)
	q.mu.Unlock()

	q.logger.Debug("job enqueued",
		slog.String("key", key),
		slog.String("job_id", j.id),
		slog.Int("depth", depth))
	return j.id
}

// drain runs the worker's jobs in FIFO order until the queue empties,
// then deletes the worker so an idle key holds no goroutine.
func (q *Queue) drain(key string, w *worker) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(w.jobs) == 0 {
			w.running = nil
			delete(q.workers, key)
			q.mu.Unlock()
			return
		}
		j := w.jobs[0]
		w.jobs = w.jobs[1:]

		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		w.running = j
		w.cancel = cancel
		w.started = time.Now()
		q.mu.Unlock()

		j.run(ctx)
		cancel()

		if wait := time.Since(j.enqueuedAt); wait > q.timeout {
			q.logger.Warn("job finished after long wait",
				slog.String("key", key),
				slog.String("job_id", j.id),
				slog.Duration("waited", wait))
		}
	}
}

// Abort cancels the key's currently running job, if any. Queued jobs
// behind it still run.
func (q *Queue) Abort(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	w, ok := q.workers[key]
	if !ok || w.running == nil || w.cancel == nil {
		return false
	}
	q.logger.Info("job aborted",
		slog.String("key", key),
		slog.String("job_id", w.running.id))
	w.cancel()
	return true
}

// KeyStatus describes one active key for the operator surface.
type KeyStatus struct {
	Key          string        `json:"key"`
	Pending      int           `json:"pending"`
	RunningJobID string        `json:"running_job_id,omitempty"`
	RunningFor   time.Duration `json:"running_for,omitempty"`
}

// Status snapshots every active key: the running job plus queued depth.
func (q *Queue) Status() []KeyStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]KeyStatus, 0, len(q.workers))
	for key, w := range q.workers {
		st := KeyStatus{Key: key, Pending: len(w.jobs)}
		if w.running != nil {
			st.RunningJobID = w.running.id
			st.RunningFor = time.Since(w.started)
		}
		out = append(out, st)
	}
	return out
}

// Depth returns the number of jobs waiting or running for the key.
func (q *Queue) Depth(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	w, ok := q.workers[key]
	if !ok {
		return 0
	}
	n := len(w.jobs)
	if w.running != nil {
		n++
	}
	return n
}

// Close stops accepting jobs, aborts everything running, and waits for
// the workers to drain.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	for _, w := range q.workers {
		w.jobs = nil
		if w.cancel != nil {
			w.cancel()
		}
	}
	q.mu.Unlock()
	q.wg.Wait()
}
