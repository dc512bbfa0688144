// Package queue runs side-effect jobs (push delivery, event persistence) off
// the relay's hot path. Jobs sharing a key run one at a time in submission
// order; different keys run independently. A full queue drops new jobs
// instead of blocking the caller.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is a unit of work. The context carries the per-job timeout and is
// cancelled when it expires.
type Job func(ctx context.Context)

// lane holds the pending jobs of one key. A lane exists only while it has
// work; its worker goroutine exits once the lane is empty.
type lane struct {
	jobs []Job
}

// Queue is a bounded job queue with one ordered lane per key.
type Queue struct {
	name    string
	size    int
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	lanes   map[string]*lane
	pending int
	closed  bool
	started bool
	dropped uint64
	workers sync.WaitGroup
}

// New creates a queue holding up to size pending jobs across all keys. A
// timeout of zero runs jobs without a deadline.
func New(name string, size int, timeout time.Duration, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{
		name:    name,
		size:    size,
		timeout: timeout,
		logger:  logger.With("queue", name),
		lanes:   make(map[string]*lane),
	}
}

// Start launches workers for any jobs queued so far and for every lane
// created later. Calling it more than once has no effect.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.startLocked()
}

func (q *Queue) startLocked() {
	if q.started {
		return
	}
	q.started = true
	for key, l := range q.lanes {
		q.workers.Add(1)
		go q.drain(key, l)
	}
}

func (q *Queue) drain(key string, l *lane) {
	defer q.workers.Done()
	for {
		q.mu.Lock()
		if len(l.jobs) == 0 {
			delete(q.lanes, key)
			q.mu.Unlock()
			return
		}
		job := l.jobs[0]
		l.jobs[0] = nil
		l.jobs = l.jobs[1:]
		q.pending--
		q.mu.Unlock()

		q.exec(job)
	}
}

func (q *Queue) exec(job Job) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("job panicked", "panic", r)
		}
	}()

	ctx := context.Background()
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	job(ctx)
}

// Enqueue submits a job on the lane for key without blocking. It returns
// false when the queue is closed or full; a full queue drops the job and
// logs a warning.
func (q *Queue) Enqueue(key string, job Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if q.pending >= q.size {
		q.dropped++
		q.logger.Warn("queue full, dropping job", "key", key, "capacity", q.size, "dropped_total", q.dropped)
		return false
	}

	q.pending++
	if l, ok := q.lanes[key]; ok {
		l.jobs = append(l.jobs, job)
		return true
	}
	l := &lane{jobs: []Job{job}}
	q.lanes[key] = l
	if q.started {
		q.workers.Add(1)
		go q.drain(key, l)
	}
	return true
}

// Dropped returns how many jobs were rejected because the queue was full.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close stops accepting jobs, runs everything already queued and waits for
// the workers to finish. A queue that was never started is drained too.
func (q *Queue) Close() {
	q.mu.Lock()
	first := !q.closed
	q.closed = true
	q.startLocked()
	q.mu.Unlock()

	q.workers.Wait()
	if first {
		q.logger.Debug("queue drained")
	}
}
