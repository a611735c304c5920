// jobs.go - background job queue.
// SPDX-FileCopyrightText: © 2024 The plex authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package jobs provides a background job queue with priorities, retries
// and delayed scheduling.  It is independent of the protocol stack and
// can be used on its own.
package jobs

import (
	"container/heap"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"gitlab.com/yawning/avl.git"

	"github.com/plexnet/plex/core/worker"
)

const schedulerInterval = 100 * time.Millisecond

// Status is the lifecycle state of a Job.
type Status int

const (
	// StatusPending means the job is queued and runnable.
	StatusPending Status = iota

	// StatusProcessing means a worker is executing the job.
	StatusProcessing

	// StatusCompleted means the job finished successfully.
	StatusCompleted

	// StatusFailed means the job exhausted its retries.
	StatusFailed

	// StatusRetrying means the job failed and a retry is pending.
	StatusRetrying

	// StatusScheduled means the job is waiting for its due time.
	StatusScheduled
)

// String returns the status as a human readable string.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusProcessing:
		return "Processing"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	case StatusRetrying:
		return "Retrying"
	case StatusScheduled:
		return "Scheduled"
	default:
		return fmt.Sprintf("[unknown Status: %d]", int(s))
	}
}

// Priority orders runnable jobs.  Higher priorities run first, jobs of
// equal priority run in submission order.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// Config is the per-job configuration.
type Config struct {
	// MaxRetries is how many attempts a job gets before it is failed.
	MaxRetries int

	// RetryDelay is how long a failed job waits before its next attempt.
	RetryDelay time.Duration

	// Timeout bounds a single execution attempt.
	Timeout time.Duration

	// Priority orders the job against other runnable jobs.
	Priority Priority

	// ScheduledAt delays the first attempt until the given time.  The
	// zero value means run immediately.
	ScheduledAt time.Time
}

// DefaultConfig returns the default job configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		RetryDelay: time.Second,
		Timeout:    30 * time.Second,
		Priority:   PriorityNormal,
	}
}

// Job is one unit of background work.
type Job struct {
	// ID uniquely identifies the job.
	ID string

	// Name selects the registered handler.
	Name string

	// Payload is the opaque job input.
	Payload []byte

	// Status is the current lifecycle state.
	Status Status

	// Config is the job configuration.
	Config Config

	// Attempts counts executions so far.
	Attempts int

	// CreatedAt is when the job was enqueued.
	CreatedAt time.Time

	// StartedAt is when the most recent attempt began.
	StartedAt time.Time

	// CompletedAt is when the job reached a terminal state.
	CompletedAt time.Time

	// Err holds the most recent failure message.
	Err string

	seqno uint64 // submission order tiebreak
	due   time.Time
}

func newJobID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("jobs: failed to generate job ID: %v", err))
	}
	return hex.EncodeToString(b)
}

// Handler executes a job and returns its result.
type Handler func(*Job) ([]byte, error)

// readyHeap orders runnable jobs by priority, then submission order.
type readyHeap []*Job

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].Config.Priority != h[j].Config.Priority {
		return h[i].Config.Priority > h[j].Config.Priority
	}
	return h[i].seqno < h[j].seqno
}
func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(v interface{}) {
	*h = append(*h, v.(*Job))
}
func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return v
}

// Queue is a priority-scheduled pool of job workers.
type Queue struct {
	worker.Worker

	l *log.Logger

	lock      sync.Mutex
	ready     readyHeap
	scheduled *avl.Tree // *Job ordered by due time
	wakeCh    chan struct{}
	seqno     uint64

	processing map[string]*Job
	completed  map[string]*Job

	handlerLock sync.RWMutex
	handlers    map[string]Handler

	workers   int
	startOnce sync.Once
}

// New creates a Queue with the given number of workers.  A nil logger
// disables logging.
func New(workers int, l *log.Logger) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if l == nil {
		l = log.New(io.Discard)
	}
	return &Queue{
		l: l,
		scheduled: avl.New(func(a, b interface{}) int {
			ja, jb := a.(*Job), b.(*Job)
			switch {
			case ja.due.Before(jb.due):
				return -1
			case ja.due.After(jb.due):
				return 1
			case ja.seqno < jb.seqno:
				return -1
			case ja.seqno > jb.seqno:
				return 1
			default:
				return 0
			}
		}),
		wakeCh:     make(chan struct{}, 1),
		processing: make(map[string]*Job),
		completed:  make(map[string]*Job),
		handlers:   make(map[string]Handler),
		workers:    workers,
	}
}

// Register installs the handler for jobs with the given name, replacing
// any existing handler.
func (q *Queue) Register(name string, h Handler) {
	q.handlerLock.Lock()
	q.handlers[name] = h
	q.handlerLock.Unlock()
	q.l.Info("registered job handler", "name", name)
}

// Enqueue creates a job and queues it.  It returns the job ID.
func (q *Queue) Enqueue(name string, payload []byte, cfg Config) string {
	job := &Job{
		ID:        newJobID(),
		Name:      name,
		Payload:   payload,
		Config:    cfg,
		CreatedAt: time.Now(),
	}

	q.lock.Lock()
	job.seqno = q.seqno
	q.seqno++
	if cfg.ScheduledAt.After(time.Now()) {
		job.Status = StatusScheduled
		job.due = cfg.ScheduledAt
		q.scheduled.Insert(job)
	} else {
		job.Status = StatusPending
		heap.Push(&q.ready, job)
	}
	q.lock.Unlock()

	q.wake()
	q.l.Debug("enqueued job", "name", name, "id", job.ID)
	return job.ID
}

// Schedule creates a job whose first attempt is delayed.
func (q *Queue) Schedule(name string, payload []byte, delay time.Duration) string {
	cfg := DefaultConfig()
	cfg.ScheduledAt = time.Now().Add(delay)
	return q.Enqueue(name, payload, cfg)
}

// Get returns a snapshot of the job with the given ID.
func (q *Queue) Get(id string) (*Job, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()

	if j, ok := q.processing[id]; ok {
		s := *j
		return &s, true
	}
	if j, ok := q.completed[id]; ok {
		s := *j
		return &s, true
	}
	for _, j := range q.ready {
		if j.ID == id {
			s := *j
			return &s, true
		}
	}
	var found *Job
	iter := q.scheduled.Iterator(avl.Forward)
	for node := iter.First(); node != nil; node = iter.Next() {
		if j := node.Value.(*Job); j.ID == id {
			s := *j
			found = &s
			break
		}
	}
	return found, found != nil
}

// PendingCount returns the number of queued and scheduled jobs.
func (q *Queue) PendingCount() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.ready) + q.scheduled.Len()
}

// ProcessingCount returns the number of jobs currently executing.
func (q *Queue) ProcessingCount() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.processing)
}

// CompletedCount returns the number of jobs in the history, terminal
// states only.
func (q *Queue) CompletedCount() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.completed)
}

// ClearCompleted discards the job history.
func (q *Queue) ClearCompleted() {
	q.lock.Lock()
	q.completed = make(map[string]*Job)
	q.lock.Unlock()
}

// Start launches the scheduler and the workers.  Subsequent calls are
// no-ops.
func (q *Queue) Start() {
	q.startOnce.Do(func() {
		q.l.Info("starting job queue", "workers", q.workers)
		q.Go(q.schedulerWorker)
		for i := 0; i < q.workers; i++ {
			i := i
			q.Go(func() { q.runWorker(i) })
		}
	})
}

// Shutdown halts the scheduler and the workers.  The executing attempt
// of each busy worker is allowed to finish.
func (q *Queue) Shutdown() {
	q.l.Info("shutting down job queue")
	q.Halt()
}

func (q *Queue) wake() {
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

// schedulerWorker promotes scheduled jobs to the ready heap once their
// due time arrives.
func (q *Queue) schedulerWorker() {
	ticker := time.NewTicker(schedulerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.HaltCh():
			return
		case <-ticker.C:
		}

		now := time.Now()
		var promoted int
		q.lock.Lock()
		iter := q.scheduled.Iterator(avl.Forward)
		for node := iter.First(); node != nil; node = iter.Next() {
			job := node.Value.(*Job)
			if job.due.After(now) {
				break
			}
			// Removing the current node is the one mutation the
			// iterator supports.
			q.scheduled.Remove(node)
			job.Status = StatusPending
			heap.Push(&q.ready, job)
			promoted++
		}
		q.lock.Unlock()

		if promoted > 0 {
			q.l.Debug("promoted scheduled jobs", "count", promoted)
			q.wake()
		}
	}
}

func (q *Queue) next() *Job {
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.ready) == 0 {
		return nil
	}
	job := heap.Pop(&q.ready).(*Job)
	job.Status = StatusProcessing
	job.StartedAt = time.Now()
	job.Attempts++
	q.processing[job.ID] = job
	return job
}

func (q *Queue) runWorker(id int) {
	q.l.Debug("worker started", "worker", id)
	for {
		select {
		case <-q.HaltCh():
			return
		default:
		}

		job := q.next()
		if job == nil {
			select {
			case <-q.HaltCh():
				return
			case <-q.wakeCh:
			case <-time.After(schedulerInterval):
			}
			continue
		}

		q.l.Debug("processing job", "worker", id, "id", job.ID, "name", job.Name, "attempt", job.Attempts)
		_, err := q.execute(job)

		q.lock.Lock()
		delete(q.processing, job.ID)
		if err == nil {
			job.Status = StatusCompleted
			job.CompletedAt = time.Now()
			job.Err = ""
			q.completed[job.ID] = job
			q.lock.Unlock()
			q.l.Info("job completed", "id", job.ID, "name", job.Name)
			continue
		}

		job.Err = err.Error()
		if job.Attempts < job.Config.MaxRetries {
			job.Status = StatusRetrying
			job.due = time.Now().Add(job.Config.RetryDelay)
			q.scheduled.Insert(job)
			q.lock.Unlock()
			q.l.Warn("job failed, retrying", "id", job.ID, "attempt", job.Attempts, "max", job.Config.MaxRetries, "err", err)
			continue
		}

		job.Status = StatusFailed
		job.CompletedAt = time.Now()
		q.completed[job.ID] = job
		q.lock.Unlock()
		q.l.Error("job failed permanently", "id", job.ID, "attempts", job.Attempts, "err", err)
	}
}

// execute runs one attempt under the job's timeout.
func (q *Queue) execute(job *Job) ([]byte, error) {
	q.handlerLock.RLock()
	h, ok := q.handlers[job.Name]
	q.handlerLock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("jobs: no handler for job: %s", job.Name)
	}

	type outcome struct {
		result []byte
		err    error
	}
	doneCh := make(chan outcome, 1)
	go func() {
		result, err := h(job)
		doneCh <- outcome{result: result, err: err}
	}()

	timer := time.NewTimer(job.Config.Timeout)
	defer timer.Stop()
	select {
	case o := <-doneCh:
		return o.result, o.err
	case <-timer.C:
		return nil, fmt.Errorf("jobs: job timed out after %v", job.Config.Timeout)
	}
}
