// Package queue is a priority-ordered, retrying in-process job queue with a
// bounded worker pool. It decouples upload completion from the (possibly
// slow) transformation work and owns per-job retry, backoff, progress and
// bounded retention of finished jobs.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/media-pipeline/internal/model"
)

var (
	// ErrJobNotFound is returned for unknown or already-swept job ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrQueueClosed is returned when adding to a stopped queue.
	ErrQueueClosed = errors.New("queue is closed")
	// ErrNoHandler is returned when a job's type has no registered handler.
	ErrNoHandler = errors.New("no handler registered for task type")
)

// Handler executes one job attempt. A returned error (or panic) records a
// failed attempt and triggers the retry policy.
type Handler func(ctx context.Context, job *Job) (interface{}, error)

// Policy bounds retries and finished-job retention.
type Policy struct {
	Attempts       int           // attempts per job before terminal failure
	BackoffBase    time.Duration // first retry delay, doubled per attempt
	CompletedAge   time.Duration // completed jobs older than this are swept
	CompletedCount int           // at most this many completed jobs retained
	FailedAge      time.Duration // failed jobs older than this are swept
}

// DefaultPolicy mirrors the pipeline's standard job policy.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:       3,
		BackoffBase:    2 * time.Second,
		CompletedAge:   time.Hour,
		CompletedCount: 1000,
		FailedAge:      24 * time.Hour,
	}
}

// Job is one queued task and its run state. Mutable state is guarded by the
// owning queue's lock; handlers interact with it through its methods only.
type Job struct {
	ID       string
	Type     model.TaskType
	Priority model.TaskPriority
	Payload  []byte

	q           *Queue
	seq         uint64
	index       int // heap index, -1 when not queued
	attempts    int
	status      model.TaskStatus
	progress    int
	result      interface{}
	errMsg      string
	enqueuedAt  time.Time
	completedAt time.Time
}

// SetProgress updates the job's progress percentage (clamped to 0-100).
func (j *Job) SetProgress(p int) {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}

	if j.q == nil {
		j.progress = p
		return
	}

	j.q.mu.Lock()
	j.progress = p
	j.q.mu.Unlock()
}

// NewJob builds a detached job for invoking a handler directly, outside any
// queue. Its progress updates are unsynchronized.
func NewJob(taskType model.TaskType, payload []byte) *Job {
	return &Job{
		ID:      uuid.NewString(),
		Type:    taskType,
		Payload: payload,
		index:   -1,
		status:  model.TaskPending,
	}
}

// Queue is a named job queue with its own worker pool.
type Queue struct {
	name   string
	policy Policy

	mu       sync.Mutex
	cond     *sync.Cond
	pending  jobHeap
	jobs     map[string]*Job
	handlers map[model.TaskType]Handler
	timers   map[string]*time.Timer
	seq      uint64
	paused   bool
	closed   bool
	done     chan struct{}

	workers sync.WaitGroup
}

// New creates a queue. Workers are not started until Start is called.
func New(name string, policy Policy) *Queue {
	q := &Queue{
		name:     name,
		policy:   policy,
		jobs:     make(map[string]*Job),
		handlers: make(map[model.TaskType]Handler),
		timers:   make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)

	return q
}

// Register binds a handler to a task type. Must be called before Start.
func (q *Queue) Register(taskType model.TaskType, h Handler) {
	q.mu.Lock()
	q.handlers[taskType] = h
	q.mu.Unlock()
}

// Add enqueues a task and returns its opaque job id.
func (q *Queue) Add(task model.TransformTask) (string, error) {
	priority := task.Priority
	if priority < model.PriorityCritical || priority > model.PriorityLow {
		priority = model.PriorityNormal
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", ErrQueueClosed
	}
	if _, ok := q.handlers[task.Type]; !ok {
		return "", fmt.Errorf("%w: %s", ErrNoHandler, task.Type)
	}

	q.seq++
	job := &Job{
		ID:         uuid.NewString(),
		Type:       task.Type,
		Priority:   priority,
		Payload:    task.Payload,
		q:          q,
		seq:        q.seq,
		index:      -1,
		status:     model.TaskPending,
		enqueuedAt: time.Now(),
	}

	q.jobs[job.ID] = job
	heap.Push(&q.pending, job)
	q.cond.Signal()

	return job.ID, nil
}

// Status returns the externally visible state of a job.
func (q *Queue) Status(jobID string) (model.TaskResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return model.TaskResult{}, ErrJobNotFound
	}

	res := model.TaskResult{
		TaskID:   job.ID,
		Status:   job.status,
		Progress: job.progress,
		Results:  job.result,
		Error:    job.errMsg,
	}
	if !job.completedAt.IsZero() {
		t := job.completedAt
		res.CompletedAt = &t
	}

	return res, nil
}

// Pause stops dispatching new jobs. Queued jobs are kept.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume re-enables dispatch.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Start launches concurrency workers plus the retention janitor. Workers exit
// when ctx is canceled or Stop is called.
func (q *Queue) Start(ctx context.Context, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}

	for i := 0; i < concurrency; i++ {
		q.workers.Add(1)
		go q.worker(ctx)
	}

	q.workers.Add(1)
	go q.janitor(ctx)

	go func() {
		<-ctx.Done()
		q.Stop()
	}()

	zlog.Logger.Info().
		Str("queue", q.name).
		Int("concurrency", concurrency).
		Msg("queue workers started")
}

// Stop closes the queue and waits for in-flight jobs to finish. Pending
// retry timers are canceled; their jobs stay in their last recorded state.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.done)
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	q.mu.Unlock()

	q.cond.Broadcast()
	q.workers.Wait()
}

func (q *Queue) worker(ctx context.Context) {
	defer q.workers.Done()

	for {
		q.mu.Lock()
		for !q.closed && (q.paused || q.pending.Len() == 0) {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}

		job := heap.Pop(&q.pending).(*Job)
		job.status = model.TaskProcessing
		job.attempts++
		handler := q.handlers[job.Type]
		attempt := job.attempts
		q.mu.Unlock()

		result, err := q.runAttempt(ctx, handler, job)

		q.mu.Lock()
		if err == nil {
			job.status = model.TaskCompleted
			job.progress = 100
			job.result = result
			job.completedAt = time.Now()
			q.mu.Unlock()
			continue
		}

		job.errMsg = err.Error()
		if attempt >= q.policy.Attempts {
			job.status = model.TaskFailed
			job.completedAt = time.Now()
			q.mu.Unlock()

			zlog.Logger.Error().
				Str("queue", q.name).
				Str("job", job.ID).
				Int("attempts", attempt).
				Str("error", job.errMsg).
				Msg("job failed terminally")
			continue
		}

		// Exponential backoff before the next attempt.
		delay := q.policy.BackoffBase << (attempt - 1)
		job.status = model.TaskPending
		q.timers[job.ID] = time.AfterFunc(delay, func() { q.requeue(job) })
		q.mu.Unlock()

		zlog.Logger.Warn().
			Str("queue", q.name).
			Str("job", job.ID).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Str("error", err.Error()).
			Msg("job attempt failed, will retry")
	}
}

// runAttempt executes one handler call, converting a panic into a failed
// attempt instead of a worker crash.
func (q *Queue) runAttempt(ctx context.Context, handler Handler, job *Job) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return handler(ctx, job)
}

func (q *Queue) requeue(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.timers, job.ID)
	if q.closed || job.status != model.TaskPending {
		return
	}

	q.seq++
	job.seq = q.seq
	heap.Push(&q.pending, job)
	q.cond.Signal()
}

// janitor sweeps finished jobs per the retention policy.
func (q *Queue) janitor(ctx context.Context) {
	defer q.workers.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case <-ticker.C:
			q.sweep(time.Now())
		}
	}
}

func (q *Queue) sweep(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var completed []*Job
	for id, job := range q.jobs {
		switch job.status {
		case model.TaskCompleted:
			if now.Sub(job.completedAt) > q.policy.CompletedAge {
				delete(q.jobs, id)
			} else {
				completed = append(completed, job)
			}
		case model.TaskFailed:
			if now.Sub(job.completedAt) > q.policy.FailedAge {
				delete(q.jobs, id)
			}
		}
	}

	// Cap retained completed jobs by count, dropping the oldest first.
	if len(completed) > q.policy.CompletedCount {
		for i := 0; i < len(completed)-1; i++ {
			for j := i + 1; j < len(completed); j++ {
				if completed[j].completedAt.Before(completed[i].completedAt) {
					completed[i], completed[j] = completed[j], completed[i]
				}
			}
		}
		for _, job := range completed[:len(completed)-q.policy.CompletedCount] {
			delete(q.jobs, job.ID)
		}
	}
}

// jobHeap orders by priority, then FIFO within a priority.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x interface{}) {
	job := x.(*Job)
	job.index = len(*h)
	*h = append(*h, job)
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	job.index = -1
	*h = old[:n-1]

	return job
}
