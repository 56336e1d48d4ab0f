package jobs

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"backcheck/internal/platform/metrics"
)

// InMemoryQueue is a single-process Queue. Jobs whose NotBefore is in the
// future wait in a delayed heap ordered by NotBefore; due jobs move to a
// ready heap ordered by priority (desc) then enqueue order.
type InMemoryQueue struct {
	mu          sync.Mutex
	ready       readyHeap
	delayed     delayedHeap
	active      map[Key]string
	claimed     map[string]*Job
	deadLetters []Job
	maxDead     int
	seq         uint64
	now         func() time.Time
	metrics     *metrics.Metrics
	wake        chan struct{}
}

type MemoryOption func(*InMemoryQueue)

func WithClock(now func() time.Time) MemoryOption {
	return func(q *InMemoryQueue) {
		if now != nil {
			q.now = now
		}
	}
}

func WithMetrics(m *metrics.Metrics) MemoryOption {
	return func(q *InMemoryQueue) {
		q.metrics = m
	}
}

// WithDeadLetterCapacity bounds the dead-letter list; the oldest entries are
// dropped first. Zero keeps everything.
func WithDeadLetterCapacity(n int) MemoryOption {
	return func(q *InMemoryQueue) {
		if n >= 0 {
			q.maxDead = n
		}
	}
}

func NewInMemoryQueue(opts ...MemoryOption) *InMemoryQueue {
	q := &InMemoryQueue{
		active:  make(map[Key]string),
		claimed: make(map[string]*Job),
		maxDead: 10000,
		now:     time.Now,
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *InMemoryQueue) Enqueue(_ context.Context, job Job) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := job.Key()
	if owner, exists := q.active[key]; exists {
		return Job{}, fmt.Errorf("%w: %s already held by job %s", ErrDuplicateJob, key, owner)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := q.now()
	job = job.clone()
	job.State = StateQueued
	job.EnqueuedAt = now
	job.ClaimedBy = ""
	job.ClaimedAt = time.Time{}
	if job.NotBefore.IsZero() {
		job.NotBefore = now
	}

	q.active[key] = job.ID
	q.pushLocked(&job, now)
	q.metrics.IncJobEnqueued(string(job.Kind))
	q.reportDepthLocked()
	q.signal()
	return job.clone(), nil
}

func (q *InMemoryQueue) Claim(_ context.Context, workerID string) (Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.promoteLocked(q.now())
	if q.ready.Len() == 0 {
		return Job{}, false, nil
	}
	item := heap.Pop(&q.ready).(*queued)
	job := item.job
	job.State = StateClaimed
	job.ClaimedBy = workerID
	job.ClaimedAt = q.now()
	q.claimed[job.ID] = job
	q.reportDepthLocked()
	return job.clone(), true, nil
}

func (q *InMemoryQueue) Ack(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.releaseLocked(jobID)
	if err != nil {
		return err
	}
	job.State = StateSucceeded
	q.metrics.IncJobOutcome(string(job.Kind), metrics.JobSucceeded)
	return nil
}

func (q *InMemoryQueue) Void(_ context.Context, jobID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.releaseLocked(jobID)
	if err != nil {
		return err
	}
	job.State = StateVoided
	job.LastError = reason
	q.metrics.IncJobOutcome(string(job.Kind), metrics.JobVoided)
	return nil
}

func (q *InMemoryQueue) Release(_ context.Context, jobID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.claimed[jobID]
	if !ok {
		return fmt.Errorf("release %s: %w", jobID, ErrNotClaimed)
	}
	delete(q.claimed, jobID)

	now := q.now()
	job.State = StateQueued
	job.NotBefore = now
	job.LastError = reason
	job.ClaimedBy = ""
	job.ClaimedAt = time.Time{}
	q.pushLocked(job, now)
	q.metrics.IncJobOutcome(string(job.Kind), metrics.JobReleased)
	q.reportDepthLocked()
	q.signal()
	return nil
}

// Requeue keeps the job's Key reserved, so a new batch for the same
// component is still rejected while the retry waits.
func (q *InMemoryQueue) Requeue(_ context.Context, jobID string, notBefore time.Time, reason string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.claimed[jobID]
	if !ok {
		return Job{}, fmt.Errorf("requeue %s: %w", jobID, ErrNotClaimed)
	}
	delete(q.claimed, jobID)

	job.Attempt++
	job.State = StateRequeued
	job.NotBefore = notBefore
	job.LastError = reason
	job.ClaimedBy = ""
	job.ClaimedAt = time.Time{}
	q.pushLocked(job, q.now())
	q.metrics.IncJobOutcome(string(job.Kind), metrics.JobRequeued)
	q.reportDepthLocked()
	q.signal()
	return job.clone(), nil
}

func (q *InMemoryQueue) DeadLetter(_ context.Context, jobID, reason string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.releaseLocked(jobID)
	if err != nil {
		return Job{}, err
	}
	job.State = StateDeadLettered
	job.LastError = reason
	q.deadLetters = append(q.deadLetters, job.clone())
	if q.maxDead > 0 && len(q.deadLetters) > q.maxDead {
		q.deadLetters = q.deadLetters[len(q.deadLetters)-q.maxDead:]
	}
	q.metrics.IncJobOutcome(string(job.Kind), metrics.JobDeadLettered)
	return job.clone(), nil
}

func (q *InMemoryQueue) DeadLetters(_ context.Context, limit int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.deadLetters))
	for i := len(q.deadLetters) - 1; i >= 0; i-- {
		out = append(out, q.deadLetters[i].clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (q *InMemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len() + q.delayed.Len(), nil
}

func (q *InMemoryQueue) Ready() <-chan struct{} {
	return q.wake
}

// NextDue reports when the earliest delayed job becomes claimable.
func (q *InMemoryQueue) NextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ready.Len() > 0 {
		return q.now(), true
	}
	if q.delayed.Len() == 0 {
		return time.Time{}, false
	}
	return q.delayed[0].job.NotBefore, true
}

func (q *InMemoryQueue) releaseLocked(jobID string) (*Job, error) {
	job, ok := q.claimed[jobID]
	if !ok {
		return nil, fmt.Errorf("settle %s: %w", jobID, ErrNotClaimed)
	}
	delete(q.claimed, jobID)
	if q.active[job.Key()] == jobID {
		delete(q.active, job.Key())
	}
	return job, nil
}

func (q *InMemoryQueue) pushLocked(job *Job, now time.Time) {
	q.seq++
	item := &queued{job: job, seq: q.seq}
	if job.NotBefore.After(now) {
		heap.Push(&q.delayed, item)
		return
	}
	heap.Push(&q.ready, item)
}

func (q *InMemoryQueue) promoteLocked(now time.Time) {
	for q.delayed.Len() > 0 && !q.delayed[0].job.NotBefore.After(now) {
		heap.Push(&q.ready, heap.Pop(&q.delayed))
	}
}

func (q *InMemoryQueue) reportDepthLocked() {
	q.metrics.SetQueueDepth(q.ready.Len() + q.delayed.Len())
}

func (q *InMemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

type queued struct {
	job *Job
	seq uint64
}

type readyHeap []*queued

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)   { *h = append(*h, x.(*queued)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type delayedHeap []*queued

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	if !h[i].job.NotBefore.Equal(h[j].job.NotBefore) {
		return h[i].job.NotBefore.Before(h[j].job.NotBefore)
	}
	return h[i].seq < h[j].seq
}
func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)   { *h = append(*h, x.(*queued)) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
