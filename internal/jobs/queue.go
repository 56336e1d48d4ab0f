package jobs

import (
	"context"
	"time"
)

// Queue is a priority-ordered job queue with delayed visibility.
//
// Implementations must guarantee that Claim never hands the same job to two
// workers and that at most one job per Key is queued or claimed at a time.
type Queue interface {
	// Enqueue accepts a job, or fails with ErrDuplicateJob.
	Enqueue(ctx context.Context, job Job) (Job, error)
	// Claim removes the highest-priority job whose NotBefore has passed.
	// ok is false when no job is claimable.
	Claim(ctx context.Context, workerID string) (job Job, ok bool, err error)
	// Ack settles a claimed job as SUCCEEDED.
	Ack(ctx context.Context, jobID string) error
	// Void settles a claimed job that was discarded without verification.
	Void(ctx context.Context, jobID, reason string) error
	// Release returns a claimed job to the queue unchanged and immediately
	// claimable. It does not count as an attempt.
	Release(ctx context.Context, jobID, reason string) error
	// Requeue puts a claimed job back with attempt+1, hidden until notBefore.
	Requeue(ctx context.Context, jobID string, notBefore time.Time, reason string) (Job, error)
	// DeadLetter settles a claimed job as DEAD_LETTERED.
	DeadLetter(ctx context.Context, jobID, reason string) (Job, error)
	// DeadLetters lists dead-lettered jobs, most recent first.
	DeadLetters(ctx context.Context, limit int) ([]Job, error)
	// Len counts jobs waiting, including delayed ones.
	Len(ctx context.Context) (int, error)
	// Ready signals (best effort) that a job may have become claimable.
	Ready() <-chan struct{}
}
