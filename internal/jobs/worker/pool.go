// Package worker runs the fixed-size pool that drains the verification queue.
//
// For every claimed job a worker asks the Handler whether the job is still
// wanted, calls the Verifier, and settles the job: Ack on success, Requeue
// with exponential backoff while attempts remain, DeadLetter otherwise. A job
// interrupted by shutdown is released untouched for the next worker.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"backcheck/internal/check"
	"backcheck/internal/jobs"
	"backcheck/internal/verifier"
	"backcheck/pkg/platform/retry"
)

// Handler applies job outcomes to the owning check.
type Handler interface {
	// Begin marks the component as in progress and returns the document
	// references currently on file. proceed is false when the job should be
	// discarded without calling the verifier.
	Begin(ctx context.Context, job jobs.Job) (documentRefs []string, proceed bool, err error)
	// Complete attaches a verifier result produced on job.Attempt from
	// job.DocumentRefs. It fails with jobs.ErrStaleJob when those references
	// were replaced in the meantime.
	Complete(ctx context.Context, job jobs.Job, result check.Result) error
	// Fail records a job that exhausted its retry budget.
	Fail(ctx context.Context, job jobs.Job, reason string) error
}

// Pool is a fixed number of workers sharing one queue.
type Pool struct {
	queue       jobs.Queue
	verifier    verifier.Verifier
	handler     Handler
	size        int
	maxAttempts int
	backoff     retry.Policy
	idleWait    time.Duration
	staleAfter  time.Duration
	now         func() time.Time
	logger      *zap.Logger
	tracer      trace.Tracer
}

type Option func(*Pool)

func WithSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.size = n
		}
	}
}

// WithMaxAttempts bounds how many times one job is tried before it is
// dead-lettered.
func WithMaxAttempts(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

func WithBackoff(policy retry.Policy) Option {
	return func(p *Pool) {
		p.backoff = policy
	}
}

// WithIdleWait sets how long an idle worker sleeps when no wake-up arrives.
func WithIdleWait(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.idleWait = d
		}
	}
}

// WithStaleClaimAfter sets the age after which a claim found at startup is
// presumed abandoned by a crashed worker and returned to the queue. Only
// queues that outlive the process honor it.
func WithStaleClaimAfter(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.staleAfter = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func New(queue jobs.Queue, v verifier.Verifier, handler Handler, opts ...Option) (*Pool, error) {
	if queue == nil {
		return nil, errors.New("queue is required")
	}
	if v == nil {
		return nil, errors.New("verifier is required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	p := &Pool{
		queue:       queue,
		verifier:    v,
		handler:     handler,
		size:        4,
		maxAttempts: 3,
		backoff:     retry.Policy{Base: time.Second, Max: 5 * time.Minute},
		idleWait:    time.Second,
		staleAfter:  10 * time.Minute,
		now:         time.Now,
		logger:      zap.NewNop(),
		tracer:      otel.Tracer("backcheck/jobs/worker"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Run starts the workers and blocks until ctx is cancelled. Errors on single
// jobs are logged; they never stop the pool.
func (p *Pool) Run(ctx context.Context) error {
	p.releaseStale(ctx)
	p.logger.Info("worker pool starting", zap.Int("workers", p.size), zap.Int("max_attempts", p.maxAttempts))
	g, ctx := errgroup.WithContext(ctx)
	for i := range p.size {
		workerID := "worker-" + strconv.Itoa(i)
		g.Go(func() error {
			p.loop(ctx, workerID)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) releaseStale(ctx context.Context) {
	r, ok := p.queue.(interface {
		ReleaseStale(ctx context.Context, cutoff time.Time) (int, error)
	})
	if !ok {
		return
	}
	n, err := r.ReleaseStale(ctx, p.now().Add(-p.staleAfter))
	if err != nil {
		p.logger.Warn("release stale jobs", zap.Error(err))
		return
	}
	if n > 0 {
		p.logger.Info("released stale jobs", zap.Int("count", n))
	}
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	idle := time.NewTimer(p.idleWait)
	defer idle.Stop()
	for ctx.Err() == nil {
		processed, err := p.ProcessOne(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			p.logger.Error("job processing failed", zap.String("worker_id", workerID), zap.Error(err))
		}
		if processed {
			continue
		}
		idle.Reset(p.idleWait)
		select {
		case <-ctx.Done():
			return
		case <-p.queue.Ready():
		case <-idle.C:
		}
	}
}

// ProcessOne claims and settles at most one job. processed is false when the
// queue had nothing claimable.
func (p *Pool) ProcessOne(ctx context.Context, workerID string) (processed bool, err error) {
	job, ok, err := p.queue.Claim(ctx, workerID)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if !ok {
		return false, nil
	}

	ctx, span := p.tracer.Start(ctx, "worker.process_job", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("check.id", job.CheckID),
		attribute.String("component.kind", string(job.Kind)),
		attribute.Int("job.attempt", job.Attempt),
	))
	defer span.End()

	log := p.logger.With(
		zap.String("worker_id", workerID),
		zap.String("job_id", job.ID),
		zap.String("check_id", job.CheckID),
		zap.String("component", string(job.Kind)),
		zap.Int("attempt", job.Attempt),
	)

	refs, proceed, err := p.handler.Begin(ctx, job)
	if err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			return true, p.release(ctx, log, job, "interrupted before verification")
		}
		return true, p.fail(ctx, log, job, fmt.Errorf("begin: %w", err), true)
	}
	if !proceed {
		log.Info("job voided; check no longer needs this component")
		span.SetAttributes(attribute.String("job.outcome", "voided"))
		return true, p.queue.Void(ctx, job.ID, "no longer required")
	}

	if len(refs) > 0 {
		job.DocumentRefs = refs
	}

	result, err := p.verifier.Verify(ctx, job.Kind, job.DocumentRefs)
	if err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			return true, p.release(ctx, log, job, "interrupted during verification")
		}
		return true, p.fail(ctx, log, job, err, verifier.IsRetryable(err))
	}

	if err := p.handler.Complete(ctx, job, result); err != nil {
		span.RecordError(err)
		switch {
		case errors.Is(err, jobs.ErrStaleJob):
			return true, p.release(ctx, log, job, "documents replaced during verification")
		case ctx.Err() != nil:
			return true, p.release(ctx, log, job, "interrupted before the result was stored")
		}
		return true, p.fail(ctx, log, job, fmt.Errorf("complete: %w", err), !errors.Is(err, check.ErrInvalidTransition))
	}
	if err := p.queue.Ack(ctx, job.ID); err != nil {
		return true, fmt.Errorf("ack: %w", err)
	}
	span.SetAttributes(attribute.String("job.outcome", "succeeded"))
	log.Debug("job succeeded", zap.Bool("verified", result.Verified), zap.Float64("confidence", result.Confidence))
	return true, nil
}

// release hands the job back without spending an attempt. It must succeed
// even when ctx is already cancelled.
func (p *Pool) release(ctx context.Context, log *zap.Logger, job jobs.Job, reason string) error {
	if err := p.queue.Release(context.WithoutCancel(ctx), job.ID, reason); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("job.outcome", "released"))
	log.Info("job released", zap.String("reason", reason))
	return nil
}

// fail requeues the job while attempts remain and the cause is retryable,
// otherwise dead-letters it and records the failure with the handler.
func (p *Pool) fail(ctx context.Context, log *zap.Logger, job jobs.Job, cause error, retryable bool) error {
	reason := cause.Error()
	next := job.Attempt + 1
	if retryable && next < p.maxAttempts {
		notBefore := p.now().Add(p.backoff.Delay(job.Attempt))
		if _, err := p.queue.Requeue(ctx, job.ID, notBefore, reason); err != nil {
			return fmt.Errorf("requeue: %w", err)
		}
		log.Warn("job failed; requeued",
			zap.Error(cause),
			zap.Int("next_attempt", next),
			zap.Time("not_before", notBefore),
		)
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("job.outcome", "requeued"))
		return nil
	}

	if _, err := p.queue.DeadLetter(ctx, job.ID, reason); err != nil {
		return fmt.Errorf("dead-letter: %w", err)
	}
	trace.SpanFromContext(ctx).SetStatus(codes.Error, "dead-lettered")
	log.Error("job dead-lettered", zap.Error(cause), zap.Bool("retryable", retryable))
	if err := p.handler.Fail(ctx, job, fmt.Sprintf("after %d attempt(s): %s", next, reason)); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}
