package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"backcheck/internal/check"
	"backcheck/internal/jobs"
	"backcheck/internal/notify"
	"backcheck/pkg/platform/sentinel"
)

// Begin implements worker.Handler. It voids jobs for cancelled or missing
// checks and for components that already carry a result. A check that
// reached REJECTED early still verifies its remaining components. The
// returned references are the latest batch, which may be newer than the one
// the job was enqueued with.
func (s *Service) Begin(ctx context.Context, job jobs.Job) ([]string, bool, error) {
	var (
		proceed bool
		refs    []string
	)
	_, _, err := s.mutate(ctx, job.CheckID, func(next *check.Check, now time.Time) (change, error) {
		comp, ok := next.Components[job.Kind]
		if !ok || comp.Finalized() || next.Status == check.StatusCancelled {
			return change{skip: true}, nil
		}
		proceed = true
		refs = slices.Clone(comp.DocumentRefs)
		changed, err := next.StartComponent(job.Kind, now)
		if err != nil {
			return change{}, err
		}
		if !changed {
			return change{skip: true}, nil
		}
		return change{component: job.Kind}, nil
	})
	if errors.Is(err, sentinel.ErrNotFound) {
		s.logger.Warn("job for unknown check", zap.String("check_id", job.CheckID), zap.String("job_id", job.ID))
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return refs, proceed, nil
}

// Complete implements worker.Handler. Results for cancelled checks are
// dropped; results for other terminal checks are recorded without changing
// the check's status.
func (s *Service) Complete(ctx context.Context, job jobs.Job, result check.Result) error {
	before, after, err := s.mutate(ctx, job.CheckID, func(next *check.Check, now time.Time) (change, error) {
		if next.Status == check.StatusCancelled {
			return change{skip: true}, nil
		}
		comp, ok := next.Components[job.Kind]
		if ok && comp.Finalized() {
			return change{skip: true}, nil
		}
		if ok && len(comp.DocumentRefs) > 0 && !slices.Equal(comp.DocumentRefs, job.DocumentRefs) {
			return change{}, fmt.Errorf("%w: %s on check %s has a newer batch", jobs.ErrStaleJob, job.Kind, job.CheckID)
		}
		if result.ProducedAt.IsZero() {
			result.ProducedAt = now
		}
		if err := next.AttachResult(job.Kind, result, job.Attempt, now); err != nil {
			return change{}, err
		}
		next.Aggregate(now)
		return change{component: job.Kind}, nil
	})
	if err != nil {
		return err
	}
	if after.Version == before.Version {
		s.logger.Info("verification result ignored",
			zap.String("check_id", job.CheckID),
			zap.String("component", string(job.Kind)),
			zap.String("status", string(after.Status)),
		)
		return nil
	}
	s.emitStatus(ctx, before, after)
	return nil
}

// Fail implements worker.Handler by surfacing the component for manual review.
func (s *Service) Fail(ctx context.Context, job jobs.Job, reason string) error {
	if err := s.store.RecordFailure(ctx, job.CheckID, job.Kind, reason); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	s.logger.Error("component verification failed",
		zap.String("check_id", job.CheckID),
		zap.String("component", string(job.Kind)),
		zap.String("reason", reason),
	)
	if s.deadLetters != nil {
		err := s.deadLetters.IndexDeadLetter(ctx, notify.DeadLetter{
			Source:        notify.SourceJob,
			ID:            job.ID,
			CorrelationID: job.CheckID,
			Target:        string(job.Kind),
			Attempts:      job.Attempt + 1,
			Reason:        reason,
			At:            s.now(),
		})
		if err != nil {
			s.logger.Warn("index dead letter", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	return nil
}
