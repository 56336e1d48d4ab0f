package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"backcheck/internal/check"
	"backcheck/internal/check/cache"
	"backcheck/internal/check/store"
	"backcheck/internal/jobs"
)

// CheckRequest opens a check. ID is optional; one is generated when empty.
type CheckRequest struct {
	ID                 string                `json:"id,omitempty"`
	CheckType          check.CheckType       `json:"check_type"`
	CandidateRef       string                `json:"candidate_ref"`
	OrganizationRef    string                `json:"organization_ref"`
	RequiredComponents []check.ComponentKind `json:"required_components,omitempty"`
}

// DocumentBatch reports stored documents for one component.
type DocumentBatch struct {
	CheckID       string              `json:"check_id"`
	ComponentKind check.ComponentKind `json:"component_kind"`
	DocumentRefs  []string            `json:"document_refs"`
}

func (s *Service) CreateCheck(ctx context.Context, req CheckRequest) (*check.Check, error) {
	id := req.ID
	if id == "" {
		id = s.newID()
	}
	c, err := check.NewCheck(check.NewCheckParams{
		ID:              id,
		Type:            req.CheckType,
		CandidateRef:    req.CandidateRef,
		OrganizationRef: req.OrganizationRef,
		Requested:       req.RequiredComponents,
		Now:             s.now(),
	}, s.tiers)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create check: %w", err)
	}
	s.metrics.IncStatusTransition(string(c.Status))
	s.logger.Info("check created",
		zap.String("check_id", c.ID),
		zap.String("check_type", string(c.Type)),
		zap.Int("components", len(c.Components)),
	)
	return c.Clone(), nil
}

// RequestDocuments asks the candidate for documents.
func (s *Service) RequestDocuments(ctx context.Context, checkID string) (*check.Check, error) {
	return s.transition(ctx, checkID, check.StatusDocumentsPending)
}

// SubmitDocuments attaches a batch and schedules its verification.
func (s *Service) SubmitDocuments(ctx context.Context, batch DocumentBatch) (*check.Check, error) {
	if len(batch.DocumentRefs) == 0 {
		return nil, ErrNoDocuments
	}
	before, after, err := s.mutate(ctx, batch.CheckID, func(next *check.Check, now time.Time) (change, error) {
		if err := next.AttachDocuments(batch.ComponentKind, batch.DocumentRefs, now); err != nil {
			return change{}, err
		}
		return change{component: batch.ComponentKind}, nil
	})
	if err != nil {
		return nil, err
	}
	s.emitStatus(ctx, before, after)

	job, err := s.queue.Enqueue(ctx, jobs.New(batch.CheckID, batch.ComponentKind, batch.DocumentRefs))
	switch {
	case errors.Is(err, jobs.ErrDuplicateJob):
		s.logger.Info("verification already scheduled",
			zap.String("check_id", batch.CheckID),
			zap.String("component", string(batch.ComponentKind)),
		)
	case err != nil:
		return nil, fmt.Errorf("enqueue verification: %w", err)
	default:
		s.logger.Debug("verification scheduled",
			zap.String("check_id", batch.CheckID),
			zap.String("job_id", job.ID),
			zap.String("component", string(batch.ComponentKind)),
		)
	}
	return after.Clone(), nil
}

// CancelCheck moves the check to CANCELLED. Queued jobs are voided when a
// worker claims them; a job already in flight finishes and its result is
// ignored.
func (s *Service) CancelCheck(ctx context.Context, checkID, reason string) (*check.Check, error) {
	c, err := s.transition(ctx, checkID, check.StatusCancelled)
	if err != nil {
		return nil, err
	}
	s.logger.Info("check cancelled", zap.String("check_id", checkID), zap.String("reason", reason))
	return c, nil
}

func (s *Service) ScheduleInterview(ctx context.Context, checkID string) (*check.Check, error) {
	return s.transition(ctx, checkID, check.StatusInterviewScheduled)
}

// CompleteInterview records the interview and re-runs aggregation, so a
// check whose components are all in moves straight to its outcome.
func (s *Service) CompleteInterview(ctx context.Context, checkID string) (*check.Check, error) {
	before, after, err := s.mutate(ctx, checkID, func(next *check.Check, now time.Time) (change, error) {
		if err := next.ApplyTransition(check.StatusInterviewCompleted, now); err != nil {
			return change{}, err
		}
		next.Aggregate(now)
		return change{}, nil
	})
	if err != nil {
		return nil, err
	}
	s.emitStatus(ctx, before, after)
	return after.Clone(), nil
}

// ExpireChecks cancels non-terminal checks past their validity and returns
// how many were cancelled.
func (s *Service) ExpireChecks(ctx context.Context) (int, error) {
	ids, err := s.store.ExpiredCheckIDs(ctx, s.now(), 100)
	if err != nil {
		return 0, fmt.Errorf("list expired checks: %w", err)
	}
	expired := 0
	for _, id := range ids {
		before, after, err := s.mutate(ctx, id, func(next *check.Check, now time.Time) (change, error) {
			if !next.Expired(now) {
				return change{skip: true}, nil
			}
			return change{}, next.ApplyTransition(check.StatusCancelled, now)
		})
		if err != nil {
			s.logger.Warn("expire check", zap.String("check_id", id), zap.Error(err))
			continue
		}
		if after.Status != before.Status {
			expired++
			s.logger.Info("check cancelled", zap.String("check_id", id), zap.String("reason", "expired"))
			s.emitStatus(ctx, before, after)
		}
	}
	return expired, nil
}

// transition applies a plain status change and notifies on it.
func (s *Service) transition(ctx context.Context, checkID string, target check.Status) (*check.Check, error) {
	before, after, err := s.mutate(ctx, checkID, func(next *check.Check, now time.Time) (change, error) {
		return change{}, next.ApplyTransition(target, now)
	})
	if err != nil {
		return nil, err
	}
	s.emitStatus(ctx, before, after)
	return after.Clone(), nil
}

// GetCheck reads through the cache. Fills happen under the check's write
// lock so a fill can never race an invalidation made by this process. The
// lock is per process: with several replicas sharing one cache, a fill can
// land after another replica's invalidation and is then served until the
// cache TTL expires.
func (s *Service) GetCheck(ctx context.Context, checkID string) (*check.Check, error) {
	key := cache.CheckKey(checkID)
	if c, ok := s.cachedCheck(ctx, key); ok {
		return c, nil
	}

	mu := s.lockFor(checkID)
	mu.Lock()
	defer mu.Unlock()

	c, err := s.store.Get(ctx, checkID)
	if err != nil {
		return nil, fmt.Errorf("load check %s: %w", checkID, err)
	}
	s.fill(ctx, key, c)
	return c, nil
}

// GetResult returns one component's result through the cache.
func (s *Service) GetResult(ctx context.Context, checkID string, kind check.ComponentKind) (*check.Result, error) {
	key := cache.ResultKey(checkID, kind)
	if raw, err := s.cache.Get(ctx, key); err == nil {
		var r check.Result
		if err := json.Unmarshal(raw, &r); err == nil {
			return &r, nil
		}
		s.logger.Warn("discarding undecodable cache entry", zap.String("key", key))
	} else if !errors.Is(err, cache.ErrMiss) {
		s.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
	}

	mu := s.lockFor(checkID)
	mu.Lock()
	defer mu.Unlock()

	c, err := s.store.Get(ctx, checkID)
	if err != nil {
		return nil, fmt.Errorf("load check %s: %w", checkID, err)
	}
	comp, ok := c.Components[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s on check %s", check.ErrComponentNotRequired, kind, checkID)
	}
	if comp.Result == nil {
		return nil, fmt.Errorf("%s on check %s: %w", kind, checkID, ErrResultPending)
	}
	s.fill(ctx, key, comp.Result)
	return comp.Clone().Result, nil
}

// Failures lists dead-lettered components recorded for the check.
func (s *Service) Failures(ctx context.Context, checkID string, limit int) ([]store.Failure, error) {
	return s.store.Failures(ctx, checkID, limit)
}

func (s *Service) cachedCheck(ctx context.Context, key string) (*check.Check, bool) {
	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			s.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	var c check.Check
	if err := json.Unmarshal(raw, &c); err != nil {
		s.logger.Warn("discarding undecodable cache entry", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return &c, true
}

func (s *Service) fill(ctx context.Context, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("encode cache entry", zap.String("key", key), zap.Error(err))
		return
	}
	if err := s.cache.Set(ctx, key, raw, s.cacheTTL); err != nil {
		s.logger.Warn("cache fill failed", zap.String("key", key), zap.Error(err))
	}
}
