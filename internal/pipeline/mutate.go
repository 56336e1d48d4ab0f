package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"backcheck/internal/check"
	"backcheck/internal/check/cache"
	"backcheck/internal/check/store"
	"backcheck/pkg/platform/retry"
	"backcheck/pkg/platform/sentinel"
)

// change describes what a mutation touched.
type change struct {
	// component is the one component whose full state is written, if any.
	component check.ComponentKind
	// skip leaves the check as it is; nothing is persisted.
	skip bool
}

// mutation edits next, a private copy of the stored check.
type mutation func(next *check.Check, now time.Time) (change, error)

// mutate runs one optimistic write. It returns the stored check before the
// write and the check as persisted. When fn skips, both are the stored check.
func (s *Service) mutate(ctx context.Context, checkID string, fn mutation) (before, after *check.Check, err error) {
	mu := s.lockFor(checkID)
	mu.Lock()
	defer mu.Unlock()

	for attempt := range s.writeAttempts {
		current, err := s.store.Get(ctx, checkID)
		if err != nil {
			return nil, nil, fmt.Errorf("load check %s: %w", checkID, err)
		}
		now := s.now()
		next := current.Clone()
		ch, err := fn(next, now)
		if err != nil {
			return nil, nil, err
		}
		if ch.skip {
			return current, current, nil
		}

		req := store.PersistRequest{
			CheckID:         checkID,
			ExpectedVersion: current.Version,
			Status:          next.Status,
			UpdatedAt:       now,
		}
		if ch.component != "" {
			comp := next.Components[ch.component].Clone()
			req.Component = &comp
		}
		version, err := s.store.Persist(ctx, req)
		if errors.Is(err, sentinel.ErrConflict) {
			s.metrics.IncWriteConflict()
			s.logger.Debug("write conflict; retrying",
				zap.String("check_id", checkID),
				zap.Int64("expected_version", current.Version),
				zap.Int("attempt", attempt+1),
			)
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("persist check %s: %w", checkID, err)
		}
		next.Version = version
		next.UpdatedAt = now

		s.invalidate(ctx, next)
		if next.Status != current.Status {
			s.metrics.IncStatusTransition(string(next.Status))
			s.logger.Info("check status changed",
				zap.String("check_id", checkID),
				zap.String("from", string(current.Status)),
				zap.String("to", string(next.Status)),
				zap.Int64("version", version),
			)
		}
		return current, next, nil
	}
	return nil, nil, fmt.Errorf("check %s after %d attempts: %w", checkID, s.writeAttempts, ErrConcurrentUpdate)
}

// invalidate drops every cached key derived from c. It runs while the
// per-check lock is held.
func (s *Service) invalidate(ctx context.Context, c *check.Check) {
	keys := cache.KeysFor(c)
	err := retry.Do(ctx, 3, func() error {
		return s.cache.Invalidate(ctx, keys...)
	}, nil)
	if err != nil {
		s.logger.Error("cache invalidation failed; entries expire by TTL",
			zap.String("check_id", c.ID),
			zap.Strings("keys", keys),
			zap.Error(err),
		)
	}
}
