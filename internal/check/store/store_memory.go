package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"backcheck/internal/check"
	"backcheck/pkg/platform/sentinel"
)

// InMemoryStore keeps checks in a map. Every read and write goes through a
// deep copy so callers never share mutable state with the store.
type InMemoryStore struct {
	mu       sync.RWMutex
	checks   map[string]*check.Check
	failures []Failure
	now      func() time.Time
}

type MemoryOption func(*InMemoryStore)

// WithMemoryClock sets the clock used to stamp recorded failures.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *InMemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewInMemoryStore(opts ...MemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		checks: make(map[string]*check.Check),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemoryStore) Create(_ context.Context, c *check.Check) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.checks[c.ID]; exists {
		return fmt.Errorf("check %s: %w", c.ID, sentinel.ErrDuplicate)
	}
	s.checks[c.ID] = c.Clone()
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, checkID string) (*check.Check, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.checks[checkID]
	if !ok {
		return nil, fmt.Errorf("check %s: %w", checkID, sentinel.ErrNotFound)
	}
	return c.Clone(), nil
}

// Persist applies req when the stored version equals req.ExpectedVersion and
// returns the new version.
func (s *InMemoryStore) Persist(_ context.Context, req PersistRequest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.checks[req.CheckID]
	if !ok {
		return 0, fmt.Errorf("check %s: %w", req.CheckID, sentinel.ErrNotFound)
	}
	if c.Version != req.ExpectedVersion {
		return 0, fmt.Errorf("check %s at version %d, expected %d: %w",
			req.CheckID, c.Version, req.ExpectedVersion, sentinel.ErrConflict)
	}
	if req.Component != nil {
		if _, required := c.Components[req.Component.Kind]; !required {
			return 0, fmt.Errorf("check %s has no %s component: %w",
				req.CheckID, req.Component.Kind, sentinel.ErrInvalidState)
		}
	}

	updated := c.Clone()
	updated.Status = req.Status
	updated.UpdatedAt = req.UpdatedAt
	updated.Version++
	if req.Component != nil {
		updated.Components[req.Component.Kind] = req.Component.Clone()
	}
	s.checks[req.CheckID] = updated
	return updated.Version, nil
}

func (s *InMemoryStore) RecordFailure(_ context.Context, checkID string, kind check.ComponentKind, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, Failure{
		ID:         uuid.NewString(),
		CheckID:    checkID,
		Kind:       kind,
		Reason:     reason,
		RecordedAt: s.now(),
	})
	return nil
}

// Failures returns failures for checkID, or all failures when checkID is empty,
// most recent first.
func (s *InMemoryStore) Failures(_ context.Context, checkID string, limit int) ([]Failure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Failure, 0)
	for i := len(s.failures) - 1; i >= 0; i-- {
		f := s.failures[i]
		if checkID != "" && f.CheckID != checkID {
			continue
		}
		out = append(out, f)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ExpiredCheckIDs lists non-terminal checks whose expiry is at or before now.
func (s *InMemoryStore) ExpiredCheckIDs(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type candidate struct {
		id        string
		expiresAt time.Time
	}
	var due []candidate
	for _, c := range s.checks {
		if c.Expired(now) {
			due = append(due, candidate{id: c.ID, expiresAt: c.ExpiresAt})
		}
	}
	slices.SortFunc(due, func(a, b candidate) int { return a.expiresAt.Compare(b.expiresAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]string, len(due))
	for i, d := range due {
		ids[i] = d.id
	}
	return ids, nil
}
