// Package pipeline is the verification orchestrator. It owns every write to a
// Check: each mutation reads the current version, applies a state machine
// step, persists conditionally on that version and invalidates the cache
// before the per-check lock is released.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"backcheck/internal/check"
	"backcheck/internal/check/cache"
	"backcheck/internal/check/store"
	"backcheck/internal/jobs"
	"backcheck/internal/notify"
	"backcheck/internal/platform/metrics"
	"backcheck/pkg/platform/sentinel"
)

const lockShards = 64

var (
	// ErrConcurrentUpdate is returned when a write kept losing the version
	// race after every allowed attempt.
	ErrConcurrentUpdate = fmt.Errorf("concurrent update: %w", sentinel.ErrConflict)
	ErrNoDocuments      = errors.New("document batch has no document refs")
	// ErrResultPending is returned by GetResult for a component that has no
	// result yet.
	ErrResultPending = fmt.Errorf("result pending: %w", sentinel.ErrNotFound)
)

// CheckStore is the persistence boundary. Persist is the ResultSink write;
// RecordFailure surfaces dead-lettered components.
type CheckStore interface {
	Create(ctx context.Context, c *check.Check) error
	Get(ctx context.Context, checkID string) (*check.Check, error)
	Persist(ctx context.Context, req store.PersistRequest) (int64, error)
	RecordFailure(ctx context.Context, checkID string, kind check.ComponentKind, reason string) error
	Failures(ctx context.Context, checkID string, limit int) ([]store.Failure, error)
	ExpiredCheckIDs(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Notifier accepts envelopes for delivery. *notify.Dispatcher satisfies it.
type Notifier interface {
	Enqueue(ctx context.Context, env notify.Envelope) (bool, error)
}

// Service is the VerificationPipeline.
type Service struct {
	store    CheckStore
	cache    cache.Cache
	queue    jobs.Queue
	notifier Notifier

	tiers            check.TierTable
	writeAttempts    int
	cacheTTL         time.Duration
	expiryInterval   time.Duration
	candidateChannel notify.Channel
	deadLetters      notify.DeadLetterIndex

	now     func() time.Time
	newID   func() string
	logger  *zap.Logger
	metrics *metrics.Metrics

	locks [lockShards]sync.Mutex
}

type Option func(*Service)

func WithTiers(tiers check.TierTable) Option {
	return func(s *Service) {
		if tiers != nil {
			s.tiers = tiers
		}
	}
}

// WithWriteAttempts bounds the optimistic write loop.
func WithWriteAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.writeAttempts = n
		}
	}
}

func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

func WithExpiryInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.expiryInterval = d
		}
	}
}

// WithCandidateChannel selects how candidates are notified.
func WithCandidateChannel(ch notify.Channel) Option {
	return func(s *Service) {
		if ch != "" {
			s.candidateChannel = ch
		}
	}
}

// WithDeadLetterIndex also indexes dead-lettered jobs for operators.
func WithDeadLetterIndex(index notify.DeadLetterIndex) Option {
	return func(s *Service) {
		s.deadLetters = index
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func New(checks CheckStore, c cache.Cache, queue jobs.Queue, notifier Notifier, opts ...Option) (*Service, error) {
	if checks == nil {
		return nil, errors.New("check store is required")
	}
	if c == nil {
		return nil, errors.New("cache is required")
	}
	if queue == nil {
		return nil, errors.New("queue is required")
	}
	if notifier == nil {
		return nil, errors.New("notifier is required")
	}
	s := &Service{
		store:            checks,
		cache:            c,
		queue:            queue,
		notifier:         notifier,
		tiers:            check.DefaultTiers(),
		writeAttempts:    3,
		cacheTTL:         5 * time.Minute,
		expiryInterval:   time.Minute,
		candidateChannel: notify.ChannelEmail,
		now:              time.Now,
		newID:            uuid.NewString,
		logger:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run sweeps expired checks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.expiryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.ExpireChecks(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("expire checks", zap.Error(err))
			}
		}
	}
}

func (s *Service) lockFor(checkID string) *sync.Mutex {
	return &s.locks[xxhash.Sum64String(checkID)%lockShards]
}
