package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"backcheck/internal/check"
)

type InMemoryCacheSuite struct {
	suite.Suite
	now   time.Time
	mu    sync.Mutex
	cache *InMemoryCache
}

func TestInMemoryCacheSuite(t *testing.T) {
	suite.Run(t, new(InMemoryCacheSuite))
}

func (s *InMemoryCacheSuite) SetupTest() {
	s.now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.cache = NewInMemoryCache(WithMemoryClock(s.clock))
}

func (s *InMemoryCacheSuite) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *InMemoryCacheSuite) advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.now.Add(d)
}

func (s *InMemoryCacheSuite) TestGetSet() {
	ctx := context.Background()

	s.Run("miss on absent key", func() {
		_, err := s.cache.Get(ctx, CheckKey("nope"))
		s.ErrorIs(err, ErrMiss)
	})

	s.Run("round trip returns a copy", func() {
		value := []byte(`{"id":"chk-1"}`)
		s.Require().NoError(s.cache.Set(ctx, CheckKey("chk-1"), value, time.Minute))
		value[0] = 'X'

		got, err := s.cache.Get(ctx, CheckKey("chk-1"))
		s.Require().NoError(err)
		s.Equal(`{"id":"chk-1"}`, string(got))
	})
}

func (s *InMemoryCacheSuite) TestTTLIsASafetyNet() {
	ctx := context.Background()
	s.Require().NoError(s.cache.Set(ctx, "k", []byte("v"), time.Minute))

	s.advance(59 * time.Second)
	_, err := s.cache.Get(ctx, "k")
	s.NoError(err)

	s.advance(time.Second)
	_, err = s.cache.Get(ctx, "k")
	s.ErrorIs(err, ErrMiss)

	s.Equal(1, s.cache.Sweep())
	s.Zero(s.cache.Len())
}

func (s *InMemoryCacheSuite) TestInvalidate() {
	ctx := context.Background()
	s.Require().NoError(s.cache.Set(ctx, CheckKey("chk-1"), []byte("a"), 0))
	s.Require().NoError(s.cache.Set(ctx, ResultKey("chk-1", check.ComponentIdentity), []byte("b"), 0))
	s.Require().NoError(s.cache.Set(ctx, CheckKey("chk-2"), []byte("c"), 0))

	s.Require().NoError(s.cache.Invalidate(ctx, CheckKey("chk-1"), ResultKey("chk-1", check.ComponentIdentity)))

	_, err := s.cache.Get(ctx, CheckKey("chk-1"))
	s.ErrorIs(err, ErrMiss)
	_, err = s.cache.Get(ctx, ResultKey("chk-1", check.ComponentIdentity))
	s.ErrorIs(err, ErrMiss)
	_, err = s.cache.Get(ctx, CheckKey("chk-2"))
	s.NoError(err)
}

func (s *InMemoryCacheSuite) TestKeys() {
	c, err := check.NewCheck(check.NewCheckParams{
		ID: "chk-9", Type: check.CheckTypeStandard, CandidateRef: "c", OrganizationRef: "o", Now: s.now,
	}, check.DefaultTiers())
	s.Require().NoError(err)

	s.Equal([]string{
		"check:chk-9",
		"check:chk-9:result:identity",
		"check:chk-9:result:employment",
	}, KeysFor(c))
}
