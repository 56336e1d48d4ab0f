package jobs

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"backcheck/internal/check"
	"backcheck/internal/platform/metrics"
	"backcheck/pkg/platform/sentinel"
)

type InMemoryQueueSuite struct {
	suite.Suite
	mu      sync.Mutex
	now     time.Time
	metrics *metrics.Metrics
	queue   *InMemoryQueue
}

func TestInMemoryQueueSuite(t *testing.T) {
	suite.Run(t, new(InMemoryQueueSuite))
}

func (s *InMemoryQueueSuite) SetupTest() {
	s.now = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.queue = NewInMemoryQueue(WithClock(s.clock), WithMetrics(s.metrics))
}

func (s *InMemoryQueueSuite) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *InMemoryQueueSuite) advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.now.Add(d)
}

func (s *InMemoryQueueSuite) enqueue(checkID string, kind check.ComponentKind) Job {
	job, err := s.queue.Enqueue(context.Background(), New(checkID, kind, []string{"doc-" + checkID}))
	s.Require().NoError(err)
	return job
}

func (s *InMemoryQueueSuite) claim() Job {
	job, ok, err := s.queue.Claim(context.Background(), "w1")
	s.Require().NoError(err)
	s.Require().True(ok, "expected a claimable job")
	return job
}

func (s *InMemoryQueueSuite) TestClaimsByPriorityThenEnqueueOrder() {
	s.enqueue("chk-1", check.ComponentEducation)
	s.enqueue("chk-2", check.ComponentEmployment)
	s.enqueue("chk-3", check.ComponentIdentity)
	s.enqueue("chk-4", check.ComponentEducation)
	s.enqueue("chk-5", check.ComponentCriminal)

	var order []string
	for range 5 {
		job := s.claim()
		order = append(order, job.CheckID)
		s.Equal(StateClaimed, job.State)
		s.Equal("w1", job.ClaimedBy)
	}
	s.Equal([]string{"chk-3", "chk-5", "chk-2", "chk-1", "chk-4"}, order)

	_, ok, err := s.queue.Claim(context.Background(), "w1")
	s.NoError(err)
	s.False(ok)
}

func (s *InMemoryQueueSuite) TestDuplicateRejectedWhileQueuedOrClaimed() {
	ctx := context.Background()
	first := s.enqueue("chk-1", check.ComponentIdentity)

	_, err := s.queue.Enqueue(ctx, New("chk-1", check.ComponentIdentity, nil))
	s.ErrorIs(err, ErrDuplicateJob)
	s.ErrorIs(err, sentinel.ErrDuplicate)

	// A different component of the same check is independent.
	s.enqueue("chk-1", check.ComponentEmployment)

	claimed := s.claim()
	s.Equal(first.ID, claimed.ID)
	_, err = s.queue.Enqueue(ctx, New("chk-1", check.ComponentIdentity, nil))
	s.ErrorIs(err, ErrDuplicateJob, "claimed job still owns the component")

	s.Require().NoError(s.queue.Ack(ctx, claimed.ID))
	s.enqueue("chk-1", check.ComponentIdentity)
}

func (s *InMemoryQueueSuite) TestReleaseReturnsJobWithoutSpendingAnAttempt() {
	ctx := context.Background()
	s.enqueue("chk-1", check.ComponentIdentity)
	job := s.claim()

	s.Require().NoError(s.queue.Release(ctx, job.ID, "worker stopping"))
	_, err := s.queue.Enqueue(ctx, New("chk-1", check.ComponentIdentity, nil))
	s.ErrorIs(err, ErrDuplicateJob, "released job keeps the component reserved")

	again := s.claim()
	s.Equal(job.ID, again.ID)
	s.Zero(again.Attempt)
	s.Equal("worker stopping", again.LastError)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.JobOutcomes.WithLabelValues("identity", metrics.JobReleased)))

	s.ErrorIs(s.queue.Release(ctx, "unknown", ""), ErrNotClaimed)
}

func (s *InMemoryQueueSuite) TestRequeueHidesJobUntilNotBefore() {
	ctx := context.Background()
	s.enqueue("chk-1", check.ComponentIdentity)
	job := s.claim()

	requeued, err := s.queue.Requeue(ctx, job.ID, s.clock().Add(4*time.Second), "verifier unavailable")
	s.Require().NoError(err)
	s.Equal(1, requeued.Attempt)
	s.Equal(StateRequeued, requeued.State)
	s.Equal("verifier unavailable", requeued.LastError)

	_, err = s.queue.Enqueue(ctx, New("chk-1", check.ComponentIdentity, nil))
	s.ErrorIs(err, ErrDuplicateJob, "requeued job keeps the component reserved")

	n, err := s.queue.Len(ctx)
	s.Require().NoError(err)
	s.Equal(1, n)

	_, ok, err := s.queue.Claim(ctx, "w1")
	s.Require().NoError(err)
	s.False(ok, "job must stay hidden before notBefore")

	due, ok := s.queue.NextDue()
	s.True(ok)
	s.Equal(s.clock().Add(4*time.Second), due)

	s.advance(4 * time.Second)
	again := s.claim()
	s.Equal(job.ID, again.ID)
	s.Equal(1, again.Attempt)
}

func (s *InMemoryQueueSuite) TestDelayedJobDoesNotBlockReadyLowerPriority() {
	ctx := context.Background()
	s.enqueue("chk-1", check.ComponentIdentity)
	identity := s.claim()
	_, err := s.queue.Requeue(ctx, identity.ID, s.clock().Add(time.Minute), "timeout")
	s.Require().NoError(err)

	s.enqueue("chk-2", check.ComponentEducation)
	s.Equal("chk-2", s.claim().CheckID)
}

func (s *InMemoryQueueSuite) TestDeadLetter() {
	ctx := context.Background()
	s.enqueue("chk-1", check.ComponentIdentity)
	s.enqueue("chk-2", check.ComponentIdentity)

	for range 2 {
		job := s.claim()
		dead, err := s.queue.DeadLetter(ctx, job.ID, "exhausted")
		s.Require().NoError(err)
		s.Equal(StateDeadLettered, dead.State)
	}

	dead, err := s.queue.DeadLetters(ctx, 0)
	s.Require().NoError(err)
	s.Require().Len(dead, 2)
	s.Equal("chk-2", dead[0].CheckID)
	s.Equal("exhausted", dead[0].LastError)

	limited, err := s.queue.DeadLetters(ctx, 1)
	s.Require().NoError(err)
	s.Len(limited, 1)

	// Dead-lettering releases the component for a fresh batch.
	s.enqueue("chk-1", check.ComponentIdentity)
	s.Equal(float64(2), testutil.ToFloat64(s.metrics.JobOutcomes.WithLabelValues("identity", metrics.JobDeadLettered)))
}

func (s *InMemoryQueueSuite) TestSettlingUnclaimedJobFails() {
	ctx := context.Background()
	job := s.enqueue("chk-1", check.ComponentIdentity)

	s.ErrorIs(s.queue.Ack(ctx, job.ID), ErrNotClaimed)
	s.ErrorIs(s.queue.Void(ctx, job.ID, "cancelled"), ErrNotClaimed)
	_, err := s.queue.Requeue(ctx, job.ID, s.clock(), "x")
	s.ErrorIs(err, ErrNotClaimed)

	claimed := s.claim()
	s.Require().NoError(s.queue.Void(ctx, claimed.ID, "check cancelled"))
	s.ErrorIs(s.queue.Ack(ctx, claimed.ID), ErrNotClaimed, "a job settles once")
}

func (s *InMemoryQueueSuite) TestConcurrentClaimsNeverShareAJob() {
	ctx := context.Background()
	const total = 200
	for i := range total {
		kinds := []check.ComponentKind{check.ComponentIdentity, check.ComponentEmployment}
		_, err := s.queue.Enqueue(ctx, New("chk-"+strconv.Itoa(i), kinds[i%2], nil))
		s.Require().NoError(err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	for w := range 8 {
		wg.Go(func() {
			for {
				job, ok, err := s.queue.Claim(ctx, "worker-"+strconv.Itoa(w))
				if err != nil || !ok {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
				_ = s.queue.Ack(ctx, job.ID)
			}
		})
	}
	wg.Wait()

	s.Len(seen, total)
	for id, n := range seen {
		s.Equal(1, n, "job %s claimed %d times", id, n)
	}
}

func (s *InMemoryQueueSuite) TestReadySignalsOnEnqueue() {
	select {
	case <-s.queue.Ready():
		s.Fail("no signal expected before enqueue")
	default:
	}
	s.enqueue("chk-1", check.ComponentIdentity)
	select {
	case <-s.queue.Ready():
	default:
		s.Fail("expected ready signal")
	}
}

func (s *InMemoryQueueSuite) TestEnqueueCopiesDocumentRefs() {
	refs := []string{"a.pdf"}
	job := New("chk-1", check.ComponentIdentity, refs)
	refs[0] = "mutated"
	_, err := s.queue.Enqueue(context.Background(), job)
	s.Require().NoError(err)

	claimed := s.claim()
	s.Equal([]string{"a.pdf"}, claimed.DocumentRefs)
	s.Equal(100, claimed.Priority)
	s.Zero(claimed.Attempt)
}
