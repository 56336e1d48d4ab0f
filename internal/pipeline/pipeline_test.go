package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"

	"backcheck/internal/check"
	"backcheck/internal/check/cache"
	"backcheck/internal/check/store"
	"backcheck/internal/jobs"
	"backcheck/internal/jobs/worker"
	"backcheck/internal/notify"
	"backcheck/internal/pipeline"
	"backcheck/internal/platform/metrics"
	"backcheck/internal/verifier"
	"backcheck/pkg/platform/retry"
	"backcheck/pkg/platform/sentinel"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type deliveries struct {
	mu  sync.Mutex
	all []notify.Envelope
}

func (d *deliveries) Deliver(_ context.Context, env notify.Envelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.all = append(d.all, env.Clone())
	return nil
}

// count returns deliveries to recipient whose payload carries status.
func (d *deliveries) count(recipient string, status check.Status) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, env := range d.all {
		var p struct {
			Status string `json:"status"`
		}
		if json.Unmarshal(env.Payload, &p) == nil && env.RecipientRef == recipient && p.Status == string(status) {
			n++
		}
	}
	return n
}

// PipelineSuite wires the orchestrator to in-memory infrastructure and a
// real worker pool and dispatcher.
//
// Justification: the pipeline's contract is the interplay of the state
// machine, the conditional writes, cache invalidation, the job queue and the
// outbox. Mocking any of them would hide exactly the behaviour under test.
type PipelineSuite struct {
	suite.Suite
	ctx        context.Context
	clock      *clock
	store      *store.InMemoryStore
	cache      *cache.InMemoryCache
	queue      *jobs.InMemoryQueue
	sink       *deliveries
	dispatcher *notify.Dispatcher
	metrics    *metrics.Metrics
	svc        *pipeline.Service
	verdict    func(kind check.ComponentKind) (check.Result, error)
	pool       *worker.Pool
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineSuite))
}

func (s *PipelineSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.store = store.NewInMemoryStore(store.WithMemoryClock(s.clock.Now))
	s.cache = cache.NewInMemoryCache(cache.WithMemoryClock(s.clock.Now))
	s.queue = jobs.NewInMemoryQueue(jobs.WithClock(s.clock.Now))
	s.sink = &deliveries{}

	logger := zaptest.NewLogger(s.T())
	var err error
	s.dispatcher, err = notify.NewDispatcher(notify.NewInMemoryOutbox(), s.sink,
		notify.WithClock(s.clock.Now),
		notify.WithLimiter(notify.NewLimiter(1, 0)),
		notify.WithLogger(logger),
	)
	s.Require().NoError(err)

	s.svc = s.newService()

	s.verdict = func(check.ComponentKind) (check.Result, error) {
		return check.Result{Verified: true, Confidence: 0.95, Method: "document_ai"}, nil
	}
	v := verifier.Func(func(_ context.Context, kind check.ComponentKind, _ []string) (check.Result, error) {
		return s.verdict(kind)
	})
	s.pool, err = worker.New(s.queue, v, s.svc,
		worker.WithClock(s.clock.Now),
		worker.WithBackoff(retry.Policy{Base: time.Second, Max: time.Minute}),
		worker.WithLogger(logger),
	)
	s.Require().NoError(err)
}

func (s *PipelineSuite) newService(opts ...pipeline.Option) *pipeline.Service {
	base := []pipeline.Option{
		pipeline.WithClock(s.clock.Now),
		pipeline.WithLogger(zaptest.NewLogger(s.T())),
		pipeline.WithMetrics(s.metrics),
	}
	svc, err := pipeline.New(s.store, s.cache, s.queue, s.dispatcher, append(base, opts...)...)
	s.Require().NoError(err)
	return svc
}

func (s *PipelineSuite) standardCheck() *check.Check {
	c, err := s.svc.CreateCheck(s.ctx, pipeline.CheckRequest{
		CheckType:       check.CheckTypeStandard,
		CandidateRef:    "cand-1",
		OrganizationRef: "org-1",
	})
	s.Require().NoError(err)
	return c
}

func (s *PipelineSuite) submitAll(c *check.Check) {
	_, err := s.svc.RequestDocuments(s.ctx, c.ID)
	s.Require().NoError(err)
	for _, kind := range c.Kinds() {
		_, err := s.svc.SubmitDocuments(s.ctx, pipeline.DocumentBatch{
			CheckID: c.ID, ComponentKind: kind, DocumentRefs: []string{"doc-" + string(kind)},
		})
		s.Require().NoError(err)
	}
}

func (s *PipelineSuite) processAll() {
	for {
		processed, err := s.pool.ProcessOne(s.ctx, "w-1")
		s.Require().NoError(err)
		if !processed {
			return
		}
	}
}

func (s *PipelineSuite) status(id string) check.Status {
	c, err := s.svc.GetCheck(s.ctx, id)
	s.Require().NoError(err)
	return c.Status
}

func (s *PipelineSuite) drain() {
	_, err := s.dispatcher.Drain(s.ctx)
	s.Require().NoError(err)
}

func (s *PipelineSuite) TestNewRequiresCollaborators() {
	_, err := pipeline.New(nil, s.cache, s.queue, s.dispatcher)
	s.Error(err)
	_, err = pipeline.New(s.store, nil, s.queue, s.dispatcher)
	s.Error(err)
	_, err = pipeline.New(s.store, s.cache, nil, s.dispatcher)
	s.Error(err)
	_, err = pipeline.New(s.store, s.cache, s.queue, nil)
	s.Error(err)
}

func (s *PipelineSuite) TestStandardCheckCompletesWithOneCandidateNotification() {
	c := s.standardCheck()
	s.Equal(check.StatusInitiated, c.Status)
	s.Equal(int64(1), c.Version)

	_, err := s.svc.RequestDocuments(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Equal(check.StatusDocumentsPending, s.status(c.ID))
	s.drain()

	_, err = s.svc.SubmitDocuments(s.ctx, pipeline.DocumentBatch{
		CheckID: c.ID, ComponentKind: check.ComponentIdentity, DocumentRefs: []string{"passport.pdf"},
	})
	s.Require().NoError(err)
	s.Equal(check.StatusDocumentsUploaded, s.status(c.ID))
	_, err = s.svc.SubmitDocuments(s.ctx, pipeline.DocumentBatch{
		CheckID: c.ID, ComponentKind: check.ComponentEmployment, DocumentRefs: []string{"contract.pdf"},
	})
	s.Require().NoError(err)

	processed, err := s.pool.ProcessOne(s.ctx, "w-1")
	s.Require().NoError(err)
	s.True(processed)
	s.Equal(check.StatusVerificationInProgress, s.status(c.ID))

	s.processAll()
	s.Equal(check.StatusCompleted, s.status(c.ID))
	s.drain()

	s.Equal(1, s.sink.count("cand-1", check.StatusCompleted))
	s.Equal(1, s.sink.count("cand-1", check.StatusDocumentsPending))
	s.Equal(1, s.sink.count("org-1", check.StatusCompleted), "organization event")

	final, err := s.svc.GetCheck(s.ctx, c.ID)
	s.Require().NoError(err)
	for _, comp := range final.Components {
		s.Require().NotNil(comp.Result)
		s.True(comp.Result.Verified)
		s.Equal(check.StatusCompleted, comp.Status)
	}
	s.Equal(1.0, testutil.ToFloat64(s.metrics.StatusTransitions.WithLabelValues(string(check.StatusCompleted))))
}

func (s *PipelineSuite) TestReplayedResultDoesNotNotifyTwice() {
	c := s.standardCheck()
	s.submitAll(c)
	s.processAll()
	s.drain()

	job := jobs.New(c.ID, check.ComponentIdentity, []string{"doc"})
	s.Require().NoError(s.svc.Complete(s.ctx, job, check.Result{Verified: true, Confidence: 0.9}))
	s.drain()

	s.Equal(1, s.sink.count("cand-1", check.StatusCompleted))
}

func (s *PipelineSuite) TestUnverifiedComponentRejectsEarly() {
	s.verdict = func(kind check.ComponentKind) (check.Result, error) {
		if kind == check.ComponentIdentity {
			return check.Result{Verified: false, Confidence: 0.2, Issues: []string{"photo mismatch"}}, nil
		}
		return check.Result{Verified: true, Confidence: 0.95}, nil
	}
	c := s.standardCheck()
	s.submitAll(c)

	// Identity outranks employment and is verified first.
	processed, err := s.pool.ProcessOne(s.ctx, "w-1")
	s.Require().NoError(err)
	s.True(processed)
	s.Equal(check.StatusRejected, s.status(c.ID))

	s.processAll()
	final, err := s.svc.GetCheck(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Equal(check.StatusRejected, final.Status)
	s.NotNil(final.Components[check.ComponentEmployment].Result, "recorded without status change")

	s.drain()
	s.Equal(1, s.sink.count("cand-1", check.StatusRejected))
}

func (s *PipelineSuite) TestTransientFailuresAreRetriedThenSurfaced() {
	var calls atomic.Int32
	s.verdict = func(kind check.ComponentKind) (check.Result, error) {
		calls.Add(1)
		return check.Result{}, verifier.NewError(kind, verifier.CategoryUnavailable, "backend down", nil)
	}
	c := s.standardCheck()
	s.submitAll(c)

	for range 6 {
		s.processAll()
		s.clock.Advance(time.Minute)
	}
	s.Equal(int32(6), calls.Load(), "3 attempts per component")

	failures, err := s.svc.Failures(s.ctx, c.ID, 10)
	s.Require().NoError(err)
	s.Len(failures, 2)
	dead, err := s.queue.DeadLetters(s.ctx, 10)
	s.Require().NoError(err)
	s.Len(dead, 2)
	s.Equal(check.StatusVerificationInProgress, s.status(c.ID))
}

func (s *PipelineSuite) TestCancellationVoidsQueuedJobs() {
	var calls atomic.Int32
	s.verdict = func(check.ComponentKind) (check.Result, error) {
		calls.Add(1)
		return check.Result{Verified: true, Confidence: 0.9}, nil
	}
	c := s.standardCheck()
	s.submitAll(c)

	_, err := s.svc.CancelCheck(s.ctx, c.ID, "candidate withdrew")
	s.Require().NoError(err)
	s.processAll()

	s.Zero(calls.Load(), "voided jobs never reach the verifier")
	s.Equal(check.StatusCancelled, s.status(c.ID))
	n, err := s.queue.Len(s.ctx)
	s.Require().NoError(err)
	s.Zero(n)

	s.drain()
	s.Equal(1, s.sink.count("cand-1", check.StatusCancelled))
	s.Equal(1, s.sink.count("org-1", check.StatusCancelled))
}

func (s *PipelineSuite) TestResultForCancelledCheckIsIgnored() {
	c := s.standardCheck()
	s.submitAll(c)
	job, ok, err := s.queue.Claim(s.ctx, "w-1")
	s.Require().NoError(err)
	s.Require().True(ok)
	_, proceed, err := s.svc.Begin(s.ctx, job)
	s.Require().NoError(err)
	s.Require().True(proceed)

	_, err = s.svc.CancelCheck(s.ctx, c.ID, "policy")
	s.Require().NoError(err)

	s.Require().NoError(s.svc.Complete(s.ctx, job, check.Result{Verified: true, Confidence: 0.9}))
	final, err := s.svc.GetCheck(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Nil(final.Components[job.Kind].Result)
	s.Equal(check.StatusCancelled, final.Status)
}

func (s *PipelineSuite) TestConcurrentResultsBothLand() {
	c := s.standardCheck()
	s.submitAll(c)

	var claimed []jobs.Job
	for range 2 {
		job, ok, err := s.queue.Claim(s.ctx, "w")
		s.Require().NoError(err)
		s.Require().True(ok)
		_, proceed, err := s.svc.Begin(s.ctx, job)
		s.Require().NoError(err)
		s.Require().True(proceed)
		claimed = append(claimed, job)
	}
	before, err := s.store.Get(s.ctx, c.ID)
	s.Require().NoError(err)

	// A second service instance has its own locks, so the two writers race
	// on the stored version like two processes would.
	other := s.newService()
	var wg sync.WaitGroup
	for i, job := range claimed {
		svc := s.svc
		if i == 1 {
			svc = other
		}
		wg.Go(func() {
			assert.NoError(s.T(), svc.Complete(s.ctx, job, check.Result{Verified: true, Confidence: 0.9}))
		})
	}
	wg.Wait()

	after, err := s.store.Get(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Equal(before.Version+2, after.Version)
	s.Equal(check.StatusCompleted, after.Status)
	for _, comp := range after.Components {
		s.NotNil(comp.Result)
	}
}

func (s *PipelineSuite) TestWritesInvalidateCachedCheck() {
	c := s.standardCheck()

	cached, err := s.svc.GetCheck(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Equal(check.StatusInitiated, cached.Status)
	_, err = s.cache.Get(s.ctx, cache.CheckKey(c.ID))
	s.Require().NoError(err, "read fills the cache")

	_, err = s.svc.RequestDocuments(s.ctx, c.ID)
	s.Require().NoError(err)
	_, err = s.cache.Get(s.ctx, cache.CheckKey(c.ID))
	s.ErrorIs(err, cache.ErrMiss)

	fresh, err := s.svc.GetCheck(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Equal(check.StatusDocumentsPending, fresh.Status)
	s.Equal(int64(2), fresh.Version)
}

func (s *PipelineSuite) TestGetResult() {
	c := s.standardCheck()
	s.submitAll(c)

	_, err := s.svc.GetResult(s.ctx, c.ID, check.ComponentIdentity)
	s.ErrorIs(err, pipeline.ErrResultPending)
	_, err = s.svc.GetResult(s.ctx, c.ID, check.ComponentCriminal)
	s.ErrorIs(err, check.ErrComponentNotRequired)

	s.processAll()
	r, err := s.svc.GetResult(s.ctx, c.ID, check.ComponentIdentity)
	s.Require().NoError(err)
	s.True(r.Verified)

	_, err = s.cache.Get(s.ctx, cache.ResultKey(c.ID, check.ComponentIdentity))
	s.NoError(err)
}

func (s *PipelineSuite) TestSubmitDocumentsEdgeCases() {
	c := s.standardCheck()

	_, err := s.svc.SubmitDocuments(s.ctx, pipeline.DocumentBatch{CheckID: c.ID, ComponentKind: check.ComponentIdentity})
	s.ErrorIs(err, pipeline.ErrNoDocuments)

	_, err = s.svc.SubmitDocuments(s.ctx, pipeline.DocumentBatch{
		CheckID: c.ID, ComponentKind: check.ComponentIdentity, DocumentRefs: []string{"a"},
	})
	s.ErrorIs(err, check.ErrInvalidTransition, "documents before they were requested")

	s.submitAll(c)
	_, err = s.svc.SubmitDocuments(s.ctx, pipeline.DocumentBatch{
		CheckID: c.ID, ComponentKind: check.ComponentIdentity, DocumentRefs: []string{"again"},
	})
	s.NoError(err, "duplicate job is ignored")
	n, err := s.queue.Len(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, n)

	s.processAll()
	_, err = s.svc.SubmitDocuments(s.ctx, pipeline.DocumentBatch{
		CheckID: c.ID, ComponentKind: check.ComponentIdentity, DocumentRefs: []string{"late"},
	})
	s.ErrorIs(err, check.ErrResultFinalized)

	_, err = s.svc.SubmitDocuments(s.ctx, pipeline.DocumentBatch{
		CheckID: "missing", ComponentKind: check.ComponentIdentity, DocumentRefs: []string{"a"},
	})
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PipelineSuite) submit(c *check.Check, kind check.ComponentKind, refs ...string) {
	_, err := s.svc.SubmitDocuments(s.ctx, pipeline.DocumentBatch{CheckID: c.ID, ComponentKind: kind, DocumentRefs: refs})
	s.Require().NoError(err)
}

func (s *PipelineSuite) TestReplacedDocumentsAreTheOnesVerified() {
	var (
		mu   sync.Mutex
		seen [][]string
	)
	v := verifier.Func(func(_ context.Context, kind check.ComponentKind, refs []string) (check.Result, error) {
		if kind == check.ComponentIdentity {
			mu.Lock()
			seen = append(seen, refs)
			mu.Unlock()
		}
		return check.Result{Verified: true, Confidence: 0.95}, nil
	})
	pool, err := worker.New(s.queue, v, s.svc, worker.WithClock(s.clock.Now), worker.WithLogger(zaptest.NewLogger(s.T())))
	s.Require().NoError(err)

	c := s.standardCheck()
	_, err = s.svc.RequestDocuments(s.ctx, c.ID)
	s.Require().NoError(err)
	s.submit(c, check.ComponentIdentity, "blurry.jpg")
	s.submit(c, check.ComponentIdentity, "passport.pdf")

	for {
		processed, err := pool.ProcessOne(s.ctx, "w-1")
		s.Require().NoError(err)
		if !processed {
			break
		}
	}

	s.Equal([][]string{{"passport.pdf"}}, seen)
	final, err := s.svc.GetCheck(s.ctx, c.ID)
	s.Require().NoError(err)
	identity := final.Components[check.ComponentIdentity]
	s.Equal([]string{"passport.pdf"}, identity.DocumentRefs)
	s.Require().NotNil(identity.Result)
}

func (s *PipelineSuite) TestResultForReplacedDocumentsIsStale() {
	c := s.standardCheck()
	_, err := s.svc.RequestDocuments(s.ctx, c.ID)
	s.Require().NoError(err)
	s.submit(c, check.ComponentIdentity, "blurry.jpg")

	job, ok, err := s.queue.Claim(s.ctx, "w-1")
	s.Require().NoError(err)
	s.Require().True(ok)
	refs, proceed, err := s.svc.Begin(s.ctx, job)
	s.Require().NoError(err)
	s.Require().True(proceed)
	s.Equal([]string{"blurry.jpg"}, refs)

	s.submit(c, check.ComponentIdentity, "passport.pdf")

	err = s.svc.Complete(s.ctx, job, check.Result{Verified: true, Confidence: 0.9})
	s.ErrorIs(err, jobs.ErrStaleJob)
	final, err := s.svc.GetCheck(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Nil(final.Components[check.ComponentIdentity].Result)

	refs, proceed, err = s.svc.Begin(s.ctx, job)
	s.Require().NoError(err)
	s.True(proceed)
	s.Equal([]string{"passport.pdf"}, refs)
}

func (s *PipelineSuite) TestInterviewPathCompletesAfterInterview() {
	c := s.standardCheck()
	s.submitAll(c)
	processed, err := s.pool.ProcessOne(s.ctx, "w-1")
	s.Require().NoError(err)
	s.Require().True(processed)

	_, err = s.svc.ScheduleInterview(s.ctx, c.ID)
	s.Require().NoError(err)
	s.processAll()
	s.Equal(check.StatusInterviewScheduled, s.status(c.ID), "waits for the interview")

	done, err := s.svc.CompleteInterview(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Equal(check.StatusCompleted, done.Status)

	_, err = s.svc.ScheduleInterview(s.ctx, c.ID)
	s.ErrorIs(err, check.ErrInvalidTransition)
}

func (s *PipelineSuite) TestExpireChecks() {
	c := s.standardCheck()
	s.clock.Advance(61 * 24 * time.Hour)
	done := s.standardCheck()

	n, err := s.svc.ExpireChecks(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)
	s.Equal(check.StatusCancelled, s.status(c.ID))
	s.Equal(check.StatusInitiated, s.status(done.ID))
}

func (s *PipelineSuite) TestCreateCheckValidation() {
	_, err := s.svc.CreateCheck(s.ctx, pipeline.CheckRequest{
		CheckType: check.CheckTypeBasic, CandidateRef: "cand-1", OrganizationRef: "org-1",
		RequiredComponents: []check.ComponentKind{check.ComponentEmployment},
	})
	s.ErrorIs(err, check.ErrComponentNotRequired)

	created, err := s.svc.CreateCheck(s.ctx, pipeline.CheckRequest{
		ID: "chk-fixed", CheckType: check.CheckTypeBasic, CandidateRef: "cand-1", OrganizationRef: "org-1",
	})
	s.Require().NoError(err)
	s.Equal("chk-fixed", created.ID)

	_, err = s.svc.CreateCheck(s.ctx, pipeline.CheckRequest{
		ID: "chk-fixed", CheckType: check.CheckTypeBasic, CandidateRef: "cand-1", OrganizationRef: "org-1",
	})
	s.ErrorIs(err, sentinel.ErrDuplicate)
}

// conflictingStore reports a version conflict on every Persist.
type conflictingStore struct {
	*store.InMemoryStore
	persists atomic.Int32
}

func (c *conflictingStore) Persist(context.Context, store.PersistRequest) (int64, error) {
	c.persists.Add(1)
	return 0, sentinel.ErrConflict
}

func TestService_ConflictsAreRetriedThenSurfaced(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	checks := &conflictingStore{InMemoryStore: store.NewInMemoryStore()}
	dispatcher, err := notify.NewDispatcher(notify.NewInMemoryOutbox(), notify.SinkFunc(func(context.Context, notify.Envelope) error { return nil }))
	require.NoError(t, err)
	svc, err := pipeline.New(checks, cache.NewInMemoryCache(), jobs.NewInMemoryQueue(), dispatcher,
		pipeline.WithWriteAttempts(3), pipeline.WithMetrics(m))
	require.NoError(t, err)

	c, err := svc.CreateCheck(ctx, pipeline.CheckRequest{CheckType: check.CheckTypeBasic, CandidateRef: "c", OrganizationRef: "o"})
	require.NoError(t, err)

	_, err = svc.RequestDocuments(ctx, c.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pipeline.ErrConcurrentUpdate))
	assert.ErrorIs(t, err, sentinel.ErrConflict)
	assert.Equal(t, int32(3), checks.persists.Load())
	assert.Equal(t, 3.0, testutil.ToFloat64(m.WriteConflicts))
}
