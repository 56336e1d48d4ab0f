package circuit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend failed")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func failing(calls *atomic.Int32) func(context.Context) error {
	return func(context.Context) error {
		calls.Add(1)
		return errBackend
	}
}

func TestBreaker_InitialState(t *testing.T) {
	b := New("test")
	assert.False(t, b.IsOpen())
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, "test", b.Name())
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New("test", WithWindowSize(10), WithMinimumRequests(3), WithErrorThreshold(50))

	change := b.RecordFailure()
	assert.False(t, change.Opened)
	change = b.RecordFailure()
	assert.False(t, change.Opened)

	// Third failure fills the minimum window at 100% failures
	change = b.RecordFailure()
	assert.True(t, change.Opened)
	assert.True(t, b.IsOpen())
}

func TestBreaker_ThresholdIsAPercentageOfTheWindow(t *testing.T) {
	b := New("test", WithWindowSize(4), WithMinimumRequests(4), WithErrorThreshold(75))

	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.IsOpen(), "2 of 3 outcomes is below minimum requests")

	b.RecordSuccess()
	assert.False(t, b.IsOpen(), "2 of 4 failures is 50%")

	// Window slides: oldest success drops out, 3 of 4 failures
	change := b.RecordFailure()
	assert.True(t, change.Opened)
}

func TestBreaker_OpenCircuitFailsFastWithoutCallingOperation(t *testing.T) {
	clock := newFakeClock()
	b := New("verifier", WithWindowSize(5), WithMinimumRequests(3), WithErrorThreshold(50),
		WithResetTimeout(time.Minute), WithClock(clock.Now))

	var calls atomic.Int32
	for range 3 {
		err := b.Execute(context.Background(), failing(&calls))
		require.ErrorIs(t, err, errBackend)
	}
	require.Equal(t, int32(3), calls.Load())

	err := b.Execute(context.Background(), failing(&calls))
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, int32(3), calls.Load(), "open breaker must not invoke the operation")
}

func TestBreaker_HalfOpenAllowsExactlyOneTrial(t *testing.T) {
	clock := newFakeClock()
	b := New("verifier", WithWindowSize(5), WithMinimumRequests(1), WithErrorThreshold(50),
		WithResetTimeout(time.Minute), WithClock(clock.Now), WithCallTimeout(0))

	b.RecordFailure()
	require.True(t, b.IsOpen())

	clock.Advance(time.Minute)

	release := make(chan struct{})
	started := make(chan struct{})
	var trialErr error
	var wg sync.WaitGroup
	wg.Go(func() {
		trialErr = b.Execute(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	})
	<-started
	assert.Equal(t, StateHalfOpen, b.State())

	var calls atomic.Int32
	err := b.Execute(context.Background(), failing(&calls))
	assert.ErrorIs(t, err, ErrOpen)
	assert.Zero(t, calls.Load())

	close(release)
	wg.Wait()
	require.NoError(t, trialErr)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_FailedTrialReopensAndRestartsTimer(t *testing.T) {
	clock := newFakeClock()
	b := New("verifier", WithMinimumRequests(1), WithResetTimeout(time.Minute), WithClock(clock.Now))

	b.RecordFailure()
	clock.Advance(time.Minute)

	var calls atomic.Int32
	err := b.Execute(context.Background(), failing(&calls))
	require.ErrorIs(t, err, errBackend)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, b.IsOpen())

	clock.Advance(30 * time.Second)
	err = b.Execute(context.Background(), failing(&calls))
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBreaker_LateOutcomeFromClosedDoesNotDecideTrial(t *testing.T) {
	clock := newFakeClock()
	b := New("verifier", WithWindowSize(2), WithMinimumRequests(2), WithErrorThreshold(50),
		WithResetTimeout(time.Second), WithClock(clock.Now), WithCallTimeout(0))

	slowRelease := make(chan struct{})
	slowStarted := make(chan struct{})
	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		_ = b.Execute(context.Background(), func(context.Context) error {
			close(slowStarted)
			<-slowRelease
			return nil
		})
	}()
	<-slowStarted

	var calls atomic.Int32
	_ = b.Execute(context.Background(), failing(&calls))
	_ = b.Execute(context.Background(), failing(&calls))
	require.True(t, b.IsOpen())

	clock.Advance(time.Second)
	trialRelease := make(chan struct{})
	trialStarted := make(chan struct{})
	var wg sync.WaitGroup
	wg.Go(func() {
		_ = b.Execute(context.Background(), func(context.Context) error {
			close(trialStarted)
			<-trialRelease
			return nil
		})
	})
	<-trialStarted

	close(slowRelease)
	<-slowDone
	assert.Equal(t, StateHalfOpen, b.State(), "a call admitted while closed must not close the breaker")

	calls.Store(0)
	for range 3 {
		err := b.Execute(context.Background(), failing(&calls))
		assert.ErrorIs(t, err, ErrOpen)
	}
	assert.Zero(t, calls.Load(), "no call may pass while the trial is in flight")

	close(trialRelease)
	wg.Wait()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_LateFailureDoesNotReopenAfterTrialCloses(t *testing.T) {
	clock := newFakeClock()
	b := New("verifier", WithMinimumRequests(1), WithResetTimeout(time.Second),
		WithClock(clock.Now), WithCallTimeout(0))

	slowRelease := make(chan struct{})
	slowStarted := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Execute(context.Background(), func(context.Context) error {
			close(slowStarted)
			<-slowRelease
			return errBackend
		})
	}()
	<-slowStarted

	b.RecordFailure()
	require.True(t, b.IsOpen())
	clock.Advance(time.Second)
	require.NoError(t, b.Execute(context.Background(), func(context.Context) error { return nil }))
	require.Equal(t, StateClosed, b.State())

	close(slowRelease)
	<-done
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_CallTimeoutCountsAsFailure(t *testing.T) {
	b := New("verifier", WithMinimumRequests(1), WithErrorThreshold(100), WithCallTimeout(20*time.Millisecond))

	unblock := make(chan struct{})
	defer close(unblock)
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		select {
		case <-unblock:
		case <-time.After(time.Second):
		}
		return nil
	})

	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, b.IsOpen())
}

func TestBreaker_PredicateExcludesErrors(t *testing.T) {
	errBadInput := errors.New("bad input")
	b := New("verifier", WithMinimumRequests(1), WithFailurePredicate(func(err error) bool {
		return !errors.Is(err, errBadInput)
	}))

	err := b.Execute(context.Background(), func(context.Context) error { return errBadInput })
	assert.ErrorIs(t, err, errBadInput)
	assert.False(t, b.IsOpen())
}

func TestBreaker_CallerCancellationIsNotAFailure(t *testing.T) {
	b := New("verifier", WithMinimumRequests(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Execute(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, b.IsOpen())
}

func TestBreaker_SuccessInClosedStateDilutesFailures(t *testing.T) {
	b := New("test", WithWindowSize(4), WithMinimumRequests(4), WithErrorThreshold(75))

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordSuccess()
	assert.False(t, b.IsOpen())
}

func TestBreaker_Reset(t *testing.T) {
	b := New("test", WithMinimumRequests(1))

	b.RecordFailure()
	assert.True(t, b.IsOpen())

	b.Reset()
	assert.False(t, b.IsOpen())
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_StateChangeHook(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	b := New("verifier", WithMinimumRequests(1), WithResetTimeout(time.Second), WithClock(clock.Now),
		WithStateChangeHook(func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		}))

	b.RecordFailure()
	clock.Advance(time.Second)
	require.NoError(t, b.Execute(context.Background(), func(context.Context) error { return nil }))

	assert.Equal(t, []string{
		"verifier:closed->open",
		"verifier:open->half_open",
		"verifier:half_open->closed",
	}, transitions)
}

func TestDo_ReturnsValue(t *testing.T) {
	b := New("test")
	v, err := Do(context.Background(), b, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}
