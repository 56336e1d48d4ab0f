// Package circuit provides a reusable circuit breaker for calls into flaky,
// latency-bearing dependencies.
//
// The breaker keeps a count-based rolling window of outcomes. When the share
// of failures in the window reaches the error threshold (and the window holds
// at least the minimum number of calls) the breaker opens and rejects calls
// with ErrOpen. After the reset timeout a single trial call is admitted
// (half-open); its outcome closes or re-opens the breaker.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrOpen is returned without invoking the guarded operation while the
	// breaker is open, or while a half-open trial is already in flight.
	ErrOpen = errors.New("circuit open")
	// ErrTimeout is returned when a call exceeds the configured call timeout.
	// The underlying call's eventual result is discarded.
	ErrTimeout = errors.New("call timeout")
)

// State is the breaker's position in the CLOSED/OPEN/HALF_OPEN cycle.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// StateChange describes the transition (if any) caused by a recorded outcome.
type StateChange struct {
	From       State
	To         State
	Opened     bool
	Closed     bool
	HalfOpened bool
}

func (c StateChange) changed() bool { return c.From != c.To }

// Breaker is safe for concurrent use.
type Breaker struct {
	name string

	windowSize       int
	minRequests      int
	thresholdPercent float64
	resetTimeout     time.Duration
	callTimeout      time.Duration
	isFailure        func(error) bool
	now              func() time.Time
	onChange         func(name string, from, to State)

	mu            sync.Mutex
	state         State
	outcomes      []bool
	next          int
	filled        int
	failures      int
	openedAt      time.Time
	trialInFlight bool
	// generation advances on every transition. Calls carry the generation
	// that admitted them; outcomes from an earlier generation are dropped.
	generation uint64
}

// current stands for "whatever generation is live" in settle.
const current = ^uint64(0)

type Option func(*Breaker)

// WithWindowSize sets how many recent outcomes are considered.
func WithWindowSize(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.windowSize = n
		}
	}
}

// WithErrorThreshold sets the failure percentage (0-100] that trips the breaker.
func WithErrorThreshold(percent float64) Option {
	return func(b *Breaker) {
		if percent > 0 && percent <= 100 {
			b.thresholdPercent = percent
		}
	}
}

// WithMinimumRequests sets how many outcomes must be in the window before the
// threshold is evaluated.
func WithMinimumRequests(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.minRequests = n
		}
	}
}

func WithResetTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.resetTimeout = d
		}
	}
}

// WithCallTimeout bounds each guarded call. Zero disables the bound.
func WithCallTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d >= 0 {
			b.callTimeout = d
		}
	}
}

// WithFailurePredicate decides which errors count against the window. Errors
// for which it returns false are passed through and recorded as successes.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(b *Breaker) {
		if fn != nil {
			b.isFailure = fn
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithStateChangeHook registers a callback invoked after every transition.
// The hook runs outside the breaker's lock.
func WithStateChangeHook(fn func(name string, from, to State)) Option {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// New creates a breaker. Defaults: window 20, minimum 5 requests, 50% threshold,
// 30s reset timeout, 10s call timeout.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		windowSize:       20,
		minRequests:      5,
		thresholdPercent: 50,
		resetTimeout:     30 * time.Second,
		callTimeout:      10 * time.Second,
		isFailure:        func(error) bool { return true },
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.minRequests > b.windowSize {
		b.minRequests = b.windowSize
	}
	b.outcomes = make([]bool, b.windowSize)
	return b
}

func (b *Breaker) Name() string { return b.name }

// State reports the current state. An open breaker whose reset timeout has
// elapsed still reports StateOpen until the next call admits a trial.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) IsOpen() bool {
	return b.State() == StateOpen
}

// Reset forces the breaker closed and clears the window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	change := b.transitionLocked(StateClosed)
	b.mu.Unlock()
	b.notify(change)
}

// Execute runs fn under the breaker.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := Do(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do runs fn under the breaker and returns its value. fn receives a context
// bounded by the call timeout.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	gen, err := b.acquire()
	if err != nil {
		return zero, err
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if b.callTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.callTimeout)
	}
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(callCtx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err == nil {
			b.settle(gen, false)
			return out.value, nil
		}
		if ctx.Err() != nil {
			b.abandon(gen)
			return zero, out.err
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			b.settle(gen, true)
			return zero, fmt.Errorf("%w: %s exceeded %s", ErrTimeout, b.name, b.callTimeout)
		}
		b.settle(gen, b.isFailure(out.err))
		return zero, out.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			b.abandon(gen)
			return zero, ctx.Err()
		}
		b.settle(gen, true)
		return zero, fmt.Errorf("%w: %s exceeded %s", ErrTimeout, b.name, b.callTimeout)
	}
}

// RecordSuccess records a successful outcome. A successful half-open trial
// closes the breaker and clears the window.
func (b *Breaker) RecordSuccess() StateChange {
	return b.settle(current, false)
}

// RecordFailure records a failed outcome. A failed half-open trial re-opens
// the breaker and restarts the reset timer.
func (b *Breaker) RecordFailure() StateChange {
	return b.settle(current, true)
}

// settle applies an outcome for a call admitted in generation gen. A call
// admitted before the latest transition does not speak for the current
// state: a slow call from CLOSED must not decide a half-open trial.
func (b *Breaker) settle(gen uint64, failed bool) StateChange {
	b.mu.Lock()
	var change StateChange
	switch {
	case gen != current && gen != b.generation:
		change = StateChange{From: b.state, To: b.state}
	case b.state == StateHalfOpen:
		if failed {
			change = b.transitionLocked(StateOpen)
		} else {
			change = b.transitionLocked(StateClosed)
		}
	case b.state == StateClosed:
		b.recordLocked(failed)
		if failed && b.trippedLocked() {
			change = b.transitionLocked(StateOpen)
		} else {
			change = StateChange{From: StateClosed, To: StateClosed}
		}
	default:
		change = StateChange{From: b.state, To: b.state}
	}
	b.mu.Unlock()
	b.notify(change)
	return change
}

// acquire admits a call and returns the generation it belongs to.
func (b *Breaker) acquire() (uint64, error) {
	b.mu.Lock()
	var change StateChange
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			b.mu.Unlock()
			return 0, fmt.Errorf("%w: %s", ErrOpen, b.name)
		}
		change = b.transitionLocked(StateHalfOpen)
		b.trialInFlight = true
	case StateHalfOpen:
		if b.trialInFlight {
			b.mu.Unlock()
			return 0, fmt.Errorf("%w: %s trial in flight", ErrOpen, b.name)
		}
		b.trialInFlight = true
	}
	gen := b.generation
	b.mu.Unlock()
	b.notify(change)
	return gen, nil
}

// abandon releases a half-open trial slot when the caller gave up before an
// outcome was known.
func (b *Breaker) abandon(gen uint64) {
	b.mu.Lock()
	if b.state == StateHalfOpen && gen == b.generation {
		b.trialInFlight = false
	}
	b.mu.Unlock()
}

func (b *Breaker) recordLocked(failed bool) {
	if b.filled == b.windowSize {
		if b.outcomes[b.next] {
			b.failures--
		}
	} else {
		b.filled++
	}
	b.outcomes[b.next] = failed
	if failed {
		b.failures++
	}
	b.next = (b.next + 1) % b.windowSize
}

func (b *Breaker) trippedLocked() bool {
	if b.filled < b.minRequests {
		return false
	}
	return float64(b.failures)*100/float64(b.filled) >= b.thresholdPercent
}

func (b *Breaker) resetWindowLocked() {
	for i := range b.outcomes {
		b.outcomes[i] = false
	}
	b.next, b.filled, b.failures = 0, 0, 0
}

func (b *Breaker) transitionLocked(to State) StateChange {
	from := b.state
	b.state = to
	b.generation++
	b.trialInFlight = false
	switch to {
	case StateOpen:
		b.openedAt = b.now()
	case StateClosed:
		b.resetWindowLocked()
	}
	return StateChange{
		From:       from,
		To:         to,
		Opened:     from != to && to == StateOpen,
		Closed:     from != to && to == StateClosed,
		HalfOpened: from != to && to == StateHalfOpen,
	}
}

func (b *Breaker) notify(change StateChange) {
	if b.onChange != nil && change.changed() {
		b.onChange(b.name, change.From, change.To)
	}
}
