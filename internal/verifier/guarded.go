package verifier

import (
	"context"
	"time"

	"go.uber.org/zap"

	"backcheck/internal/check"
	"backcheck/internal/platform/metrics"
	"backcheck/pkg/platform/circuit"
)

// Guarded runs every call to the wrapped Verifier through a circuit breaker
// and normalizes the outcome into *Error.
type Guarded struct {
	next    Verifier
	breaker *circuit.Breaker
	metrics *metrics.Metrics
	now     func() time.Time
}

type GuardedOption func(*Guarded)

func WithMetrics(m *metrics.Metrics) GuardedOption {
	return func(g *Guarded) {
		g.metrics = m
	}
}

func NewGuarded(next Verifier, breaker *circuit.Breaker, opts ...GuardedOption) *Guarded {
	g := &Guarded{next: next, breaker: breaker, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guarded) Verify(ctx context.Context, kind check.ComponentKind, documentRefs []string) (check.Result, error) {
	start := g.now()
	result, err := circuit.Do(ctx, g.breaker, func(ctx context.Context) (check.Result, error) {
		return g.next.Verify(ctx, kind, documentRefs)
	})
	if err != nil {
		verr := Classify(kind, err)
		g.metrics.ObserveVerifierCall(string(kind), string(verr.Category), g.now().Sub(start))
		return check.Result{}, verr
	}
	g.metrics.ObserveVerifierCall(string(kind), "ok", g.now().Sub(start))
	return result, nil
}

// TripsBreaker decides which verifier errors count against the breaker's
// window. Rejected input says nothing about backend health.
func TripsBreaker(err error) bool {
	return CategoryOf(err) != CategoryRejectedInput
}

// BreakerOptions returns the options every verifier breaker shares: the
// failure predicate plus a hook that exports transitions to metrics and logs.
func BreakerOptions(m *metrics.Metrics, logger *zap.Logger) []circuit.Option {
	if logger == nil {
		logger = zap.NewNop()
	}
	return []circuit.Option{
		circuit.WithFailurePredicate(TripsBreaker),
		circuit.WithStateChangeHook(func(name string, from, to circuit.State) {
			m.SetBreakerState(name, int(to), to.String())
			fields := []zap.Field{
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			}
			if to == circuit.StateOpen {
				logger.Warn("circuit breaker opened", fields...)
				return
			}
			logger.Info("circuit breaker state changed", fields...)
		}),
	}
}
