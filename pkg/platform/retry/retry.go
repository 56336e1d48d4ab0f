// Package retry holds the backoff policy shared by the job queue, the
// notification outbox and the optimistic write loop.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// maxDoublings bounds the exponent so large attempt numbers cannot overflow.
	maxDoublings = 32
	defaultMax   = 24 * time.Hour
)

// Policy computes delay = Base * 2^attempt, capped at Max.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the backoff before the given attempt (0-based) is retried.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxDoublings {
		attempt = maxDoublings
	}

	b := p.exponential()
	d := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (p Policy) exponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.MaxInterval = p.Max
	if b.MaxInterval <= 0 {
		b.MaxInterval = defaultMax
	}
	b.Reset()
	return b
}

// Do invokes op up to attempts times with no delay between tries. It stops
// early when op succeeds, when retryable reports false, or when ctx is done.
// The last error from op is returned.
func Do(ctx context.Context, attempts int, op func() error, retryable func(error) bool) error {
	if attempts < 1 {
		attempts = 1
	}
	var b backoff.BackOff = backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(attempts-1))
	b = backoff.WithContext(b, ctx)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
