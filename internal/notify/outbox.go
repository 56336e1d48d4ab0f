package notify

import (
	"context"
	"fmt"
	"time"

	"backcheck/pkg/platform/sentinel"
)

// ErrNotInFlight is returned when settling an envelope the outbox does not
// hold as claimed.
var ErrNotInFlight = fmt.Errorf("envelope not in flight: %w", sentinel.ErrInvalidState)

// Outbox is the durable store behind the dispatcher.
type Outbox interface {
	Append(ctx context.Context, env Envelope) error
	// ClaimDue marks up to limit pending envelopes with NotBefore <= now as
	// in flight, ordered by priority (desc) then CreatedAt.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Envelope, error)
	// Release returns an in-flight envelope to pending, persisting its
	// attempt, NotBefore, LastError, Payload and CoalescedKeys.
	Release(ctx context.Context, env Envelope) error
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	// MarkCoalesced retires an in-flight envelope absorbed by another.
	MarkCoalesced(ctx context.Context, id, into string) error
	MarkDead(ctx context.Context, env Envelope, reason string) error
	DeadLetters(ctx context.Context, limit int) ([]Envelope, error)
	// Pending counts envelopes waiting for delivery.
	Pending(ctx context.Context) (int, error)
}
