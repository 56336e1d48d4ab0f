package notify

import (
	"context"
	"errors"
	"fmt"
)

// Sink delivers one envelope over a transport.
type Sink interface {
	Deliver(ctx context.Context, env Envelope) error
}

type SinkFunc func(ctx context.Context, env Envelope) error

func (f SinkFunc) Deliver(ctx context.Context, env Envelope) error {
	return f(ctx, env)
}

// DeliveryError is returned by sinks. Permanent errors are dead-lettered
// without further attempts.
type DeliveryError struct {
	Sink      string
	Recipient string
	Err       error
	Permanent bool
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("deliver via %s to %s (%s): %v", e.Sink, e.Recipient, kind, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err marks a delivery that must not be retried.
func IsPermanent(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}
