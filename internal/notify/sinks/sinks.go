// Package sinks holds the transports notifications are delivered over.
package sinks

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"backcheck/internal/notify"
)

var ErrUnknownRecipient = errors.New("unknown recipient")

// Resolver turns an opaque recipient reference into a transport address.
type Resolver interface {
	Resolve(ctx context.Context, recipientRef string, channel notify.Channel) (string, error)
}

// DirectResolver treats references that already look like an address for the
// channel (an e-mail address, an E.164 number) as the address.
type DirectResolver struct{}

func (DirectResolver) Resolve(_ context.Context, ref string, channel notify.Channel) (string, error) {
	switch {
	case channel == notify.ChannelEmail && strings.Contains(ref, "@"):
		return ref, nil
	case channel == notify.ChannelSMS && strings.HasPrefix(ref, "+"):
		return ref, nil
	}
	return "", fmt.Errorf("%w: %s has no %s address", ErrUnknownRecipient, ref, channel)
}

// MapResolver looks references up in a fixed table, falling back to
// DirectResolver.
type MapResolver map[string]string

func (m MapResolver) Resolve(ctx context.Context, ref string, channel notify.Channel) (string, error) {
	if addr, ok := m[string(channel)+":"+ref]; ok {
		return addr, nil
	}
	return DirectResolver{}.Resolve(ctx, ref, channel)
}

// Router picks the sink registered for the envelope's channel.
type Router struct {
	sinks map[notify.Channel]notify.Sink
}

func NewRouter() *Router {
	return &Router{sinks: make(map[notify.Channel]notify.Sink)}
}

// Handle registers sink for channel, replacing any earlier one.
func (r *Router) Handle(channel notify.Channel, sink notify.Sink) *Router {
	r.sinks[channel] = sink
	return r
}

func (r *Router) Deliver(ctx context.Context, env notify.Envelope) error {
	sink, ok := r.sinks[env.Channel]
	if !ok {
		return &notify.DeliveryError{
			Sink:      "router",
			Recipient: env.RecipientRef,
			Err:       fmt.Errorf("no sink for channel %q", env.Channel),
			Permanent: true,
		}
	}
	return sink.Deliver(ctx, env)
}

// resolve wraps resolver failures so unknown recipients are not retried.
func resolve(ctx context.Context, r Resolver, sink string, env notify.Envelope) (string, error) {
	addr, err := r.Resolve(ctx, env.RecipientRef, env.Channel)
	if err != nil {
		return "", &notify.DeliveryError{
			Sink:      sink,
			Recipient: env.RecipientRef,
			Err:       err,
			Permanent: errors.Is(err, ErrUnknownRecipient),
		}
	}
	return addr, nil
}

func message(sink string, env notify.Envelope) (notify.Message, error) {
	m, err := env.Message()
	if err != nil {
		return notify.Message{}, &notify.DeliveryError{Sink: sink, Recipient: env.RecipientRef, Err: err, Permanent: true}
	}
	return m, nil
}
