// Package notify delivers notifications at least once.
//
// Envelopes are persisted in an outbox before Enqueue returns. A drain loop
// claims due envelopes, coalesces several pending envelopes for the same
// recipient into the newest one, applies a per-recipient rate limit, and
// hands the survivor to a Sink. Failed deliveries are retried with backoff
// and dead-lettered once the retry budget is spent. Dedupe keys make
// re-enqueueing the same logical event a no-op.
package notify

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelEvent Channel = "event"
)

func ParseChannel(s string) (Channel, error) {
	switch c := Channel(s); c {
	case ChannelEmail, ChannelSMS, ChannelEvent:
		return c, nil
	default:
		return "", fmt.Errorf("unknown notification channel %q", s)
	}
}

// State of an envelope in the outbox.
type State string

const (
	StatePending   State = "PENDING"
	StateInFlight  State = "IN_FLIGHT"
	StateDelivered State = "DELIVERED"
	StateCoalesced State = "COALESCED"
	StateDead      State = "DEAD"
)

// Envelope is one notification. CoalescedKeys lists the dedupe keys of older
// envelopes folded into this one.
type Envelope struct {
	ID            string          `json:"id"`
	RecipientRef  string          `json:"recipient_ref"`
	Channel       Channel         `json:"channel"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
	Attempt       int             `json:"attempt"`
	Priority      int             `json:"priority"`
	DedupeKey     string          `json:"dedupe_key,omitempty"`
	CoalescedKeys []string        `json:"coalesced_keys,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	NotBefore     time.Time       `json:"not_before"`
	State         State           `json:"state"`
	LastError     string          `json:"last_error,omitempty"`
}

// RateKey groups envelopes that share a rate limit and may be coalesced.
func (e Envelope) RateKey() string {
	return string(e.Channel) + ":" + e.RecipientRef
}

// DedupeKeys returns the envelope's own key followed by every key it absorbed.
func (e Envelope) DedupeKeys() []string {
	keys := make([]string, 0, len(e.CoalescedKeys)+1)
	if e.DedupeKey != "" {
		keys = append(keys, e.DedupeKey)
	}
	return append(keys, e.CoalescedKeys...)
}

func (e Envelope) Clone() Envelope {
	e.Payload = slices.Clone(e.Payload)
	e.CoalescedKeys = slices.Clone(e.CoalescedKeys)
	return e
}

// Message is the payload shape human-facing sinks understand. Event sinks
// forward the raw payload unchanged.
type Message struct {
	Subject    string            `json:"subject"`
	Body       string            `json:"body"`
	CheckID    string            `json:"check_id,omitempty"`
	Status     string            `json:"status,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (e Envelope) Message() (Message, error) {
	var m Message
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return Message{}, fmt.Errorf("decode payload of envelope %s: %w", e.ID, err)
	}
	return m, nil
}
