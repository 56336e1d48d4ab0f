package notify

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"backcheck/pkg/platform/sentinel"
)

// InMemoryOutbox keeps envelopes in process memory. It is durable only for
// the life of the process and backs tests and single-node development runs.
type InMemoryOutbox struct {
	mu        sync.Mutex
	envelopes map[string]*Envelope
	seq       map[string]uint64
	next      uint64
	dead      []Envelope
}

func NewInMemoryOutbox() *InMemoryOutbox {
	return &InMemoryOutbox{
		envelopes: make(map[string]*Envelope),
		seq:       make(map[string]uint64),
	}
}

func (o *InMemoryOutbox) Append(_ context.Context, env Envelope) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.envelopes[env.ID]; exists {
		return fmt.Errorf("envelope %s: %w", env.ID, sentinel.ErrDuplicate)
	}
	stored := env.Clone()
	stored.State = StatePending
	o.envelopes[env.ID] = &stored
	o.next++
	o.seq[env.ID] = o.next
	return nil
}

func (o *InMemoryOutbox) ClaimDue(_ context.Context, now time.Time, limit int) ([]Envelope, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	due := make([]*Envelope, 0)
	for _, env := range o.envelopes {
		if env.State == StatePending && !env.NotBefore.After(now) {
			due = append(due, env)
		}
	}
	slices.SortFunc(due, func(a, b *Envelope) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return compareSeq(o.seq[a.ID], o.seq[b.ID])
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]Envelope, len(due))
	for i, env := range due {
		env.State = StateInFlight
		out[i] = env.Clone()
	}
	return out, nil
}

func (o *InMemoryOutbox) Release(_ context.Context, env Envelope) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	stored, err := o.inFlightLocked(env.ID)
	if err != nil {
		return err
	}
	stored.State = StatePending
	stored.Attempt = env.Attempt
	stored.NotBefore = env.NotBefore
	stored.LastError = env.LastError
	stored.Priority = env.Priority
	stored.Payload = slices.Clone(env.Payload)
	stored.CoalescedKeys = slices.Clone(env.CoalescedKeys)
	return nil
}

func (o *InMemoryOutbox) MarkDelivered(_ context.Context, id string, _ time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, err := o.inFlightLocked(id); err != nil {
		return err
	}
	delete(o.envelopes, id)
	delete(o.seq, id)
	return nil
}

func (o *InMemoryOutbox) MarkCoalesced(_ context.Context, id, _ string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, err := o.inFlightLocked(id); err != nil {
		return err
	}
	delete(o.envelopes, id)
	delete(o.seq, id)
	return nil
}

func (o *InMemoryOutbox) MarkDead(_ context.Context, env Envelope, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, err := o.inFlightLocked(env.ID); err != nil {
		return err
	}
	dead := env.Clone()
	dead.State = StateDead
	dead.LastError = reason
	o.dead = append(o.dead, dead)
	delete(o.envelopes, env.ID)
	delete(o.seq, env.ID)
	return nil
}

func (o *InMemoryOutbox) DeadLetters(_ context.Context, limit int) ([]Envelope, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Envelope, 0, len(o.dead))
	for i := len(o.dead) - 1; i >= 0; i-- {
		out = append(out, o.dead[i].Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (o *InMemoryOutbox) Pending(_ context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, env := range o.envelopes {
		if env.State == StatePending || env.State == StateInFlight {
			n++
		}
	}
	return n, nil
}

func (o *InMemoryOutbox) inFlightLocked(id string) (*Envelope, error) {
	env, ok := o.envelopes[id]
	if !ok {
		return nil, fmt.Errorf("envelope %s: %w", id, sentinel.ErrNotFound)
	}
	if env.State != StateInFlight {
		return nil, fmt.Errorf("envelope %s is %s: %w", id, env.State, ErrNotInFlight)
	}
	return env, nil
}

func compareSeq(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
