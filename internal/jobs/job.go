// Package jobs holds verification jobs and the queue that schedules them.
//
// A job moves QUEUED → CLAIMED → (SUCCEEDED | REQUEUED | DEAD_LETTERED).
// A requeued job waits in the queue again with attempt+1 and a later
// NotBefore. A job claimed for a check that no longer wants it is VOIDED.
package jobs

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"backcheck/internal/check"
	"backcheck/pkg/platform/sentinel"
)

type State string

const (
	StateQueued       State = "QUEUED"
	StateClaimed      State = "CLAIMED"
	StateSucceeded    State = "SUCCEEDED"
	StateRequeued     State = "REQUEUED"
	StateDeadLettered State = "DEAD_LETTERED"
	StateVoided       State = "VOIDED"
)

var (
	// ErrDuplicateJob rejects a job whose (check, component) already has a
	// job queued or claimed.
	ErrDuplicateJob = fmt.Errorf("duplicate job: %w", sentinel.ErrDuplicate)
	// ErrNotClaimed is returned when settling a job the queue does not hold
	// as claimed.
	ErrNotClaimed = fmt.Errorf("job not claimed: %w", sentinel.ErrInvalidState)
	// ErrStaleJob reports a result computed from inputs the check no longer
	// holds, such as documents replaced while the job was in flight.
	ErrStaleJob = fmt.Errorf("job inputs changed: %w", sentinel.ErrConflict)
)

// Key identifies the unit of work a job verifies.
type Key struct {
	CheckID string
	Kind    check.ComponentKind
}

func (k Key) String() string {
	return k.CheckID + "/" + string(k.Kind)
}

type Job struct {
	ID           string              `json:"id"`
	CheckID      string              `json:"check_id"`
	Kind         check.ComponentKind `json:"component_kind"`
	DocumentRefs []string            `json:"document_refs"`
	Priority     int                 `json:"priority"`
	Attempt      int                 `json:"attempt"`
	EnqueuedAt   time.Time           `json:"enqueued_at"`
	NotBefore    time.Time           `json:"not_before"`
	State        State               `json:"state"`
	ClaimedBy    string              `json:"claimed_by,omitempty"`
	ClaimedAt    time.Time           `json:"claimed_at,omitzero"`
	LastError    string              `json:"last_error,omitempty"`
}

// New creates a first-attempt job for a component, prioritized by the
// component kind.
func New(checkID string, kind check.ComponentKind, documentRefs []string) Job {
	return Job{
		ID:           uuid.NewString(),
		CheckID:      checkID,
		Kind:         kind,
		DocumentRefs: slices.Clone(documentRefs),
		Priority:     kind.Priority(),
	}
}

func (j Job) Key() Key {
	return Key{CheckID: j.CheckID, Kind: j.Kind}
}

func (j Job) clone() Job {
	j.DocumentRefs = slices.Clone(j.DocumentRefs)
	return j
}
