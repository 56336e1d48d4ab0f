// Package store persists Check aggregates and dead-lettered component
// failures. Both implementations enforce the same conditional-write protocol:
// a write succeeds only when the caller's expected version matches.
package store

import (
	"time"

	"backcheck/internal/check"
)

// PersistRequest is one conditional write of a check's status and, optionally,
// one component's full state.
type PersistRequest struct {
	CheckID         string
	ExpectedVersion int64
	Status          check.Status
	Component       *check.Component
	UpdatedAt       time.Time
}

// Failure is a component that exhausted its retry budget and needs manual review.
type Failure struct {
	ID         string              `json:"id"`
	CheckID    string              `json:"check_id"`
	Kind       check.ComponentKind `json:"component_kind"`
	Reason     string              `json:"reason"`
	RecordedAt time.Time           `json:"recorded_at"`
}
