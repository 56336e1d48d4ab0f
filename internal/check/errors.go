package check

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrUnknownStatus        = errors.New("unknown status")
	ErrUnknownCheckType     = errors.New("unknown check type")
	ErrUnknownComponent     = errors.New("unknown component kind")
	ErrNoComponents         = errors.New("check type requires no components")
	ErrInvalidTier          = errors.New("invalid tier configuration")
	ErrComponentNotRequired = errors.New("component not required by check type")
	ErrResultFinalized      = errors.New("component result already finalized")
	ErrInvalidConfidence    = errors.New("invalid confidence: must be between 0.0 and 1.0")
	ErrInvalidCheck         = errors.New("invalid check")
)

// InvalidTransitionError reports a status change the state machine does not
// permit. It is never retried automatically.
type InvalidTransitionError struct {
	CheckID string
	From    Status
	To      Status
}

func (e *InvalidTransitionError) Error() string {
	if e.CheckID == "" {
		return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
	}
	return fmt.Sprintf("check %s: invalid status transition %s -> %s", e.CheckID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}
