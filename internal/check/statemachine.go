package check

import "time"

// transitions is the single source of truth for legal status changes.
var transitions = map[Status][]Status{
	StatusInitiated:              {StatusDocumentsPending, StatusCancelled},
	StatusDocumentsPending:       {StatusDocumentsUploaded, StatusCancelled},
	StatusDocumentsUploaded:      {StatusVerificationInProgress, StatusRejected, StatusCancelled},
	StatusVerificationInProgress: {StatusInterviewScheduled, StatusCompleted, StatusRejected, StatusCancelled},
	StatusInterviewScheduled:     {StatusInterviewCompleted, StatusRejected, StatusCancelled},
	StatusInterviewCompleted:     {StatusCompleted, StatusRejected, StatusCancelled},
	StatusCompleted:              {},
	StatusRejected:               {},
	StatusCancelled:              {},
}

// CanTransition reports whether current -> target is in the adjacency table.
func CanTransition(current, target Status) bool {
	for _, next := range transitions[current] {
		if next == target {
			return true
		}
	}
	return false
}

// Statuses lists every known status in lifecycle order.
func Statuses() []Status {
	return []Status{
		StatusInitiated,
		StatusDocumentsPending,
		StatusDocumentsUploaded,
		StatusVerificationInProgress,
		StatusInterviewScheduled,
		StatusInterviewCompleted,
		StatusCompleted,
		StatusRejected,
		StatusCancelled,
	}
}

// ApplyTransition moves the check to target. On failure the check is left
// unmodified and an *InvalidTransitionError is returned.
func (c *Check) ApplyTransition(target Status, now time.Time) error {
	if !CanTransition(c.Status, target) {
		return &InvalidTransitionError{CheckID: c.ID, From: c.Status, To: target}
	}
	c.Status = target
	c.UpdatedAt = now
	return nil
}
