package check

import "fmt"

// Status is the closed set of check (and component) lifecycle states.
type Status string

const (
	StatusInitiated              Status = "INITIATED"
	StatusDocumentsPending       Status = "DOCUMENTS_PENDING"
	StatusDocumentsUploaded      Status = "DOCUMENTS_UPLOADED"
	StatusVerificationInProgress Status = "VERIFICATION_IN_PROGRESS"
	StatusInterviewScheduled     Status = "INTERVIEW_SCHEDULED"
	StatusInterviewCompleted     Status = "INTERVIEW_COMPLETED"
	StatusCompleted              Status = "COMPLETED"
	StatusRejected               Status = "REJECTED"
	StatusCancelled              Status = "CANCELLED"
)

// ParseStatus rejects anything outside the closed set.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
	return st, nil
}

func (s Status) String() string { return string(s) }

// IsTerminal reports whether the status has no outgoing transitions.
func (s Status) IsTerminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
