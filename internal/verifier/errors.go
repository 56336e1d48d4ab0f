package verifier

import (
	"context"
	"errors"
	"fmt"

	"backcheck/internal/check"
	"backcheck/pkg/platform/circuit"
)

// Category is the normalized failure taxonomy for verifier calls.
type Category string

const (
	// CategoryTimeout: the backend did not answer within the call timeout.
	CategoryTimeout Category = "timeout"
	// CategoryUnavailable: connection failure, 5xx or 429.
	CategoryUnavailable Category = "unavailable"
	// CategoryBadResponse: the backend answered with a body we cannot use.
	CategoryBadResponse Category = "bad_response"
	// CategoryRejectedInput: the backend refused the documents (4xx).
	CategoryRejectedInput Category = "rejected_input"
	// CategoryCircuitOpen: the call was short-circuited by the breaker.
	CategoryCircuitOpen Category = "circuit_open"
)

// Error wraps verifier failures with a category and a retry hint.
type Error struct {
	Kind      check.ComponentKind
	Category  Category
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("verify %s [%s]: %s: %v", e.Kind, e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("verify %s [%s]: %s", e.Kind, e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an Error whose retry hint follows from the category.
func NewError(kind check.ComponentKind, category Category, message string, err error) *Error {
	return &Error{
		Kind:      kind,
		Category:  category,
		Message:   message,
		Err:       err,
		Retryable: category != CategoryRejectedInput && category != CategoryBadResponse,
	}
}

// Classify normalizes any error returned from a verifier call. Breaker
// rejections and timeouts map to their own categories; unknown errors are
// treated as transient unavailability.
func Classify(kind check.ComponentKind, err error) *Error {
	if err == nil {
		return nil
	}
	var ve *Error
	if errors.As(err, &ve) {
		return ve
	}
	switch {
	case errors.Is(err, circuit.ErrOpen):
		return NewError(kind, CategoryCircuitOpen, "circuit open", err)
	case errors.Is(err, circuit.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return NewError(kind, CategoryTimeout, "call timed out", err)
	default:
		return NewError(kind, CategoryUnavailable, "call failed", err)
	}
}

// IsRetryable reports whether another attempt could succeed.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return Classify("", err).Retryable
}

// CategoryOf extracts the failure category, defaulting to unavailable.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	return Classify("", err).Category
}
