// Package verifier is the boundary to the document verification backend.
//
// The backend is opaque: it receives a component kind and the stored document
// references and answers with a confidence score and an authenticity verdict.
// Every failure is normalized into *Error so the worker pool can decide
// between retry and dead-lettering without knowing the transport.
package verifier

import (
	"context"

	"backcheck/internal/check"
)

// Verifier checks the documents submitted for one component.
type Verifier interface {
	Verify(ctx context.Context, kind check.ComponentKind, documentRefs []string) (check.Result, error)
}

// Func adapts a function to the Verifier interface.
type Func func(ctx context.Context, kind check.ComponentKind, documentRefs []string) (check.Result, error)

func (f Func) Verify(ctx context.Context, kind check.ComponentKind, documentRefs []string) (check.Result, error) {
	return f(ctx, kind, documentRefs)
}
