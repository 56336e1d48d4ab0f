package verifier

import (
	"context"
	"strings"
	"time"

	"backcheck/internal/check"
)

// StubVerifier returns deterministic verdicts derived from the document
// references. It backs local runs and demos where no AI backend exists:
// a reference containing "forged" fails verification, one containing
// "unreachable" simulates a backend outage, anything else verifies.
type StubVerifier struct {
	Latency    time.Duration
	Confidence float64
	Now        func() time.Time
}

func (s StubVerifier) Verify(ctx context.Context, kind check.ComponentKind, documentRefs []string) (check.Result, error) {
	if s.Latency > 0 {
		timer := time.NewTimer(s.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return check.Result{}, NewError(kind, CategoryTimeout, "stub interrupted", ctx.Err())
		case <-timer.C:
		}
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	confidence := s.Confidence
	if confidence == 0 {
		confidence = 0.95
	}

	if len(documentRefs) == 0 {
		return check.Result{}, NewError(kind, CategoryRejectedInput, "no documents", nil)
	}
	for _, ref := range documentRefs {
		switch {
		case strings.Contains(ref, "unreachable"):
			return check.Result{}, NewError(kind, CategoryUnavailable, "stub backend unreachable", nil)
		case strings.Contains(ref, "forged"):
			return check.Result{
				Verified:   false,
				Confidence: 1 - confidence,
				Method:     "stub",
				Issues:     []string{"document " + ref + " failed authenticity check"},
				ProducedAt: now(),
			}, nil
		}
	}
	return check.Result{
		Verified:   true,
		Confidence: confidence,
		Method:     "stub",
		ProducedAt: now(),
	}, nil
}
