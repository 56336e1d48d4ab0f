package ingress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"backcheck/internal/check"
	"backcheck/internal/pipeline"
	"backcheck/pkg/platform/sentinel"
)

const (
	DefaultCheckRequestsTopic   = "backcheck.check-requests"
	DefaultDocumentBatchesTopic = "backcheck.document-batches"

	// DefaultOrphanGrace bounds how long a batch may wait for its check.
	DefaultOrphanGrace = 10 * time.Minute
)

// ErrCheckPending marks a document batch that arrived before its check
// request. The topics are not ordered relative to each other, so it is
// retried until the orphan grace period runs out.
var ErrCheckPending = errors.New("check not created yet")

// Pipeline is the slice of the orchestrator ingress drives.
type Pipeline interface {
	CreateCheck(ctx context.Context, req pipeline.CheckRequest) (*check.Check, error)
	RequestDocuments(ctx context.Context, checkID string) (*check.Check, error)
	SubmitDocuments(ctx context.Context, batch pipeline.DocumentBatch) (*check.Check, error)
}

// CheckRequestHandler opens a check and asks the candidate for documents.
// The record key doubles as the check ID when the payload carries none, so
// a redelivered request resumes instead of opening a second check.
func CheckRequestHandler(p Pipeline, d *Decoder, logger *zap.Logger) TopicHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return HandlerFunc(func(ctx context.Context, msg *Message) error {
		req, err := d.CheckRequest(msg.Value)
		if err != nil {
			return err
		}
		if req.ID == "" && len(msg.Key) > 0 {
			req.ID = string(msg.Key)
		}

		c, err := p.CreateCheck(ctx, req)
		switch {
		case errors.Is(err, sentinel.ErrDuplicate) && req.ID != "":
			logger.Info("check already exists, resuming", zap.String("check_id", req.ID))
		case err != nil:
			return err
		default:
			req.ID = c.ID
		}

		if _, err := p.RequestDocuments(ctx, req.ID); err != nil {
			if errors.Is(err, check.ErrInvalidTransition) {
				// already past INITIATED
				return nil
			}
			return err
		}
		return nil
	})
}

type batchHandler struct {
	grace time.Duration
	now   func() time.Time
}

type BatchOption func(*batchHandler)

// WithOrphanGrace sets how long after it was produced a batch for an unknown
// check is retried. Zero skips such batches immediately.
func WithOrphanGrace(d time.Duration) BatchOption {
	return func(h *batchHandler) { h.grace = d }
}

func WithBatchClock(now func() time.Time) BatchOption {
	return func(h *batchHandler) {
		if now != nil {
			h.now = now
		}
	}
}

// DocumentBatchHandler attaches uploaded documents and schedules verification.
// A batch whose check does not exist yet reports ErrCheckPending until it is
// older than the orphan grace period, then the not-found error itself.
func DocumentBatchHandler(p Pipeline, d *Decoder, opts ...BatchOption) TopicHandler {
	h := &batchHandler{grace: DefaultOrphanGrace, now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return HandlerFunc(func(ctx context.Context, msg *Message) error {
		batch, err := d.DocumentBatch(msg.Value)
		if err != nil {
			return err
		}
		_, err = p.SubmitDocuments(ctx, batch)
		if errors.Is(err, sentinel.ErrNotFound) && h.now().Sub(msg.Timestamp) < h.grace {
			return fmt.Errorf("%w: %s", ErrCheckPending, batch.CheckID)
		}
		return err
	})
}

// Poison reports whether err can never succeed on redelivery.
func Poison(err error) bool {
	for _, target := range []error{
		ErrInvalidPayload,
		sentinel.ErrNotFound,
		sentinel.ErrDuplicate,
		sentinel.ErrInvalidState,
		check.ErrInvalidTransition,
		check.ErrInvalidCheck,
		check.ErrUnknownCheckType,
		check.ErrUnknownComponent,
		check.ErrNoComponents,
		check.ErrComponentNotRequired,
		check.ErrResultFinalized,
		pipeline.ErrNoDocuments,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
