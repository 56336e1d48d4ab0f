package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"backcheck/internal/check"
	"backcheck/internal/check/store"
	"backcheck/internal/jobs"
	"backcheck/internal/notify"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	failuresShown    = 20
	operatorReason   = "cancelled by operator"
)

type CheckService interface {
	GetCheck(ctx context.Context, checkID string) (*check.Check, error)
	CancelCheck(ctx context.Context, checkID, reason string) (*check.Check, error)
	Failures(ctx context.Context, checkID string, limit int) ([]store.Failure, error)
}

type JobDeadLetters interface {
	DeadLetters(ctx context.Context, limit int) ([]jobs.Job, error)
}

type NotificationDeadLetters interface {
	DeadLetters(ctx context.Context, limit int) ([]notify.Envelope, error)
}

// AdminHandler serves operator endpoints for inspecting checks and dead
// letters.
type AdminHandler struct {
	checks        CheckService
	jobs          JobDeadLetters
	notifications NotificationDeadLetters
	logger        *zap.Logger
}

func NewAdminHandler(checks CheckService, jobs JobDeadLetters, notifications NotificationDeadLetters, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{checks: checks, jobs: jobs, notifications: notifications, logger: logger}
}

func (h *AdminHandler) Register(r chi.Router) {
	r.Get("/checks/{id}", h.handleGetCheck)
	r.Post("/checks/{id}/cancel", h.handleCancelCheck)
	r.Get("/dead-letters/jobs", h.handleJobDeadLetters)
	r.Get("/dead-letters/notifications", h.handleNotificationDeadLetters)
}

type checkResponse struct {
	Check    *check.Check    `json:"check"`
	Failures []store.Failure `json:"failures"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *AdminHandler) handleGetCheck(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := h.checks.GetCheck(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	failures, err := h.checks.Failures(r.Context(), id, failuresShown)
	if err != nil {
		// the check itself is still worth returning
		h.logger.Warn("failed to load check failures", zap.String("check_id", id), zap.Error(err))
	}
	if failures == nil {
		failures = []store.Failure{}
	}
	writeJSON(w, http.StatusOK, checkResponse{Check: c, Failures: failures})
}

func (h *AdminHandler) handleCancelCheck(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, fmt.Errorf("%w: invalid request body", errBadRequest))
		return
	}
	if req.Reason == "" {
		req.Reason = operatorReason
	}

	id := chi.URLParam(r, "id")
	c, err := h.checks.CancelCheck(r.Context(), id, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info("check cancelled by operator", zap.String("check_id", id), zap.String("reason", req.Reason))
	writeJSON(w, http.StatusOK, checkResponse{Check: c, Failures: []store.Failure{}})
}

func (h *AdminHandler) handleJobDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := h.jobs.DeadLetters(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if out == nil {
		out = []jobs.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": out})
}

func (h *AdminHandler) handleNotificationDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := h.notifications.DeadLetters(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if out == nil {
		out = []notify.Envelope{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": out})
}

func listLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: limit must be a positive integer", errBadRequest)
	}
	return min(n, maxListLimit), nil
}
