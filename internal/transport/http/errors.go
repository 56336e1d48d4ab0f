package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	"backcheck/internal/check"
	"backcheck/pkg/platform/sentinel"
)

const (
	codeInvalidRequest = "invalid_request"
	codeNotFound       = "not_found"
	codeConflict       = "conflict"
	codeUnavailable    = "unavailable"
	codeInternal       = "internal_error"
)

// errBadRequest marks input problems detected by the transport itself.
var errBadRequest = errors.New("bad request")

// writeError translates domain and infrastructure errors into a JSON error
// envelope.
func writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, codeInternal
	switch {
	case errors.Is(err, errBadRequest):
		status, code = http.StatusBadRequest, codeInvalidRequest
	case errors.Is(err, sentinel.ErrNotFound):
		status, code = http.StatusNotFound, codeNotFound
	case errors.Is(err, check.ErrInvalidTransition), errors.Is(err, sentinel.ErrConflict):
		status, code = http.StatusConflict, codeConflict
	case errors.Is(err, sentinel.ErrUnavailable):
		status, code = http.StatusServiceUnavailable, codeUnavailable
	}

	body := map[string]string{"error": code}
	if status != http.StatusInternalServerError {
		body["error_description"] = err.Error()
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
