package httptransport

//go:generate mockgen -source=handlers_admin.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"

	"backcheck/internal/check"
	"backcheck/internal/check/store"
	"backcheck/internal/jobs"
	"backcheck/internal/notify"
	"backcheck/internal/transport/http/mocks"
	"backcheck/pkg/platform/middleware/admin"
	"backcheck/pkg/platform/sentinel"
)

const testToken = "ops-token"

// Justification: the admin surface is the only operator-facing way to cancel
// checks and inspect dead letters; status mapping and auth must not regress.
type RouterSuite struct {
	suite.Suite
	ctrl          *gomock.Controller
	checks        *mocks.MockCheckService
	jobs          *mocks.MockJobDeadLetters
	notifications *mocks.MockNotificationDeadLetters
	probeErr      error
	router        http.Handler
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.checks = mocks.NewMockCheckService(s.ctrl)
	s.jobs = mocks.NewMockJobDeadLetters(s.ctrl)
	s.notifications = mocks.NewMockNotificationDeadLetters(s.ctrl)
	s.probeErr = nil

	logger := zaptest.NewLogger(s.T())
	health := NewHealthHandler(map[string]Probe{
		"postgres": func(context.Context) error { return s.probeErr },
		"redis":    func(context.Context) error { return nil },
	})
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "backcheck_test_total"}))

	s.router = NewRouter(health, NewAdminHandler(s.checks, s.jobs, s.notifications, logger), RouterConfig{
		AdminToken: testToken,
		Gatherer:   reg,
		Logger:     logger,
	})
}

func (s *RouterSuite) do(method, path, body string, authorized bool) (*httptest.ResponseRecorder, map[string]any) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if authorized {
		req.Header.Set(admin.HeaderToken, testToken)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func (s *RouterSuite) TestHealth() {
	rec, body := s.do(http.MethodGet, "/healthz", "", false)
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("ok", body["status"])
}

func (s *RouterSuite) TestReadiness() {
	s.T().Run("all probes pass", func(t *testing.T) {
		rec, body := s.do(http.MethodGet, "/readyz", "", false)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ready", body["status"])
	})

	s.T().Run("a failing probe makes the service unready", func(t *testing.T) {
		s.probeErr = errors.New("connection refused")
		rec, body := s.do(http.MethodGet, "/readyz", "", false)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		checks := body["checks"].(map[string]any)
		assert.Equal(t, "connection refused", checks["postgres"])
		assert.Equal(t, "ok", checks["redis"])
	})
}

func (s *RouterSuite) TestMetrics() {
	rec, _ := s.do(http.MethodGet, "/metrics", "", false)
	s.Equal(http.StatusOK, rec.Code)
	s.Contains(rec.Body.String(), "backcheck_test_total")
}

func (s *RouterSuite) TestAdminRequiresToken() {
	rec, body := s.do(http.MethodGet, "/admin/checks/chk-1", "", false)
	s.Equal(http.StatusUnauthorized, rec.Code)
	s.Equal("unauthorized", body["error"])
}

func (s *RouterSuite) TestGetCheck() {
	s.T().Run("returns check with failures", func(t *testing.T) {
		s.checks.EXPECT().GetCheck(gomock.Any(), "chk-1").
			Return(&check.Check{ID: "chk-1", Status: check.StatusVerificationInProgress}, nil)
		s.checks.EXPECT().Failures(gomock.Any(), "chk-1", failuresShown).
			Return([]store.Failure{{ID: "f-1", CheckID: "chk-1", Kind: check.ComponentIdentity, Reason: "timeout"}}, nil)

		rec, body := s.do(http.MethodGet, "/admin/checks/chk-1", "", true)
		require.Equal(t, http.StatusOK, rec.Code)
		c := body["check"].(map[string]any)
		assert.Equal(t, "chk-1", c["id"])
		assert.Len(t, body["failures"], 1)
	})

	s.T().Run("failure lookup errors still return the check", func(t *testing.T) {
		s.checks.EXPECT().GetCheck(gomock.Any(), "chk-2").Return(&check.Check{ID: "chk-2"}, nil)
		s.checks.EXPECT().Failures(gomock.Any(), "chk-2", gomock.Any()).Return(nil, sentinel.ErrUnavailable)

		rec, body := s.do(http.MethodGet, "/admin/checks/chk-2", "", true)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, body["failures"])
	})

	s.T().Run("unknown check is 404", func(t *testing.T) {
		s.checks.EXPECT().GetCheck(gomock.Any(), "missing").
			Return(nil, fmt.Errorf("check missing: %w", sentinel.ErrNotFound))

		rec, body := s.do(http.MethodGet, "/admin/checks/missing", "", true)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, codeNotFound, body["error"])
	})
}

func (s *RouterSuite) TestCancelCheck() {
	s.T().Run("uses the supplied reason", func(t *testing.T) {
		s.checks.EXPECT().CancelCheck(gomock.Any(), "chk-1", "duplicate order").
			Return(&check.Check{ID: "chk-1", Status: check.StatusCancelled}, nil)

		rec, body := s.do(http.MethodPost, "/admin/checks/chk-1/cancel", `{"reason":"duplicate order"}`, true)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "CANCELLED", body["check"].(map[string]any)["status"])
	})

	s.T().Run("empty body falls back to the operator reason", func(t *testing.T) {
		s.checks.EXPECT().CancelCheck(gomock.Any(), "chk-1", operatorReason).
			Return(&check.Check{ID: "chk-1", Status: check.StatusCancelled}, nil)

		rec, _ := s.do(http.MethodPost, "/admin/checks/chk-1/cancel", "", true)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	s.T().Run("terminal check is a conflict", func(t *testing.T) {
		s.checks.EXPECT().CancelCheck(gomock.Any(), "chk-done", gomock.Any()).
			Return(nil, &check.InvalidTransitionError{CheckID: "chk-done", From: check.StatusCompleted, To: check.StatusCancelled})

		rec, body := s.do(http.MethodPost, "/admin/checks/chk-done/cancel", "", true)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, codeConflict, body["error"])
	})

	s.T().Run("malformed body is rejected", func(t *testing.T) {
		s.checks.EXPECT().CancelCheck(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

		rec, body := s.do(http.MethodPost, "/admin/checks/chk-1/cancel", "{bad", true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, codeInvalidRequest, body["error"])
	})
}

func (s *RouterSuite) TestDeadLetters() {
	s.T().Run("jobs with explicit limit", func(t *testing.T) {
		s.jobs.EXPECT().DeadLetters(gomock.Any(), 10).
			Return([]jobs.Job{{ID: "job-1", CheckID: "chk-1", State: jobs.StateDeadLettered}}, nil)

		rec, body := s.do(http.MethodGet, "/admin/dead-letters/jobs?limit=10", "", true)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, body["dead_letters"], 1)
	})

	s.T().Run("notifications cap the limit", func(t *testing.T) {
		s.notifications.EXPECT().DeadLetters(gomock.Any(), maxListLimit).Return(nil, nil)

		rec, body := s.do(http.MethodGet, "/admin/dead-letters/notifications?limit=100000", "", true)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []any{}, body["dead_letters"])
	})

	s.T().Run("notifications default limit", func(t *testing.T) {
		s.notifications.EXPECT().DeadLetters(gomock.Any(), defaultListLimit).
			Return([]notify.Envelope{{ID: "env-1", State: notify.StateDead}}, nil)

		rec, _ := s.do(http.MethodGet, "/admin/dead-letters/notifications", "", true)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	s.T().Run("invalid limit", func(t *testing.T) {
		rec, _ := s.do(http.MethodGet, "/admin/dead-letters/jobs?limit=-3", "", true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestNewRouter_AdminDisabledWithoutToken(t *testing.T) {
	r := NewRouter(NewHealthHandler(nil), NewAdminHandler(nil, nil, nil, nil), RouterConfig{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/dead-letters/jobs", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
