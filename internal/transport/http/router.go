// Package httptransport exposes the ops HTTP surface: health, readiness,
// metrics and the admin endpoints.
package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"backcheck/internal/platform/middleware"
	"backcheck/pkg/platform/middleware/admin"
)

type RouterConfig struct {
	// AdminToken guards /admin. When empty the admin routes are not mounted.
	AdminToken string
	Gatherer   prometheus.Gatherer
	Logger     *zap.Logger
}

// NewRouter wires the ops endpoints. adminHandler may be nil.
func NewRouter(health *HealthHandler, adminHandler *AdminHandler, cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger, "/healthz", "/readyz", "/metrics"))

	health.Register(r)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	if adminHandler != nil && cfg.AdminToken != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(admin.RequireAdminToken(cfg.AdminToken, logger))
			adminHandler.Register(r)
		})
	}
	return r
}
