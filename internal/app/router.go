package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/cashdesk/internal/observability"
	"github.com/odyssey-erp/cashdesk/internal/platform/httpx"
	registerhttp "github.com/odyssey-erp/cashdesk/internal/register/http"
	"github.com/odyssey-erp/cashdesk/jobs"
)

// HealthCheck reports whether a backing dependency is reachable.
type HealthCheck func(r *http.Request) error

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	Messages        *httpx.Localizer
	RegisterHandler *registerhttp.Handler
	JobHandler      *jobs.Handler
	Metrics         *observability.Metrics
	Health          map[string]HealthCheck
}

// NewRouter constructs the chi.Router with cash desk defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
		Errors:  httpx.NewErrorMapper(params.Messages, params.Logger),
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		checks := make(map[string]string, len(params.Health))
		status := http.StatusOK
		for name, check := range params.Health {
			if err := check(r); err != nil {
				checks[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}
		state := "ok"
		if status != http.StatusOK {
			state = "degraded"
		}
		httpx.JSON(w, status, map[string]any{"status": state, "checks": checks})
	})

	if params.RegisterHandler != nil {
		params.RegisterHandler.MountRoutes(r)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
