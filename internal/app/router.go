package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/nimbus-cp/nimbus/internal/admin"
	"github.com/nimbus-cp/nimbus/internal/audit"
	"github.com/nimbus-cp/nimbus/internal/auth"
	"github.com/nimbus-cp/nimbus/internal/edge"
	"github.com/nimbus-cp/nimbus/internal/observability"
	"github.com/nimbus-cp/nimbus/internal/projects"
	"github.com/nimbus-cp/nimbus/internal/shared"
	"github.com/nimbus-cp/nimbus/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	Edge            *edge.Middleware
	SessionManager  *shared.SessionManager
	CSRFManager     *shared.CSRFManager
	Authenticator   *auth.Authenticator
	AuditMiddleware *audit.Middleware
	AuthHandler     *auth.Handler
	AdminHandler    *admin.Handler
	ProjectsHandler *projects.Handler
	JobHandler      *jobs.Handler
	Metrics         *observability.Metrics
	Pool            *pgxpool.Pool
	Redis           *redis.Client
}

// NewRouter constructs the chi.Router with the full middleware chain.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		Edge:           params.Edge,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		Authenticator:  params.Authenticator,
		Audit:          params.AuditMiddleware,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if params.Pool != nil {
			if err := params.Pool.Ping(ctx); err != nil {
				params.Logger.Warn("readiness: postgres unreachable", slog.Any("error", err))
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
				return
			}
		}
		if params.Redis != nil {
			if err := params.Redis.Ping(ctx).Err(); err != nil {
				params.Logger.Warn("readiness: redis unreachable", slog.Any("error", err))
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	r.Route("/auth", params.AuthHandler.MountRoutes)

	r.Route("/api/admin", params.AdminHandler.MountRoutes)

	if params.ProjectsHandler != nil {
		r.Route("/api/v1/projects", params.ProjectsHandler.MountRoutes)
	}

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
