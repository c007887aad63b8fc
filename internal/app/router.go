package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	audithttp "github.com/penbosso/IntLearn-sub000/internal/audit/http"
	"github.com/penbosso/IntLearn-sub000/internal/auth"
	"github.com/penbosso/IntLearn-sub000/internal/gamification"
	"github.com/penbosso/IntLearn-sub000/internal/ledger"
	"github.com/penbosso/IntLearn-sub000/internal/observability"
	"github.com/penbosso/IntLearn-sub000/internal/platform/httpx"
	"github.com/penbosso/IntLearn-sub000/internal/study"
	"github.com/penbosso/IntLearn-sub000/internal/users"
	"github.com/penbosso/IntLearn-sub000/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger              *slog.Logger
	Config              *Config
	Verifier            *auth.Verifier
	LedgerHandler       *ledger.Handler
	GamificationHandler *gamification.Handler
	StudyHandler        *study.Handler
	UsersHandler        *users.Handler
	AuditHandler        *audithttp.Handler
	JobHandler          *jobs.Handler
	Metrics             *observability.Metrics
}

// NewRouter constructs the chi.Router with IntLearn defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()
	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusMethodNotAllowed, "Method Not Allowed", r.Method+" not allowed")
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(params.Logger, params.Verifier))

		if params.LedgerHandler != nil {
			params.LedgerHandler.MountStream(r)
		}

		r.Group(func(r chi.Router) {
			for _, mw := range BoundedMiddleware(params.Config) {
				r.Use(mw)
			}
			if params.UsersHandler != nil {
				params.UsersHandler.MountRoutes(r)
			}
			if params.LedgerHandler != nil {
				params.LedgerHandler.MountRoutes(r)
			}
			if params.GamificationHandler != nil {
				params.GamificationHandler.MountRoutes(r)
			}
			if params.StudyHandler != nil {
				params.StudyHandler.MountRoutes(r)
			}
			if params.AuditHandler != nil {
				params.AuditHandler.MountRoutes(r)
			}
		})
	})
	return r
}
