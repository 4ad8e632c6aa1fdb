package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"

	"github.com/prestabanco/backend/internal/api/handlers"
	mw "github.com/prestabanco/backend/internal/api/middleware"
	"github.com/prestabanco/backend/internal/api/types"
	"github.com/prestabanco/backend/internal/metrics"
	"github.com/prestabanco/backend/internal/security"
	appErr "github.com/prestabanco/backend/pkg/errors"
)

type Dependencies struct {
	Chain       *security.Chain
	Metrics     *metrics.Metrics
	RateLimiter *mw.RateLimiter
	Actuator    *handlers.ActuatorHandler
	// Application receives every request outside /actuator that the
	// security chain lets through. Nil answers 404.
	Application http.Handler
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()

	// Built-in middleware
	r.Use(mw.Tracing)
	r.Use(mw.RequestID)
	r.Use(mw.Recovery)
	r.Use(mw.Logging)
	if dep.Metrics != nil {
		r.Use(mw.Metrics(dep.Metrics))
	}
	if dep.RateLimiter != nil {
		r.Use(dep.RateLimiter.Handler)
	}
	r.Use(chimid.Compress(5))

	// Every route, actuator included, sits behind the security chain.
	r.Use(dep.Chain.Handler)

	r.NotFound(notFound)
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		types.WriteError(w, appErr.New(appErr.CodeMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed)))
	})

	r.Route("/actuator", func(ar chi.Router) {
		if dep.Actuator != nil {
			ar.Get("/health", dep.Actuator.Health)
			ar.Get("/health/liveness", dep.Actuator.Liveness)
			ar.Get("/health/readiness", dep.Actuator.Health)
			ar.Get("/info", dep.Actuator.Info)
		}
		if dep.Metrics != nil {
			ar.Get("/prometheus", dep.Metrics.Handler().ServeHTTP)
		}
	})

	if dep.Application != nil {
		r.Handle("/*", dep.Application)
	}

	return r
}

func notFound(w http.ResponseWriter, r *http.Request) {
	types.WriteError(w, appErr.New(appErr.CodeNotFound, "No handler for "+r.Method+" "+r.URL.Path))
}
