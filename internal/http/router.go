package httpserver

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/patagon3d/renovation-back/internal/http/handlers"
	"github.com/patagon3d/renovation-back/internal/http/middleware"
	"github.com/rs/zerolog"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         zerolog.Logger
	AuthToken      string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewRouter builds the HTTP surface. ctx bounds background work owned by the
// middleware chain.
func NewRouter(ctx context.Context, deps RouterDependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimiddleware.RealIP,
		middleware.Trace(deps.Logger),
		chimiddleware.Recoverer,
		middleware.CORS(middleware.CORSConfig{AllowedOrigins: deps.CORSOrigins}),
		middleware.RateLimit(ctx, deps.RateLimitRPS, deps.RateLimitBurst),
		middleware.Auth(deps.AuthToken),
	)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, r, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	r.Get("/health", deps.API.Health)
	r.Post("/uploads", deps.API.Upload)
	r.Get("/blobs/*", deps.API.Blob)

	r.Route("/jobs/{category}", func(r chi.Router) {
		r.Post("/", deps.API.SubmitJob)
		r.Get("/", deps.API.ListJobs)
		r.Get("/{id}", deps.API.JobStatus)
	})

	return r
}
