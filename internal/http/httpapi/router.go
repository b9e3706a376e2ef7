package httpapi

import (
	stdhttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/sceneforge/sceneforge/internal/http/handlers"
	"github.com/sceneforge/sceneforge/internal/middleware"
)

// Options tunes the router's middleware stack.
type Options struct {
	Logger          zerolog.Logger
	AllowedOrigins  []string
	RateLimitPerMin int
}

// NewRouter builds the HTTP API.
func NewRouter(app *handlers.App, opts Options) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP, chimw.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(opts.Logger))
	if len(opts.AllowedOrigins) > 0 {
		r.Use(middleware.CORS(opts.AllowedOrigins))
	}

	r.Get("/v1/healthz", app.Health)

	r.Route("/v1/jobs", func(r chi.Router) {
		if opts.RateLimitPerMin > 0 {
			r.With(middleware.RateLimit(opts.RateLimitPerMin, time.Minute)).
				Post("/", app.JobsCreate)
		} else {
			r.Post("/", app.JobsCreate)
		}
		r.Get("/", app.JobsHistory)
		r.Get("/{job_id}", app.JobStatus)
		r.Get("/{job_id}/stream", app.JobStream)
		r.Post("/{job_id}/cancel", app.JobCancel)
	})

	r.Route("/v1/quota", func(r chi.Router) {
		r.Get("/allocations", app.QuotaAllocations)
		r.Put("/allocations", app.QuotaSetAllocations)
		r.Get("/usage", app.QuotaUsage)
	})

	return r
}
