// Package httpapi wires the REST routes onto a chi router.
package httpapi

import (
	stdhttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"signforge/internal/http/handlers"
	"signforge/internal/middleware"
)

type Options struct {
	Logger          zerolog.Logger
	RateLimitPerMin int
	CORSOrigins     []string
}

func NewRouter(app *handlers.App, opts Options) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.CORSOrigins),
	)

	r.Route("/generate", func(r chi.Router) {
		// Submission is rate limited per client IP; polling is not.
		r.With(middleware.RateLimit(opts.RateLimitPerMin, time.Minute)).
			Post("/", app.Generate)
		r.Get("/{id}", app.Status)
		r.Get("/{id}/result", app.Result)
		r.Get("/{id}/image", app.Image)
		r.Delete("/{id}", app.Cancel)
	})

	r.Route("/adapters", func(r chi.Router) {
		r.Get("/", app.Adapters)
		r.Get("/{domain}", app.AdaptersByDomain)
		r.Post("/suggest", app.SuggestAdapters)
		r.Post("/rescan", app.RescanAdapters)
	})

	r.Get("/queue", app.Queue)
	r.Get("/health", app.Health)
	r.Get("/health/ready", app.Ready)
	r.Get("/health/live", app.Live)
	r.Handle("/metrics", promhttp.Handler())

	r.With(middleware.RateLimit(opts.RateLimitPerMin, time.Minute)).
		Post("/chat", app.Chat)

	r.Get("/runs/{session}/images/{file}", app.RunImage)
	r.Get("/jobs/recent", app.RecentJobs)

	return r
}
