package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrJamesThe3rd/finsync/internal/http/jobs"
	"github.com/MrJamesThe3rd/finsync/internal/http/webhook"
)

func New(
	webhooks *webhook.Handler,
	jobsV1 *jobs.Handler,
	jobSecret string,
	metrics http.Handler,
) http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if metrics != nil {
		router.Method(http.MethodGet, "/metrics", metrics)
	}

	router.Route("/webhooks/aggregator", webhooks.Routes)

	router.Route("/internal/jobs", func(r chi.Router) {
		r.Use(jobs.RequireSecret(jobSecret))
		jobsV1.Routes(r)
	})

	return router
}
