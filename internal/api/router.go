// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/causeway/internal/auth"
)

// NewRouter assembles the HTTP routes. Bearer authentication covers the
// /v1 surface except the upload PUT, whose signed URL is its own
// authorization. Health and metrics stay public for probes and scrapers.
func NewRouter(h *Handlers, mw *Middleware, verifier auth.TokenVerifier) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(RequestID())
	r.Use(RequestLogging())
	r.Use(chimiddleware.Recoverer)
	r.Use(SecurityHeaders())
	r.Use(mw.CORS())
	r.Use(mw.RateLimit())

	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Put("/uploads/{object}", h.ReceiveUpload)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(verifier))

			r.Post("/events", h.SubmitEvent)
			r.Post("/uploads/url", h.CreateUploadURL)

			r.Post("/analysis/run", h.RunAnalysis)
			r.Get("/analysis/jobs", h.ListJobs)
			r.Get("/analysis/{job_id}/status", h.JobStatus)
			r.Post("/analysis/{job_id}/cancel", h.CancelJob)

			r.Get("/models", h.ListModels)
		})
	})

	return r
}
