// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/tomtom215/causeway/internal/auth"
	"github.com/tomtom215/causeway/internal/database"
	"github.com/tomtom215/causeway/internal/events"
	"github.com/tomtom215/causeway/internal/ingest"
	"github.com/tomtom215/causeway/internal/jobs"
	"github.com/tomtom215/causeway/internal/logging"
	"github.com/tomtom215/causeway/internal/model"
	"github.com/tomtom215/causeway/internal/validation"
)

// EventGateway accepts events into the intake pipeline.
type EventGateway interface {
	SubmitEvent(ctx context.Context, caller string, event *events.Event) (*events.Event, error)
}

// UploadService issues signed upload URLs and receives upload bodies.
type UploadService interface {
	CreateUploadURL() (*ingest.SignedUpload, error)
	VerifyUploadURL(object, expires, signature string) error
	ReceiveUpload(ctx context.Context, principal, object string, body io.Reader) (*ingest.CompletedUpload, error)
}

// JobService is the analysis job control plane.
type JobService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*jobs.Job, error)
	Get(ctx context.Context, jobID string) (*jobs.Job, error)
	List(ctx context.Context, filter jobs.Filter) ([]*jobs.Job, error)
	Cancel(ctx context.Context, jobID string) (*jobs.Job, error)
}

// ResultStore reads persisted analysis results.
type ResultStore interface {
	GetResult(ctx context.Context, jobID string) (*database.Result, error)
}

// ModelCatalog lists the registered analysis models.
type ModelCatalog interface {
	List() []model.Info
}

// HealthChecker reports store liveness for the health endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Handlers holds the HTTP handlers and their dependencies.
type Handlers struct {
	gateway         EventGateway
	uploads         UploadService
	jobs            JobService
	results         ResultStore
	catalog         ModelCatalog
	health          HealthChecker
	maxPayloadBytes int64
}

// NewHandlers creates the handler set.
func NewHandlers(gateway EventGateway, uploads UploadService, jobSvc JobService, results ResultStore, catalog ModelCatalog, health HealthChecker, maxPayloadBytes int64) *Handlers {
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = 1 << 20
	}
	return &Handlers{
		gateway:         gateway,
		uploads:         uploads,
		jobs:            jobSvc,
		results:         results,
		catalog:         catalog,
		health:          health,
		maxPayloadBytes: maxPayloadBytes,
	}
}

// caller resolves the authenticated principal name.
func caller(r *http.Request) string {
	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		return p.Name
	}
	return "anonymous"
}

// SubmitEvent handles POST /v1/events. Accepted events are published for
// asynchronous persistence, so success is 202, not 201.
func (h *Handlers) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var event events.Event
	body := http.MaxBytesReader(w, r.Body, h.maxPayloadBytes)
	if err := json.NewDecoder(body).Decode(&event); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			rw.PayloadTooLarge("Event payload too large")
			return
		}
		rw.BadRequest("Invalid JSON body")
		return
	}
	event.Source = events.SourceAPI

	accepted, err := h.gateway.SubmitEvent(r.Context(), caller(r), &event)
	if err != nil {
		var verr *events.ValidationError
		if errors.As(err, &verr) {
			rw.ValidationError(verr.Error(), map[string]interface{}{"field": verr.Field})
			return
		}
		logging.Ctx(r.Context()).Error().Err(err).Msg("Event intake publish failed")
		rw.ServiceUnavailable("Event intake is temporarily unavailable")
		return
	}

	rw.Accepted(map[string]interface{}{
		"accepted": true,
		"event_id": accepted.IdempotencyKey,
	})
}

// CreateUploadURL handles POST /v1/uploads/url.
func (h *Handlers) CreateUploadURL(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	upload, err := h.uploads.CreateUploadURL()
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("Upload URL issuance failed")
		rw.InternalError("Could not issue upload URL")
		return
	}
	rw.Created(upload)
}

// ReceiveUpload handles PUT /v1/uploads/{object}. The signed URL is the
// authorization: the route is outside the bearer-token group.
func (h *Handlers) ReceiveUpload(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	object := chi.URLParam(r, "object")

	q := r.URL.Query()
	if err := h.uploads.VerifyUploadURL(object, q.Get("expires"), q.Get("signature")); err != nil {
		switch {
		case errors.Is(err, ingest.ErrUploadExpired):
			rw.Forbidden("Upload URL expired")
		case errors.Is(err, ingest.ErrUploadObjectInvalid):
			rw.BadRequest("Invalid upload object name")
		default:
			rw.Forbidden("Upload signature invalid")
		}
		return
	}

	completed, err := h.uploads.ReceiveUpload(r.Context(), q.Get("principal"), object, r.Body)
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrUploadTooLarge):
			rw.PayloadTooLarge("Upload exceeds size limit")
		default:
			logging.Ctx(r.Context()).Error().Err(err).Str("object", object).Msg("Upload receive failed")
			rw.ServiceUnavailable("Upload could not be completed")
		}
		return
	}
	rw.Success(completed)
}

// runRequest is the POST /v1/analysis/run body.
type runRequest struct {
	ModelName string          `json:"model_name" validate:"required,min=1,max=128"`
	Params    json.RawMessage `json:"params"`
	Priority  int             `json:"priority" validate:"min=0,max=9"`
}

// RunAnalysis handles POST /v1/analysis/run.
func (h *Handlers) RunAnalysis(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req runRequest
	body := http.MaxBytesReader(w, r.Body, h.maxPayloadBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		rw.BadRequest("Invalid JSON body")
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		apiErr := verr.ToAPIError()
		rw.ValidationError(apiErr.Message, apiErr.Details)
		return
	}

	job, err := h.jobs.Submit(r.Context(), jobs.SubmitRequest{
		Principal: caller(r),
		ModelName: req.ModelName,
		Params:    req.Params,
		Priority:  req.Priority,
	})
	if err != nil {
		switch {
		case errors.Is(err, model.ErrUnknownModel):
			rw.BadRequest("Unknown model: " + req.ModelName)
		case errors.Is(err, model.ErrInvalidParams):
			rw.ValidationError(err.Error(), nil)
		default:
			logging.Ctx(r.Context()).Error().Err(err).Msg("Job submission failed")
			rw.ServiceUnavailable("Job submission is temporarily unavailable")
		}
		return
	}

	rw.Accepted(job)
}

// jobStatusResponse is a job with its result document attached once
// available.
type jobStatusResponse struct {
	*jobs.Job
	Result *database.Result `json:"result,omitempty"`
}

// JobStatus handles GET /v1/analysis/{job_id}/status.
func (h *Handlers) JobStatus(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	jobID := chi.URLParam(r, "job_id")

	job, err := h.jobs.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			rw.NotFound("Job not found")
			return
		}
		rw.DatabaseError(err)
		return
	}

	resp := jobStatusResponse{Job: job}
	if job.Status == jobs.StatusSucceeded {
		result, err := h.results.GetResult(r.Context(), jobID)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			rw.DatabaseError(err)
			return
		}
		resp.Result = result
	}

	rw.Success(resp)
}

// ListJobs handles GET /v1/analysis/jobs.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	filter := jobs.Filter{Principal: r.URL.Query().Get("principal")}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = jobs.Status(status)
		if !filter.Status.Valid() {
			rw.BadRequest("Unknown status: " + status)
			return
		}
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			rw.BadRequest("Invalid limit")
			return
		}
		filter.Limit = n
	}

	out, err := h.jobs.List(r.Context(), filter)
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	if out == nil {
		out = []*jobs.Job{}
	}
	rw.Success(map[string]interface{}{
		"jobs":  out,
		"count": len(out),
	})
}

// CancelJob handles POST /v1/analysis/{job_id}/cancel.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	jobID := chi.URLParam(r, "job_id")

	job, err := h.jobs.Cancel(r.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrCannotCancel):
			rw.Conflict("Job is no longer queued")
		case errors.Is(err, database.ErrNotFound):
			rw.NotFound("Job not found")
		default:
			rw.DatabaseError(err)
		}
		return
	}
	rw.Success(job)
}

// ListModels handles GET /v1/models.
func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]interface{}{
		"models": h.catalog.List(),
	})
}

// Health handles GET /healthz. The payload names the registered models
// so operators can confirm a deployment carries the plugins they expect.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if err := h.health.Ping(r.Context()); err != nil {
		rw.ServiceUnavailable("Store unavailable")
		return
	}

	models := make([]string, 0, 4)
	for _, info := range h.catalog.List() {
		models = append(models, info.Name)
	}
	rw.Success(map[string]interface{}{
		"status": "ok",
		"models": models,
	})
}
