// Package api provides the HTTP API handlers and routing for the jobs service.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"trainjobs/internal/apperrors"
	"trainjobs/internal/health"
	"trainjobs/internal/history"
	"trainjobs/internal/job"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Service is the orchestrator surface the API depends on.
type Service interface {
	Submit(ctx context.Context, spec job.Spec) (*job.Response, error)
	GetStatus(ctx context.Context, key string) (*job.Status, error)
	GetHistory(ctx context.Context, key string) ([]history.Entry, error)
	Cancel(ctx context.Context, key string) error
}

// Handler contains HTTP handlers for the jobs API
type Handler struct {
	svc    Service
	health *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(svc Service, healthChecker *health.Checker) *Handler {
	return &Handler{
		svc:    svc,
		health: healthChecker,
	}
}

// SubmitJob handles POST /v1/jobs
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var spec job.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.svc.Submit(r.Context(), spec)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, resp)
}

// GetJob handles GET /v1/jobs/{key}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		h.writeError(w, http.StatusBadRequest, "Job key is required")
		return
	}

	status, err := h.svc.GetStatus(r.Context(), key)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, status)
}

// GetJobHistory handles GET /v1/jobs/{key}/history
func (h *Handler) GetJobHistory(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		h.writeError(w, http.StatusBadRequest, "Job key is required")
		return
	}

	entries, err := h.svc.GetHistory(r.Context(), key)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"key": key, "events": entries})
}

// CancelJob handles DELETE /v1/jobs/{key}. Cancellation is async:
// 202 means the request was recorded, not that the worker stopped.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		h.writeError(w, http.StatusBadRequest, "Job key is required")
		return
	}

	if err := h.svc.Cancel(r.Context(), key); err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{"key": key, "status": "cancelling"})
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept jobs.
// Returns 503 if the executor backend is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from the orchestrator with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
