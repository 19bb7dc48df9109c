package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"opdsrag/internal/middleware"
)

// Handler serves the failed-job list and manual retries.
type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobs, err := h.service.List(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list failed jobs", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []Job{}
	}

	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{
		"data": jobs,
		"meta": map[string]int{"count": len(jobs)},
	})
}

// Retry re-enqueues the stored payload with force set and drops the record.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	err := h.service.Retry(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		h.writeError(ctx, w, "NOT_FOUND", "Job not found", http.StatusNotFound)
		return
	case errors.Is(err, ErrRetryTimeout):
		slog.WarnContext(ctx, "job retry timed out", "id", id, "error", err)
		h.writeError(ctx, w, "TIMEOUT", err.Error(), http.StatusGatewayTimeout)
		return
	default:
		slog.ErrorContext(ctx, "failed to retry job", "id", id, "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{
		"data": map[string]string{"id": id, "status": "requeued"},
	})
}

func (h *Handler) writeJSON(ctx context.Context, w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	h.writeJSON(ctx, w, status, map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	})
}
