package stats

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"opdsrag/internal/middleware"
	"opdsrag/internal/vector"
	"opdsrag/internal/worker"
)

type IndexStats interface {
	ListDocuments(ctx context.Context) ([]vector.DocumentSummary, error)
	CountChunks(ctx context.Context) (int, error)
}

type JobRepo interface {
	Count(ctx context.Context) (int, error)
}

type RunnerStatus interface {
	Status() worker.RunnerStatus
}

type Handler struct {
	index   IndexStats
	jobRepo JobRepo
	runner  RunnerStatus
}

func NewHandler(idx IndexStats, j JobRepo, r RunnerStatus) *Handler {
	return &Handler{index: idx, jobRepo: j, runner: r}
}

type StatsResponse struct {
	IndexEnabled bool `json:"index_enabled"`
	Documents    int  `json:"documents"`
	Chunks       int  `json:"chunks"`
	FailedJobs   int  `json:"failed_jobs"`
	QueueSize    int  `json:"queue_size"`
	Running      bool `json:"running"`
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slog.InfoContext(ctx, "getting stats")

	jCount, err := h.jobRepo.Count(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count jobs", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count jobs", http.StatusInternalServerError)
		return
	}

	resp := StatsResponse{IndexEnabled: true, FailedJobs: jCount}

	docs, err := h.index.ListDocuments(ctx)
	switch {
	case errors.Is(err, vector.ErrIndexDisabled), errors.Is(err, vector.ErrIndexUnavailable):
		resp.IndexEnabled = false
	case err != nil:
		slog.ErrorContext(ctx, "failed to count documents", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count documents", http.StatusInternalServerError)
		return
	default:
		resp.Documents = len(docs)
		resp.Chunks, err = h.index.CountChunks(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "failed to count chunks", "error", err)
			h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count chunks", http.StatusInternalServerError)
			return
		}
	}

	if h.runner != nil {
		st := h.runner.Status()
		resp.QueueSize = st.QueueSize
		resp.Running = st.Running
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
