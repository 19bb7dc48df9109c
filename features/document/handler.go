package document

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"opdsrag/internal/embedding"
	"opdsrag/internal/middleware"
	"opdsrag/internal/retrieval"
	"opdsrag/internal/status"
	"opdsrag/internal/vector"
	"opdsrag/internal/worker"
)

type Runner interface {
	Enqueue(ctx context.Context, j worker.EmbeddingJob) (bool, error)
	Status() worker.RunnerStatus
}

type Index interface {
	ListDocuments(ctx context.Context) ([]vector.DocumentSummary, error)
	Delete(ctx context.Context, documentID string) error
}

type StatusReader interface {
	Get(ctx context.Context, documentID string) (*status.Record, error)
}

type Searcher interface {
	Search(ctx context.Context, query string, opts *retrieval.SearchOptions) ([]retrieval.SearchResult, error)
}

// Handler serves the /rag endpoints: job intake, runner state, the
// document index and semantic queries.
type Handler struct {
	runner   Runner
	index    Index
	status   StatusReader
	searcher Searcher
}

func NewHandler(r Runner, idx Index, st StatusReader, s Searcher) *Handler {
	return &Handler{runner: r, index: idx, status: st, searcher: s}
}

func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var j worker.EmbeddingJob
	if err := json.NewDecoder(r.Body).Decode(&j); err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}

	accepted, err := h.runner.Enqueue(r.Context(), j)
	if err != nil {
		if errors.Is(err, worker.ErrEmptyDocumentID) {
			h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
			return
		}
		if errors.Is(err, worker.ErrRunnerStopped) {
			h.writeError(r.Context(), w, "RUNNER_STOPPED", err.Error(), http.StatusServiceUnavailable)
			return
		}
		slog.ErrorContext(r.Context(), "enqueue failed", "document_id", j.DocumentID, "error", err)
		h.writeError(r.Context(), w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	h.writeData(r.Context(), w, http.StatusAccepted, map[string]interface{}{
		"accepted":    accepted,
		"document_id": j.DocumentID,
	})
}

func (h *Handler) RunnerStatus(w http.ResponseWriter, r *http.Request) {
	h.writeData(r.Context(), w, http.StatusOK, h.runner.Status())
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	docs, err := h.index.ListDocuments(r.Context())
	if err != nil {
		h.writeIndexError(r.Context(), w, err)
		return
	}
	if docs == nil {
		docs = []vector.DocumentSummary{}
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": docs,
		"meta": map[string]int{"count": len(docs)},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode response", "error", err)
	}
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := h.status.Get(r.Context(), id)
	if err != nil {
		h.writeError(r.Context(), w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeData(r.Context(), w, http.StatusOK, rec)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.index.Delete(r.Context(), id); err != nil {
		h.writeIndexError(r.Context(), w, err)
		return
	}
	slog.InfoContext(r.Context(), "document removed from index", "document_id", id)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query  string            `json:"query"`
		TopK   int               `json:"top_k"`
		Filter map[string]string `json:"filter"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	if req.TopK < 0 {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "top_k must not be negative", http.StatusBadRequest)
		return
	}

	results, err := h.searcher.Search(r.Context(), req.Query, &retrieval.SearchOptions{TopK: req.TopK, Filter: req.Filter})
	if err != nil {
		h.writeIndexError(r.Context(), w, err)
		return
	}
	h.writeData(r.Context(), w, http.StatusOK, results)
}

func (h *Handler) writeIndexError(ctx context.Context, w http.ResponseWriter, err error) {
	var pe *embedding.ProviderError
	switch {
	case errors.Is(err, retrieval.ErrEmptyQuery):
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
	case errors.Is(err, vector.ErrIndexDisabled):
		h.writeError(ctx, w, "INDEX_DISABLED", err.Error(), http.StatusConflict)
	case errors.Is(err, vector.ErrIndexUnavailable):
		h.writeError(ctx, w, "INDEX_UNAVAILABLE", err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, embedding.ErrConfig):
		h.writeError(ctx, w, "EMBEDDING_NOT_CONFIGURED", err.Error(), http.StatusServiceUnavailable)
	case errors.As(err, &pe):
		h.writeError(ctx, w, "EMBEDDING_FAILED", err.Error(), http.StatusBadGateway)
	default:
		slog.ErrorContext(ctx, "index operation failed", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) writeData(ctx context.Context, w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
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
