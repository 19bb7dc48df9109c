package settings

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"opdsrag/internal/middleware"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// settingsView hides the stored API key.
type settingsView struct {
	*Settings
	APIKeySet bool `json:"embedding_api_key_set"`
}

func newView(s *Settings) settingsView {
	masked := *s
	masked.EmbeddingAPIKey = ""
	return settingsView{Settings: &masked, APIKeySet: s.EmbeddingAPIKey != ""}
}

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Get(r.Context())
	if err != nil {
		h.writeError(r.Context(), w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeData(r.Context(), w, newView(s))
}

// UpdateSettings replaces the settings row. An empty embedding_api_key keeps
// the stored key.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var s Settings
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}

	if s.EmbeddingAPIKey == "" {
		current, err := h.svc.Get(ctx)
		if err != nil {
			h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
			return
		}
		s.EmbeddingAPIKey = current.EmbeddingAPIKey
	}

	if err := h.svc.Update(ctx, &s); err != nil {
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}
	slog.InfoContext(ctx, "settings updated", "collection", s.CollectionName, "provider", s.EmbeddingProvider, "enabled", s.Enabled)
	h.writeData(ctx, w, newView(&s))
}

func (h *Handler) writeData(ctx context.Context, w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
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
		slog.ErrorContext(ctx, "failed to encode error response", "error", err)
	}
}
