package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"opdsrag/internal/embedding"
	"opdsrag/internal/settings"
)

const (
	DefaultModel = "gemini-embedding-001"
	providerName = "primary"
)

// Embedder is the key-authenticated batch backend. Key, model and endpoint
// are read from settings on every call so changes apply without a restart.
type Embedder struct {
	settingsSvc *settings.Service
	client      *genai.Client
	clientKey   string
	mu          sync.RWMutex
	clientOpts  []option.ClientOption
}

var _ embedding.Provider = (*Embedder)(nil)

func NewEmbedder(svc *settings.Service, opts ...option.ClientOption) *Embedder {
	return &Embedder{
		settingsSvc: svc,
		clientOpts:  opts,
	}
}

func (e *Embedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch sends all texts in a single batchEmbedContents request.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	s, err := e.settingsSvc.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get settings: %v", embedding.ErrConfig, err)
	}
	if s.EmbeddingAPIKey == "" {
		return nil, embedding.ErrAuth
	}

	client, err := e.getClient(ctx, s.EmbeddingAPIKey, s.EmbeddingBaseURL)
	if err != nil {
		return nil, &embedding.ProviderError{Provider: providerName, Err: err}
	}

	modelName := s.EmbeddingModel
	if modelName == "" {
		modelName = DefaultModel
	}
	model := client.EmbeddingModel(modelName)

	batch := model.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}

	slog.DebugContext(ctx, "embedding batch", "model", modelName, "count", len(texts))
	res, err := model.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, &embedding.ProviderError{Provider: providerName, Err: err}
	}
	if len(res.Embeddings) != len(texts) {
		return nil, &embedding.ProviderError{Provider: providerName, Err: fmt.Errorf("requested %d embeddings, received %d", len(texts), len(res.Embeddings))}
	}

	out := make([][]float32, len(texts))
	for i, emb := range res.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, &embedding.ProviderError{Provider: providerName, Err: errors.New("empty embedding received")}
		}
		out[i] = emb.Values
	}
	return out, nil
}

func (e *Embedder) getClient(ctx context.Context, key, endpoint string) (*genai.Client, error) {
	cacheKey := key + "|" + endpoint

	e.mu.RLock()
	if e.client != nil && e.clientKey == cacheKey {
		defer e.mu.RUnlock()
		return e.client, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double check
	if e.client != nil && e.clientKey == cacheKey {
		return e.client, nil
	}

	if e.client != nil {
		if err := e.client.Close(); err != nil {
			slog.Warn("failed to close previous genai client", "error", err)
		}
	}

	opts := append([]option.ClientOption{}, e.clientOpts...)
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	opts = append(opts, option.WithAPIKey(key))
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}

	e.client = client
	e.clientKey = cacheKey
	return client, nil
}

func (e *Embedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	e.clientKey = ""
	return err
}
