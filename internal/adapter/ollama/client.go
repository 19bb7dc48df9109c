package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"opdsrag/internal/embedding"
	"opdsrag/internal/settings"
)

const (
	DefaultBaseURL = "http://localhost:11434"
	DefaultModel   = "nomic-embed-text"
	providerName   = "secondary"
)

// Client is the local-endpoint backend. The endpoint embeds one prompt per
// request, so a batch is a sequence of calls that fails as a whole.
type Client struct {
	settingsSvc *settings.Service
	client      *http.Client
}

var _ embedding.Provider = (*Client)(nil)

func NewClient(svc *settings.Service, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		settingsSvc: svc,
		client:      &http.Client{Timeout: timeout},
	}
}

func (c *Client) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	baseURL, model, err := c.target(ctx)
	if err != nil {
		return nil, err
	}
	return c.embed(ctx, baseURL, model, text)
}

func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	baseURL, model, err := c.target(ctx)
	if err != nil {
		return nil, err
	}

	out := make([][]float32, 0, len(texts))
	for i, t := range texts {
		vec, err := c.embed(ctx, baseURL, model, t)
		if err != nil {
			var perr *embedding.ProviderError
			if errors.As(err, &perr) {
				perr.Err = fmt.Errorf("item %d: %w", i, perr.Err)
			}
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

func (c *Client) target(ctx context.Context) (string, string, error) {
	s, err := c.settingsSvc.Get(ctx)
	if err != nil {
		return "", "", fmt.Errorf("%w: failed to get settings: %v", embedding.ErrConfig, err)
	}
	baseURL := strings.TrimRight(s.EmbeddingBaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := s.EmbeddingModel
	if model == "" {
		model = DefaultModel
	}
	return baseURL, model, nil
}

func (c *Client) embed(ctx context.Context, baseURL, model, text string) ([]float32, error) {
	reqBody := map[string]interface{}{
		"model":  model,
		"prompt": text,
	}

	jsonBody, _ := json.Marshal(reqBody)
	req, err := http.NewRequestWithContext(ctx, "POST", baseURL+"/api/embeddings", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, &embedding.ProviderError{Provider: providerName, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &embedding.ProviderError{Provider: providerName, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &embedding.ProviderError{
			Provider: providerName,
			Err:      fmt.Errorf("api error: %d %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var result struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &embedding.ProviderError{Provider: providerName, Err: err}
	}
	if len(result.Embedding) == 0 {
		return nil, &embedding.ProviderError{Provider: providerName, Err: errors.New("empty embedding received")}
	}
	return result.Embedding, nil
}
