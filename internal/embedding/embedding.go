package embedding

import (
	"context"
	"errors"
	"fmt"
)

// Provider converts text into fixed-length vectors. Implementations never
// substitute zero vectors: a failed item fails the whole call.
type Provider interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// ErrConfig marks missing or invalid provider settings.
var ErrConfig = errors.New("embedding configuration error")

// ErrAuth is returned by key-authenticated providers when no key is configured.
var ErrAuth = fmt.Errorf("%w: api key not configured", ErrConfig)

// ProviderError reports a backend failure, including partial batch failures.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s embedding failed: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Batched splits texts into slices of at most size items and embeds them in
// order with p.EmbedBatch.
func Batched(ctx context.Context, p Provider, texts []string, size int) ([][]float32, error) {
	if size <= 0 {
		size = len(texts)
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		vecs, err := p.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		if len(vecs) != end-start {
			return nil, &ProviderError{Provider: "batch", Err: fmt.Errorf("expected %d vectors, got %d", end-start, len(vecs))}
		}
		out = append(out, vecs...)
	}
	return out, nil
}
