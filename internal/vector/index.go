package vector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"opdsrag/internal/embedding"
	"opdsrag/internal/settings"
	"opdsrag/internal/text"
)

const DefaultTopK = 5

type SettingsProvider interface {
	Get(ctx context.Context) (*settings.Settings, error)
}

// Index is the document-keyed view over a Store. Every operation re-reads
// settings, so collection, metric and the enabled flag follow updates.
type Index struct {
	settings SettingsProvider
	store    Store
	embedder embedding.Provider
}

func NewIndex(settings SettingsProvider, store Store, embedder embedding.Provider) *Index {
	return &Index{settings: settings, store: store, embedder: embedder}
}

func (x *Index) collection(ctx context.Context) (Collection, *settings.Settings, error) {
	s, err := x.settings.Get(ctx)
	if err != nil {
		return Collection{}, nil, fmt.Errorf("failed to load settings: %w", err)
	}
	if !s.Enabled {
		return Collection{}, nil, ErrIndexDisabled
	}
	if x.store == nil || x.embedder == nil {
		return Collection{}, nil, ErrIndexUnavailable
	}
	return Collection{
		Name:     s.CollectionName,
		Distance: NormalizeMetric(s.DistanceMetric),
		Path:     s.StoragePath,
	}, s, nil
}

// Upsert replaces all entries of documentID with one entry per chunk.
// Embeddings are computed before anything is deleted, so a provider failure
// leaves the previous entries in place.
func (x *Index) Upsert(ctx context.Context, documentID string, chunks []text.Chunk, metadata map[string]interface{}) (int, error) {
	if documentID == "" {
		return 0, errors.New("document id is required")
	}
	col, s, err := x.collection(ctx)
	if err != nil {
		return 0, err
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	var vecs [][]float32
	if len(texts) > 0 {
		vecs, err = embedding.Batched(ctx, x.embedder, texts, s.EmbedBatchSize)
		if err != nil {
			return 0, err
		}
	}

	removed, err := x.store.DeleteByDocument(ctx, col, documentID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete previous entries: %w", err)
	}
	if removed > 0 {
		slog.DebugContext(ctx, "removed previous chunks", "document_id", documentID, "count", removed)
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	title, _ := metadata["title"].(string)
	entries := make([]Entry, len(chunks))
	for i, c := range chunks {
		meta := make(map[string]interface{}, len(metadata)+2)
		for k, v := range metadata {
			meta[k] = v
		}
		meta["document_id"] = documentID
		meta["chunk_index"] = c.Index

		entries[i] = Entry{
			ID:         ChunkID(documentID, c.Index),
			DocumentID: documentID,
			ChunkIndex: c.Index,
			Title:      title,
			Text:       c.Text,
			Vector:     vecs[i],
			Metadata:   meta,
		}
	}

	if err := x.store.Insert(ctx, col, entries); err != nil {
		return 0, fmt.Errorf("failed to insert chunks: %w", err)
	}
	return len(entries), nil
}

func (x *Index) Delete(ctx context.Context, documentID string) error {
	col, _, err := x.collection(ctx)
	if err != nil {
		return err
	}
	if _, err := x.store.DeleteByDocument(ctx, col, documentID); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", documentID, err)
	}
	return nil
}

func (x *Index) Query(ctx context.Context, query string, topK int, filter map[string]string) ([]Match, error) {
	col, _, err := x.collection(ctx)
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	vec, err := x.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, err
	}
	return x.store.Search(ctx, col, vec, topK, filter)
}

func (x *Index) ListDocuments(ctx context.Context) ([]DocumentSummary, error) {
	col, _, err := x.collection(ctx)
	if err != nil {
		return nil, err
	}
	return x.store.ListDocuments(ctx, col)
}

func (x *Index) CountChunks(ctx context.Context) (int, error) {
	col, _, err := x.collection(ctx)
	if err != nil {
		return 0, err
	}
	return x.store.CountChunks(ctx, col)
}
