package settings

import (
	"context"
	"strings"

	"opdsrag/internal/text"
)

const (
	ProviderPrimary   = "primary"
	ProviderSecondary = "secondary"
)

// Settings is the reloadable RAG configuration stored in the settings table.
type Settings struct {
	ID                    int      `json:"-"`
	Enabled               bool     `json:"enabled"`
	AutoIngest            bool     `json:"auto_ingest"`
	EmbeddingProvider     string   `json:"embedding_provider"`
	EmbeddingModel        string   `json:"embedding_model"`
	EmbeddingBaseURL      string   `json:"embedding_base_url"`
	EmbeddingAPIKey       string   `json:"embedding_api_key"`
	ChunkSize             int      `json:"chunk_size"`
	ChunkOverlap          int      `json:"chunk_overlap"`
	CollectionName        string   `json:"collection_name"`
	DistanceMetric        string   `json:"distance_metric"`
	StoragePath           string   `json:"storage_path"`
	AllowedFormats        []string `json:"allowed_formats"`
	MaxAssetSizeMB        int      `json:"max_asset_size_mb"`
	EmbedBatchSize        int      `json:"embed_batch_size"`
	SkipFailedOnHashMatch bool     `json:"skip_failed_on_hash_match"`
}

type Repository interface {
	Get(ctx context.Context) (*Settings, error)
	Update(ctx context.Context, s *Settings) error
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Get loads the current settings and applies defaults and the overlap clamp.
func (s *Service) Get(ctx context.Context) (*Settings, error) {
	set, err := s.repo.Get(ctx)
	if err != nil {
		return nil, err
	}
	set.Normalize()
	return set, nil
}

func (s *Service) Update(ctx context.Context, set *Settings) error {
	set.Normalize()
	return s.repo.Update(ctx, set)
}

// Normalize fills defaults for unset fields and enforces chunk_overlap < chunk_size.
func (s *Settings) Normalize() {
	s.ChunkSize, s.ChunkOverlap = text.NormalizeWindow(s.ChunkSize, s.ChunkOverlap)

	s.EmbeddingProvider = strings.ToLower(strings.TrimSpace(s.EmbeddingProvider))
	if s.EmbeddingProvider != ProviderSecondary {
		s.EmbeddingProvider = ProviderPrimary
	}
	if s.CollectionName == "" {
		s.CollectionName = "opds_documents"
	}
	s.DistanceMetric = strings.ToLower(strings.TrimSpace(s.DistanceMetric))
	if s.DistanceMetric == "" {
		s.DistanceMetric = "cosine"
	}
	if s.StoragePath == "" {
		s.StoragePath = "data/rag"
	}
	if len(s.AllowedFormats) == 0 {
		s.AllowedFormats = []string{"epub", "pdf", "text"}
	}
	if s.MaxAssetSizeMB <= 0 {
		s.MaxAssetSizeMB = 50
	}
	if s.EmbedBatchSize <= 0 {
		s.EmbedBatchSize = 32
	}
}
