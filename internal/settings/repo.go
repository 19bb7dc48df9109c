package settings

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const selectSettings = `SELECT id, enabled, auto_ingest, embedding_provider, embedding_model, embedding_base_url, embedding_api_key, chunk_size, chunk_overlap, collection_name, distance_metric, storage_path, allowed_formats, max_asset_size_mb, embed_batch_size, skip_failed_on_hash_match FROM settings WHERE id = 1`

func (r *PostgresRepo) Get(ctx context.Context) (*Settings, error) {
	s := &Settings{}
	err := r.db.QueryRowContext(ctx, selectSettings).Scan(
		&s.ID, &s.Enabled, &s.AutoIngest, &s.EmbeddingProvider, &s.EmbeddingModel, &s.EmbeddingBaseURL,
		&s.EmbeddingAPIKey, &s.ChunkSize, &s.ChunkOverlap, &s.CollectionName, &s.DistanceMetric,
		&s.StoragePath, pq.Array(&s.AllowedFormats), &s.MaxAssetSizeMB, &s.EmbedBatchSize, &s.SkipFailedOnHashMatch,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *PostgresRepo) Update(ctx context.Context, s *Settings) error {
	query := `
		UPDATE settings
		SET enabled = $1, auto_ingest = $2, embedding_provider = $3, embedding_model = $4, embedding_base_url = $5, embedding_api_key = $6, chunk_size = $7, chunk_overlap = $8, collection_name = $9, distance_metric = $10, storage_path = $11, allowed_formats = $12, max_asset_size_mb = $13, embed_batch_size = $14, skip_failed_on_hash_match = $15, updated_at = NOW()
		WHERE id = 1
	`
	_, err := r.db.ExecContext(ctx, query,
		s.Enabled, s.AutoIngest, s.EmbeddingProvider, s.EmbeddingModel, s.EmbeddingBaseURL, s.EmbeddingAPIKey,
		s.ChunkSize, s.ChunkOverlap, s.CollectionName, s.DistanceMetric, s.StoragePath,
		pq.Array(s.AllowedFormats), s.MaxAssetSizeMB, s.EmbedBatchSize, s.SkipFailedOnHashMatch,
	)
	return err
}
