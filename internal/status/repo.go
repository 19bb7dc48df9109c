package status

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type PostgresRepo struct {
	db *sql.DB
}

var _ Tracker = (*PostgresRepo)(nil)

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Get(ctx context.Context, documentID string) (*Record, error) {
	rec := &Record{DocumentID: documentID}
	var (
		errMsg, sourceURL, sourceFormat, hash sql.NullString
		ingestedAt, updatedAt                 sql.NullTime
		chunkCount                            sql.NullInt64
	)
	query := `SELECT status, error, ingested_at, chunk_count, source_url, source_format, content_hash, updated_at FROM rag_ingestion_status WHERE document_id = $1`
	err := r.db.QueryRowContext(ctx, query, documentID).Scan(
		&rec.Status, &errMsg, &ingestedAt, &chunkCount, &sourceURL, &sourceFormat, &hash, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		rec.Status = StatusNone
		return rec, nil
	}
	if err != nil {
		return nil, err
	}

	rec.Error = errMsg.String
	rec.SourceURL = sourceURL.String
	rec.SourceFormat = sourceFormat.String
	rec.ContentHash = hash.String
	if ingestedAt.Valid {
		rec.IngestedAt = &ingestedAt.Time
	}
	if updatedAt.Valid {
		rec.UpdatedAt = &updatedAt.Time
	}
	if chunkCount.Valid {
		rec.ChunkCount = IntPtr(int(chunkCount.Int64))
	}
	return rec, nil
}

// MarkStatus writes the status in a single upsert. A complete status stamps
// ingested_at and clears the error.
func (r *PostgresRepo) MarkStatus(ctx context.Context, documentID, status string, u Update) error {
	switch status {
	case StatusRunning, StatusComplete, StatusFailed:
	default:
		return fmt.Errorf("invalid status %q", status)
	}

	var chunkCount sql.NullInt64
	if u.ChunkCount != nil {
		chunkCount = sql.NullInt64{Int64: int64(*u.ChunkCount), Valid: true}
	}

	query := `
		INSERT INTO rag_ingestion_status (document_id, status, error, chunk_count, source_url, source_format, content_hash, ingested_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), CASE WHEN $2 = 'complete' THEN NOW() END, NOW())
		ON CONFLICT (document_id) DO UPDATE SET
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			chunk_count = COALESCE(EXCLUDED.chunk_count, rag_ingestion_status.chunk_count),
			source_url = COALESCE(EXCLUDED.source_url, rag_ingestion_status.source_url),
			source_format = COALESCE(EXCLUDED.source_format, rag_ingestion_status.source_format),
			content_hash = COALESCE(EXCLUDED.content_hash, rag_ingestion_status.content_hash),
			ingested_at = COALESCE(EXCLUDED.ingested_at, rag_ingestion_status.ingested_at),
			updated_at = NOW()
	`
	errMsg := u.Error
	if status == StatusComplete {
		errMsg = ""
	}
	_, err := r.db.ExecContext(ctx, query, documentID, status, errMsg, chunkCount, u.SourceURL, u.SourceFormat, u.ContentHash)
	return err
}
