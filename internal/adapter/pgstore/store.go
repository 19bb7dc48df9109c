package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/pgvector/pgvector-go"

	"opdsrag/internal/vector"
)

// Store keeps every collection in the rag_chunks table, partitioned by the
// collection column.
type Store struct {
	db *sql.DB
}

var _ vector.Store = (*Store)(nil)

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func distanceOperator(metric string) string {
	switch vector.NormalizeMetric(metric) {
	case vector.MetricL2:
		return "<->"
	case vector.MetricDot:
		return "<#>"
	default:
		return "<=>"
	}
}

func (s *Store) DeleteByDocument(ctx context.Context, col vector.Collection, documentID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rag_chunks WHERE collection = $1 AND document_id = $2`, col.Name, documentID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Store) Insert(ctx context.Context, col vector.Collection, entries []vector.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO rag_chunks (collection, id, document_id, chunk_index, title, content, embedding, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (collection, id) DO UPDATE SET
			document_id = EXCLUDED.document_id,
			chunk_index = EXCLUDED.chunk_index,
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to encode metadata for %s: %w", e.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			col.Name, e.ID, e.DocumentID, e.ChunkIndex, e.Title, e.Text, pgvector.NewVector(e.Vector), string(meta),
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) Search(ctx context.Context, col vector.Collection, vec []float32, topK int, filter map[string]string) ([]vector.Match, error) {
	contains, err := json.Marshal(containment(filter))
	if err != nil {
		return nil, err
	}

	q := fmt.Sprintf(`
		SELECT id, content, metadata, embedding %s $1 AS distance
		FROM rag_chunks
		WHERE collection = $2 AND metadata @> $3::jsonb
		ORDER BY distance
		LIMIT $4
	`, distanceOperator(col.Distance))

	rows, err := s.db.QueryContext(ctx, q, pgvector.NewVector(vec), col.Name, string(contains), topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []vector.Match
	for rows.Next() {
		var (
			m    vector.Match
			meta []byte
		)
		if err := rows.Scan(&m.ID, &m.Text, &meta, &m.Distance); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &m.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata of %s: %w", m.ID, err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ListDocuments(ctx context.Context, col vector.Collection) ([]vector.DocumentSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, MAX(title), COUNT(*)
		FROM rag_chunks
		WHERE collection = $1
		GROUP BY document_id
		ORDER BY document_id
	`, col.Name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []vector.DocumentSummary
	for rows.Next() {
		var d vector.DocumentSummary
		if err := rows.Scan(&d.DocumentID, &d.Title, &d.ChunkCount); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) CountChunks(ctx context.Context, col vector.Collection) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rag_chunks WHERE collection = $1`, col.Name).Scan(&n)
	return n, err
}

// containment builds the jsonb document matched with @>. chunk_index is
// stored as a number.
func containment(filter map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(filter))
	for k, v := range filter {
		if k == "chunk_index" {
			if n, err := strconv.Atoi(v); err == nil {
				out[k] = n
				continue
			}
		}
		out[k] = v
	}
	return out
}
