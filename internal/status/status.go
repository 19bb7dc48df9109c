package status

import (
	"context"
	"time"
)

const (
	StatusNone     = "none"
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Record is the ingestion state of one document. A document that was never
// written reads as StatusNone.
type Record struct {
	DocumentID   string     `json:"document_id"`
	Status       string     `json:"status"`
	Error        string     `json:"error,omitempty"`
	IngestedAt   *time.Time `json:"ingested_at,omitempty"`
	ChunkCount   *int       `json:"chunk_count,omitempty"`
	SourceURL    string     `json:"source_url,omitempty"`
	SourceFormat string     `json:"source_format,omitempty"`
	ContentHash  string     `json:"content_hash,omitempty"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}

// Update carries the optional fields of a status write. Empty values leave
// the stored SourceURL, SourceFormat and ContentHash untouched.
type Update struct {
	Error        string
	ChunkCount   *int
	SourceURL    string
	SourceFormat string
	ContentHash  string
}

type Tracker interface {
	Get(ctx context.Context, documentID string) (*Record, error)
	MarkStatus(ctx context.Context, documentID, status string, u Update) error
}

func IntPtr(v int) *int {
	return &v
}
