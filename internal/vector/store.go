package vector

import (
	"context"
	"fmt"
	"strings"
)

const (
	MetricCosine = "cosine"
	MetricL2     = "l2"
	MetricDot    = "dot"
)

// Collection identifies one named vector space. Path is only used by file
// backed stores.
type Collection struct {
	Name     string
	Distance string
	Path     string
}

type Entry struct {
	ID         string
	DocumentID string
	ChunkIndex int
	Title      string
	Text       string
	Vector     []float32
	Metadata   map[string]interface{}
}

type Match struct {
	ID       string                 `json:"id"`
	Text     string                 `json:"text"`
	Metadata map[string]interface{} `json:"metadata"`
	Distance float64                `json:"distance"`
}

type DocumentSummary struct {
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
	ChunkCount int    `json:"chunk_count"`
}

// Store is a persistent backend for one or more collections.
type Store interface {
	// DeleteByDocument removes every entry of a document and reports how
	// many were removed. Zero is not an error.
	DeleteByDocument(ctx context.Context, col Collection, documentID string) (int, error)
	Insert(ctx context.Context, col Collection, entries []Entry) error
	// Search returns up to topK entries closest to vec, smallest distance
	// first. Filter keys are metadata fields matched by string equality.
	Search(ctx context.Context, col Collection, vec []float32, topK int, filter map[string]string) ([]Match, error)
	ListDocuments(ctx context.Context, col Collection) ([]DocumentSummary, error)
	CountChunks(ctx context.Context, col Collection) (int, error)
}

// ChunkID is the deterministic entry id for a chunk of a document.
func ChunkID(documentID string, index int) string {
	return fmt.Sprintf("%s:%d", documentID, index)
}

// NormalizeMetric maps configured metric names onto the supported set.
func NormalizeMetric(m string) string {
	switch strings.ToLower(strings.TrimSpace(m)) {
	case "l2", "l2-squared", "euclidean":
		return MetricL2
	case "dot", "ip", "inner_product":
		return MetricDot
	default:
		return MetricCosine
	}
}
