package retrieval

import (
	"context"
	"errors"
	"strings"
	"time"

	"opdsrag/internal/middleware"
	"opdsrag/internal/vector"
)

var ErrEmptyQuery = errors.New("query is required")

type SearchResult struct {
	ID         string                 `json:"id"`
	Content    string                 `json:"content"`
	Distance   float64                `json:"distance"`
	DocumentID string                 `json:"document_id,omitempty"`
	Title      string                 `json:"title,omitempty"`
	Metadata   map[string]interface{} `json:"metadata"`
}

type SearchOptions struct {
	TopK   int
	Filter map[string]string
}

type Searcher interface {
	Query(ctx context.Context, query string, topK int, filter map[string]string) ([]vector.Match, error)
}

type Service struct {
	searcher Searcher
	logger   *QueryLogger
}

func NewService(s Searcher, l *QueryLogger) *Service {
	return &Service{searcher: s, logger: l}
}

func (s *Service) Search(ctx context.Context, query string, opts *SearchOptions) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	var topK int
	var filter map[string]string
	if opts != nil {
		topK = opts.TopK
		filter = opts.Filter
	}

	start := time.Now()
	matches, err := s.searcher.Query(ctx, query, topK, filter)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(matches))
	for _, m := range matches {
		r := SearchResult{
			ID:       m.ID,
			Content:  m.Text,
			Distance: m.Distance,
			Metadata: m.Metadata,
		}
		// Populate top-level fields from metadata for convenience
		if title, ok := m.Metadata["title"].(string); ok {
			r.Title = title
		}
		if doc, ok := m.Metadata["document_id"].(string); ok {
			r.DocumentID = doc
		}
		results = append(results, r)
	}

	if s.logger != nil {
		entry := QueryLogEntry{
			Query:      query,
			TopK:       topK,
			Filter:     filter,
			NumResults: len(results),
			Duration:   time.Since(start),
		}
		if id, ok := ctx.Value(middleware.CorrelationKey).(string); ok {
			entry.CorrelationID = id
		}
		s.logger.Log(entry)
	}
	return results, nil
}
