package weaviate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"opdsrag/internal/vector"
)

const pageSize = 100

// objectNamespace derives stable object ids from chunk ids.
var objectNamespace = uuid.MustParse("6f0c2c56-3a4e-5b1d-9d1e-0a7c3f1b2e90")

// filterPaths maps metadata keys onto filterable class properties.
var filterPaths = map[string]string{
	"document_id":   "documentId",
	"source_format": "sourceFormat",
	"title":         "title",
	"chunk_index":   "chunkIndex",
}

type Store struct {
	client *weaviate.Client
	schema *vector.SchemaCache
}

var _ vector.Store = (*Store)(nil)

func NewStore(client *weaviate.Client) *Store {
	return &Store{
		client: client,
		schema: vector.NewSchemaCache(vector.NewWeaviateClientAdapter(client)),
	}
}

// ObjectID returns the object UUID used for a chunk id.
func ObjectID(chunkID string) string {
	return uuid.NewSHA1(objectNamespace, []byte(chunkID)).String()
}

func (s *Store) class(ctx context.Context, col vector.Collection) (string, error) {
	className := vector.ClassName(col.Name)
	if err := s.schema.Ensure(ctx, className, col.Distance); err != nil {
		return "", fmt.Errorf("failed to ensure class %s: %w", className, err)
	}
	return className, nil
}

func (s *Store) DeleteByDocument(ctx context.Context, col vector.Collection, documentID string) (int, error) {
	className, err := s.class(ctx, col)
	if err != nil {
		return 0, err
	}

	resp, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(className).
		WithOutput("minimal").
		WithWhere(filters.Where().
			WithPath([]string{"documentId"}).
			WithOperator(filters.Equal).
			WithValueString(documentID)).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	if resp == nil || resp.Results == nil {
		return 0, nil
	}
	return int(resp.Results.Matches), nil
}

func (s *Store) Insert(ctx context.Context, col vector.Collection, entries []vector.Entry) error {
	className, err := s.class(ctx, col)
	if err != nil {
		return err
	}

	for _, e := range entries {
		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata for %s: %w", e.ID, err)
		}
		sourceFormat, _ := e.Metadata["source_format"].(string)

		_, err = s.client.Data().Creator().
			WithClassName(className).
			WithID(ObjectID(e.ID)).
			WithProperties(map[string]interface{}{
				"content":      e.Text,
				"chunkId":      e.ID,
				"documentId":   e.DocumentID,
				"chunkIndex":   e.ChunkIndex,
				"title":        e.Title,
				"sourceFormat": sourceFormat,
				"metadata":     string(meta),
			}).
			WithVector(e.Vector).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("failed to store chunk %s: %w", e.ID, err)
		}
	}
	return nil
}

func (s *Store) Search(ctx context.Context, col vector.Collection, vec []float32, topK int, filter map[string]string) ([]vector.Match, error) {
	className, err := s.class(ctx, col)
	if err != nil {
		return nil, err
	}

	where, err := buildWhere(filter)
	if err != nil {
		return nil, err
	}

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "chunkId"},
		{Name: "metadata"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}},
	}

	q := s.client.GraphQL().Get().
		WithClassName(className).
		WithNearVector(s.client.GraphQL().NearVectorArgBuilder().WithVector(vec)).
		WithLimit(topK).
		WithFields(fields...)
	if where != nil {
		q = q.WithWhere(where)
	}

	res, err := q.Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		return nil, graphQLError(res.Errors)
	}

	var matches []vector.Match
	for _, props := range objects(res.Data, "Get", className) {
		m := vector.Match{Metadata: make(map[string]interface{})}
		if content, ok := props["content"].(string); ok {
			m.Text = content
		}
		if id, ok := props["chunkId"].(string); ok {
			m.ID = id
		}
		if raw, ok := props["metadata"].(string); ok && raw != "" {
			if err := json.Unmarshal([]byte(raw), &m.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata of %s: %w", m.ID, err)
			}
		}
		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			if d, ok := additional["distance"].(float64); ok {
				m.Distance = d
			}
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// ListDocuments pages through every object of the class and groups them by
// document id.
func (s *Store) ListDocuments(ctx context.Context, col vector.Collection) ([]vector.DocumentSummary, error) {
	className, err := s.class(ctx, col)
	if err != nil {
		return nil, err
	}

	byDoc := make(map[string]*vector.DocumentSummary)
	for offset := 0; ; offset += pageSize {
		props, err := s.page(ctx, className, pageSize, offset)
		if err != nil {
			return nil, err
		}
		for _, p := range props {
			docID, _ := p["documentId"].(string)
			sum, ok := byDoc[docID]
			if !ok {
				sum = &vector.DocumentSummary{DocumentID: docID}
				byDoc[docID] = sum
			}
			if title, ok := p["title"].(string); ok && sum.Title == "" {
				sum.Title = title
			}
			sum.ChunkCount++
		}
		if len(props) < pageSize {
			break
		}
	}

	out := make([]vector.DocumentSummary, 0, len(byDoc))
	for _, sum := range byDoc {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out, nil
}

func (s *Store) page(ctx context.Context, className string, limit, offset int) ([]map[string]interface{}, error) {
	res, err := s.client.GraphQL().Get().
		WithClassName(className).
		WithLimit(limit).
		WithOffset(offset).
		WithFields(graphql.Field{Name: "documentId"}, graphql.Field{Name: "title"}).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		return nil, graphQLError(res.Errors)
	}
	return objects(res.Data, "Get", className), nil
}

func (s *Store) CountChunks(ctx context.Context, col vector.Collection) (int, error) {
	className, err := s.class(ctx, col)
	if err != nil {
		return 0, err
	}

	res, err := s.client.GraphQL().Aggregate().
		WithClassName(className).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(res.Errors) > 0 {
		return 0, graphQLError(res.Errors)
	}

	for _, agg := range objects(res.Data, "Aggregate", className) {
		if meta, ok := agg["meta"].(map[string]interface{}); ok {
			if count, ok := meta["count"].(float64); ok {
				return int(count), nil
			}
		}
	}
	return 0, nil
}

func buildWhere(filter map[string]string) (*filters.WhereBuilder, error) {
	if len(filter) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var operands []*filters.WhereBuilder
	for _, k := range keys {
		path, ok := filterPaths[k]
		if !ok {
			return nil, fmt.Errorf("unsupported filter key %q", k)
		}
		w := filters.Where().WithPath([]string{path}).WithOperator(filters.Equal)
		if path == "chunkIndex" {
			var idx int64
			if _, err := fmt.Sscanf(filter[k], "%d", &idx); err != nil {
				return nil, fmt.Errorf("invalid chunk_index filter %q", filter[k])
			}
			w = w.WithValueInt(idx)
		} else {
			w = w.WithValueString(filter[k])
		}
		operands = append(operands, w)
	}

	if len(operands) == 1 {
		return operands[0], nil
	}
	return filters.Where().WithOperator(filters.And).WithOperands(operands), nil
}

func objects(data map[string]models.JSONObject, root, className string) []map[string]interface{} {
	group, ok := data[root].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := group[className].([]interface{})
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(raw))
	for _, item := range raw {
		if props, ok := item.(map[string]interface{}); ok {
			out = append(out, props)
		}
	}
	return out
}

func graphQLError(errs []*models.GraphQLError) error {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		if e != nil {
			msgs = append(msgs, e.Message)
		}
	}
	return fmt.Errorf("graphql error: %s", strings.Join(msgs, "; "))
}
