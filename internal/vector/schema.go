package vector

import (
	"context"
	"strings"
	"unicode"

	"github.com/weaviate/weaviate/entities/models"
)

// SchemaClient defines the interface for Weaviate schema operations
type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	GetClass(ctx context.Context, className string) (*models.Class, error)
	AddProperty(ctx context.Context, className string, property *models.Property) error
}

var chunkProperties = []*models.Property{
	{
		Name:     "content",
		DataType: []string{"text"},
	},
	{
		Name:     "chunkId",
		DataType: []string{"string"},
	},
	{
		Name:     "documentId",
		DataType: []string{"string"}, // exact match for delete and filters
	},
	{
		Name:     "chunkIndex",
		DataType: []string{"int"},
	},
	{
		Name:     "title",
		DataType: []string{"text"},
	},
	{
		Name:     "sourceFormat",
		DataType: []string{"string"},
	},
	{
		Name:     "metadata",
		DataType: []string{"text"}, // JSON encoded
	},
}

// ClassName converts a collection name into a valid class name:
// "opds_documents" becomes "OpdsDocuments".
func ClassName(collection string) string {
	parts := strings.FieldsFunc(collection, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	var b strings.Builder
	for _, p := range parts {
		runes := []rune(p)
		runes[0] = unicode.ToUpper(runes[0])
		b.WriteString(string(runes))
	}

	name := b.String()
	if name == "" {
		return "DocumentChunk"
	}
	if unicode.IsDigit([]rune(name)[0]) {
		name = "C" + name
	}
	return name
}

// WeaviateDistance maps a metric onto the vector index distance name.
func WeaviateDistance(metric string) string {
	switch NormalizeMetric(metric) {
	case MetricL2:
		return "l2-squared"
	case MetricDot:
		return "dot"
	default:
		return "cosine"
	}
}

// EnsureSchema creates the class for a collection if it does not exist and
// adds any chunk properties missing from an existing class.
func EnsureSchema(ctx context.Context, client SchemaClient, className, metric string) error {
	exists, err := client.ClassExists(ctx, className)
	if err != nil {
		return err
	}

	if !exists {
		class := &models.Class{
			Class:       className,
			Description: "A chunk of an ingested catalog document",
			Vectorizer:  "none",
			Properties:  chunkProperties,
			VectorIndexConfig: map[string]interface{}{
				"distance": WeaviateDistance(metric),
			},
		}
		return client.CreateClass(ctx, class)
	}

	// Class exists, check for missing properties
	class, err := client.GetClass(ctx, className)
	if err != nil {
		return err
	}

	existingProps := make(map[string]bool)
	for _, p := range class.Properties {
		existingProps[p.Name] = true
	}

	for _, p := range chunkProperties {
		if !existingProps[p.Name] {
			if err := client.AddProperty(ctx, className, p); err != nil {
				return err
			}
		}
	}

	return nil
}
