package vector

import (
	"context"
	"sync"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

type WeaviateClientAdapter struct {
	Client *weaviate.Client
}

func NewWeaviateClientAdapter(client *weaviate.Client) *WeaviateClientAdapter {
	return &WeaviateClientAdapter{Client: client}
}

func (a *WeaviateClientAdapter) ClassExists(ctx context.Context, className string) (bool, error) {
	return a.Client.Schema().ClassExistenceChecker().WithClassName(className).Do(ctx)
}

func (a *WeaviateClientAdapter) CreateClass(ctx context.Context, class *models.Class) error {
	return a.Client.Schema().ClassCreator().WithClass(class).Do(ctx)
}

func (a *WeaviateClientAdapter) GetClass(ctx context.Context, className string) (*models.Class, error) {
	return a.Client.Schema().ClassGetter().WithClassName(className).Do(ctx)
}

func (a *WeaviateClientAdapter) AddProperty(ctx context.Context, className string, property *models.Property) error {
	return a.Client.Schema().PropertyCreator().WithClassName(className).WithProperty(property).Do(ctx)
}

// SchemaCache runs EnsureSchema at most once per class for the lifetime of
// the process. Failed attempts are retried on the next call.
type SchemaCache struct {
	client SchemaClient
	mu     sync.Mutex
	ready  map[string]bool
}

func NewSchemaCache(client SchemaClient) *SchemaCache {
	return &SchemaCache{client: client, ready: make(map[string]bool)}
}

func (c *SchemaCache) Ensure(ctx context.Context, className, metric string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready[className] {
		return nil
	}
	if err := EnsureSchema(ctx, c.client, className, metric); err != nil {
		return err
	}
	c.ready[className] = true
	return nil
}
