package vector

import (
	"context"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// SchemaAdapter narrows the Weaviate client to the schema calls EnsureSchema
// makes. GetClass reports an absent class as (nil, nil) so callers need no
// separate existence check.
type SchemaAdapter struct {
	client *weaviate.Client
}

func NewSchemaAdapter(client *weaviate.Client) *SchemaAdapter {
	return &SchemaAdapter{client: client}
}

func (a *SchemaAdapter) GetClass(ctx context.Context, className string) (*models.Class, error) {
	exists, err := a.client.Schema().ClassExistenceChecker().WithClassName(className).Do(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return a.client.Schema().ClassGetter().WithClassName(className).Do(ctx)
}

func (a *SchemaAdapter) CreateClass(ctx context.Context, class *models.Class) error {
	return a.client.Schema().ClassCreator().WithClass(class).Do(ctx)
}

func (a *SchemaAdapter) AddProperty(ctx context.Context, className string, property *models.Property) error {
	return a.client.Schema().PropertyCreator().WithClassName(className).WithProperty(property).Do(ctx)
}
