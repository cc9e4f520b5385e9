package vector

import (
	"context"

	"github.com/weaviate/weaviate/entities/models"
)

// ClassName is the Weaviate class holding chunk vectors. The class carries
// only identifiers and filterable metadata; chunk text lives in the document
// store.
const ClassName = "ContentChunk"

// SchemaClient is the subset of Weaviate schema operations EnsureSchema
// needs. GetClass returns (nil, nil) when the class does not exist.
type SchemaClient interface {
	GetClass(ctx context.Context, className string) (*models.Class, error)
	CreateClass(ctx context.Context, class *models.Class) error
	AddProperty(ctx context.Context, className string, property *models.Property) error
}

// EnsureSchema creates the chunk class if missing and backfills any
// properties added since the class was first created.
func EnsureSchema(ctx context.Context, client SchemaClient) error {
	class, err := client.GetClass(ctx, ClassName)
	if err != nil {
		return err
	}

	properties := []*models.Property{
		{
			Name:     "chunkId",
			DataType: []string{"string"}, // exact match
		},
		{
			Name:     "documentId",
			DataType: []string{"string"},
		},
		{
			Name:     "sequenceIndex",
			DataType: []string{"int"},
		},
		{
			Name:     "embeddingVersion",
			DataType: []string{"string"},
		},
		{
			Name:     "sourceHost",
			DataType: []string{"string"},
		},
		{
			Name:     "fetchedAt",
			DataType: []string{"date"},
		},
	}

	if class == nil {
		return client.CreateClass(ctx, &models.Class{
			Class:       ClassName,
			Description: "Vector for one chunk of an ingested document",
			Vectorizer:  "none",
			Properties:  properties,
		})
	}

	existing := make(map[string]bool)
	for _, p := range class.Properties {
		existing[p.Name] = true
	}

	for _, p := range properties {
		if !existing[p.Name] {
			if err := client.AddProperty(ctx, ClassName, p); err != nil {
				return err
			}
		}
	}

	return nil
}
