package weaviate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"corpusd/internal/ingest"
	"corpusd/internal/reconcile"
	"corpusd/internal/retrieval"
	"corpusd/internal/vector"
)

const listPageSize = 1000

// Store adapts a Weaviate instance to the vector index interfaces used by
// ingestion, retrieval, and reconciliation.
type Store struct {
	client *weaviate.Client
}

func NewStore(client *weaviate.Client) *Store {
	return &Store{client: client}
}

// objectID maps a chunk ID to a stable Weaviate UUID, so re-ingesting the
// same chunk replaces the old object instead of duplicating it.
func objectID(chunkID string) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(chunkID)).String())
}

func (s *Store) UpsertChunks(ctx context.Context, chunks []ingest.EmbeddedChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	objects := make([]*models.Object, 0, len(chunks))
	for _, c := range chunks {
		objects = append(objects, &models.Object{
			Class: vector.ClassName,
			ID:    objectID(c.ChunkID),
			Properties: map[string]interface{}{
				"chunkId":          c.ChunkID,
				"documentId":       c.DocumentID,
				"sequenceIndex":    c.SequenceIndex,
				"embeddingVersion": c.EmbeddingVersion,
				"sourceHost":       c.SourceHost,
				"fetchedAt":        c.FetchedAt.Format(time.RFC3339),
			},
			Vector: models.C11yVector(c.Vector),
		})
	}

	res, err := s.client.Batch().ObjectsBatcher().
		WithObjects(objects...).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("batch upsert: %w", err)
	}
	for _, obj := range res {
		if obj.Result != nil && obj.Result.Errors != nil && len(obj.Result.Errors.Error) > 0 {
			return fmt.Errorf("batch upsert object %s: %s", obj.ID, obj.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

// DeleteStale removes a document's chunks at or above keepBelow, clearing
// leftovers when a re-ingested document shrinks.
func (s *Store) DeleteStale(ctx context.Context, documentID string, keepBelow int) error {
	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(vector.ClassName).
		WithOutput("minimal").
		WithWhere(filters.Where().
			WithOperator(filters.And).
			WithOperands([]*filters.WhereBuilder{
				filters.Where().
					WithPath([]string{"documentId"}).
					WithOperator(filters.Equal).
					WithValueString(documentID),
				filters.Where().
					WithPath([]string{"sequenceIndex"}).
					WithOperator(filters.GreaterThanEqual).
					WithValueInt(int64(keepBelow)),
			})).
		Do(ctx)
	return err
}

func (s *Store) DeleteByDocument(ctx context.Context, documentID string) error {
	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(vector.ClassName).
		WithOutput("minimal").
		WithWhere(filters.Where().
			WithPath([]string{"documentId"}).
			WithOperator(filters.Equal).
			WithValueString(documentID)).
		Do(ctx)
	return err
}

func buildQueryFilter(f retrieval.Filters) *filters.WhereBuilder {
	var operands []*filters.WhereBuilder
	if f.EmbeddingVersion != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"embeddingVersion"}).
			WithOperator(filters.Equal).
			WithValueString(f.EmbeddingVersion))
	}
	if f.SourceHost != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"sourceHost"}).
			WithOperator(filters.Equal).
			WithValueString(f.SourceHost))
	}
	if !f.FetchedAfter.IsZero() {
		operands = append(operands, filters.Where().
			WithPath([]string{"fetchedAt"}).
			WithOperator(filters.GreaterThanEqual).
			WithValueDate(f.FetchedAfter))
	}
	if !f.FetchedBefore.IsZero() {
		operands = append(operands, filters.Where().
			WithPath([]string{"fetchedAt"}).
			WithOperator(filters.LessThanEqual).
			WithValueDate(f.FetchedBefore))
	}

	switch len(operands) {
	case 0:
		return nil
	case 1:
		return operands[0]
	default:
		return filters.Where().WithOperator(filters.And).WithOperands(operands)
	}
}

// Query runs a nearVector search and returns hits with certainty as the
// similarity score.
func (s *Store) Query(ctx context.Context, vec []float32, topK int, f retrieval.Filters) ([]retrieval.Hit, error) {
	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(vec)

	fields := []graphql.Field{
		{Name: "chunkId"},
		{Name: "documentId"},
		{Name: "embeddingVersion"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
	}

	builder := s.client.GraphQL().Get().
		WithClassName(vector.ClassName).
		WithNearVector(nearVector).
		WithLimit(topK).
		WithFields(fields...)
	if where := buildQueryFilter(f); where != nil {
		builder = builder.WithWhere(where)
	}

	res, err := builder.Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %v", res.Errors)
	}

	var hits []retrieval.Hit
	for _, props := range classObjects(res.Data) {
		h := retrieval.Hit{}
		if id, ok := props["chunkId"].(string); ok {
			h.ChunkID = id
		}
		if docID, ok := props["documentId"].(string); ok {
			h.DocumentID = docID
		}
		if v, ok := props["embeddingVersion"].(string); ok {
			h.EmbeddingVersion = v
		}
		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			switch c := additional["certainty"].(type) {
			case float64:
				h.Score = float32(c)
			case string:
				if parsed, err := strconv.ParseFloat(c, 64); err == nil {
					h.Score = float32(parsed)
				}
			}
		}
		hits = append(hits, h)
	}
	return hits, nil
}

// ListChunkRefs pages through every indexed chunk. The result order is not
// defined.
func (s *Store) ListChunkRefs(ctx context.Context) ([]reconcile.ChunkRef, error) {
	fields := []graphql.Field{
		{Name: "chunkId"},
		{Name: "documentId"},
		{Name: "sequenceIndex"},
	}

	var refs []reconcile.ChunkRef
	for offset := 0; ; offset += listPageSize {
		res, err := s.client.GraphQL().Get().
			WithClassName(vector.ClassName).
			WithLimit(listPageSize).
			WithOffset(offset).
			WithFields(fields...).
			Do(ctx)
		if err != nil {
			return nil, err
		}
		if len(res.Errors) > 0 {
			return nil, fmt.Errorf("graphql error: %v", res.Errors)
		}

		page := classObjects(res.Data)
		for _, props := range page {
			ref := reconcile.ChunkRef{}
			if id, ok := props["chunkId"].(string); ok {
				ref.ChunkID = id
			}
			if docID, ok := props["documentId"].(string); ok {
				ref.DocumentID = docID
			}
			if idx, ok := props["sequenceIndex"].(float64); ok {
				ref.SequenceIndex = int(idx)
			}
			refs = append(refs, ref)
		}
		if len(page) < listPageSize {
			return refs, nil
		}
	}
}

// CountChunks returns the number of indexed chunk vectors.
func (s *Store) CountChunks(ctx context.Context) (int, error) {
	res, err := s.client.GraphQL().Aggregate().
		WithClassName(vector.ClassName).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(res.Errors) > 0 {
		return 0, fmt.Errorf("graphql error: %v", res.Errors)
	}

	if data, ok := res.Data["Aggregate"].(map[string]interface{}); ok {
		if classes, ok := data[vector.ClassName].([]interface{}); ok && len(classes) > 0 {
			if entry, ok := classes[0].(map[string]interface{}); ok {
				if meta, ok := entry["meta"].(map[string]interface{}); ok {
					if count, ok := meta["count"].(float64); ok {
						return int(count), nil
					}
				}
			}
		}
	}
	return 0, nil
}

func classObjects(data map[string]models.JSONObject) []map[string]interface{} {
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := get[vector.ClassName].([]interface{})
	if !ok {
		return nil
	}
	objects := make([]map[string]interface{}, 0, len(raw))
	for _, o := range raw {
		if props, ok := o.(map[string]interface{}); ok {
			objects = append(objects, props)
		}
	}
	return objects
}
