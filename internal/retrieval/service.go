package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"corpusd/internal/document"
)

// ErrVersionMismatch reports a query embedded with a different model revision
// than the vectors it was matched against. Mixing versions silently degrades
// ranking, so it is surfaced, never swallowed.
var ErrVersionMismatch = errors.New("embedding version mismatch")

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Version() string
}

// Hit is one nearest-neighbor match from the vector index, before hydration.
type Hit struct {
	ChunkID          string
	DocumentID       string
	Score            float32
	EmbeddingVersion string
}

// Filters restricts a vector search by chunk metadata.
type Filters struct {
	SourceHost       string
	FetchedAfter     time.Time
	FetchedBefore    time.Time
	EmbeddingVersion string
}

type VectorIndex interface {
	Query(ctx context.Context, vector []float32, topK int, f Filters) ([]Hit, error)
}

type DocumentStore interface {
	// GetChunksByIDs returns only chunks whose owning document is ingested.
	GetChunksByIDs(ctx context.Context, ids []string) ([]document.HydratedChunk, error)
}

// Result is one ranked retrieval hit with its document metadata hydrated.
type Result struct {
	DocumentID    string    `json:"document_id"`
	SourceURL     string    `json:"source_url"`
	Title         string    `json:"title"`
	FetchedAt     time.Time `json:"fetched_at"`
	ChunkID       string    `json:"chunk_id"`
	SequenceIndex int       `json:"sequence_index"`
	Text          string    `json:"text"`
	Score         float32   `json:"score"`
}

type Options struct {
	TopK int
	// MaxChunksPerDocument caps hits per document, keeping the
	// highest-scoring ones. Zero means no cap.
	MaxChunksPerDocument int
	SourceHost           string
	FetchedAfter         time.Time
	FetchedBefore        time.Time
	// StrictHydration fails the call on document store errors instead of
	// degrading to fewer (or no) results.
	StrictHydration bool
}

type Service struct {
	embedder Embedder
	index    VectorIndex
	docs     DocumentStore
	logger   *QueryLogger

	defaultTopK int
}

func NewService(e Embedder, index VectorIndex, docs DocumentStore, logger *QueryLogger, defaultTopK int) *Service {
	if defaultTopK <= 0 {
		defaultTopK = 5
	}
	return &Service{embedder: e, index: index, docs: docs, logger: logger, defaultTopK: defaultTopK}
}

// Retrieve embeds the query, finds the nearest chunk vectors, hydrates them
// against the document store, and returns ranked results. Documents not in
// ingested state never surface, even if stale vectors for them remain
// searchable. An empty index yields an empty result, not an error.
func (s *Service) Retrieve(ctx context.Context, query string, opts Options) ([]Result, error) {
	start := time.Now()

	topK := opts.TopK
	if topK <= 0 {
		topK = s.defaultTopK
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	version := s.embedder.Version()

	// Over-fetch when capping per document, so the cap doesn't starve topK.
	fetchLimit := topK
	if opts.MaxChunksPerDocument > 0 {
		fetchLimit = topK * 4
	}

	hits, err := s.index.Query(ctx, vec, fetchLimit, Filters{
		SourceHost:       opts.SourceHost,
		FetchedAfter:     opts.FetchedAfter,
		FetchedBefore:    opts.FetchedBefore,
		EmbeddingVersion: version,
	})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	if len(hits) == 0 {
		s.log(ctx, query, 0, start)
		return []Result{}, nil
	}

	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		if h.EmbeddingVersion != "" && h.EmbeddingVersion != version {
			return nil, fmt.Errorf("%w: index has %s, query used %s", ErrVersionMismatch, h.EmbeddingVersion, version)
		}
		ids = append(ids, h.ChunkID)
	}

	chunks, err := s.docs.GetChunksByIDs(ctx, ids)
	if err != nil {
		if opts.StrictHydration {
			return nil, fmt.Errorf("hydrate results: %w", err)
		}
		// Partial answers beat none; the degradation is logged, not hidden.
		slog.ErrorContext(ctx, "hydration unavailable, degrading to empty result", "error", err, "hits", len(hits))
		s.log(ctx, query, 0, start)
		return []Result{}, nil
	}

	byChunk := make(map[string]document.HydratedChunk, len(chunks))
	for _, c := range chunks {
		byChunk[c.ID] = c
	}

	// Hits not hydrated belong to missing, pending, or failed documents.
	results := make([]Result, 0, len(hits))
	perDoc := make(map[string]int)
	for _, h := range hits {
		c, ok := byChunk[h.ChunkID]
		if !ok {
			continue
		}
		if opts.MaxChunksPerDocument > 0 && perDoc[c.DocumentID] >= opts.MaxChunksPerDocument {
			continue
		}
		perDoc[c.DocumentID]++
		results = append(results, Result{
			DocumentID:    c.DocumentID,
			SourceURL:     c.SourceURL,
			Title:         c.Title,
			FetchedAt:     c.FetchedAt,
			ChunkID:       c.ID,
			SequenceIndex: c.SequenceIndex,
			Text:          c.Text,
			Score:         h.Score,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].FetchedAt.After(results[j].FetchedAt)
	})

	if len(results) > topK {
		results = results[:topK]
	}

	s.log(ctx, query, len(results), start)
	return results, nil
}

func (s *Service) log(ctx context.Context, query string, n int, start time.Time) {
	if s.logger == nil {
		return
	}
	s.logger.Log(QueryLogEntry{
		Query:         query,
		NumResults:    n,
		Duration:      time.Since(start),
		CorrelationID: correlationFrom(ctx),
	})
}
