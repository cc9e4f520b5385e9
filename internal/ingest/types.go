package ingest

import (
	"context"
	"time"

	"corpusd/internal/document"
)

// FetchedContent is what the content fetcher hands the coordinator: extracted
// text plus source metadata.
type FetchedContent struct {
	URL       string
	Title     string
	Text      string
	Headings  []string
	FetchedAt time.Time
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) (*FetchedContent, error)
}

type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Version() string
}

type DocumentStore interface {
	Get(ctx context.Context, id string) (*document.Document, error)
	Upsert(ctx context.Context, d *document.Document) error
	UpdateStatus(ctx context.Context, id, status string) error
	CommitIngestion(ctx context.Context, d *document.Document, chunks []document.Chunk) error
}

// EmbeddedChunk is a chunk vector plus the identifiers and filterable
// metadata the vector index stores alongside it.
type EmbeddedChunk struct {
	ChunkID          string
	DocumentID       string
	SequenceIndex    int
	Vector           []float32
	EmbeddingVersion string
	SourceHost       string
	FetchedAt        time.Time
}

type VectorIndex interface {
	UpsertChunks(ctx context.Context, chunks []EmbeddedChunk) error
	// DeleteStale removes vectors for the document whose sequence index is
	// at or beyond keepBelow.
	DeleteStale(ctx context.Context, documentID string, keepBelow int) error
}
