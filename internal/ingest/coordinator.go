package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"corpusd/internal/document"
	"corpusd/internal/text"
)

var (
	ErrEmbedding  = errors.New("embedding failed")
	ErrStoreWrite = errors.New("store write failed")
)

type Config struct {
	MaxTokens     int
	OverlapTokens int
}

// Coordinator drives one document through fetch → chunk → embed → write.
// Ingestion of the same document id is serialized; different documents run
// fully in parallel. No in-process lock other than the per-document one is
// held across I/O.
type Coordinator struct {
	fetcher  Fetcher
	embedder Embedder
	docs     DocumentStore
	vectors  VectorIndex
	cfg      Config
	locks    *keyedMutex
}

func NewCoordinator(f Fetcher, e Embedder, d DocumentStore, v VectorIndex, cfg Config) *Coordinator {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	return &Coordinator{
		fetcher:  f,
		embedder: e,
		docs:     d,
		vectors:  v,
		cfg:      cfg,
		locks:    newKeyedMutex(),
	}
}

type Outcome struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
	ChunkCount int    `json:"chunk_count"`
	Unchanged  bool   `json:"unchanged"`
}

// Ingest runs one full ingestion cycle for a URL. Unchanged content is a
// no-op: no chunking, no embedding calls, no writes. On failure the document
// ends up failed, or keeps its prior ingested state with its committed chunk
// set untouched. It is never left pending with partial chunks.
func (c *Coordinator) Ingest(ctx context.Context, rawURL string) (*Outcome, error) {
	normalized, err := document.NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	id := document.ID(normalized)

	unlock := c.locks.Lock(id)
	defer unlock()

	prior, err := c.docs.Get(ctx, id)
	if err != nil && !errors.Is(err, document.ErrNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}

	fetched, err := c.fetcher.Fetch(ctx, normalized)
	if err != nil {
		// The document is created on first successful fetch; a failed
		// re-fetch of a known document marks it failed unless a committed
		// cycle exists.
		c.fail(ctx, id, prior)
		return nil, err
	}

	hash := document.HashContent(fetched.Text)
	if prior != nil && prior.Status == document.StatusIngested && prior.ContentHash == hash {
		slog.InfoContext(ctx, "content unchanged, skipping", "document_id", id, "url", normalized)
		return &Outcome{DocumentID: id, Status: prior.Status, Unchanged: true}, nil
	}

	// First sighting: record the document before the expensive stages so
	// in-flight work is observable. The hash is only committed at the end.
	if prior == nil {
		pending := &document.Document{
			ID:        id,
			SourceURL: normalized,
			Title:     fetched.Title,
			Headings:  fetched.Headings,
			FetchedAt: fetched.FetchedAt,
			Status:    document.StatusPending,
		}
		if err := c.docs.Upsert(ctx, pending); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStoreWrite, err)
		}
	}

	drafts := text.Split(fetched.Text, c.cfg.MaxTokens, c.cfg.OverlapTokens)

	texts := make([]string, len(drafts))
	for i, d := range drafts {
		texts[i] = d.Text
	}

	vectors, err := c.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		c.fail(ctx, id, prior)
		return nil, fmt.Errorf("%w: %w", ErrEmbedding, err)
	}
	if len(vectors) != len(drafts) {
		c.fail(ctx, id, prior)
		return nil, fmt.Errorf("%w: got %d vectors for %d chunks", ErrEmbedding, len(vectors), len(drafts))
	}

	version := c.embedder.Version()
	host := hostOf(normalized)

	chunks := make([]document.Chunk, len(drafts))
	embedded := make([]EmbeddedChunk, len(drafts))
	for i, d := range drafts {
		chunkID := document.ChunkID(id, d.SequenceIndex)
		chunks[i] = document.Chunk{
			ID:               chunkID,
			DocumentID:       id,
			SequenceIndex:    d.SequenceIndex,
			Text:             d.Text,
			TokenCount:       d.TokenCount,
			EmbeddingVersion: version,
		}
		embedded[i] = EmbeddedChunk{
			ChunkID:          chunkID,
			DocumentID:       id,
			SequenceIndex:    d.SequenceIndex,
			Vector:           vectors[i],
			EmbeddingVersion: version,
			SourceHost:       host,
			FetchedAt:        fetched.FetchedAt,
		}
	}

	// Vector index first. Until the document store commit below, the store
	// still shows the prior committed cycle and the retrieval status gate
	// keeps the new vectors invisible.
	if len(embedded) > 0 {
		if err := c.vectors.UpsertChunks(ctx, embedded); err != nil {
			c.fail(ctx, id, prior)
			return nil, fmt.Errorf("%w: vector upsert: %w", ErrStoreWrite, err)
		}
	}
	if err := c.vectors.DeleteStale(ctx, id, len(embedded)); err != nil {
		c.fail(ctx, id, prior)
		return nil, fmt.Errorf("%w: vector delete: %w", ErrStoreWrite, err)
	}

	doc := &document.Document{
		ID:          id,
		SourceURL:   normalized,
		Title:       fetched.Title,
		Headings:    fetched.Headings,
		FetchedAt:   fetched.FetchedAt,
		ContentHash: hash,
		Status:      document.StatusIngested,
	}
	if err := c.docs.CommitIngestion(ctx, doc, chunks); err != nil {
		c.fail(ctx, id, prior)
		return nil, fmt.Errorf("%w: commit: %w", ErrStoreWrite, err)
	}

	slog.InfoContext(ctx, "document ingested", "document_id", id, "url", normalized, "chunks", len(chunks))
	return &Outcome{DocumentID: id, Status: document.StatusIngested, ChunkCount: len(chunks)}, nil
}

// fail settles the document's status after an aborted cycle. A document with
// a committed prior cycle keeps it: the old chunks are still consistent
// across both stores, so hiding them would lose good data. Runs detached
// from ctx so cancellation cannot strand a pending document.
func (c *Coordinator) fail(ctx context.Context, id string, prior *document.Document) {
	if prior != nil && prior.Status == document.StatusIngested {
		return
	}
	detached := context.WithoutCancel(ctx)
	if err := c.docs.UpdateStatus(detached, id, document.StatusFailed); err != nil {
		slog.ErrorContext(detached, "failed to settle document status", "document_id", id, "error", err)
	}
}

func hostOf(normalized string) string {
	u, err := url.Parse(normalized)
	if err != nil {
		return ""
	}
	return u.Host
}
