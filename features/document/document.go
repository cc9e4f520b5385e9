package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"corpusd/internal/config"
	doc "corpusd/internal/document"
	"corpusd/internal/ingest"
	"corpusd/internal/middleware"
)

// Detail is a document with its committed chunks, as returned by the API.
type Detail struct {
	Document doc.Document `json:"document"`
	Chunks   []doc.Chunk  `json:"chunks,omitempty"`
}

type Repository interface {
	Get(ctx context.Context, id string) (*doc.Document, error)
	Upsert(ctx context.Context, d *doc.Document) error
	List(ctx context.Context, status string) ([]doc.Document, error)
	Delete(ctx context.Context, id string) error
	GetChunks(ctx context.Context, documentID string) ([]doc.Chunk, error)
}

type VectorStore interface {
	DeleteByDocument(ctx context.Context, documentID string) error
}

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type Service struct {
	repo    Repository
	vectors VectorStore
	pub     EventPublisher
}

func NewService(repo Repository, vectors VectorStore, pub EventPublisher) *Service {
	return &Service{repo: repo, vectors: vectors, pub: pub}
}

// Enqueue registers a URL for ingestion and publishes the task. The document
// row appears immediately as pending; the worker takes it from there.
func (s *Service) Enqueue(ctx context.Context, rawURL string) (*doc.Document, error) {
	normalized, err := doc.NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	id := doc.ID(normalized)

	existing, err := s.repo.Get(ctx, id)
	if err != nil && !errors.Is(err, doc.ErrNotFound) {
		return nil, err
	}

	d := existing
	if d == nil {
		d = &doc.Document{
			ID:        id,
			SourceURL: normalized,
			Status:    doc.StatusPending,
		}
		if err := s.repo.Upsert(ctx, d); err != nil {
			return nil, err
		}
	}

	if err := s.publishTask(ctx, normalized); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) publishTask(ctx context.Context, url string) error {
	payload, _ := json.Marshal(ingest.TaskPayload{
		URL:           url,
		CorrelationID: middleware.GetCorrelationID(ctx),
	})
	if err := s.pub.Publish(config.TopicIngestDocument, payload); err != nil {
		return fmt.Errorf("publish ingestion task: %w", err)
	}
	slog.InfoContext(ctx, "ingestion task published", "url", url)
	return nil
}

func (s *Service) List(ctx context.Context, status string) ([]doc.Document, error) {
	return s.repo.List(ctx, status)
}

func (s *Service) Get(ctx context.Context, id string, includeChunks bool) (*Detail, error) {
	d, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	detail := &Detail{Document: *d}
	if includeChunks {
		chunks, err := s.repo.GetChunks(ctx, id)
		if err != nil {
			return nil, err
		}
		detail.Chunks = chunks
	}
	return detail, nil
}

// Delete removes the document from both stores, vectors first so a partial
// failure never leaves searchable vectors behind.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	if err := s.vectors.DeleteByDocument(ctx, id); err != nil {
		return fmt.Errorf("delete vectors: %w", err)
	}
	return s.repo.Delete(ctx, id)
}

// ReSync republishes the ingestion task for a known document. Unchanged
// content still short-circuits in the worker.
func (s *Service) ReSync(ctx context.Context, id string) error {
	d, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.publishTask(ctx, d.SourceURL)
}
