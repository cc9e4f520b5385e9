package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"corpusd/internal/retry"
)

// ErrDimensionMismatch reports an embedding whose length does not match the
// configured model revision. This is a configuration fault, never retried.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

type EmbedderConfig struct {
	Model      string
	Dimensions int
	BatchSize  int
	Retry      retry.Policy
}

// Embedder wraps the Gemini embedding API behind the pipeline's batch
// contract: order-preserving, internally batched, transient failures retried
// with backoff.
type Embedder struct {
	client *genai.Client
	cfg    EmbedderConfig
}

func NewEmbedder(ctx context.Context, apiKey string, cfg EmbedderConfig, opts ...option.ClientOption) (*Embedder, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Default()
	}
	opts = append(opts, option.WithAPIKey(apiKey))
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &Embedder{client: client, cfg: cfg}, nil
}

// Version identifies the embedding model revision that produced a vector.
// It is persisted with every chunk so mixed-version indexes are detectable.
func (e *Embedder) Version() string {
	return e.cfg.Model
}

func (e *Embedder) Close() error {
	return e.client.Close()
}

// EmbedBatch embeds texts in order, batching requests up to the configured
// size. An error leaves no usable partial result; callers treat the whole
// batch as failed.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		part, err := e.embedSlice(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, part...)
	}
	return vectors, nil
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *Embedder) embedSlice(ctx context.Context, texts []string) ([][]float32, error) {
	em := e.client.EmbeddingModel(e.cfg.Model)

	var vectors [][]float32
	err := e.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		batch := em.NewBatch()
		for _, t := range texts {
			batch = batch.AddContent(genai.Text(t))
		}

		res, err := em.BatchEmbedContents(ctx, batch)
		if err != nil {
			slog.WarnContext(ctx, "embedding request failed", "model", e.cfg.Model, "size", len(texts), "error", err)
			return err
		}
		if len(res.Embeddings) != len(texts) {
			return retry.Permanent(fmt.Errorf("expected %d embeddings, got %d", len(texts), len(res.Embeddings)))
		}

		vectors = vectors[:0]
		for i, emb := range res.Embeddings {
			if emb == nil || len(emb.Values) == 0 {
				return retry.Permanent(fmt.Errorf("empty embedding at index %d", i))
			}
			if e.cfg.Dimensions > 0 && len(emb.Values) != e.cfg.Dimensions {
				return retry.Permanent(fmt.Errorf("%w: model %s returned %d values, expected %d",
					ErrDimensionMismatch, e.cfg.Model, len(emb.Values), e.cfg.Dimensions))
			}
			vectors = append(vectors, emb.Values)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vectors, nil
}
