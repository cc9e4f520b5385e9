package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nsqio/go-nsq"

	"corpusd/features/job"
	"corpusd/internal/document"
	"corpusd/internal/middleware"
)

// TaskPayload is the NSQ message enqueuing one document for ingestion.
type TaskPayload struct {
	URL           string `json:"url"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

const ingestTimeout = 5 * time.Minute

// Consumer runs the coordinator off the ingestion topic. Store-write errors
// are returned so NSQ redelivers; terminal failures land in the failed-job
// ledger for operator-driven retry instead of poisoning the queue.
type Consumer struct {
	coordinator *Coordinator
	jobs        job.Repository
}

func NewConsumer(c *Coordinator, jobs job.Repository) *Consumer {
	return &Consumer{coordinator: c, jobs: jobs}
}

func (h *Consumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var payload TaskPayload
	if err := json.Unmarshal(m.Body, &payload); err != nil {
		// Poison pill, don't retry.
		slog.Error("poison pill: invalid json", "error", err)
		return nil
	}
	if payload.URL == "" {
		slog.Error("missing url, dropping message")
		return nil
	}

	ctx := context.Background()
	if payload.CorrelationID != "" {
		ctx = middleware.WithCorrelationID(ctx, payload.CorrelationID)
	}
	ctx, cancel := context.WithTimeout(ctx, ingestTimeout)
	defer cancel()

	outcome, err := h.coordinator.Ingest(ctx, payload.URL)
	if errors.Is(err, ErrStoreWrite) {
		// Backing-store blip, not a property of the document.
		slog.ErrorContext(ctx, "store write failed", "url", payload.URL, "error", err)
		return err // Retry
	}
	if err != nil {
		slog.ErrorContext(ctx, "ingestion failed", "url", payload.URL, "error", err)
		h.recordFailure(ctx, payload, err)
		return nil
	}

	if outcome.Unchanged {
		slog.InfoContext(ctx, "document unchanged", "document_id", outcome.DocumentID, "url", payload.URL)
	} else {
		slog.InfoContext(ctx, "document processed", "document_id", outcome.DocumentID, "chunks", outcome.ChunkCount)
	}
	return nil
}

func (h *Consumer) recordFailure(ctx context.Context, payload TaskPayload, cause error) {
	if h.jobs == nil {
		return
	}

	docID := ""
	if normalized, err := document.NormalizeURL(payload.URL); err == nil {
		docID = document.ID(normalized)
	}

	body, _ := json.Marshal(payload)
	failed := &job.Job{
		DocumentID: docID,
		Handler:    "ingestion-coordinator",
		Payload:    body,
		Error:      cause.Error(),
	}

	detached := context.WithoutCancel(ctx)
	if err := h.jobs.Save(detached, failed); err != nil {
		slog.ErrorContext(detached, "failed to record failed job", "error", err)
	} else {
		slog.InfoContext(detached, "recorded failed job", "job_id", failed.ID, "url", payload.URL)
	}
}
