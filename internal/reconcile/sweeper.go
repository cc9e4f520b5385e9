package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"corpusd/internal/document"
)

// ChunkRef identifies one chunk vector in the index.
type ChunkRef struct {
	ChunkID       string
	DocumentID    string
	SequenceIndex int
}

type VectorIndex interface {
	ListChunkRefs(ctx context.Context) ([]ChunkRef, error)
	DeleteByDocument(ctx context.Context, documentID string) error
}

type DocumentStore interface {
	List(ctx context.Context, status string) ([]document.Document, error)
	GetChunks(ctx context.Context, documentID string) ([]document.Chunk, error)
	UpdateStatus(ctx context.Context, documentID, status string) error
}

// Report summarizes one consistency sweep between the document store and the
// vector index.
type Report struct {
	DocumentsChecked int      `json:"documents_checked"`
	OrphanVectors    int      `json:"orphan_vectors"`
	MissingVectors   int      `json:"missing_vectors"`
	OrphanDocuments  []string `json:"orphan_documents,omitempty"`
	Repaired         bool     `json:"repaired"`
}

// Sweeper detects drift between the two stores. The commit protocol keeps
// them consistent under normal operation, so findings here point at crashes
// mid-cycle or manual intervention.
type Sweeper struct {
	docs  DocumentStore
	index VectorIndex
}

func NewSweeper(docs DocumentStore, index VectorIndex) *Sweeper {
	return &Sweeper{docs: docs, index: index}
}

// Sweep compares every indexed vector against the document store and every
// ingested document against the index. With repair set, orphaned vectors are
// deleted and documents missing vectors are reset to pending so the next
// ingestion cycle rebuilds them.
func (s *Sweeper) Sweep(ctx context.Context, repair bool) (*Report, error) {
	refs, err := s.index.ListChunkRefs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list indexed chunks: %w", err)
	}

	ingested, err := s.docs.List(ctx, document.StatusIngested)
	if err != nil {
		return nil, fmt.Errorf("list ingested documents: %w", err)
	}

	ingestedIDs := make(map[string]bool, len(ingested))
	for _, d := range ingested {
		ingestedIDs[d.ID] = true
	}

	report := &Report{DocumentsChecked: len(ingested), Repaired: repair}

	// Vectors pointing at documents that are gone or not ingested.
	orphanDocs := make(map[string]int)
	indexed := make(map[string]bool, len(refs))
	for _, ref := range refs {
		indexed[ref.ChunkID] = true
		if !ingestedIDs[ref.DocumentID] {
			orphanDocs[ref.DocumentID]++
			report.OrphanVectors++
		}
	}
	for docID := range orphanDocs {
		report.OrphanDocuments = append(report.OrphanDocuments, docID)
		if repair {
			if err := s.index.DeleteByDocument(ctx, docID); err != nil {
				return nil, fmt.Errorf("delete orphan vectors for %s: %w", docID, err)
			}
			slog.InfoContext(ctx, "removed orphan vectors", "document_id", docID, "count", orphanDocs[docID])
		}
	}

	// Ingested chunks whose vectors never made it into the index.
	for _, d := range ingested {
		chunks, err := s.docs.GetChunks(ctx, d.ID)
		if err != nil {
			return nil, fmt.Errorf("get chunks for %s: %w", d.ID, err)
		}
		missing := 0
		for _, c := range chunks {
			if !indexed[c.ID] {
				missing++
			}
		}
		if missing == 0 {
			continue
		}
		report.MissingVectors += missing
		if repair {
			if err := s.docs.UpdateStatus(ctx, d.ID, document.StatusPending); err != nil {
				return nil, fmt.Errorf("reset %s to pending: %w", d.ID, err)
			}
			slog.InfoContext(ctx, "document missing vectors, reset to pending", "document_id", d.ID, "missing", missing)
		}
	}

	return report, nil
}
