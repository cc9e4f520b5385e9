package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"corpusd/internal/middleware"
)

type DocumentRepo interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
	CountChunks(ctx context.Context) (int, error)
}

type JobRepo interface {
	Count(ctx context.Context) (int, error)
}

type VectorStore interface {
	CountChunks(ctx context.Context) (int, error)
}

type Handler struct {
	docRepo     DocumentRepo
	jobRepo     JobRepo
	vectorStore VectorStore
}

func NewHandler(d DocumentRepo, j JobRepo, v VectorStore) *Handler {
	return &Handler{docRepo: d, jobRepo: j, vectorStore: v}
}

type StatsResponse struct {
	Documents    map[string]int `json:"documents"`
	Chunks       int            `json:"chunks"`
	VectorChunks int            `json:"vector_chunks"`
	FailedJobs   int            `json:"failed_jobs"`
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	byStatus, err := h.docRepo.CountByStatus(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count documents", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count documents", http.StatusInternalServerError)
		return
	}

	chunks, err := h.docRepo.CountChunks(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count chunks", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count chunks", http.StatusInternalServerError)
		return
	}

	vectors, err := h.vectorStore.CountChunks(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count vectors", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count vectors", http.StatusInternalServerError)
		return
	}

	jobs, err := h.jobRepo.Count(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count jobs", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count jobs", http.StatusInternalServerError)
		return
	}

	resp := StatsResponse{
		Documents:    byStatus,
		Chunks:       chunks,
		VectorChunks: vectors,
		FailedJobs:   jobs,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode error response", "error", err)
	}
}
