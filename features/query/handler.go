package query

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"corpusd/internal/answer"
	"corpusd/internal/middleware"
	"corpusd/internal/retrieval"
)

type Retriever interface {
	Retrieve(ctx context.Context, query string, opts retrieval.Options) ([]retrieval.Result, error)
}

type Answerer interface {
	Answer(ctx context.Context, query string, opts retrieval.Options) (*answer.Answer, error)
}

// Defaults apply when a request leaves the corresponding option unset.
type Defaults struct {
	MaxChunksPerDocument int
	StrictHydration      bool
}

type Handler struct {
	retriever Retriever
	answerer  Answerer
	defaults  Defaults
}

func NewHandler(retriever Retriever, answerer Answerer, defaults Defaults) *Handler {
	return &Handler{retriever: retriever, answerer: answerer, defaults: defaults}
}

type request struct {
	Query                string `json:"query"`
	TopK                 int    `json:"top_k"`
	MaxChunksPerDocument int    `json:"max_chunks_per_document"`
	SourceHost           string `json:"source_host"`
	FetchedAfter         string `json:"fetched_after"`
	FetchedBefore        string `json:"fetched_before"`
	Generate             bool   `json:"generate"`
}

func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	if req.Query == "" {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "query is required", http.StatusBadRequest)
		return
	}

	opts := retrieval.Options{
		TopK:                 req.TopK,
		MaxChunksPerDocument: req.MaxChunksPerDocument,
		SourceHost:           req.SourceHost,
		StrictHydration:      h.defaults.StrictHydration,
	}
	if opts.MaxChunksPerDocument == 0 {
		opts.MaxChunksPerDocument = h.defaults.MaxChunksPerDocument
	}
	if req.FetchedAfter != "" {
		ts, err := time.Parse(time.RFC3339, req.FetchedAfter)
		if err != nil {
			h.writeError(r.Context(), w, "VALIDATION_ERROR", "fetched_after must be RFC3339", http.StatusBadRequest)
			return
		}
		opts.FetchedAfter = ts
	}
	if req.FetchedBefore != "" {
		ts, err := time.Parse(time.RFC3339, req.FetchedBefore)
		if err != nil {
			h.writeError(r.Context(), w, "VALIDATION_ERROR", "fetched_before must be RFC3339", http.StatusBadRequest)
			return
		}
		opts.FetchedBefore = ts
	}

	if req.Generate {
		ans, err := h.answerer.Answer(r.Context(), req.Query, opts)
		if err != nil {
			h.serviceError(r.Context(), w, err)
			return
		}
		h.writeData(w, ans)
		return
	}

	results, err := h.retriever.Retrieve(r.Context(), req.Query, opts)
	if err != nil {
		h.serviceError(r.Context(), w, err)
		return
	}
	if results == nil {
		results = []retrieval.Result{}
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": results,
		"meta": map[string]int{"count": len(results)},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) serviceError(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, retrieval.ErrVersionMismatch) {
		h.writeError(ctx, w, "VERSION_MISMATCH", err.Error(), http.StatusConflict)
		return
	}
	slog.ErrorContext(ctx, "query failed", "error", err)
	h.writeError(ctx, w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
}

func (h *Handler) writeData(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		slog.Error("failed to encode response", "error", err)
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
		slog.Error("failed to encode error response", "error", err)
	}
}
