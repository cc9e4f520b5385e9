package reconcilehttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"corpusd/internal/middleware"
	"corpusd/internal/reconcile"
)

type Sweeper interface {
	Sweep(ctx context.Context, repair bool) (*reconcile.Report, error)
}

type Handler struct {
	sweeper Sweeper
}

func NewHandler(sweeper Sweeper) *Handler {
	return &Handler{sweeper: sweeper}
}

// Sweep runs one consistency check between the document store and the vector
// index. Pass ?repair=true to also fix what it finds.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	repair := r.URL.Query().Get("repair") == "true"

	report, err := h.sweeper.Sweep(r.Context(), repair)
	if err != nil {
		slog.ErrorContext(r.Context(), "reconciliation sweep failed", "error", err)
		h.writeError(r.Context(), w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": report}); err != nil {
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
