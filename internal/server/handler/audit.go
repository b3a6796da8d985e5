package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/simplearb/internal/domain"
)

// AuditHandler serves the audit journal. Without a store the list is empty.
type AuditHandler struct {
	store  domain.AuditStore
	logger *slog.Logger
}

// NewAuditHandler creates an AuditHandler. store may be nil.
func NewAuditHandler(store domain.AuditStore, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{store: store, logger: logHandler(logger, "audit")}
}

type listAuditResponse struct {
	Entries []domain.AuditEntry `json:"entries"`
}

// ListAudit returns audit entries, newest first.
// GET /api/audit?event=late_fill&since=2025-01-02T00:00:00Z&limit=50
func (h *AuditHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	f := domain.AuditFilter{Event: r.URL.Query().Get("event"), Limit: parseLimit(r)}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		f.Since = since
	}
	if h.store == nil {
		writeJSON(w, http.StatusOK, listAuditResponse{Entries: []domain.AuditEntry{}})
		return
	}

	entries, err := h.store.List(r.Context(), f)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list audit failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, listAuditResponse{Entries: entries})
}
