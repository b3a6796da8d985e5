package handler

import (
	"net/http"

	"github.com/alanyoungcy/simplearb/internal/domain"
)

// StatusHandler serves the engine status for the dashboard.
type StatusHandler struct {
	status func() domain.EngineStatus
}

// NewStatusHandler creates a StatusHandler reading from status.
func NewStatusHandler(status func() domain.EngineStatus) *StatusHandler {
	return &StatusHandler{status: status}
}

// GetStatus responds with the driver's mode, state and counters.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status())
}
