package handler

import (
	"net/http"

	"github.com/alanyoungcy/simplearb/internal/domain"
)

// IntentSource is the dispatcher view the intent handler requires.
type IntentSource interface {
	Records(limit int) []domain.IntentRecord
	Open() []domain.IntentRecord
}

// IntentHandler serves the dispatcher's intent registry.
type IntentHandler struct {
	intents IntentSource
}

// NewIntentHandler creates an IntentHandler.
func NewIntentHandler(intents IntentSource) *IntentHandler {
	return &IntentHandler{intents: intents}
}

type listIntentsResponse struct {
	Intents []domain.IntentRecord `json:"intents"`
}

// ListIntents returns the most recently updated intents, or only the
// non-terminal ones when open=true.
// GET /api/intents?open=true&limit=50
func (h *IntentHandler) ListIntents(w http.ResponseWriter, r *http.Request) {
	var records []domain.IntentRecord
	if r.URL.Query().Get("open") == "true" {
		records = h.intents.Open()
	} else {
		records = h.intents.Records(parseLimit(r))
	}
	if records == nil {
		records = []domain.IntentRecord{}
	}
	writeJSON(w, http.StatusOK, listIntentsResponse{Intents: records})
}
