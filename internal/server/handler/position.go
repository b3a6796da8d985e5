package handler

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/simplearb/internal/domain"
)

// PositionSource is the ledger view the position handler requires.
type PositionSource interface {
	Positions() []domain.Position
	CashFlow() decimal.Decimal
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionSource
}

// NewPositionHandler creates a PositionHandler over the ledger.
func NewPositionHandler(positions PositionSource) *PositionHandler {
	return &PositionHandler{positions: positions}
}

type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
	CashFlow  decimal.Decimal   `json:"cash_flow"`
}

// ListPositions returns every (venue, instrument) position and the realised
// cash flow across venues. An optional venue query parameter filters.
// GET /api/positions?venue=a
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	venue := r.URL.Query().Get("venue")
	positions := []domain.Position{}
	for _, p := range h.positions.Positions() {
		if venue == "" || p.Venue == venue {
			positions = append(positions, p)
		}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{
		Positions: positions,
		CashFlow:  h.positions.CashFlow(),
	})
}
