package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the net quantity held for an instrument on one venue. It is
// changed only by applying fills.
type Position struct {
	Instrument string          `json:"instrument"`
	Venue      string          `json:"venue"`
	Quantity   decimal.Decimal `json:"quantity"`
	CashFlow   decimal.Decimal `json:"cash_flow"`
	Fills      int             `json:"fills"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Key returns the (venue, instrument) pair of the position.
func (p Position) Key() QuoteKey {
	return QuoteKey{Venue: p.Venue, Instrument: p.Instrument}
}
