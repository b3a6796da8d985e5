package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side indicates whether a leg buys or sells.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() int64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// Opposite returns the offsetting side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// IntentState tracks an order intent through submission.
type IntentState string

const (
	IntentPending   IntentState = "pending"   // registered, not yet acknowledged
	IntentAcked     IntentState = "acked"     // venue accepted, awaiting fills
	IntentFilled    IntentState = "filled"    // done with a non-zero fill (full or partial)
	IntentRejected  IntentState = "rejected"  // venue declined
	IntentExpired   IntentState = "expired"   // no ack or no fill before the deadline
	IntentCancelled IntentState = "cancelled" // cancelled at the venue on shutdown
)

// Terminal reports whether no further venue events are expected.
func (s IntentState) Terminal() bool {
	switch s {
	case IntentFilled, IntentRejected, IntentExpired, IntentCancelled:
		return true
	}
	return false
}

// OrderIntent is one leg of an accepted opportunity. The idempotency key is
// minted once by the gate and reused verbatim for every submission attempt.
type OrderIntent struct {
	ID             string          `json:"id"`
	OpportunityID  string          `json:"opportunity_id"`
	CorrelationID  string          `json:"correlation_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Venue          string          `json:"venue"`
	Instrument     string          `json:"instrument"`
	Side           Side            `json:"side"`
	Price          decimal.Decimal `json:"price"`
	Size           decimal.Decimal `json:"size"`
	Unwind         bool            `json:"unwind,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	Deadline       time.Time       `json:"deadline"`
}

// Leg returns the cache key this intent trades.
func (i OrderIntent) Leg() QuoteKey {
	return QuoteKey{Venue: i.Venue, Instrument: i.Instrument}
}

// IntentPair is the two legs produced by accepting an opportunity.
type IntentPair struct {
	Opportunity Opportunity
	Buy         OrderIntent
	Sell        OrderIntent
}

// CorrelationID returns the id shared by both legs.
func (p IntentPair) CorrelationID() string {
	return p.Buy.CorrelationID
}

// Ack is a venue's acknowledgement of a submitted intent.
type Ack struct {
	IdempotencyKey string
	VenueOrderID   string
	AcceptedAt     time.Time
}

// IntentRecord is the dispatcher's view of an intent: its immutable request
// plus mutable progress. Records are returned by value.
type IntentRecord struct {
	Intent       OrderIntent     `json:"intent"`
	State        IntentState     `json:"state"`
	VenueOrderID string          `json:"venue_order_id,omitempty"`
	FilledQty    decimal.Decimal `json:"filled_qty"`
	Attempts     int             `json:"attempts"`
	LastError    string          `json:"last_error,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Remaining is the unfilled part of the intent.
func (r IntentRecord) Remaining() decimal.Decimal {
	return r.Intent.Size.Sub(r.FilledQty)
}
