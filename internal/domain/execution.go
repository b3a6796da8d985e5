package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionStatus is the outcome of a two-leg execution.
type ExecutionStatus string

const (
	ExecPending ExecutionStatus = "pending"
	ExecFilled  ExecutionStatus = "filled"  // both legs filled the same quantity
	ExecPartial ExecutionStatus = "partial" // legs finished unequal, unwind issued
	ExecUnwound ExecutionStatus = "unwound" // unwind order reached a terminal fill
	ExecFailed  ExecutionStatus = "failed"  // nothing filled
	ExecManual  ExecutionStatus = "manual"  // exposure left for operator intervention
)

// Execution records one accepted opportunity and its legs. ID is the
// correlation id shared by the legs.
type Execution struct {
	ID            string          `json:"id"`
	OpportunityID string          `json:"opportunity_id"`
	Instrument    string          `json:"instrument"`
	BuyVenue      string          `json:"buy_venue"`
	SellVenue     string          `json:"sell_venue"`
	Size          decimal.Decimal `json:"size"`
	Edge          decimal.Decimal `json:"edge"`
	ExpectedPnL   decimal.Decimal `json:"expected_pnl"`
	Status        ExecutionStatus `json:"status"`
	Legs          []ExecutionLeg  `json:"legs"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// ExecutionLeg is the persisted state of one intent of an execution.
type ExecutionLeg struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Venue          string          `json:"venue"`
	Side           Side            `json:"side"`
	Price          decimal.Decimal `json:"price"`
	Size           decimal.Decimal `json:"size"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	State          IntentState     `json:"state"`
	Unwind         bool            `json:"unwind"`
}

// NewExecution builds the pending record for an accepted pair.
func NewExecution(p IntentPair) Execution {
	return Execution{
		ID:            p.CorrelationID(),
		OpportunityID: p.Opportunity.ID,
		Instrument:    p.Opportunity.Instrument,
		BuyVenue:      p.Buy.Venue,
		SellVenue:     p.Sell.Venue,
		Size:          p.Opportunity.Size,
		Edge:          p.Opportunity.Edge,
		ExpectedPnL:   p.Opportunity.ExpectedPnL(),
		Status:        ExecPending,
		Legs:          []ExecutionLeg{LegOf(IntentRecord{Intent: p.Buy, State: IntentPending}), LegOf(IntentRecord{Intent: p.Sell, State: IntentPending})},
		StartedAt:     p.Buy.CreatedAt,
	}
}

// LegOf converts a dispatcher record into its persisted leg.
func LegOf(r IntentRecord) ExecutionLeg {
	return ExecutionLeg{
		IdempotencyKey: r.Intent.IdempotencyKey,
		Venue:          r.Intent.Venue,
		Side:           r.Intent.Side,
		Price:          r.Intent.Price,
		Size:           r.Intent.Size,
		FilledQty:      r.FilledQty,
		State:          r.State,
		Unwind:         r.Intent.Unwind,
	}
}

// EngineStatus is a point-in-time summary of the driver.
type EngineStatus struct {
	Mode          string    `json:"mode"`
	State         string    `json:"state"`
	Cycles        uint64    `json:"cycles"`
	Opportunities uint64    `json:"opportunities"`
	Accepted      uint64    `json:"accepted"`
	Rejected      uint64    `json:"rejected"`
	InFlight      int       `json:"in_flight"`
	LastCycleAt   time.Time `json:"last_cycle_at"`
	StartedAt     time.Time `json:"started_at"`
}
