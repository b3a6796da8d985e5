package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Fill is a confirmed execution reported by a venue. ID is the venue's fill
// identifier; the same fill may be delivered more than once.
type Fill struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Venue          string          `json:"venue"`
	Instrument     string          `json:"instrument"`
	Side           Side            `json:"side"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	Fee            decimal.Decimal `json:"fee"`
	FilledAt       time.Time       `json:"filled_at"`
}

// SignedQuantity is positive for buys and negative for sells.
func (f Fill) SignedQuantity() decimal.Decimal {
	if f.Side == SideSell {
		return f.Quantity.Neg()
	}
	return f.Quantity
}

// CashFlow is the signed quote-currency change caused by the fill, fees
// included: buying spends, selling receives.
func (f Fill) CashFlow() decimal.Decimal {
	notional := f.Price.Mul(f.Quantity)
	if f.Side == SideSell {
		return notional.Sub(f.Fee)
	}
	return notional.Neg().Sub(f.Fee)
}

// ReportKind classifies asynchronous venue events.
type ReportKind string

const (
	ReportFill   ReportKind = "fill"
	ReportReject ReportKind = "reject"
	ReportExpire ReportKind = "expire" // venue retired the order, remaining quantity is dead
)

// ExecutionReport is an asynchronous venue event correlated by idempotency key.
type ExecutionReport struct {
	Kind           ReportKind `json:"kind"`
	IdempotencyKey string     `json:"idempotency_key"`
	Venue          string     `json:"venue"`
	Fill           *Fill      `json:"fill,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	At             time.Time  `json:"at"`
}
