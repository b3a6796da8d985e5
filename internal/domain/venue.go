package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// QuoteStream is an unbounded sequence of quotes from one venue connection.
// Recv blocks until a quote arrives, the stream breaks, or ctx ends.
type QuoteStream interface {
	Recv(ctx context.Context) (Quote, error)
	Close() error
}

// QuoteFeed is a venue's market-data capability.
type QuoteFeed interface {
	Venue() string
	Subscribe(ctx context.Context, instruments []string) (QuoteStream, error)
}

// ExecutionVenue is a venue's order-entry capability. Submit returns once the
// venue acknowledges or refuses; fills arrive later on Reports.
type ExecutionVenue interface {
	Venue() string
	Submit(ctx context.Context, intent OrderIntent) (Ack, error)
	Cancel(ctx context.Context, idempotencyKey string) error
	Reports() <-chan ExecutionReport
}

// BalanceProvider is implemented by venues that expose free collateral.
type BalanceProvider interface {
	Balance(ctx context.Context) (decimal.Decimal, error)
}

// RejectedError marks a submission the venue declined outright. It is not
// retried.
type RejectedError struct {
	Venue  string
	Reason string
}

func (e *RejectedError) Error() string {
	return "venue " + e.Venue + " rejected order: " + e.Reason
}
