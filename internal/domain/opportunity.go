package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Opportunity is a detected cross-venue discrepancy: buy at BuyVenue's ask,
// sell at SellVenue's bid. It is only meaningful relative to the quote
// snapshot that produced it and is never carried across cycles.
type Opportunity struct {
	ID             string          `json:"id"`
	Instrument     string          `json:"instrument"`
	BuyVenue       string          `json:"buy_venue"`
	SellVenue      string          `json:"sell_venue"`
	BuyPrice       decimal.Decimal `json:"buy_price"`
	SellPrice      decimal.Decimal `json:"sell_price"`
	Size           decimal.Decimal `json:"size"`
	Edge           decimal.Decimal `json:"edge"`
	BuyObservedAt  time.Time       `json:"buy_observed_at"`
	SellObservedAt time.Time       `json:"sell_observed_at"`
	DetectedAt     time.Time       `json:"detected_at"`
}

// ExpectedPnL is the per-unit edge multiplied by the matched size.
func (o Opportunity) ExpectedPnL() decimal.Decimal {
	return o.Edge.Mul(o.Size)
}

// BuyLeg returns the cache key of the buy side.
func (o Opportunity) BuyLeg() QuoteKey {
	return QuoteKey{Venue: o.BuyVenue, Instrument: o.Instrument}
}

// SellLeg returns the cache key of the sell side.
func (o Opportunity) SellLeg() QuoteKey {
	return QuoteKey{Venue: o.SellVenue, Instrument: o.Instrument}
}
