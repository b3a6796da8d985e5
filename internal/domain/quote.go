package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// QuoteKey identifies the single cache slot a quote occupies.
type QuoteKey struct {
	Venue      string
	Instrument string
}

func (k QuoteKey) String() string {
	return k.Venue + ":" + k.Instrument
}

// Quote is a venue's best bid/ask for an instrument at a point in time.
// Quotes are values; nothing mutates one after it is built.
type Quote struct {
	Venue      string          `json:"venue"`
	Instrument string          `json:"instrument"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	BidSize    decimal.Decimal `json:"bid_size"`
	AskSize    decimal.Decimal `json:"ask_size"`
	ObservedAt time.Time       `json:"observed_at"`
}

// Key returns the (venue, instrument) pair of the quote.
func (q Quote) Key() QuoteKey {
	return QuoteKey{Venue: q.Venue, Instrument: q.Instrument}
}

// Age reports how old the quote is relative to now. Quotes stamped in the
// future (clock skew between hosts) have age zero.
func (q Quote) Age(now time.Time) time.Duration {
	age := now.Sub(q.ObservedAt)
	if age < 0 {
		return 0
	}
	return age
}

// Validate rejects quotes a feed should never have produced.
func (q Quote) Validate() error {
	switch {
	case q.Venue == "" || q.Instrument == "":
		return fmt.Errorf("quote: missing venue or instrument")
	case q.ObservedAt.IsZero():
		return fmt.Errorf("quote %s: missing observation time", q.Key())
	case !q.Bid.IsPositive() || !q.Ask.IsPositive():
		return fmt.Errorf("quote %s: non-positive price bid=%s ask=%s", q.Key(), q.Bid, q.Ask)
	case q.BidSize.IsNegative() || q.AskSize.IsNegative():
		return fmt.Errorf("quote %s: negative size", q.Key())
	}
	return nil
}

// AgedQuote is a cached quote tagged with its age at snapshot time.
type AgedQuote struct {
	Quote
	Age time.Duration `json:"age"`
}
