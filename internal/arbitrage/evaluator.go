// Package arbitrage computes cross-venue opportunities from quote snapshots.
package arbitrage

import (
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/simplearb/internal/domain"
)

var bpsDivisor = decimal.NewFromInt(10_000)

// Config configures the spread evaluator.
type Config struct {
	// MinEdge is the per-unit net edge an opportunity must strictly exceed.
	MinEdge     decimal.Decimal
	MaxQuoteAge time.Duration
	// SlippageBps is charged on the notional of both legs.
	SlippageBps decimal.Decimal
	// FeeBps is the taker fee rate per venue. Unknown venues pay zero.
	FeeBps       map[string]decimal.Decimal
	MaxTradeSize decimal.Decimal
}

// Evaluator turns a quote snapshot into candidate opportunities. It holds no
// state between calls.
type Evaluator struct {
	cfg   Config
	now   func() time.Time
	newID func() string
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(cfg Config) *Evaluator {
	if cfg.FeeBps == nil {
		cfg.FeeBps = map[string]decimal.Decimal{}
	}
	return &Evaluator{cfg: cfg, now: time.Now, newID: uuid.NewString}
}

// Config returns the evaluator's parameters.
func (e *Evaluator) Config() Config { return e.cfg }

// Evaluate lazily yields every opportunity in snapshot. All unordered venue
// pairs are visited and both directions of each pair are tried. A direction
// is yielded only when both quotes are within the age window and the net
// edge strictly exceeds the minimum.
func (e *Evaluator) Evaluate(snapshot []domain.AgedQuote) iter.Seq[domain.Opportunity] {
	return func(yield func(domain.Opportunity) bool) {
		for i := 0; i < len(snapshot); i++ {
			for j := i + 1; j < len(snapshot); j++ {
				a, b := snapshot[i], snapshot[j]
				if a.Venue == b.Venue || a.Instrument != b.Instrument {
					continue
				}
				if opp, ok := e.consider(a, b); ok && !yield(opp) {
					return
				}
				if opp, ok := e.consider(b, a); ok && !yield(opp) {
					return
				}
			}
		}
	}
}

func (e *Evaluator) consider(buy, sell domain.AgedQuote) (domain.Opportunity, bool) {
	if buy.Age > e.cfg.MaxQuoteAge || sell.Age > e.cfg.MaxQuoteAge {
		return domain.Opportunity{}, false
	}
	edge := e.Edge(buy.Quote, sell.Quote)
	if !edge.GreaterThan(e.cfg.MinEdge) {
		return domain.Opportunity{}, false
	}
	size := decimal.Min(buy.AskSize, sell.BidSize)
	if e.cfg.MaxTradeSize.IsPositive() {
		size = decimal.Min(size, e.cfg.MaxTradeSize)
	}
	if !size.IsPositive() {
		return domain.Opportunity{}, false
	}
	return domain.Opportunity{
		ID:             e.newID(),
		Instrument:     buy.Instrument,
		BuyVenue:       buy.Venue,
		SellVenue:      sell.Venue,
		BuyPrice:       buy.Ask,
		SellPrice:      sell.Bid,
		Size:           size,
		Edge:           edge,
		BuyObservedAt:  buy.ObservedAt,
		SellObservedAt: sell.ObservedAt,
		DetectedAt:     e.now(),
	}, true
}

// Edge is the per-unit net profit of buying at buy's ask and selling at
// sell's bid: bid - ask - fee(ask) - fee(bid) - slippage. It depends only on
// the two quotes and the evaluator's configuration.
func (e *Evaluator) Edge(buy, sell domain.Quote) decimal.Decimal {
	feeBuy := buy.Ask.Mul(e.cfg.FeeBps[buy.Venue]).Div(bpsDivisor)
	feeSell := sell.Bid.Mul(e.cfg.FeeBps[sell.Venue]).Div(bpsDivisor)
	slippage := buy.Ask.Add(sell.Bid).Mul(e.cfg.SlippageBps).Div(bpsDivisor)
	return sell.Bid.Sub(buy.Ask).Sub(feeBuy).Sub(feeSell).Sub(slippage)
}

// Rank orders opportunities for the gate: larger edge first, then larger
// matched size, then buy and sell venue ids lexicographically.
func Rank(opps []domain.Opportunity) {
	slices.SortStableFunc(opps, compare)
}

// Ranked collects seq and returns it in gate order.
func Ranked(seq iter.Seq[domain.Opportunity]) []domain.Opportunity {
	opps := slices.Collect(seq)
	Rank(opps)
	return opps
}

func compare(a, b domain.Opportunity) int {
	if c := b.Edge.Cmp(a.Edge); c != 0 {
		return c
	}
	if c := b.Size.Cmp(a.Size); c != 0 {
		return c
	}
	if c := strings.Compare(a.BuyVenue, b.BuyVenue); c != 0 {
		return c
	}
	return strings.Compare(a.SellVenue, b.SellVenue)
}
