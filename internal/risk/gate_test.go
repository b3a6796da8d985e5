package risk

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/simplearb/internal/domain"
	"github.com/alanyoungcy/simplearb/internal/ledger"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fakePositions reports a fixed marked PnL; kill switch valuation is
// covered against the real ledger below.
type fakePositions struct {
	pos map[domain.QuoteKey]decimal.Decimal
	pnl decimal.Decimal
}

func (f *fakePositions) Position(k domain.QuoteKey) decimal.Decimal { return f.pos[k] }

func (f *fakePositions) Positions() []domain.Position {
	var out []domain.Position
	for k, q := range f.pos {
		out = append(out, domain.Position{Venue: k.Venue, Instrument: k.Instrument, Quantity: q})
	}
	return out
}

func (f *fakePositions) MarkToMarket(map[domain.QuoteKey]decimal.Decimal) decimal.Decimal {
	return f.pnl
}

type fakeQuotes map[domain.QuoteKey]domain.Quote

func (f fakeQuotes) Get(k domain.QuoteKey) (domain.Quote, bool) {
	q, ok := f[k]
	return q, ok
}

type fakeInFlight map[domain.QuoteKey]bool

func (f fakeInFlight) Busy(k domain.QuoteKey) bool { return f[k] }

type fixedBalance string

func (b fixedBalance) Balance(context.Context) (decimal.Decimal, error) {
	return decimal.RequireFromString(string(b)), nil
}

func quote(venue, bid, ask string, at time.Time) domain.Quote {
	return domain.Quote{
		Venue: venue, Instrument: "BTC-USD",
		Bid: d(bid), Ask: d(ask), BidSize: d("5"), AskSize: d("5"),
		ObservedAt: at,
	}
}

// edge mirrors the evaluator with 10 bps fees on every venue.
func edge(buy, sell domain.Quote) decimal.Decimal {
	fee := func(p decimal.Decimal) decimal.Decimal { return p.Mul(d("10")).Div(d("10000")) }
	return sell.Bid.Sub(buy.Ask).Sub(fee(buy.Ask)).Sub(fee(sell.Bid))
}

type fixture struct {
	positions *fakePositions
	quotes    fakeQuotes
	inflight  fakeInFlight
	balances  map[string]domain.BalanceProvider
	cfg       Config
}

func newFixture() *fixture {
	f := &fixture{
		positions: &fakePositions{pos: map[domain.QuoteKey]decimal.Decimal{}},
		quotes:    fakeQuotes{},
		inflight:  fakeInFlight{},
		cfg: Config{
			MinEdge:        d("0.10"),
			MaxQuoteAge:    5 * time.Second,
			PositionLimit:  d("10"),
			KillSwitchLoss: d("100"),
			FillDeadline:   10 * time.Second,
		},
	}
	f.quotes[domain.QuoteKey{Venue: "a", Instrument: "BTC-USD"}] = quote("a", "99.90", "100.00", t0)
	f.quotes[domain.QuoteKey{Venue: "b", Instrument: "BTC-USD"}] = quote("b", "100.50", "100.60", t0)
	return f
}

func (f *fixture) gate() *Gate {
	g := NewGate(f.cfg, f.positions, f.quotes, f.inflight, edge, f.balances, slog.New(slog.NewTextHandler(io.Discard, nil)))
	g.now = func() time.Time { return t0.Add(time.Second) }
	return g
}

func opp(id, buy, sell, size string) domain.Opportunity {
	return domain.Opportunity{
		ID: id, Instrument: "BTC-USD",
		BuyVenue: buy, SellVenue: sell,
		BuyPrice: d("100.00"), SellPrice: d("100.50"),
		Size: d(size), Edge: d("0.2995"),
		BuyObservedAt: t0, SellObservedAt: t0,
	}
}

func TestAcceptMintsPairWithSharedCorrelation(t *testing.T) {
	f := newFixture()
	decisions := f.gate().Decide(context.Background(), []domain.Opportunity{opp("o1", "a", "b", "2")})
	require.Len(t, decisions, 1)
	dec := decisions[0]
	require.True(t, dec.Accepted, "rejected: %v", dec.Err)

	p := dec.Pair
	assert.Equal(t, p.Buy.CorrelationID, p.Sell.CorrelationID)
	assert.NotEmpty(t, p.Buy.CorrelationID)
	assert.NotEqual(t, p.Buy.IdempotencyKey, p.Sell.IdempotencyKey)
	assert.Equal(t, domain.SideBuy, p.Buy.Side)
	assert.Equal(t, "a", p.Buy.Venue)
	assert.Equal(t, domain.SideSell, p.Sell.Side)
	assert.Equal(t, "b", p.Sell.Venue)
	assert.True(t, p.Buy.Price.Equal(d("100")))
	assert.True(t, p.Sell.Price.Equal(d("100.5")))
	assert.Equal(t, t0.Add(11*time.Second), p.Buy.Deadline)
	assert.Equal(t, "o1", p.Sell.OpportunityID)
}

func TestOverlappingOpportunityInSameBatchIsDuplicate(t *testing.T) {
	f := newFixture()
	f.quotes[domain.QuoteKey{Venue: "c", Instrument: "BTC-USD"}] = quote("c", "100.40", "100.70", t0)
	opps := []domain.Opportunity{opp("first", "a", "b", "1"), opp("second", "a", "c", "1")}

	decisions := f.gate().Decide(context.Background(), opps)
	require.Len(t, decisions, 2)
	assert.True(t, decisions[0].Accepted)
	assert.False(t, decisions[1].Accepted)
	assert.Equal(t, domain.RejectDuplicate, decisions[1].Reason)
	var dup *domain.DuplicateSubmissionError
	require.ErrorAs(t, decisions[1].Err, &dup)
	assert.Equal(t, "a", dup.Leg.Venue)
}

func TestOverlapNearLimitIsDuplicate(t *testing.T) {
	f := newFixture()
	f.cfg.PositionLimit = d("5")
	f.positions.pos[domain.QuoteKey{Venue: "a", Instrument: "BTC-USD"}] = d("3.5")
	f.quotes[domain.QuoteKey{Venue: "c", Instrument: "BTC-USD"}] = quote("c", "100.40", "100.70", t0)
	opps := []domain.Opportunity{opp("first", "a", "b", "1"), opp("second", "a", "c", "1")}

	decisions := f.gate().Decide(context.Background(), opps)
	require.Len(t, decisions, 2)
	assert.True(t, decisions[0].Accepted, "rejected: %v", decisions[0].Err)
	assert.Equal(t, domain.RejectDuplicate, decisions[1].Reason)
	assert.ErrorIs(t, decisions[1].Err, domain.ErrDuplicateSubmission)
}

func TestLegAlreadyInFlightIsDuplicate(t *testing.T) {
	f := newFixture()
	f.inflight[domain.QuoteKey{Venue: "b", Instrument: "BTC-USD"}] = true
	decisions := f.gate().Decide(context.Background(), []domain.Opportunity{opp("o1", "a", "b", "1")})
	assert.Equal(t, domain.RejectDuplicate, decisions[0].Reason)
	assert.ErrorIs(t, decisions[0].Err, domain.ErrDuplicateSubmission)
}

func TestPositionLimit(t *testing.T) {
	f := newFixture()
	f.positions.pos[domain.QuoteKey{Venue: "b", Instrument: "BTC-USD"}] = d("-9")
	decisions := f.gate().Decide(context.Background(), []domain.Opportunity{opp("o1", "a", "b", "2")})
	assert.Equal(t, domain.RejectLimitExceeded, decisions[0].Reason)
	var lim *domain.LimitExceededError
	require.ErrorAs(t, decisions[0].Err, &lim)
	assert.Equal(t, "-11", lim.Projected.String())

	f.cfg.VenueLimits = map[string]decimal.Decimal{"b": d("20")}
	decisions = f.gate().Decide(context.Background(), []domain.Opportunity{opp("o1", "a", "b", "2")})
	assert.True(t, decisions[0].Accepted)
}

func TestStaleAtDecisionTime(t *testing.T) {
	f := newFixture()
	f.quotes[domain.QuoteKey{Venue: "b", Instrument: "BTC-USD"}] = quote("b", "100.50", "100.60", t0.Add(-10*time.Second))
	o := opp("o1", "a", "b", "1")
	o.SellObservedAt = t0.Add(-10 * time.Second)

	decisions := f.gate().Decide(context.Background(), []domain.Opportunity{o})
	assert.Equal(t, domain.RejectStale, decisions[0].Reason)
	assert.ErrorIs(t, decisions[0].Err, domain.ErrStaleData)
}

func TestSupersededQuoteRechecksEdge(t *testing.T) {
	f := newFixture()
	// b's bid collapsed after evaluation.
	f.quotes[domain.QuoteKey{Venue: "b", Instrument: "BTC-USD"}] = quote("b", "100.05", "100.60", t0.Add(500*time.Millisecond))
	decisions := f.gate().Decide(context.Background(), []domain.Opportunity{opp("o1", "a", "b", "1")})
	assert.Equal(t, domain.RejectStale, decisions[0].Reason)

	// A newer quote that still clears the threshold keeps the opportunity.
	f.quotes[domain.QuoteKey{Venue: "b", Instrument: "BTC-USD"}] = quote("b", "100.60", "100.70", t0.Add(500*time.Millisecond))
	decisions = f.gate().Decide(context.Background(), []domain.Opportunity{opp("o1", "a", "b", "1")})
	assert.True(t, decisions[0].Accepted)
}

func TestKillSwitchLatches(t *testing.T) {
	f := newFixture()
	f.positions.pnl = d("-300")
	f.positions.pos[domain.QuoteKey{Venue: "a", Instrument: "BTC-USD"}] = d("1")
	g := f.gate()

	decisions := g.Decide(context.Background(), []domain.Opportunity{opp("o1", "a", "b", "1")})
	assert.Equal(t, domain.RejectKillSwitch, decisions[0].Reason)
	assert.True(t, g.Tripped())

	// Recovering PnL does not reset the latch.
	f.positions.pnl = decimal.Zero
	decisions = g.Decide(context.Background(), []domain.Opportunity{opp("o2", "a", "b", "1")})
	assert.Equal(t, domain.RejectKillSwitch, decisions[0].Reason)
}

func TestBalanceCapsSize(t *testing.T) {
	f := newFixture()
	f.cfg.BalanceFraction = d("0.5")
	f.balances = map[string]domain.BalanceProvider{"a": fixedBalance("300"), "b": fixedBalance("1000")}

	decisions := f.gate().Decide(context.Background(), []domain.Opportunity{opp("o1", "a", "b", "2")})
	require.True(t, decisions[0].Accepted)
	// 300 * 0.5 / 100 = 1.5
	assert.Equal(t, "1.5", decisions[0].Pair.Buy.Size.String())
	assert.Equal(t, "1.5", decisions[0].Pair.Sell.Size.String())
}

func startLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l := ledger.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l
}

func applyBuy(t *testing.T, l *ledger.Ledger, id, venue, price string) {
	t.Helper()
	_, err := l.Apply(context.Background(), domain.Fill{
		ID: id, Venue: venue, Instrument: "BTC-USD", Side: domain.SideBuy,
		Price: d(price), Quantity: d("1"), FilledAt: t0,
	})
	require.NoError(t, err)
}

func TestKillSwitchHoldsUnquotedPositionAtCost(t *testing.T) {
	f := newFixture()
	f.cfg.KillSwitchLoss = d("50")
	l := startLedger(t)
	// Restored position on a venue whose feed has not quoted yet.
	applyBuy(t, l, "f1", "c", "100")

	g := NewGate(f.cfg, l, f.quotes, f.inflight, edge, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	g.now = func() time.Time { return t0.Add(time.Second) }

	decisions := g.Decide(context.Background(), []domain.Opportunity{opp("o1", "a", "b", "1")})
	require.Len(t, decisions, 1)
	assert.True(t, decisions[0].Accepted, "rejected: %v", decisions[0].Err)
	assert.False(t, g.Tripped())
}

func TestKillSwitchTripsOnMarkedLoss(t *testing.T) {
	f := newFixture()
	f.cfg.KillSwitchLoss = d("50")
	l := startLedger(t)
	// Bought at 200, marked at the 99.95 mid of a.
	applyBuy(t, l, "f1", "a", "200")

	g := NewGate(f.cfg, l, f.quotes, f.inflight, edge, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	g.now = func() time.Time { return t0.Add(time.Second) }

	decisions := g.Decide(context.Background(), []domain.Opportunity{opp("o1", "a", "b", "1")})
	assert.Equal(t, domain.RejectKillSwitch, decisions[0].Reason)
	assert.True(t, g.Tripped())
}
