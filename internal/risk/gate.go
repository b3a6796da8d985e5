// Package risk decides which opportunities become orders.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/simplearb/internal/domain"
)

// Positions is the read side of the ledger.
type Positions interface {
	Position(key domain.QuoteKey) decimal.Decimal
	Positions() []domain.Position
	MarkToMarket(marks map[domain.QuoteKey]decimal.Decimal) decimal.Decimal
}

// Quotes is the read side of the quote cache.
type Quotes interface {
	Get(key domain.QuoteKey) (domain.Quote, bool)
}

// InFlight reports whether a leg still has an intent awaiting fills.
type InFlight interface {
	Busy(leg domain.QuoteKey) bool
}

// EdgeFunc recomputes the net edge of buying on buy and selling on sell.
type EdgeFunc func(buy, sell domain.Quote) decimal.Decimal

// Config holds the gate's limits.
type Config struct {
	MinEdge     decimal.Decimal
	MaxQuoteAge time.Duration
	// PositionLimit bounds the absolute net quantity per (venue, instrument).
	PositionLimit decimal.Decimal
	// VenueLimits overrides PositionLimit for individual venues.
	VenueLimits     map[string]decimal.Decimal
	KillSwitchLoss  decimal.Decimal
	FillDeadline    time.Duration
	BalanceFraction decimal.Decimal
}

// Decision is the gate's verdict on one opportunity.
type Decision struct {
	Opportunity domain.Opportunity
	Accepted    bool
	Pair        domain.IntentPair
	Reason      domain.RejectReason
	Err         error
}

// Gate filters ranked opportunities by position limits, in-flight overlap,
// and decision-time freshness, and turns accepted ones into intent pairs.
type Gate struct {
	cfg       Config
	positions Positions
	quotes    Quotes
	inflight  InFlight
	edge      EdgeFunc
	balances  map[string]domain.BalanceProvider
	logger    *slog.Logger

	tripped atomic.Bool
	now     func() time.Time
}

// NewGate creates a Gate. balances may be nil or partial; sizing by balance
// only applies when both venues of an opportunity report one.
func NewGate(cfg Config, positions Positions, quotes Quotes, inflight InFlight, edge EdgeFunc, balances map[string]domain.BalanceProvider, logger *slog.Logger) *Gate {
	return &Gate{
		cfg:       cfg,
		positions: positions,
		quotes:    quotes,
		inflight:  inflight,
		edge:      edge,
		balances:  balances,
		logger:    logger.With(slog.String("component", "risk_gate")),
		now:       time.Now,
	}
}

// Decide walks opps in the given order (callers pass them ranked by edge).
// Legs accepted earlier in the same batch count as in flight for later ones.
func (g *Gate) Decide(ctx context.Context, opps []domain.Opportunity) []Decision {
	out := make([]Decision, 0, len(opps))
	reserved := make(map[domain.QuoteKey]decimal.Decimal)

	for _, opp := range opps {
		if ctx.Err() != nil {
			break
		}
		pair, err := g.decide(ctx, opp, reserved)
		if err != nil {
			d := Decision{Opportunity: opp, Reason: domain.ReasonOf(err), Err: err}
			g.logger.InfoContext(ctx, "opportunity rejected",
				slog.String("opportunity_id", opp.ID),
				slog.String("instrument", opp.Instrument),
				slog.String("buy_venue", opp.BuyVenue),
				slog.String("sell_venue", opp.SellVenue),
				slog.String("edge", opp.Edge.String()),
				slog.String("reason", string(d.Reason)),
				slog.String("error", err.Error()),
			)
			out = append(out, d)
			continue
		}
		reserved[opp.BuyLeg()] = reserved[opp.BuyLeg()].Add(pair.Buy.Size)
		reserved[opp.SellLeg()] = reserved[opp.SellLeg()].Sub(pair.Sell.Size)
		g.logger.InfoContext(ctx, "opportunity accepted",
			slog.String("opportunity_id", opp.ID),
			slog.String("correlation_id", pair.CorrelationID()),
			slog.String("instrument", opp.Instrument),
			slog.String("size", pair.Buy.Size.String()),
			slog.String("edge", opp.Edge.String()),
		)
		out = append(out, Decision{Opportunity: opp, Accepted: true, Pair: pair})
	}
	return out
}

// Tripped reports whether the kill switch has latched.
func (g *Gate) Tripped() bool { return g.tripped.Load() }

func (g *Gate) decide(ctx context.Context, opp domain.Opportunity, reserved map[domain.QuoteKey]decimal.Decimal) (domain.IntentPair, error) {
	if g.tripped.Load() {
		return domain.IntentPair{}, domain.ErrKillSwitch
	}

	for _, leg := range []domain.QuoteKey{opp.BuyLeg(), opp.SellLeg()} {
		if _, ok := reserved[leg]; ok || g.inflight.Busy(leg) {
			return domain.IntentPair{}, &domain.DuplicateSubmissionError{Leg: leg}
		}
	}

	size := opp.Size
	if err := g.checkLimit(opp.BuyLeg(), reserved, size); err != nil {
		return domain.IntentPair{}, err
	}
	if err := g.checkLimit(opp.SellLeg(), reserved, size.Neg()); err != nil {
		return domain.IntentPair{}, err
	}

	now := g.now()
	if err := g.checkFresh(opp, now); err != nil {
		return domain.IntentPair{}, err
	}
	if err := g.checkKillSwitch(ctx); err != nil {
		return domain.IntentPair{}, err
	}

	size, err := g.sizeByBalance(ctx, opp, size)
	if err != nil {
		return domain.IntentPair{}, err
	}

	return g.mint(opp, size, now), nil
}

// checkKillSwitch latches once the marked loss exceeds the limit. Positions
// whose venue has no quote are held at cost by MarkToMarket.
func (g *Gate) checkKillSwitch(ctx context.Context) error {
	if !g.cfg.KillSwitchLoss.IsPositive() {
		return nil
	}
	marks := make(map[domain.QuoteKey]decimal.Decimal)
	for _, p := range g.positions.Positions() {
		if q, ok := g.quotes.Get(p.Key()); ok {
			marks[p.Key()] = q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
		}
	}
	pnl := g.positions.MarkToMarket(marks)
	if pnl.Neg().GreaterThan(g.cfg.KillSwitchLoss) {
		if g.tripped.CompareAndSwap(false, true) {
			g.logger.ErrorContext(ctx, "kill switch engaged",
				slog.String("pnl", pnl.String()),
				slog.String("limit", g.cfg.KillSwitchLoss.String()),
			)
		}
		return domain.ErrKillSwitch
	}
	return nil
}

func (g *Gate) checkLimit(leg domain.QuoteKey, reserved map[domain.QuoteKey]decimal.Decimal, delta decimal.Decimal) error {
	limit := g.cfg.PositionLimit
	if v, ok := g.cfg.VenueLimits[leg.Venue]; ok && v.IsPositive() {
		limit = v
	}
	projected := g.positions.Position(leg).Add(reserved[leg]).Add(delta)
	if projected.Abs().GreaterThan(limit) {
		return &domain.LimitExceededError{Leg: leg, Projected: projected, Limit: limit}
	}
	return nil
}

// checkFresh re-reads both legs from the live cache. A leg that aged out, or
// was replaced by a quote that no longer clears the minimum edge, voids the
// opportunity.
func (g *Gate) checkFresh(opp domain.Opportunity, now time.Time) error {
	buy, ok := g.quotes.Get(opp.BuyLeg())
	if !ok {
		return &domain.StaleDataError{Leg: opp.BuyLeg(), Reason: "quote missing"}
	}
	sell, ok := g.quotes.Get(opp.SellLeg())
	if !ok {
		return &domain.StaleDataError{Leg: opp.SellLeg(), Reason: "quote missing"}
	}
	for _, q := range []domain.Quote{buy, sell} {
		if age := q.Age(now); age > g.cfg.MaxQuoteAge {
			return &domain.StaleDataError{Leg: q.Key(), Age: age, MaxAge: g.cfg.MaxQuoteAge}
		}
	}
	if buy.ObservedAt.Equal(opp.BuyObservedAt) && sell.ObservedAt.Equal(opp.SellObservedAt) {
		return nil
	}
	if edge := g.edge(buy, sell); !edge.GreaterThan(g.cfg.MinEdge) {
		return &domain.StaleDataError{
			Leg:    opp.BuyLeg(),
			Reason: fmt.Sprintf("edge %s at decision time does not exceed %s", edge, g.cfg.MinEdge),
		}
	}
	return nil
}

func (g *Gate) sizeByBalance(ctx context.Context, opp domain.Opportunity, size decimal.Decimal) (decimal.Decimal, error) {
	bb, okB := g.balances[opp.BuyVenue]
	sb, okS := g.balances[opp.SellVenue]
	if !okB || !okS || !g.cfg.BalanceFraction.IsPositive() {
		return size, nil
	}
	buyBal, err := bb.Balance(ctx)
	if err != nil {
		return size, fmt.Errorf("risk: balance %s: %w", opp.BuyVenue, err)
	}
	sellBal, err := sb.Balance(ctx)
	if err != nil {
		return size, fmt.Errorf("risk: balance %s: %w", opp.SellVenue, err)
	}
	budget := decimal.Min(buyBal, sellBal).Mul(g.cfg.BalanceFraction)
	maxSize := budget.DivRound(opp.BuyPrice, 8)
	if maxSize.LessThan(size) {
		size = maxSize
	}
	if !size.IsPositive() {
		return size, &domain.LimitExceededError{Leg: opp.BuyLeg(), Projected: opp.Size, Limit: maxSize}
	}
	return size, nil
}

func (g *Gate) mint(opp domain.Opportunity, size decimal.Decimal, now time.Time) domain.IntentPair {
	corr := uuid.NewString()
	leg := func(venue string, side domain.Side, price decimal.Decimal) domain.OrderIntent {
		return domain.OrderIntent{
			ID:             uuid.NewString(),
			OpportunityID:  opp.ID,
			CorrelationID:  corr,
			IdempotencyKey: uuid.NewString(),
			Venue:          venue,
			Instrument:     opp.Instrument,
			Side:           side,
			Price:          price,
			Size:           size,
			CreatedAt:      now,
			Deadline:       now.Add(g.cfg.FillDeadline),
		}
	}
	return domain.IntentPair{
		Opportunity: opp,
		Buy:         leg(opp.BuyVenue, domain.SideBuy, opp.BuyPrice),
		Sell:        leg(opp.SellVenue, domain.SideSell, opp.SellPrice),
	}
}
