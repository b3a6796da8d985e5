// Package paper implements an in-process venue: a random-walk quote feed plus
// an order book that acknowledges immediately and fills a configurable share
// of every order. It backs paper mode and tests.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/simplearb/internal/domain"
)

var bps = decimal.NewFromInt(10_000)

// Config parameterises the simulation.
type Config struct {
	Mid          map[string]decimal.Decimal
	SpreadBps    decimal.Decimal
	JitterBps    decimal.Decimal
	Depth        decimal.Decimal
	TickInterval time.Duration
	Balance      decimal.Decimal
	// FillRatio is the share of each order that fills; the remainder is
	// reported expired. Zero means 1.
	FillRatio decimal.Decimal
	RejectAll bool
	FeeBps    decimal.Decimal
	// FillDelay postpones fill reports after the ack.
	FillDelay time.Duration
}

type order struct {
	intent    domain.OrderIntent
	ack       domain.Ack
	cancelled bool
}

// Venue is a simulated exchange. It implements domain.QuoteFeed,
// domain.ExecutionVenue and domain.BalanceProvider.
type Venue struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	mids    map[string]decimal.Decimal
	orders  map[string]*order
	streams map[*stream]struct{}
	balance decimal.Decimal
	rng     *rand.Rand

	reports    chan domain.ExecutionReport
	done       chan struct{}
	closeOnce  sync.Once
	delivering sync.WaitGroup
	now        func() time.Time
}

// New creates a simulated venue.
func New(name string, cfg Config, logger *slog.Logger) *Venue {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 500 * time.Millisecond
	}
	if cfg.FillRatio.IsZero() {
		cfg.FillRatio = decimal.NewFromInt(1)
	}
	if cfg.Depth.IsZero() {
		cfg.Depth = decimal.NewFromInt(1)
	}
	mids := make(map[string]decimal.Decimal, len(cfg.Mid))
	for k, v := range cfg.Mid {
		mids[k] = v
	}
	return &Venue{
		name:    name,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "paper_venue"), slog.String("venue", name)),
		mids:    mids,
		orders:  make(map[string]*order),
		streams: make(map[*stream]struct{}),
		balance: cfg.Balance,
		rng:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
		reports: make(chan domain.ExecutionReport, 1024),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// Venue returns the venue name.
func (v *Venue) Venue() string { return v.name }

// Subscribe opens a stream that emits one quote per instrument every tick,
// interleaved with quotes injected through Push.
func (v *Venue) Subscribe(ctx context.Context, instruments []string) (domain.QuoteStream, error) {
	s := &stream{
		venue:       v,
		instruments: append([]string(nil), instruments...),
		ticker:      time.NewTicker(v.cfg.TickInterval),
		push:        make(chan domain.Quote, 64),
		closed:      make(chan struct{}),
	}
	v.mu.Lock()
	v.streams[s] = struct{}{}
	v.mu.Unlock()
	return s, nil
}

// Push delivers q to every open stream, stamping the venue name. Streams
// whose buffer is full drop it.
func (v *Venue) Push(q domain.Quote) {
	q.Venue = v.name
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mids[q.Instrument] = q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
	for s := range v.streams {
		select {
		case s.push <- q:
		default:
		}
	}
}

// tick advances the random walk and returns a quote per instrument.
func (v *Venue) tick(instruments []string) []domain.Quote {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.now().UTC()
	half := v.cfg.SpreadBps.Div(bps).Div(decimal.NewFromInt(2))
	out := make([]domain.Quote, 0, len(instruments))
	for _, inst := range instruments {
		mid, ok := v.mids[inst]
		if !ok || !mid.IsPositive() {
			continue
		}
		if v.cfg.JitterBps.IsPositive() {
			step := v.cfg.JitterBps.Div(bps).Mul(decimal.NewFromFloat(v.rng.NormFloat64()))
			if next := mid.Mul(decimal.NewFromInt(1).Add(step)).Round(8); next.IsPositive() {
				mid = next
				v.mids[inst] = mid
			}
		}
		out = append(out, domain.Quote{
			Venue:      v.name,
			Instrument: inst,
			Bid:        mid.Mul(decimal.NewFromInt(1).Sub(half)).Round(8),
			Ask:        mid.Mul(decimal.NewFromInt(1).Add(half)).Round(8),
			BidSize:    v.cfg.Depth,
			AskSize:    v.cfg.Depth,
			ObservedAt: now,
		})
	}
	return out
}

// Submit acknowledges intent. Resubmitting a known key returns the original
// acknowledgement without creating a second order.
func (v *Venue) Submit(ctx context.Context, intent domain.OrderIntent) (domain.Ack, error) {
	if err := ctx.Err(); err != nil {
		return domain.Ack{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if o, ok := v.orders[intent.IdempotencyKey]; ok {
		return o.ack, nil
	}
	if v.cfg.RejectAll {
		return domain.Ack{}, &domain.RejectedError{Venue: v.name, Reason: "venue rejects all orders"}
	}
	notional := intent.Price.Mul(intent.Size)
	if intent.Side == domain.SideBuy && v.cfg.Balance.IsPositive() && notional.GreaterThan(v.balance) {
		return domain.Ack{}, &domain.RejectedError{Venue: v.name, Reason: "insufficient balance"}
	}

	ack := domain.Ack{
		IdempotencyKey: intent.IdempotencyKey,
		VenueOrderID:   "paper-" + uuid.NewString(),
		AcceptedAt:     v.now().UTC(),
	}
	v.orders[intent.IdempotencyKey] = &order{intent: intent, ack: ack}

	fillQty := intent.Size.Mul(v.cfg.FillRatio).Truncate(8)
	var reports []domain.ExecutionReport
	if fillQty.IsPositive() {
		fee := intent.Price.Mul(fillQty).Mul(v.cfg.FeeBps).Div(bps)
		f := domain.Fill{
			ID:             "fill-" + uuid.NewString(),
			IdempotencyKey: intent.IdempotencyKey,
			Venue:          v.name,
			Instrument:     intent.Instrument,
			Side:           intent.Side,
			Price:          intent.Price,
			Quantity:       fillQty,
			Fee:            fee,
			FilledAt:       ack.AcceptedAt,
		}
		v.balance = v.balance.Add(f.CashFlow())
		reports = append(reports, domain.ExecutionReport{
			Kind: domain.ReportFill, IdempotencyKey: intent.IdempotencyKey, Venue: v.name, Fill: &f, At: f.FilledAt,
		})
	}
	if fillQty.LessThan(intent.Size) {
		reports = append(reports, domain.ExecutionReport{
			Kind: domain.ReportExpire, IdempotencyKey: intent.IdempotencyKey, Venue: v.name,
			Reason: fmt.Sprintf("filled %s of %s", fillQty, intent.Size), At: ack.AcceptedAt,
		})
	}
	select {
	case <-v.done:
	default:
		v.delivering.Go(func() { v.deliver(reports) })
	}

	v.logger.DebugContext(ctx, "paper order accepted",
		slog.String("idempotency_key", intent.IdempotencyKey),
		slog.String("side", string(intent.Side)),
		slog.String("price", intent.Price.String()),
		slog.String("size", intent.Size.String()),
		slog.String("filled", fillQty.String()),
	)
	return ack, nil
}

// deliver queues reports for the consumer of Reports. Reports still pending
// when the venue is closed are dropped.
func (v *Venue) deliver(reports []domain.ExecutionReport) {
	if v.cfg.FillDelay > 0 {
		t := time.NewTimer(v.cfg.FillDelay)
		select {
		case <-t.C:
		case <-v.done:
			t.Stop()
			return
		}
	}
	for _, r := range reports {
		v.mu.Lock()
		o := v.orders[r.IdempotencyKey]
		skip := o != nil && o.cancelled
		v.mu.Unlock()
		if skip {
			continue
		}
		select {
		case v.reports <- r:
		case <-v.done:
			return
		}
	}
}

// Close stops report delivery and waits for pending deliveries to give up.
// Orders submitted afterwards are still acknowledged but never reported.
func (v *Venue) Close() error {
	v.closeOnce.Do(func() {
		v.mu.Lock()
		close(v.done)
		v.mu.Unlock()
	})
	v.delivering.Wait()
	return nil
}

// Cancel marks an order cancelled so undelivered reports are dropped. Unknown
// keys are ignored.
func (v *Venue) Cancel(_ context.Context, key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if o, ok := v.orders[key]; ok {
		o.cancelled = true
	}
	return nil
}

// Reports returns the asynchronous report channel.
func (v *Venue) Reports() <-chan domain.ExecutionReport { return v.reports }

// Balance returns the simulated free collateral.
func (v *Venue) Balance(context.Context) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balance, nil
}

// Orders returns the number of distinct orders accepted.
func (v *Venue) Orders() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.orders)
}

type stream struct {
	venue       *Venue
	instruments []string
	ticker      *time.Ticker
	pending     []domain.Quote
	push        chan domain.Quote
	closed      chan struct{}
	closeOnce   sync.Once
}

func (s *stream) Recv(ctx context.Context) (domain.Quote, error) {
	for {
		select {
		case <-s.closed:
			return domain.Quote{}, &domain.FeedError{Venue: s.venue.name, Err: domain.ErrWSDisconnect}
		default:
		}
		if len(s.pending) > 0 {
			q := s.pending[0]
			s.pending = s.pending[1:]
			return q, nil
		}
		select {
		case <-ctx.Done():
			return domain.Quote{}, ctx.Err()
		case <-s.closed:
			return domain.Quote{}, &domain.FeedError{Venue: s.venue.name, Err: domain.ErrWSDisconnect}
		case q := <-s.push:
			return q, nil
		case <-s.ticker.C:
			s.pending = s.venue.tick(s.instruments)
		}
	}
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.ticker.Stop()
		close(s.closed)
		s.venue.mu.Lock()
		delete(s.venue.streams, s)
		s.venue.mu.Unlock()
	})
	return nil
}
