// Package ledger owns position state. Fills are queued to a single goroutine
// that applies each fill id at most once; readers query synchronously.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/simplearb/internal/domain"
)

// ErrStopped is returned by Apply once Run has exited.
var ErrStopped = errors.New("ledger: stopped")

type applyReq struct {
	fill  domain.Fill
	reply chan bool
}

// Ledger is the single owner of positions.
type Ledger struct {
	queue   chan applyReq
	stopped chan struct{}

	mu        sync.RWMutex
	positions map[domain.QuoteKey]*domain.Position
	seen      map[string]struct{}
	cash      decimal.Decimal

	store  domain.FillStore
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithStore persists every newly applied fill.
func WithStore(s domain.FillStore) Option {
	return func(l *Ledger) { l.store = s }
}

// New creates a Ledger. Call Run to start applying fills.
func New(logger *slog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		queue:     make(chan applyReq, 256),
		stopped:   make(chan struct{}),
		positions: make(map[domain.QuoteKey]*domain.Position),
		seen:      make(map[string]struct{}),
		logger:    logger.With(slog.String("component", "ledger")),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Restore loads previously persisted fills. It must be called before Run.
func (l *Ledger) Restore(ctx context.Context) (int, error) {
	if l.store == nil {
		return 0, nil
	}
	fills, err := l.store.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger: restore: %w", err)
	}
	n := 0
	for _, f := range fills {
		if l.apply(f) {
			n++
		}
	}
	l.logger.InfoContext(ctx, "ledger restored", slog.Int("fills", n))
	return n, nil
}

// Run applies queued fills until ctx is cancelled.
func (l *Ledger) Run(ctx context.Context) error {
	defer close(l.stopped)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-l.queue:
			applied := l.apply(req.fill)
			if applied && l.store != nil {
				if _, err := l.store.Insert(ctx, req.fill); err != nil {
					l.logger.ErrorContext(ctx, "persist fill failed",
						slog.String("fill_id", req.fill.ID),
						slog.String("error", err.Error()),
					)
				}
			}
			req.reply <- applied
		}
	}
}

// Apply queues f and waits for the owner to process it. It reports false
// when the fill id had already been applied.
func (l *Ledger) Apply(ctx context.Context, f domain.Fill) (bool, error) {
	req := applyReq{fill: f, reply: make(chan bool, 1)}
	select {
	case l.queue <- req:
	case <-l.stopped:
		return false, ErrStopped
	case <-ctx.Done():
		return false, ctx.Err()
	}
	select {
	case applied := <-req.reply:
		return applied, nil
	case <-l.stopped:
		return false, ErrStopped
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// apply is only called from the owning goroutine (or before it starts).
func (l *Ledger) apply(f domain.Fill) bool {
	if f.ID == "" || !f.Quantity.IsPositive() {
		l.logger.Warn("ignoring malformed fill",
			slog.String("fill_id", f.ID),
			slog.String("quantity", f.Quantity.String()),
		)
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.seen[f.ID]; dup {
		return false
	}
	l.seen[f.ID] = struct{}{}

	key := domain.QuoteKey{Venue: f.Venue, Instrument: f.Instrument}
	p, ok := l.positions[key]
	if !ok {
		p = &domain.Position{Instrument: f.Instrument, Venue: f.Venue}
		l.positions[key] = p
	}
	p.Quantity = p.Quantity.Add(f.SignedQuantity())
	p.CashFlow = p.CashFlow.Add(f.CashFlow())
	p.Fills++
	if f.FilledAt.After(p.UpdatedAt) {
		p.UpdatedAt = f.FilledAt
	}
	l.cash = l.cash.Add(f.CashFlow())
	return true
}

// Position returns the net quantity held for key.
func (l *Ledger) Position(key domain.QuoteKey) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.positions[key]; ok {
		return p.Quantity
	}
	return decimal.Zero
}

// Positions returns a copy of every position ordered by instrument then venue.
func (l *Ledger) Positions() []domain.Position {
	l.mu.RLock()
	out := make([]domain.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Instrument != out[j].Instrument {
			return out[i].Instrument < out[j].Instrument
		}
		return out[i].Venue < out[j].Venue
	})
	return out
}

// CashFlow is the cumulative quote-currency flow of every applied fill.
func (l *Ledger) CashFlow() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cash
}

// MarkToMarket sums, per position, its cash flow plus its quantity valued at
// the mark. A position without a mark is held at cost and contributes zero.
func (l *Ledger) MarkToMarket(marks map[domain.QuoteKey]decimal.Decimal) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := decimal.Zero
	for k, p := range l.positions {
		if m, ok := marks[k]; ok {
			total = total.Add(p.CashFlow).Add(p.Quantity.Mul(m))
		}
	}
	return total
}

// Applied reports whether the fill id has been applied.
func (l *Ledger) Applied(fillID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.seen[fillID]
	return ok
}
