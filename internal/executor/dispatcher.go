// Package executor submits accepted intent pairs to venues, tracks every
// intent until it reaches a terminal state, and unwinds pairs whose legs fill
// unequal quantities.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/simplearb/internal/backoff"
	"github.com/alanyoungcy/simplearb/internal/domain"
	"github.com/alanyoungcy/simplearb/internal/metrics"
)

// minThrottleWait is the shortest sleep between rate limit checks.
const minThrottleWait = 10 * time.Millisecond

// ErrClosed is returned by SubmitPair once Abandon has been called.
var ErrClosed = errors.New("executor: dispatcher closed")

// FillSink is the write side of the position ledger.
type FillSink interface {
	Apply(ctx context.Context, f domain.Fill) (bool, error)
}

// Alerter delivers operator notifications.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// EventSink receives execution events for publication.
type EventSink interface {
	Emit(ctx context.Context, eventType string, data any)
}

// QuoteSource prices unwind orders.
type QuoteSource interface {
	Get(key domain.QuoteKey) (domain.Quote, bool)
}

// Config controls submission retries and intent lifetimes.
type Config struct {
	// MaxSubmitRetries is how many times a failed send is repeated after the
	// first attempt.
	MaxSubmitRetries int
	RetryBackoff     backoff.Policy
	AckTimeout       time.Duration
	SweepInterval    time.Duration
	// RetainTerminal is how long terminal records stay queryable before
	// their slots are reclaimed.
	RetainTerminal  time.Duration
	UnwindEnabled   bool
	UnwindDeadline  time.Duration
	LockTTL         time.Duration
	OrdersPerSecond map[string]int
}

// Dispatcher owns the in-flight registry.
type Dispatcher struct {
	cfg      Config
	venues   map[string]domain.ExecutionVenue
	registry *Registry
	pairs    *PairTracker
	fills    FillSink
	logger   *slog.Logger

	execs   domain.ExecutionStore
	audit   domain.AuditStore
	alerter Alerter
	events  EventSink
	quotes  QuoteSource
	locks   domain.LockManager
	limiter domain.RateLimiter
	metrics *metrics.Metrics

	// base outlives any caller context so submissions survive the cycle that
	// started them; Abandon cancels it.
	base       context.Context
	stopSubmit context.CancelFunc
	closing    atomic.Bool
	settling   atomic.Int64

	mu      sync.Mutex
	unlocks map[string]func()

	wg  sync.WaitGroup
	now func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithExecutionStore persists executions and their legs.
func WithExecutionStore(s domain.ExecutionStore) Option {
	return func(d *Dispatcher) { d.execs = s }
}

// WithAudit records unmatched fills and abandoned intents.
func WithAudit(s domain.AuditStore) Option {
	return func(d *Dispatcher) { d.audit = s }
}

// WithAlerter notifies operators of mismatches and late fills.
func WithAlerter(a Alerter) Option {
	return func(d *Dispatcher) { d.alerter = a }
}

// WithEvents publishes intent and execution events.
func WithEvents(e EventSink) Option {
	return func(d *Dispatcher) { d.events = e }
}

// WithQuotes lets unwind orders cross the current book instead of reusing
// the leg price.
func WithQuotes(q QuoteSource) Option {
	return func(d *Dispatcher) { d.quotes = q }
}

// WithLocks serialises pairs on the same instrument and venue pair across
// processes.
func WithLocks(l domain.LockManager) Option {
	return func(d *Dispatcher) { d.locks = l }
}

// WithRateLimiter throttles submissions per venue.
func WithRateLimiter(l domain.RateLimiter) Option {
	return func(d *Dispatcher) { d.limiter = l }
}

// WithMetrics records submission counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a Dispatcher over venues. Fills are applied to fills
// before the intent they belong to is updated.
func NewDispatcher(cfg Config, venues []domain.ExecutionVenue, fills FillSink, logger *slog.Logger, opts ...Option) *Dispatcher {
	cfg.MaxSubmitRetries = max(cfg.MaxSubmitRetries, 0)
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.RetainTerminal <= 0 {
		cfg.RetainTerminal = 10 * time.Minute
	}
	if cfg.UnwindDeadline <= 0 {
		cfg.UnwindDeadline = 30 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	base, stop := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:        cfg,
		venues:     make(map[string]domain.ExecutionVenue, len(venues)),
		registry:   NewRegistry(),
		pairs:      NewPairTracker(),
		fills:      fills,
		logger:     logger.With(slog.String("component", "dispatcher")),
		base:       base,
		stopSubmit: stop,
		unlocks:    make(map[string]func()),
		now:        time.Now,
	}
	for _, v := range venues {
		d.venues[v.Venue()] = v
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// SubmitPair registers both legs of p and submits them concurrently in the
// background. It returns once the legs are registered; from then on they
// count as in flight.
func (d *Dispatcher) SubmitPair(ctx context.Context, p domain.IntentPair) error {
	if d.closing.Load() {
		return ErrClosed
	}
	for _, in := range []domain.OrderIntent{p.Buy, p.Sell} {
		if _, ok := d.venues[in.Venue]; !ok {
			return fmt.Errorf("executor: submit %s: %w", in.Venue, domain.ErrUnknownVenue)
		}
	}
	corr := p.CorrelationID()

	if d.locks != nil {
		key := lockKey(p)
		unlock, err := d.locks.Acquire(ctx, key, d.cfg.LockTTL)
		if err != nil {
			return fmt.Errorf("executor: lock %s: %w", key, err)
		}
		d.mu.Lock()
		d.unlocks[corr] = unlock
		d.mu.Unlock()
	}

	if _, err := d.registry.Register(p.Buy); err != nil {
		d.release(corr)
		return err
	}
	if _, err := d.registry.Register(p.Sell); err != nil {
		d.registry.Update(p.Buy.IdempotencyKey, func(r *domain.IntentRecord) {
			r.State = domain.IntentCancelled
			r.LastError = err.Error()
		})
		d.release(corr)
		return err
	}
	d.pairs.Add(p)

	if d.execs != nil {
		if err := d.execs.Create(ctx, domain.NewExecution(p)); err != nil {
			d.logger.WarnContext(ctx, "execution record failed",
				slog.String("correlation_id", corr),
				slog.String("error", err.Error()),
			)
		}
	}
	d.emit(ctx, domain.EventIntent, p)
	d.metrics.SetOpenIntents(len(d.registry.Open()))

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		var g errgroup.Group
		for _, in := range []domain.OrderIntent{p.Buy, p.Sell} {
			g.Go(func() error { return d.submit(d.base, in) })
		}
		if err := g.Wait(); err != nil {
			d.logger.Warn("pair submission incomplete",
				slog.String("correlation_id", corr),
				slog.String("error", err.Error()),
			)
		}
	}()
	return nil
}

// submit sends intent until the venue acknowledges it, refuses it, or the
// retries run out. Every attempt carries the same idempotency key.
func (d *Dispatcher) submit(ctx context.Context, intent domain.OrderIntent) error {
	key := intent.IdempotencyKey
	venue := d.venues[intent.Venue]
	log := d.logger.With(
		slog.String("idempotency_key", key),
		slog.String("venue", intent.Venue),
		slog.String("side", string(intent.Side)),
	)

	var lastErr error
	for attempt := range d.cfg.MaxSubmitRetries + 1 {
		if attempt > 0 && !d.cfg.RetryBackoff.Sleep(ctx.Done(), attempt-1) {
			lastErr = ctx.Err()
			break
		}
		if err := d.throttle(ctx, intent.Venue); err != nil {
			lastErr = err
			break
		}
		rec, ok := d.registry.Update(key, func(r *domain.IntentRecord) { r.Attempts++ })
		if !ok || rec.State.Terminal() {
			return nil
		}

		start := d.now()
		ack, err := d.send(ctx, venue, intent)
		if err == nil {
			d.metrics.SubmitLatency(intent.Venue, d.now().Sub(start))
			d.registry.Update(key, func(r *domain.IntentRecord) {
				if r.State == domain.IntentPending {
					r.State = domain.IntentAcked
				}
				r.VenueOrderID = ack.VenueOrderID
			})
			log.Info("intent acknowledged",
				slog.String("venue_order_id", ack.VenueOrderID),
				slog.Int("attempt", attempt+1),
			)
			return nil
		}

		var rejected *domain.RejectedError
		if errors.As(err, &rejected) {
			log.Warn("intent rejected", slog.String("reason", rejected.Reason))
			d.transition(ctx, key, domain.IntentRejected, err)
			return err
		}
		lastErr = err
		d.registry.Update(key, func(r *domain.IntentRecord) { r.LastError = err.Error() })
		log.Warn("submit attempt failed",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	rec, _ := d.registry.Get(key)
	// The venue may have accepted an attempt whose ack was lost.
	if err := d.cancel(ctx, venue, key); err != nil {
		log.Warn("cancel after failed submit", slog.String("error", err.Error()))
	}
	timeout := &domain.ExecutionTimeoutError{IdempotencyKey: key, Attempts: rec.Attempts, Err: lastErr}
	d.transition(ctx, key, domain.IntentExpired, timeout)
	return timeout
}

func (d *Dispatcher) send(ctx context.Context, venue domain.ExecutionVenue, intent domain.OrderIntent) (domain.Ack, error) {
	if d.cfg.AckTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.AckTimeout)
		defer cancel()
	}
	return venue.Submit(ctx, intent)
}

func (d *Dispatcher) cancel(ctx context.Context, venue domain.ExecutionVenue, key string) error {
	timeout := d.cfg.AckTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return venue.Cancel(cctx, key)
}

// throttle waits for a submission slot on venue. Limiter errors fail open.
func (d *Dispatcher) throttle(ctx context.Context, venue string) error {
	limit := d.cfg.OrdersPerSecond[venue]
	if d.limiter == nil || limit <= 0 {
		return nil
	}
	for {
		ok, retryAfter, err := d.limiter.Allow(ctx, "orders:"+venue, limit, time.Second)
		if err != nil {
			d.logger.Warn("rate limiter unavailable", slog.String("venue", venue), slog.String("error", err.Error()))
			return nil
		}
		if ok {
			return nil
		}
		t := time.NewTimer(min(max(retryAfter, minThrottleWait), time.Second))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// HandleReport applies one asynchronous venue event. Fills always reach the
// ledger first, even for intents that are unknown or already terminal.
func (d *Dispatcher) HandleReport(ctx context.Context, r domain.ExecutionReport) {
	switch r.Kind {
	case domain.ReportFill:
		d.handleFill(ctx, r)
	case domain.ReportReject:
		d.transition(ctx, r.IdempotencyKey, domain.IntentRejected,
			&domain.RejectedError{Venue: r.Venue, Reason: r.Reason})
	case domain.ReportExpire:
		d.transition(ctx, r.IdempotencyKey, domain.IntentExpired,
			fmt.Errorf("venue %s expired order: %s", r.Venue, r.Reason))
	default:
		d.logger.WarnContext(ctx, "unknown report kind",
			slog.String("kind", string(r.Kind)),
			slog.String("idempotency_key", r.IdempotencyKey),
		)
	}
}

func (d *Dispatcher) handleFill(ctx context.Context, r domain.ExecutionReport) {
	if r.Fill == nil {
		d.logger.WarnContext(ctx, "fill report without fill", slog.String("idempotency_key", r.IdempotencyKey))
		return
	}
	f := *r.Fill
	if f.IdempotencyKey == "" {
		f.IdempotencyKey = r.IdempotencyKey
	}
	if f.Venue == "" {
		f.Venue = r.Venue
	}
	key := f.IdempotencyKey
	log := d.logger.With(
		slog.String("fill_id", f.ID),
		slog.String("idempotency_key", key),
		slog.String("venue", f.Venue),
	)

	applied, err := d.fills.Apply(ctx, f)
	if err != nil {
		log.ErrorContext(ctx, "apply fill failed", slog.String("error", err.Error()))
		return
	}
	if !applied {
		log.DebugContext(ctx, "duplicate fill ignored")
		return
	}
	d.metrics.FillApplied(f.Venue)
	d.emit(ctx, domain.EventFill, f)

	late := false
	rec, ok := d.registry.Update(key, func(rec *domain.IntentRecord) {
		late = rec.State.Terminal()
		rec.FilledQty = rec.FilledQty.Add(f.Quantity)
	})
	if !ok {
		late = d.registry.Known(key)
	}
	switch {
	case !ok && !late:
		log.WarnContext(ctx, "fill for unknown intent")
		d.auditLog(ctx, "unmatched_fill", map[string]any{
			"fill_id": f.ID, "idempotency_key": key, "venue": f.Venue,
			"instrument": f.Instrument, "side": string(f.Side),
			"price": f.Price.String(), "quantity": f.Quantity.String(),
		})
	case late:
		log.WarnContext(ctx, "fill after intent finished", slog.String("quantity", f.Quantity.String()))
		d.auditLog(ctx, "late_fill", map[string]any{
			"fill_id": f.ID, "idempotency_key": key, "venue": f.Venue,
			"quantity": f.Quantity.String(),
		})
		d.alert(ctx, domain.AlertLateFill, "Late fill",
			fmt.Sprintf("fill %s of %s %s on %s arrived after its intent finished", f.ID, f.Quantity, f.Instrument, f.Venue))
	case rec.FilledQty.GreaterThanOrEqual(rec.Intent.Size):
		d.transition(ctx, key, domain.IntentFilled, nil)
	}
}

// transition moves key to a terminal state. Records already terminal are
// left alone. An intent that expires or is cancelled after a partial fill
// finishes as filled.
func (d *Dispatcher) transition(ctx context.Context, key string, to domain.IntentState, cause error) {
	d.settling.Add(1)
	defer d.settling.Add(-1)

	changed := false
	rec, ok := d.registry.Update(key, func(r *domain.IntentRecord) {
		if r.State.Terminal() {
			return
		}
		state := to
		if (state == domain.IntentExpired || state == domain.IntentCancelled) && r.FilledQty.IsPositive() {
			state = domain.IntentFilled
		}
		r.State = state
		if cause != nil {
			r.LastError = cause.Error()
		}
		changed = true
	})
	if !ok {
		d.logger.DebugContext(ctx, "report for unknown intent", slog.String("idempotency_key", key))
		return
	}
	if changed {
		d.afterTerminal(ctx, rec)
	}
}

func (d *Dispatcher) afterTerminal(ctx context.Context, rec domain.IntentRecord) {
	d.logger.InfoContext(ctx, "intent finished",
		slog.String("idempotency_key", rec.Intent.IdempotencyKey),
		slog.String("venue", rec.Intent.Venue),
		slog.String("state", string(rec.State)),
		slog.String("filled", rec.FilledQty.String()),
		slog.String("size", rec.Intent.Size.String()),
	)
	d.metrics.IntentTerminal(rec.Intent.Venue, string(rec.State))
	d.metrics.SetOpenIntents(len(d.registry.Open()))
	if d.execs != nil {
		if err := d.execs.UpsertLeg(ctx, rec.Intent.CorrelationID, domain.LegOf(rec)); err != nil {
			d.logger.WarnContext(ctx, "leg record failed", slog.String("error", err.Error()))
		}
	}
	d.emit(ctx, domain.EventIntent, rec)

	if s, ok := d.pairs.Settle(rec.Intent.IdempotencyKey, d.registry.Get); ok {
		d.settle(ctx, s)
	}
}

// settle decides the outcome of a pair whose legs, or whose unwind, finished.
func (d *Dispatcher) settle(ctx context.Context, s settlement) {
	corr := s.pair.CorrelationID()

	if s.phase == phaseUnwind {
		u := s.unwind
		if u.FilledQty.GreaterThanOrEqual(u.Intent.Size) {
			d.complete(ctx, s.pair, domain.ExecUnwound)
			return
		}
		d.alert(ctx, domain.AlertUnwindFailed, "Unwind incomplete",
			fmt.Sprintf("execution %s: unwind %s filled %s of %s on %s, exposure left open",
				corr, u.Intent.IdempotencyKey, u.FilledQty, u.Intent.Size, u.Intent.Venue))
		d.complete(ctx, s.pair, domain.ExecManual)
		return
	}

	bought, sold := s.buy.FilledQty, s.sell.FilledQty
	switch {
	case bought.Equal(sold) && bought.IsZero():
		d.complete(ctx, s.pair, domain.ExecFailed)
		return
	case bought.Equal(sold):
		d.complete(ctx, s.pair, domain.ExecFilled)
		return
	}

	mismatch := &domain.PartialFillMismatch{
		CorrelationID: corr,
		Instrument:    s.pair.Opportunity.Instrument,
		BuyFilled:     bought,
		SellFilled:    sold,
	}
	d.logger.WarnContext(ctx, "legs filled unequal quantities",
		slog.String("correlation_id", corr),
		slog.String("bought", bought.String()),
		slog.String("sold", sold.String()),
	)
	d.auditLog(ctx, "partial_fill_mismatch", map[string]any{
		"correlation_id": corr, "instrument": mismatch.Instrument,
		"buy_filled": bought.String(), "sell_filled": sold.String(),
	})

	if !d.cfg.UnwindEnabled || d.closing.Load() {
		d.alert(ctx, domain.AlertPartialFill, "Partial fill mismatch", mismatch.Error()+", unwind not attempted")
		d.complete(ctx, s.pair, domain.ExecManual)
		return
	}

	intent := d.unwindIntent(s.pair, mismatch.Excess())
	if err := d.submitUnwind(ctx, corr, intent); err != nil {
		d.alert(ctx, domain.AlertPartialFill, "Partial fill mismatch", mismatch.Error()+", unwind failed: "+err.Error())
		d.complete(ctx, s.pair, domain.ExecManual)
		return
	}
	d.alert(ctx, domain.AlertPartialFill, "Partial fill mismatch",
		fmt.Sprintf("%s, unwinding %s %s on %s", mismatch.Error(), intent.Side, intent.Size, intent.Venue))
	d.complete(ctx, s.pair, domain.ExecPartial)
}

// unwindIntent offsets excess: a long excess is sold on the buy venue, a
// short one bought back on the sell venue.
func (d *Dispatcher) unwindIntent(p domain.IntentPair, excess decimal.Decimal) domain.OrderIntent {
	leg, side := p.Buy, domain.SideSell
	if excess.IsNegative() {
		leg, side = p.Sell, domain.SideBuy
	}
	price := leg.Price
	if d.quotes != nil {
		if q, ok := d.quotes.Get(leg.Leg()); ok {
			if side == domain.SideSell && q.Bid.IsPositive() {
				price = q.Bid
			} else if side == domain.SideBuy && q.Ask.IsPositive() {
				price = q.Ask
			}
		}
	}
	now := d.now().UTC()
	return domain.OrderIntent{
		ID:             uuid.NewString(),
		OpportunityID:  leg.OpportunityID,
		CorrelationID:  leg.CorrelationID,
		IdempotencyKey: "unwind-" + leg.IdempotencyKey,
		Venue:          leg.Venue,
		Instrument:     leg.Instrument,
		Side:           side,
		Price:          price,
		Size:           excess.Abs(),
		Unwind:         true,
		CreatedAt:      now,
		Deadline:       now.Add(d.cfg.UnwindDeadline),
	}
}

func (d *Dispatcher) submitUnwind(ctx context.Context, corr string, intent domain.OrderIntent) error {
	if _, ok := d.venues[intent.Venue]; !ok {
		return fmt.Errorf("executor: unwind %s: %w", intent.Venue, domain.ErrUnknownVenue)
	}
	d.pairs.AttachUnwind(corr, intent.IdempotencyKey)
	if _, err := d.registry.Register(intent); err != nil {
		return err
	}
	d.metrics.Unwind()
	d.emit(ctx, domain.EventUnwind, intent)
	if d.execs != nil {
		leg := domain.LegOf(domain.IntentRecord{Intent: intent, State: domain.IntentPending})
		if err := d.execs.UpsertLeg(ctx, corr, leg); err != nil {
			d.logger.WarnContext(ctx, "unwind leg record failed", slog.String("error", err.Error()))
		}
	}
	d.logger.WarnContext(ctx, "unwind issued",
		slog.String("correlation_id", corr),
		slog.String("idempotency_key", intent.IdempotencyKey),
		slog.String("venue", intent.Venue),
		slog.String("side", string(intent.Side)),
		slog.String("size", intent.Size.String()),
		slog.String("price", intent.Price.String()),
	)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		_ = d.submit(d.base, intent)
	}()
	return nil
}

func (d *Dispatcher) complete(ctx context.Context, p domain.IntentPair, status domain.ExecutionStatus) {
	corr := p.CorrelationID()
	at := d.now().UTC()
	if d.execs != nil {
		if err := d.execs.Complete(ctx, corr, status, at); err != nil {
			d.logger.WarnContext(ctx, "execution complete failed",
				slog.String("correlation_id", corr),
				slog.String("error", err.Error()),
			)
		}
	}
	d.emit(ctx, domain.EventExecution, map[string]any{
		"id": corr, "instrument": p.Opportunity.Instrument, "status": status,
	})
	d.logger.InfoContext(ctx, "execution settled",
		slog.String("correlation_id", corr),
		slog.String("status", string(status)),
	)
	if status == domain.ExecPartial {
		return
	}
	d.pairs.Done(corr)
	d.release(corr)
}

func (d *Dispatcher) release(corr string) {
	d.mu.Lock()
	unlock := d.unlocks[corr]
	delete(d.unlocks, corr)
	d.mu.Unlock()
	if unlock != nil {
		unlock()
	}
}

// Run consumes venue reports and expires intents past their deadline until
// ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.InfoContext(ctx, "dispatcher started", slog.Int("venues", len(d.venues)))
	defer d.logger.Info("dispatcher stopped")

	reports := d.fanIn(ctx)
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-reports:
			d.HandleReport(ctx, r)
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

func (d *Dispatcher) fanIn(ctx context.Context) <-chan domain.ExecutionReport {
	out := make(chan domain.ExecutionReport, 256)
	for _, v := range d.venues {
		go func() {
			in := v.Reports()
			for {
				select {
				case <-ctx.Done():
					return
				case r, ok := <-in:
					if !ok {
						return
					}
					if r.Venue == "" {
						r.Venue = v.Venue()
					}
					select {
					case out <- r:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}
	return out
}

// sweep cancels acknowledged intents whose fill deadline passed.
func (d *Dispatcher) sweep(ctx context.Context) {
	now := d.now()
	for _, rec := range d.registry.Expired(now) {
		if rec.State != domain.IntentAcked {
			continue
		}
		key := rec.Intent.IdempotencyKey
		if v, ok := d.venues[rec.Intent.Venue]; ok {
			if err := d.cancel(ctx, v, key); err != nil {
				d.logger.WarnContext(ctx, "cancel expired intent failed",
					slog.String("idempotency_key", key),
					slog.String("error", err.Error()),
				)
			}
		}
		d.transition(ctx, key, domain.IntentExpired, &domain.ExecutionTimeoutError{
			IdempotencyKey: key,
			Attempts:       rec.Attempts,
			Err:            errors.New("fill deadline passed"),
		})
	}
	if n := d.registry.Cleanup(d.cfg.RetainTerminal); n > 0 {
		d.logger.DebugContext(ctx, "reclaimed terminal intents", slog.Int("count", n))
	}
}

// Drain waits until no intent is open or ctx expires.
func (d *Dispatcher) Drain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if d.settling.Load() == 0 && len(d.registry.Open()) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Abandon stops new submissions, cancels every open intent at its venue and
// marks it cancelled. It returns the abandoned records, whose venue-side
// state is indeterminate, and any cancel errors.
func (d *Dispatcher) Abandon(ctx context.Context) ([]domain.IntentRecord, error) {
	d.closing.Store(true)
	d.stopSubmit()

	var (
		out  []domain.IntentRecord
		errs []error
	)
	for _, rec := range d.registry.Open() {
		key := rec.Intent.IdempotencyKey
		if v, ok := d.venues[rec.Intent.Venue]; ok {
			if err := d.cancel(ctx, v, key); err != nil {
				errs = append(errs, fmt.Errorf("cancel %s on %s: %w", key, rec.Intent.Venue, err))
			}
		}
		d.transition(ctx, key, domain.IntentCancelled, errors.New("abandoned on shutdown"))
		if cur, ok := d.registry.Get(key); ok {
			rec = cur
		}
		d.auditLog(ctx, "indeterminate_intent", map[string]any{
			"idempotency_key": key, "venue": rec.Intent.Venue,
			"instrument": rec.Intent.Instrument, "side": string(rec.Intent.Side),
			"size": rec.Intent.Size.String(), "filled": rec.FilledQty.String(),
			"state": string(rec.State),
		})
		out = append(out, rec)
	}
	d.wg.Wait()
	return out, errors.Join(errs...)
}

// Busy reports whether leg has an intent awaiting fills.
func (d *Dispatcher) Busy(leg domain.QuoteKey) bool { return d.registry.Busy(leg) }

// Records returns up to limit intent records, most recent first.
func (d *Dispatcher) Records(limit int) []domain.IntentRecord { return d.registry.Recent(limit) }

// Open returns every intent still awaiting a terminal state.
func (d *Dispatcher) Open() []domain.IntentRecord { return d.registry.Open() }

func (d *Dispatcher) emit(ctx context.Context, eventType string, data any) {
	if d.events != nil {
		d.events.Emit(ctx, eventType, data)
	}
}

func (d *Dispatcher) auditLog(ctx context.Context, event string, detail map[string]any) {
	if d.audit == nil {
		return
	}
	if err := d.audit.Log(ctx, event, detail); err != nil {
		d.logger.WarnContext(ctx, "audit write failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

// alert notifies asynchronously; delivery failures are only logged.
func (d *Dispatcher) alert(ctx context.Context, event, title, message string) {
	if d.alerter == nil {
		return
	}
	actx := context.WithoutCancel(ctx)
	go func() {
		actx, cancel := context.WithTimeout(actx, 10*time.Second)
		defer cancel()
		if err := d.alerter.Notify(actx, event, title, message); err != nil {
			d.logger.Warn("alert failed", slog.String("event", event), slog.String("error", err.Error()))
		}
	}()
}

func lockKey(p domain.IntentPair) string {
	return "open:" + p.Opportunity.Instrument + ":" + p.Buy.Venue + ":" + p.Sell.Venue
}
