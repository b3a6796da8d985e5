// Package engine drives the evaluation cycle: snapshot the quote cache,
// evaluate spreads, gate the ranked opportunities and dispatch accepted pairs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/simplearb/internal/arbitrage"
	"github.com/alanyoungcy/simplearb/internal/domain"
	"github.com/alanyoungcy/simplearb/internal/metrics"
	"github.com/alanyoungcy/simplearb/internal/risk"
)

// State is the driver's position in its cycle.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateEvaluating
	StateDeciding
	StateDispatching
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateEvaluating:
		return "evaluating"
	case StateDeciding:
		return "deciding"
	case StateDispatching:
		return "dispatching"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Snapshotter is the read side of the quote cache.
type Snapshotter interface {
	Snapshot(instrument string, now time.Time) []domain.AgedQuote
}

// Evaluator finds opportunities in a snapshot.
type Evaluator interface {
	Evaluate(snapshot []domain.AgedQuote) iter.Seq[domain.Opportunity]
}

// Gate turns ranked opportunities into decisions.
type Gate interface {
	Decide(ctx context.Context, opps []domain.Opportunity) []risk.Decision
	Tripped() bool
}

// Dispatcher executes accepted pairs.
type Dispatcher interface {
	SubmitPair(ctx context.Context, p domain.IntentPair) error
	Drain(ctx context.Context) error
	Abandon(ctx context.Context) ([]domain.IntentRecord, error)
	Open() []domain.IntentRecord
}

// EventSink receives engine events for publication.
type EventSink interface {
	Emit(ctx context.Context, eventType string, data any)
}

// Alerter notifies operators.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config controls cadence and shutdown.
type Config struct {
	// Mode is "live", "paper" or "monitor". Monitor mode never dispatches.
	Mode         string
	Instruments  []string
	EvalInterval time.Duration
	DrainTimeout time.Duration
}

// Driver runs the Idle → Polling → Evaluating → Deciding → Dispatching cycle.
// A cycle starts on every tick and on quote notifications, which coalesce
// while a cycle is running. Cancellation is observed between states only; a
// dispatch that has started always completes.
type Driver struct {
	cfg     Config
	quotes  Snapshotter
	eval    Evaluator
	gate    Gate
	disp    Dispatcher
	events  EventSink
	alerter Alerter
	metrics *metrics.Metrics
	logger  *slog.Logger

	trigger chan struct{}
	state   atomic.Int32

	cycles        atomic.Uint64
	opportunities atomic.Uint64
	accepted      atomic.Uint64
	rejected      atomic.Uint64
	lastCycle     atomic.Int64
	startedAt     atomic.Int64
	killAlerted   atomic.Bool

	now func() time.Time
}

// Option configures a Driver.
type Option func(*Driver)

// WithEvents publishes opportunities and rejections.
func WithEvents(e EventSink) Option {
	return func(d *Driver) { d.events = e }
}

// WithAlerter notifies operators when the kill switch trips.
func WithAlerter(a Alerter) Option {
	return func(d *Driver) { d.alerter = a }
}

// WithMetrics records cycle metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// New creates a Driver.
func New(cfg Config, quotes Snapshotter, eval Evaluator, gate Gate, disp Dispatcher, logger *slog.Logger, opts ...Option) *Driver {
	if cfg.EvalInterval <= 0 {
		cfg.EvalInterval = time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 15 * time.Second
	}
	d := &Driver{
		cfg:     cfg,
		quotes:  quotes,
		eval:    eval,
		gate:    gate,
		disp:    disp,
		logger:  logger.With(slog.String("component", "engine")),
		trigger: make(chan struct{}, 1),
		now:     time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Trigger requests a cycle. Requests made while one is pending are merged.
func (d *Driver) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// State returns the current state.
func (d *Driver) State() State {
	return State(d.state.Load())
}

// Stats returns a point-in-time summary for the status endpoint.
func (d *Driver) Stats() domain.EngineStatus {
	s := domain.EngineStatus{
		Mode:          d.cfg.Mode,
		State:         d.State().String(),
		Cycles:        d.cycles.Load(),
		Opportunities: d.opportunities.Load(),
		Accepted:      d.accepted.Load(),
		Rejected:      d.rejected.Load(),
		InFlight:      len(d.disp.Open()),
	}
	if ns := d.lastCycle.Load(); ns != 0 {
		s.LastCycleAt = time.Unix(0, ns).UTC()
	}
	if ns := d.startedAt.Load(); ns != 0 {
		s.StartedAt = time.Unix(0, ns).UTC()
	}
	return s
}

// Run cycles until ctx is cancelled, then drains the dispatcher for at most
// DrainTimeout and abandons whatever is still open. The dispatcher must keep
// receiving venue reports until Run returns.
func (d *Driver) Run(ctx context.Context) error {
	d.startedAt.Store(d.now().UnixNano())
	d.setState(StatePolling)
	d.logger.InfoContext(ctx, "engine started",
		slog.String("mode", d.cfg.Mode),
		slog.Int("instruments", len(d.cfg.Instruments)),
		slog.String("interval", d.cfg.EvalInterval.String()),
	)

	ticker := time.NewTicker(d.cfg.EvalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.shutdown(context.WithoutCancel(ctx))
			return ctx.Err()
		case <-ticker.C:
		case <-d.trigger:
		}
		d.cycle(ctx)
	}
}

func (d *Driver) cycle(ctx context.Context) {
	start := d.now()
	defer func() {
		d.cycles.Add(1)
		d.lastCycle.Store(d.now().UnixNano())
		d.metrics.CycleDone(d.now().Sub(start))
		d.metrics.SetOpenIntents(len(d.disp.Open()))
		d.setState(StatePolling)
	}()

	d.setState(StateEvaluating)
	var opps []domain.Opportunity
	for _, inst := range d.cfg.Instruments {
		for opp := range d.eval.Evaluate(d.quotes.Snapshot(inst, start)) {
			opps = append(opps, opp)
			d.metrics.Opportunity(inst)
			d.emit(ctx, domain.EventOpportunity, opp)
		}
	}
	if len(opps) == 0 {
		return
	}
	d.opportunities.Add(uint64(len(opps)))
	arbitrage.Rank(opps)
	if ctx.Err() != nil {
		return
	}

	d.setState(StateDeciding)
	decisions := d.gate.Decide(ctx, opps)
	var pairs []domain.IntentPair
	for _, dec := range decisions {
		if dec.Accepted {
			pairs = append(pairs, dec.Pair)
			continue
		}
		d.rejected.Add(1)
		d.metrics.Rejected(string(dec.Reason))
		d.emit(ctx, domain.EventRejected, map[string]any{
			"opportunity": dec.Opportunity,
			"reason":      dec.Reason,
			"error":       dec.Err.Error(),
		})
	}
	d.checkKillSwitch(ctx)
	if len(pairs) == 0 || ctx.Err() != nil {
		return
	}

	d.setState(StateDispatching)
	if d.cfg.Mode == "monitor" {
		for _, p := range pairs {
			d.logger.InfoContext(ctx, "monitor mode, not dispatching",
				slog.String("correlation_id", p.CorrelationID()),
				slog.String("instrument", p.Opportunity.Instrument),
				slog.String("buy_venue", p.Buy.Venue),
				slog.String("sell_venue", p.Sell.Venue),
				slog.String("size", p.Buy.Size.String()),
				slog.String("expected_pnl", p.Opportunity.ExpectedPnL().String()),
			)
		}
		return
	}

	dctx := context.WithoutCancel(ctx)
	for _, p := range pairs {
		if err := d.disp.SubmitPair(dctx, p); err != nil {
			level := slog.LevelError
			if errors.Is(err, domain.ErrLockHeld) || errors.Is(err, domain.ErrDuplicateSubmission) {
				level = slog.LevelInfo
			}
			d.logger.Log(ctx, level, "dispatch pair failed",
				slog.String("correlation_id", p.CorrelationID()),
				slog.String("instrument", p.Opportunity.Instrument),
				slog.String("error", err.Error()),
			)
			continue
		}
		d.accepted.Add(1)
	}
}

func (d *Driver) checkKillSwitch(ctx context.Context) {
	if !d.gate.Tripped() || !d.killAlerted.CompareAndSwap(false, true) {
		return
	}
	d.alert(ctx, domain.AlertKillSwitch, "Kill switch engaged",
		"Loss limit exceeded; all new opportunities are being rejected until restart.")
}

// shutdown waits for open intents to settle, then cancels the rest.
func (d *Driver) shutdown(ctx context.Context) {
	d.setState(StateIdle)
	defer d.setState(StateStopped)

	open := len(d.disp.Open())
	d.logger.InfoContext(ctx, "engine stopping, draining intents",
		slog.Int("open", open),
		slog.String("timeout", d.cfg.DrainTimeout.String()),
	)

	dctx, cancel := context.WithTimeout(ctx, d.cfg.DrainTimeout)
	err := d.disp.Drain(dctx)
	cancel()
	if err == nil {
		d.logger.InfoContext(ctx, "engine drained")
		return
	}

	actx, cancel := context.WithTimeout(ctx, d.cfg.DrainTimeout)
	defer cancel()
	records, err := d.disp.Abandon(actx)
	for _, r := range records {
		d.logger.WarnContext(ctx, "indeterminate intent",
			slog.String("idempotency_key", r.Intent.IdempotencyKey),
			slog.String("correlation_id", r.Intent.CorrelationID),
			slog.String("venue", r.Intent.Venue),
			slog.String("side", string(r.Intent.Side)),
			slog.String("filled_qty", r.FilledQty.String()),
			slog.String("state", string(r.State)),
		)
	}
	if err != nil {
		d.logger.ErrorContext(ctx, "cancel on shutdown failed", slog.String("error", err.Error()))
	}
	if len(records) > 0 {
		d.alert(ctx, domain.AlertShutdown, "Shutdown with open intents",
			fmt.Sprintf("%d intent(s) did not settle within %s; see the audit log for reconciliation.", len(records), d.cfg.DrainTimeout))
	}
}

func (d *Driver) setState(s State) {
	d.state.Store(int32(s))
}

func (d *Driver) emit(ctx context.Context, eventType string, data any) {
	if d.events != nil {
		d.events.Emit(ctx, eventType, data)
	}
}

func (d *Driver) alert(ctx context.Context, event, title, message string) {
	if d.alerter == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := d.alerter.Notify(actx, event, title, message); err != nil {
		d.logger.WarnContext(ctx, "alert failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}
