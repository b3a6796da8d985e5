package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/simplearb/internal/arbitrage"
	"github.com/alanyoungcy/simplearb/internal/backoff"
	"github.com/alanyoungcy/simplearb/internal/domain"
	"github.com/alanyoungcy/simplearb/internal/engine"
	"github.com/alanyoungcy/simplearb/internal/events"
	"github.com/alanyoungcy/simplearb/internal/executor"
	"github.com/alanyoungcy/simplearb/internal/feed"
	"github.com/alanyoungcy/simplearb/internal/ledger"
	"github.com/alanyoungcy/simplearb/internal/quote"
	"github.com/alanyoungcy/simplearb/internal/risk"
	"github.com/alanyoungcy/simplearb/internal/server"
	"github.com/alanyoungcy/simplearb/internal/server/handler"
	"github.com/alanyoungcy/simplearb/internal/server/ws"
)

// feedAlertAfter is how many consecutive failed feed sessions raise a
// feed_down alert.
const feedAlertAfter = 5

// LiveMode trades against the configured venues.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting live mode")
	return a.runEngine(ctx, deps, true)
}

// PaperMode runs the full pipeline with every order sent to a simulator.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode")
	return a.runEngine(ctx, deps, false)
}

// MonitorMode evaluates and gates opportunities and logs what it would
// trade. No orders are placed.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")
	return a.runEngine(ctx, deps, false)
}

// runEngine assembles feed runners, quote cache, evaluator, risk gate,
// dispatcher and driver, plus the HTTP server and archiver, and runs them
// until ctx is cancelled.
//
// Shutdown is two-staged. The driver, feeds, hub, server and archiver stop
// with ctx; the dispatcher, ledger, venue report streams and event publisher
// keep running on a separate context until the driver has drained, so fills
// for open intents still land in the ledger.
func (a *App) runEngine(ctx context.Context, deps *Dependencies, live bool) error {
	cfg := a.cfg
	m := deps.Metrics

	venues, err := buildVenues(cfg, live, a.logger)
	if err != nil {
		return fmt.Errorf("app: venues: %w", err)
	}

	// Quote cache, mirrored to redis when enabled.
	var cacheOpts []quote.Option
	if deps.QuoteMirror != nil {
		cacheOpts = append(cacheOpts, quote.WithMirror(deps.QuoteMirror))
	}
	quotes := quote.NewCache(a.logger, cacheOpts...)

	// Ledger, restored from the fill journal.
	var ledgerOpts []ledger.Option
	if deps.FillStore != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithStore(deps.FillStore))
	}
	led := ledger.New(a.logger, ledgerOpts...)
	if _, err := led.Restore(ctx); err != nil {
		return fmt.Errorf("app: %w", err)
	}

	eval := arbitrage.NewEvaluator(arbitrage.Config{
		MinEdge:      decimal.NewFromFloat(cfg.Arbitrage.MinEdge),
		MaxQuoteAge:  cfg.Arbitrage.MaxQuoteAge.Duration,
		SlippageBps:  decimal.NewFromFloat(cfg.Arbitrage.SlippageBps),
		FeeBps:       decimalMap(cfg.FeeBps()),
		MaxTradeSize: decimal.NewFromFloat(cfg.Arbitrage.MaxTradeSize),
	})

	// The publisher hands events to the hub directly unless redis carries
	// them, in which case the hub reads them back off the bus.
	var driver *engine.Driver
	hub := ws.NewHub(deps.SignalBus, func() domain.EngineStatus { return driver.Stats() }, cfg.Server.CORSOrigins, a.logger)
	publisher := events.NewPublisher(deps.SignalBus, hub, a.logger)

	disp := executor.NewDispatcher(a.dispatcherConfig(), venues.exec, led, a.logger, a.dispatcherOptions(deps, quotes, publisher)...)

	gate := risk.NewGate(a.riskConfig(), led, quotes, disp, eval.Edge, venues.balances, a.logger)

	driver = engine.New(engine.Config{
		Mode:         cfg.Mode,
		Instruments:  cfg.Instruments,
		EvalInterval: cfg.Arbitrage.EvalInterval.Duration,
		DrainTimeout: cfg.Execution.DrainTimeout.Duration,
	}, quotes, eval, gate, disp, a.logger,
		engine.WithEvents(publisher),
		engine.WithAlerter(deps.Notifier),
		engine.WithMetrics(m),
	)

	// --- Core: outlives ctx until the driver has drained. ---
	coreCtx, stopCore := context.WithCancel(context.WithoutCancel(ctx))
	defer stopCore()
	core, coreCtx := errgroup.WithContext(coreCtx)
	core.Go(func() error { return led.Run(coreCtx) })
	core.Go(func() error { return disp.Run(coreCtx) })
	core.Go(func() error { return publisher.Run(coreCtx) })
	for _, run := range venues.reports {
		core.Go(func() error { return run(coreCtx) })
	}

	// --- Edge: stops with ctx. ---
	g, gctx := errgroup.WithContext(ctx)
	for _, f := range venues.feeds {
		r := feed.NewRunner(f, cfg.Instruments, quotes, driver.Trigger, a.logger,
			feed.WithMetrics(m),
			feed.WithAlerter(deps.Notifier, feedAlertAfter),
		)
		g.Go(func() error { return r.Run(gctx) })
	}
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return driver.Run(gctx) })

	if cfg.Server.Enabled {
		srv := a.newServer(deps, driver, led, disp, hub)
		g.Go(func() error { return srv.Run(gctx) })
	}

	if deps.Archiver != nil {
		retention := time.Duration(cfg.Archive.RetentionDays) * 24 * time.Hour
		g.Go(func() error { return deps.Archiver.Run(gctx, retention, cfg.Archive.Interval.Duration) })
	}

	err = g.Wait()
	stopCore()
	if cerr := core.Wait(); cerr != nil && !errors.Is(cerr, context.Canceled) {
		a.logger.Error("core shutdown error", slog.String("error", cerr.Error()))
	}
	venues.close()

	a.logger.Info("engine stopped",
		slog.String("cash_flow", led.CashFlow().String()),
		slog.Int("positions", len(led.Positions())),
	)
	return err
}

func (a *App) dispatcherConfig() executor.Config {
	ec := a.cfg.Execution
	perVenue := make(map[string]int, len(a.cfg.Venues))
	for _, v := range a.cfg.Venues {
		perVenue[v.Name] = v.OrdersPerSecond
	}
	return executor.Config{
		MaxSubmitRetries: ec.MaxSubmitRetries,
		RetryBackoff:     backoff.Policy{Base: ec.RetryBackoff.Duration, Max: ec.RetryBackoffMax.Duration},
		AckTimeout:       ec.AckTimeout.Duration,
		UnwindEnabled:    ec.UnwindEnabled,
		UnwindDeadline:   ec.FillDeadline.Duration,
		LockTTL:          a.cfg.Risk.LockTTL.Duration,
		OrdersPerSecond:  perVenue,
	}
}

func (a *App) dispatcherOptions(deps *Dependencies, quotes *quote.Cache, publisher *events.Publisher) []executor.Option {
	opts := []executor.Option{
		executor.WithQuotes(quotes),
		executor.WithEvents(publisher),
		executor.WithAlerter(deps.Notifier),
		executor.WithMetrics(deps.Metrics),
	}
	if deps.ExecutionStore != nil {
		opts = append(opts, executor.WithExecutionStore(deps.ExecutionStore))
	}
	if deps.AuditStore != nil {
		opts = append(opts, executor.WithAudit(deps.AuditStore))
	}
	if deps.RateLimiter != nil {
		opts = append(opts, executor.WithRateLimiter(deps.RateLimiter))
	}
	if deps.LockManager != nil && a.cfg.Risk.DistributedLocks {
		opts = append(opts, executor.WithLocks(deps.LockManager))
	}
	return opts
}

func (a *App) riskConfig() risk.Config {
	limits := make(map[string]decimal.Decimal)
	for _, v := range a.cfg.Venues {
		if v.PositionLimit > 0 {
			limits[v.Name] = decimal.NewFromFloat(v.PositionLimit)
		}
	}
	return risk.Config{
		MinEdge:         decimal.NewFromFloat(a.cfg.Arbitrage.MinEdge),
		MaxQuoteAge:     a.cfg.Arbitrage.MaxQuoteAge.Duration,
		PositionLimit:   decimal.NewFromFloat(a.cfg.Risk.PositionLimit),
		VenueLimits:     limits,
		KillSwitchLoss:  decimal.NewFromFloat(a.cfg.Risk.KillSwitchLossUSD),
		FillDeadline:    a.cfg.Execution.FillDeadline.Duration,
		BalanceFraction: decimal.NewFromFloat(a.cfg.Arbitrage.BalanceFraction),
	}
}

func (a *App) newServer(deps *Dependencies, driver *engine.Driver, led *ledger.Ledger, disp *executor.Dispatcher, hub *ws.Hub) *server.Server {
	scfg := server.ConfigFrom(a.cfg.Server)
	scfg.Limiter = deps.RateLimiter
	return server.NewServer(scfg, server.Handlers{
		Health:     handler.NewHealthHandler(deps.Checks, a.logger),
		Status:     handler.NewStatusHandler(driver.Stats),
		Positions:  handler.NewPositionHandler(led),
		Intents:    handler.NewIntentHandler(disp),
		Executions: handler.NewExecutionHandler(deps.ExecutionStore, a.logger),
		Audit:      handler.NewAuditHandler(deps.AuditStore, a.logger),
		Metrics:    deps.Metrics.Handler(),
		WS:         hub,
	}, a.logger)
}

func decimalMap(in map[string]float64) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(in))
	for k, v := range in {
		out[k] = decimal.NewFromFloat(v)
	}
	return out
}
