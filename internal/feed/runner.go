// Package feed keeps one subscription per venue alive and pushes its quotes
// into the quote cache.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/simplearb/internal/backoff"
	"github.com/alanyoungcy/simplearb/internal/domain"
	"github.com/alanyoungcy/simplearb/internal/metrics"
)

// Sink stores quotes and reports whether each one was newer than the held copy.
type Sink interface {
	Update(ctx context.Context, q domain.Quote) bool
}

// Alerter notifies operators that a feed is down.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Runner drives a single venue's QuoteFeed. A broken or refused subscription
// is retried with capped exponential backoff; the retry counter resets once a
// connection delivers a quote.
type Runner struct {
	feed        domain.QuoteFeed
	instruments []string
	sink        Sink
	notify      func()
	policy      backoff.Policy
	metrics     *metrics.Metrics
	alerter     Alerter
	alertAfter  int
	logger      *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithBackoff overrides the reconnect policy.
func WithBackoff(p backoff.Policy) Option {
	return func(r *Runner) { r.policy = p }
}

// WithMetrics counts quotes and reconnects.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithAlerter raises a feed_down alert once after failures consecutive
// sessions end without delivering a quote. The alert re-arms when quotes
// flow again.
func WithAlerter(a Alerter, failures int) Option {
	return func(r *Runner) {
		r.alerter = a
		r.alertAfter = max(failures, 1)
	}
}

// NewRunner creates a Runner. notify is called after every accepted quote and
// must not block; it may be nil.
func NewRunner(feed domain.QuoteFeed, instruments []string, sink Sink, notify func(), logger *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		feed:        feed,
		instruments: instruments,
		sink:        sink,
		notify:      notify,
		policy:      backoff.Default,
		logger:      logger.With(slog.String("component", "feed"), slog.String("venue", feed.Venue())),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run subscribes and consumes quotes until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if len(r.instruments) == 0 {
		r.logger.Info("no instruments to subscribe, exiting")
		return nil
	}
	r.logger.InfoContext(ctx, "feed started", slog.Int("instruments", len(r.instruments)))
	defer r.logger.Info("feed stopped")

	retry := 0
	alerted := false
	for {
		received, err := r.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if received > 0 {
			retry = 0
			alerted = false
		}
		if !alerted && r.alerter != nil && retry+1 >= r.alertAfter {
			r.alertDown(ctx, err, retry+1)
			alerted = true
		}
		wait := r.policy.Delay(retry)
		r.logger.WarnContext(ctx, "feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Int("received", received),
			slog.Int("retry", retry),
			slog.Duration("wait", wait),
		)
		r.metrics.FeedReconnect(r.feed.Venue())
		if !r.policy.Sleep(ctx.Done(), retry) {
			return ctx.Err()
		}
		retry++
	}
}

// session runs one subscription until it breaks. It returns the number of
// quotes received and the error that ended it, wrapped as a FeedError.
func (r *Runner) session(ctx context.Context) (int, error) {
	venue := r.feed.Venue()
	stream, err := r.feed.Subscribe(ctx, r.instruments)
	if err != nil {
		return 0, &domain.FeedError{Venue: venue, Err: err}
	}
	defer stream.Close()
	r.logger.InfoContext(ctx, "feed subscribed")

	received := 0
	for {
		q, err := stream.Recv(ctx)
		if err != nil {
			var fe *domain.FeedError
			if errors.As(err, &fe) {
				return received, err
			}
			return received, &domain.FeedError{Venue: venue, Err: err}
		}
		received++
		if q.Venue == "" {
			q.Venue = venue
		}
		if q.ObservedAt.IsZero() {
			q.ObservedAt = time.Now().UTC()
		}
		if err := q.Validate(); err != nil {
			r.logger.DebugContext(ctx, "dropping invalid quote", slog.String("error", err.Error()))
			continue
		}
		accepted := r.sink.Update(ctx, q)
		r.metrics.QuoteReceived(venue, accepted)
		if accepted && r.notify != nil {
			r.notify()
		}
	}
}

func (r *Runner) alertDown(ctx context.Context, cause error, failures int) {
	venue := r.feed.Venue()
	actx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := r.alerter.Notify(actx, domain.AlertFeedDown, "Feed down: "+venue,
		fmt.Sprintf("%s quote feed failed %d time(s) in a row: %v", venue, failures, cause))
	if err != nil {
		r.logger.WarnContext(ctx, "feed alert failed", slog.String("error", err.Error()))
	}
}
