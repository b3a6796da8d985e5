// Package events publishes engine events to the websocket hub and, when
// Redis is enabled, to the shared signal bus and the durable journal stream.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/simplearb/internal/domain"
)

const (
	queueSize      = 1024
	publishTimeout = 2 * time.Second
)

// Broadcaster receives encoded events for local delivery.
type Broadcaster interface {
	Broadcast(topic string, data []byte)
}

// journaled lists the event types appended to the durable stream. Quote
// driven events are too frequent to keep.
var journaled = map[string]bool{
	domain.EventIntent:    true,
	domain.EventFill:      true,
	domain.EventUnwind:    true,
	domain.EventExecution: true,
}

// Publisher fans engine events out. Emit never blocks the caller; Run
// delivers queued events until its context ends.
type Publisher struct {
	bus    domain.SignalBus
	local  Broadcaster
	queue  chan domain.Event
	logger *slog.Logger
	now    func() time.Time
}

// NewPublisher creates a Publisher. With a bus, events reach the hub through
// the bus subscription; without one they are handed to local directly.
// Either may be nil.
func NewPublisher(bus domain.SignalBus, local Broadcaster, logger *slog.Logger) *Publisher {
	return &Publisher{
		bus:    bus,
		local:  local,
		queue:  make(chan domain.Event, queueSize),
		logger: logger.With(slog.String("component", "events")),
		now:    time.Now,
	}
}

// Emit queues an event. Events are dropped, with a warning, while the queue
// is full.
func (p *Publisher) Emit(ctx context.Context, eventType string, data any) {
	if p == nil {
		return
	}
	select {
	case p.queue <- domain.Event{Type: eventType, At: p.now().UTC(), Data: data}:
	default:
		p.logger.WarnContext(ctx, "event queue full, dropping", slog.String("type", eventType))
	}
}

// Run delivers events until ctx is cancelled, then flushes what is queued.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-p.queue:
			p.deliver(ctx, ev)
		case <-ctx.Done():
			p.flush(context.WithoutCancel(ctx))
			return ctx.Err()
		}
	}
}

func (p *Publisher) flush(ctx context.Context) {
	for {
		select {
		case ev := <-p.queue:
			p.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (p *Publisher) deliver(ctx context.Context, ev domain.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.ErrorContext(ctx, "encode event failed",
			slog.String("type", ev.Type),
			slog.String("error", err.Error()),
		)
		return
	}

	if p.bus == nil {
		if p.local != nil {
			p.local.Broadcast(ev.Type, payload)
		}
		return
	}

	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.bus.Publish(pctx, domain.ChannelEvents, payload); err != nil {
		p.logger.WarnContext(ctx, "publish event failed",
			slog.String("type", ev.Type),
			slog.String("error", err.Error()),
		)
	}
	if journaled[ev.Type] {
		if err := p.bus.StreamAppend(pctx, domain.StreamJournal, payload); err != nil {
			p.logger.WarnContext(ctx, "journal append failed",
				slog.String("type", ev.Type),
				slog.String("error", err.Error()),
			)
		}
	}
}
