package domain

import (
	"context"
	"time"
)

// QuoteMirror publishes accepted quotes to a shared cache for other readers.
type QuoteMirror interface {
	SetQuote(ctx context.Context, q Quote) error
	GetQuote(ctx context.Context, key QuoteKey) (Quote, error)
}

// RateLimiter admits at most limit requests per key in any trailing window.
// A refused call reports how long until a slot frees up.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (ok bool, retryAfter time.Duration, err error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	// StreamTail returns the last count entries of a stream, oldest first.
	StreamTail(ctx context.Context, stream string, count int) ([]StreamMessage, error)
}

// Event channel and stream names used on the bus.
const (
	ChannelEvents = "simplearb:events"
	StreamJournal = "simplearb:journal"

	EventOpportunity = "opportunity"
	EventRejected    = "rejected"
	EventIntent      = "intent"
	EventFill        = "fill"
	EventUnwind      = "unwind"
	EventExecution   = "execution"
)

// Event is the envelope published on the bus and the websocket hub.
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}
