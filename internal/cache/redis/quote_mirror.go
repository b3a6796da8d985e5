package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/simplearb/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// QuoteMirror implements domain.QuoteMirror using Redis hashes. Each accepted
// quote is stored at "simplearb:quote:{venue}:{instrument}" with decimal
// fields kept as strings and "ts" as Unix nanoseconds. Entries expire after
// ttl so a dead engine does not leave quotes that look live.
type QuoteMirror struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewQuoteMirror creates a QuoteMirror backed by the given Client. A
// non-positive ttl disables expiry.
func NewQuoteMirror(c *Client, ttl time.Duration) *QuoteMirror {
	return &QuoteMirror{rdb: c.Underlying(), ttl: ttl}
}

func quoteKey(k domain.QuoteKey) string {
	return namespaced("quote", k.Venue+":"+k.Instrument)
}

// SetQuote stores q, replacing the previous quote for the same key.
func (m *QuoteMirror) SetQuote(ctx context.Context, q domain.Quote) error {
	key := quoteKey(q.Key())
	pipe := m.rdb.TxPipeline()
	pipe.HSet(ctx, key, quoteFields(q))
	if m.ttl > 0 {
		pipe.Expire(ctx, key, m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", q.Key(), err)
	}
	return nil
}

// GetQuote returns the mirrored quote for key, or domain.ErrNotFound.
func (m *QuoteMirror) GetQuote(ctx context.Context, key domain.QuoteKey) (domain.Quote, error) {
	vals, err := m.rdb.HGetAll(ctx, quoteKey(key)).Result()
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: get quote %s: %w", key, err)
	}
	if len(vals) == 0 {
		return domain.Quote{}, domain.ErrNotFound
	}
	q, err := parseQuote(key, vals)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: parse quote %s: %w", key, err)
	}
	return q, nil
}

func quoteFields(q domain.Quote) map[string]any {
	return map[string]any{
		"bid":      q.Bid.String(),
		"ask":      q.Ask.String(),
		"bid_size": q.BidSize.String(),
		"ask_size": q.AskSize.String(),
		"ts":       strconv.FormatInt(q.ObservedAt.UnixNano(), 10),
	}
}

func parseQuote(key domain.QuoteKey, vals map[string]string) (domain.Quote, error) {
	q := domain.Quote{Venue: key.Venue, Instrument: key.Instrument}
	for _, f := range []struct {
		name string
		dst  *decimal.Decimal
	}{
		{"bid", &q.Bid},
		{"ask", &q.Ask},
		{"bid_size", &q.BidSize},
		{"ask_size", &q.AskSize},
	} {
		raw, ok := vals[f.name]
		if !ok {
			return domain.Quote{}, fmt.Errorf("missing field %s", f.name)
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return domain.Quote{}, fmt.Errorf("field %s: %w", f.name, err)
		}
		*f.dst = d
	}
	ts, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("field ts: %w", err)
	}
	q.ObservedAt = time.Unix(0, ts)
	return q, nil
}

// Compile-time interface check.
var _ domain.QuoteMirror = (*QuoteMirror)(nil)
