package redis

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/simplearb/internal/domain"
)

func TestQuoteHashFields(t *testing.T) {
	at := time.Unix(1700000000, 123456789)
	q := domain.Quote{
		Venue:      "alpha",
		Instrument: "BTC-USD",
		Bid:        decimal.RequireFromString("100.25"),
		Ask:        decimal.RequireFromString("100.75"),
		BidSize:    decimal.RequireFromString("2"),
		AskSize:    decimal.RequireFromString("0.5"),
		ObservedAt: at,
	}

	fields := quoteFields(q)
	vals := make(map[string]string, len(fields))
	for k, v := range fields {
		vals[k] = v.(string)
	}
	assert.Equal(t, "100.25", vals["bid"])
	assert.Equal(t, "1700000000123456789", vals["ts"])

	got, err := parseQuote(q.Key(), vals)
	require.NoError(t, err)
	assert.True(t, got.Bid.Equal(q.Bid))
	assert.True(t, got.AskSize.Equal(q.AskSize))
	assert.True(t, got.ObservedAt.Equal(at))
	assert.Equal(t, q.Key(), got.Key())
}

func TestParseQuoteRejectsBrokenHash(t *testing.T) {
	key := domain.QuoteKey{Venue: "alpha", Instrument: "BTC-USD"}

	_, err := parseQuote(key, map[string]string{"bid": "1", "ask": "2", "bid_size": "1"})
	assert.ErrorContains(t, err, "missing field ask_size")

	_, err = parseQuote(key, map[string]string{"bid": "x", "ask": "2", "bid_size": "1", "ask_size": "1", "ts": "1"})
	assert.ErrorContains(t, err, "field bid")

	_, err = parseQuote(key, map[string]string{"bid": "1", "ask": "2", "bid_size": "1", "ask_size": "1"})
	assert.ErrorContains(t, err, "field ts")
}

func TestQuoteMirrorRoundTrip(t *testing.T) {
	c, mr := newTestClient(t)
	m := NewQuoteMirror(c, 30*time.Second)
	ctx := context.Background()
	key := domain.QuoteKey{Venue: "alpha", Instrument: "BTC-USD"}

	_, err := m.GetQuote(ctx, key)
	require.ErrorIs(t, err, domain.ErrNotFound)

	q := domain.Quote{
		Venue: "alpha", Instrument: "BTC-USD",
		Bid: decimal.RequireFromString("100.25"), Ask: decimal.RequireFromString("100.75"),
		BidSize: decimal.RequireFromString("1"), AskSize: decimal.RequireFromString("2"),
		ObservedAt: time.Unix(1700000000, 0),
	}
	require.NoError(t, m.SetQuote(ctx, q))
	assert.Equal(t, 30*time.Second, mr.TTL("simplearb:quote:alpha:BTC-USD"))

	got, err := m.GetQuote(ctx, key)
	require.NoError(t, err)
	assert.True(t, got.Ask.Equal(q.Ask))
	assert.True(t, got.ObservedAt.Equal(q.ObservedAt))
}
