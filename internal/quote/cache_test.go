package quote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/simplearb/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mkQuote(venue string, bid string, at time.Time) domain.Quote {
	b := decimal.RequireFromString(bid)
	return domain.Quote{
		Venue: venue, Instrument: "BTC-USD",
		Bid: b, Ask: b.Add(decimal.NewFromInt(1)),
		BidSize: decimal.NewFromInt(1), AskSize: decimal.NewFromInt(1),
		ObservedAt: at,
	}
}

func TestUpdateKeepsNewest(t *testing.T) {
	c := NewCache(discard())
	ctx := context.Background()

	assert.True(t, c.Update(ctx, mkQuote("a", "100", t0.Add(2*time.Second))))
	assert.False(t, c.Update(ctx, mkQuote("a", "99", t0.Add(time.Second))), "older quote must be dropped")
	assert.False(t, c.Update(ctx, mkQuote("a", "98", t0.Add(2*time.Second))), "equal timestamp must be dropped")

	got, ok := c.Get(domain.QuoteKey{Venue: "a", Instrument: "BTC-USD"})
	require.True(t, ok)
	assert.Equal(t, "100", got.Bid.String())
	assert.Equal(t, 1, c.Len())
}

func TestUpdateMonotonicUnderConcurrency(t *testing.T) {
	c := NewCache(discard())
	ctx := context.Background()

	const n = 500
	offsets := rand.New(rand.NewSource(7)).Perm(n)
	var wg sync.WaitGroup
	for _, off := range offsets {
		wg.Add(1)
		go func(off int) {
			defer wg.Done()
			c.Update(ctx, mkQuote("a", "100", t0.Add(time.Duration(off)*time.Millisecond)))
		}(off)
	}
	wg.Wait()

	got, ok := c.Get(domain.QuoteKey{Venue: "a", Instrument: "BTC-USD"})
	require.True(t, ok)
	assert.Equal(t, t0.Add((n-1)*time.Millisecond), got.ObservedAt)
}

func TestSnapshotTagsAge(t *testing.T) {
	c := NewCache(discard())
	ctx := context.Background()
	c.Update(ctx, mkQuote("b", "101", t0))
	c.Update(ctx, mkQuote("a", "100", t0.Add(3*time.Second)))
	other := mkQuote("a", "5", t0)
	other.Instrument = "ETH-USD"
	c.Update(ctx, other)

	snap := c.Snapshot("BTC-USD", t0.Add(4*time.Second))
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Venue)
	assert.Equal(t, time.Second, snap[0].Age)
	assert.Equal(t, "b", snap[1].Venue)
	assert.Equal(t, 4*time.Second, snap[1].Age)

	assert.Empty(t, c.Snapshot("SOL-USD", t0))
	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, c.Instruments())
}

func TestIsStale(t *testing.T) {
	q := mkQuote("a", "100", t0)
	assert.False(t, IsStale(q, 5*time.Second, t0.Add(5*time.Second)))
	assert.True(t, IsStale(q, 5*time.Second, t0.Add(5*time.Second+time.Nanosecond)))
}

type failingMirror struct {
	calls int
}

func (m *failingMirror) SetQuote(context.Context, domain.Quote) error {
	m.calls++
	return errors.New("redis down")
}

func (m *failingMirror) GetQuote(context.Context, domain.QuoteKey) (domain.Quote, error) {
	return domain.Quote{}, domain.ErrNotFound
}

func TestMirrorFailureDoesNotRejectUpdate(t *testing.T) {
	m := &failingMirror{}
	c := NewCache(discard(), WithMirror(m))
	ctx := context.Background()

	assert.True(t, c.Update(ctx, mkQuote("a", "100", t0)))
	assert.False(t, c.Update(ctx, mkQuote("a", "100", t0)))
	assert.Equal(t, 1, m.calls, "only accepted quotes are mirrored")
}
