// Package quote holds the latest quote per (venue, instrument) with staleness
// tracking.
package quote

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/simplearb/internal/domain"
)

// Cache retains exactly one quote per (venue, instrument). Each key owns an
// atomic slot, so writers of one key never contend with writers or readers
// of another; the index lock is only taken exclusively when a new key
// appears.
type Cache struct {
	mu     sync.RWMutex
	slots  map[domain.QuoteKey]*atomic.Pointer[domain.Quote]
	byInst map[string][]domain.QuoteKey

	mirror domain.QuoteMirror
	logger *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithMirror copies every accepted quote to m. Mirror errors are logged and
// never fail the update.
func WithMirror(m domain.QuoteMirror) Option {
	return func(c *Cache) { c.mirror = m }
}

// NewCache creates an empty Cache.
func NewCache(logger *slog.Logger, opts ...Option) *Cache {
	c := &Cache{
		slots:  make(map[domain.QuoteKey]*atomic.Pointer[domain.Quote]),
		byInst: make(map[string][]domain.QuoteKey),
		logger: logger.With(slog.String("component", "quote_cache")),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Update stores q if it is strictly newer than the quote held for its key.
// Older or equal timestamps are dropped, which absorbs out-of-order and
// duplicate delivery. It reports whether q was stored.
func (c *Cache) Update(ctx context.Context, q domain.Quote) bool {
	slot := c.slot(q.Key())
	next := &q
	for {
		cur := slot.Load()
		if cur != nil && !q.ObservedAt.After(cur.ObservedAt) {
			return false
		}
		if slot.CompareAndSwap(cur, next) {
			break
		}
	}

	if c.mirror != nil {
		if err := c.mirror.SetQuote(ctx, q); err != nil {
			c.logger.DebugContext(ctx, "quote mirror failed",
				slog.String("key", q.Key().String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return true
}

// Get returns the current quote for key.
func (c *Cache) Get(key domain.QuoteKey) (domain.Quote, bool) {
	c.mu.RLock()
	slot, ok := c.slots[key]
	c.mu.RUnlock()
	if !ok {
		return domain.Quote{}, false
	}
	q := slot.Load()
	if q == nil {
		return domain.Quote{}, false
	}
	return *q, true
}

// Snapshot returns the current quote of every venue for instrument, tagged
// with its age at now and ordered by venue.
func (c *Cache) Snapshot(instrument string, now time.Time) []domain.AgedQuote {
	c.mu.RLock()
	keys := c.byInst[instrument]
	slots := make([]*atomic.Pointer[domain.Quote], 0, len(keys))
	for _, k := range keys {
		slots = append(slots, c.slots[k])
	}
	c.mu.RUnlock()

	out := make([]domain.AgedQuote, 0, len(slots))
	for _, s := range slots {
		q := s.Load()
		if q == nil {
			continue
		}
		out = append(out, domain.AgedQuote{Quote: *q, Age: q.Age(now)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Venue < out[j].Venue })
	return out
}

// Instruments returns every instrument with at least one quote.
func (c *Cache) Instruments() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.byInst))
	for inst := range c.byInst {
		out = append(out, inst)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of keys held.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.slots)
}

func (c *Cache) slot(key domain.QuoteKey) *atomic.Pointer[domain.Quote] {
	c.mu.RLock()
	s, ok := c.slots[key]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.slots[key]; ok {
		return s
	}
	s = new(atomic.Pointer[domain.Quote])
	c.slots[key] = s
	c.byInst[key.Instrument] = append(c.byInst[key.Instrument], key)
	return s
}

// IsStale reports whether q is older than maxAge at now.
func IsStale(q domain.Quote, maxAge time.Duration, now time.Time) bool {
	return q.Age(now) > maxAge
}
