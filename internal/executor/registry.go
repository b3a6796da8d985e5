package executor

import (
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/simplearb/internal/domain"
)

// retired marks an index entry whose record slot was reclaimed. The key stays
// in the index so it can never be registered again.
const retired = -1

// Registry is the in-flight ledger of order intents: an arena of records plus
// an index from idempotency key to arena slot. It is safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	arena []domain.IntentRecord
	free  []int
	index map[string]int
	now   func() time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		index: make(map[string]int),
		now:   time.Now,
	}
}

// Register records intent as pending. A key that was ever registered is
// refused with a DuplicateSubmissionError, so one key maps to one order for
// the lifetime of the process.
func (r *Registry) Register(intent domain.OrderIntent) (domain.IntentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.index[intent.IdempotencyKey]; ok {
		return domain.IntentRecord{}, &domain.DuplicateSubmissionError{IdempotencyKey: intent.IdempotencyKey}
	}
	rec := domain.IntentRecord{Intent: intent, State: domain.IntentPending, UpdatedAt: r.now()}
	var slot int
	if n := len(r.free); n > 0 {
		slot = r.free[n-1]
		r.free = r.free[:n-1]
		r.arena[slot] = rec
	} else {
		slot = len(r.arena)
		r.arena = append(r.arena, rec)
	}
	r.index[intent.IdempotencyKey] = slot
	return rec, nil
}

// Update applies fn to the record for key and returns the result. Records in
// a terminal state are still passed to fn so late fills can be accounted;
// fn decides whether to change the state.
func (r *Registry) Update(key string, fn func(*domain.IntentRecord)) (domain.IntentRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.index[key]
	if !ok || slot == retired {
		return domain.IntentRecord{}, false
	}
	rec := &r.arena[slot]
	fn(rec)
	rec.UpdatedAt = r.now()
	return *rec, true
}

// Get returns the record for key.
func (r *Registry) Get(key string) (domain.IntentRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.index[key]
	if !ok || slot == retired {
		return domain.IntentRecord{}, false
	}
	return r.arena[slot], true
}

// Known reports whether key was ever registered.
func (r *Registry) Known(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.index[key]
	return ok
}

// Busy reports whether any non-terminal intent trades leg.
func (r *Registry) Busy(leg domain.QuoteKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, slot := range r.index {
		if slot == retired {
			continue
		}
		rec := &r.arena[slot]
		if !rec.State.Terminal() && rec.Intent.Leg() == leg {
			return true
		}
	}
	return false
}

// Open returns every non-terminal record.
func (r *Registry) Open() []domain.IntentRecord {
	return r.collect(func(rec *domain.IntentRecord) bool { return !rec.State.Terminal() })
}

// Expired returns non-terminal records whose deadline is before now.
func (r *Registry) Expired(now time.Time) []domain.IntentRecord {
	return r.collect(func(rec *domain.IntentRecord) bool {
		return !rec.State.Terminal() && !rec.Intent.Deadline.IsZero() && now.After(rec.Intent.Deadline)
	})
}

// Recent returns up to limit records, most recently updated first.
func (r *Registry) Recent(limit int) []domain.IntentRecord {
	out := r.collect(func(*domain.IntentRecord) bool { return true })
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Cleanup reclaims the slots of terminal records last updated more than ttl
// ago. Their keys stay reserved.
func (r *Registry) Cleanup(ttl time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-ttl)
	n := 0
	for key, slot := range r.index {
		if slot == retired {
			continue
		}
		rec := &r.arena[slot]
		if rec.State.Terminal() && rec.UpdatedAt.Before(cutoff) {
			r.arena[slot] = domain.IntentRecord{}
			r.free = append(r.free, slot)
			r.index[key] = retired
			n++
		}
	}
	return n
}

func (r *Registry) collect(keep func(*domain.IntentRecord) bool) []domain.IntentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.IntentRecord
	for _, slot := range r.index {
		if slot == retired {
			continue
		}
		if rec := &r.arena[slot]; keep(rec) {
			out = append(out, *rec)
		}
	}
	return out
}
