package executor

import (
	"sync"

	"github.com/alanyoungcy/simplearb/internal/domain"
)

type phase int

const (
	phaseLegs   phase = iota // both legs terminal
	phaseUnwind              // the unwind order terminal
)

// pendingPair tracks the two legs of one execution, and its unwind order
// once one is issued.
type pendingPair struct {
	pair       domain.IntentPair
	unwindKey  string
	reconciled bool
}

// settlement is handed to the dispatcher when a pair finishes a phase.
type settlement struct {
	phase  phase
	pair   domain.IntentPair
	buy    domain.IntentRecord
	sell   domain.IntentRecord
	unwind domain.IntentRecord
}

// PairTracker groups intents by correlation id until every leg has reached a
// terminal state. It is safe for concurrent use.
type PairTracker struct {
	mu    sync.Mutex
	pairs map[string]*pendingPair
	byKey map[string]string // idempotency key -> correlation id
}

// NewPairTracker creates an empty tracker.
func NewPairTracker() *PairTracker {
	return &PairTracker{
		pairs: make(map[string]*pendingPair),
		byKey: make(map[string]string),
	}
}

// Add starts tracking p.
func (t *PairTracker) Add(p domain.IntentPair) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := p.CorrelationID()
	t.pairs[id] = &pendingPair{pair: p}
	t.byKey[p.Buy.IdempotencyKey] = id
	t.byKey[p.Sell.IdempotencyKey] = id
}

// AttachUnwind links an unwind order's key to its pair.
func (t *PairTracker) AttachUnwind(correlationID, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.pairs[correlationID]; ok {
		p.unwindKey = key
		t.byKey[key] = correlationID
	}
}

// Settle is called after key's record turned terminal. It returns a
// settlement when that completes a phase of the pair; each phase settles
// exactly once. Pairs whose last phase settled are forgotten.
func (t *PairTracker) Settle(key string, get func(string) (domain.IntentRecord, bool)) (settlement, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.byKey[key]
	if !ok {
		return settlement{}, false
	}
	p := t.pairs[id]
	if p == nil {
		return settlement{}, false
	}

	if key == p.unwindKey {
		u, ok := get(key)
		if !ok || !u.State.Terminal() {
			return settlement{}, false
		}
		t.forget(id, p)
		return settlement{phase: phaseUnwind, pair: p.pair, unwind: u}, true
	}

	if p.reconciled {
		return settlement{}, false
	}
	buy, okB := get(p.pair.Buy.IdempotencyKey)
	sell, okS := get(p.pair.Sell.IdempotencyKey)
	if !okB || !okS || !buy.State.Terminal() || !sell.State.Terminal() {
		return settlement{}, false
	}
	p.reconciled = true
	s := settlement{phase: phaseLegs, pair: p.pair, buy: buy, sell: sell}
	// The caller may attach an unwind; until it does, the pair is kept so
	// the unwind key can still be linked.
	return s, true
}

// Done forgets a pair that needs no unwind.
func (t *PairTracker) Done(correlationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.pairs[correlationID]; ok {
		t.forget(correlationID, p)
	}
}

// Len returns the number of pairs still tracked.
func (t *PairTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pairs)
}

func (t *PairTracker) forget(id string, p *pendingPair) {
	delete(t.pairs, id)
	delete(t.byKey, p.pair.Buy.IdempotencyKey)
	delete(t.byKey, p.pair.Sell.IdempotencyKey)
	if p.unwindKey != "" {
		delete(t.byKey, p.unwindKey)
	}
}
