package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/simplearb/internal/backoff"
	"github.com/alanyoungcy/simplearb/internal/domain"
)

var errTransient = errors.New("connection reset")

type fakeVenue struct {
	name string

	mu        sync.Mutex
	failFirst int
	reject    bool
	submits   map[string]int
	sides     map[string]domain.OrderIntent
	cancels   []string
	reports   chan domain.ExecutionReport
}

func newFakeVenue(name string) *fakeVenue {
	return &fakeVenue{
		name:    name,
		submits: make(map[string]int),
		sides:   make(map[string]domain.OrderIntent),
		reports: make(chan domain.ExecutionReport, 16),
	}
}

func (v *fakeVenue) Venue() string { return v.name }

func (v *fakeVenue) Submit(_ context.Context, in domain.OrderIntent) (domain.Ack, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.submits[in.IdempotencyKey]++
	v.sides[in.IdempotencyKey] = in
	if v.reject {
		return domain.Ack{}, &domain.RejectedError{Venue: v.name, Reason: "insufficient funds"}
	}
	if v.submits[in.IdempotencyKey] <= v.failFirst {
		return domain.Ack{}, errTransient
	}
	return domain.Ack{IdempotencyKey: in.IdempotencyKey, VenueOrderID: "vo-" + in.IdempotencyKey}, nil
}

func (v *fakeVenue) Cancel(_ context.Context, key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancels = append(v.cancels, key)
	return nil
}

func (v *fakeVenue) Reports() <-chan domain.ExecutionReport { return v.reports }

func (v *fakeVenue) attempts(key string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.submits[key]
}

func (v *fakeVenue) submitted(key string) (domain.OrderIntent, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	in, ok := v.sides[key]
	return in, ok
}

func (v *fakeVenue) cancelled() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.cancels...)
}

type fakeLedger struct {
	mu    sync.Mutex
	seen  map[string]bool
	fills []domain.Fill
}

func (l *fakeLedger) Apply(_ context.Context, f domain.Fill) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen == nil {
		l.seen = make(map[string]bool)
	}
	if l.seen[f.ID] {
		return false, nil
	}
	l.seen[f.ID] = true
	l.fills = append(l.fills, f)
	return true, nil
}

func (l *fakeLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fills)
}

type fakeExecStore struct {
	mu       sync.Mutex
	created  []domain.Execution
	statuses map[string][]domain.ExecutionStatus
	legs     map[string]domain.ExecutionLeg
}

func newFakeExecStore() *fakeExecStore {
	return &fakeExecStore{
		statuses: make(map[string][]domain.ExecutionStatus),
		legs:     make(map[string]domain.ExecutionLeg),
	}
}

func (s *fakeExecStore) Create(_ context.Context, e domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, e)
	return nil
}

func (s *fakeExecStore) UpsertLeg(_ context.Context, _ string, leg domain.ExecutionLeg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.legs[leg.IdempotencyKey] = leg
	return nil
}

func (s *fakeExecStore) Complete(_ context.Context, id string, status domain.ExecutionStatus, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = append(s.statuses[id], status)
	return nil
}

func (s *fakeExecStore) GetByID(context.Context, string) (domain.Execution, error) {
	return domain.Execution{}, domain.ErrNotFound
}

func (s *fakeExecStore) ListRecent(context.Context, int) ([]domain.Execution, error) { return nil, nil }

func (s *fakeExecStore) ListBefore(context.Context, time.Time, int) ([]domain.Execution, error) {
	return nil, nil
}

func (s *fakeExecStore) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func (s *fakeExecStore) history(id string) []domain.ExecutionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ExecutionStatus(nil), s.statuses[id]...)
}

type fakeAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *fakeAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *fakeAudit) List(context.Context, domain.AuditFilter) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (a *fakeAudit) ListBefore(context.Context, time.Time, int) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (a *fakeAudit) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func (a *fakeAudit) logged() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...)
}

type harness struct {
	d      *Dispatcher
	a, b   *fakeVenue
	ledger *fakeLedger
	execs  *fakeExecStore
	audit  *fakeAudit
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		a:      newFakeVenue("a"),
		b:      newFakeVenue("b"),
		ledger: &fakeLedger{},
		execs:  newFakeExecStore(),
		audit:  &fakeAudit{},
	}
	if cfg.MaxSubmitRetries == 0 {
		cfg.MaxSubmitRetries = 3
	}
	if cfg.RetryBackoff == (backoff.Policy{}) {
		cfg.RetryBackoff = backoff.Policy{Base: time.Millisecond, Max: 5 * time.Millisecond}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.d = NewDispatcher(cfg, []domain.ExecutionVenue{h.a, h.b}, h.ledger, logger,
		WithExecutionStore(h.execs),
		WithAudit(h.audit),
	)
	t.Cleanup(func() { _, _ = h.d.Abandon(context.Background()) })
	return h
}

func (h *harness) state(key string) domain.IntentState {
	rec, _ := h.d.registry.Get(key)
	return rec.State
}

func (h *harness) waitState(t *testing.T, key string, want domain.IntentState) {
	t.Helper()
	require.Eventually(t, func() bool { return h.state(key) == want },
		2*time.Second, 5*time.Millisecond, "intent %s never reached %s", key, want)
}

func testPair(size string, deadline time.Duration) domain.IntentPair {
	qty := decimal.RequireFromString(size)
	now := time.Now()
	corr := uuid.NewString()
	opp := domain.Opportunity{
		ID:         uuid.NewString(),
		Instrument: "BTC-USD",
		BuyVenue:   "a",
		SellVenue:  "b",
		BuyPrice:   decimal.RequireFromString("100.00"),
		SellPrice:  decimal.RequireFromString("100.50"),
		Size:       qty,
		Edge:       decimal.RequireFromString("0.2995"),
	}
	leg := func(venue string, side domain.Side, price decimal.Decimal) domain.OrderIntent {
		return domain.OrderIntent{
			ID:             uuid.NewString(),
			OpportunityID:  opp.ID,
			CorrelationID:  corr,
			IdempotencyKey: uuid.NewString(),
			Venue:          venue,
			Instrument:     opp.Instrument,
			Side:           side,
			Price:          price,
			Size:           qty,
			CreatedAt:      now,
			Deadline:       now.Add(deadline),
		}
	}
	return domain.IntentPair{
		Opportunity: opp,
		Buy:         leg("a", domain.SideBuy, opp.BuyPrice),
		Sell:        leg("b", domain.SideSell, opp.SellPrice),
	}
}

func fillReport(in domain.OrderIntent, fillID, qty string) domain.ExecutionReport {
	return domain.ExecutionReport{
		Kind:           domain.ReportFill,
		IdempotencyKey: in.IdempotencyKey,
		Venue:          in.Venue,
		Fill: &domain.Fill{
			ID:         fillID,
			Venue:      in.Venue,
			Instrument: in.Instrument,
			Side:       in.Side,
			Price:      in.Price,
			Quantity:   decimal.RequireFromString(qty),
			FilledAt:   time.Now(),
		},
	}
}

func TestSubmitRetriesReuseIdempotencyKey(t *testing.T) {
	h := newHarness(t, Config{MaxSubmitRetries: 2})
	h.a.failFirst = 2

	p := testPair("1", time.Minute)
	require.NoError(t, h.d.SubmitPair(context.Background(), p))

	h.waitState(t, p.Buy.IdempotencyKey, domain.IntentAcked)
	h.waitState(t, p.Sell.IdempotencyKey, domain.IntentAcked)

	assert.Equal(t, 3, h.a.attempts(p.Buy.IdempotencyKey))
	assert.Equal(t, 1, h.b.attempts(p.Sell.IdempotencyKey))

	rec, ok := h.d.registry.Get(p.Buy.IdempotencyKey)
	require.True(t, ok)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, "vo-"+p.Buy.IdempotencyKey, rec.VenueOrderID)
	assert.True(t, h.d.Busy(p.Opportunity.BuyLeg()))
}

func TestSubmitPairRefusesReusedKey(t *testing.T) {
	h := newHarness(t, Config{})
	p := testPair("1", time.Minute)
	require.NoError(t, h.d.SubmitPair(context.Background(), p))

	err := h.d.SubmitPair(context.Background(), p)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDuplicateSubmission)
}

func TestSubmitPairUnknownVenue(t *testing.T) {
	h := newHarness(t, Config{})
	p := testPair("1", time.Minute)
	p.Sell.Venue = "nowhere"
	assert.ErrorIs(t, h.d.SubmitPair(context.Background(), p), domain.ErrUnknownVenue)
	assert.False(t, h.d.registry.Known(p.Buy.IdempotencyKey))
}

func TestRetriesExhaustedExpireIntent(t *testing.T) {
	h := newHarness(t, Config{MaxSubmitRetries: 2})
	h.a.failFirst = 10

	p := testPair("1", time.Minute)
	require.NoError(t, h.d.SubmitPair(context.Background(), p))

	key := p.Buy.IdempotencyKey
	h.waitState(t, key, domain.IntentExpired)
	// One send plus two retries.
	assert.Equal(t, 3, h.a.attempts(key))
	assert.Contains(t, h.a.cancelled(), key)

	rec, _ := h.d.registry.Get(key)
	assert.Contains(t, rec.LastError, "execution timeout")
	assert.Contains(t, rec.LastError, errTransient.Error())
}

func TestVenueRejectionIsNotRetried(t *testing.T) {
	h := newHarness(t, Config{MaxSubmitRetries: 5})
	h.b.reject = true

	p := testPair("1", time.Minute)
	require.NoError(t, h.d.SubmitPair(context.Background(), p))

	h.waitState(t, p.Sell.IdempotencyKey, domain.IntentRejected)
	assert.Equal(t, 1, h.b.attempts(p.Sell.IdempotencyKey))
}

func TestMatchedFillsSettleFilled(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	p := testPair("1", time.Minute)
	require.NoError(t, h.d.SubmitPair(ctx, p))
	h.waitState(t, p.Buy.IdempotencyKey, domain.IntentAcked)
	h.waitState(t, p.Sell.IdempotencyKey, domain.IntentAcked)

	h.d.HandleReport(ctx, fillReport(p.Buy, "f1", "0.5"))
	h.d.HandleReport(ctx, fillReport(p.Buy, "f1", "0.5")) // redelivered
	assert.Equal(t, domain.IntentAcked, h.state(p.Buy.IdempotencyKey))

	h.d.HandleReport(ctx, fillReport(p.Buy, "f2", "0.5"))
	h.d.HandleReport(ctx, fillReport(p.Sell, "f3", "1"))

	assert.Equal(t, domain.IntentFilled, h.state(p.Buy.IdempotencyKey))
	assert.Equal(t, domain.IntentFilled, h.state(p.Sell.IdempotencyKey))
	assert.Equal(t, 3, h.ledger.count())
	assert.Equal(t, []domain.ExecutionStatus{domain.ExecFilled}, h.execs.history(p.CorrelationID()))
	assert.Equal(t, 0, h.d.pairs.Len())

	require.NoError(t, h.d.Drain(ctx))
}

func TestNothingFilledSettlesFailed(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	p := testPair("1", time.Minute)
	require.NoError(t, h.d.SubmitPair(ctx, p))
	h.waitState(t, p.Buy.IdempotencyKey, domain.IntentAcked)
	h.waitState(t, p.Sell.IdempotencyKey, domain.IntentAcked)

	h.d.HandleReport(ctx, domain.ExecutionReport{Kind: domain.ReportExpire, IdempotencyKey: p.Buy.IdempotencyKey, Venue: "a"})
	h.d.HandleReport(ctx, domain.ExecutionReport{Kind: domain.ReportReject, IdempotencyKey: p.Sell.IdempotencyKey, Venue: "b", Reason: "post only"})

	assert.Equal(t, domain.IntentExpired, h.state(p.Buy.IdempotencyKey))
	assert.Equal(t, domain.IntentRejected, h.state(p.Sell.IdempotencyKey))
	assert.Equal(t, []domain.ExecutionStatus{domain.ExecFailed}, h.execs.history(p.CorrelationID()))
}

func TestPartialFillUnwindsExcess(t *testing.T) {
	h := newHarness(t, Config{UnwindEnabled: true})
	ctx := context.Background()
	p := testPair("1", time.Minute)
	require.NoError(t, h.d.SubmitPair(ctx, p))
	h.waitState(t, p.Buy.IdempotencyKey, domain.IntentAcked)
	h.waitState(t, p.Sell.IdempotencyKey, domain.IntentAcked)

	h.d.HandleReport(ctx, fillReport(p.Buy, "f1", "1"))
	h.d.HandleReport(ctx, fillReport(p.Sell, "f2", "0.4"))
	h.d.HandleReport(ctx, domain.ExecutionReport{Kind: domain.ReportExpire, IdempotencyKey: p.Sell.IdempotencyKey, Venue: "b"})

	// An expired leg with a partial fill finishes as filled.
	assert.Equal(t, domain.IntentFilled, h.state(p.Sell.IdempotencyKey))
	assert.Equal(t, []domain.ExecutionStatus{domain.ExecPartial}, h.execs.history(p.CorrelationID()))
	assert.Contains(t, h.audit.logged(), "partial_fill_mismatch")

	unwindKey := "unwind-" + p.Buy.IdempotencyKey
	h.waitState(t, unwindKey, domain.IntentAcked)
	unwind, ok := h.a.submitted(unwindKey)
	require.True(t, ok)
	assert.Equal(t, domain.SideSell, unwind.Side)
	assert.True(t, unwind.Size.Equal(decimal.RequireFromString("0.6")), "size %s", unwind.Size)
	assert.True(t, unwind.Unwind)

	h.d.HandleReport(ctx, fillReport(unwind, "f3", "0.6"))
	assert.Equal(t, domain.IntentFilled, h.state(unwindKey))
	assert.Equal(t, []domain.ExecutionStatus{domain.ExecPartial, domain.ExecUnwound}, h.execs.history(p.CorrelationID()))
	assert.Equal(t, 0, h.d.pairs.Len())
}

func TestPartialFillWithoutUnwindNeedsOperator(t *testing.T) {
	h := newHarness(t, Config{UnwindEnabled: false})
	ctx := context.Background()
	p := testPair("1", time.Minute)
	require.NoError(t, h.d.SubmitPair(ctx, p))
	h.waitState(t, p.Buy.IdempotencyKey, domain.IntentAcked)
	h.waitState(t, p.Sell.IdempotencyKey, domain.IntentAcked)

	h.d.HandleReport(ctx, fillReport(p.Buy, "f1", "1"))
	h.d.HandleReport(ctx, domain.ExecutionReport{Kind: domain.ReportExpire, IdempotencyKey: p.Sell.IdempotencyKey, Venue: "b"})

	assert.Equal(t, []domain.ExecutionStatus{domain.ExecManual}, h.execs.history(p.CorrelationID()))
	assert.False(t, h.d.registry.Known("unwind-"+p.Buy.IdempotencyKey))
}

func TestSweepExpiresPastDeadline(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	p := testPair("1", time.Millisecond)
	require.NoError(t, h.d.SubmitPair(ctx, p))
	h.waitState(t, p.Buy.IdempotencyKey, domain.IntentAcked)
	h.waitState(t, p.Sell.IdempotencyKey, domain.IntentAcked)

	h.d.now = func() time.Time { return time.Now().Add(time.Second) }
	h.d.sweep(ctx)

	assert.Equal(t, domain.IntentExpired, h.state(p.Buy.IdempotencyKey))
	assert.Equal(t, domain.IntentExpired, h.state(p.Sell.IdempotencyKey))
	assert.Contains(t, h.a.cancelled(), p.Buy.IdempotencyKey)
	assert.Contains(t, h.b.cancelled(), p.Sell.IdempotencyKey)
}

func TestUnknownAndLateFillsReachLedger(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	stray := testPair("1", time.Minute).Buy
	h.d.HandleReport(ctx, fillReport(stray, "stray", "1"))
	assert.Equal(t, 1, h.ledger.count())
	assert.Contains(t, h.audit.logged(), "unmatched_fill")

	p := testPair("1", time.Minute)
	require.NoError(t, h.d.SubmitPair(ctx, p))
	h.waitState(t, p.Buy.IdempotencyKey, domain.IntentAcked)
	h.d.HandleReport(ctx, domain.ExecutionReport{Kind: domain.ReportExpire, IdempotencyKey: p.Buy.IdempotencyKey, Venue: "a"})
	h.d.HandleReport(ctx, fillReport(p.Buy, "late", "1"))

	assert.Equal(t, 2, h.ledger.count())
	assert.Equal(t, domain.IntentExpired, h.state(p.Buy.IdempotencyKey))
	assert.Contains(t, h.audit.logged(), "late_fill")
}

func TestRunRoutesVenueReports(t *testing.T) {
	h := newHarness(t, Config{SweepInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.d.Run(ctx) }()

	p := testPair("1", time.Minute)
	require.NoError(t, h.d.SubmitPair(ctx, p))
	h.waitState(t, p.Buy.IdempotencyKey, domain.IntentAcked)
	h.waitState(t, p.Sell.IdempotencyKey, domain.IntentAcked)

	h.a.reports <- fillReport(p.Buy, "f1", "1")
	h.b.reports <- fillReport(p.Sell, "f2", "1")
	h.waitState(t, p.Buy.IdempotencyKey, domain.IntentFilled)
	h.waitState(t, p.Sell.IdempotencyKey, domain.IntentFilled)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestDrainAndAbandon(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	p := testPair("1", time.Minute)
	require.NoError(t, h.d.SubmitPair(ctx, p))
	h.waitState(t, p.Buy.IdempotencyKey, domain.IntentAcked)
	h.waitState(t, p.Sell.IdempotencyKey, domain.IntentAcked)

	dctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.d.Drain(dctx), context.DeadlineExceeded)

	h.d.HandleReport(ctx, fillReport(p.Buy, "f1", "0.3"))
	abandoned, err := h.d.Abandon(ctx)
	require.NoError(t, err)
	require.Len(t, abandoned, 2)

	assert.Equal(t, domain.IntentFilled, h.state(p.Buy.IdempotencyKey))
	assert.Equal(t, domain.IntentCancelled, h.state(p.Sell.IdempotencyKey))
	assert.Contains(t, h.a.cancelled(), p.Buy.IdempotencyKey)
	assert.Contains(t, h.audit.logged(), "indeterminate_intent")
	// Shutdown leaves the mismatch for an operator instead of unwinding.
	assert.Equal(t, []domain.ExecutionStatus{domain.ExecManual}, h.execs.history(p.CorrelationID()))

	assert.ErrorIs(t, h.d.SubmitPair(ctx, testPair("1", time.Minute)), ErrClosed)
	require.NoError(t, h.d.Drain(ctx))
}
