package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/simplearb/internal/config"
	"github.com/alanyoungcy/simplearb/internal/domain"
	"github.com/alanyoungcy/simplearb/internal/server/handler"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePositions struct{}

func (fakePositions) Positions() []domain.Position {
	return []domain.Position{
		{Venue: "a", Instrument: "BTC-USD", Quantity: decimal.NewFromInt(1)},
		{Venue: "b", Instrument: "BTC-USD", Quantity: decimal.NewFromInt(-1)},
	}
}

func (fakePositions) CashFlow() decimal.Decimal { return decimal.RequireFromString("1.25") }

type fakeIntents struct{}

func (fakeIntents) Records(limit int) []domain.IntentRecord {
	out := []domain.IntentRecord{
		{Intent: domain.OrderIntent{IdempotencyKey: "k1"}, State: domain.IntentFilled},
		{Intent: domain.OrderIntent{IdempotencyKey: "k2"}, State: domain.IntentAcked},
	}
	return out[:min(limit, len(out))]
}

func (fakeIntents) Open() []domain.IntentRecord { return nil }

type fakeExecutions struct {
	domain.ExecutionStore
	execs []domain.Execution
}

func (f *fakeExecutions) ListRecent(_ context.Context, limit int) ([]domain.Execution, error) {
	return f.execs[:min(limit, len(f.execs))], nil
}

func (f *fakeExecutions) GetByID(_ context.Context, id string) (domain.Execution, error) {
	for _, e := range f.execs {
		if e.ID == id {
			return e, nil
		}
	}
	return domain.Execution{}, domain.ErrNotFound
}

type fakeAudit struct {
	domain.AuditStore
	got domain.AuditFilter
}

func (f *fakeAudit) List(_ context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	f.got = filter
	return []domain.AuditEntry{{ID: 9, Event: filter.Event}}, nil
}

// countingLimiter allows the first n calls per key.
type countingLimiter struct {
	mu    sync.Mutex
	n     int
	seen  map[string]int
	retry time.Duration
	err   error
}

func (l *countingLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, 0, l.err
	}
	if l.seen == nil {
		l.seen = map[string]int{}
	}
	l.seen[key]++
	if l.seen[key] <= l.n {
		return true, 0, nil
	}
	return false, l.retry, nil
}

func newTestServer(t *testing.T, cfg Config, checks map[string]handler.Check) http.Handler {
	t.Helper()
	return newTestServerWithAudit(t, cfg, checks, &fakeAudit{})
}

func newTestServerWithAudit(t *testing.T, cfg Config, checks map[string]handler.Check, audit domain.AuditStore) http.Handler {
	t.Helper()
	execs := &fakeExecutions{execs: []domain.Execution{{ID: "corr-1", Instrument: "BTC-USD", Status: domain.ExecFilled}}}
	srv := NewServer(cfg, Handlers{
		Health: handler.NewHealthHandler(checks, discard()),
		Status: handler.NewStatusHandler(func() domain.EngineStatus {
			return domain.EngineStatus{Mode: "paper", State: "polling", Cycles: 7}
		}),
		Positions:  handler.NewPositionHandler(fakePositions{}),
		Intents:    handler.NewIntentHandler(fakeIntents{}),
		Executions: handler.NewExecutionHandler(execs, discard()),
		Audit:      handler.NewAuditHandler(audit, discard()),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			io.WriteString(w, "# metrics\n")
		}),
	}, discard())
	return srv.Handler()
}

func get(t *testing.T, h http.Handler, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestReadEndpoints(t *testing.T) {
	h := newTestServer(t, Config{}, nil)

	rec := get(t, h, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status domain.EngineStatus
	decode(t, rec, &status)
	assert.Equal(t, "paper", status.Mode)
	assert.Equal(t, uint64(7), status.Cycles)

	rec = get(t, h, "/api/positions?venue=b", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var positions struct {
		Positions []domain.Position `json:"positions"`
		CashFlow  string            `json:"cash_flow"`
	}
	decode(t, rec, &positions)
	require.Len(t, positions.Positions, 1)
	assert.Equal(t, "b", positions.Positions[0].Venue)
	assert.Equal(t, "1.25", positions.CashFlow)

	rec = get(t, h, "/api/intents?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var intents struct {
		Intents []domain.IntentRecord `json:"intents"`
	}
	decode(t, rec, &intents)
	require.Len(t, intents.Intents, 1)
	assert.Equal(t, "k1", intents.Intents[0].Intent.IdempotencyKey)

	rec = get(t, h, "/api/intents?open=true", nil)
	assert.JSONEq(t, `{"intents":[]}`, rec.Body.String())

	rec = get(t, h, "/api/executions/recent", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"corr-1"`)

	assert.Equal(t, http.StatusOK, get(t, h, "/api/executions/corr-1", nil).Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/executions/missing", nil).Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/nope", nil).Code)
	assert.Equal(t, "# metrics\n", get(t, h, "/metrics", nil).Body.String())
}

func TestExecutionsWithoutStore(t *testing.T) {
	h := handler.NewExecutionHandler(nil, discard())
	rec := httptest.NewRecorder()
	h.ListRecent(rec, httptest.NewRequest(http.MethodGet, "/api/executions/recent", nil))
	assert.JSONEq(t, `{"executions":[]}`, rec.Body.String())
}

func TestAuditEndpoint(t *testing.T) {
	audit := &fakeAudit{}
	h := newTestServerWithAudit(t, Config{}, nil, audit)

	rec := get(t, h, "/api/audit?event=late_fill&since=2025-01-02T00:00:00Z&limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"entries":[{"id":9,"event":"late_fill","detail":null,"created_at":"0001-01-01T00:00:00Z"}]}`, rec.Body.String())
	assert.Equal(t, "late_fill", audit.got.Event)
	assert.Equal(t, 5, audit.got.Limit)
	assert.Equal(t, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), audit.got.Since)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/audit?since=yesterday", nil).Code)

	rec = httptest.NewRecorder()
	handler.NewAuditHandler(nil, discard()).ListAudit(rec, httptest.NewRequest(http.MethodGet, "/api/audit", nil))
	assert.JSONEq(t, `{"entries":[]}`, rec.Body.String())
}

func TestHealthReportsDependencies(t *testing.T) {
	h := newTestServer(t, Config{}, map[string]handler.Check{
		"redis": func(context.Context) error { return nil },
	})
	rec := get(t, h, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	h = newTestServer(t, Config{}, map[string]handler.Check{
		"redis":    func(context.Context) error { return nil },
		"postgres": func(context.Context) error { return errors.New("connection refused") },
	})
	rec = get(t, h, "/api/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "ok", body.Dependencies["redis"])
	assert.Equal(t, "connection refused", body.Dependencies["postgres"])
}

func TestAuthToken(t *testing.T) {
	h := newTestServer(t, Config{AuthToken: "s3cret"}, nil)

	assert.Equal(t, http.StatusOK, get(t, h, "/api/health", nil).Code, "health stays public")
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/api/status", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/api/status", http.Header{"Authorization": {"Bearer wrong"}}).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/api/status", http.Header{"Authorization": {"Bearer s3cret"}}).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/api/status", http.Header{"X-Api-Key": {"s3cret"}}).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/api/status?token=s3cret", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/metrics", nil).Code)
}

func TestRateLimitPerClient(t *testing.T) {
	limiter := &countingLimiter{n: 2}
	h := newTestServer(t, Config{Limiter: limiter, RateLimit: 2, RateWindow: time.Second}, nil)

	fwd := http.Header{"X-Forwarded-For": {"10.0.0.1, 10.0.0.2"}}
	assert.Equal(t, http.StatusOK, get(t, h, "/api/status", fwd).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/api/status", fwd).Code)
	rec := get(t, h, "/api/status", fwd)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	other := http.Header{"X-Real-Ip": {"10.0.0.9"}}
	assert.Equal(t, http.StatusOK, get(t, h, "/api/status", other).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/metrics", fwd).Code, "metrics are not limited")
	assert.Equal(t, 3, limiter.seen["api:10.0.0.1"])
}

func TestRateLimitRetryAfterRoundsUp(t *testing.T) {
	limiter := &countingLimiter{retry: 2300 * time.Millisecond}
	h := newTestServer(t, Config{Limiter: limiter, RateLimit: 1, RateWindow: 5 * time.Second}, nil)

	rec := get(t, h, "/api/status", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("Retry-After"))
}

func TestRateLimitFailsOpen(t *testing.T) {
	limiter := &countingLimiter{err: errors.New("redis down")}
	h := newTestServer(t, Config{Limiter: limiter, RateLimit: 1, RateWindow: time.Second}, nil)
	assert.Equal(t, http.StatusOK, get(t, h, "/api/status", nil).Code)
}

func TestCORS(t *testing.T) {
	h := newTestServer(t, Config{CORSOrigins: []string{"https://dash.example"}}, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/status", nil)
	req.Header.Set("Origin", "https://dash.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://dash.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = get(t, h, "/api/status", http.Header{"Origin": {"https://evil.example"}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.ServerConfig{Enabled: true, Port: 8080, AuthToken: "tok"})
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "tok", cfg.AuthToken)
	assert.Equal(t, 20, cfg.RateLimit)
	assert.Equal(t, time.Second, cfg.RateWindow)
	assert.Nil(t, cfg.Limiter)
}
