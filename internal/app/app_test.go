package app

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/simplearb/internal/config"
)

// lockedBuffer is a bytes.Buffer safe for concurrent log writers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func paperConfigFor(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Server.Enabled = false
	cfg.Arbitrage.EvalInterval.Duration = 50 * time.Millisecond
	cfg.Execution.DrainTimeout.Duration = 2 * time.Second
	venue := func(name string, mid float64) config.VenueConfig {
		return config.VenueConfig{
			Name:   name,
			Kind:   "paper",
			FeeBps: 10,
			Paper: config.PaperConfig{
				Mid:       map[string]float64{"BTC-USD": mid},
				SpreadBps: 4,
				Depth:     2,
				Balance:   100000,
				FillRatio: 1,
			},
		}
	}
	cfg.Venues = []config.VenueConfig{venue("alpha", 60000), venue("beta", 60300)}
	require.NoError(t, cfg.Validate())
	return &cfg
}

func TestRunRejectsUnknownMode(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "YOLO"
	a := New(&cfg, slog.New(slog.DiscardHandler))
	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported mode "yolo"`)
	a.Close()
}

func TestWireWithoutBackends(t *testing.T) {
	cfg := config.Defaults()
	deps, cleanup, err := Wire(context.Background(), &cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, deps.Metrics)
	require.NotNil(t, deps.Notifier)
	assert.False(t, deps.Notifier.Enabled())
	assert.Empty(t, deps.Checks)
	assert.Nil(t, deps.Archiver)
	assert.Nil(t, deps.RateLimiter)
	assert.Nil(t, deps.FillStore)
}

func TestBuildVenues(t *testing.T) {
	cfg := paperConfigFor(t)
	cfg.Venues[1] = config.VenueConfig{Name: "beta", Kind: "ws", FeedURL: "ws://127.0.0.1:1/ws", ExecURL: "http://127.0.0.1:1"}

	set, err := buildVenues(cfg, false, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	assert.Len(t, set.feeds, 2)
	assert.Len(t, set.exec, 2)
	assert.Contains(t, set.balances, "alpha")
	assert.NotContains(t, set.balances, "beta", "simulator without a balance does not size trades")
	assert.Empty(t, set.reports, "paper mode never starts REST report streams")

	set, err = buildVenues(cfg, true, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	assert.Len(t, set.reports, 1)
	assert.Contains(t, set.balances, "beta")

	cfg.Venues[1].Kind = "fax"
	_, err = buildVenues(cfg, false, slog.New(slog.DiscardHandler))
	require.Error(t, err)
}

func TestPaperModeRunsUntilCancelled(t *testing.T) {
	var logs lockedBuffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	a := New(paperConfigFor(t), logger)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	err := a.Run(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Contains(t, logs.String(), "engine stopped")
}
