package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
mode = "paper"
instruments = ["BTC-USD", "ETH-USD"]

[arbitrage]
min_edge = 0.25
max_quote_age = "3s"

[[venues]]
name = "alpha"
fee_bps = 10

[venues.paper]
mid = { "BTC-USD" = 100.0 }

[[venues]]
name = "beta"
kind = "ws"
feed_url = "wss://beta.example/ws"
fee_bps = 7.5
api_key = "k"
api_secret = "s"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMergesDefaultsAndFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, cfg.Instruments)
	assert.Equal(t, 0.25, cfg.Arbitrage.MinEdge)
	assert.Equal(t, 3*time.Second, cfg.Arbitrage.MaxQuoteAge.Duration)
	// Untouched sections keep their defaults.
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Execution.MaxSubmitRetries)

	require.Len(t, cfg.Venues, 2)
	alpha := cfg.Venues[0]
	assert.Equal(t, "paper", alpha.Kind)
	assert.Equal(t, 1.0, alpha.Paper.FillRatio)
	assert.Equal(t, 500*time.Millisecond, alpha.Paper.TickInterval.Duration)
	assert.Equal(t, map[string]float64{"alpha": 10, "beta": 7.5}, cfg.FeeBps())

	require.NoError(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SIMPLEARB_ARBITRAGE_MIN_EDGE", "0.5")
	t.Setenv("SIMPLEARB_VENUE_BETA_API_SECRET", "from-env")
	t.Setenv("SIMPLEARB_EXECUTION_DRAIN_TIMEOUT", "45s")
	t.Setenv("SIMPLEARB_INSTRUMENTS", " SOL-USD , ,ETH-USD")

	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, 0.5, cfg.Arbitrage.MinEdge)
	assert.Equal(t, 45*time.Second, cfg.Execution.DrainTimeout.Duration)
	assert.Equal(t, []string{"SOL-USD", "ETH-USD"}, cfg.Instruments)
	beta, ok := cfg.Venue("beta")
	require.True(t, ok)
	assert.Equal(t, "from-env", beta.ApiSecret)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "yolo"
	cfg.Venues = []VenueConfig{
		{Name: "solo", Kind: "carrier-pigeon"},
		{Name: "solo", Kind: "paper", ApiKey: "k"},
	}
	cfg.Arbitrage.MaxTradeSize = 0
	cfg.Arbitrage.MaxQuoteAge.Duration = 0
	cfg.Risk.DistributedLocks = true

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `mode: must be one of live, paper, monitor, got "yolo"`)
	assert.Contains(t, msg, `venues[0].kind: must be one of paper, ws, got "carrier-pigeon"`)
	assert.Contains(t, msg, `venues[1].name: duplicate venue name "solo"`)
	assert.Contains(t, msg, "venues[1].api_secret: must be set together with api_key")
	assert.Contains(t, msg, "arbitrage.max_trade_size: must be > 0")
	assert.Contains(t, msg, "arbitrage.max_quote_age: must be > 0")
	assert.Contains(t, msg, "risk.distributed_locks: requires redis.enabled")
}

func TestValidateVenueCount(t *testing.T) {
	cfg := Defaults()
	cfg.Venues = []VenueConfig{{Name: "solo", Kind: "paper"}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "venues: needs at least 2 entries")
}

func TestValidateLiveModeRequiresCredentials(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "live"
	cfg.Venues = []VenueConfig{
		{Name: "a", Kind: "ws", FeedURL: "wss://a"},
		{Name: "b", Kind: "paper", Paper: PaperConfig{FillRatio: 1}},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "venues[0].exec_url: is required in live mode")
	assert.Contains(t, err.Error(), "venues[0]: api_key, private_key or encrypted_key_path is required")
	assert.Contains(t, err.Error(), "venues[1].kind: paper venues cannot be used in live mode")
}

func TestValidateOptionalSections(t *testing.T) {
	cfg := Defaults()
	cfg.Venues = []VenueConfig{{Name: "a", Kind: "paper"}, {Name: "b", Kind: "ws"}}
	cfg.Supabase.Enabled = true
	cfg.Supabase.Host = ""
	cfg.Supabase.PoolMinConns = 20
	cfg.Archive.Enabled = true
	cfg.Redis.Addr = ""

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "venues[1].feed_url: is required")
	assert.Contains(t, msg, "supabase.host: is required")
	assert.Contains(t, msg, "supabase.pool_min_conns: must not exceed pool_max_conns")
	assert.Contains(t, msg, "archive.enabled: requires supabase.enabled and s3.enabled")
	assert.NotContains(t, msg, "redis.addr", "redis is disabled")

	cfg.Supabase.DSN = "postgres://db/arb"
	cfg.Supabase.PoolMinConns = 1
	cfg.S3.Enabled = true
	cfg.Venues[1].FeedURL = "wss://b"
	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsUnknownKeysAndBadEnv(t *testing.T) {
	_, err := Load(writeConfig(t, sampleTOML+"\n[arbitrage_typo]\nmin_edge = 1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown keys")

	t.Setenv("SIMPLEARB_RISK_POSITION_LIMIT", "lots")
	_, err = Load(writeConfig(t, sampleTOML))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SIMPLEARB_RISK_POSITION_LIMIT")
}

func TestLoadNormalisesAndAliases(t *testing.T) {
	t.Setenv("SIMPLEARB_MODE", "MONITOR")
	t.Setenv("SIMPLEARB_VENUE_ALPHA_PAPER_BALANCE", "2500")
	t.Setenv("SIMPLEARB_DATABASE_URL", "postgres://alias/db")
	t.Setenv("PORT", "9090")

	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, 2500.0, cfg.Venues[0].Paper.Balance)
	assert.Equal(t, "postgres://alias/db", cfg.Supabase.DSN)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Venues = []VenueConfig{{Name: "a", ApiKey: "key", ApiSecret: "secret", PrivateKey: "0xabc"}}
	cfg.Supabase.Password = "pw"
	cfg.Server.AuthToken = "token"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Venues[0].ApiSecret)
	assert.Equal(t, "***", out.Venues[0].PrivateKey)
	assert.Equal(t, "***", out.Supabase.Password)
	assert.Equal(t, "***", out.Server.AuthToken)
	assert.Empty(t, out.Venues[0].ApiPassphrase)
	assert.Equal(t, cfg.Redis.Addr, out.Redis.Addr)

	out.Instruments[0] = "changed"
	assert.Equal(t, "BTC-USD", cfg.Instruments[0])

	// The original is untouched.
	assert.Equal(t, "secret", cfg.Venues[0].ApiSecret)
	assert.Equal(t, "token", cfg.Server.AuthToken)
}
