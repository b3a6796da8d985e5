package postgres

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/alanyoungcy/simplearb/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/arb?sslmode=disable",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Database: "arb"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestConfigFrom(t *testing.T) {
	cfg := config.Defaults().Supabase
	cc := ConfigFrom(cfg)
	assert.Equal(t, cfg.Host, cc.Host)
	assert.Equal(t, cfg.PoolMaxConns, cc.MaxConns)
	assert.Equal(t, cfg.PoolMinConns, cc.MinConns)
}

func TestMigrationsCreateJournalTables(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	var all strings.Builder
	for _, e := range entries {
		data, err := migrationsFS.ReadFile("migrations/" + e.Name())
		require.NoError(t, err)
		all.Write(data)
	}
	for _, table := range []string{"executions", "execution_legs", "fills", "audit_log"} {
		assert.Contains(t, all.String(), "CREATE TABLE IF NOT EXISTS "+table+" ")
	}
}

func TestDSNEscapesCredentials(t *testing.T) {
	assert.Equal(t, "postgres://u:p%40ss%2Fw@db:6543/arb?sslmode=require",
		DSN(ClientConfig{User: "u", Password: "p@ss/w", Host: "db", Port: 6543, Database: "arb", SSLMode: "require"}))
}

func TestPendingMigrations(t *testing.T) {
	all, err := pendingMigrations(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_journal.sql"}, all)

	none, err := pendingMigrations(map[string]bool{"001_journal.sql": true})
	require.NoError(t, err)
	assert.Empty(t, none)
}
