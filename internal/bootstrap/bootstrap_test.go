package bootstrap

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The embedded migration is exercised end-to-end against a live SQL Server
// in integration tests; here we only guard the wiring goose depends on: the
// embed pattern matches a .sql file and that file declares both directions.
func TestEmbeddedMigrationIsWellFormed(t *testing.T) {
	entries, err := migrationFiles.ReadDir("migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	contents, err := migrationFiles.ReadFile("migrations/" + entries[0].Name())
	require.NoError(t, err)

	sql := string(contents)
	assert.Contains(t, sql, "-- +goose Up")
	assert.Contains(t, sql, "-- +goose Down")
	assert.Contains(t, sql, "CREATE TABLE SyncInfo")
	assert.True(t, strings.Contains(sql, "Id = 1"), "baseline row constraint")
}

func TestNewDefaultsLogger(t *testing.T) {
	b := New(nil)
	assert.NotNil(t, b.logger)
}
