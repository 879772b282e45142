// Package bootstrap creates the SyncInfo bookkeeping table on a destination
// the first time the engine connects to it, using an embedded goose
// migration. It opens its own *sql.DB rather than going through
// internal/gateway.Gateway, since goose needs a raw database handle.
package bootstrap

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"

	_ "github.com/denisenkom/go-mssqldb"

	"github.com/vitaliisemenov/syncchanges/internal/domain"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Bootstrapper runs the embedded SyncInfo migration against a destination.
// It satisfies versiontracker.Bootstrapper.
type Bootstrapper struct {
	logger *slog.Logger
}

// New returns a Bootstrapper. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Bootstrapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bootstrapper{logger: logger}
}

// EnsureSyncInfoTable opens a dedicated connection to destination and runs
// the embedded migrations up to the latest version. It is idempotent: goose
// records applied versions in its own goose_db_version table and skips
// migrations already applied.
func (b *Bootstrapper) EnsureSyncInfoTable(ctx context.Context, destination domain.DatabaseEndpoint) error {
	db, err := sql.Open("sqlserver", destination.ConnectionString)
	if err != nil {
		return fmt.Errorf("bootstrap %s: open connection: %w", destination.Name, err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("bootstrap %s: ping: %w", destination.Name, err)
	}

	goose.SetBaseFS(migrationFiles)
	if err := goose.SetDialect("mssql"); err != nil {
		return fmt.Errorf("bootstrap %s: set goose dialect: %w", destination.Name, err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("bootstrap %s: apply migrations: %w", destination.Name, err)
	}

	b.logger.Info("ensured SyncInfo table", "destination", destination.Name)
	return nil
}
