// Package versiontracker reads or bootstraps a destination's SyncInfo
// bookkeeping row, which holds the last change-tracking version that
// destination has successfully applied.
package versiontracker

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/vitaliisemenov/syncchanges/internal/domain"
	"github.com/vitaliisemenov/syncchanges/internal/gateway"
)

// existsQuery probes for a table named SyncInfo in the destination's
// default schema.
const existsQuery = `
SELECT CASE WHEN EXISTS (
	SELECT 1 FROM sys.tables WHERE name = 'SyncInfo' AND schema_id = SCHEMA_ID()
) THEN 1 ELSE 0 END
`

const readVersionQuery = `SELECT Version FROM SyncInfo`

const insertBaselineStatement = `INSERT INTO SyncInfo (Id, Version) VALUES (1, @p1)`

const updateVersionStatement = `UPDATE SyncInfo SET Version = @p1`

// Bootstrapper creates the SyncInfo table on a destination that doesn't
// have one yet. The concrete implementation (internal/bootstrap) runs an
// embedded goose migration; tests use a no-op fake.
type Bootstrapper interface {
	EnsureSyncInfoTable(ctx context.Context, destination domain.DatabaseEndpoint) error
}

// Tracker implements the Version Tracker component (spec.md §4.2).
type Tracker struct {
	bootstrap Bootstrapper
	logger    *slog.Logger
}

// New returns a Tracker. A nil logger falls back to slog.Default().
func New(bootstrap Bootstrapper, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{bootstrap: bootstrap, logger: logger}
}

// GetCurrentVersion returns destination's last-applied change-tracking
// version, bootstrapping SyncInfo on first contact. It never returns an
// error: any failure is logged and reported as domain.VersionUnavailable,
// per spec.md §4.2 rule 4 ("on any exception ... return -1").
func (t *Tracker) GetCurrentVersion(ctx context.Context, dest domain.DatabaseEndpoint, gw gateway.Gateway, dryRun bool) domain.DestinationVersion {
	exists, err := t.syncInfoExists(ctx, gw)
	if err != nil {
		t.logger.Error("version probe failed", "destination", dest.Name, "error", err)
		return domain.VersionUnavailable
	}

	if exists {
		version, err := t.readVersion(ctx, gw)
		if err != nil {
			t.logger.Error("reading SyncInfo failed", "destination", dest.Name, "error", err)
			return domain.VersionUnavailable
		}
		return version
	}

	baseline, err := t.ownCurrentVersion(ctx, gw)
	if err != nil {
		t.logger.Error("reading destination's own CT version failed", "destination", dest.Name, "error", err)
		return domain.VersionUnavailable
	}

	if dryRun {
		t.logger.Info("dry run: would bootstrap SyncInfo", "destination", dest.Name, "baseline", baseline)
		return domain.DestinationVersion(baseline)
	}

	if t.bootstrap != nil {
		if err := t.bootstrap.EnsureSyncInfoTable(ctx, dest); err != nil {
			t.logger.Error("bootstrapping SyncInfo table failed", "destination", dest.Name, "error", err)
			return domain.VersionUnavailable
		}
	}

	if _, err := gw.Exec(ctx, insertBaselineStatement, baseline); err != nil {
		t.logger.Error("inserting SyncInfo baseline failed", "destination", dest.Name, "error", err)
		return domain.VersionUnavailable
	}

	t.logger.Info("bootstrapped SyncInfo", "destination", dest.Name, "baseline", baseline)
	return domain.DestinationVersion(baseline)
}

func (t *Tracker) syncInfoExists(ctx context.Context, gw gateway.Gateway) (bool, error) {
	value, err := gw.Scalar(ctx, existsQuery)
	if err != nil {
		return false, err
	}
	return asInt64(value) == 1, nil
}

func (t *Tracker) readVersion(ctx context.Context, gw gateway.Gateway) (domain.DestinationVersion, error) {
	value, err := gw.Scalar(ctx, readVersionQuery)
	if err != nil {
		return 0, err
	}
	return domain.DestinationVersion(asInt64(value)), nil
}

// ownCurrentVersion reads CHANGE_TRACKING_CURRENT_VERSION() on the
// destination itself. A NULL result means change tracking isn't enabled
// there, so a fresh sync starts from 0; otherwise the destination's own
// current CT version is adopted as the baseline so pre-existing rows (the
// destination is assumed to be a snapshot taken at that version) are not
// re-inserted.
func (t *Tracker) ownCurrentVersion(ctx context.Context, gw gateway.Gateway) (int64, error) {
	value, err := gw.Scalar(ctx, "SELECT CHANGE_TRACKING_CURRENT_VERSION()")
	if err != nil {
		return 0, err
	}
	if value == nil {
		return 0, nil
	}
	return asInt64(value), nil
}

// Advance executes the final statement of a successful apply transaction:
// advancing SyncInfo.Version to the batch's source version. Callers run
// this as part of the destination's own transaction.
func Advance(ctx context.Context, tx gateway.Tx, version int64) error {
	_, err := tx.Exec(ctx, updateVersionStatement, version)
	return err
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case sql.NullInt64:
		if n.Valid {
			return n.Int64
		}
		return 0
	default:
		return 0
	}
}
