// Package apply generates and executes DML on a destination database from
// a change batch, advancing the destination's SyncInfo bookkeeping as the
// last statement of a successful transaction.
package apply

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/vitaliisemenov/syncchanges/internal/domain"
	"github.com/vitaliisemenov/syncchanges/internal/gateway"
	"github.com/vitaliisemenov/syncchanges/internal/versiontracker"
)

// Applier implements the Change Applier component (spec.md §4.5).
type Applier struct {
	logger *slog.Logger
}

// New returns an Applier. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{logger: logger}
}

// Apply sorts batch's records by (version, table name) and applies them to
// dest inside a single read-uncommitted transaction, advancing SyncInfo to
// batch.SourceCurrentVersion as the final statement. On any failure the
// transaction is rolled back and the destination's version is unchanged.
//
// In dry-run mode no transaction is opened and no writes occur: every change
// that would have been applied is logged instead, with its table, operation,
// version and bound parameters. The DML statement text itself is not logged.
func (a *Applier) Apply(ctx context.Context, destName string, dest gateway.Gateway, batch *domain.ChangeBatch, dryRun bool) error {
	records := sortedRecords(batch.Records)

	if dryRun {
		for _, rec := range records {
			a.logDryRun(destName, rec)
		}
		a.logger.Info("dry run: would advance SyncInfo", "destination", destName, "version", batch.SourceCurrentVersion)
		return nil
	}

	tx, err := dest.BeginTx(ctx, sql.LevelReadUncommitted)
	if err != nil {
		return fmt.Errorf("begin apply transaction: %w", err)
	}

	for _, rec := range records {
		if err := applyRecord(ctx, tx, rec); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply %s change to %s: %w", rec.Op, rec.Table.Name, err)
		}
	}

	if err := versiontracker.Advance(ctx, tx, batch.SourceCurrentVersion); err != nil {
		tx.Rollback()
		return fmt.Errorf("advance SyncInfo: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit apply transaction: %w", err)
	}

	return nil
}

func sortedRecords(records []domain.ChangeRecord) []domain.ChangeRecord {
	sorted := make([]domain.ChangeRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Version != sorted[j].Version {
			return sorted[i].Version < sorted[j].Version
		}
		return sorted[i].Table.Name < sorted[j].Table.Name
	})
	return sorted
}

func applyRecord(ctx context.Context, tx gateway.Tx, rec domain.ChangeRecord) error {
	switch rec.Op {
	case domain.OpInsert:
		return applyInsert(ctx, tx, rec)
	case domain.OpUpdate:
		return applyUpdate(ctx, tx, rec)
	case domain.OpDelete:
		return applyDelete(ctx, tx, rec)
	default:
		return fmt.Errorf("unknown operation kind %v", rec.Op)
	}
}

// applyInsert wraps the insert in SET IDENTITY_INSERT ON/OFF unconditionally;
// it's a no-op for tables without an identity column.
func applyInsert(ctx context.Context, tx gateway.Tx, rec domain.ChangeRecord) error {
	cols := make([]string, 0, len(rec.Keys)+len(rec.Others))
	args := make([]any, 0, len(rec.Keys)+len(rec.Others))
	placeholders := make([]string, 0, len(rec.Keys)+len(rec.Others))

	for _, kv := range rec.Keys {
		cols = append(cols, kv.Column)
		args = append(args, kv.Value)
	}
	for _, kv := range rec.Others {
		cols = append(cols, kv.Column)
		args = append(args, kv.Value)
	}
	for i := range args {
		placeholders = append(placeholders, fmt.Sprintf("@p%d", i+1))
	}

	stmt := fmt.Sprintf(
		"SET IDENTITY_INSERT %s ON; INSERT INTO %s (%s) VALUES (%s); SET IDENTITY_INSERT %s OFF",
		rec.Table.Name, rec.Table.Name, strings.Join(cols, ", "), strings.Join(placeholders, ", "), rec.Table.Name,
	)
	_, err := tx.Exec(ctx, stmt, args...)
	return err
}

func applyUpdate(ctx context.Context, tx gateway.Tx, rec domain.ChangeRecord) error {
	args := make([]any, 0, len(rec.Keys)+len(rec.Others))
	for _, kv := range rec.Keys {
		args = append(args, kv.Value)
	}
	for _, kv := range rec.Others {
		args = append(args, kv.Value)
	}

	setClauses := make([]string, len(rec.Others))
	for i, kv := range rec.Others {
		setClauses[i] = fmt.Sprintf("%s = @p%d", kv.Column, len(rec.Keys)+i+1)
	}
	whereClauses := make([]string, len(rec.Keys))
	for i, kv := range rec.Keys {
		whereClauses[i] = fmt.Sprintf("%s = @p%d", kv.Column, i+1)
	}

	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		rec.Table.Name, strings.Join(setClauses, ", "), strings.Join(whereClauses, " AND "))
	_, err := tx.Exec(ctx, stmt, args...)
	return err
}

func applyDelete(ctx context.Context, tx gateway.Tx, rec domain.ChangeRecord) error {
	args := make([]any, len(rec.Keys))
	whereClauses := make([]string, len(rec.Keys))
	for i, kv := range rec.Keys {
		args[i] = kv.Value
		whereClauses[i] = fmt.Sprintf("%s = @p%d", kv.Column, i+1)
	}

	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s", rec.Table.Name, strings.Join(whereClauses, " AND "))
	_, err := tx.Exec(ctx, stmt, args...)
	return err
}

func (a *Applier) logDryRun(destName string, rec domain.ChangeRecord) {
	args := make([]any, 0, len(rec.Keys)+len(rec.Others))
	for _, kv := range rec.Keys {
		args = append(args, kv.Value)
	}
	for _, kv := range rec.Others {
		args = append(args, kv.Value)
	}

	var params strings.Builder
	for i, v := range args {
		if i > 0 {
			params.WriteString(", ")
		}
		fmt.Fprintf(&params, "@%d = %v", i, v)
	}

	a.logger.Info("dry run: would apply change",
		"destination", destName, "table", rec.Table.Name, "op", rec.Op.String(),
		"version", rec.Version, "params", params.String())
}
