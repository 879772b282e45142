// Package extract reads change-tracking rows from a source database for a
// group of tables, starting at a shared baseline version.
package extract

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vitaliisemenov/syncchanges/internal/domain"
	"github.com/vitaliisemenov/syncchanges/internal/gateway"
)

const currentVersionQuery = `SELECT CHANGE_TRACKING_CURRENT_VERSION()`

const snapshotIsolationQuery = `
SELECT snapshot_isolation_state FROM sys.databases WHERE database_id = DB_ID()
`

const minValidVersionQueryFmt = `SELECT CHANGE_TRACKING_MIN_VALID_VERSION(OBJECT_ID('%s'))`

// Extractor implements the Change Extractor component (spec.md §4.4).
type Extractor struct {
	logger *slog.Logger
}

// New returns an Extractor. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{logger: logger}
}

// Extract reads every change in tables committed after baseline, from src.
// destinationNames is used only to name the destinations in a RetentionError.
// It returns a domain.RetentionError (non-fatal to other sets) when any
// table has aged past the source's retention window for this baseline; no
// partial batch is returned in that case.
func (e *Extractor) Extract(ctx context.Context, src gateway.Gateway, tables []domain.TableDescriptor, baseline int64, destinationNames []string) (*domain.ChangeBatch, error) {
	snapshotEnabled, err := e.snapshotIsolationEnabled(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("probe snapshot isolation: %w", err)
	}

	var tx gateway.Tx
	if snapshotEnabled {
		tx, err = src.BeginTx(ctx, sql.LevelSnapshot)
		if err != nil {
			return nil, fmt.Errorf("begin snapshot transaction: %w", err)
		}
		defer tx.Rollback()
	}

	reader := src
	var txReader txQuerier
	if tx != nil {
		txReader = tx
	}

	now, err := e.currentVersion(ctx, reader, txReader)
	if err != nil {
		return nil, fmt.Errorf("read current version: %w", err)
	}

	batch := &domain.ChangeBatch{SourceCurrentVersion: now}

	for _, table := range tables {
		minValid, err := e.minValidVersion(ctx, reader, txReader, table)
		if err != nil {
			return nil, fmt.Errorf("read min valid version for %s: %w", table.Name, err)
		}

		if minValid > baseline {
			return nil, &domain.RetentionError{
				Table:        table.Name,
				Destinations: destinationNames,
				MinValid:     minValid,
				Baseline:     baseline,
			}
		}

		records, err := e.extractTable(ctx, reader, txReader, table, baseline, now, snapshotEnabled)
		if err != nil {
			return nil, fmt.Errorf("extract %s: %w", table.Name, err)
		}
		batch.Records = append(batch.Records, records...)
	}

	if tx != nil {
		if err := tx.Rollback(); err != nil {
			e.logger.Warn("rollback of read-only snapshot transaction failed", "error", err)
		}
	}

	return batch, nil
}

// txQuerier is the subset of gateway.Tx that Extract needs when a snapshot
// transaction is in play; it lets extractTable issue the same calls whether
// or not a transaction was opened.
type txQuerier interface {
	Scalar(ctx context.Context, query string, args ...any) (any, error)
	Query(ctx context.Context, query string, args ...any) (gateway.Rows, error)
}

func (e *Extractor) snapshotIsolationEnabled(ctx context.Context, src gateway.Gateway) (bool, error) {
	value, err := src.Scalar(ctx, snapshotIsolationQuery)
	if err != nil {
		return false, err
	}
	state, ok := value.(string)
	if !ok {
		return false, nil
	}
	return state == "ON", nil
}

func (e *Extractor) currentVersion(ctx context.Context, gw gateway.Gateway, tx txQuerier) (int64, error) {
	var value any
	var err error
	if tx != nil {
		value, err = tx.Scalar(ctx, currentVersionQuery)
	} else {
		value, err = gw.Scalar(ctx, currentVersionQuery)
	}
	if err != nil {
		return 0, err
	}
	return asInt64(value), nil
}

func (e *Extractor) minValidVersion(ctx context.Context, gw gateway.Gateway, tx txQuerier, table domain.TableDescriptor) (int64, error) {
	query := fmt.Sprintf(minValidVersionQueryFmt, unbracket(table.Name))
	var value any
	var err error
	if tx != nil {
		value, err = tx.Scalar(ctx, query)
	} else {
		value, err = gw.Scalar(ctx, query)
	}
	if err != nil {
		return 0, err
	}
	return asInt64(value), nil
}

func (e *Extractor) extractTable(ctx context.Context, gw gateway.Gateway, tx txQuerier, table domain.TableDescriptor, baseline, now int64, snapshotEnabled bool) ([]domain.ChangeRecord, error) {
	query := buildChangeQuery(table)

	var rows gateway.Rows
	var err error
	if tx != nil {
		rows, err = tx.Query(ctx, query, baseline)
	} else {
		rows, err = gw.Query(ctx, query, baseline)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.ChangeRecord
	for rows.Next() {
		record, err := scanChangeRow(rows, &table)
		if err != nil {
			return nil, err
		}

		if !snapshotEnabled && record.Version > now {
			e.logger.Warn("discarding change committed after extraction snapshot",
				"table", table.Name, "version", record.Version, "current", now)
			continue
		}

		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

func scanChangeRow(rows gateway.Rows, table *domain.TableDescriptor) (domain.ChangeRecord, error) {
	width := 2 + len(table.KeyColumns) + len(table.OtherColumns)
	dest := make([]any, width)
	values := make([]any, width)
	for i := range dest {
		dest[i] = &values[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return domain.ChangeRecord{}, fmt.Errorf("scan change row: %w", err)
	}

	opCode, _ := values[0].(string)
	op, ok := domain.ParseOperationKind(opCode)
	if !ok {
		return domain.ChangeRecord{}, fmt.Errorf("unrecognized change operation %q", opCode)
	}

	record := domain.ChangeRecord{
		Table:   table,
		Op:      op,
		Version: asInt64(values[1]),
	}

	offset := 2
	for i, col := range table.KeyColumns {
		record.Keys = append(record.Keys, domain.ColumnValue{Column: col, Value: values[offset+i]})
	}
	offset += len(table.KeyColumns)
	for i, col := range table.OtherColumns {
		record.Others = append(record.Others, domain.ColumnValue{Column: col, Value: values[offset+i]})
	}

	return record, nil
}

// buildChangeQuery builds the CHANGETABLE query for table per spec.md §4.4:
// key columns come from the change table (authoritative for deletes), other
// columns come from the base table via a left join so deleted rows surface
// NULLs the Applier simply ignores.
func buildChangeQuery(table domain.TableDescriptor) string {
	var sb strings.Builder
	sb.WriteString("SELECT c.SYS_CHANGE_OPERATION, c.SYS_CHANGE_VERSION")
	for _, k := range table.KeyColumns {
		fmt.Fprintf(&sb, ", c.%s", k)
	}
	for _, o := range table.OtherColumns {
		fmt.Fprintf(&sb, ", t.%s", o)
	}
	fmt.Fprintf(&sb, " FROM CHANGETABLE(CHANGES %s, @p1) c", table.Name)
	sb.WriteString(fmt.Sprintf(" LEFT OUTER JOIN %s t ON ", table.Name))
	for i, k := range table.KeyColumns {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		fmt.Fprintf(&sb, "c.%s = t.%s", k, k)
	}
	sb.WriteString(" ORDER BY c.SYS_CHANGE_VERSION")
	return sb.String()
}

// unbracket strips "[" and "]" from a bracket-quoted identifier, since
// OBJECT_ID() takes a plain dotted name.
func unbracket(name string) string {
	return strings.NewReplacer("[", "", "]", "").Replace(name)
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}
