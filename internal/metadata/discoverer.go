// Package metadata discovers change-tracking-enabled tables on the source
// database and, per table, their key and other columns.
package metadata

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/vitaliisemenov/syncchanges/internal/domain"
	"github.com/vitaliisemenov/syncchanges/internal/gateway"
)

// catalogQuery joins the change-tracking table registry with schema,
// table, column and index-column system views, yielding one row per
// (table, column) tagged with whether that column belongs to the table's
// primary-key index. Names come back already bracket-quoted so callers never
// re-quote them.
const catalogQuery = `
SELECT
	'[' + s.name + '].[' + t.name + ']' AS table_name,
	'[' + c.name + ']' AS column_name,
	CASE WHEN ic.index_id IS NULL THEN 0 ELSE 1 END AS is_key
FROM sys.change_tracking_tables ct
JOIN sys.tables t ON t.object_id = ct.object_id
JOIN sys.schemas s ON s.schema_id = t.schema_id
JOIN sys.columns c ON c.object_id = t.object_id
LEFT JOIN sys.index_columns ic
	ON ic.object_id = c.object_id
	AND ic.column_id = c.column_id
	AND ic.index_id IN (SELECT index_id FROM sys.indexes WHERE object_id = t.object_id AND is_primary_key = 1)
ORDER BY table_name, c.column_id
`

// Discoverer reads system catalogs on a source Gateway to enumerate
// change-tracking-enabled tables and their columns.
type Discoverer struct {
	logger *slog.Logger
}

// New returns a Discoverer. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{logger: logger}
}

// Discover enumerates every change-tracking-enabled table on src. Tables
// with zero key columns are still returned (with an empty KeyColumns list)
// — callers must filter those out themselves and emit a warning, per the
// contract in spec.md §4.1.
func (d *Discoverer) Discover(ctx context.Context, src gateway.Gateway) ([]domain.TableDescriptor, error) {
	rows, err := src.Query(ctx, catalogQuery)
	if err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	defer rows.Close()

	type tableBuild struct {
		order  int
		key    []string
		other  []string
	}
	order := 0
	byTable := map[string]*tableBuild{}
	var tableOrder []string

	for rows.Next() {
		var tableName, columnName, isKeyValue any
		if err := rows.Scan(&tableName, &columnName, &isKeyValue); err != nil {
			return nil, fmt.Errorf("scan catalog row: %w", err)
		}

		name, ok := tableName.(string)
		if !ok {
			return nil, fmt.Errorf("catalog row: unexpected table name type %T", tableName)
		}
		col, ok := columnName.(string)
		if !ok {
			return nil, fmt.Errorf("catalog row: unexpected column name type %T", columnName)
		}
		isKey := asInt64(isKeyValue)

		build, exists := byTable[name]
		if !exists {
			build = &tableBuild{order: order}
			order++
			byTable[name] = build
			tableOrder = append(tableOrder, name)
		}

		if isKey != 0 {
			build.key = append(build.key, col)
		} else {
			build.other = append(build.other, col)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stream catalog rows: %w", err)
	}

	sort.Strings(tableOrder)
	descriptors := make([]domain.TableDescriptor, 0, len(tableOrder))
	for _, name := range tableOrder {
		build := byTable[name]
		descriptors = append(descriptors, domain.TableDescriptor{
			Name:         name,
			KeyColumns:   build.key,
			OtherColumns: build.other,
		})
	}

	return descriptors, nil
}

// FilterReplicable drops tables with no key columns (warning each one) and,
// if allowlist is non-empty, keeps only tables whose unqualified name
// (stripped of brackets) appears in it.
func FilterReplicable(logger *slog.Logger, tables []domain.TableDescriptor, allowlist []string) []domain.TableDescriptor {
	if logger == nil {
		logger = slog.Default()
	}

	var allowed map[string]bool
	if len(allowlist) > 0 {
		allowed = make(map[string]bool, len(allowlist))
		for _, name := range allowlist {
			allowed[name] = true
		}
	}

	out := make([]domain.TableDescriptor, 0, len(tables))
	for _, table := range tables {
		if len(table.KeyColumns) == 0 {
			logger.Warn("dropping table with no key columns", "table", table.Name)
			continue
		}
		if allowed != nil && !allowed[unqualifiedName(table.Name)] {
			continue
		}
		out = append(out, table)
	}
	return out
}

// unqualifiedName strips schema and bracket delimiters from a
// "[schema].[table]" name, matching the allowlist's display form.
func unqualifiedName(bracketed string) string {
	i := len(bracketed) - 1
	for i >= 0 && bracketed[i] != '[' {
		i--
	}
	if i < 0 {
		return bracketed
	}
	name := bracketed[i+1:]
	if len(name) > 0 && name[len(name)-1] == ']' {
		name = name[:len(name)-1]
	}
	return name
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
