package gateway

import (
	"context"
	"database/sql"
	"fmt"
)

// Fake is an in-memory Gateway used by tests throughout the engine so
// component tests never need a live SQL Server. Callers wire up ScalarFunc/
// QueryFunc/ExecFunc to script responses; BeginTxFunc defaults to wrapping
// the same Fake in a no-op transaction when left nil.
type Fake struct {
	ScalarFunc  func(ctx context.Context, query string, args ...any) (any, error)
	QueryFunc   func(ctx context.Context, query string, args ...any) (Rows, error)
	ExecFunc    func(ctx context.Context, query string, args ...any) (sql.Result, error)
	BeginTxFunc func(ctx context.Context, level sql.IsolationLevel) (Tx, error)

	Execs   []ExecCall
	Closed  bool
	Commits int
}

// ExecCall records one call to Exec, for assertions on the DML an applier
// issued and the parameter values it bound.
type ExecCall struct {
	Query string
	Args  []any
}

func (f *Fake) Scalar(ctx context.Context, query string, args ...any) (any, error) {
	if f.ScalarFunc == nil {
		return nil, fmt.Errorf("fake gateway: no ScalarFunc configured for %q", query)
	}
	return f.ScalarFunc(ctx, query, args...)
}

func (f *Fake) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	if f.QueryFunc == nil {
		return nil, fmt.Errorf("fake gateway: no QueryFunc configured for %q", query)
	}
	return f.QueryFunc(ctx, query, args...)
}

func (f *Fake) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	f.Execs = append(f.Execs, ExecCall{Query: query, Args: args})
	if f.ExecFunc == nil {
		return fakeResult{}, nil
	}
	return f.ExecFunc(ctx, query, args...)
}

func (f *Fake) BeginTx(ctx context.Context, level sql.IsolationLevel) (Tx, error) {
	if f.BeginTxFunc != nil {
		return f.BeginTxFunc(ctx, level)
	}
	return &fakeTx{f: f}, nil
}

func (f *Fake) Close() error {
	f.Closed = true
	return nil
}

// fakeTx runs every statement straight through the enclosing Fake and
// records Commit/Rollback instead of doing anything transactional.
type fakeTx struct {
	f          *Fake
	rolledBack bool
}

func (t *fakeTx) Scalar(ctx context.Context, query string, args ...any) (any, error) {
	return t.f.Scalar(ctx, query, args...)
}

func (t *fakeTx) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	return t.f.Query(ctx, query, args...)
}

func (t *fakeTx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.f.Exec(ctx, query, args...)
}

func (t *fakeTx) Commit() error {
	t.f.Commits++
	return nil
}

func (t *fakeTx) Rollback() error {
	t.rolledBack = true
	return nil
}

// fakeResult is a no-op sql.Result for Exec calls that don't need one.
type fakeResult struct{}

func (fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (fakeResult) RowsAffected() (int64, error) { return 1, nil }

// MemRows is an in-memory Rows implementation built from a fixed column
// list and row set, for scripting QueryFunc responses.
type MemRows struct {
	cols  []string
	rows  [][]any
	index int
}

// NewMemRows builds a Rows over the given columns and row values. Each
// entry in rows must have the same length as cols.
func NewMemRows(cols []string, rows [][]any) *MemRows {
	return &MemRows{cols: cols, rows: rows, index: -1}
}

func (m *MemRows) Next() bool {
	m.index++
	return m.index < len(m.rows)
}

func (m *MemRows) Scan(dest ...any) error {
	if m.index < 0 || m.index >= len(m.rows) {
		return fmt.Errorf("memrows: scan called out of range")
	}
	row := m.rows[m.index]
	if len(dest) != len(row) {
		return fmt.Errorf("memrows: scan expected %d destinations, got %d", len(row), len(dest))
	}
	for i, d := range dest {
		if err := assign(d, row[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemRows) Columns() ([]string, error) { return m.cols, nil }
func (m *MemRows) Close() error                { return nil }
func (m *MemRows) Err() error                  { return nil }

// assign copies src into *any destinations, which is the only destination
// shape the engine scans into (it always scans via []any built from
// declared column lists).
func assign(dest any, src any) error {
	ptr, ok := dest.(*any)
	if !ok {
		return fmt.Errorf("memrows: unsupported scan destination %T", dest)
	}
	*ptr = src
	return nil
}
