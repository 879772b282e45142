// Package gateway wraps a connection to a SQL Server database: scalar and
// row queries, parameterized execution, and transactions at a chosen
// isolation level. Every other component in the engine talks to a database
// only through this interface.
package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/denisenkom/go-mssqldb"
)

// Gateway is the contract every component uses to talk to a SQL Server
// database: parameterized execute, scalar and row queries, and transactions
// at a chosen isolation level. A Gateway owns exactly one connection pool
// for the lifetime between Open and Close.
type Gateway interface {
	// Scalar runs a query expected to return at most one row and one
	// column, and returns its value, or nil if the row's value was NULL
	// or no row was returned.
	Scalar(ctx context.Context, query string, args ...any) (any, error)

	// Query runs a query and returns the resulting rows. The caller must
	// fully drain or Close the returned Rows before issuing another
	// statement on a Gateway backed by a single held transaction.
	Query(ctx context.Context, query string, args ...any) (Rows, error)

	// Exec runs a statement that does not return rows.
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)

	// BeginTx opens a transaction at the given isolation level. All
	// statements issued through the returned Tx share one underlying
	// connection.
	BeginTx(ctx context.Context, level sql.IsolationLevel) (Tx, error)

	// Close releases the underlying connection pool. Safe to call more
	// than once.
	Close() error
}

// Rows is the row-streaming surface the engine depends on. *sql.Rows
// satisfies it structurally; fakes used in tests implement it directly
// over an in-memory table, without a driver or live database.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Columns() ([]string, error)
	Close() error
	Err() error
}

// Tx is a transaction opened through Gateway.BeginTx. It exposes the same
// statement-execution surface as Gateway so extraction and apply code can
// be written once against either.
type Tx interface {
	Scalar(ctx context.Context, query string, args ...any) (any, error)
	Query(ctx context.Context, query string, args ...any) (Rows, error)
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

// SQLServerGateway is the Gateway implementation backed by database/sql and
// the "sqlserver" driver.
type SQLServerGateway struct {
	cfg    Config
	logger *slog.Logger
	db     *sql.DB
}

// Open validates cfg, opens a connection pool, and verifies connectivity
// with a ping, retrying transient failures per DefaultRetryConfig.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*SQLServerGateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &SQLServerGateway{cfg: cfg, logger: logger}

	err := Retry(ctx, DefaultRetryConfig(), logger, func() error {
		db, openErr := sql.Open("sqlserver", cfg.ConnectionString)
		if openErr != nil {
			return fmt.Errorf("%w: %v", ErrConnectionFailed, openErr)
		}
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

		pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		if pingErr := db.PingContext(pingCtx); pingErr != nil {
			db.Close()
			return fmt.Errorf("%w: %v", ErrConnectionFailed, pingErr)
		}

		g.db = db
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("gateway connected", "endpoint", cfg.Name)
	return g, nil
}

func (g *SQLServerGateway) Scalar(ctx context.Context, query string, args ...any) (any, error) {
	if g.db == nil {
		return nil, ErrNotConnected
	}
	start := time.Now()
	var value any
	err := g.db.QueryRowContext(ctx, query, args...).Scan(&value)
	g.logQuery(query, time.Since(start), err)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (g *SQLServerGateway) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	if g.db == nil {
		return nil, ErrNotConnected
	}
	start := time.Now()
	rows, err := g.db.QueryContext(ctx, query, args...)
	g.logQuery(query, time.Since(start), err)
	return rows, err
}

func (g *SQLServerGateway) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if g.db == nil {
		return nil, ErrNotConnected
	}
	start := time.Now()
	result, err := g.db.ExecContext(ctx, query, args...)
	g.logQuery(query, time.Since(start), err)
	return result, err
}

func (g *SQLServerGateway) BeginTx(ctx context.Context, level sql.IsolationLevel) (Tx, error) {
	if g.db == nil {
		return nil, ErrNotConnected
	}
	tx, err := g.db.BeginTx(ctx, &sql.TxOptions{Isolation: level})
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx, logger: g.logger}, nil
}

// Close releases the connection pool. Safe to call more than once; every
// exit path in Open that fails already closes the pool itself.
func (g *SQLServerGateway) Close() error {
	if g.db == nil {
		return nil
	}
	err := g.db.Close()
	g.db = nil
	return err
}

func (g *SQLServerGateway) logQuery(query string, duration time.Duration, err error) {
	if err != nil {
		g.logger.Debug("query failed", "endpoint", g.cfg.Name, "duration", duration, "error", err)
		return
	}
	g.logger.Debug("query executed", "endpoint", g.cfg.Name, "duration", duration)
}

// sqlTx adapts *sql.Tx to the Tx interface.
type sqlTx struct {
	tx     *sql.Tx
	logger *slog.Logger
}

func (t *sqlTx) Scalar(ctx context.Context, query string, args ...any) (any, error) {
	var value any
	err := t.tx.QueryRowContext(ctx, query, args...).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (t *sqlTx) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *sqlTx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *sqlTx) Commit() error   { return t.tx.Commit() }
func (t *sqlTx) Rollback() error { return t.tx.Rollback() }
