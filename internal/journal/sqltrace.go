package journal

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// tracingConnector opens sqlite3 connections that log every statement at
// debug level. Use with sql.OpenDB.
type tracingConnector struct {
	dsn    string
	drv    *sqlite3.SQLiteDriver
	logger *slog.Logger
}

func newTracingConnector(dsn string, logger *slog.Logger) *tracingConnector {
	return &tracingConnector{dsn: dsn, drv: &sqlite3.SQLiteDriver{}, logger: logger}
}

func (c *tracingConnector) Connect(_ context.Context) (driver.Conn, error) {
	conn, err := c.drv.Open(c.dsn)
	if err != nil {
		return nil, err
	}
	return &tracingConn{Conn: conn, logger: c.logger}, nil
}

func (c *tracingConnector) Driver() driver.Driver { return c.drv }

type tracingConn struct {
	driver.Conn
	logger *slog.Logger
}

func (c *tracingConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	ex, ok := c.Conn.(driver.ExecerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	start := time.Now()
	res, err := ex.ExecContext(ctx, query, args)
	c.trace(ctx, "exec", query, args, start, err)
	return res, err
}

func (c *tracingConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	q, ok := c.Conn.(driver.QueryerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	start := time.Now()
	rows, err := q.QueryContext(ctx, query, args)
	c.trace(ctx, "query", query, args, start, err)
	return rows, err
}

func (c *tracingConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if b, ok := c.Conn.(driver.ConnBeginTx); ok {
		return b.BeginTx(ctx, opts)
	}
	//nolint:staticcheck // SA1019 fallback when the conn lacks BeginTx
	return c.Conn.Begin()
}

func (c *tracingConn) trace(ctx context.Context, op, query string, args []driver.NamedValue, start time.Time, err error) {
	if !c.logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	attrs := []any{
		"op", op,
		"sql", query,
		"args", formatArgs(args),
		"duration", time.Since(start),
	}
	if err != nil && !errors.Is(err, driver.ErrSkip) {
		attrs = append(attrs, "error", err)
	}
	c.logger.Debug("journal sql", attrs...)
}

func formatArgs(args []driver.NamedValue) []string {
	out := make([]string, len(args))
	for i, a := range args {
		switch v := a.Value.(type) {
		case nil:
			out[i] = "NULL"
		case []byte:
			out[i] = string(v)
		default:
			out[i] = fmt.Sprint(v)
		}
	}
	return out
}
