// Package engine adapts SQLite to the operations the proxy needs: one-shot
// reads on a replica, pinned session connections on the primary, and
// atomic frame application with a persisted replication cursor.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/sushant-115/walproxy/core/dberror"
	"github.com/sushant-115/walproxy/core/query"
	"go.uber.org/zap"
)

const DefaultBusyTimeout = 5 * time.Second

// Options controls how a database file is opened.
type Options struct {
	// ReadOnly opens the file with query_only set, so a write that reaches
	// the local engine fails instead of diverging from the primary.
	ReadOnly bool
	// BusyTimeout is how long a statement waits for a lock.
	BusyTimeout time.Duration
	// MaxOpenConns bounds the pool; 0 means unlimited.
	MaxOpenConns int
}

// Engine is an open SQLite database.
type Engine struct {
	db       *sql.DB
	path     string
	readOnly bool
	logger   *zap.Logger

	cursorMu    sync.Mutex
	cursorReady bool
}

// execer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Open opens or creates the database at path in WAL journal mode, which
// gives readers a consistent snapshot while a writer commits.
func Open(path string, opts Options, logger *zap.Logger) (*Engine, error) {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = DefaultBusyTimeout
	}

	params := url.Values{}
	params.Set("_busy_timeout", fmt.Sprint(opts.BusyTimeout.Milliseconds()))
	params.Set("_foreign_keys", "1")
	if opts.ReadOnly {
		params.Set("_query_only", "1")
	} else {
		params.Set("_journal_mode", "WAL")
		params.Set("_synchronous", "NORMAL")
	}
	dsn := fmt.Sprintf("file:%s?%s", path, params.Encode())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	e := &Engine{
		db:       db,
		path:     path,
		readOnly: opts.ReadOnly,
		logger:   logger.Named("engine"),
	}
	e.logger.Info("Database opened", zap.String("path", path), zap.Bool("readOnly", opts.ReadOnly))
	return e, nil
}

// Path returns the database file path.
func (e *Engine) Path() string { return e.path }

// Query runs one statement on the pool. It is the replica's local read path.
func (e *Engine) Query(ctx context.Context, sqlText string, params []any) (*query.Result, error) {
	return run(ctx, e.db, query.Classify(sqlText), params)
}

// Conn pins a physical connection, so a sequence of statements, including
// an open transaction, is observed as on one connection.
func (e *Engine) Conn(ctx context.Context) (*Conn, error) {
	c, err := e.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return &Conn{conn: c}, nil
}

// Close closes every pooled connection.
func (e *Engine) Close() error {
	return e.db.Close()
}

// Conn is a pinned connection owned by one primary session.
type Conn struct {
	conn *sql.Conn
}

// Execute runs one classified statement on the connection.
func (c *Conn) Execute(ctx context.Context, st query.Statement, params []any) (*query.Result, error) {
	return run(ctx, c.conn, st, params)
}

// InTx reports whether the connection has an open transaction, as seen by
// the engine itself.
func (c *Conn) InTx() (bool, error) {
	var inTx bool
	err := c.conn.Raw(func(driverConn any) error {
		sc, ok := driverConn.(*sqlite3.SQLiteConn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", driverConn)
		}
		inTx = !sc.AutoCommit()
		return nil
	})
	return inTx, err
}

// Rollback aborts any open transaction. It is a no-op outside one.
func (c *Conn) Rollback(ctx context.Context) error {
	inTx, err := c.InTx()
	if err != nil || !inTx {
		return err
	}
	_, err = c.conn.ExecContext(ctx, "ROLLBACK")
	return toStatementError(err)
}

// Close returns the connection to the pool.
func (c *Conn) Close() error {
	return c.conn.Close()
}

func run(ctx context.Context, ex execer, st query.Statement, params []any) (*query.Result, error) {
	args := normalizeParams(params)
	if !st.ReturnsRows {
		res, err := ex.ExecContext(ctx, st.SQL, args...)
		if err != nil {
			return nil, toStatementError(err)
		}
		out := query.Empty()
		out.RowsAffected, _ = res.RowsAffected()
		out.LastInsertID, _ = res.LastInsertId()
		return out, nil
	}

	rows, err := ex.QueryContext(ctx, st.SQL, args...)
	if err != nil {
		return nil, toStatementError(err)
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return nil, toStatementError(err)
	}
	return out, nil
}

func scanRows(rows *sql.Rows) (*query.Result, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	out := query.Empty()
	for _, ct := range types {
		out.Columns = append(out.Columns, query.Column{Name: ct.Name(), DeclType: ct.DatabaseTypeName()})
	}

	for rows.Next() {
		values := make([]any, len(types))
		ptrs := make([]any, len(types))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok && !strings.EqualFold(out.Columns[i].DeclType, "BLOB") {
				values[i] = string(b)
			}
		}
		out.Rows = append(out.Rows, values)
	}
	return out, rows.Err()
}

// normalizeParams converts values the wire codec may produce into types the
// driver binds.
func normalizeParams(params []any) []any {
	out := make([]any, len(params))
	for i, p := range params {
		switch v := p.(type) {
		case uint64:
			if v <= math.MaxInt64 {
				out[i] = int64(v)
				continue
			}
			out[i] = float64(v)
		case uint32:
			out[i] = int64(v)
		case int32:
			out[i] = int64(v)
		case float32:
			out[i] = float64(v)
		default:
			out[i] = p
		}
	}
	return out
}

// toStatementError maps engine failures to a coded StatementError. Errors
// that did not come from the engine are returned unchanged.
func toStatementError(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		code := dberror.CodeSQLError
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			code = dberror.CodeTxBusy
		case sqlite3.ErrInterrupt:
			code = dberror.CodeTxTimeout
		}
		return &dberror.StatementError{Code: code, Message: se.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &dberror.StatementError{Code: dberror.CodeTxTimeout, Message: err.Error()}
	}
	return err
}
