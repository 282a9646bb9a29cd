// Package pgwire is a minimal Postgres-protocol client for talking to
// Postgres-compatible front ends with the simple query protocol. Results
// are decoded into the same query.Result the router returns.
package pgwire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/sushant-115/walproxy/core/dberror"
	"github.com/sushant-115/walproxy/core/query"
)

var (
	ErrUnsupportedAuth = errors.New("pgwire: unsupported authentication method")
	ErrNotReady        = errors.New("pgwire: startup has not completed")
)

// Client speaks the frontend side of the protocol over one connection.
// It is not safe for concurrent queries; calls are serialized.
type Client struct {
	conn     net.Conn
	frontend *pgproto3.Frontend
	types    *pgtype.Map
	password string

	mu        sync.Mutex
	ready     bool
	txStatus  byte
	params    map[string]string
	processID uint32
}

// Option configures a Client.
type Option func(*Client)

// WithPassword answers a cleartext password challenge.
func WithPassword(password string) Option {
	return func(c *Client) { c.password = password }
}

// NewClient wraps conn. Call Startup before SimpleQuery.
func NewClient(conn net.Conn, opts ...Option) *Client {
	c := &Client{
		conn:     conn,
		frontend: pgproto3.NewFrontend(conn, conn),
		types:    pgtype.NewMap(),
		params:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Startup sends the startup message and consumes the authentication
// exchange up to the first ReadyForQuery.
func (c *Client) Startup(ctx context.Context, user, database string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.bind(ctx)()

	c.frontend.Send(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      map[string]string{"user": user, "database": database},
	})
	if err := c.frontend.Flush(); err != nil {
		return c.wrap(ctx, "startup", err)
	}

	for {
		msg, err := c.frontend.Receive()
		if err != nil {
			return c.wrap(ctx, "startup", err)
		}
		switch m := msg.(type) {
		case *pgproto3.AuthenticationOk:
		case *pgproto3.AuthenticationCleartextPassword:
			c.frontend.Send(&pgproto3.PasswordMessage{Password: c.password})
			if err := c.frontend.Flush(); err != nil {
				return c.wrap(ctx, "startup", err)
			}
		case *pgproto3.ParameterStatus:
			c.params[m.Name] = m.Value
		case *pgproto3.BackendKeyData:
			c.processID = m.ProcessID
		case *pgproto3.ErrorResponse:
			return statementError(m)
		case *pgproto3.ReadyForQuery:
			c.ready = true
			c.txStatus = m.TxStatus
			return nil
		case *pgproto3.AuthenticationMD5Password, *pgproto3.AuthenticationSASL:
			return ErrUnsupportedAuth
		}
	}
}

// SimpleQuery runs sql with the simple query protocol. Only the last
// result set is returned when sql holds several statements.
func (c *Client) SimpleQuery(ctx context.Context, sql string) (*query.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		return nil, ErrNotReady
	}
	defer c.bind(ctx)()

	c.frontend.Send(&pgproto3.Query{String: sql})
	if err := c.frontend.Flush(); err != nil {
		return nil, c.wrap(ctx, "query", err)
	}

	d := &decoder{types: c.types, result: query.Empty()}
	for {
		msg, err := c.frontend.Receive()
		if err != nil {
			return nil, c.wrap(ctx, "query", err)
		}
		if d.dispatch(msg) {
			c.txStatus = d.txStatus
			if d.err != nil {
				return nil, d.err
			}
			return d.result, nil
		}
	}
}

// TxStatus returns the backend's transaction status from the last
// ReadyForQuery: 'I' idle, 'T' in a transaction, 'E' failed transaction.
func (c *Client) TxStatus() byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txStatus
}

// Parameter returns a ParameterStatus value reported by the backend.
func (c *Client) Parameter(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.params[name]
	return v, ok
}

// Close sends Terminate and closes the connection. Terminate is skipped
// when startup never completed or an I/O failure left the stream in an
// unknown state.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var flushErr error
	if c.ready {
		c.ready = false
		c.frontend.Send(&pgproto3.Terminate{})
		flushErr = c.frontend.Flush()
	}
	if err := c.conn.Close(); err != nil {
		return err
	}
	return flushErr
}

// ProcessID returns the backend process id from BackendKeyData.
func (c *Client) ProcessID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processID
}

// bind makes ctx cancellation, including its deadline, interrupt blocked
// I/O. The returned func releases the binding and clears the deadline.
func (c *Client) bind(ctx context.Context) func() {
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Now())
	})
	return func() {
		stop()
		c.conn.SetDeadline(time.Time{})
	}
}

func (c *Client) wrap(ctx context.Context, op string, err error) error {
	// The protocol state is unknown after an I/O failure.
	c.ready = false
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	return &dberror.ConnectionError{Op: "pgwire " + op, Err: err}
}

// decoder accumulates one simple-query response. Messages outside the
// handled set (notices, notifications, parameter changes, empty query)
// are ignored. The first failure is kept and the rest of the response is
// drained, so the connection stays usable.
type decoder struct {
	types    *pgtype.Map
	fields   []pgproto3.FieldDescription
	result   *query.Result
	err      error
	txStatus byte
	done     bool
}

var handlers = map[reflect.Type]func(*decoder, pgproto3.BackendMessage) error{
	reflect.TypeOf(&pgproto3.RowDescription{}): func(d *decoder, m pgproto3.BackendMessage) error {
		return d.rowDescription(m.(*pgproto3.RowDescription))
	},
	reflect.TypeOf(&pgproto3.DataRow{}): func(d *decoder, m pgproto3.BackendMessage) error {
		return d.dataRow(m.(*pgproto3.DataRow))
	},
	reflect.TypeOf(&pgproto3.CommandComplete{}): func(d *decoder, m pgproto3.BackendMessage) error {
		return d.commandComplete(m.(*pgproto3.CommandComplete))
	},
	reflect.TypeOf(&pgproto3.ErrorResponse{}): func(d *decoder, m pgproto3.BackendMessage) error {
		return statementError(m.(*pgproto3.ErrorResponse))
	},
	reflect.TypeOf(&pgproto3.ReadyForQuery{}): func(d *decoder, m pgproto3.BackendMessage) error {
		d.txStatus = m.(*pgproto3.ReadyForQuery).TxStatus
		d.done = true
		return nil
	},
}

// dispatch feeds one message to the decoder and reports whether the
// response is complete.
func (d *decoder) dispatch(msg pgproto3.BackendMessage) bool {
	handle, ok := handlers[reflect.TypeOf(msg)]
	if !ok {
		return false
	}
	if err := handle(d, msg); err != nil && d.err == nil {
		d.err = err
	}
	return d.done
}

func (d *decoder) rowDescription(m *pgproto3.RowDescription) error {
	// Receive reuses message buffers; column names are copied by string().
	d.fields = append(d.fields[:0], m.Fields...)
	cols := make([]query.Column, len(m.Fields))
	for i, f := range m.Fields {
		cols[i] = query.Column{Name: string(f.Name)}
		if t, ok := d.types.TypeForOID(f.DataTypeOID); ok {
			cols[i].DeclType = t.Name
		}
	}
	d.result = &query.Result{Columns: cols, Rows: [][]any{}}
	return nil
}

func (d *decoder) dataRow(m *pgproto3.DataRow) error {
	if len(m.Values) != len(d.fields) {
		return fmt.Errorf("pgwire: data row has %d values for %d columns", len(m.Values), len(d.fields))
	}
	row := make([]any, len(m.Values))
	for i, raw := range m.Values {
		v, err := d.decode(d.fields[i], raw)
		if err != nil {
			return fmt.Errorf("pgwire: column %q: %w", d.result.Columns[i].Name, err)
		}
		row[i] = v
	}
	d.result.Rows = append(d.result.Rows, row)
	return nil
}

func (d *decoder) decode(f pgproto3.FieldDescription, raw []byte) (any, error) {
	if raw == nil {
		return nil, nil
	}
	t, ok := d.types.TypeForOID(f.DataTypeOID)
	if !ok {
		if f.Format == pgtype.BinaryFormatCode {
			return append([]byte(nil), raw...), nil
		}
		return string(raw), nil
	}
	v, err := t.Codec.DecodeValue(d.types, f.DataTypeOID, f.Format, raw)
	if err != nil {
		return nil, err
	}
	return normalize(v), nil
}

// normalize narrows decoded values to the result data model.
func normalize(v any) any {
	switch x := v.(type) {
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	}
	return v
}

func (d *decoder) commandComplete(m *pgproto3.CommandComplete) error {
	// Tags look like "INSERT 0 3", "UPDATE 2" or "SELECT 5".
	tag := strings.Fields(string(m.CommandTag))
	if len(tag) > 1 {
		if n, err := strconv.ParseInt(tag[len(tag)-1], 10, 64); err == nil && tag[0] != "SELECT" {
			d.result.RowsAffected = n
		}
	}
	return nil
}

func statementError(m *pgproto3.ErrorResponse) *dberror.StatementError {
	return &dberror.StatementError{
		Code:    dberror.CodeSQLError,
		Message: fmt.Sprintf("%s %s: %s", m.Severity, m.Code, m.Message),
	}
}
