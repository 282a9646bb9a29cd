package pgwire

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/walproxy/core/dberror"
)

// fakeBackend answers simple queries from a fixed script.
type fakeBackend struct {
	password  string
	responses map[string][]pgproto3.BackendMessage
	// hang, if set, is waited on instead of answering any query.
	hang chan struct{}
}

func (f *fakeBackend) serve(conn net.Conn) error {
	defer conn.Close()
	be := pgproto3.NewBackend(conn, conn)

	msg, err := be.ReceiveStartupMessage()
	if err != nil {
		return err
	}
	if _, ok := msg.(*pgproto3.StartupMessage); !ok {
		return errors.New("expected a startup message")
	}

	if f.password != "" {
		if err := be.SetAuthType(pgproto3.AuthTypeCleartextPassword); err != nil {
			return err
		}
		be.Send(&pgproto3.AuthenticationCleartextPassword{})
		if err := be.Flush(); err != nil {
			return err
		}
		msg, err := be.Receive()
		if err != nil {
			return err
		}
		pw, ok := msg.(*pgproto3.PasswordMessage)
		if !ok || pw.Password != f.password {
			be.Send(&pgproto3.ErrorResponse{Severity: "FATAL", Code: "28P01", Message: "password authentication failed"})
			return be.Flush()
		}
	}

	be.Send(&pgproto3.AuthenticationOk{})
	be.Send(&pgproto3.ParameterStatus{Name: "server_version", Value: "16.0"})
	be.Send(&pgproto3.BackendKeyData{ProcessID: 42})
	be.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	if err := be.Flush(); err != nil {
		return err
	}

	for {
		msg, err := be.Receive()
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *pgproto3.Query:
			if f.hang != nil {
				<-f.hang
				continue
			}
			for _, r := range f.responses[m.String] {
				be.Send(r)
			}
			if err := be.Flush(); err != nil {
				return err
			}
		case *pgproto3.Terminate:
			return nil
		}
	}
}

func startClient(t *testing.T, f *fakeBackend, opts ...Option) (*Client, <-chan error) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- f.serve(serverConn) }()
	return NewClient(clientConn, opts...), done
}

func usersResponse() []pgproto3.BackendMessage {
	return []pgproto3.BackendMessage{
		&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{
			{Name: []byte("id"), DataTypeOID: pgtype.Int8OID, DataTypeSize: 8, TypeModifier: -1},
			{Name: []byte("name"), DataTypeOID: pgtype.TextOID, DataTypeSize: -1, TypeModifier: -1},
		}},
		&pgproto3.NoticeResponse{Severity: "NOTICE", Message: "ignored"},
		&pgproto3.DataRow{Values: [][]byte{[]byte("1"), []byte("ada")}},
		&pgproto3.DataRow{Values: [][]byte{[]byte("2"), nil}},
		&pgproto3.ParameterStatus{Name: "application_name", Value: "ignored"},
		&pgproto3.CommandComplete{CommandTag: []byte("SELECT 2")},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	}
}

func TestStartupAndSimpleQuery(t *testing.T) {
	f := &fakeBackend{responses: map[string][]pgproto3.BackendMessage{
		"SELECT id, name FROM users": usersResponse(),
		"INSERT INTO users VALUES (3, 'bob')": {
			&pgproto3.CommandComplete{CommandTag: []byte("INSERT 0 1")},
			&pgproto3.ReadyForQuery{TxStatus: 'T'},
		},
	}}
	c, done := startClient(t, f)
	ctx := context.Background()

	require.NoError(t, c.Startup(ctx, "walproxy", "app"))
	version, ok := c.Parameter("server_version")
	require.True(t, ok)
	require.Equal(t, "16.0", version)
	require.Equal(t, uint32(42), c.ProcessID())
	require.Equal(t, byte('I'), c.TxStatus())

	res, err := c.SimpleQuery(ctx, "SELECT id, name FROM users")
	require.NoError(t, err)
	require.Equal(t, []string{"id", "name"}, res.ColumnNames())
	require.Equal(t, "int8", res.Columns[0].DeclType)
	require.Equal(t, [][]any{{int64(1), "ada"}, {int64(2), nil}}, res.Rows)
	require.Zero(t, res.RowsAffected)

	res, err = c.SimpleQuery(ctx, "INSERT INTO users VALUES (3, 'bob')")
	require.NoError(t, err)
	require.Equal(t, int64(1), res.RowsAffected)
	require.Empty(t, res.Rows)
	require.Equal(t, byte('T'), c.TxStatus())

	require.NoError(t, c.Close())
	require.NoError(t, <-done)
}

func TestErrorResponseKeepsConnectionUsable(t *testing.T) {
	f := &fakeBackend{responses: map[string][]pgproto3.BackendMessage{
		"SELECT * FROM nope": {
			&pgproto3.ErrorResponse{Severity: "ERROR", Code: "42P01", Message: `relation "nope" does not exist`},
			&pgproto3.ReadyForQuery{TxStatus: 'I'},
		},
		"SELECT id, name FROM users": usersResponse(),
	}}
	c, done := startClient(t, f)
	ctx := context.Background()
	require.NoError(t, c.Startup(ctx, "walproxy", "app"))

	_, err := c.SimpleQuery(ctx, "SELECT * FROM nope")
	se, ok := dberror.AsStatementError(err)
	require.True(t, ok)
	require.Equal(t, dberror.CodeSQLError, se.Code)
	require.Contains(t, se.Message, "42P01")

	res, err := c.SimpleQuery(ctx, "SELECT id, name FROM users")
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)

	require.NoError(t, c.Close())
	require.NoError(t, <-done)
}

func TestCleartextPassword(t *testing.T) {
	c, done := startClient(t, &fakeBackend{password: "s3cret"}, WithPassword("s3cret"))
	require.NoError(t, c.Startup(context.Background(), "walproxy", "app"))
	require.NoError(t, c.Close())
	require.NoError(t, <-done)

	c, done = startClient(t, &fakeBackend{password: "s3cret"}, WithPassword("wrong"))
	err := c.Startup(context.Background(), "walproxy", "app")
	se, ok := dberror.AsStatementError(err)
	require.True(t, ok)
	require.Contains(t, se.Message, "28P01")
	require.NoError(t, <-done)
	require.NoError(t, c.Close())
}

func TestQueryBeforeStartup(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()
	c := NewClient(clientConn)
	_, err := c.SimpleQuery(context.Background(), "SELECT 1")
	require.ErrorIs(t, err, ErrNotReady)
	require.NoError(t, c.Close())
}

func TestContextDeadlineInterruptsQuery(t *testing.T) {
	hang := make(chan struct{})
	c, done := startClient(t, &fakeBackend{hang: hang})
	require.NoError(t, c.Startup(context.Background(), "walproxy", "app"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.SimpleQuery(ctx, "SELECT pg_sleep(10)")
	require.True(t, dberror.IsConnectionError(err))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The stream is out of sync; further queries are refused.
	_, err = c.SimpleQuery(context.Background(), "SELECT 1")
	require.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, c.Close())
	close(hang)
	require.Error(t, <-done)
}
