package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/walproxy/core/dberror"
	"github.com/sushant-115/walproxy/core/query"
)

type fakeExecutor struct {
	statements []string
	reconnects int
}

func (f *fakeExecutor) Execute(ctx context.Context, sql string) (*query.Result, error) {
	f.statements = append(f.statements, sql)
	switch sql {
	case "SELECT id, name FROM users":
		return &query.Result{
			Columns: []query.Column{{Name: "id"}, {Name: "name"}},
			Rows:    [][]any{{int64(1), "ada"}, {int64(22), nil}},
		}, nil
	case "INSERT INTO missing VALUES (1)":
		return nil, &dberror.StatementError{Code: dberror.CodeSQLError, Message: "no such table: missing"}
	}
	return &query.Result{RowsAffected: 3}, nil
}

func (f *fakeExecutor) State() string   { return "start" }
func (f *fakeExecutor) Session() string { return "5f0c" }

func (f *fakeExecutor) Reconnect(context.Context) error {
	f.reconnects++
	if f.reconnects > 1 {
		return errors.New("factory is closed")
	}
	return nil
}

func (f *fakeExecutor) Close(context.Context) error { return nil }

func newTestShell() (*shell, *fakeExecutor, *bytes.Buffer) {
	exec := &fakeExecutor{}
	var out bytes.Buffer
	return &shell{exec: exec, out: &out, timeout: time.Second}, exec, &out
}

func TestShellPrintsAlignedRows(t *testing.T) {
	sh, exec, out := newTestShell()
	require.False(t, sh.handle(context.Background(), "  SELECT id, name FROM users;  "))
	require.Equal(t, []string{"SELECT id, name FROM users"}, exec.statements)
	require.Contains(t, out.String(), "id  name\n1   ada\n22  NULL\n2 row(s)\n")
}

func TestShellReportsAffectedRowsAndErrors(t *testing.T) {
	sh, _, out := newTestShell()
	ctx := context.Background()
	sh.handle(ctx, "UPDATE users SET name = 'x'")
	require.Contains(t, out.String(), "OK, 3 row(s) affected")

	out.Reset()
	sh.handle(ctx, "INSERT INTO missing VALUES (1)")
	require.Contains(t, out.String(), "Error: SQL_ERROR: no such table: missing")
}

func TestShellMetaCommands(t *testing.T) {
	sh, exec, out := newTestShell()
	ctx := context.Background()

	require.False(t, sh.handle(ctx, ".state"))
	require.False(t, sh.handle(ctx, ".session"))
	require.Equal(t, "start\n5f0c\n", out.String())

	out.Reset()
	sh.handle(ctx, ".reconnect")
	sh.handle(ctx, ".reconnect")
	require.Equal(t, 2, exec.reconnects)
	require.Contains(t, out.String(), "New session 5f0c")
	require.Contains(t, out.String(), "Error: factory is closed")

	out.Reset()
	require.False(t, sh.handle(ctx, ".bogus"))
	require.Contains(t, out.String(), "Unknown command")
	require.False(t, sh.handle(ctx, ""))
	require.True(t, sh.handle(ctx, ".quit"))
	require.Empty(t, exec.statements)
}

func TestFormatValue(t *testing.T) {
	require.Equal(t, "NULL", formatValue(nil))
	require.Equal(t, "x'0aff'", formatValue([]byte{0x0a, 0xff}))
	require.Equal(t, "1.5", formatValue(1.5))
	require.Equal(t, "2026-01-02T03:04:05Z", formatValue(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
}
