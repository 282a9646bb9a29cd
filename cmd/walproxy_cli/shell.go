package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sushant-115/walproxy/core/query"
	"github.com/sushant-115/walproxy/core/writeproxy"
	"github.com/sushant-115/walproxy/internal/pgwire"
)

// executor is one interactive session's backend.
type executor interface {
	Execute(ctx context.Context, sql string) (*query.Result, error)
	// State describes the transaction state, Session the session identity.
	State() string
	Session() string
	// Reconnect replaces a broken session with a fresh one.
	Reconnect(ctx context.Context) error
	Close(ctx context.Context) error
}

// routerExecutor runs statements through one write-proxy handle.
type routerExecutor struct {
	factory *writeproxy.Factory
	conn    *writeproxy.Conn
}

func newRouterExecutor(f *writeproxy.Factory) (*routerExecutor, error) {
	conn, err := f.Create()
	if err != nil {
		return nil, err
	}
	return &routerExecutor{factory: f, conn: conn}, nil
}

func (r *routerExecutor) Execute(ctx context.Context, sql string) (*query.Result, error) {
	return r.conn.Execute(ctx, sql)
}

func (r *routerExecutor) State() string   { return r.conn.State().String() }
func (r *routerExecutor) Session() string { return r.conn.SessionID().String() }

func (r *routerExecutor) Reconnect(ctx context.Context) error {
	r.conn.Close(ctx)
	conn, err := r.factory.Create()
	if err != nil {
		return err
	}
	r.conn = conn
	return nil
}

func (r *routerExecutor) Close(ctx context.Context) error {
	return r.conn.Close(ctx)
}

// pgExecutor runs statements on a Postgres-compatible server.
type pgExecutor struct {
	client *pgwire.Client
}

func (p *pgExecutor) Execute(ctx context.Context, sql string) (*query.Result, error) {
	return p.client.SimpleQuery(ctx, sql)
}

func (p *pgExecutor) State() string {
	switch p.client.TxStatus() {
	case 'T':
		return "in_transaction"
	case 'E':
		return "failed_transaction"
	}
	return "idle"
}

func (p *pgExecutor) Session() string {
	return fmt.Sprintf("pid %d", p.client.ProcessID())
}

func (p *pgExecutor) Reconnect(context.Context) error {
	return fmt.Errorf("reconnect is not supported in postgres mode")
}

func (p *pgExecutor) Close(context.Context) error {
	return p.client.Close()
}

const helpText = `Enter one SQL statement per line. Meta commands:
  .state      show the connection's transaction state
  .session    show the session id
  .reconnect  replace the connection with a new one
  .help       show this message
  .quit       exit
`

// shell interprets input lines against an executor.
type shell struct {
	exec    executor
	out     io.Writer
	timeout time.Duration
}

// handle processes one line and reports whether the shell should exit.
func (s *shell) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if strings.HasPrefix(line, ".") {
		return s.meta(ctx, line)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	res, err := s.exec.Execute(ctx, strings.TrimSuffix(line, ";"))
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return false
	}
	printResult(s.out, res)
	fmt.Fprintf(s.out, "(%s)\n", time.Since(start).Round(time.Microsecond))
	return false
}

func (s *shell) meta(ctx context.Context, line string) bool {
	switch strings.Fields(line)[0] {
	case ".quit", ".exit":
		return true
	case ".state":
		fmt.Fprintln(s.out, s.exec.State())
	case ".session":
		fmt.Fprintln(s.out, s.exec.Session())
	case ".reconnect":
		if err := s.exec.Reconnect(ctx); err != nil {
			fmt.Fprintf(s.out, "Error: %v\n", err)
			return false
		}
		fmt.Fprintf(s.out, "New session %s\n", s.exec.Session())
	case ".help":
		fmt.Fprint(s.out, helpText)
	default:
		fmt.Fprintf(s.out, "Unknown command %q. Type .help for help.\n", line)
	}
	return false
}

func printResult(out io.Writer, res *query.Result) {
	if len(res.Columns) == 0 {
		fmt.Fprintf(out, "OK, %d row(s) affected\n", res.RowsAffected)
		return
	}
	tw := tabwriter.NewWriter(out, 0, 1, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(res.ColumnNames(), "\t"))
	for _, row := range res.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = formatValue(v)
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	tw.Flush()
	fmt.Fprintf(out, "%d row(s)\n", len(res.Rows))
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return fmt.Sprintf("x'%x'", x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}
