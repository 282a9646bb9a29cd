package httpservice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/walproxy/core/dberror"
	"github.com/sushant-115/walproxy/core/query"
	logreplication "github.com/sushant-115/walproxy/core/replication/log_replication"
	"github.com/sushant-115/walproxy/core/writeproxy"
	"go.uber.org/zap"
)

type forwarded struct {
	SQL    string
	Params []any
}

type fakePrimary struct {
	mu          sync.Mutex
	calls       []forwarded
	disconnects []uuid.UUID
	errs        map[string]error
}

func (p *fakePrimary) Forward(ctx context.Context, sqlText string, params []any, session uuid.UUID, expectTx bool) (*query.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, forwarded{SQL: sqlText, Params: params})
	if err := p.errs[sqlText]; err != nil {
		return nil, err
	}
	return &query.Result{RowsAffected: 1, LastInsertID: 7}, nil
}

func (p *fakePrimary) Disconnect(ctx context.Context, session uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects = append(p.disconnects, session)
	return nil
}

type fakeLocal struct{}

func (fakeLocal) Query(ctx context.Context, sqlText string, params []any) (*query.Result, error) {
	return &query.Result{Columns: []query.Column{{Name: "n"}}, Rows: [][]any{{int64(1)}}}, nil
}

type fixedStatus logreplication.Status

func (s fixedStatus) Status() logreplication.Status { return logreplication.Status(s) }

func newTestServer(t *testing.T, status StatusSource) (*httptest.Server, *fakePrimary) {
	t.Helper()
	primary := &fakePrimary{errs: map[string]error{
		"INSERT INTO t VALUES (NULL)": &dberror.StatementError{Code: dberror.CodeSQLError, Message: "NOT NULL constraint failed: t.v"},
		"INSERT INTO t VALUES (0)":    &dberror.StatementError{Code: dberror.CodeSessionExpired, Message: "no transaction"},
		"DELETE FROM t":               &dberror.ConnectionError{Op: "query", Err: errors.New("connection reset")},
	}}
	f := writeproxy.NewFactoryFrom(writeproxy.FactoryDeps{Forwarder: primary, Local: fakeLocal{}})
	srv := httptest.NewServer(NewHTTPService(f, status, zap.NewNop()).Handler())
	t.Cleanup(srv.Close)
	return srv, primary
}

func post(t *testing.T, srv *httptest.Server, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/queries", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var raw json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	return resp, raw
}

func TestQueriesRunInOrderOnOneHandle(t *testing.T) {
	srv, primary := newTestServer(t, nil)
	resp, body := post(t, srv, `{"statements": [
		"SELECT 1",
		"BEGIN",
		{"q": "INSERT INTO t VALUES (?, ?, ?, ?)", "params": [5, "x", 1.5, null]},
		"COMMIT"
	]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sets []ResultSet
	require.NoError(t, json.Unmarshal(body, &sets))
	require.Len(t, sets, 4)
	require.Equal(t, []string{"n"}, sets[0].Columns)
	require.Equal(t, [][]any{{float64(1)}}, sets[0].Rows)
	require.Equal(t, int64(7), sets[2].LastInsertID)
	require.Equal(t, [][]any{}, sets[3].Rows)

	primary.mu.Lock()
	defer primary.mu.Unlock()
	require.Len(t, primary.calls, 3, "the read outside the transaction stays local")
	require.Equal(t, []any{int64(5), "x", 1.5, nil}, primary.calls[1].Params)
	require.Len(t, primary.disconnects, 1)
}

func TestQueryFailureStatus(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	tests := []struct {
		name   string
		body   string
		status int
		index  int
	}{
		{"statement error", `{"statements": ["BEGIN", "INSERT INTO t VALUES (NULL)"]}`, http.StatusBadRequest, 1},
		{"session expired", `{"statements": ["INSERT INTO t VALUES (0)"]}`, http.StatusServiceUnavailable, 0},
		{"transport failure", `{"statements": ["SELECT 1", "DELETE FROM t"]}`, http.StatusBadGateway, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := post(t, srv, tt.body)
			require.Equal(t, tt.status, resp.StatusCode)
			var e ErrorResponse
			require.NoError(t, json.Unmarshal(body, &e))
			require.NotEmpty(t, e.Error)
			require.NotNil(t, e.Statement)
			require.Equal(t, tt.index, *e.Statement)
		})
	}
}

func TestMalformedRequests(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	for _, body := range []string{
		`not json`,
		`{"statements": []}`,
		`{"statements": [{"q": "SELECT ?", "params": [[1, 2]]}]}`,
		`{"statements": [{"sql": "SELECT 1"}]}`,
	} {
		resp, _ := post(t, srv, body)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}

	resp, err := http.Get(srv.URL + "/queries")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	pulled := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	srv, _ := newTestServer(t, fixedStatus{Cursor: 100, LastOffset: 150, LastPull: pulled})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var h Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	require.Equal(t, uint64(100), h.Cursor)
	require.Equal(t, uint64(50), h.Lag)
	require.True(t, pulled.Equal(*h.LastPull))
	require.Empty(t, h.LastError)
}

func TestHealthAfterResyncRequired(t *testing.T) {
	srv, _ := newTestServer(t, fixedStatus{
		Cursor:    10,
		LastError: &dberror.ReplicationError{Op: "pull", NeedFullResync: true},
	})
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var h Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	require.Contains(t, h.LastError, "full resync")
}
