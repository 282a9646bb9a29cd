// Package httpservice exposes a replica's router over a small JSON API.
// Each request runs its statements in order on a fresh handle, so a
// BEGIN ... COMMIT inside one request shares a session on the primary.
package httpservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sushant-115/walproxy/core/dberror"
	"github.com/sushant-115/walproxy/core/query"
	logreplication "github.com/sushant-115/walproxy/core/replication/log_replication"
	"github.com/sushant-115/walproxy/core/transaction"
	"github.com/sushant-115/walproxy/core/writeproxy"
	"go.uber.org/zap"
)

const maxBodyBytes = 4 << 20

// HandleFactory mints router handles.
type HandleFactory interface {
	Create() (*writeproxy.Conn, error)
}

// StatusSource reports replication progress.
type StatusSource interface {
	Status() logreplication.Status
}

// Statement is one entry of a request. It decodes from either a bare SQL
// string or {"q": "...", "params": [...]}.
type Statement struct {
	Q      string `json:"q"`
	Params []any  `json:"params,omitempty"`
}

func (s *Statement) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &s.Q)
	}
	var raw struct {
		Q      string            `json:"q"`
		Params []json.RawMessage `json:"params"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	s.Q = raw.Q
	s.Params = make([]any, len(raw.Params))
	for i, p := range raw.Params {
		v, err := decodeParam(p)
		if err != nil {
			return fmt.Errorf("param %d: %w", i, err)
		}
		s.Params[i] = v
	}
	return nil
}

// decodeParam keeps integers as int64 so they bind as INTEGER rather than
// REAL.
func decodeParam(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	n, ok := v.(json.Number)
	if !ok {
		switch v.(type) {
		case nil, bool, string:
			return v, nil
		}
		return nil, errors.New("params must be scalars")
	}
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	return n.Float64()
}

// QueryRequest is the body of POST /queries.
type QueryRequest struct {
	Statements []Statement `json:"statements"`
}

// ResultSet is one statement's outcome in a successful response.
type ResultSet struct {
	Columns      []string `json:"columns"`
	Rows         [][]any  `json:"rows"`
	RowsAffected int64    `json:"rows_affected"`
	LastInsertID int64    `json:"last_insert_id"`
}

// ErrorResponse is returned with every non-200 status.
type ErrorResponse struct {
	Error string `json:"error"`
	// Statement is the index of the failing statement, if any.
	Statement *int `json:"statement,omitempty"`
}

// Health is the body of GET /health.
type Health struct {
	Cursor     uint64     `json:"cursor"`
	LastOffset uint64     `json:"last_offset"`
	Lag        uint64     `json:"lag"`
	LastPull   *time.Time `json:"last_pull,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

type HTTPService struct {
	handles HandleFactory
	status  StatusSource
	logger  *zap.Logger
}

// NewHTTPService builds the service. status may be nil when the replica
// runs without a puller.
func NewHTTPService(handles HandleFactory, status StatusSource, logger *zap.Logger) *HTTPService {
	return &HTTPService{
		handles: handles,
		status:  status,
		logger:  logger.Named("http_service"),
	}
}

// Handler returns the service's routes.
func (s *HTTPService) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /queries", s.handleQueries)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *HTTPService) handleQueries(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	if len(req.Statements) == 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "no statements"})
		return
	}

	conn, err := s.handles.Create()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
		return
	}
	// The handle's session must be released even if the client has gone.
	defer conn.Close(context.WithoutCancel(r.Context()))

	stmts := make([]writeproxy.Statement, len(req.Statements))
	for i, st := range req.Statements {
		stmts[i] = writeproxy.Statement{SQL: st.Q, Params: st.Params}
	}
	results, err := conn.ExecuteBatch(r.Context(), stmts)
	if err != nil {
		failed := len(results)
		status := statusFor(err, conn.State())
		if status >= http.StatusInternalServerError {
			s.logger.Warn("Query request failed",
				zap.String("session", conn.SessionID().String()),
				zap.Int("statement", failed),
				zap.Error(err))
		}
		writeJSON(w, status, ErrorResponse{Error: err.Error(), Statement: &failed})
		return
	}

	out := make([]ResultSet, len(results))
	for i, res := range results {
		out[i] = toResultSet(res)
	}
	writeJSON(w, http.StatusOK, out)
}

// statusFor maps a statement failure to an HTTP status.
func statusFor(err error, state transaction.ConnectionState) int {
	switch {
	case dberror.IsConnectionError(err):
		return http.StatusBadGateway
	case dberror.IsStateError(err), state == transaction.StateDesynchronized:
		return http.StatusServiceUnavailable
	}
	if _, ok := dberror.AsStatementError(err); ok {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func toResultSet(res *query.Result) ResultSet {
	rows := res.Rows
	if rows == nil {
		rows = [][]any{}
	}
	return ResultSet{
		Columns:      res.ColumnNames(),
		Rows:         rows,
		RowsAffected: res.RowsAffected,
		LastInsertID: res.LastInsertID,
	}
}

func (s *HTTPService) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeJSON(w, http.StatusOK, Health{})
		return
	}
	st := s.status.Status()
	h := Health{
		Cursor:     uint64(st.Cursor),
		LastOffset: uint64(st.LastOffset),
		Lag:        st.Lag(),
	}
	if !st.LastPull.IsZero() {
		h.LastPull = &st.LastPull
	}
	code := http.StatusOK
	if st.LastError != nil {
		h.LastError = st.LastError.Error()
		var re *dberror.ReplicationError
		if errors.As(st.LastError, &re) && re.NeedFullResync {
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, h)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
