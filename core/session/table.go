// Package session maps proxy session ids to pinned engine connections on
// the primary and records committed writes in the WAL.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/sushant-115/walproxy/core/dberror"
	"github.com/sushant-115/walproxy/core/engine"
	"github.com/sushant-115/walproxy/core/query"
	"github.com/sushant-115/walproxy/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/walproxy/internal/telemetry"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"
)

const (
	DefaultIdleTimeout  = 5 * time.Minute
	DefaultReapInterval = 30 * time.Second

	closeTimeout = 5 * time.Second
)

var (
	beginImmediate = query.Classify("BEGIN IMMEDIATE")
	commitStmt     = query.Classify("COMMIT")
)

// ConnProvider hands out pinned engine connections.
type ConnProvider interface {
	Conn(ctx context.Context) (*engine.Conn, error)
}

// Log receives committed transactions.
type Log interface {
	AppendTransaction(payloads []wal.Payload) (wal.Offset, wal.Offset, error)
}

// Config bounds how long an abandoned session may hold a connection.
type Config struct {
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	ReapInterval time.Duration `yaml:"reap_interval"`
}

type entry struct {
	mu       sync.Mutex
	id       uuid.UUID
	conn     *engine.Conn
	pending  []wal.Payload // writes of the open transaction, in order
	lastUsed time.Time
	closed   bool
}

// Table is the primary's session table. Statements of one session run in
// order on one connection; statements of different sessions run
// concurrently, and commits are serialized so the WAL order is the commit
// order.
type Table struct {
	engine  ConnProvider
	log     Log
	config  Config
	clock   clock.Clock
	logger  *zap.Logger
	metrics *internaltelemetry.SessionMetrics

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	closed  bool
	started bool

	commitMu sync.Mutex
	walErr   error // set once an append fails after a commit; writes are refused from then on

	tomb tomb.Tomb
}

// NewTable creates an empty session table. Call Start to run the reaper.
func NewTable(eng ConnProvider, log Log, config Config, clk clock.Clock, logger *zap.Logger, metrics *internaltelemetry.SessionMetrics) *Table {
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.ReapInterval <= 0 {
		config.ReapInterval = DefaultReapInterval
	}
	return &Table{
		engine:  eng,
		log:     log,
		config:  config,
		clock:   clk,
		logger:  logger.Named("session_table"),
		metrics: metrics,
		entries: make(map[uuid.UUID]*entry),
	}
}

// Start launches the idle reaper.
func (t *Table) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started || t.closed {
		return
	}
	t.started = true
	t.tomb.Go(t.loop)
	t.logger.Info("Session reaper started",
		zap.Duration("idleTimeout", t.config.IdleTimeout),
		zap.Duration("reapInterval", t.config.ReapInterval))
}

func (t *Table) loop() error {
	for {
		select {
		case <-t.tomb.Dying():
			return tomb.ErrDying
		case <-t.clock.After(t.config.ReapInterval):
			t.reapIdle()
		}
	}
}

// Len returns the number of live sessions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Execute runs one statement for a session, creating the session on first
// use. expectTx is the caller's belief that the session has an open
// transaction; if the primary has none, the statement is refused with
// CodeSessionExpired instead of running in autocommit mode.
func (t *Table) Execute(ctx context.Context, id uuid.UUID, sqlText string, params []any, expectTx bool) (*query.Result, error) {
	st := query.Classify(sqlText)
	if err := st.Validate(); err != nil {
		return nil, err
	}
	// Rolling back a transaction that no longer exists is already satisfied.
	vanishedRollback := expectTx && st.Kind == query.KindRollback

	e, err := t.acquire(ctx, id, expectTx)
	if err != nil {
		if se, ok := dberror.AsStatementError(err); ok && se.Code == dberror.CodeSessionExpired && vanishedRollback {
			return query.Empty(), nil
		}
		return nil, err
	}
	defer e.mu.Unlock()

	e.lastUsed = t.clock.Now()
	inTx, err := e.conn.InTx()
	if err != nil {
		return nil, &dberror.StatementError{Code: dberror.CodeInternal, Message: err.Error()}
	}
	if expectTx && !inTx {
		if vanishedRollback {
			return query.Empty(), nil
		}
		return nil, &dberror.StatementError{Code: dberror.CodeSessionExpired, Message: "session has no open transaction on the primary"}
	}

	if st.Kind.IsMutation() || (st.Kind == query.KindCommit && inTx) {
		if err := t.walFailure(); err != nil {
			return nil, err
		}
	}
	return t.execute(ctx, e, st, params, inTx)
}

// acquire returns the session's entry, locked.
func (t *Table) acquire(ctx context.Context, id uuid.UUID, expectTx bool) (*entry, error) {
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, dberror.ErrSessionTableClosed
		}
		e, ok := t.entries[id]
		t.mu.Unlock()

		if !ok {
			if expectTx {
				return nil, &dberror.StatementError{Code: dberror.CodeSessionExpired, Message: "session is unknown to the primary"}
			}
			var err error
			if e, err = t.create(ctx, id); err != nil {
				return nil, err
			}
		}

		e.mu.Lock()
		if !e.closed {
			return e, nil
		}
		// Reaped or disconnected while we waited; start over.
		e.mu.Unlock()
	}
}

func (t *Table) create(ctx context.Context, id uuid.UUID) (*entry, error) {
	conn, err := t.engine.Conn(ctx)
	if err != nil {
		return nil, &dberror.StatementError{Code: dberror.CodeInternal, Message: err.Error()}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		conn.Close()
		return nil, dberror.ErrSessionTableClosed
	}
	// Double-check after reacquiring the lock.
	if existing, ok := t.entries[id]; ok {
		conn.Close()
		return existing, nil
	}
	e := &entry{id: id, conn: conn, lastUsed: t.clock.Now()}
	t.entries[id] = e
	t.metrics.LiveSessions.Add(context.Background(), 1)
	t.logger.Debug("Session created", zap.Stringer("session", id))
	return e, nil
}

func (t *Table) execute(ctx context.Context, e *entry, st query.Statement, params []any, inTx bool) (*query.Result, error) {
	switch {
	case st.Kind == query.KindReadOnly:
		return e.conn.Execute(ctx, st, params)

	case st.Kind == query.KindCommit && inTx:
		t.commitMu.Lock()
		defer t.commitMu.Unlock()
		res, err := e.conn.Execute(ctx, st, params)
		if err != nil {
			t.dropPendingIfClosed(e)
			return nil, err
		}
		pending := e.pending
		e.pending = nil
		if err := t.appendLocked(e.id, pending); err != nil {
			return nil, err
		}
		return res, nil

	case st.Kind.IsTransactionControl():
		res, err := e.conn.Execute(ctx, st, params)
		t.dropPendingIfClosed(e)
		return res, err

	case inTx:
		res, err := e.conn.Execute(ctx, st, params)
		if err == nil {
			e.pending = append(e.pending, wal.Payload{SQL: st.SQL, Params: params})
		}
		t.dropPendingIfClosed(e)
		return res, err
	}

	return t.autocommit(ctx, e, st, params)
}

// autocommit runs a single write in its own transaction so the commit and
// the WAL append happen under the commit lock.
func (t *Table) autocommit(ctx context.Context, e *entry, st query.Statement, params []any) (*query.Result, error) {
	if _, err := e.conn.Execute(ctx, beginImmediate, nil); err != nil {
		return nil, err
	}
	res, err := e.conn.Execute(ctx, st, params)
	if err != nil {
		t.rollbackQuietly(e)
		return nil, err
	}

	t.commitMu.Lock()
	defer t.commitMu.Unlock()
	if _, err := e.conn.Execute(ctx, commitStmt, nil); err != nil {
		t.rollbackQuietly(e)
		return nil, err
	}
	if err := t.appendLocked(e.id, []wal.Payload{{SQL: st.SQL, Params: params}}); err != nil {
		return nil, err
	}
	return res, nil
}

// appendLocked records a committed transaction. Must hold commitMu.
func (t *Table) appendLocked(id uuid.UUID, payloads []wal.Payload) error {
	if len(payloads) == 0 {
		return nil
	}
	first, last, err := t.log.AppendTransaction(payloads)
	if err != nil {
		t.walErr = err
		t.logger.Error("WAL append failed after commit; refusing further writes",
			zap.Stringer("session", id), zap.Int("frames", len(payloads)), zap.Error(err))
		return &dberror.StatementError{Code: dberror.CodeInternal, Message: fmt.Sprintf("committed but not logged: %v", err)}
	}
	t.metrics.CommittedFrames.Add(context.Background(), int64(len(payloads)))
	t.logger.Debug("Transaction logged", zap.Stringer("session", id), zap.Uint64("first", first), zap.Uint64("last", last))
	return nil
}

func (t *Table) walFailure() error {
	t.commitMu.Lock()
	defer t.commitMu.Unlock()
	if t.walErr != nil {
		return &dberror.StatementError{Code: dberror.CodeInternal, Message: "writes disabled after WAL failure: " + t.walErr.Error()}
	}
	return nil
}

// dropPendingIfClosed discards buffered writes once the engine reports no
// open transaction, which covers ROLLBACK and engine-initiated rollbacks.
func (t *Table) dropPendingIfClosed(e *entry) {
	inTx, err := e.conn.InTx()
	if err == nil && !inTx {
		e.pending = nil
	}
}

func (t *Table) rollbackQuietly(e *entry) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := e.conn.Rollback(ctx); err != nil {
		t.logger.Warn("Rollback failed", zap.Stringer("session", e.id), zap.Error(err))
	}
	e.pending = nil
}

// Disconnect removes a session, rolling back any open transaction. Unknown
// ids are ignored.
func (t *Table) Disconnect(id uuid.UUID) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	t.closeEntry(e)
	t.logger.Debug("Session disconnected", zap.Stringer("session", id))
}

// closeEntry releases an entry already removed from the map. Must hold e.mu.
func (t *Table) closeEntry(e *entry) {
	if e.closed {
		return
	}
	e.closed = true
	t.rollbackQuietly(e)
	if err := e.conn.Close(); err != nil {
		t.logger.Warn("Failed to close session connection", zap.Stringer("session", e.id), zap.Error(err))
	}
	t.metrics.LiveSessions.Add(context.Background(), -1)
}

// reapIdle disconnects sessions unused for longer than the idle timeout.
// Sessions busy with a statement are skipped.
func (t *Table) reapIdle() {
	now := t.clock.Now()
	var victims []*entry

	t.mu.Lock()
	for id, e := range t.entries {
		if !e.mu.TryLock() {
			continue
		}
		if now.Sub(e.lastUsed) >= t.config.IdleTimeout {
			delete(t.entries, id)
			victims = append(victims, e)
			continue
		}
		e.mu.Unlock()
	}
	t.mu.Unlock()

	for _, e := range victims {
		t.closeEntry(e)
		e.mu.Unlock()
		t.metrics.ReapedSessions.Add(context.Background(), 1)
		t.logger.Info("Reaped idle session", zap.Stringer("session", e.id))
	}
}

// Close stops the reaper and disconnects every session.
func (t *Table) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	started := t.started
	entries := t.entries
	t.entries = make(map[uuid.UUID]*entry)
	t.mu.Unlock()

	var err error
	if started {
		t.tomb.Kill(nil)
		if werr := t.tomb.Wait(); werr != nil && !errors.Is(werr, tomb.ErrDying) {
			err = werr
		}
	}
	for _, e := range entries {
		e.mu.Lock()
		t.closeEntry(e)
		e.mu.Unlock()
	}
	t.logger.Info("Session table closed", zap.Int("sessions", len(entries)))
	return err
}
