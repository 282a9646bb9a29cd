// Package dberror defines the error taxonomy shared by the router, the
// proxy protocol and the replication puller.
package dberror

import (
	"errors"
	"fmt"
)

// --- Error Definitions ---

var (
	ErrClosed             = errors.New("connection handle is closed")
	ErrNeedFullResync     = errors.New("replica is outside the primary's retained WAL window, full resync required")
	ErrReplicationGap     = errors.New("wal frames are not contiguous with the replication cursor")
	ErrInvalidSessionID   = errors.New("session id must be 16 bytes")
	ErrSessionTableClosed = errors.New("session table is closed")
	ErrLogClosed          = errors.New("wal log is closed")
	ErrCorruptRecord      = errors.New("wal record checksum mismatch")
)

// Code classifies a statement failure reported by the primary.
type Code int32

const (
	CodeSQLError       Code = iota + 1 // The engine rejected the statement
	CodeTxBusy                         // The engine could not take a lock in time
	CodeTxTimeout                      // The statement was interrupted
	CodeSessionExpired                 // The session's transaction no longer exists on the primary
	CodeInternal                       // The primary failed outside the engine
)

func (c Code) String() string {
	switch c {
	case CodeSQLError:
		return "SQL_ERROR"
	case CodeTxBusy:
		return "TX_BUSY"
	case CodeTxTimeout:
		return "TX_TIMEOUT"
	case CodeSessionExpired:
		return "SESSION_EXPIRED"
	case CodeInternal:
		return "INTERNAL"
	}
	return fmt.Sprintf("CODE(%d)", int32(c))
}

// ConnectionError is a transport or RPC failure reaching the primary. The
// outcome of the call it interrupted is unknown.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// StatementError is a SQL-level failure reported with a code and message.
type StatementError struct {
	Code    Code
	Message string
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// StateError is returned for statements issued on a desynchronized handle.
type StateError struct {
	State string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("connection is %s; discard the handle and open a new one", e.State)
}

// ReplicationError is a failure of the puller to fetch or apply frames.
type ReplicationError struct {
	Op             string
	NeedFullResync bool
	Err            error
}

func (e *ReplicationError) Error() string {
	if e.NeedFullResync {
		return fmt.Sprintf("replication %s: %v", e.Op, ErrNeedFullResync)
	}
	return fmt.Sprintf("replication %s: %v", e.Op, e.Err)
}

func (e *ReplicationError) Unwrap() error {
	if e.NeedFullResync && e.Err == nil {
		return ErrNeedFullResync
	}
	return e.Err
}

// IsConnectionError reports whether err is, or wraps, a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// AsStatementError extracts a StatementError from err.
func AsStatementError(err error) (*StatementError, bool) {
	var se *StatementError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsStateError reports whether err is, or wraps, a StateError.
func IsStateError(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}
