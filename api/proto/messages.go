package proto

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/sushant-115/walproxy/core/dberror"
	"github.com/sushant-115/walproxy/core/query"
	"github.com/sushant-115/walproxy/core/write_engine/wal"
)

// QueryRequest forwards one statement on behalf of a session.
type QueryRequest struct {
	Statement string `msgpack:"statement"`
	Params    []any  `msgpack:"params"`
	SessionID []byte `msgpack:"session_id"`
	// ExpectTx is set when the caller believes the session has an open
	// transaction; the primary refuses to run the statement otherwise.
	ExpectTx bool `msgpack:"expect_tx"`
}

// QueryError is an in-band statement failure.
type QueryError struct {
	Code    dberror.Code `msgpack:"code"`
	Message string       `msgpack:"message"`
}

// QueryResponse carries exactly one of Result or Error.
type QueryResponse struct {
	Result *query.Result `msgpack:"result"`
	Error  *QueryError   `msgpack:"error"`
}

type DisconnectRequest struct {
	SessionID []byte `msgpack:"session_id"`
}

type DisconnectResponse struct{}

// PullWalRequest asks for frames after an offset. MaxFrames of 0 lets the
// primary choose.
type PullWalRequest struct {
	After     uint64 `msgpack:"after"`
	MaxFrames uint32 `msgpack:"max_frames"`
}

// PullWalResponse returns frames in ascending offset order, or
// NeedFullResync when After is outside the retained log. LastOffset is the
// primary's newest offset at the time of the call.
type PullWalResponse struct {
	Frames         []wal.Frame `msgpack:"frames"`
	NeedFullResync bool        `msgpack:"need_full_resync"`
	LastOffset     uint64      `msgpack:"last_offset"`
}

// ParseSessionID validates a wire session id.
func ParseSessionID(b []byte) (uuid.UUID, error) {
	id, err := uuid.FromBytes(b)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", dberror.ErrInvalidSessionID, err)
	}
	return id, nil
}

// SessionIDBytes returns the wire form of a session id.
func SessionIDBytes(id uuid.UUID) []byte {
	b := id
	return b[:]
}
