package transaction

import "github.com/sushant-115/walproxy/core/query"

// ConnectionState represents what a router handle knows about its session's
// transaction on the primary.
type ConnectionState int

const (
	StateStart          ConnectionState = iota // No open transaction; reads may be served locally
	StateInTransaction                         // A transaction is open on the primary; everything is forwarded
	StateDesynchronized                        // A forwarded call's outcome is unknown; terminal for the handle
)

func (s ConnectionState) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateInTransaction:
		return "in_transaction"
	case StateDesynchronized:
		return "desynchronized"
	}
	return "unknown"
}

// Decision is where a statement must run.
type Decision int

const (
	LocalOnly Decision = iota
	MustForward
)

func (d Decision) String() string {
	if d == LocalOnly {
		return "local_only"
	}
	return "must_forward"
}

// Decide routes a statement. Only read-only statements outside a
// transaction are served by the local replica.
func Decide(state ConnectionState, kind query.Kind) Decision {
	if state == StateStart && kind.IsReadOnly() {
		return LocalOnly
	}
	return MustForward
}

// Advance returns the state after a forwarded statement of the given kind
// was confirmed by the primary. It must not be called for failed forwards;
// use Desynchronize instead.
func Advance(state ConnectionState, kind query.Kind) ConnectionState {
	switch state {
	case StateStart:
		if kind == query.KindBegin {
			return StateInTransaction
		}
		return StateStart
	case StateInTransaction:
		if kind == query.KindCommit || kind == query.KindRollback {
			return StateStart
		}
		return StateInTransaction
	}
	return StateDesynchronized
}

// Desynchronize is the transition taken on any forward whose outcome is unknown.
func Desynchronize(ConnectionState) ConnectionState {
	return StateDesynchronized
}
