package transaction

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/walproxy/core/query"
)

var allKinds = []query.Kind{
	query.KindReadOnly,
	query.KindWrite,
	query.KindBegin,
	query.KindCommit,
	query.KindRollback,
	query.KindOther,
}

func TestDecide(t *testing.T) {
	for _, kind := range allKinds {
		want := MustForward
		if kind == query.KindReadOnly {
			want = LocalOnly
		}
		require.Equal(t, want, Decide(StateStart, kind), "start + %s", kind)
		require.Equal(t, MustForward, Decide(StateInTransaction, kind), "in_transaction + %s", kind)
		require.Equal(t, MustForward, Decide(StateDesynchronized, kind), "desynchronized + %s", kind)
	}
}

func TestAdvance(t *testing.T) {
	tests := []struct {
		from ConnectionState
		kind query.Kind
		to   ConnectionState
	}{
		{StateStart, query.KindBegin, StateInTransaction},
		{StateStart, query.KindWrite, StateStart},
		{StateStart, query.KindOther, StateStart},
		{StateStart, query.KindCommit, StateStart},
		{StateStart, query.KindRollback, StateStart},
		{StateInTransaction, query.KindWrite, StateInTransaction},
		{StateInTransaction, query.KindReadOnly, StateInTransaction},
		{StateInTransaction, query.KindBegin, StateInTransaction},
		{StateInTransaction, query.KindOther, StateInTransaction},
		{StateInTransaction, query.KindCommit, StateStart},
		{StateInTransaction, query.KindRollback, StateStart},
	}
	for _, tc := range tests {
		require.Equal(t, tc.to, Advance(tc.from, tc.kind), "%s + %s", tc.from, tc.kind)
	}

	for _, kind := range allKinds {
		require.Equal(t, StateDesynchronized, Advance(StateDesynchronized, kind))
	}
}

func TestDesynchronize(t *testing.T) {
	for _, s := range []ConnectionState{StateStart, StateInTransaction, StateDesynchronized} {
		require.Equal(t, StateDesynchronized, Desynchronize(s))
	}
	require.Equal(t, "desynchronized", StateDesynchronized.String())
	require.Equal(t, "local_only", LocalOnly.String())
}
