package query

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/walproxy/core/dberror"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		sql         string
		kind        Kind
		returnsRows bool
	}{
		{"SELECT 1", KindReadOnly, true},
		{"  select * from t where x = 'insert'", KindReadOnly, true},
		{"-- leading comment\nSELECT 1", KindReadOnly, true},
		{"/* block */ VALUES (1), (2)", KindReadOnly, true},
		{"EXPLAIN QUERY PLAN SELECT * FROM t", KindReadOnly, true},
		{"WITH x AS (SELECT 1) SELECT * FROM x", KindReadOnly, true},
		{"WITH x AS (SELECT 1) INSERT INTO t SELECT * FROM x", KindWrite, false},
		{"INSERT INTO t VALUES (1)", KindWrite, false},
		{"insert into t values (1) returning id", KindWrite, true},
		{"UPDATE t SET a = 1", KindWrite, false},
		{"DELETE FROM t", KindWrite, false},
		{"REPLACE INTO t VALUES (1)", KindWrite, false},
		{"BEGIN", KindBegin, false},
		{"begin immediate transaction", KindBegin, false},
		{"COMMIT", KindCommit, false},
		{"END TRANSACTION", KindCommit, false},
		{"ROLLBACK", KindRollback, false},
		{"ROLLBACK TRANSACTION TO SAVEPOINT sp1", KindOther, true},
		{"SAVEPOINT sp1", KindOther, true},
		{"CREATE TABLE t (id INTEGER PRIMARY KEY)", KindOther, true},
		{"PRAGMA user_version", KindOther, true},
		{"", KindOther, false},
		{"   ", KindOther, false},
	}

	for _, tc := range tests {
		t.Run(tc.sql, func(t *testing.T) {
			st := Classify(tc.sql)
			require.Equal(t, tc.kind, st.Kind, "kind of %q", tc.sql)
			require.Equal(t, tc.returnsRows, st.ReturnsRows, "returnsRows of %q", tc.sql)
			require.Equal(t, tc.sql, st.SQL)
		})
	}
}

func TestClassify_QuotedKeywordsIgnored(t *testing.T) {
	st := Classify(`SELECT "delete", [update], 'it''s an insert' FROM t`)
	require.Equal(t, KindReadOnly, st.Kind)

	st = Classify(`WITH q AS (SELECT 'DELETE') SELECT * FROM q`)
	require.Equal(t, KindReadOnly, st.Kind)
}

func TestClassify_MultipleStatements(t *testing.T) {
	tests := []struct {
		sql      string
		multiple bool
	}{
		{"SELECT 1; INSERT INTO t VALUES (42)", true},
		{"BEGIN; COMMIT", true},
		{"SELECT 1;SELECT 2", true},
		{"; DELETE FROM t", true},
		{"SELECT 1; -- done\n/* x */ UPDATE t SET v = 1", true},
		{"SELECT 1;", false},
		{"SELECT 1 ;; ", false},
		{"SELECT 1; -- trailing comment", false},
		{"INSERT INTO t VALUES (1); /* note */", false},
		{"SELECT ';' , 'a;b' FROM t", false},
		{`SELECT "x;y", [p;q], ` + "`r;s`" + ` FROM t`, false},
		{"SELECT 1 -- ; DELETE FROM t", false},
	}
	for _, tc := range tests {
		t.Run(tc.sql, func(t *testing.T) {
			st := Classify(tc.sql)
			require.Equal(t, tc.multiple, st.Multiple)
			if tc.multiple {
				require.Error(t, st.Validate())
			} else {
				require.NoError(t, st.Validate())
			}
		})
	}

	// Only the first statement decides the kind.
	st := Classify("SELECT 1; INSERT INTO t VALUES (42)")
	require.Equal(t, KindReadOnly, st.Kind)
	se, ok := dberror.AsStatementError(st.Validate())
	require.True(t, ok)
	require.Equal(t, dberror.CodeSQLError, se.Code)
}

func TestKindPredicates(t *testing.T) {
	require.True(t, KindReadOnly.IsReadOnly())
	require.False(t, KindWrite.IsReadOnly())

	require.True(t, KindWrite.IsMutation())
	require.True(t, KindOther.IsMutation())
	require.False(t, KindBegin.IsMutation())

	require.True(t, KindCommit.IsTransactionControl())
	require.False(t, KindOther.IsTransactionControl())

	require.Equal(t, "rollback", KindRollback.String())
	require.Equal(t, "unknown", Kind(42).String())
}
