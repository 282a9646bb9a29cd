// Package query classifies SQL statements for routing and carries the
// result model shared by the local engine, the wire protocol and the router.
package query

import (
	"strings"
	"unicode"

	"github.com/sushant-115/walproxy/core/dberror"
)

// Kind categorizes a statement for routing.
type Kind int

const (
	KindOther    Kind = iota // DDL, PRAGMA, SAVEPOINT and anything unrecognized; treated as a write
	KindReadOnly             // SELECT, VALUES, EXPLAIN, read-only WITH
	KindWrite                // INSERT, UPDATE, DELETE, REPLACE
	KindBegin
	KindCommit
	KindRollback
)

var kindNames = map[Kind]string{
	KindOther:    "other",
	KindReadOnly: "read_only",
	KindWrite:    "write",
	KindBegin:    "begin",
	KindCommit:   "commit",
	KindRollback: "rollback",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// IsReadOnly reports whether the statement can be served by a replica.
func (k Kind) IsReadOnly() bool {
	return k == KindReadOnly
}

// IsTransactionControl reports whether the statement opens or closes a transaction.
func (k Kind) IsTransactionControl() bool {
	switch k {
	case KindBegin, KindCommit, KindRollback:
		return true
	}
	return false
}

// IsMutation reports whether executing the statement may change database state.
func (k Kind) IsMutation() bool {
	return k == KindWrite || k == KindOther
}

// Statement is a classified SQL statement. It is immutable once built.
type Statement struct {
	SQL         string
	Kind        Kind
	ReturnsRows bool
	// Multiple is set when another statement follows the first one. The
	// engine would run all of them while only the first was classified.
	Multiple bool
}

// Validate rejects text that cannot be routed and logged as one statement.
func (s Statement) Validate() error {
	if s.Multiple {
		return &dberror.StatementError{Code: dberror.CodeSQLError, Message: "multiple statements in one call are not supported"}
	}
	return nil
}

// Classify labels a single SQL statement. Leading whitespace and comments
// are skipped and the first keyword decides the kind.
func Classify(sql string) Statement {
	words, more := keywords(sql)
	st := Statement{SQL: sql, Kind: KindOther, Multiple: more}
	if len(words) == 0 {
		return st
	}

	switch words[0] {
	case "SELECT", "VALUES", "EXPLAIN":
		st.Kind = KindReadOnly
	case "WITH":
		st.Kind = KindReadOnly
		if containsAny(words[1:], "INSERT", "UPDATE", "DELETE", "REPLACE") {
			st.Kind = KindWrite
		}
	case "INSERT", "UPDATE", "DELETE", "REPLACE":
		st.Kind = KindWrite
	case "BEGIN":
		st.Kind = KindBegin
	case "COMMIT", "END":
		st.Kind = KindCommit
	case "ROLLBACK":
		// ROLLBACK TO <savepoint> keeps the transaction open.
		st.Kind = KindRollback
		if containsAny(words[1:], "TO") {
			st.Kind = KindOther
		}
	}

	st.ReturnsRows = st.Kind == KindReadOnly || st.Kind == KindOther || containsAny(words, "RETURNING")
	return st
}

func containsAny(words []string, targets ...string) bool {
	for _, w := range words {
		for _, t := range targets {
			if w == t {
				return true
			}
		}
	}
	return false
}

// keywords returns the bare words of the first statement in upper case,
// skipping comments, string literals and quoted identifiers. more reports
// whether anything other than semicolons, whitespace and comments follows
// the first top-level semicolon.
func keywords(sql string) (words []string, more bool) {
	rs := []rune(sql)
	ended := false
	for i := 0; i < len(rs); {
		c := rs[i]
		isComment := (c == '-' && i+1 < len(rs) && rs[i+1] == '-') || (c == '/' && i+1 < len(rs) && rs[i+1] == '*')
		if ended && !unicode.IsSpace(c) && c != ';' && !isComment {
			return words, true
		}
		switch {
		case unicode.IsSpace(c):
			i++
		case c == ';':
			ended = true
			i++
		case c == '-' && i+1 < len(rs) && rs[i+1] == '-':
			for i < len(rs) && rs[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(rs) && rs[i+1] == '*':
			i += 2
			for i < len(rs) && !(rs[i] == '*' && i+1 < len(rs) && rs[i+1] == '/') {
				i++
			}
			i += 2
		case c == '\'' || c == '"' || c == '`':
			i = skipQuoted(rs, i, c)
		case c == '[':
			i = skipQuoted(rs, i, ']')
		case unicode.IsLetter(c) || c == '_':
			start := i
			for i < len(rs) && (unicode.IsLetter(rs[i]) || unicode.IsDigit(rs[i]) || rs[i] == '_') {
				i++
			}
			words = append(words, strings.ToUpper(string(rs[start:i])))
		default:
			i++
		}
	}
	return words, false
}

// skipQuoted returns the index just past the literal that starts at i.
// A doubled closing quote is an escaped quote.
func skipQuoted(rs []rune, i int, closing rune) int {
	i++
	for i < len(rs) {
		if rs[i] == closing {
			if i+1 < len(rs) && rs[i+1] == closing && closing != ']' {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return i
}
