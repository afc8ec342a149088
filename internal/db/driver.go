package db

import (
	"context"
	"strings"
)

// RowSet is a generic, driver-agnostic query result.
type RowSet struct {
	Columns []string
	Rows    [][]any
}

// Maps renders the row set as one map per row, keyed by column name.
func (r *RowSet) Maps() []map[string]any {
	out := make([]map[string]any, 0, len(r.Rows))
	for _, row := range r.Rows {
		m := make(map[string]any, len(r.Columns))
		for i, col := range r.Columns {
			if i < len(row) {
				m[col] = row[i]
			}
		}
		out = append(out, m)
	}
	return out
}

// Querier is the minimal query surface shared by pooled drivers and pinned
// sessions.
type Querier interface {
	Query(ctx context.Context, sql string) (*RowSet, error)
}

// Session is a single pinned database connection. Hypothetical-index scopes
// require one because hypopg handles are visible only to the creating
// session.
type Session interface {
	Querier
	Release()
}

// Driver is the database engine collaborator interface.
type Driver interface {
	Querier
	// QueryReadOnly executes the statement inside a read-only transaction,
	// a second layer of defense independent of AST filtering.
	QueryReadOnly(ctx context.Context, sql string) (*RowSet, error)
	// Acquire pins one connection for a scoped sequence of statements.
	Acquire(ctx context.Context) (Session, error)
	Ping(ctx context.Context) error
	Close()
}

// QuoteLiteral renders a string as a safely quoted SQL literal.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// QuoteIdent renders an identifier with double quotes.
func QuoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
