package plugin

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ScopedDB is a database handle whose every operation runs in a
// transaction that first sets search_path to the plugin's isolated
// schema ("plugin_<id>", public). The shared pool is never reachable
// through this interface, so no plugin query can bypass isolation.
type ScopedDB interface {
	// Exec runs a statement inside a schema-scoped transaction.
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)

	// Query runs a query inside a schema-scoped transaction. The
	// transaction stays open while the rows are read; Close commits it,
	// or rolls back if iteration ended in an error.
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)

	// QueryRow runs a single-row query inside a schema-scoped transaction.
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row

	// Count returns the row count of a table in the plugin schema.
	Count(ctx context.Context, table string) (int64, error)

	// Tx runs fn inside one schema-scoped transaction. Commits when fn
	// returns nil, rolls back otherwise.
	Tx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// Migration is one schema migration step for a plugin. Steps run with a
// session-level search_path pinned to the plugin schema (migration steps
// may span statements and manage their own sub-transactions); the host
// resets search_path to public afterwards.
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, tx pgx.Tx) error
}
