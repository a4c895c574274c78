package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coreplane/coreplane/pkg/plugin"
)

// Compile-time interface guard.
var _ plugin.ScopedDB = (*Scoped)(nil)

// Scoped implements plugin.ScopedDB on the shared pool. Every operation
// starts an explicit transaction and issues
//
//	SET LOCAL search_path = "plugin_<id>", public
//
// before the caller's statements. SET LOCAL is scoped to the current
// transaction; in autocommit mode each statement would be its own
// transaction and the setting would not reach the next statement, so the
// explicit transaction is what joins them.
type Scoped struct {
	pool   *pgxpool.Pool
	schema string
}

// Schema returns the schema this handle is pinned to.
func (s *Scoped) Schema() string {
	return s.schema
}

func (s *Scoped) begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin scoped tx: %w", err)
	}
	if _, err := tx.Exec(ctx, "SET LOCAL search_path = "+searchPathFor(s.schema)); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("set search_path %s: %w", s.schema, err)
	}
	return tx, nil
}

// Exec runs a statement inside a schema-scoped transaction.
func (s *Scoped) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return pgconn.CommandTag{}, err
	}

	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		_ = tx.Rollback(ctx)
		return pgconn.CommandTag{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return pgconn.CommandTag{}, fmt.Errorf("commit scoped exec: %w", err)
	}
	return tag, nil
}

// Query runs a query inside a schema-scoped transaction. The transaction
// stays open until the returned rows are closed; Close commits it (or
// rolls back if iteration errored).
func (s *Scoped) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}

	return &txRows{Rows: rows, ctx: ctx, tx: tx}, nil
}

// QueryRow runs a single-row query inside a schema-scoped transaction.
// The transaction commits when Scan returns.
func (s *Scoped) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return &txRow{scoped: s, ctx: ctx, sql: sql, args: args}
}

// Count returns the row count of a table in the plugin schema. The table
// name must be a plain identifier; qualified or quoted names would let a
// caller reach outside its schema.
func (s *Scoped) Count(ctx context.Context, table string) (int64, error) {
	if !validIdent(table) {
		return 0, fmt.Errorf("%w: table %q", plugin.ErrIsolationViolation, table)
	}

	var n int64
	if err := s.QueryRow(ctx, "SELECT COUNT(*) FROM "+quoteIdent(table)).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Tx runs fn inside one schema-scoped transaction. All statements fn
// issues on tx resolve unqualified names in the plugin schema.
func (s *Scoped) Tx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}

	return tx.Commit(ctx)
}

// txRows keeps the scoped transaction open for the life of the row set.
type txRows struct {
	pgx.Rows
	ctx    context.Context
	tx     pgx.Tx
	closed bool
}

func (r *txRows) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.Rows.Close()
	if r.Rows.Err() != nil {
		_ = r.tx.Rollback(r.ctx)
		return
	}
	_ = r.tx.Commit(r.ctx)
}

// txRow defers the whole transaction to Scan so QueryRow keeps pgx's
// fluent signature.
type txRow struct {
	scoped *Scoped
	ctx    context.Context
	sql    string
	args   []any
}

func (r *txRow) Scan(dest ...any) error {
	tx, err := r.scoped.begin(r.ctx)
	if err != nil {
		return err
	}

	if err := tx.QueryRow(r.ctx, r.sql, r.args...).Scan(dest...); err != nil {
		_ = tx.Rollback(r.ctx)
		return err
	}

	return tx.Commit(r.ctx)
}
