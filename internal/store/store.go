// Package store provides the shared Postgres connection pool, core and
// plugin migrations, and the schema-scoped database handles plugins use.
// The platform process exclusively owns the database: core tables live in
// the public schema, each plugin owns its plugin_<id> schema.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/mod/semver"

	"github.com/coreplane/coreplane/pkg/plugin"
)

// ErrNewerSchema is returned when the database was created by a newer
// version of Coreplane than the currently running binary.
var ErrNewerSchema = errors.New("database was created by a newer version of Coreplane")

// PGStore wraps the single shared pgx connection pool.
type PGStore struct {
	pool *pgxpool.Pool
	mu   sync.Mutex // Serialize migrations
	once sync.Once  // Ensure _migrations table created once
}

// New connects to Postgres at databaseURL and verifies the connection.
func New(ctx context.Context, databaseURL string) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PGStore{pool: pool}, nil
}

// Pool returns the underlying pool for core subsystems. Plugin code never
// sees this; plugins reach the database only through Scoped handles.
func (s *PGStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Tx executes fn within a database transaction against the public schema.
// The transaction is committed if fn returns nil, rolled back otherwise.
func (s *PGStore) Tx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}

	return tx.Commit(ctx)
}

// Scoped returns a schema-isolated handle for the given plugin. Every
// operation on the handle runs in a transaction whose search_path is
// "plugin_<id>", public.
func (s *PGStore) Scoped(pluginID string) *Scoped {
	return &Scoped{pool: s.pool, schema: SchemaName(pluginID)}
}

// SchemaName returns the schema owned by a plugin.
func SchemaName(pluginID string) string {
	return "plugin_" + pluginID
}

// quoteIdent quotes a Postgres identifier, doubling embedded quotes.
func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// searchPathFor builds the SET search_path value for a plugin schema.
// The plugin schema comes first so unqualified names resolve there;
// public stays last for extensions and shared lookups.
func searchPathFor(schema string) string {
	return quoteIdent(schema) + ", public"
}

// validIdent reports whether s is a plain identifier (no quoting or
// qualification tricks). Used to keep plugin-supplied names inside the
// plugin schema.
func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

// MigratePlugin creates the plugin schema if needed and runs pending
// migrations against it. Migration steps run with a session-level
// search_path (steps may span statements and self-manage transactions);
// the search_path is reset to public before the connection is released so
// no schema leaks between plugin migrations.
func (s *PGStore) MigratePlugin(ctx context.Context, pluginID string, migrations []plugin.Migration) error {
	if err := s.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	schema := SchemaName(pluginID)

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn for %s migrations: %w", pluginID, err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+quoteIdent(schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	// Session-level on purpose: SET LOCAL would not survive the per-step
	// transactions migrations open themselves.
	if _, err := conn.Exec(ctx, "SET search_path = "+searchPathFor(schema)); err != nil {
		return fmt.Errorf("set search_path for %s: %w", schema, err)
	}
	defer func() {
		_, _ = conn.Exec(ctx, "SET search_path = public")
	}()

	for _, m := range migrations {
		applied, err := s.isMigrationApplied(ctx, conn.Conn(), pluginID, m.Version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}

		if err := s.applyMigration(ctx, conn.Conn(), pluginID, m); err != nil {
			return fmt.Errorf("migration %s/%d (%s): %w", pluginID, m.Version, m.Description, err)
		}
	}

	return nil
}

// MigrateCore runs the core schema migrations against public.
func (s *PGStore) MigrateCore(ctx context.Context) error {
	if err := s.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn for core migrations: %w", err)
	}
	defer conn.Release()

	for _, m := range coreMigrations() {
		applied, err := s.isMigrationApplied(ctx, conn.Conn(), "core", m.Version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := s.applyMigration(ctx, conn.Conn(), "core", m); err != nil {
			return fmt.Errorf("core migration %d (%s): %w", m.Version, m.Description, err)
		}
	}

	return nil
}

// DropPluginSchema drops plugin_<id> and everything in it. Called by the
// lifecycle manager when a deregistration requests schema deletion.
func (s *PGStore) DropPluginSchema(ctx context.Context, pluginID string) error {
	schema := SchemaName(pluginID)
	if _, err := s.pool.Exec(ctx, "DROP SCHEMA IF EXISTS "+quoteIdent(schema)+" CASCADE"); err != nil {
		return fmt.Errorf("drop schema %s: %w", schema, err)
	}
	_, err := s.pool.Exec(ctx, "DELETE FROM public._migrations WHERE plugin_name = $1", pluginID)
	if err != nil {
		return fmt.Errorf("clear migration history for %s: %w", pluginID, err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PGStore) Close() {
	s.pool.Close()
}

// CheckVersion compares the running binary version against the version
// stored in the database. It prevents an older binary from opening a
// database created by a newer version. The special version "dev" always
// passes (both as stored and as current).
func (s *PGStore) CheckVersion(ctx context.Context, currentVersion string) error {
	if err := s.ensureSchemaMetaTable(ctx); err != nil {
		return fmt.Errorf("ensure schema meta table: %w", err)
	}

	var stored string
	err := s.pool.QueryRow(ctx,
		"SELECT app_version FROM public._schema_meta WHERE id = 1",
	).Scan(&stored)

	if errors.Is(err, pgx.ErrNoRows) {
		// First run: record the current version.
		_, err = s.pool.Exec(ctx,
			"INSERT INTO public._schema_meta (id, app_version, updated_at) VALUES (1, $1, now())",
			currentVersion,
		)
		if err != nil {
			return fmt.Errorf("insert schema version: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	// "dev" always passes -- useful for local development.
	if stored == "dev" || currentVersion == "dev" {
		return s.storeVersion(ctx, currentVersion)
	}

	cur := normalizeVersion(currentVersion)
	sto := normalizeVersion(stored)

	if semver.Compare(cur, sto) < 0 {
		return fmt.Errorf("%w: database=%s, binary=%s", ErrNewerSchema, stored, currentVersion)
	}

	if semver.Compare(cur, sto) > 0 {
		return s.storeVersion(ctx, currentVersion)
	}

	return nil
}

func (s *PGStore) storeVersion(ctx context.Context, version string) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE public._schema_meta SET app_version = $1, updated_at = now() WHERE id = 1",
		version,
	)
	if err != nil {
		return fmt.Errorf("update schema version: %w", err)
	}
	return nil
}

func (s *PGStore) ensureSchemaMetaTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS public._schema_meta (
			id          INT PRIMARY KEY CHECK (id = 1),
			app_version TEXT NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	return err
}

// normalizeVersion ensures the version string has a "v" prefix for semver
// comparison.
func normalizeVersion(v string) string {
	if v != "" && v[0] != 'v' {
		return "v" + v
	}
	return v
}

// ensureMigrationsTable creates the shared _migrations tracking table if
// it doesn't already exist. Safe to call multiple times (uses sync.Once).
func (s *PGStore) ensureMigrationsTable(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		_, err = s.pool.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS public._migrations (
				plugin_name TEXT NOT NULL,
				version     INT  NOT NULL,
				description TEXT NOT NULL,
				applied_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
				PRIMARY KEY (plugin_name, version)
			)
		`)
	})
	return err
}

func (s *PGStore) isMigrationApplied(ctx context.Context, conn *pgx.Conn, pluginName string, version int) (bool, error) {
	var count int
	err := conn.QueryRow(ctx,
		"SELECT COUNT(*) FROM public._migrations WHERE plugin_name = $1 AND version = $2",
		pluginName, version,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check migration %s/%d: %w", pluginName, version, err)
	}
	return count > 0, nil
}

func (s *PGStore) applyMigration(ctx context.Context, conn *pgx.Conn, pluginName string, m plugin.Migration) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := m.Up(ctx, tx); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		"INSERT INTO public._migrations (plugin_name, version, description) VALUES ($1, $2, $3)",
		pluginName, m.Version, m.Description,
	)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}
