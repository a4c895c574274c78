package access

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/coreplane/coreplane/pkg/plugin"
)

// touchTimeout bounds fire-and-forget bookkeeping writes.
const touchTimeout = 5 * time.Second

// Store is the SQL layer for the access data model. All tables live in
// the public schema; the access plugin is the only writer.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewStore creates the access store over the shared pool.
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

func (s *Store) tx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpsertRules writes declared rules and grants every one to the admin
// role. Existing role attachments are preserved.
func (s *Store) UpsertRules(ctx context.Context, rules []plugin.AccessRule) error {
	if len(rules) == 0 {
		return nil
	}
	return s.tx(ctx, func(tx pgx.Tx) error {
		for _, r := range rules {
			if _, err := tx.Exec(ctx, `
				INSERT INTO access_rule (id, description, is_authenticated_default, is_public_default)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (id) DO UPDATE
					SET description = EXCLUDED.description,
					    is_authenticated_default = EXCLUDED.is_authenticated_default,
					    is_public_default = EXCLUDED.is_public_default`,
				r.ID, r.Description, r.AuthenticatedDefault, r.PublicDefault,
			); err != nil {
				return fmt.Errorf("upsert rule %s: %w", r.ID, err)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO role_access_rule (role_id, access_rule_id)
				VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				RoleAdmin, r.ID,
			); err != nil {
				return fmt.Errorf("grant rule %s to admin: %w", r.ID, err)
			}
		}
		return nil
	})
}

// AttachDefaults connects default rules to the users and anonymous
// roles, honoring the admin's recorded opt-outs.
func (s *Store) AttachDefaults(ctx context.Context) error {
	return s.tx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO role_access_rule (role_id, access_rule_id)
			SELECT $1, ar.id FROM access_rule ar
			WHERE ar.is_authenticated_default
			  AND ar.id NOT IN (SELECT access_rule_id FROM disabled_default_access_rule)
			ON CONFLICT DO NOTHING`,
			RoleUsers,
		); err != nil {
			return fmt.Errorf("attach authenticated defaults: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO role_access_rule (role_id, access_rule_id)
			SELECT $1, ar.id FROM access_rule ar
			WHERE ar.is_public_default
			  AND ar.id NOT IN (SELECT access_rule_id FROM disabled_public_default_access_rule)
			ON CONFLICT DO NOTHING`,
			RoleAnonymous,
		); err != nil {
			return fmt.Errorf("attach public defaults: %w", err)
		}
		return nil
	})
}

// DeleteOrphanRules removes stored rules no loaded plugin declares,
// join rows first.
func (s *Store) DeleteOrphanRules(ctx context.Context, declared []string) error {
	return s.tx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM role_access_rule WHERE NOT (access_rule_id = ANY($1))`, declared); err != nil {
			return fmt.Errorf("delete orphan rule grants: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM disabled_default_access_rule WHERE NOT (access_rule_id = ANY($1))`, declared); err != nil {
			return fmt.Errorf("delete orphan default opt-outs: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM disabled_public_default_access_rule WHERE NOT (access_rule_id = ANY($1))`, declared); err != nil {
			return fmt.Errorf("delete orphan public opt-outs: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM access_rule WHERE NOT (id = ANY($1))`, declared); err != nil {
			return fmt.Errorf("delete orphan rules: %w", err)
		}
		return nil
	})
}

// DeleteRulesWithPrefix removes every rule in a plugin's namespace.
// Used when a plugin is deregistered.
func (s *Store) DeleteRulesWithPrefix(ctx context.Context, pluginID string) error {
	prefix := pluginID + ".%"
	return s.tx(ctx, func(tx pgx.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM role_access_rule WHERE access_rule_id LIKE $1`,
			`DELETE FROM disabled_default_access_rule WHERE access_rule_id LIKE $1`,
			`DELETE FROM disabled_public_default_access_rule WHERE access_rule_id LIKE $1`,
			`DELETE FROM access_rule WHERE id LIKE $1`,
		} {
			if _, err := tx.Exec(ctx, stmt, prefix); err != nil {
				return fmt.Errorf("delete rules for plugin %s: %w", pluginID, err)
			}
		}
		return nil
	})
}

// RulesForRole returns the rule ids attached to a role.
func (s *Store) RulesForRole(ctx context.Context, roleID string) ([]string, error) {
	return s.queryStrings(ctx,
		"SELECT access_rule_id FROM role_access_rule WHERE role_id = $1 ORDER BY access_rule_id", roleID)
}

func (s *Store) queryStrings(ctx context.Context, sql string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
