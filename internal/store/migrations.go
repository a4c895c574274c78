package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/coreplane/coreplane/pkg/plugin"
)

// coreMigrations defines the public-schema tables owned by the platform:
// the plugins registry and the access-control data model.
func coreMigrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create plugins registry table",
			Up: func(ctx context.Context, tx pgx.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS plugins (
						name             TEXT PRIMARY KEY,
						path             TEXT NOT NULL,
						type             TEXT NOT NULL CHECK (type IN ('backend', 'frontend', 'common')),
						enabled          BOOLEAN NOT NULL DEFAULT TRUE,
						is_uninstallable BOOLEAN NOT NULL DEFAULT FALSE,
						created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
						updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
					)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(ctx, stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Version:     2,
			Description: "create user, account, session tables",
			Up: func(ctx context.Context, tx pgx.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS "user" (
						id             TEXT PRIMARY KEY,
						email          TEXT NOT NULL UNIQUE,
						name           TEXT NOT NULL DEFAULT '',
						email_verified BOOLEAN NOT NULL DEFAULT FALSE,
						created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
						updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
					)`,

					`CREATE TABLE IF NOT EXISTS account (
						id            TEXT PRIMARY KEY,
						account_id    TEXT NOT NULL,
						provider_id   TEXT NOT NULL,
						user_id       TEXT NOT NULL,
						password      TEXT,
						access_token  TEXT,
						refresh_token TEXT,
						created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
					)`,
					`CREATE INDEX IF NOT EXISTS idx_account_user ON account(user_id)`,

					`CREATE TABLE IF NOT EXISTS session (
						id         TEXT PRIMARY KEY,
						token      TEXT NOT NULL UNIQUE,
						user_id    TEXT NOT NULL,
						expires_at TIMESTAMPTZ NOT NULL,
						created_at TIMESTAMPTZ NOT NULL DEFAULT now()
					)`,
					`CREATE INDEX IF NOT EXISTS idx_session_user ON session(user_id)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(ctx, stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Version:     3,
			Description: "create role and access rule tables",
			Up: func(ctx context.Context, tx pgx.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS role (
						id          TEXT PRIMARY KEY,
						name        TEXT NOT NULL UNIQUE,
						description TEXT NOT NULL DEFAULT '',
						is_system   BOOLEAN NOT NULL DEFAULT FALSE,
						created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
					)`,

					`CREATE TABLE IF NOT EXISTS access_rule (
						id                       TEXT PRIMARY KEY,
						description              TEXT NOT NULL DEFAULT '',
						is_authenticated_default BOOLEAN NOT NULL DEFAULT FALSE,
						is_public_default        BOOLEAN NOT NULL DEFAULT FALSE,
						created_at               TIMESTAMPTZ NOT NULL DEFAULT now()
					)`,

					`CREATE TABLE IF NOT EXISTS role_access_rule (
						role_id        TEXT NOT NULL,
						access_rule_id TEXT NOT NULL,
						PRIMARY KEY (role_id, access_rule_id)
					)`,

					`CREATE TABLE IF NOT EXISTS user_role (
						user_id TEXT NOT NULL,
						role_id TEXT NOT NULL,
						PRIMARY KEY (user_id, role_id)
					)`,

					`CREATE TABLE IF NOT EXISTS disabled_default_access_rule (
						access_rule_id TEXT PRIMARY KEY,
						disabled_at    TIMESTAMPTZ NOT NULL DEFAULT now()
					)`,

					`CREATE TABLE IF NOT EXISTS disabled_public_default_access_rule (
						access_rule_id TEXT PRIMARY KEY,
						disabled_at    TIMESTAMPTZ NOT NULL DEFAULT now()
					)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(ctx, stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Version:     4,
			Description: "create team and resource access tables",
			Up: func(ctx context.Context, tx pgx.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS team (
						id          TEXT PRIMARY KEY,
						name        TEXT NOT NULL,
						description TEXT NOT NULL DEFAULT '',
						created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
					)`,

					`CREATE TABLE IF NOT EXISTS user_team (
						team_id TEXT NOT NULL,
						user_id TEXT NOT NULL,
						PRIMARY KEY (team_id, user_id)
					)`,

					`CREATE TABLE IF NOT EXISTS team_manager (
						team_id TEXT NOT NULL,
						user_id TEXT NOT NULL,
						PRIMARY KEY (team_id, user_id)
					)`,

					`CREATE TABLE IF NOT EXISTS resource_team_access (
						resource_type TEXT NOT NULL,
						resource_id   TEXT NOT NULL,
						team_id       TEXT NOT NULL,
						can_read      BOOLEAN NOT NULL DEFAULT FALSE,
						can_manage    BOOLEAN NOT NULL DEFAULT FALSE,
						PRIMARY KEY (resource_type, resource_id, team_id)
					)`,

					`CREATE TABLE IF NOT EXISTS resource_settings (
						resource_type TEXT NOT NULL,
						resource_id   TEXT NOT NULL,
						team_only     BOOLEAN NOT NULL DEFAULT FALSE,
						PRIMARY KEY (resource_type, resource_id)
					)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(ctx, stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Version:     5,
			Description: "create application tables",
			Up: func(ctx context.Context, tx pgx.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS application (
						id           TEXT PRIMARY KEY,
						name         TEXT NOT NULL,
						secret_hash  TEXT NOT NULL,
						last_used_at TIMESTAMPTZ,
						created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
					)`,

					`CREATE TABLE IF NOT EXISTS application_role (
						application_id TEXT NOT NULL,
						role_id        TEXT NOT NULL,
						PRIMARY KEY (application_id, role_id)
					)`,

					`CREATE TABLE IF NOT EXISTS application_team (
						application_id TEXT NOT NULL,
						team_id        TEXT NOT NULL,
						PRIMARY KEY (application_id, team_id)
					)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(ctx, stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Version:     6,
			Description: "create plugin config table",
			Up: func(ctx context.Context, tx pgx.Tx) error {
				_, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS plugin_config (
					plugin_id  TEXT NOT NULL,
					config_id  TEXT NOT NULL,
					version    INT NOT NULL DEFAULT 1,
					payload    BYTEA NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
					PRIMARY KEY (plugin_id, config_id)
				)`)
				return err
			},
		},
	}
}
