package access

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/coreplane/coreplane/pkg/plugin"
)

// SeedSystemRoles creates the four system roles and the admin wildcard
// grant. Idempotent; runs on every boot before Phase 2.
func (s *Store) SeedSystemRoles(ctx context.Context) error {
	roles := []struct {
		id, description string
	}{
		{RoleAdmin, "Full administrative access"},
		{RoleUsers, "Every authenticated user"},
		{RoleAnonymous, "Unauthenticated callers"},
		{RoleApplications, "Every application identity"},
	}

	return s.tx(ctx, func(tx pgx.Tx) error {
		for _, r := range roles {
			if _, err := tx.Exec(ctx, `
				INSERT INTO role (id, name, description, is_system)
				VALUES ($1, $1, $2, TRUE) ON CONFLICT (id) DO NOTHING`,
				r.id, r.description,
			); err != nil {
				return fmt.Errorf("seed role %s: %w", r.id, err)
			}
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO access_rule (id, description)
			VALUES ($1, 'Grants every access rule') ON CONFLICT (id) DO NOTHING`,
			plugin.WildcardRule,
		); err != nil {
			return fmt.Errorf("seed wildcard rule: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO role_access_rule (role_id, access_rule_id)
			VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			RoleAdmin, plugin.WildcardRule,
		); err != nil {
			return fmt.Errorf("grant wildcard to admin: %w", err)
		}
		return nil
	})
}

// SeedInitialAdmin bootstraps the fixed-id admin account on an empty
// instance. The well-known credential must be rotated after first
// sign-in; deployments that prefer interactive onboarding skip this and
// use the onboarding endpoint instead.
func (s *Store) SeedInitialAdmin(ctx context.Context, email, password string) error {
	n, err := s.CountUsers(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	hash, err := HashPassword(password, 0)
	if err != nil {
		return err
	}

	return s.tx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO "user" (id, email, name, email_verified)
			 VALUES ($1, $2, 'Administrator', TRUE) ON CONFLICT (id) DO NOTHING`,
			InitialAdminID, email,
		); err != nil {
			return fmt.Errorf("seed initial admin: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO account (id, account_id, provider_id, user_id, password)
			VALUES ($1, $2, 'credential', $3, $4)`,
			uuid.NewString(), email, InitialAdminID, hash,
		); err != nil {
			return fmt.Errorf("seed admin credential: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO user_role (user_id, role_id)
			VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			InitialAdminID, RoleAdmin,
		); err != nil {
			return fmt.Errorf("grant admin role: %w", err)
		}
		return nil
	})
}
