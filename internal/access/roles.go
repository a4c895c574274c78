package access

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/coreplane/coreplane/pkg/plugin"
)

// Role storage.

func (s *Store) getRole(ctx context.Context, roleID string) (*Role, error) {
	var r Role
	err := s.pool.QueryRow(ctx,
		"SELECT id, name, description, is_system, created_at FROM role WHERE id = $1", roleID,
	).Scan(&r.ID, &r.Name, &r.Description, &r.IsSystem, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRoleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get role %s: %w", roleID, err)
	}
	return &r, nil
}

// ListRoles returns every role with its attached rules.
func (s *Store) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT id, name, description, is_system, created_at FROM role ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var r Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.IsSystem, &r.CreatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range roles {
		roles[i].Rules, err = s.RulesForRole(ctx, roles[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return roles, nil
}

// Role administration.

// CreateRole creates a custom role holding the given rules.
func (s *Service) CreateRole(ctx context.Context, name, description string, rules []string) (*Role, error) {
	role := &Role{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Rules:       rules,
	}
	err := s.store.tx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			"INSERT INTO role (id, name, description, is_system) VALUES ($1, $2, $3, FALSE)",
			role.ID, role.Name, role.Description,
		); err != nil {
			return fmt.Errorf("create role: %w", err)
		}
		for _, rule := range rules {
			if _, err := tx.Exec(ctx,
				"INSERT INTO role_access_rule (role_id, access_rule_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
				role.ID, rule,
			); err != nil {
				return fmt.Errorf("attach rule %s: %w", rule, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return role, nil
}

// UpdateRole edits a role. System roles accept name and description
// changes only; the admin role's permissions are fixed to the wildcard.
// The acting user may not edit a role they hold.
func (s *Service) UpdateRole(ctx context.Context, actor *plugin.User, roleID, name, description string, rules []string) error {
	role, err := s.store.getRole(ctx, roleID)
	if err != nil {
		return err
	}
	if actor != nil && slices.Contains(actor.Roles, roleID) {
		return ErrRoleHeld
	}

	return s.store.tx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			"UPDATE role SET name = $2, description = $3 WHERE id = $1",
			roleID, name, description,
		); err != nil {
			return fmt.Errorf("update role %s: %w", roleID, err)
		}
		if role.IsSystem {
			// Permission set of system roles is managed through default-rule
			// toggles and rule sync, never directly.
			return nil
		}
		if _, err := tx.Exec(ctx, "DELETE FROM role_access_rule WHERE role_id = $1", roleID); err != nil {
			return err
		}
		for _, rule := range rules {
			if _, err := tx.Exec(ctx,
				"INSERT INTO role_access_rule (role_id, access_rule_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
				roleID, rule,
			); err != nil {
				return fmt.Errorf("attach rule %s: %w", rule, err)
			}
		}
		return nil
	})
}

// DeleteRole removes a custom role and its assignments. System roles and
// roles the actor holds are refused.
func (s *Service) DeleteRole(ctx context.Context, actor *plugin.User, roleID string) error {
	role, err := s.store.getRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return ErrSystemRole
	}
	if actor != nil && slices.Contains(actor.Roles, roleID) {
		return ErrRoleHeld
	}

	return s.store.tx(ctx, func(tx pgx.Tx) error {
		for _, stmt := range []string{
			"DELETE FROM role_access_rule WHERE role_id = $1",
			"DELETE FROM user_role WHERE role_id = $1",
			"DELETE FROM application_role WHERE role_id = $1",
			"DELETE FROM role WHERE id = $1",
		} {
			if _, err := tx.Exec(ctx, stmt, roleID); err != nil {
				return fmt.Errorf("delete role %s: %w", roleID, err)
			}
		}
		return nil
	})
}

// SetAuthenticatedDefault enables or disables a default rule on the
// users role. Disabling records an opt-out so the next rule sync does
// not re-attach it.
func (s *Service) SetAuthenticatedDefault(ctx context.Context, ruleID string, enabled bool) error {
	return s.setDefault(ctx, ruleID, enabled, RoleUsers, "disabled_default_access_rule")
}

// SetPublicDefault enables or disables a default rule on the anonymous
// role and flushes the anonymous-rules cache.
func (s *Service) SetPublicDefault(ctx context.Context, ruleID string, enabled bool) error {
	if err := s.setDefault(ctx, ruleID, enabled, RoleAnonymous, "disabled_public_default_access_rule"); err != nil {
		return err
	}
	s.invalidate()
	return nil
}

func (s *Service) setDefault(ctx context.Context, ruleID string, enabled bool, roleID, optOutTable string) error {
	return s.store.tx(ctx, func(tx pgx.Tx) error {
		if enabled {
			if _, err := tx.Exec(ctx,
				"DELETE FROM "+optOutTable+" WHERE access_rule_id = $1", ruleID); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				"INSERT INTO role_access_rule (role_id, access_rule_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
				roleID, ruleID)
			return err
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO "+optOutTable+" (access_rule_id) VALUES ($1) ON CONFLICT DO NOTHING", ruleID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			"DELETE FROM role_access_rule WHERE role_id = $1 AND access_rule_id = $2", roleID, ruleID)
		return err
	})
}
