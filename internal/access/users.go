package access

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/coreplane/coreplane/pkg/plugin"
)

// User storage.

func (s *Store) getUser(ctx context.Context, userID string) (*UserRecord, error) {
	var u UserRecord
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, name, email_verified, created_at FROM "user" WHERE id = $1`, userID,
	).Scan(&u.ID, &u.Email, &u.Name, &u.EmailVerified, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	return &u, nil
}

func (s *Store) getUserByEmail(ctx context.Context, email string) (*UserRecord, error) {
	var u UserRecord
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, name, email_verified, created_at FROM "user" WHERE email = $1`, email,
	).Scan(&u.ID, &u.Email, &u.Name, &u.EmailVerified, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return &u, nil
}

// CountUsers returns the number of user accounts.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM "user"`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// ListUsers returns every user with their role ids.
func (s *Store) ListUsers(ctx context.Context) ([]UserRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, email, name, email_verified, created_at FROM "user" ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []UserRecord
	for rows.Next() {
		var u UserRecord
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.EmailVerified, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range users {
		users[i].Roles, err = s.rolesOfUser(ctx, users[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return users, nil
}

func (s *Store) rolesOfUser(ctx context.Context, userID string) ([]string, error) {
	return s.queryStrings(ctx,
		"SELECT role_id FROM user_role WHERE user_id = $1 ORDER BY role_id", userID)
}

func (s *Store) teamsOfUser(ctx context.Context, userID string) ([]string, error) {
	return s.queryStrings(ctx,
		"SELECT team_id FROM user_team WHERE user_id = $1 ORDER BY team_id", userID)
}

// rulesOfRoles returns the deduplicated rule union across roles. An
// admin membership collapses the set to the single wildcard.
func (s *Store) rulesOfRoles(ctx context.Context, roleIDs []string) ([]string, error) {
	if slices.Contains(roleIDs, RoleAdmin) {
		return []string{plugin.WildcardRule}, nil
	}
	if len(roleIDs) == 0 {
		return nil, nil
	}
	return s.queryStrings(ctx, `
		SELECT DISTINCT access_rule_id FROM role_access_rule
		WHERE role_id = ANY($1) ORDER BY access_rule_id`, roleIDs)
}

// AnonymousRules returns the rule set of the anonymous role.
func (s *Store) AnonymousRules(ctx context.Context) ([]string, error) {
	return s.RulesForRole(ctx, RoleAnonymous)
}

// ResolveUser enriches a session identity into the request-scoped user:
// roles (always including the implicit users role), rule union, teams.
func (s *Store) ResolveUser(ctx context.Context, su *plugin.SessionUser) (*plugin.User, error) {
	roles, err := s.rolesOfUser(ctx, su.ID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(roles, RoleUsers) {
		roles = append(roles, RoleUsers)
	}
	rules, err := s.rulesOfRoles(ctx, roles)
	if err != nil {
		return nil, err
	}
	teams, err := s.teamsOfUser(ctx, su.ID)
	if err != nil {
		return nil, err
	}
	return &plugin.User{
		Type:          plugin.UserTypeUser,
		ID:            su.ID,
		Email:         su.Email,
		Name:          su.Name,
		EmailVerified: su.EmailVerified,
		Roles:         roles,
		AccessRules:   rules,
		TeamIDs:       teams,
	}, nil
}

// User administration.

// SetUserRoles replaces a user's assigned roles. The actor cannot change
// their own roles and the anonymous role is never assignable.
func (s *Service) SetUserRoles(ctx context.Context, actor *plugin.User, userID string, roleIDs []string) error {
	if actor != nil && actor.ID == userID {
		return ErrSelfAssign
	}
	if slices.Contains(roleIDs, RoleAnonymous) {
		return ErrAnonymousRole
	}
	if _, err := s.store.getUser(ctx, userID); err != nil {
		return err
	}
	for _, roleID := range roleIDs {
		if _, err := s.store.getRole(ctx, roleID); err != nil {
			return err
		}
	}

	return s.store.tx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "DELETE FROM user_role WHERE user_id = $1", userID); err != nil {
			return err
		}
		for _, roleID := range roleIDs {
			if _, err := tx.Exec(ctx,
				"INSERT INTO user_role (user_id, role_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
				userID, roleID,
			); err != nil {
				return fmt.Errorf("assign role %s: %w", roleID, err)
			}
		}
		return nil
	})
}

// DeleteUser removes an account and everything attached to it, then
// emits userDeleted so plugins can drop their own references. The
// initial admin is recognized by id and refused.
func (s *Service) DeleteUser(ctx context.Context, userID string) error {
	if userID == InitialAdminID {
		return ErrInitialAdmin
	}
	if _, err := s.store.getUser(ctx, userID); err != nil {
		return err
	}

	err := s.store.tx(ctx, func(tx pgx.Tx) error {
		for _, stmt := range []string{
			"DELETE FROM user_role WHERE user_id = $1",
			"DELETE FROM session WHERE user_id = $1",
			"DELETE FROM account WHERE user_id = $1",
			"DELETE FROM user_team WHERE user_id = $1",
			"DELETE FROM team_manager WHERE user_id = $1",
			`DELETE FROM "user" WHERE id = $1`,
		} {
			if _, err := tx.Exec(ctx, stmt, userID); err != nil {
				return fmt.Errorf("delete user %s: %w", userID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.bus.Emit(ctx, plugin.HookUserDeleted, map[string]string{"userId": userID}); err != nil {
		s.logger.Warn("emit userDeleted failed", zap.String("user_id", userID), zap.Error(err))
	}
	return nil
}

// SignUp registers a credential account: unique email, password policy
// enforced, bcrypt-hashed secret stored on the account row. Sign-up must
// be enabled in the deployment settings; the onboarding bootstrap is
// exempt because it runs before any user exists.
func (s *Service) SignUp(ctx context.Context, email, name, password string) (*UserRecord, error) {
	if !s.settings.CredentialSignUp {
		return nil, ErrSignUpDisabled
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	if _, err := s.store.getUserByEmail(ctx, email); err == nil {
		return nil, ErrUserExists
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	hash, err := HashPassword(password, 0)
	if err != nil {
		return nil, err
	}
	user := &UserRecord{ID: uuid.NewString(), Email: email, Name: name}

	err = s.store.tx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO "user" (id, email, name) VALUES ($1, $2, $3)`,
			user.ID, user.Email, user.Name,
		); err != nil {
			return fmt.Errorf("create user: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO account (id, account_id, provider_id, user_id, password)
			VALUES ($1, $2, 'credential', $3, $4)`,
			uuid.NewString(), user.Email, user.ID, hash,
		); err != nil {
			return fmt.Errorf("create credential account: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("user signed up", zap.String("user_id", user.ID))
	return user, nil
}

// VerifyCredentials checks an email/password pair against the stored
// credential account.
func (s *Service) VerifyCredentials(ctx context.Context, email, password string) (*UserRecord, error) {
	user, err := s.store.getUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	var hash string
	err = s.store.pool.QueryRow(ctx,
		"SELECT password FROM account WHERE user_id = $1 AND provider_id = 'credential'", user.ID,
	).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("lookup credential account: %w", err)
	}
	if !CheckPassword(hash, password) {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}
