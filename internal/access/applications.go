package access

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/coreplane/coreplane/pkg/plugin"
)

// Application tokens are "ck_<id>_<secret>" where id is the canonical
// 36-character UUID of the application row. Only the bcrypt hash of the
// secret is stored; the full token is shown exactly once.
const tokenPrefix = "ck_"

const uuidLen = 36

func newApplicationSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate application secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// splitApplicationToken parses a bearer credential into id and secret.
func splitApplicationToken(token string) (id, secret string, ok bool) {
	if !strings.HasPrefix(token, tokenPrefix) {
		return "", "", false
	}
	rest := token[len(tokenPrefix):]
	if len(rest) < uuidLen+2 || rest[uuidLen] != '_' {
		return "", "", false
	}
	id, secret = rest[:uuidLen], rest[uuidLen+1:]
	if _, err := uuid.Parse(id); err != nil {
		return "", "", false
	}
	return id, secret, true
}

// Application storage.

func (s *Store) getApplication(ctx context.Context, appID string) (*Application, string, error) {
	var app Application
	var hash string
	err := s.pool.QueryRow(ctx,
		"SELECT id, name, secret_hash, last_used_at, created_at FROM application WHERE id = $1", appID,
	).Scan(&app.ID, &app.Name, &hash, &app.LastUsedAt, &app.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", ErrAppNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("get application %s: %w", appID, err)
	}
	return &app, hash, nil
}

// ListApplications returns every application with roles and teams.
func (s *Store) ListApplications(ctx context.Context) ([]Application, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT id, name, last_used_at, created_at FROM application ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	defer rows.Close()

	var apps []Application
	for rows.Next() {
		var app Application
		if err := rows.Scan(&app.ID, &app.Name, &app.LastUsedAt, &app.CreatedAt); err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range apps {
		if apps[i].Roles, err = s.queryStrings(ctx,
			"SELECT role_id FROM application_role WHERE application_id = $1 ORDER BY role_id", apps[i].ID); err != nil {
			return nil, err
		}
		if apps[i].TeamIDs, err = s.queryStrings(ctx,
			"SELECT team_id FROM application_team WHERE application_id = $1 ORDER BY team_id", apps[i].ID); err != nil {
			return nil, err
		}
	}
	return apps, nil
}

// VerifyApplicationToken authenticates a bearer credential and builds
// the request-scoped application user. last_used_at is updated
// fire-and-forget.
func (s *Store) VerifyApplicationToken(ctx context.Context, token string) (*plugin.User, error) {
	appID, secret, ok := splitApplicationToken(token)
	if !ok {
		return nil, ErrInvalidToken
	}
	app, hash, err := s.getApplication(ctx, appID)
	if err != nil {
		if errors.Is(err, ErrAppNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if !CheckPassword(hash, secret) {
		return nil, ErrInvalidToken
	}

	go func() {
		bg, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if _, err := s.pool.Exec(bg,
			"UPDATE application SET last_used_at = now() WHERE id = $1", appID); err != nil {
			s.logger.Debug("update application last_used_at failed",
				zap.String("application_id", appID), zap.Error(err))
		}
	}()

	roles, err := s.queryStrings(ctx,
		"SELECT role_id FROM application_role WHERE application_id = $1 ORDER BY role_id", appID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(roles, RoleApplications) {
		roles = append(roles, RoleApplications)
	}
	rules, err := s.rulesOfRoles(ctx, roles)
	if err != nil {
		return nil, err
	}
	teams, err := s.queryStrings(ctx,
		"SELECT team_id FROM application_team WHERE application_id = $1 ORDER BY team_id", appID)
	if err != nil {
		return nil, err
	}

	return &plugin.User{
		Type:        plugin.UserTypeApplication,
		ID:          app.ID,
		Name:        app.Name,
		Roles:       roles,
		AccessRules: rules,
		TeamIDs:     teams,
	}, nil
}

// Application administration.

// CreateApplication creates a machine identity and returns it together
// with the one-time cleartext token.
func (s *Service) CreateApplication(ctx context.Context, name string, roleIDs, teamIDs []string) (*Application, string, error) {
	if slices.Contains(roleIDs, RoleAnonymous) {
		return nil, "", ErrAnonymousRole
	}
	secret, err := newApplicationSecret()
	if err != nil {
		return nil, "", err
	}
	hash, err := HashPassword(secret, 0)
	if err != nil {
		return nil, "", err
	}

	app := &Application{ID: uuid.NewString(), Name: name, Roles: roleIDs, TeamIDs: teamIDs}
	err = s.store.tx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			"INSERT INTO application (id, name, secret_hash) VALUES ($1, $2, $3)",
			app.ID, app.Name, hash,
		); err != nil {
			return fmt.Errorf("create application: %w", err)
		}
		for _, roleID := range roleIDs {
			if _, err := tx.Exec(ctx,
				"INSERT INTO application_role (application_id, role_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
				app.ID, roleID,
			); err != nil {
				return fmt.Errorf("assign role %s: %w", roleID, err)
			}
		}
		for _, teamID := range teamIDs {
			if _, err := tx.Exec(ctx,
				"INSERT INTO application_team (application_id, team_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
				app.ID, teamID,
			); err != nil {
				return fmt.Errorf("assign team %s: %w", teamID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	s.logger.Info("application created", zap.String("application_id", app.ID))
	return app, tokenPrefix + app.ID + "_" + secret, nil
}

// RegenerateApplicationSecret replaces an application's secret and
// returns the new one-time token. Existing tokens stop working.
func (s *Service) RegenerateApplicationSecret(ctx context.Context, appID string) (string, error) {
	if _, _, err := s.store.getApplication(ctx, appID); err != nil {
		return "", err
	}
	secret, err := newApplicationSecret()
	if err != nil {
		return "", err
	}
	hash, err := HashPassword(secret, 0)
	if err != nil {
		return "", err
	}
	if _, err := s.store.pool.Exec(ctx,
		"UPDATE application SET secret_hash = $2 WHERE id = $1", appID, hash); err != nil {
		return "", fmt.Errorf("rotate application secret: %w", err)
	}
	return tokenPrefix + appID + "_" + secret, nil
}

// DeleteApplication removes an application and its role and team links.
func (s *Service) DeleteApplication(ctx context.Context, appID string) error {
	if _, _, err := s.store.getApplication(ctx, appID); err != nil {
		return err
	}
	return s.store.tx(ctx, func(tx pgx.Tx) error {
		for _, stmt := range []string{
			"DELETE FROM application_role WHERE application_id = $1",
			"DELETE FROM application_team WHERE application_id = $1",
			"DELETE FROM application WHERE id = $1",
		} {
			if _, err := tx.Exec(ctx, stmt, appID); err != nil {
				return fmt.Errorf("delete application %s: %w", appID, err)
			}
		}
		return nil
	})
}
