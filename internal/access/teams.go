package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Team storage and administration.

func (s *Store) getTeam(ctx context.Context, teamID string) (*Team, error) {
	var t Team
	err := s.pool.QueryRow(ctx,
		"SELECT id, name, description, created_at FROM team WHERE id = $1", teamID,
	).Scan(&t.ID, &t.Name, &t.Description, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTeamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get team %s: %w", teamID, err)
	}
	return &t, nil
}

// ListTeams returns every team with members and managers.
func (s *Store) ListTeams(ctx context.Context) ([]Team, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT id, name, description, created_at FROM team ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	var teams []Team
	for rows.Next() {
		var t Team
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &t.CreatedAt); err != nil {
			return nil, err
		}
		teams = append(teams, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range teams {
		if teams[i].MemberIDs, err = s.queryStrings(ctx,
			"SELECT user_id FROM user_team WHERE team_id = $1 ORDER BY user_id", teams[i].ID); err != nil {
			return nil, err
		}
		if teams[i].ManagerIDs, err = s.queryStrings(ctx,
			"SELECT user_id FROM team_manager WHERE team_id = $1 ORDER BY user_id", teams[i].ID); err != nil {
			return nil, err
		}
	}
	return teams, nil
}

// IsTeamManager reports whether the user manages the team.
func (s *Store) IsTeamManager(ctx context.Context, teamID, userID string) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		"SELECT count(*) FROM team_manager WHERE team_id = $1 AND user_id = $2",
		teamID, userID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check team manager: %w", err)
	}
	return n > 0, nil
}

// CreateTeam creates a team.
func (s *Service) CreateTeam(ctx context.Context, name, description string) (*Team, error) {
	team := &Team{ID: uuid.NewString(), Name: name, Description: description}
	_, err := s.store.pool.Exec(ctx,
		"INSERT INTO team (id, name, description) VALUES ($1, $2, $3)",
		team.ID, team.Name, team.Description,
	)
	if err != nil {
		return nil, fmt.Errorf("create team: %w", err)
	}
	return team, nil
}

// UpdateTeam edits a team's name and description.
func (s *Service) UpdateTeam(ctx context.Context, teamID, name, description string) error {
	if _, err := s.store.getTeam(ctx, teamID); err != nil {
		return err
	}
	_, err := s.store.pool.Exec(ctx,
		"UPDATE team SET name = $2, description = $3 WHERE id = $1",
		teamID, name, description,
	)
	if err != nil {
		return fmt.Errorf("update team %s: %w", teamID, err)
	}
	return nil
}

// DeleteTeam removes a team and everything referencing it in one
// transaction: memberships, managers, resource grants, application links.
func (s *Service) DeleteTeam(ctx context.Context, teamID string) error {
	if _, err := s.store.getTeam(ctx, teamID); err != nil {
		return err
	}
	return s.store.tx(ctx, func(tx pgx.Tx) error {
		for _, stmt := range []string{
			"DELETE FROM user_team WHERE team_id = $1",
			"DELETE FROM team_manager WHERE team_id = $1",
			"DELETE FROM resource_team_access WHERE team_id = $1",
			"DELETE FROM application_team WHERE team_id = $1",
			"DELETE FROM team WHERE id = $1",
		} {
			if _, err := tx.Exec(ctx, stmt, teamID); err != nil {
				return fmt.Errorf("delete team %s: %w", teamID, err)
			}
		}
		return nil
	})
}

// SetTeamMembers replaces a team's member list. Managers who are not
// members are kept; membership and management are independent.
func (s *Service) SetTeamMembers(ctx context.Context, teamID string, userIDs []string) error {
	if _, err := s.store.getTeam(ctx, teamID); err != nil {
		return err
	}
	return s.store.tx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "DELETE FROM user_team WHERE team_id = $1", teamID); err != nil {
			return err
		}
		for _, userID := range userIDs {
			if _, err := tx.Exec(ctx,
				"INSERT INTO user_team (team_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
				teamID, userID,
			); err != nil {
				return fmt.Errorf("add member %s: %w", userID, err)
			}
		}
		return nil
	})
}

// SetTeamManagers replaces a team's manager list.
func (s *Service) SetTeamManagers(ctx context.Context, teamID string, userIDs []string) error {
	if _, err := s.store.getTeam(ctx, teamID); err != nil {
		return err
	}
	return s.store.tx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "DELETE FROM team_manager WHERE team_id = $1", teamID); err != nil {
			return err
		}
		for _, userID := range userIDs {
			if _, err := tx.Exec(ctx,
				"INSERT INTO team_manager (team_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
				teamID, userID,
			); err != nil {
				return fmt.Errorf("add manager %s: %w", userID, err)
			}
		}
		return nil
	})
}
