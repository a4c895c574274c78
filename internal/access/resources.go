package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Team-scoped resource grants and overlays.

// TeamGrants returns every team grant on a resource.
func (s *Store) TeamGrants(ctx context.Context, resourceType, resourceID string) ([]TeamGrant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT team_id, can_read, can_manage FROM resource_team_access
		WHERE resource_type = $1 AND resource_id = $2 ORDER BY team_id`,
		resourceType, resourceID,
	)
	if err != nil {
		return nil, fmt.Errorf("list team grants: %w", err)
	}
	defer rows.Close()

	var grants []TeamGrant
	for rows.Next() {
		var g TeamGrant
		if err := rows.Scan(&g.TeamID, &g.CanRead, &g.CanManage); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// TeamOnly reports whether the resource opted out of global access.
func (s *Store) TeamOnly(ctx context.Context, resourceType, resourceID string) (bool, error) {
	var teamOnly bool
	err := s.pool.QueryRow(ctx, `
		SELECT team_only FROM resource_settings
		WHERE resource_type = $1 AND resource_id = $2`,
		resourceType, resourceID,
	).Scan(&teamOnly)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get resource settings: %w", err)
	}
	return teamOnly, nil
}

// SetResourceTeamAccess upserts one team's grant on a resource.
func (s *Service) SetResourceTeamAccess(ctx context.Context, resourceType, resourceID, teamID string, canRead, canManage bool) error {
	if _, err := s.store.getTeam(ctx, teamID); err != nil {
		return err
	}
	_, err := s.store.pool.Exec(ctx, `
		INSERT INTO resource_team_access (resource_type, resource_id, team_id, can_read, can_manage)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (resource_type, resource_id, team_id) DO UPDATE
			SET can_read = EXCLUDED.can_read, can_manage = EXCLUDED.can_manage`,
		resourceType, resourceID, teamID, canRead, canManage,
	)
	if err != nil {
		return fmt.Errorf("set team grant: %w", err)
	}
	return nil
}

// RemoveResourceTeamAccess drops one team's grant on a resource.
func (s *Service) RemoveResourceTeamAccess(ctx context.Context, resourceType, resourceID, teamID string) error {
	_, err := s.store.pool.Exec(ctx, `
		DELETE FROM resource_team_access
		WHERE resource_type = $1 AND resource_id = $2 AND team_id = $3`,
		resourceType, resourceID, teamID,
	)
	if err != nil {
		return fmt.Errorf("remove team grant: %w", err)
	}
	return nil
}

// SetResourceTeamOnly toggles the teamOnly overlay on a resource.
func (s *Service) SetResourceTeamOnly(ctx context.Context, resourceType, resourceID string, teamOnly bool) error {
	_, err := s.store.pool.Exec(ctx, `
		INSERT INTO resource_settings (resource_type, resource_id, team_only)
		VALUES ($1, $2, $3)
		ON CONFLICT (resource_type, resource_id) DO UPDATE SET team_only = EXCLUDED.team_only`,
		resourceType, resourceID, teamOnly,
	)
	if err != nil {
		return fmt.Errorf("set resource teamOnly: %w", err)
	}
	return nil
}
