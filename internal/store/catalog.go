package store

import (
	"context"
	"fmt"

	"github.com/coreplane/coreplane/pkg/plugin"
)

// Catalog operations over the public.plugins table. Local rows are owned
// by discovery; rows with is_uninstallable = TRUE belong to remote
// installs and are never touched by reconciliation.

// UpsertLocalPlugin inserts a newly discovered local plugin or updates
// the path of a renamed one. Remote rows are left alone.
func (s *PGStore) UpsertLocalPlugin(ctx context.Context, info plugin.Info) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO public.plugins (name, path, type, enabled, is_uninstallable)
		VALUES ($1, $2, $3, TRUE, FALSE)
		ON CONFLICT (name) DO UPDATE
			SET path = EXCLUDED.path, updated_at = now()
			WHERE plugins.is_uninstallable = FALSE`,
		info.Name, info.Path, string(info.Type),
	)
	if err != nil {
		return fmt.Errorf("upsert plugin %s: %w", info.Name, err)
	}
	return nil
}

// InsertRemotePlugin records a remotely installed plugin.
func (s *PGStore) InsertRemotePlugin(ctx context.Context, info plugin.Info) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO public.plugins (name, path, type, enabled, is_uninstallable)
		VALUES ($1, $2, $3, TRUE, TRUE)
		ON CONFLICT (name) DO UPDATE
			SET path = EXCLUDED.path, updated_at = now()`,
		info.Name, info.Path, string(info.Type),
	)
	if err != nil {
		return fmt.Errorf("insert remote plugin %s: %w", info.Name, err)
	}
	return nil
}

// EnabledPlugins returns all enabled rows from the plugins table.
func (s *PGStore) EnabledPlugins(ctx context.Context) ([]plugin.Info, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT name, path, type, is_uninstallable FROM public.plugins WHERE enabled ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list enabled plugins: %w", err)
	}
	defer rows.Close()

	var infos []plugin.Info
	for rows.Next() {
		var info plugin.Info
		var typ string
		if err := rows.Scan(&info.Name, &info.Path, &typ, &info.Uninstallable); err != nil {
			return nil, fmt.Errorf("scan plugin row: %w", err)
		}
		info.Type = plugin.Type(typ)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// SetPluginEnabled toggles a plugin row. Disabled plugins are skipped at
// the next boot; running instances are unaffected.
func (s *PGStore) SetPluginEnabled(ctx context.Context, name string, enabled bool) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE public.plugins SET enabled = $2, updated_at = now() WHERE name = $1",
		name, enabled,
	)
	if err != nil {
		return fmt.Errorf("set plugin %s enabled=%v: %w", name, enabled, err)
	}
	return nil
}

// DeleteRemotePlugin removes a remote plugin's row. Local rows survive
// deregistration attempts by design.
func (s *PGStore) DeleteRemotePlugin(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx,
		"DELETE FROM public.plugins WHERE name = $1 AND is_uninstallable",
		name,
	)
	if err != nil {
		return fmt.Errorf("delete remote plugin %s: %w", name, err)
	}
	return nil
}

// ScopedFor returns the schema-isolated handle for a plugin as the SDK
// interface type.
func (s *PGStore) ScopedFor(pluginID string) plugin.ScopedDB {
	return s.Scoped(pluginID)
}
