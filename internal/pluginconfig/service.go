package pluginconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coreplane/coreplane/pkg/plugin"
)

// ErrNotFound reports a missing (pluginId, configId) pair.
var ErrNotFound = errors.New("plugin config not found")

// API is the scoped view a plugin resolves through core.pluginConfig.
type API interface {
	// Get loads a config blob into target and returns its version.
	Get(ctx context.Context, configID string, target any) (int, error)

	// Set stores a config blob, sealing the values at secretPaths, and
	// returns the new version.
	Set(ctx context.Context, configID string, value any, secretPaths ...string) (int, error)

	// Delete removes a config blob. Idempotent.
	Delete(ctx context.Context, configID string) error
}

// Service owns the plugin_config table and hands out per-plugin views.
type Service struct {
	pool  *pgxpool.Pool
	codec *Codec
}

// NewService creates the service. secret configures encryption at rest.
func NewService(pool *pgxpool.Pool, secret string) (*Service, error) {
	codec, err := NewCodec(secret)
	if err != nil {
		return nil, err
	}
	return &Service{pool: pool, codec: codec}, nil
}

// For returns the view scoped to one plugin. Registered as the
// core.pluginConfig service factory.
func (s *Service) For(pluginID string) API {
	return &scoped{svc: s, pluginID: pluginID}
}

type scoped struct {
	svc      *Service
	pluginID string
}

var _ API = (*scoped)(nil)

func (v *scoped) Get(ctx context.Context, configID string, target any) (int, error) {
	var payload []byte
	var version int
	err := v.svc.pool.QueryRow(ctx,
		"SELECT payload, version FROM plugin_config WHERE plugin_id = $1 AND config_id = $2",
		v.pluginID, configID,
	).Scan(&payload, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("load config %s/%s: %w", v.pluginID, configID, err)
	}

	doc := make(map[string]any)
	if err := json.Unmarshal(payload, &doc); err != nil {
		return 0, fmt.Errorf("decode config %s/%s: %w", v.pluginID, configID, err)
	}
	if err := unsealAll(doc, v.svc.codec); err != nil {
		return 0, fmt.Errorf("unseal config %s/%s: %w", v.pluginID, configID, err)
	}
	opened, err := json.Marshal(doc)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(opened, target); err != nil {
		return 0, fmt.Errorf("decode config %s/%s into %T: %w", v.pluginID, configID, target, err)
	}
	return version, nil
}

func (v *scoped) Set(ctx context.Context, configID string, value any, secretPaths ...string) (int, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("encode config %s/%s: %w", v.pluginID, configID, err)
	}
	doc := make(map[string]any)
	if err := json.Unmarshal(raw, &doc); err != nil {
		return 0, fmt.Errorf("config %s/%s is not a JSON object: %w", v.pluginID, configID, err)
	}
	if err := transformPaths(doc, secretPaths, v.svc.codec.EncryptString); err != nil {
		return 0, err
	}
	sealed, err := json.Marshal(doc)
	if err != nil {
		return 0, err
	}

	var version int
	err = v.svc.pool.QueryRow(ctx, `
		INSERT INTO plugin_config (plugin_id, config_id, version, payload)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (plugin_id, config_id) DO UPDATE
			SET payload = EXCLUDED.payload,
			    version = plugin_config.version + 1,
			    updated_at = now()
		RETURNING version`,
		v.pluginID, configID, sealed,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("store config %s/%s: %w", v.pluginID, configID, err)
	}
	return version, nil
}

func (v *scoped) Delete(ctx context.Context, configID string) error {
	_, err := v.svc.pool.Exec(ctx,
		"DELETE FROM plugin_config WHERE plugin_id = $1 AND config_id = $2",
		v.pluginID, configID,
	)
	if err != nil {
		return fmt.Errorf("delete config %s/%s: %w", v.pluginID, configID, err)
	}
	return nil
}

// unsealAll walks the document and opens every marked value, wherever
// it sits. Write-time knows the secret paths; read-time does not need
// to because sealed values are self-describing.
func unsealAll(node any, codec *Codec) error {
	switch v := node.(type) {
	case map[string]any:
		for key, child := range v {
			if s, ok := child.(string); ok {
				if IsEncrypted(s) {
					plain, err := codec.DecryptString(s)
					if err != nil {
						return err
					}
					v[key] = plain
				}
				continue
			}
			if err := unsealAll(child, codec); err != nil {
				return err
			}
		}
	case []any:
		for i, item := range v {
			if s, ok := item.(string); ok {
				if IsEncrypted(s) {
					plain, err := codec.DecryptString(s)
					if err != nil {
						return err
					}
					v[i] = plain
				}
				continue
			}
			if err := unsealAll(item, codec); err != nil {
				return err
			}
		}
	}
	return nil
}

// Register wires the service into the plugin environment as the
// core.pluginConfig factory.
func (s *Service) Register(env plugin.RegisterEnv) {
	env.ProvideServiceFactory(plugin.ServicePluginConfig, func(requester plugin.Info) (any, error) {
		return s.For(requester.Name), nil
	})
}
