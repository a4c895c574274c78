package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/coreplane/coreplane/internal/version"
	"github.com/coreplane/coreplane/pkg/plugin"
)

// Module is the core queue plugin. It provides the backend registry and
// the manager; concrete backends come from backend plugins such as
// queue-redis.
type Module struct {
	registry *Registry
	manager  *Manager
	cfg      plugin.Config
	log      *zap.Logger
}

var _ plugin.Plugin = (*Module)(nil)

func NewModule(logger *zap.Logger) *Module {
	registry := NewRegistry(logger)
	return &Module{
		registry: registry,
		manager:  NewManager(registry),
		log:      logger,
	}
}

func (m *Module) Info() plugin.Info {
	return plugin.Info{
		Name:        "queue",
		Type:        plugin.TypeCommon,
		Version:     version.Short(),
		Description: "Job queue manager and backend registry",
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (m *Module) Register(env plugin.RegisterEnv) error {
	env.ProvideService(plugin.ServiceQueueRegistry, m.registry)
	env.ProvideService(plugin.ServiceQueueManager, m.manager)
	env.RequestInit(plugin.InitRequest{
		Init: func(_ context.Context, deps plugin.Dependencies) error {
			m.cfg = deps.Config
			return nil
		},
		// Backend plugins register during their own Init, which the
		// registry dependency orders after this module. By Phase 3 every
		// backend is present, so the configured preference can apply.
		AfterPluginsReady: m.selectConfiguredBackend,
	})
	return nil
}

// selectConfiguredBackend honors the "backend" key of the queue plugin
// config. An unset key keeps the first registered backend; an unknown
// name is logged and the active backend kept, so a typo degrades rather
// than drops jobs.
func (m *Module) selectConfiguredBackend(context.Context, plugin.ReadyEnv) error {
	if m.cfg == nil {
		return nil
	}
	name := m.cfg.GetString("backend")
	if name == "" {
		return nil
	}
	if !m.registry.Select(name) {
		m.log.Warn("configured queue backend not registered, keeping active backend",
			zap.String("backend", name))
	}
	return nil
}

// Registry exposes the backend registry for core request plumbing.
func (m *Module) Registry() *Registry { return m.registry }

// Manager exposes the queue manager for core request plumbing.
func (m *Module) Manager() *Manager { return m.manager }

// RedisModule is the built-in Redis queue backend plugin. It depends on
// the registry service, so it initializes after the queue module and
// before any consumer of the manager.
type RedisModule struct {
	rdb     *redis.Client
	backend *RedisBackend
}

var _ plugin.Plugin = (*RedisModule)(nil)

func NewRedisModule(rdb *redis.Client) *RedisModule {
	return &RedisModule{rdb: rdb}
}

func (m *RedisModule) Info() plugin.Info {
	return plugin.Info{
		Name:        "queue-redis",
		Type:        plugin.TypeBackend,
		Version:     version.Short(),
		Description: "Redis-backed queue backend",
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (m *RedisModule) Register(env plugin.RegisterEnv) error {
	env.RequestInit(plugin.InitRequest{
		Dependencies: []plugin.ServiceRef{plugin.ServiceQueueRegistry},
		Init: func(ctx context.Context, deps plugin.Dependencies) error {
			svc, ok := deps.Service(plugin.ServiceQueueRegistry)
			if !ok {
				return fmt.Errorf("%w: %s", plugin.ErrUnknownService, plugin.ServiceQueueRegistry)
			}
			registry, ok := svc.(plugin.QueuePluginRegistry)
			if !ok {
				return fmt.Errorf("service %s has unexpected type %T", plugin.ServiceQueueRegistry, svc)
			}
			m.backend = NewRedisBackend(m.rdb, deps.Logger)
			registry.RegisterBackend("redis", m.backend)
			return nil
		},
	})
	env.OnCleanup(func(ctx context.Context) error {
		if m.backend != nil {
			m.backend.Close()
		}
		return nil
	})
	return nil
}
