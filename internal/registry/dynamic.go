package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/coreplane/coreplane/pkg/plugin"
)

// Dynamic install and deregistration. Both are cluster-wide operations:
// the instance serving the request broadcasts a *Requested hook; every
// instance (the requester included) reacts by loading or unloading the
// plugin locally. Plugin code ships compiled into the binary, so
// installation activates a dormant factory and records the plugin row.

// InstallPlugin requests cluster-wide activation of a compiled-in plugin
// that is not currently loaded.
func (m *Manager) InstallPlugin(ctx context.Context, name string) error {
	m.mu.RLock()
	_, hasFactory := m.factories[name]
	_, loaded := m.states[name]
	m.mu.RUnlock()

	if !hasFactory {
		return fmt.Errorf("%w: no plugin artifact for %q", plugin.ErrNotFound, name)
	}
	if loaded {
		return fmt.Errorf("%w: plugin %q is already installed", plugin.ErrBadRequest, name)
	}

	// Record first so instances joining mid-install pick the plugin up at
	// their next boot even if they miss the broadcast.
	m.mu.RLock()
	info := m.factories[name]().Info()
	m.mu.RUnlock()
	if err := m.store.InsertRemotePlugin(ctx, info); err != nil {
		return err
	}

	if err := m.bus.Emit(ctx, plugin.HookPluginInstallationRequested, hookPayload{PluginID: name}); err != nil {
		return err
	}
	return nil
}

// RequestDeregistration requests cluster-wide removal of a plugin.
// Core (non-uninstallable) plugins are refused. deleteSchema controls
// whether the plugin's schema and catalog row are dropped with it.
func (m *Manager) RequestDeregistration(ctx context.Context, name string, deleteSchema bool) error {
	m.mu.RLock()
	st, loaded := m.states[name]
	m.mu.RUnlock()

	if !loaded {
		return fmt.Errorf("%w: plugin %q is not installed", plugin.ErrNotFound, name)
	}
	if !st.info.Uninstallable {
		return fmt.Errorf("%w: %q", plugin.ErrCoreComponent, name)
	}

	payload := deregisterPayload{PluginID: name, DeleteSchema: deleteSchema}
	if err := m.bus.Emit(ctx, plugin.HookPluginDeregistrationRequested, payload); err != nil {
		return err
	}
	return nil
}

// LoadSinglePlugin runs the full lifecycle for one plugin on this
// instance: register, migrate, init, announce rules, after-ready. Used
// by the install coordinator after boot has completed.
func (m *Manager) LoadSinglePlugin(ctx context.Context, name string) error {
	m.bus.EmitLocal(ctx, plugin.HookPluginInstalling, hookPayload{PluginID: name})

	if err := m.registerOne(name); err != nil {
		return err
	}
	if err := m.initOne(ctx, name); err != nil {
		m.discardState(name)
		return err
	}

	m.mu.Lock()
	st := m.states[name]
	m.initOrder = append(m.initOrder, name)
	m.mu.Unlock()

	if st.info.Uninstallable {
		if err := m.store.InsertRemotePlugin(ctx, st.info); err != nil {
			m.logger.Error("record installed plugin failed", zap.String("plugin", name), zap.Error(err))
		}
	}

	m.announceRules(ctx, name)

	if st.hasInit && st.init.AfterPluginsReady != nil {
		env := &readyEnv{mgr: m, st: st}
		if err := st.init.AfterPluginsReady(ctx, env); err != nil {
			return fmt.Errorf("after-ready for plugin %q: %w", name, err)
		}
		st.ready = true
	}

	m.emitLifecycle(ctx, plugin.HookPluginInstalled, name)
	return nil
}

// DeregisterPlugin unloads a plugin from this instance. Order matters:
// dependents are notified first (LIFO pluginDeregistering), then the
// plugin's own cleanups run, then its registrations are withdrawn.
// dropData additionally drops the plugin schema and its catalog row.
func (m *Manager) DeregisterPlugin(ctx context.Context, name string, dropData bool) error {
	m.mu.RLock()
	st, loaded := m.states[name]
	m.mu.RUnlock()
	if !loaded {
		return fmt.Errorf("%w: plugin %q is not installed", plugin.ErrNotFound, name)
	}

	m.bus.EmitLocalLIFO(ctx, plugin.HookPluginDeregistering, hookPayload{PluginID: name})

	m.runCleanups(ctx, name)

	m.mu.Lock()
	unsubs := st.unsubs
	st.unsubs = nil
	m.mu.Unlock()
	for i := len(unsubs) - 1; i >= 0; i-- {
		unsubs[i]()
	}
	m.bus.UnsubscribePlugin(name)

	for _, ref := range st.provided {
		m.services.Remove(ref)
	}

	m.discardState(name)

	if dropData {
		if st.hasInit && st.init.CreateSchema {
			if err := m.store.DropPluginSchema(ctx, name); err != nil {
				m.logger.Error("drop plugin schema failed", zap.String("plugin", name), zap.Error(err))
			}
		}
		if err := m.store.DeleteRemotePlugin(ctx, name); err != nil {
			m.logger.Error("delete plugin row failed", zap.String("plugin", name), zap.Error(err))
		}
	}

	m.emitLifecycle(ctx, plugin.HookPluginDeregistered, name)
	return nil
}

// discardState removes a plugin's state, router, handlers, and declared
// rules from the manager's maps.
func (m *Manager) discardState(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, name)
	m.loadOrder = removeName(m.loadOrder, name)
	m.initOrder = removeName(m.initOrder, name)
}

func removeName(names []string, name string) []string {
	for i, n := range names {
		if n == name {
			return append(names[:i], names[i+1:]...)
		}
	}
	return names
}

// StartCoordination subscribes this instance to the cluster-wide install
// and deregistration broadcasts. Call once after ReadyAll.
func (m *Manager) StartCoordination() error {
	_, err := m.bus.Subscribe("core", plugin.HookPluginInstallationRequested,
		func(ctx context.Context, e plugin.Event) error {
			name, err := decodePluginID(e.Payload)
			if err != nil {
				return err
			}
			m.mu.RLock()
			_, loaded := m.states[name]
			m.mu.RUnlock()
			if loaded {
				return nil
			}
			if err := m.LoadSinglePlugin(ctx, name); err != nil {
				m.logger.Error("coordinated install failed", zap.String("plugin", name), zap.Error(err))
			}
			return nil
		},
		plugin.SubscribeOptions{Mode: plugin.ModeBroadcast},
	)
	if err != nil {
		return err
	}

	_, err = m.bus.Subscribe("core", plugin.HookPluginDeregistrationRequested,
		func(ctx context.Context, e plugin.Event) error {
			var req deregisterPayload
			if err := json.Unmarshal(e.Payload, &req); err != nil || req.PluginID == "" {
				return fmt.Errorf("decode deregistration payload: %w", err)
			}
			m.mu.RLock()
			_, loaded := m.states[req.PluginID]
			m.mu.RUnlock()
			if !loaded {
				return nil
			}
			if err := m.DeregisterPlugin(ctx, req.PluginID, req.DeleteSchema); err != nil {
				m.logger.Error("coordinated deregistration failed", zap.String("plugin", req.PluginID), zap.Error(err))
			}
			return nil
		},
		plugin.SubscribeOptions{Mode: plugin.ModeBroadcast},
	)
	return err
}

type deregisterPayload struct {
	PluginID     string `json:"pluginId"`
	DeleteSchema bool   `json:"deleteSchema"`
}

func decodePluginID(payload []byte) (string, error) {
	var p hookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("decode lifecycle payload: %w", err)
	}
	if p.PluginID == "" {
		return "", fmt.Errorf("%w: lifecycle payload missing pluginId", plugin.ErrBadRequest)
	}
	return p.PluginID, nil
}
