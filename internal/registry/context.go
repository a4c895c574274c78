package registry

import (
	"context"
	"fmt"

	"github.com/coreplane/coreplane/pkg/plugin"
)

// Server-facing views of the loaded plugin set.

// Plugins returns metadata for every loaded plugin, in load order.
func (m *Manager) Plugins() []plugin.Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]plugin.Info, 0, len(m.loadOrder))
	for _, name := range m.loadOrder {
		infos = append(infos, m.states[name].info)
	}
	return infos
}

// PluginInfo returns metadata for one loaded plugin.
func (m *Manager) PluginInfo(name string) (plugin.Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[name]
	if !ok {
		return plugin.Info{}, false
	}
	return st.info, true
}

// RouterFor returns a loaded plugin's RPC router.
func (m *Manager) RouterFor(name string) (plugin.Router, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[name]
	if !ok || st.router == nil {
		return plugin.Router{}, false
	}
	return *st.router, true
}

// HTTPHandlersFor returns a plugin's fallback HTTP handlers in
// registration order.
func (m *Manager) HTTPHandlersFor(name string) []HTTPHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[name]
	if !ok {
		return nil
	}
	return append([]HTTPHandler(nil), st.handlers...)
}

// DeclaredRules returns every access rule declared by loaded plugins,
// ids qualified, in load order.
func (m *Manager) DeclaredRules() []plugin.AccessRule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var rules []plugin.AccessRule
	for _, name := range m.loadOrder {
		rules = append(rules, m.states[name].rules...)
	}
	return rules
}

// RulesFor returns the qualified access rules one plugin declared.
func (m *Manager) RulesFor(name string) []plugin.AccessRule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[name]
	if !ok {
		return nil
	}
	return append([]plugin.AccessRule(nil), st.rules...)
}

// RequestContext assembles the per-request context for /api/<pluginId>/
// dispatch. Core services are resolved best-effort: a plugin that never
// uses the queue manager gets a nil Queue, not an error.
func (m *Manager) RequestContext(name string) (*plugin.RequestContext, error) {
	m.mu.RLock()
	st, ok := m.states[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: plugin %q", plugin.ErrNotFound, name)
	}

	rc := &plugin.RequestContext{
		Plugin: st.info,
		Logger: m.logger.Named(name),
		DB:     st.deps.DB,
		EmitHook: func(ctx context.Context, hook plugin.Hook, payload any) error {
			return m.bus.EmitFrom(ctx, name, hook, payload)
		},
	}

	if impl, err := m.services.Get(plugin.ServiceAuth, st.info); err == nil {
		rc.Auth, _ = impl.(plugin.AuthView)
	}
	if impl, err := m.services.Get(plugin.ServiceFetch, st.info); err == nil {
		rc.Fetch, _ = impl.(plugin.FetchClient)
	}
	if impl, err := m.services.Get(plugin.ServiceHealth, st.info); err == nil {
		rc.Health, _ = impl.(plugin.HealthRegistry)
	}
	if impl, err := m.services.Get(plugin.ServiceQueueRegistry, st.info); err == nil {
		rc.QueueReg, _ = impl.(plugin.QueuePluginRegistry)
	}
	if impl, err := m.services.Get(plugin.ServiceQueueManager, st.info); err == nil {
		rc.Queue, _ = impl.(plugin.QueueManager)
	}
	return rc, nil
}
