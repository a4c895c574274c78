package registry

import (
	"context"
	"sync"

	"github.com/coreplane/coreplane/pkg/plugin"
)

// HealthChecks collects named health checks from every plugin. Each
// plugin sees a scoped view that prefixes check names with its id, so
// two plugins can both register a "db" check.
type HealthChecks struct {
	mu     sync.RWMutex
	checks map[string]plugin.HealthCheck
}

// NewHealthChecks creates an empty health-check collection.
func NewHealthChecks() *HealthChecks {
	return &HealthChecks{checks: make(map[string]plugin.HealthCheck)}
}

// For returns the scoped registry handed to one plugin.
func (h *HealthChecks) For(pluginID string) plugin.HealthRegistry {
	return &scopedHealth{global: h, prefix: pluginID + "."}
}

// Run executes every registered check and returns results by qualified
// name. A nil map value means the check passed.
func (h *HealthChecks) Run(ctx context.Context) map[string]error {
	h.mu.RLock()
	checks := make(map[string]plugin.HealthCheck, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.RUnlock()

	results := make(map[string]error, len(checks))
	for name, check := range checks {
		results[name] = check(ctx)
	}
	return results
}

func (h *HealthChecks) register(name string, check plugin.HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// DropPlugin removes every check a plugin registered.
func (h *HealthChecks) DropPlugin(pluginID string) {
	prefix := pluginID + "."
	h.mu.Lock()
	defer h.mu.Unlock()
	for name := range h.checks {
		if len(name) > len(prefix) && name[:len(prefix)] == prefix {
			delete(h.checks, name)
		}
	}
}

type scopedHealth struct {
	global *HealthChecks
	prefix string
}

var _ plugin.HealthRegistry = (*scopedHealth)(nil)

func (s *scopedHealth) RegisterCheck(name string, check plugin.HealthCheck) {
	s.global.register(s.prefix+name, check)
}

func (s *scopedHealth) Run(ctx context.Context) map[string]error {
	all := s.global.Run(ctx)
	own := make(map[string]error)
	for name, err := range all {
		if len(name) > len(s.prefix) && name[:len(s.prefix)] == s.prefix {
			own[name[len(s.prefix):]] = err
		}
	}
	return own
}
