// Package queue implements the job-queue services: a backend registry
// that queue plugins register implementations with, and a manager that
// dispatches jobs onto the selected backend. Providers of the registry
// service are initialized before any consumer of the manager service,
// so a backend is always chosen before first use.
package queue

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/coreplane/coreplane/pkg/plugin"
)

// ErrNoBackend reports an enqueue before any queue backend registered.
var ErrNoBackend = errors.New("no queue backend registered")

// Registry collects queue backends offered by queue plugins. The first
// registered backend is the active one; later registrations are kept by
// name but only warn, matching last-wins-would-surprise semantics for
// job durability.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]plugin.QueueBackend
	active   string
	logger   *zap.Logger
}

var _ plugin.QueuePluginRegistry = (*Registry)(nil)

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		backends: make(map[string]plugin.QueueBackend),
		logger:   logger,
	}
}

// RegisterBackend offers a backend under a name. The first backend
// becomes active.
func (r *Registry) RegisterBackend(name string, backend plugin.QueueBackend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.backends[name]; dup {
		r.logger.Warn("queue backend re-registered", zap.String("backend", name))
	}
	r.backends[name] = backend
	if r.active == "" {
		r.active = name
		r.logger.Info("queue backend selected", zap.String("backend", name))
	}
}

// Backend returns the active backend, if any.
func (r *Registry) Backend() (plugin.QueueBackend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[r.active]
	return b, ok
}

// Select switches the active backend by name. Used when configuration
// names a preferred backend explicitly.
func (r *Registry) Select(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[name]; !ok {
		return false
	}
	r.active = name
	return true
}
