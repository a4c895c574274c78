// Package registry manages the plugin lifecycle: service resolution,
// extension-point proxies, discovery, dependency-ordered initialization,
// request-context assembly, and dynamic install/uninstall coordination.
package registry

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/coreplane/coreplane/pkg/plugin"
)

// Services resolves typed service references to implementations. Two
// registration shapes exist: global singletons and per-plugin factories.
// Factories are tried before singletons so a scoped view can shadow a
// global default.
type Services struct {
	mu         sync.RWMutex
	singletons map[plugin.ServiceRef]any
	factories  map[plugin.ServiceRef]plugin.ServiceFactory
	logger     *zap.Logger
}

// NewServices creates an empty service registry.
func NewServices(logger *zap.Logger) *Services {
	return &Services{
		singletons: make(map[plugin.ServiceRef]any),
		factories:  make(map[plugin.ServiceRef]plugin.ServiceFactory),
		logger:     logger,
	}
}

// Register installs a global singleton returned to every caller.
func (s *Services) Register(ref plugin.ServiceRef, impl any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.singletons[ref]; exists {
		s.logger.Warn("service singleton re-registered, last write wins", zap.String("ref", string(ref)))
	}
	s.singletons[ref] = impl
}

// RegisterFactory installs a factory invoked on every Get with the
// requesting plugin's metadata. Factories must be idempotent for the
// same plugin; implementations memoize internally where a single shared
// instance is required.
func (s *Services) RegisterFactory(ref plugin.ServiceRef, factory plugin.ServiceFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.factories[ref]; exists {
		s.logger.Warn("service factory re-registered, last write wins", zap.String("ref", string(ref)))
	}
	s.factories[ref] = factory
}

// Get resolves a reference for the requesting plugin. Factories are
// tried before singletons.
func (s *Services) Get(ref plugin.ServiceRef, requester plugin.Info) (any, error) {
	s.mu.RLock()
	factory, hasFactory := s.factories[ref]
	singleton, hasSingleton := s.singletons[ref]
	s.mu.RUnlock()

	if hasFactory {
		impl, err := factory(requester)
		if err != nil {
			return nil, fmt.Errorf("service factory %q for plugin %q: %w", ref, requester.Name, err)
		}
		return impl, nil
	}
	if hasSingleton {
		return singleton, nil
	}
	return nil, fmt.Errorf("%w: %q (requested by %q)", plugin.ErrUnknownService, ref, requester.Name)
}

// Has reports whether any registration exists for ref.
func (s *Services) Has(ref plugin.ServiceRef) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, f := s.factories[ref]
	_, g := s.singletons[ref]
	return f || g
}

// Remove drops both registration shapes for ref. Used when a plugin that
// provided the service is deregistered.
func (s *Services) Remove(ref plugin.ServiceRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.singletons, ref)
	delete(s.factories, ref)
}
