package access

import (
	"context"

	"go.uber.org/zap"

	"github.com/coreplane/coreplane/pkg/plugin"
)

// Emitter is the slice of the event bus the access service uses.
type Emitter interface {
	Emit(ctx context.Context, hook plugin.Hook, payload any) error
}

// Service is the admin surface over the access data model: roles,
// users, teams, applications, onboarding. Authorization of the caller
// happens at the router; Service enforces the structural invariants
// (system roles, self-modification, the initial admin).
type Service struct {
	store    *Store
	bus      Emitter
	settings Settings
	logger   *zap.Logger

	// invalidate flushes the anonymous-rules cache after permission
	// changes that affect unauthenticated callers.
	invalidate func()
}

// NewService creates the access service.
func NewService(store *Store, bus Emitter, settings Settings, logger *zap.Logger) *Service {
	return &Service{store: store, bus: bus, settings: settings, logger: logger, invalidate: func() {}}
}

// OnAnonymousChange registers the cache-invalidation callback.
func (s *Service) OnAnonymousChange(fn func()) {
	if fn != nil {
		s.invalidate = fn
	}
}
