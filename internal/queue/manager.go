package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coreplane/coreplane/pkg/plugin"
)

// Manager dispatches jobs onto whichever backend the registry has
// selected. Backend resolution is deferred to enqueue time so queue
// plugins may register during their own Init.
type Manager struct {
	registry *Registry
}

var _ plugin.QueueManager = (*Manager)(nil)

func NewManager(registry *Registry) *Manager {
	return &Manager{registry: registry}
}

// Enqueue JSON-encodes payload and appends it to the named queue.
func (m *Manager) Enqueue(ctx context.Context, queue string, payload any) error {
	backend, ok := m.registry.Backend()
	if !ok {
		return ErrNoBackend
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode job for queue %q: %w", queue, err)
	}
	return backend.Enqueue(ctx, queue, raw)
}

// Consume attaches a handler to the named queue on the active backend.
func (m *Manager) Consume(ctx context.Context, queue string, handler func(ctx context.Context, payload []byte) error) (func(), error) {
	backend, ok := m.registry.Backend()
	if !ok {
		return nil, ErrNoBackend
	}
	return backend.Consume(ctx, queue, handler)
}
