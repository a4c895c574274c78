package registry

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/coreplane/coreplane/pkg/plugin"
)

// ExtensionPoints lets consumer plugins call into provider plugins whose
// init order is not fixed. Get always returns a proxy; calls made before
// the provider registers are buffered in arrival order and replayed into
// the implementation when it arrives. Extension points live for the
// process; there is no deregistration.
type ExtensionPoints struct {
	mu     sync.Mutex
	points map[plugin.ExtensionPointRef]*extEntry
	logger *zap.Logger
}

type extEntry struct {
	impl   plugin.ExtensionPoint
	buffer []bufferedCall
}

type bufferedCall struct {
	method string
	args   []any
}

// NewExtensionPoints creates an empty extension-point manager.
func NewExtensionPoints(logger *zap.Logger) *ExtensionPoints {
	return &ExtensionPoints{
		points: make(map[plugin.ExtensionPointRef]*extEntry),
		logger: logger,
	}
}

// Get returns the proxy for ref, creating the buffer on first use.
func (e *ExtensionPoints) Get(ref plugin.ExtensionPointRef) plugin.ExtensionPoint {
	e.mu.Lock()
	if _, ok := e.points[ref]; !ok {
		e.points[ref] = &extEntry{}
	}
	e.mu.Unlock()
	return &extProxy{mgr: e, ref: ref}
}

// Register installs the implementation behind ref and replays buffered
// calls in arrival order. Re-registration is last-write-wins with a
// warning.
func (e *ExtensionPoints) Register(ref plugin.ExtensionPointRef, impl plugin.ExtensionPoint) {
	e.mu.Lock()
	entry, ok := e.points[ref]
	if !ok {
		entry = &extEntry{}
		e.points[ref] = entry
	}
	if entry.impl != nil {
		e.logger.Warn("extension point re-registered, last write wins", zap.String("ref", string(ref)))
	}
	entry.impl = impl
	buffered := entry.buffer
	entry.buffer = nil
	e.mu.Unlock()

	// Replay outside the lock; the buffered callers have already returned.
	for _, call := range buffered {
		if err := impl.Invoke(context.Background(), call.method, call.args...); err != nil {
			e.logger.Warn("buffered extension call failed on replay",
				zap.String("ref", string(ref)),
				zap.String("method", call.method),
				zap.Error(err),
			)
		}
	}
}

// extProxy forwards to the implementation when present, buffers otherwise.
type extProxy struct {
	mgr *ExtensionPoints
	ref plugin.ExtensionPointRef
}

func (p *extProxy) Invoke(ctx context.Context, method string, args ...any) error {
	p.mgr.mu.Lock()
	entry := p.mgr.points[p.ref]
	if entry.impl == nil {
		entry.buffer = append(entry.buffer, bufferedCall{method: method, args: args})
		p.mgr.mu.Unlock()
		return nil
	}
	impl := entry.impl
	p.mgr.mu.Unlock()

	return impl.Invoke(ctx, method, args...)
}
