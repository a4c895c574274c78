// Package bus implements the plugin.EventBus interface over a Redis
// broker. Work-queue and broadcast subscriptions are backed by Redis
// Streams consumer groups; instance-local subscriptions never leave the
// process.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/coreplane/coreplane/pkg/plugin"
)

// Compile-time interface guard.
var _ plugin.EventBus = (*Bus)(nil)

const (
	streamPrefix      = "coreplane:hooks:"
	defaultMaxRetries = 5
	connectTimeout    = 5 * time.Second
	readBlock         = 5 * time.Second
)

// Options configures the bus.
type Options struct {
	// InstanceID tags this process's broadcast consumer groups. Defaults
	// to a random id per process.
	InstanceID string

	// MaxRetries bounds work-queue redelivery when a listener errors.
	MaxRetries int

	// ConnectRetries bounds startup connection attempts before giving up
	// with ErrBrokerUnavailable.
	ConnectRetries int
}

// Bus is the Redis-backed event bus.
type Bus struct {
	rdb        *redis.Client
	instanceID string
	maxRetries int
	logger     *zap.Logger

	mu      sync.Mutex
	local   map[plugin.Hook][]localEntry
	nextID  uint64
	groups  map[string]bool    // "<hook>|<group>" pairs with a live worker
	cancels map[uint64]func()  // worker id -> stop
	closed  bool

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup
}

type localEntry struct {
	id       uint64
	pluginID string
	listener plugin.Listener
}

// New connects to the broker and returns a ready bus. The connection is
// retried with backoff (queue initialization retries at startup); a
// broker that never answers yields ErrBrokerUnavailable.
func New(ctx context.Context, rdb *redis.Client, opts Options, logger *zap.Logger) (*Bus, error) {
	if opts.InstanceID == "" {
		opts.InstanceID = fmt.Sprintf("inst-%d", time.Now().UnixNano())
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	retries := opts.ConnectRetries
	if retries <= 0 {
		retries = 3
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		lastErr = rdb.Ping(pingCtx).Err()
		cancel()
		if lastErr == nil {
			break
		}
		logger.Warn("broker connection failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * time.Second):
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", plugin.ErrBrokerUnavailable, lastErr)
	}

	baseCtx, cancelBase := context.WithCancel(context.Background())
	return &Bus{
		rdb:        rdb,
		instanceID: opts.InstanceID,
		maxRetries: opts.MaxRetries,
		logger:     logger,
		local:      make(map[plugin.Hook][]localEntry),
		groups:     make(map[string]bool),
		cancels:    make(map[uint64]func()),
		baseCtx:    baseCtx,
		cancelBase: cancelBase,
	}, nil
}

// InstanceID returns the process-instance tag used for broadcast groups.
func (b *Bus) InstanceID() string {
	return b.instanceID
}

// Subscribe registers a listener under the requested delivery mode.
func (b *Bus) Subscribe(pluginID string, hook plugin.Hook, listener plugin.Listener, opts plugin.SubscribeOptions) (func(), error) {
	switch opts.Mode {
	case plugin.ModeLocal:
		return b.subscribeLocal(pluginID, hook, listener), nil
	case plugin.ModeWorkQueue:
		if opts.WorkerGroup == "" {
			return nil, fmt.Errorf("%w: work-queue subscription for %q requires a worker group", plugin.ErrInvalidConfig, hook)
		}
		group := pluginID + "." + opts.WorkerGroup
		return b.subscribeStream(hook, group, listener, opts.MaxRetries, false)
	case plugin.ModeBroadcast:
		// Each subscriber gets a unique consumer group tagged with the
		// process instance so every instance sees every event.
		b.mu.Lock()
		b.nextID++
		id := b.nextID
		b.mu.Unlock()
		group := fmt.Sprintf("%s.bcast.%d.%s", pluginID, id, b.instanceID)
		return b.subscribeStream(hook, group, listener, opts.MaxRetries, true)
	default:
		return nil, fmt.Errorf("%w: unknown delivery mode %d", plugin.ErrInvalidConfig, opts.Mode)
	}
}

// Emit enqueues an event on the broker and returns once persisted.
func (b *Bus) Emit(ctx context.Context, hook plugin.Hook, payload any) error {
	return b.EmitFrom(ctx, "core", hook, payload)
}

// EmitFrom enqueues an event with an explicit source plugin id.
func (b *Bus) EmitFrom(ctx context.Context, source string, hook plugin.Hook, payload any) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: bus is shut down", plugin.ErrBrokerUnavailable)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %q: %w", hook, err)
	}

	err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamPrefix + string(hook),
		Values: map[string]any{
			"source":  source,
			"ts":      time.Now().UTC().Format(time.RFC3339Nano),
			"payload": string(raw),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: emit %q: %v", plugin.ErrBrokerUnavailable, hook, err)
	}
	return nil
}

// EmitLocal dispatches synchronously in-process. Every listener runs;
// failures and panics are logged and never propagate to the emitter.
func (b *Bus) EmitLocal(ctx context.Context, hook plugin.Hook, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("marshal local payload failed", zap.String("hook", string(hook)), zap.Error(err))
		return
	}
	event := plugin.Event{Hook: hook, Source: "core", Timestamp: time.Now().UTC(), Payload: raw}

	b.mu.Lock()
	entries := make([]localEntry, len(b.local[hook]))
	copy(entries, b.local[hook])
	b.mu.Unlock()

	for _, e := range entries {
		b.safeCall(ctx, e, event)
	}
}

// EmitLocalLIFO dispatches like EmitLocal but in reverse registration
// order. Used for pluginDeregistering so dependents clean up before the
// plugins they depend on.
func (b *Bus) EmitLocalLIFO(ctx context.Context, hook plugin.Hook, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("marshal local payload failed", zap.String("hook", string(hook)), zap.Error(err))
		return
	}
	event := plugin.Event{Hook: hook, Source: "core", Timestamp: time.Now().UTC(), Payload: raw}

	b.mu.Lock()
	entries := make([]localEntry, len(b.local[hook]))
	copy(entries, b.local[hook])
	b.mu.Unlock()

	for i := len(entries) - 1; i >= 0; i-- {
		b.safeCall(ctx, entries[i], event)
	}
}

// UnsubscribePlugin drops every subscription a plugin holds. Called by
// the lifecycle manager during deregistration.
func (b *Bus) UnsubscribePlugin(pluginID string) {
	b.mu.Lock()
	for hook, entries := range b.local {
		kept := entries[:0]
		for _, e := range entries {
			if e.pluginID != pluginID {
				kept = append(kept, e)
			}
		}
		b.local[hook] = kept
	}
	b.mu.Unlock()
}

// Shutdown stops every worker and closes the broker connection. Further
// emits fail with ErrBrokerUnavailable.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancelBase()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return b.rdb.Close()
}

func (b *Bus) subscribeLocal(pluginID string, hook plugin.Hook, listener plugin.Listener) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.local[hook] = append(b.local[hook], localEntry{id: id, pluginID: pluginID, listener: listener})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.local[hook]
		for i, e := range entries {
			if e.id == id {
				b.local[hook] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

func (b *Bus) subscribeStream(hook plugin.Hook, group string, listener plugin.Listener, maxRetries int, ephemeral bool) (func(), error) {
	key := string(hook) + "|" + group

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: bus is shut down", plugin.ErrBrokerUnavailable)
	}
	if b.groups[key] {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: worker group %q already registered for %q", plugin.ErrInvalidConfig, group, hook)
	}
	b.groups[key] = true
	b.nextID++
	workerID := b.nextID
	b.mu.Unlock()

	stream := streamPrefix + string(hook)

	// Channels are created lazily on first use; MKSTREAM creates the
	// stream together with the group.
	err := b.rdb.XGroupCreateMkStream(b.baseCtx, stream, group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		b.mu.Lock()
		delete(b.groups, key)
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: create group %q: %v", plugin.ErrBrokerUnavailable, group, err)
	}

	if maxRetries <= 0 {
		maxRetries = b.maxRetries
	}

	workerCtx, cancel := context.WithCancel(b.baseCtx)
	b.mu.Lock()
	b.cancels[workerID] = cancel
	b.mu.Unlock()

	w := &worker{
		bus:        b,
		stream:     stream,
		group:      group,
		consumer:   b.instanceID,
		hook:       hook,
		listener:   listener,
		maxRetries: maxRetries,
		logger: b.logger.With(
			zap.String("hook", string(hook)),
			zap.String("group", group),
		),
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		w.run(workerCtx)
	}()

	unsubscribe := func() {
		b.mu.Lock()
		if c, ok := b.cancels[workerID]; ok {
			c()
			delete(b.cancels, workerID)
		}
		delete(b.groups, key)
		b.mu.Unlock()

		// Releasing the last consumer of an ephemeral (broadcast) group
		// removes the group so the stream can be trimmed.
		if ephemeral {
			cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), connectTimeout)
			defer cancelCleanup()
			_ = b.rdb.XGroupDestroy(cleanupCtx, stream, group).Err()
		}
	}
	return unsubscribe, nil
}

func (b *Bus) safeCall(ctx context.Context, e localEntry, event plugin.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("local listener panicked",
				zap.String("hook", string(event.Hook)),
				zap.String("plugin", e.pluginID),
				zap.Any("panic", r),
			)
		}
	}()
	if err := e.listener(ctx, event); err != nil {
		b.logger.Warn("local listener failed",
			zap.String("hook", string(event.Hook)),
			zap.String("plugin", e.pluginID),
			zap.Error(err),
		)
	}
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}
