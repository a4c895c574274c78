package ws

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/coreplane/coreplane/pkg/plugin"
)

func testLogger() *zap.Logger {
	return zap.NewNop()
}

func newTestClient(userID string) *Client {
	return &Client{
		conn:   nil, // Not needed for hub tests
		userID: userID,
		send:   make(chan Signal, 256),
		logger: testLogger(),
	}
}

func TestRegisterUnregister(t *testing.T) {
	hub := NewHub(testLogger())
	client := newTestClient("user-1")

	hub.Register(client)
	if hub.ClientCount() != 1 {
		t.Errorf("ClientCount() = %d, want 1", hub.ClientCount())
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", hub.ClientCount())
	}

	// Send channel closes on unregister.
	if _, ok := <-client.send; ok {
		t.Error("client.send channel is not closed")
	}

	// Double unregister and unregistering an unknown client are no-ops.
	hub.Unregister(client)
	hub.Unregister(newTestClient("user-2"))
}

func TestBroadcastReachesEveryClient(t *testing.T) {
	hub := NewHub(testLogger())

	clients := []*Client{
		newTestClient("user-1"),
		newTestClient("user-2"),
		newTestClient(""), // anonymous
	}
	for _, c := range clients {
		hub.Register(c)
	}

	hub.Broadcast(Signal{
		Type:      SignalPluginInstalled,
		Timestamp: time.Now(),
		Data:      PluginSignalData{PluginID: "monitoring-frontend"},
	})

	for i, c := range clients {
		select {
		case got := <-c.send:
			if got.Type != SignalPluginInstalled {
				t.Errorf("client %d got type %q", i, got.Type)
			}
		case <-time.After(100 * time.Millisecond):
			t.Errorf("client %d did not receive the signal", i)
		}
	}
}

func TestBroadcastDropsWhenBufferFull(t *testing.T) {
	hub := NewHub(testLogger())
	client := newTestClient("user-1")
	hub.Register(client)

	for i := 0; i < cap(client.send); i++ {
		client.send <- Signal{Type: SignalPluginInstalled}
	}

	hub.Broadcast(Signal{
		Type: SignalPluginDeregistered,
		Data: PluginSignalData{PluginID: "dropped-frontend"},
	})

	if len(client.send) != cap(client.send) {
		t.Errorf("buffer length = %d, want %d", len(client.send), cap(client.send))
	}
	got := <-client.send
	if got.Type == SignalPluginDeregistered {
		t.Error("dropped signal was unexpectedly delivered")
	}
}

func TestConcurrentRegisterBroadcast(t *testing.T) {
	hub := NewHub(testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := newTestClient("u")
			hub.Register(client)
			go func() {
				for range client.send {
				}
			}()
			time.Sleep(5 * time.Millisecond)
			hub.Unregister(client)
		}()
	}
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.Broadcast(Signal{Type: SignalPluginInstalled})
		}()
	}
	wg.Wait()
}

// fakeBus captures subscriptions and lets the test fire events directly.
type fakeBus struct {
	listeners map[plugin.Hook][]plugin.Listener
}

func newFakeBus() *fakeBus {
	return &fakeBus{listeners: make(map[plugin.Hook][]plugin.Listener)}
}

func (f *fakeBus) Subscribe(_ string, hook plugin.Hook, l plugin.Listener, _ plugin.SubscribeOptions) (func(), error) {
	f.listeners[hook] = append(f.listeners[hook], l)
	return func() {}, nil
}

func (f *fakeBus) Emit(ctx context.Context, hook plugin.Hook, payload any) error {
	raw, _ := json.Marshal(payload)
	for _, l := range f.listeners[hook] {
		_ = l(ctx, plugin.Event{Hook: hook, Source: "core", Payload: raw})
	}
	return nil
}

func (f *fakeBus) EmitLocal(ctx context.Context, hook plugin.Hook, payload any) {
	_ = f.Emit(ctx, hook, payload)
}

func (f *fakeBus) Shutdown(context.Context) error { return nil }

func TestHandlerForwardsOnlyFrontendPlugins(t *testing.T) {
	bus := newFakeBus()
	h, err := NewHandler(nil, bus, testLogger())
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	client := newTestClient("user-1")
	h.Hub().Register(client)

	ctx := context.Background()
	_ = bus.Emit(ctx, plugin.HookPluginInstalled, PluginSignalData{PluginID: "monitoring"})
	_ = bus.Emit(ctx, plugin.HookPluginInstalled, PluginSignalData{PluginID: "monitoring-frontend"})
	_ = bus.Emit(ctx, plugin.HookPluginDeregistered, PluginSignalData{PluginID: "monitoring-frontend"})

	if len(client.send) != 2 {
		t.Fatalf("got %d signals, want 2 (backend ids are filtered)", len(client.send))
	}

	first := <-client.send
	if first.Type != SignalPluginInstalled {
		t.Errorf("first signal = %q, want %q", first.Type, SignalPluginInstalled)
	}
	if data, ok := first.Data.(PluginSignalData); !ok || data.PluginID != "monitoring-frontend" {
		t.Errorf("first signal data = %#v", first.Data)
	}
	second := <-client.send
	if second.Type != SignalPluginDeregistered {
		t.Errorf("second signal = %q, want %q", second.Type, SignalPluginDeregistered)
	}
}
