package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/coreplane/coreplane/internal/config"
	"github.com/coreplane/coreplane/pkg/plugin"
)

// fakeStore records lifecycle persistence calls without a database.
type fakeStore struct {
	mu        sync.Mutex
	migrated  []string
	dropped   []string
	upserted  []string
	inserted  []string
	deleted   []string
	enabled   []plugin.Info
}

func (f *fakeStore) MigratePlugin(_ context.Context, pluginID string, _ []plugin.Migration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.migrated = append(f.migrated, pluginID)
	return nil
}

func (f *fakeStore) DropPluginSchema(_ context.Context, pluginID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, pluginID)
	return nil
}

func (f *fakeStore) ScopedFor(string) plugin.ScopedDB { return nil }

func (f *fakeStore) UpsertLocalPlugin(_ context.Context, info plugin.Info) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted = append(f.upserted, info.Name)
	return nil
}

func (f *fakeStore) InsertRemotePlugin(_ context.Context, info plugin.Info) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, info.Name)
	return nil
}

func (f *fakeStore) EnabledPlugins(context.Context) ([]plugin.Info, error) {
	return f.enabled, nil
}

func (f *fakeStore) DeleteRemotePlugin(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, name)
	return nil
}

// fakeBroker dispatches local emits synchronously and records broker
// emits instead of talking to Redis.
type fakeBroker struct {
	mu      sync.Mutex
	local   map[plugin.Hook][]fakeSub
	emitted []plugin.Hook
}

type fakeSub struct {
	pluginID string
	listener plugin.Listener
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{local: make(map[plugin.Hook][]fakeSub)}
}

func (f *fakeBroker) Subscribe(pluginID string, hook plugin.Hook, listener plugin.Listener, _ plugin.SubscribeOptions) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.local[hook] = append(f.local[hook], fakeSub{pluginID: pluginID, listener: listener})
	return func() {}, nil
}

func (f *fakeBroker) Emit(ctx context.Context, hook plugin.Hook, payload any) error {
	return f.EmitFrom(ctx, "core", hook, payload)
}

func (f *fakeBroker) EmitFrom(_ context.Context, _ string, hook plugin.Hook, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, hook)
	return nil
}

func (f *fakeBroker) EmitLocal(ctx context.Context, hook plugin.Hook, _ any) {
	f.mu.Lock()
	subs := append([]fakeSub(nil), f.local[hook]...)
	f.mu.Unlock()
	for _, s := range subs {
		_ = s.listener(ctx, plugin.Event{Hook: hook, Source: "core"})
	}
}

func (f *fakeBroker) EmitLocalLIFO(ctx context.Context, hook plugin.Hook, _ any) {
	f.mu.Lock()
	subs := append([]fakeSub(nil), f.local[hook]...)
	f.mu.Unlock()
	for i := len(subs) - 1; i >= 0; i-- {
		_ = subs[i].listener(ctx, plugin.Event{Hook: hook, Source: "core"})
	}
}

func (f *fakeBroker) UnsubscribePlugin(pluginID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for hook, subs := range f.local {
		kept := subs[:0]
		for _, s := range subs {
			if s.pluginID != pluginID {
				kept = append(kept, s)
			}
		}
		f.local[hook] = kept
	}
}

func (f *fakeBroker) Shutdown(context.Context) error { return nil }

func (f *fakeBroker) hookCount(hook plugin.Hook) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, h := range f.emitted {
		if h == hook {
			n++
		}
	}
	return n
}

// testPlugin is a configurable plugin for lifecycle tests.
type testPlugin struct {
	info     plugin.Info
	register func(env plugin.RegisterEnv) error
}

func (p *testPlugin) Info() plugin.Info { return p.info }

func (p *testPlugin) Register(env plugin.RegisterEnv) error {
	if p.register != nil {
		return p.register(env)
	}
	return nil
}

func newTestPlugin(name string, register func(env plugin.RegisterEnv) error) PluginFactory {
	return func() plugin.Plugin {
		return &testPlugin{
			info: plugin.Info{
				Name:       name,
				Type:       plugin.TypeBackend,
				Version:    "1.0.0",
				APIVersion: plugin.APIVersionCurrent,
			},
			register: register,
		}
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeStore, *fakeBroker) {
	t.Helper()
	st := &fakeStore{}
	br := newFakeBroker()
	m := NewManager(st, br, config.New(nil), zap.NewNop())
	return m, st, br
}

func bootAll(t *testing.T, m *Manager) {
	t.Helper()
	ctx := context.Background()
	names, err := m.Discover(ctx)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if err := m.RegisterAll(names); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	if err := m.InitAll(ctx); err != nil {
		t.Fatalf("InitAll: %v", err)
	}
	if err := m.ReadyAll(ctx); err != nil {
		t.Fatalf("ReadyAll: %v", err)
	}
}

func TestInitAll_ProvidersBeforeConsumers(t *testing.T) {
	m, _, _ := newTestManager(t)

	var order []string
	record := func(name string) func(context.Context, plugin.Dependencies) error {
		return func(context.Context, plugin.Dependencies) error {
			order = append(order, name)
			return nil
		}
	}

	// Registered consumer-first; init must still run the provider first.
	m.RegisterBuiltin(newTestPlugin("consumer", func(env plugin.RegisterEnv) error {
		env.RequestInit(plugin.InitRequest{
			Dependencies: []plugin.ServiceRef{"provider.svc"},
			Init:         record("consumer"),
		})
		return nil
	}))
	m.RegisterBuiltin(newTestPlugin("provider", func(env plugin.RegisterEnv) error {
		env.ProvideService("provider.svc", "impl")
		env.RequestInit(plugin.InitRequest{Init: record("provider")})
		return nil
	}))

	bootAll(t, m)

	if len(order) != 2 || order[0] != "provider" || order[1] != "consumer" {
		t.Errorf("init order = %v, want [provider consumer]", order)
	}
}

func TestInitAll_CycleIsFatal(t *testing.T) {
	m, _, _ := newTestManager(t)

	m.RegisterBuiltin(newTestPlugin("a", func(env plugin.RegisterEnv) error {
		env.ProvideService("a.svc", "a")
		env.RequestInit(plugin.InitRequest{Dependencies: []plugin.ServiceRef{"b.svc"}})
		return nil
	}))
	m.RegisterBuiltin(newTestPlugin("b", func(env plugin.RegisterEnv) error {
		env.ProvideService("b.svc", "b")
		env.RequestInit(plugin.InitRequest{Dependencies: []plugin.ServiceRef{"a.svc"}})
		return nil
	}))

	ctx := context.Background()
	names, _ := m.Discover(ctx)
	if err := m.RegisterAll(names); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	err := m.InitAll(ctx)
	if !errors.Is(err, plugin.ErrDependencyCycle) {
		t.Errorf("InitAll error = %v, want ErrDependencyCycle", err)
	}
}

func TestInitAll_QueueProviderBeforeQueueConsumer(t *testing.T) {
	m, _, _ := newTestManager(t)

	var order []string
	record := func(name string) func(context.Context, plugin.Dependencies) error {
		return func(context.Context, plugin.Dependencies) error {
			order = append(order, name)
			return nil
		}
	}

	m.Services().Register(plugin.ServiceQueueManager, struct{}{})

	m.RegisterBuiltin(newTestPlugin("enqueuer", func(env plugin.RegisterEnv) error {
		env.RequestInit(plugin.InitRequest{
			Dependencies: []plugin.ServiceRef{plugin.ServiceQueueManager},
			Init:         record("enqueuer"),
		})
		return nil
	}))
	m.RegisterBuiltin(newTestPlugin("redis-queue", func(env plugin.RegisterEnv) error {
		env.ProvideService(plugin.ServiceQueueRegistry, struct{}{})
		env.RequestInit(plugin.InitRequest{Init: record("redis-queue")})
		return nil
	}))

	bootAll(t, m)

	if len(order) != 2 || order[0] != "redis-queue" || order[1] != "enqueuer" {
		t.Errorf("init order = %v, want [redis-queue enqueuer]", order)
	}
}

func TestInitAll_MissingDependencyIsUnknownService(t *testing.T) {
	m, _, _ := newTestManager(t)

	m.RegisterBuiltin(newTestPlugin("lonely", func(env plugin.RegisterEnv) error {
		env.RequestInit(plugin.InitRequest{Dependencies: []plugin.ServiceRef{"nobody.provides"}})
		return nil
	}))

	ctx := context.Background()
	names, _ := m.Discover(ctx)
	if err := m.RegisterAll(names); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	err := m.InitAll(ctx)
	if !errors.Is(err, plugin.ErrUnknownService) {
		t.Errorf("InitAll error = %v, want ErrUnknownService", err)
	}
}

func TestInitAll_UndeclaredRouterRuleIsFatal(t *testing.T) {
	m, _, _ := newTestManager(t)

	m.RegisterBuiltin(newTestPlugin("sloppy", func(env plugin.RegisterEnv) error {
		env.RegisterAccessRules(plugin.AccessRule{ID: "read"})
		env.RegisterRouter(plugin.Router{Procedures: []plugin.Procedure{
			{Name: "list", AccessRules: []string{"read"}},
			{Name: "purge", AccessRules: []string{"admin"}}, // never declared
		}})
		return nil
	}))

	ctx := context.Background()
	names, _ := m.Discover(ctx)
	if err := m.RegisterAll(names); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	err := m.InitAll(ctx)
	if !errors.Is(err, plugin.ErrUnregisteredRule) {
		t.Errorf("InitAll error = %v, want ErrUnregisteredRule", err)
	}
}

func TestRegisterAccessRules_QualifiesLocalIDs(t *testing.T) {
	m, _, _ := newTestManager(t)

	m.RegisterBuiltin(newTestPlugin("monitoring", func(env plugin.RegisterEnv) error {
		env.RegisterAccessRules(
			plugin.AccessRule{ID: "read"},
			plugin.AccessRule{ID: "monitoring.manage"}, // already qualified
		)
		return nil
	}))

	bootAll(t, m)

	rules := m.RulesFor("monitoring")
	if len(rules) != 2 {
		t.Fatalf("got %d rules, want 2", len(rules))
	}
	if rules[0].ID != "monitoring.read" || rules[1].ID != "monitoring.manage" {
		t.Errorf("rule ids = %q, %q", rules[0].ID, rules[1].ID)
	}
}

func TestReadyAll_AnnouncesRulesAndRunsCallbacks(t *testing.T) {
	m, _, br := newTestManager(t)

	ready := false
	m.RegisterBuiltin(newTestPlugin("access", func(env plugin.RegisterEnv) error {
		env.RegisterAccessRules(plugin.AccessRule{ID: "users.read"})
		env.RequestInit(plugin.InitRequest{
			AfterPluginsReady: func(context.Context, plugin.ReadyEnv) error {
				ready = true
				return nil
			},
		})
		return nil
	}))

	bootAll(t, m)

	if !ready {
		t.Error("AfterPluginsReady did not run")
	}
	if n := br.hookCount(plugin.HookAccessRulesRegistered); n != 1 {
		t.Errorf("accessRulesRegistered emitted %d times, want 1", n)
	}
	if n := br.hookCount(plugin.HookPluginInitialized); n != 1 {
		t.Errorf("pluginInitialized emitted %d times, want 1", n)
	}
}

func TestRequestDeregistration_CoreComponentRefused(t *testing.T) {
	m, _, _ := newTestManager(t)

	m.RegisterBuiltin(newTestPlugin("access", nil))
	bootAll(t, m)

	err := m.RequestDeregistration(context.Background(), "access", true)
	if !errors.Is(err, plugin.ErrCoreComponent) {
		t.Errorf("error = %v, want ErrCoreComponent", err)
	}
}

func TestDeregisterPlugin_UnwindsRegistrations(t *testing.T) {
	m, st, br := newTestManager(t)

	cleaned := false
	m.RegisterBuiltin(func() plugin.Plugin {
		return &testPlugin{
			info: plugin.Info{
				Name:          "addon",
				Type:          plugin.TypeBackend,
				Version:       "0.1.0",
				Uninstallable: true,
				APIVersion:    plugin.APIVersionCurrent,
			},
			register: func(env plugin.RegisterEnv) error {
				env.ProvideService("addon.svc", "impl")
				env.RequestInit(plugin.InitRequest{CreateSchema: true})
				env.OnCleanup(func(context.Context) error {
					cleaned = true
					return nil
				})
				return nil
			},
		}
	})

	bootAll(t, m)

	if !m.Services().Has("addon.svc") {
		t.Fatal("service not provided after boot")
	}
	if err := m.DeregisterPlugin(context.Background(), "addon", true); err != nil {
		t.Fatalf("DeregisterPlugin: %v", err)
	}

	if !cleaned {
		t.Error("cleanup handler did not run")
	}
	if m.Services().Has("addon.svc") {
		t.Error("provided service survived deregistration")
	}
	if _, ok := m.PluginInfo("addon"); ok {
		t.Error("plugin still listed after deregistration")
	}
	if len(st.dropped) != 1 || st.dropped[0] != "addon" {
		t.Errorf("dropped schemas = %v, want [addon]", st.dropped)
	}
	if len(st.deleted) != 1 || st.deleted[0] != "addon" {
		t.Errorf("deleted rows = %v, want [addon]", st.deleted)
	}
	if n := br.hookCount(plugin.HookPluginDeregistered); n != 1 {
		t.Errorf("pluginDeregistered emitted %d times, want 1", n)
	}
}

func TestLoadSinglePlugin_RecordsRemoteInstall(t *testing.T) {
	m, st, br := newTestManager(t)

	// Core plugin loaded at boot; the addon stays dormant.
	m.RegisterBuiltin(newTestPlugin("access", nil))
	m.RegisterBuiltin(func() plugin.Plugin {
		return &testPlugin{
			info: plugin.Info{
				Name:          "addon",
				Type:          plugin.TypeBackend,
				Version:       "0.1.0",
				Uninstallable: true,
				APIVersion:    plugin.APIVersionCurrent,
			},
		}
	})

	bootAll(t, m)

	if _, ok := m.PluginInfo("addon"); ok {
		t.Fatal("dormant addon loaded at boot")
	}
	if err := m.LoadSinglePlugin(context.Background(), "addon"); err != nil {
		t.Fatalf("LoadSinglePlugin: %v", err)
	}
	if _, ok := m.PluginInfo("addon"); !ok {
		t.Error("addon not loaded after install")
	}
	if len(st.inserted) != 1 || st.inserted[0] != "addon" {
		t.Errorf("inserted rows = %v, want [addon]", st.inserted)
	}
	if n := br.hookCount(plugin.HookPluginInstalled); n != 1 {
		t.Errorf("pluginInstalled emitted %d times, want 1", n)
	}
}

func TestRegisterAll_APIVersionOutOfRange(t *testing.T) {
	m, _, _ := newTestManager(t)

	m.RegisterBuiltin(func() plugin.Plugin {
		return &testPlugin{info: plugin.Info{
			Name:       "future",
			Type:       plugin.TypeBackend,
			APIVersion: plugin.APIVersionCurrent + 1,
		}}
	})

	err := m.RegisterAll([]string{"future"})
	if !errors.Is(err, plugin.ErrBadRequest) {
		t.Errorf("error = %v, want ErrBadRequest", err)
	}
}
