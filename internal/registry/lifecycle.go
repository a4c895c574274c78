package registry

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/coreplane/coreplane/pkg/plugin"
)

// Store is the slice of the persistence layer the lifecycle manager
// needs. Implemented by store.PGStore.
type Store interface {
	MigratePlugin(ctx context.Context, pluginID string, migrations []plugin.Migration) error
	DropPluginSchema(ctx context.Context, pluginID string) error
	ScopedFor(pluginID string) plugin.ScopedDB
	UpsertLocalPlugin(ctx context.Context, info plugin.Info) error
	InsertRemotePlugin(ctx context.Context, info plugin.Info) error
	EnabledPlugins(ctx context.Context) ([]plugin.Info, error)
	DeleteRemotePlugin(ctx context.Context, name string) error
}

// Broker extends the SDK bus with the host-only operations the manager
// uses. Implemented by bus.Bus.
type Broker interface {
	plugin.EventBus
	EmitFrom(ctx context.Context, source string, hook plugin.Hook, payload any) error
	EmitLocalLIFO(ctx context.Context, hook plugin.Hook, payload any)
	UnsubscribePlugin(pluginID string)
}

// PluginFactory constructs a fresh plugin instance. Remote installs are
// modeled as factories compiled into the binary but not loaded at boot:
// installation activates the factory and records the plugin row.
type PluginFactory func() plugin.Plugin

// HTTPHandler is a fallback handler mounted below /api/<pluginId><Prefix>.
type HTTPHandler struct {
	Prefix  string
	Handler http.Handler
}

// hookPayload is the body of every lifecycle hook emitted by the host.
type hookPayload struct {
	PluginID string `json:"pluginId"`
}

type rulesPayload struct {
	PluginID string   `json:"pluginId"`
	Rules    []string `json:"rules"`
}

// pluginState is everything the manager recorded for one loaded plugin.
type pluginState struct {
	info     plugin.Info
	impl     plugin.Plugin
	init     plugin.InitRequest
	hasInit  bool
	provided []plugin.ServiceRef
	rules    []plugin.AccessRule // ids qualified as <pluginId>.<local>
	router   *plugin.Router
	handlers []HTTPHandler
	cleanups []plugin.CleanupFunc
	unsubs   []func()
	deps     plugin.Dependencies
	ready    bool
}

// Manager drives the three-phase plugin lifecycle and owns the loaded
// plugin set.
type Manager struct {
	store      Store
	bus        Broker
	services   *Services
	extensions *ExtensionPoints
	cfg        plugin.Config
	logger     *zap.Logger

	mu           sync.RWMutex
	factories    map[string]PluginFactory
	factoryOrder []string
	states       map[string]*pluginState
	loadOrder    []string // registration order
	initOrder    []string // dependency order, set by InitAll
}

// NewManager creates a lifecycle manager over the given infrastructure.
func NewManager(st Store, b Broker, cfg plugin.Config, logger *zap.Logger) *Manager {
	return &Manager{
		store:      st,
		bus:        b,
		services:   NewServices(logger.Named("services")),
		extensions: NewExtensionPoints(logger.Named("extensions")),
		cfg:        cfg,
		logger:     logger,
		factories:  make(map[string]PluginFactory),
		states:     make(map[string]*pluginState),
	}
}

// Services exposes the service registry so the host can provide core
// services (logger, config, bus, db) before Phase 1.
func (m *Manager) Services() *Services { return m.services }

// ExtensionPoints exposes the extension-point manager.
func (m *Manager) ExtensionPoints() *ExtensionPoints { return m.extensions }

// RegisterBuiltin adds a compiled-in plugin factory. Factories registered
// here are candidates for boot loading and for dynamic installation.
func (m *Manager) RegisterBuiltin(factory PluginFactory) {
	info := factory().Info()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.factories[info.Name]; exists {
		m.logger.Warn("builtin factory re-registered, last write wins", zap.String("plugin", info.Name))
	} else {
		m.factoryOrder = append(m.factoryOrder, info.Name)
	}
	m.factories[info.Name] = factory
}

// Discover reconciles compiled-in plugins with the plugins table and
// returns the names to load, in factory registration order. Local
// plugins are upserted; rows for remote installs are never touched here.
// Enabled remote rows with no matching factory are logged and skipped.
func (m *Manager) Discover(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	order := append([]string(nil), m.factoryOrder...)
	factories := make(map[string]PluginFactory, len(m.factories))
	for k, v := range m.factories {
		factories[k] = v
	}
	m.mu.RUnlock()

	for _, name := range order {
		info := factories[name]().Info()
		if info.Uninstallable {
			continue
		}
		if err := m.store.UpsertLocalPlugin(ctx, info); err != nil {
			return nil, err
		}
	}

	rows, err := m.store.EnabledPlugins(ctx)
	if err != nil {
		return nil, err
	}
	enabled := make(map[string]bool, len(rows))
	for _, row := range rows {
		if _, ok := factories[row.Name]; !ok {
			m.logger.Warn("enabled plugin has no compiled-in factory, skipping",
				zap.String("plugin", row.Name))
			continue
		}
		enabled[row.Name] = true
	}

	var load []string
	for _, name := range order {
		info := factories[name]().Info()
		// Remote installs load only when their row exists and is enabled.
		if info.Uninstallable && !enabled[name] {
			continue
		}
		if len(rows) > 0 && !info.Uninstallable && !enabled[name] {
			m.logger.Info("plugin disabled, skipping", zap.String("plugin", name))
			continue
		}
		load = append(load, name)
	}
	return load, nil
}

// RegisterAll runs Phase 1 for the named plugins: construct each one and
// collect its declarations. No plugin code other than Register runs.
func (m *Manager) RegisterAll(names []string) error {
	for _, name := range names {
		if err := m.registerOne(name); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) registerOne(name string) error {
	m.mu.Lock()
	factory, ok := m.factories[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: no factory for plugin %q", plugin.ErrNotFound, name)
	}
	if _, loaded := m.states[name]; loaded {
		m.mu.Unlock()
		return fmt.Errorf("%w: plugin %q is already loaded", plugin.ErrBadRequest, name)
	}
	m.mu.Unlock()

	impl := factory()
	info := impl.Info()
	if info.Name != name {
		return fmt.Errorf("%w: factory for %q produced plugin %q", plugin.ErrBadRequest, name, info.Name)
	}
	if info.APIVersion < plugin.APIVersionMin || info.APIVersion > plugin.APIVersionCurrent {
		return fmt.Errorf("%w: plugin %q targets API version %d, supported range is %d..%d",
			plugin.ErrBadRequest, name, info.APIVersion, plugin.APIVersionMin, plugin.APIVersionCurrent)
	}

	st := &pluginState{info: info, impl: impl}
	env := &registerEnv{mgr: m, st: st}
	if err := impl.Register(env); err != nil {
		// Roll back anything the partial registration provided.
		for _, ref := range st.provided {
			m.services.Remove(ref)
		}
		return fmt.Errorf("register plugin %q: %w", name, err)
	}

	m.mu.Lock()
	m.states[name] = st
	m.loadOrder = append(m.loadOrder, name)
	m.mu.Unlock()

	m.logger.Debug("plugin registered",
		zap.String("plugin", name),
		zap.String("type", string(info.Type)),
		zap.String("version", info.Version),
	)
	return nil
}

// InitAll runs Phase 2: plugins are initialized in dependency order
// (providers before consumers), each with schema migrations applied and
// declared dependencies resolved. A dependency cycle is fatal.
func (m *Manager) InitAll(ctx context.Context) error {
	order, err := m.initOrderOf(m.snapshotLoadOrder())
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.initOrder = order
	m.mu.Unlock()

	for _, name := range order {
		if err := m.initOne(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) snapshotLoadOrder() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.loadOrder...)
}

// initOrderOf computes a stable topological order over the given plugins.
// Ties break by registration order so boot is deterministic. Providers of
// the queue plugin registry are additionally ordered before consumers of
// the queue manager, so a queue backend is selected before first use.
func (m *Manager) initOrderOf(names []string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	providers := make(map[plugin.ServiceRef][]string)
	for _, name := range names {
		for _, ref := range m.states[name].provided {
			providers[ref] = append(providers[ref], name)
		}
	}

	indegree := make(map[string]int, len(names))
	edges := make(map[string][]string)
	addEdge := func(from, to string) {
		if from == to {
			return
		}
		edges[from] = append(edges[from], to)
		indegree[to]++
	}
	for _, name := range names {
		indegree[name] += 0
	}
	for _, name := range names {
		st := m.states[name]
		wants := append([]plugin.ServiceRef(nil), st.init.Dependencies...)
		for _, ref := range wants {
			if ref == plugin.ServiceQueueManager {
				// Queue backends register through the queue plugin registry;
				// they must come up before anything that enqueues.
				for _, p := range providers[plugin.ServiceQueueRegistry] {
					addEdge(p, name)
				}
			}
			for _, p := range providers[ref] {
				addEdge(p, name)
			}
		}
	}

	var order []string
	queue := make([]string, 0, len(names))
	for _, name := range names {
		if indegree[name] == 0 {
			queue = append(queue, name)
		}
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)
		for _, next := range edges[name] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
		// Keep registration order among newly released nodes.
		sort.SliceStable(queue, func(i, j int) bool {
			return indexOf(names, queue[i]) < indexOf(names, queue[j])
		})
	}

	if len(order) != len(names) {
		var stuck []string
		for _, name := range names {
			if indegree[name] > 0 {
				stuck = append(stuck, name)
			}
		}
		return nil, fmt.Errorf("%w: %s", plugin.ErrDependencyCycle, strings.Join(stuck, ", "))
	}
	return order, nil
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return len(names)
}

func (m *Manager) initOne(ctx context.Context, name string) error {
	m.mu.RLock()
	st := m.states[name]
	m.mu.RUnlock()
	if st == nil {
		return fmt.Errorf("%w: plugin %q not registered", plugin.ErrNotFound, name)
	}

	if st.hasInit && (st.init.CreateSchema || len(st.init.Migrations) > 0) {
		if err := m.store.MigratePlugin(ctx, name, st.init.Migrations); err != nil {
			return fmt.Errorf("migrate plugin %q: %w", name, err)
		}
	}

	resolved := make(map[plugin.ServiceRef]any, len(st.init.Dependencies))
	for _, ref := range st.init.Dependencies {
		impl, err := m.services.Get(ref, st.info)
		if err != nil {
			return err
		}
		resolved[ref] = impl
	}

	var db plugin.ScopedDB
	if st.hasInit && st.init.CreateSchema {
		db = m.store.ScopedFor(name)
	}
	st.deps = plugin.NewDependencies(
		st.info,
		m.logger.Named(name),
		m.cfg.Sub("plugins."+name),
		db,
		resolved,
	)

	if st.hasInit && st.init.Init != nil {
		if err := st.init.Init(ctx, st.deps); err != nil {
			return fmt.Errorf("init plugin %q: %w", name, err)
		}
	}

	if err := m.checkRouterContract(st); err != nil {
		return err
	}

	m.emitLifecycle(ctx, plugin.HookPluginInitialized, name)
	return nil
}

// checkRouterContract verifies every access rule a procedure references
// was declared during registration. An undeclared rule is a boot error,
// not a runtime denial.
func (m *Manager) checkRouterContract(st *pluginState) error {
	if st.router == nil {
		return nil
	}
	declared := make(map[string]bool, len(st.rules))
	for _, r := range st.rules {
		declared[r.ID] = true
	}
	for _, proc := range st.router.Procedures {
		for _, rule := range proc.AccessRules {
			qualified := qualifyRule(st.info.Name, rule)
			if !declared[qualified] {
				return fmt.Errorf("%w: procedure %q of plugin %q references %q",
					plugin.ErrUnregisteredRule, proc.Name, st.info.Name, qualified)
			}
		}
	}
	return nil
}

// ReadyAll runs Phase 3: declared access rules are announced so the
// access plugin can sync them, then every AfterPluginsReady callback runs
// in init order with a live bus environment.
func (m *Manager) ReadyAll(ctx context.Context) error {
	m.mu.RLock()
	order := append([]string(nil), m.initOrder...)
	m.mu.RUnlock()

	for _, name := range order {
		m.announceRules(ctx, name)
	}

	for _, name := range order {
		m.mu.RLock()
		st := m.states[name]
		m.mu.RUnlock()
		if st == nil || !st.hasInit || st.init.AfterPluginsReady == nil {
			continue
		}
		env := &readyEnv{mgr: m, st: st}
		if err := st.init.AfterPluginsReady(ctx, env); err != nil {
			return fmt.Errorf("after-ready for plugin %q: %w", name, err)
		}
		st.ready = true
	}
	return nil
}

func (m *Manager) announceRules(ctx context.Context, name string) {
	m.mu.RLock()
	st := m.states[name]
	m.mu.RUnlock()
	if st == nil || len(st.rules) == 0 {
		return
	}
	ids := make([]string, len(st.rules))
	for i, r := range st.rules {
		ids[i] = r.ID
	}
	payload := rulesPayload{PluginID: name, Rules: ids}
	m.bus.EmitLocal(ctx, plugin.HookAccessRulesRegistered, payload)
	if err := m.bus.Emit(ctx, plugin.HookAccessRulesRegistered, payload); err != nil {
		m.logger.Warn("broker emit failed",
			zap.String("hook", string(plugin.HookAccessRulesRegistered)),
			zap.Error(err),
		)
	}
}

// emitLifecycle publishes a lifecycle hook both in-process and on the
// broker. Broker failures are logged; the lifecycle proceeds.
func (m *Manager) emitLifecycle(ctx context.Context, hook plugin.Hook, pluginID string) {
	payload := hookPayload{PluginID: pluginID}
	m.bus.EmitLocal(ctx, hook, payload)
	if err := m.bus.Emit(ctx, hook, payload); err != nil {
		m.logger.Warn("broker emit failed",
			zap.String("hook", string(hook)),
			zap.String("plugin", pluginID),
			zap.Error(err),
		)
	}
}

// Shutdown runs every cleanup handler in reverse init order. Errors are
// logged and do not stop remaining handlers.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	order := append([]string(nil), m.initOrder...)
	m.mu.RUnlock()

	for i := len(order) - 1; i >= 0; i-- {
		m.runCleanups(ctx, order[i])
	}
}

func (m *Manager) runCleanups(ctx context.Context, name string) {
	m.mu.RLock()
	st := m.states[name]
	m.mu.RUnlock()
	if st == nil {
		return
	}
	for i := len(st.cleanups) - 1; i >= 0; i-- {
		if err := st.cleanups[i](ctx); err != nil {
			m.logger.Warn("cleanup handler failed",
				zap.String("plugin", name),
				zap.Error(err),
			)
		}
	}
}

// qualifyRule prefixes a local rule id with the plugin id. Already
// qualified ids pass through unchanged.
func qualifyRule(pluginID, id string) string {
	if strings.HasPrefix(id, pluginID+".") {
		return id
	}
	return pluginID + "." + id
}

// registerEnv records Phase 1 declarations onto the plugin's state.
type registerEnv struct {
	mgr *Manager
	st  *pluginState
}

var _ plugin.RegisterEnv = (*registerEnv)(nil)

func (e *registerEnv) RequestInit(req plugin.InitRequest) {
	if e.st.hasInit {
		e.mgr.logger.Warn("init request re-declared, last write wins", zap.String("plugin", e.st.info.Name))
	}
	e.st.init = req
	e.st.hasInit = true
}

func (e *registerEnv) ProvideService(ref plugin.ServiceRef, impl any) {
	e.mgr.services.Register(ref, impl)
	e.st.provided = append(e.st.provided, ref)
}

func (e *registerEnv) ProvideServiceFactory(ref plugin.ServiceRef, factory plugin.ServiceFactory) {
	e.mgr.services.RegisterFactory(ref, factory)
	e.st.provided = append(e.st.provided, ref)
}

func (e *registerEnv) RegisterExtensionPoint(ref plugin.ExtensionPointRef, impl plugin.ExtensionPoint) {
	e.mgr.extensions.Register(ref, impl)
}

func (e *registerEnv) RegisterAccessRules(rules ...plugin.AccessRule) {
	for _, r := range rules {
		r.ID = qualifyRule(e.st.info.Name, r.ID)
		e.st.rules = append(e.st.rules, r)
	}
}

func (e *registerEnv) RegisterRouter(router plugin.Router) {
	if e.st.router != nil {
		e.mgr.logger.Warn("router re-registered, last write wins", zap.String("plugin", e.st.info.Name))
	}
	e.st.router = &router
}

func (e *registerEnv) RegisterHTTPHandler(prefix string, handler http.Handler) {
	e.st.handlers = append(e.st.handlers, HTTPHandler{Prefix: prefix, Handler: handler})
}

func (e *registerEnv) OnCleanup(fn plugin.CleanupFunc) {
	e.st.cleanups = append(e.st.cleanups, fn)
}

// readyEnv is the Phase 3 environment. Subscriptions made through it are
// recorded so deregistration can drop them in bulk.
type readyEnv struct {
	mgr *Manager
	st  *pluginState
}

var _ plugin.ReadyEnv = (*readyEnv)(nil)

func (e *readyEnv) OnHook(hook plugin.Hook, listener plugin.Listener, opts plugin.SubscribeOptions) error {
	unsub, err := e.mgr.bus.Subscribe(e.st.info.Name, hook, listener, opts)
	if err != nil {
		return err
	}
	e.mgr.mu.Lock()
	e.st.unsubs = append(e.st.unsubs, unsub)
	e.mgr.mu.Unlock()
	return nil
}

func (e *readyEnv) EmitHook(ctx context.Context, hook plugin.Hook, payload any) error {
	return e.mgr.bus.EmitFrom(ctx, e.st.info.Name, hook, payload)
}
