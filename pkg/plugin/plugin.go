// Package plugin provides the public SDK types for Coreplane plugins.
// All Coreplane modules (built-in and remotely installed) implement these
// interfaces. The host drives every plugin through three phases: Register
// (declarations only), Init (dependency-ordered), and AfterPluginsReady.
package plugin

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// API version constants for plugin compatibility checking.
// The lifecycle manager rejects plugins outside the supported range.
const (
	APIVersionMin     = 1 // Oldest Plugin API version this host supports
	APIVersionCurrent = 1 // Current Plugin API version
)

// Type classifies a plugin's deliverable.
type Type string

const (
	TypeBackend  Type = "backend"
	TypeFrontend Type = "frontend"
	TypeCommon   Type = "common"
)

// Plugin is the entry point every Coreplane module implements.
// Register must only record declarations on the environment; it runs
// before any service is resolvable. All real work belongs in the Init
// and AfterPluginsReady callbacks declared through RegisterEnv.
type Plugin interface {
	// Info returns the plugin's metadata.
	Info() Info

	// Register declares the plugin's init request, services, extension
	// points, access rules, router, and cleanup handlers.
	Register(env RegisterEnv) error
}

// Info contains plugin metadata. Name doubles as the plugin id and
// namespaces the plugin's schema (plugin_<name>) and access rules
// (<name>.<rule>).
type Info struct {
	Name          string // Unique plugin id: "access", "monitoring-backend", …
	Path          string // Workspace or install path
	Type          Type   // backend, frontend, or common
	Version       string // Semantic version string
	Description   string // Human-readable summary
	Uninstallable bool   // True for remotely installed plugins
	APIVersion    int    // Plugin API version targeted (currently 1)
}

// ServiceRef identifies a service in the registry.
type ServiceRef string

// Core service references registered by the host.
const (
	ServiceDB            ServiceRef = "core.db"
	ServiceLogger        ServiceRef = "core.logger"
	ServiceConfig        ServiceRef = "core.config"
	ServiceEventBus      ServiceRef = "core.eventBus"
	ServiceAuth          ServiceRef = "core.auth"
	ServiceFetch         ServiceRef = "core.fetch"
	ServiceHealth        ServiceRef = "core.healthChecks"
	ServicePluginConfig  ServiceRef = "core.pluginConfig"
	ServiceQueueRegistry ServiceRef = "core.queuePluginRegistry"
	ServiceQueueManager  ServiceRef = "core.queueManager"
)

// ServiceFactory produces a per-plugin view of a service. The lifecycle
// manager invokes it with the requesting plugin's metadata on every Get;
// factories must be idempotent for the same plugin.
type ServiceFactory func(requester Info) (any, error)

// RegisterEnv collects a plugin's declarations during Phase 1.
// Implemented by the lifecycle manager; all methods record only.
type RegisterEnv interface {
	// RequestInit declares the plugin's init callbacks and dependencies.
	RequestInit(req InitRequest)

	// ProvideService registers a global singleton service.
	ProvideService(ref ServiceRef, impl any)

	// ProvideServiceFactory registers a per-plugin scoped service factory.
	ProvideServiceFactory(ref ServiceRef, factory ServiceFactory)

	// RegisterExtensionPoint installs the implementation behind an
	// extension-point reference, replaying any buffered calls.
	RegisterExtensionPoint(ref ExtensionPointRef, impl ExtensionPoint)

	// RegisterAccessRules declares access rules; local ids are stored
	// qualified as <pluginId>.<id>.
	RegisterAccessRules(rules ...AccessRule)

	// RegisterRouter declares the plugin's RPC router. Every access rule a
	// procedure references must also be declared via RegisterAccessRules.
	RegisterRouter(router Router)

	// RegisterHTTPHandler mounts a fallback HTTP handler below
	// /api/<pluginId><prefix>.
	RegisterHTTPHandler(prefix string, handler http.Handler)

	// OnCleanup registers a handler run (LIFO) when the plugin is
	// deregistered or the host shuts down.
	OnCleanup(fn CleanupFunc)
}

// InitRequest declares a plugin's init callbacks and their requirements.
type InitRequest struct {
	// Dependencies lists service refs that must be provided by other
	// plugins (or the host) before Init runs. Providers are initialized
	// first; cycles are fatal.
	Dependencies []ServiceRef

	// CreateSchema requests a plugin_<id> schema before Init.
	CreateSchema bool

	// Migrations run against the plugin schema before Init.
	Migrations []Migration

	// Init runs during Phase 2 with resolved dependencies.
	Init func(ctx context.Context, deps Dependencies) error

	// AfterPluginsReady optionally runs during Phase 3, once every plugin
	// has initialized and the event bus is live.
	AfterPluginsReady func(ctx context.Context, env ReadyEnv) error
}

// Dependencies provides controlled access to shared services.
// Injected by the lifecycle manager during Init.
type Dependencies struct {
	Plugin   Info
	Logger   *zap.Logger // Named logger for this plugin
	Config   Config      // Scoped to this plugin's config section
	DB       ScopedDB    // Schema-isolated database handle
	services map[ServiceRef]any
}

// NewDependencies builds a Dependencies value with resolved services.
// Used by the lifecycle manager and by tests.
func NewDependencies(info Info, logger *zap.Logger, cfg Config, db ScopedDB, services map[ServiceRef]any) Dependencies {
	return Dependencies{Plugin: info, Logger: logger, Config: cfg, DB: db, services: services}
}

// Service returns a resolved declared dependency by ref.
func (d Dependencies) Service(ref ServiceRef) (any, bool) {
	s, ok := d.services[ref]
	return s, ok
}

// ReadyEnv is handed to AfterPluginsReady callbacks. OnHook subscriptions
// are recorded against the plugin so they can be bulk-unsubscribed when
// the plugin is deregistered.
type ReadyEnv interface {
	OnHook(hook Hook, listener Listener, opts SubscribeOptions) error
	EmitHook(ctx context.Context, hook Hook, payload any) error
}

// CleanupFunc releases plugin-held resources. Errors are logged, not fatal.
type CleanupFunc func(ctx context.Context) error

// Config abstracts configuration access. Wraps Viper today, replaceable later.
type Config interface {
	Unmarshal(target any) error
	Get(key string) any
	GetString(key string) string
	GetInt(key string) int
	GetBool(key string) bool
	GetDuration(key string) time.Duration
	IsSet(key string) bool
	Sub(key string) Config
}

// HealthCheck reports the health of one plugin-owned component.
type HealthCheck func(ctx context.Context) error

// HealthRegistry collects named health checks, scoped per plugin.
type HealthRegistry interface {
	RegisterCheck(name string, check HealthCheck)
	Run(ctx context.Context) map[string]error
}

// FetchClient performs authenticated inter-plugin HTTP calls. Requests
// carry a short-lived service token identifying the calling plugin and
// honor the caller-provided timeout.
type FetchClient interface {
	Fetch(ctx context.Context, pluginID, path string, body any, timeout time.Duration) (*http.Response, error)
}

// QueueBackend is implemented by queue plugins (Redis, Postgres, …).
type QueueBackend interface {
	Enqueue(ctx context.Context, queue string, payload []byte) error
	Consume(ctx context.Context, queue string, handler func(ctx context.Context, payload []byte) error) (stop func(), err error)
}

// QueuePluginRegistry lets queue plugins offer backends. The lifecycle
// manager initializes every provider of this service before any consumer
// of QueueManager so the backend is chosen before first use.
type QueuePluginRegistry interface {
	RegisterBackend(name string, backend QueueBackend)
	Backend() (QueueBackend, bool)
}

// QueueManager dispatches jobs onto the selected queue backend.
type QueueManager interface {
	Enqueue(ctx context.Context, queue string, payload any) error
}
