package access

import (
	"context"
	"crypto/rsa"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/coreplane/coreplane/internal/version"
	"github.com/coreplane/coreplane/pkg/plugin"
)

// Settings carries deployment configuration for the access plugin.
type Settings struct {
	// CredentialSignUp permits self-service credential sign-ups.
	// The onboarding bootstrap is exempt.
	CredentialSignUp bool
}

// Module is the access subsystem packaged as a core plugin. It provides
// the core.auth service and owns the RBAC data model.
type Module struct {
	pool     *pgxpool.Pool
	source   RuleSource
	key      *rsa.PrivateKey
	settings Settings

	// Built during Init.
	store *Store
	bus   plugin.EventBus
	authn *Authenticator
	anon  *AnonCache
	svc   *Service
	sync  *RuleSync
	log   *zap.Logger
}

var _ plugin.Plugin = (*Module)(nil)

// NewModule creates the access plugin. key may be nil for
// single-instance deployments.
func NewModule(pool *pgxpool.Pool, source RuleSource, key *rsa.PrivateKey, settings Settings) *Module {
	return &Module{pool: pool, source: source, key: key, settings: settings}
}

// Info implements plugin.Plugin.
func (m *Module) Info() plugin.Info {
	return plugin.Info{
		Name:        PluginID,
		Path:        "internal/access",
		Type:        plugin.TypeCommon,
		Version:     version.Short(),
		Description: "Roles, teams, applications, and access rules",
		APIVersion:  plugin.APIVersionCurrent,
	}
}

// Register implements plugin.Plugin.
func (m *Module) Register(env plugin.RegisterEnv) error {
	env.RegisterAccessRules(
		plugin.AccessRule{ID: "users.read", Description: "List user accounts"},
		plugin.AccessRule{ID: "users.manage", Description: "Manage user accounts and role assignments"},
		plugin.AccessRule{ID: "roles.manage", Description: "Create, edit, and delete roles"},
		plugin.AccessRule{ID: "teams.read", Description: "List teams", AuthenticatedDefault: true},
		plugin.AccessRule{ID: "teams.manage", Description: "Manage teams, members, and managers"},
		plugin.AccessRule{ID: "applications.manage", Description: "Manage application identities"},
		plugin.AccessRule{ID: "resources.manage", Description: "Manage team grants on resources"},
	)

	// Per-plugin authorization views. Resolvable once Init has run, which
	// the init graph guarantees for every dependent.
	env.ProvideServiceFactory(plugin.ServiceAuth, func(requester plugin.Info) (any, error) {
		if m.store == nil {
			return nil, fmt.Errorf("access module not initialized")
		}
		return NewEvaluator(requester.Name, m.store, m.anon, m.logger().Named("authz")), nil
	})

	env.RegisterRouter(m.router())
	env.RegisterHTTPHandler("/auth", m.authHandler())

	env.RequestInit(plugin.InitRequest{
		Dependencies: []plugin.ServiceRef{plugin.ServiceEventBus},
		Init:         m.init,
		AfterPluginsReady: m.afterReady,
	})
	return nil
}

func (m *Module) init(ctx context.Context, deps plugin.Dependencies) error {
	logger := deps.Logger
	m.store = NewStore(m.pool, logger.Named("store"))

	busImpl, ok := deps.Service(plugin.ServiceEventBus)
	if !ok {
		return fmt.Errorf("%w: %s", plugin.ErrUnknownService, plugin.ServiceEventBus)
	}
	bus, ok := busImpl.(plugin.EventBus)
	if !ok {
		return fmt.Errorf("core.eventBus has unexpected type %T", busImpl)
	}
	m.bus = bus

	if err := m.store.SeedSystemRoles(ctx); err != nil {
		return err
	}

	var err error
	m.authn, err = NewAuthenticator(m.store, m.key, logger.Named("authn"))
	if err != nil {
		return err
	}
	m.anon = NewAnonCache(m.store, logger.Named("anon-cache"))
	m.svc = NewService(m.store, bus, m.settings, logger.Named("service"))
	m.svc.OnAnonymousChange(m.anon.Invalidate)
	m.sync = NewRuleSync(m.store, m.source, logger.Named("rule-sync"))
	m.log = logger
	return nil
}

func (m *Module) afterReady(ctx context.Context, env plugin.ReadyEnv) error {
	// Boot-time reconciliation is fatal on failure.
	if err := m.sync.FullSync(ctx); err != nil {
		return err
	}

	// Late installs sync through the work queue so exactly one instance
	// writes, with retries on transient database errors.
	if err := env.OnHook(plugin.HookAccessRulesRegistered, m.sync.rulesRegisteredListener,
		plugin.SubscribeOptions{Mode: plugin.ModeWorkQueue, WorkerGroup: "rule-sync"}); err != nil {
		return err
	}
	if err := env.OnHook(plugin.HookPluginDeregistered, m.sync.pluginDeregisteredListener,
		plugin.SubscribeOptions{Mode: plugin.ModeWorkQueue, WorkerGroup: "rule-cleanup"}); err != nil {
		return err
	}

	// Every instance flushes its anonymous cache when rules change
	// anywhere in the cluster.
	return env.OnHook(plugin.HookAccessRulesRegistered,
		func(context.Context, plugin.Event) error {
			m.anon.Invalidate()
			return nil
		},
		plugin.SubscribeOptions{Mode: plugin.ModeBroadcast},
	)
}

// Authenticator returns the request authenticator for the HTTP server.
func (m *Module) Authenticator() *Authenticator { return m.authn }

// Service returns the admin service for the HTTP server and tests.
func (m *Module) Service() *Service { return m.svc }

// EvaluatorFor builds an authorization view scoped to a namespace.
func (m *Module) EvaluatorFor(namespace string) *Evaluator {
	return NewEvaluator(namespace, m.store, m.anon, m.logger().Named("authz"))
}

func (m *Module) logger() *zap.Logger {
	if m.log != nil {
		return m.log
	}
	return zap.NewNop()
}
