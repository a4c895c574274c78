package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/coreplane/coreplane/internal/access"
	"github.com/coreplane/coreplane/internal/bus"
	"github.com/coreplane/coreplane/internal/config"
	"github.com/coreplane/coreplane/internal/pluginconfig"
	"github.com/coreplane/coreplane/internal/queue"
	"github.com/coreplane/coreplane/internal/registry"
	"github.com/coreplane/coreplane/internal/server"
	"github.com/coreplane/coreplane/internal/store"
	"github.com/coreplane/coreplane/internal/version"
	"github.com/coreplane/coreplane/internal/ws"
	"github.com/coreplane/coreplane/pkg/plugin"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println(version.Info())
		return
	}

	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	// Load configuration (before logger, so log level/format can be configured).
	viperCfg, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := config.New(viperCfg)

	logger, err := config.NewLogger(viperCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Coreplane server starting", zap.String("version", version.Short()))

	if f := viperCfg.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded",
			zap.String("component", "config"),
			zap.String("source", f),
		)
	} else {
		logger.Warn("no configuration file found, using defaults",
			zap.String("component", "config"),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open database and run core migrations.
	db, err := store.New(ctx, viperCfg.GetString("database.url"))
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	if err := db.MigrateCore(ctx); err != nil {
		logger.Fatal("core migrations failed", zap.Error(err))
	}
	if err := db.CheckVersion(ctx, version.Short()); err != nil {
		logger.Fatal("schema version check failed", zap.Error(err))
	}
	logger.Info("database initialized", zap.String("component", "database"))

	// Seed system roles and the initial admin before any plugin runs.
	accessStore := access.NewStore(db.Pool(), logger.Named("access-seed"))
	if err := accessStore.SeedSystemRoles(ctx); err != nil {
		logger.Fatal("seeding system roles failed", zap.Error(err))
	}
	if err := accessStore.SeedInitialAdmin(ctx,
		viperCfg.GetString("access.initial_admin_email"),
		viperCfg.GetString("access.initial_admin_password"),
	); err != nil {
		logger.Fatal("seeding initial admin failed", zap.Error(err))
	}

	// Connect the event broker.
	rdb := redis.NewClient(&redis.Options{
		Addr:     viperCfg.GetString("redis.addr"),
		Password: viperCfg.GetString("redis.password"),
		DB:       viperCfg.GetInt("redis.db"),
	})
	hostname, _ := os.Hostname()
	broker, err := bus.New(ctx, rdb, bus.Options{InstanceID: hostname}, logger.Named("bus"))
	if err != nil {
		logger.Fatal("event broker unavailable", zap.Error(err))
	}
	logger.Info("event bus connected", zap.String("component", "bus"))

	// Lifecycle manager and core services.
	mgr := registry.NewManager(db, broker, cfg, logger.Named("registry"))
	services := mgr.Services()

	services.Register(plugin.ServiceEventBus, plugin.EventBus(broker))
	services.RegisterFactory(plugin.ServiceDB, func(requester plugin.Info) (any, error) {
		return db.ScopedFor(requester.Name), nil
	})
	services.RegisterFactory(plugin.ServiceLogger, func(requester plugin.Info) (any, error) {
		return logger.Named(requester.Name), nil
	})
	services.RegisterFactory(plugin.ServiceConfig, func(requester plugin.Info) (any, error) {
		return cfg.Sub("plugins." + requester.Name), nil
	})

	health := registry.NewHealthChecks()
	services.RegisterFactory(plugin.ServiceHealth, func(requester plugin.Info) (any, error) {
		return health.For(requester.Name), nil
	})

	// Plugin config blobs are encrypted at rest. Without a configured key
	// an ephemeral one is generated; stored secrets then only survive
	// this process.
	secretKey := viperCfg.GetString("secrets.key")
	if secretKey == "" {
		secretKey = pluginconfig.GenerateKey()
		logger.Warn("using auto-generated plugin config key (set secrets.key in config to keep encrypted values readable across restarts)",
			zap.String("component", "pluginconfig"),
		)
	}
	pcSvc, err := pluginconfig.NewService(db.Pool(), secretKey)
	if err != nil {
		logger.Fatal("plugin config service failed", zap.Error(err))
	}
	services.RegisterFactory(plugin.ServicePluginConfig, func(requester plugin.Info) (any, error) {
		return pcSvc.For(requester.Name), nil
	})

	// Built-in plugins. Factories return shared instances so the
	// composition root can reach module accessors after init.
	accessMod := access.NewModule(db.Pool(), mgr, nil, access.Settings{
		CredentialSignUp: viperCfg.GetBool("access.credential_sign_up_enabled"),
	})
	queueMod := queue.NewModule(logger.Named("queue"))
	queueRedis := queue.NewRedisModule(rdb)
	mgr.RegisterBuiltin(func() plugin.Plugin { return accessMod })
	mgr.RegisterBuiltin(func() plugin.Plugin { return queueMod })
	mgr.RegisterBuiltin(func() plugin.Plugin { return queueRedis })

	// Inter-plugin fetch resolves service tokens through the access
	// module once it has initialized.
	internalURL := viperCfg.GetString("server.internal_url")
	issuer := &issuerAdapter{access: accessMod}
	services.RegisterFactory(plugin.ServiceFetch, func(requester plugin.Info) (any, error) {
		return registry.NewFetcher(requester.Name, internalURL, issuer), nil
	})

	// Three-phase boot: discover, register, topological init, ready.
	names, err := mgr.Discover(ctx)
	if err != nil {
		logger.Fatal("plugin discovery failed", zap.Error(err))
	}
	if err := mgr.RegisterAll(names); err != nil {
		logger.Fatal("plugin registration failed", zap.Error(err))
	}
	if err := mgr.InitAll(ctx); err != nil {
		logger.Fatal("plugin initialization failed", zap.Error(err))
	}
	if err := mgr.ReadyAll(ctx); err != nil {
		logger.Fatal("plugin ready phase failed", zap.Error(err))
	}
	if err := mgr.StartCoordination(); err != nil {
		logger.Fatal("cluster coordination failed", zap.Error(err))
	}
	logger.Info("plugins ready", zap.Strings("plugins", names))

	// Signals socket for connected frontends.
	wsHandler, err := ws.NewHandler(accessMod.Authenticator(), broker, logger.Named("ws"))
	if err != nil {
		logger.Fatal("signals handler failed", zap.Error(err))
	}

	addr := fmt.Sprintf("%s:%d", viperCfg.GetString("server.host"), viperCfg.GetInt("server.port"))
	readyCheck := server.ReadinessChecker(func(ctx context.Context) error {
		return db.Pool().Ping(ctx)
	})
	srv := server.New(addr, mgr, accessMod.Authenticator(), accessMod.EvaluatorFor(access.PluginID), wsHandler, readyCheck, logger.Named("server"))

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("Coreplane server ready", zap.String("addr", addr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	mgr.Shutdown(shutdownCtx)
	if err := broker.Shutdown(shutdownCtx); err != nil {
		logger.Error("bus shutdown error", zap.Error(err))
	}

	logger.Info("Coreplane server stopped")
}

// issuerAdapter defers token issuing to the access module, which is only
// constructed fully during plugin init. Lives in the composition root to
// avoid coupling the fetch client to the access package.
type issuerAdapter struct {
	access *access.Module
}

func (a *issuerAdapter) IssueServiceToken(ctx context.Context, pluginID string) (string, error) {
	authn := a.access.Authenticator()
	if authn == nil {
		return "", fmt.Errorf("access module not initialized")
	}
	return authn.IssueServiceToken(ctx, pluginID)
}
