package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"toolgate/internal/aggregator"
	"toolgate/internal/config"
	"toolgate/internal/runtime"
	"toolgate/internal/secrets"
	"toolgate/internal/session"
	"toolgate/internal/store"
	"toolgate/pkg/logging"
)

// Application owns every long-lived component of the gateway and their
// initialization order: persistent store first, then secrets, then the
// lifecycle manager with reconciliation, and the aggregator last. Teardown
// runs in reverse.
type Application struct {
	cfg        *Config
	gatewayCfg config.GatewayConfig

	store      store.Store
	secrets    *secrets.Store
	manager    *runtime.Manager
	registry   *aggregator.Registry
	server     *aggregator.Server
	watcher    *config.Watcher
	defs       []config.ServerDefinition
}

// NewApplication bootstraps the gateway from process options.
func NewApplication(ctx context.Context, cfg *Config) (*Application, error) {
	level := logging.LevelInfo
	if cfg.Debug {
		level = logging.LevelDebug
	}
	var logOutput io.Writer = os.Stderr
	if cfg.Silent {
		logOutput = io.Discard
	}
	logging.Init(level, logOutput)

	gatewayCfg, err := config.LoadConfig(cfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if cfg.Transport != "" {
		gatewayCfg.Transport = cfg.Transport
	}
	if err := config.ValidateGatewayConfig(&gatewayCfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	defs, err := config.LoadServerDefinitions(cfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("loading server definitions: %w", err)
	}
	logging.Info("Bootstrap", "Loaded %d server definitions", len(defs))

	app := &Application{cfg: cfg, gatewayCfg: gatewayCfg, defs: defs}

	// Persistence first: reconciliation depends on it.
	if dsn := gatewayCfg.Store.DSN; dsn != "" {
		pg, err := store.OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("opening persistent store: %w", err)
		}
		app.store = pg
		logging.Info("Bootstrap", "Persistent store ready")
	} else {
		app.store = store.NewMemoryStore()
		logging.Info("Bootstrap", "No store DSN configured, instance state will not survive restarts")
	}

	sec, err := secrets.NewStore(gatewayCfg.DataDir)
	if err != nil {
		app.store.Close()
		return nil, fmt.Errorf("opening secret store: %w", err)
	}
	app.secrets = sec

	rt := runtime.NewContainerRuntime(gatewayCfg.Runtime.Engine)
	app.manager = runtime.NewManager(runtime.Options{
		Runtime:   rt,
		Secrets:   sec,
		Store:     app.store,
		DataDir:   gatewayCfg.DataDir,
		Cfg:       gatewayCfg.Runtime,
		Lifecycle: gatewayCfg.Lifecycle,
		Probe:     session.Probe,
	})
	app.manager.Reconcile(ctx, defs)

	app.registry = aggregator.NewRegistry(&managerProvider{manager: app.manager})
	app.registry.SetSessionStore(app.store)
	app.registry.SetDefinitions(defs)
	app.server = aggregator.NewServer(gatewayCfg, app.registry)

	return app, nil
}

// managerProvider adapts the lifecycle manager to the aggregator's
// instance provider.
type managerProvider struct {
	manager *runtime.Manager
}

func (p *managerProvider) EnsureRunning(ctx context.Context, def config.ServerDefinition) (aggregator.Endpoint, error) {
	inst, err := p.manager.EnsureRunning(ctx, def)
	if err != nil {
		return aggregator.Endpoint{}, err
	}
	inst.Touch()
	return aggregator.Endpoint{URL: inst.Endpoint(), Env: inst.LaunchEnv()}, nil
}
