package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"toolgate/internal/config"
	"toolgate/pkg/logging"
)

// Run starts the gateway and blocks until the context is cancelled or a
// termination signal arrives, then tears everything down in reverse
// order: protocol server first, then instances and their secrets.
func (a *Application) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.server.Start(ctx); err != nil {
		return fmt.Errorf("starting aggregator server: %w", err)
	}

	go a.manager.Run(ctx)

	if !a.cfg.NoWatch {
		watcher, err := config.NewWatcher(a.cfg.ConfigPath, a.onDefinitionsChanged(ctx))
		if err != nil {
			logging.Warn("Bootstrap", "Definition watcher unavailable: %v", err)
		} else {
			a.watcher = watcher
			go watcher.Run(ctx)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		logging.Info("Bootstrap", "Received %s, shutting down", sig)
	}

	return a.shutdown()
}

// onDefinitionsChanged applies a reloaded definition set and refreshes
// the catalog.
func (a *Application) onDefinitionsChanged(ctx context.Context) func([]config.ServerDefinition) {
	return func(defs []config.ServerDefinition) {
		logging.Info("Bootstrap", "Server definitions changed, applying %d definitions", len(defs))
		a.defs = defs
		a.registry.SetDefinitions(defs)
		a.server.RefreshCatalog(ctx)
	}
}

func (a *Application) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting calls before tearing down the backends serving them.
	if err := a.server.Stop(shutdownCtx); err != nil {
		logging.Error("Bootstrap", err, "Stopping aggregator server")
	}

	a.manager.Shutdown(shutdownCtx)
	a.store.Close()

	logging.Info("Bootstrap", "Shutdown complete")
	return nil
}
