package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vjranagit/historian/internal/config"
	"github.com/vjranagit/historian/pkg/api"
	"github.com/vjranagit/historian/pkg/backend"
	"github.com/vjranagit/historian/pkg/metadata"
	"github.com/vjranagit/historian/pkg/metrics"
	"github.com/vjranagit/historian/pkg/notify"
	"github.com/vjranagit/historian/pkg/pap"
	"github.com/vjranagit/historian/pkg/proxy"
	"github.com/vjranagit/historian/pkg/replicate"
	"github.com/vjranagit/historian/pkg/store"
	"github.com/vjranagit/historian/pkg/trace"
)

// node holds what one serve run started, in start order.
type node struct {
	cfg     *config.Config
	logger  *slog.Logger
	catalog *metadata.Catalog
	stats   *metrics.Stats
	hub     *notify.Hub
	nc      *nats.Conn
	// devices backs every simulated bridge client so registers survive
	// metadata reloads.
	devices *pap.MemoryClient

	stops []func() error
}

func (n *node) onStop(fn func() error) {
	n.stops = append(n.stops, fn)
}

// stop runs the stop functions in reverse start order.
func (n *node) stop() {
	for i := len(n.stops) - 1; i >= 0; i-- {
		if err := n.stops[i](); err != nil {
			n.logger.Warn("Shutdown step failed", "error", err)
		}
	}
}

// resolver returns the catalog as a resolver, or nil when none is
// configured so that every point is accepted.
func (n *node) resolver() metadata.Resolver {
	if n.cfg.Catalog.Path == "" {
		return nil
	}
	return n.catalog
}

func runServe(cmd *cobra.Command, v *viper.Viper) error {
	cfg, logger, err := loadConfig(v)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	n := &node{cfg: cfg, logger: logger}
	defer n.stop()

	reg := metrics.NewRegistry()
	if n.stats, err = metrics.New(reg); err != nil {
		return err
	}

	if err := n.setupCatalog(ctx); err != nil {
		return err
	}

	n.hub = notify.NewHub(notify.DefaultBuffer, logger)
	n.onStop(func() error { n.hub.Close(); return nil })

	if cfg.Replicator.Enabled || (cfg.Role == config.RolePAP && !cfg.PAP.Simulate) {
		nc, err := replicate.Connect(cfg.Replicator.URL, "historian-"+cfg.Store.Name, logger)
		if err != nil {
			return err
		}
		n.nc = nc
		n.onStop(func() error { return nc.Drain() })
	}

	listeners, err := n.listeners()
	if err != nil {
		return err
	}

	var served store.Store
	switch cfg.Role {
	case config.RoleStore:
		served, err = n.startStore(listeners)
	case config.RoleProxy:
		served, err = n.startProxy()
	case config.RolePAP:
		served, err = n.startBridge(ctx, listeners)
	}
	if err != nil {
		return err
	}

	server := api.NewServer(served, api.Options{
		Addr:         cfg.Server.ListenAddr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		Gatherer:     reg,
		Notices:      n.hub,
		Logger:       logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutdown signal received, stopping server")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("Server shutdown error", "error", err)
	}
	logger.Info("Server stopped")
	return nil
}

func (n *node) setupCatalog(ctx context.Context) error {
	catalog, err := metadata.NewCatalog()
	if err != nil {
		return err
	}
	n.catalog = catalog

	path := n.cfg.Catalog.Path
	if path == "" {
		return nil
	}
	if err := catalog.Reload(path); err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	n.logger.Info("Catalog loaded", "path", path, "points", catalog.Len(), "stores", catalog.Stores())

	if n.cfg.Catalog.Watch {
		go func() {
			if err := catalog.Watch(ctx, path, n.logger); err != nil {
				n.logger.Error("Catalog watch stopped", "error", err)
			}
		}()
	}
	return nil
}

func (n *node) listeners() (store.Listeners, error) {
	listeners := store.Listeners{Notifier: n.hub}

	if n.cfg.Replicator.Enabled {
		listeners.Replicator = replicate.New(n.nc, n.cfg.Replicator.Subject, n.cfg.Store.Name, n.logger)
	}

	if n.cfg.Traces.Enabled {
		log, err := trace.Open(n.cfg.Traces.Dir, n.cfg.Store.Name)
		if err != nil {
			return listeners, fmt.Errorf("failed to open trace log: %w", err)
		}
		n.logger.Info("Tracing updates", "path", log.Path())
		listeners.Tracer = log
		n.onStop(log.Close)
	}
	return listeners, nil
}

func (n *node) startStore(listeners store.Listeners) (store.Store, error) {
	opts := n.cfg.ToStoreOptions(n.logger)
	opts.Catalog = n.resolver()
	opts.Listeners = listeners
	opts.Stats = n.stats

	server := store.NewServer(backend.New(n.cfg.ToBackendConfig(n.logger)), opts)
	if err := server.Start(); err != nil {
		return nil, err
	}
	n.onStop(server.Stop)

	if n.cfg.Replicator.Enabled {
		sub, err := replicate.Subscribe(n.nc, n.cfg.Replicator.Subject, replicate.NewReceiver(server, nil, n.logger))
		if err != nil {
			return nil, fmt.Errorf("failed to subscribe to replicas: %w", err)
		}
		n.onStop(sub.Unsubscribe)
	}
	return server, nil
}

func (n *node) startProxy() (store.Store, error) {
	remotes, err := n.cfg.ProxyStores()
	if err != nil {
		return nil, err
	}
	var stores []store.Store
	for name, url := range remotes {
		stores = append(stores, api.NewClient(name, url, nil))
	}

	p := proxy.New(n.catalog, proxy.Options{
		Name:           n.cfg.Store.Name,
		ListenerUser:   n.cfg.Proxy.ListenerUser,
		RouteCacheSize: n.cfg.Proxy.RouteCacheSize,
		RouteTTL:       n.cfg.Proxy.RouteTTL,
		Stats:          n.stats,
		Logger:         n.logger,
	}, stores...)
	n.catalog.OnChange(func(*metadata.Catalog) { p.ResetPointStores() })
	n.onStop(func() error { p.Stop(); return nil })
	return p, nil
}

func (n *node) papClient() pap.Client {
	if n.cfg.PAP.Simulate {
		if n.devices == nil {
			n.devices = pap.NewMemoryClient()
		}
		return n.devices
	}
	return pap.NewNATSClient(n.nc, n.cfg.PAP.Subject, n.cfg.PAP.Timeout)
}

func (n *node) startBridge(ctx context.Context, listeners store.Listeners) (store.Store, error) {
	bridge := pap.NewBridge(pap.Options{
		Name:         n.cfg.Store.Name,
		ListenerUser: n.cfg.PAP.ListenerUser,
		Listeners:    listeners,
		Stats:        n.stats,
		Logger:       n.logger,
	})
	if err := bridge.AcceptMetadata(ctx, n.papClient(), n.resolver()); err != nil {
		return nil, err
	}
	n.catalog.OnChange(func(*metadata.Catalog) {
		if err := bridge.AcceptMetadata(ctx, n.papClient(), n.resolver()); err != nil {
			n.logger.Error("Failed to accept reloaded metadata", "error", err)
		}
	})
	n.onStop(bridge.Stop)
	return bridge, nil
}
