package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ryanbastic/go-sheetsync/internal/api"
	"github.com/ryanbastic/go-sheetsync/internal/broker"
	"github.com/ryanbastic/go-sheetsync/internal/circuitbreaker"
	"github.com/ryanbastic/go-sheetsync/internal/config"
	"github.com/ryanbastic/go-sheetsync/internal/engine"
	"github.com/ryanbastic/go-sheetsync/internal/metrics"
	"github.com/ryanbastic/go-sheetsync/internal/shard"
	"github.com/ryanbastic/go-sheetsync/internal/storage"
	"github.com/ryanbastic/go-sheetsync/internal/trigger"
)

func main() {
	cfg := config.Load()

	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage backend
	var (
		store       storage.Store
		pluginStore trigger.PluginStore
	)
	switch cfg.StorageDriver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			logger.Error("failed to ping database", "error", err)
			os.Exit(1)
		}
		logger.Info("connected to database")

		if err := storage.RunMigrations(ctx, pool); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations complete")

		prometheus.MustRegister(metrics.NewPoolCollector(map[string]*pgxpool.Pool{"primary": pool}))
		store = storage.NewPostgresStore(pool, cfg.QueryTimeout)
		pluginStore = trigger.NewPostgresPluginStore(pool, cfg.QueryTimeout)

	case config.DriverSQLite:
		s, err := storage.OpenSQLite(cfg.SQLitePath, cfg.QueryTimeout)
		if err != nil {
			logger.Error("failed to open sqlite database", "path", cfg.SQLitePath, "error", err)
			os.Exit(1)
		}
		defer s.Close()
		logger.Info("opened sqlite database", "path", cfg.SQLitePath)

		prometheus.MustRegister(metrics.NewDBCollector(s.DB(), "sqlite"))
		store = s
		pluginStore = trigger.NewSQLitePluginStore(s.DB())
	}

	// Trigger framework
	plugins := trigger.NewPluginRegistry(pluginStore)
	if err := plugins.LoadAll(ctx); err != nil {
		logger.Error("failed to load plugins", "error", err)
		os.Exit(1)
	}
	if cfg.PluginsConfigPath != "" {
		if err := seedPlugins(plugins, cfg.PluginsConfigPath, logger); err != nil {
			logger.Error("failed to seed plugins", "path", cfg.PluginsConfigPath, "error", err)
			os.Exit(1)
		}
	}
	logger.Info("plugins loaded", "count", len(plugins.List()))

	rpcClient := trigger.NewRPCClient(cfg.TriggerRetryMax, cfg.TriggerRetryBackoff, cfg.TriggerRPCTimeout)
	notifier := trigger.NewNotifier(plugins, rpcClient, logger)

	// Persistence breaker
	breaker := circuitbreaker.New(cfg.BreakerMaxFailures, cfg.BreakerResetTimeout,
		circuitbreaker.WithIsFailure(isStorageFailure),
		circuitbreaker.WithOnStateChange(func(from, to circuitbreaker.State) {
			metrics.BreakerState.Set(float64(to))
			logger.Warn("persistence breaker state changed", "from", from.String(), "to", to.String())
		}),
	)

	policy, err := broker.PolicyFor(cfg.DenyMode, logger)
	if err != nil {
		logger.Error("invalid DENY_MODE", "error", err)
		os.Exit(1)
	}

	lanes := shard.NewLanes(cfg.Lanes, cfg.LaneDepth, logger)
	eng := engine.New(store, logger)
	b := broker.New(broker.Deps{
		Store:    store,
		Engine:   eng,
		Lanes:    lanes,
		Breaker:  breaker,
		Notifier: notifier,
		Policy:   policy,
		Logger:   logger,
	})

	// Start HTTP server
	handler := api.NewServer(api.Deps{
		Logger:         logger,
		Store:          store,
		Engine:         eng,
		Broker:         b,
		Plugins:        plugins,
		Breaker:        breaker,
		Backends:       map[string]api.Pinger{cfg.StorageDriver: store},
		SendQueue:      cfg.SendQueue,
		WriteTimeout:   cfg.WriteTimeout,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	go func() {
		logger.Info("starting HTTP server", "port", cfg.Port, "storage", cfg.StorageDriver, "lanes", lanes.Len())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down...")

	cancel()

	// Websocket sessions are hijacked, so Shutdown does not wait for them.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", "error", err)
	}

	// Drain queued mutations before the store closes, then let in-flight
	// plugin notifications finish.
	lanes.Close()
	notifier.Wait()

	logger.Info("shutdown complete")
}

// isStorageFailure reports whether err means the backend is unhealthy, as
// opposed to a lookup that found nothing.
func isStorageFailure(err error) bool {
	switch {
	case errors.Is(err, storage.ErrTabNotFound),
		errors.Is(err, storage.ErrCellNotFound),
		errors.Is(err, storage.ErrDocumentNotFound),
		errors.Is(err, storage.ErrNoPermission),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// seedPlugins registers the plugins of a config file that are not
// registered yet, matching by name.
func seedPlugins(registry *trigger.PluginRegistry, path string, logger *slog.Logger) error {
	pc, err := config.LoadPluginConfig(path)
	if err != nil {
		return err
	}
	existing := make(map[string]bool)
	for _, p := range registry.List() {
		existing[p.Name] = true
	}
	for _, def := range pc.Plugins {
		if existing[def.Name] {
			continue
		}
		p := &trigger.Plugin{Name: def.Name, Endpoint: def.Endpoint, SubscribedDocuments: def.Documents}
		if err := registry.Register(p); err != nil {
			return err
		}
		logger.Info("plugin seeded", "id", p.ID, "name", p.Name, "documents", p.SubscribedDocuments)
	}
	return nil
}
