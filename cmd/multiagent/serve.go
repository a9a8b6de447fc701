package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/iamthamanic/multiagentultra/internal/api"
	"github.com/iamthamanic/multiagentultra/internal/catalog"
	"github.com/iamthamanic/multiagentultra/internal/config"
	"github.com/iamthamanic/multiagentultra/internal/crew"
	"github.com/iamthamanic/multiagentultra/internal/knowledge"
	"github.com/iamthamanic/multiagentultra/internal/livelog"
	"github.com/iamthamanic/multiagentultra/internal/logging"
	"github.com/iamthamanic/multiagentultra/internal/metrics"
	"github.com/iamthamanic/multiagentultra/internal/version"
	"github.com/iamthamanic/multiagentultra/internal/watcher"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second
const readHeaderTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and live log server",
		Args:  cobra.NoArgs,
		RunE:  runServeCommand,
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	configFile, err := cmd.Flags().GetString(configFlag)
	if err != nil {
		return err
	}
	cfg, err := config.Load(config.LoadOptions{
		ConfigFile: configFile,
		Flags:      cmd.Flags(),
	})
	if err != nil {
		return err
	}

	logger := logging.NewLoggerWithOutput(logging.NewLogBuffer(cfg.LogBufferSize), cfg.Level(), cmd.ErrOrStderr())
	logger.Info("multiagent starting", map[string]string{
		"version": version.Get().String(),
	})
	logger.Debug("configuration sources", cfg.SourceFields())

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	abortCtx, abort := context.WithCancel(context.Background())
	defer abort()
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	stopSignals := watchShutdownSignals(logger, cancel, abort, signals)
	defer stopSignals()

	return runServer(ctx, abortCtx, cfg, listener, logger, metrics.Default)
}

// runServer wires the services, serves on listener until ctx is done or the
// server fails, then shuts everything down in dependency order. Cancelling
// abortCtx cuts that shutdown short.
func runServer(ctx, abortCtx context.Context, cfg config.Config, listener net.Listener, logger *logging.Logger, registryMetrics *metrics.Registry) error {
	if logger == nil {
		logger = logging.Discard()
	}
	serverLogger := logger.WithCategory("server")
	coordinator := newShutdownCoordinator(serverLogger)

	crews := catalog.New(cfg.CatalogDir, logger)
	if err := crews.Reload(); err != nil {
		_ = listener.Close()
		return fmt.Errorf("load crew catalog: %w", err)
	}
	serverLogger.Info("crew catalog loaded", map[string]string{
		"dir":   cfg.CatalogDir,
		"crews": strconv.Itoa(crews.Len()),
	})

	registry := livelog.NewRegistry(livelog.RegistryOptions{
		MaxConnectionsPerChannel: cfg.MaxConnectionsPerChannel,
		SendTimeout:              cfg.WriteTimeout,
		Logger:                   logger,
		Metrics:                  registryMetrics,
	})

	store := knowledge.NewStore()
	factory := crew.NewFactory(crews, store)
	cache, err := crew.NewCache(crew.CacheOptions[*crew.Crew]{
		Build:           factory.Build,
		Teardown:        factory.Teardown,
		MaxActive:       cfg.MaxActiveCrews,
		CleanupInterval: cfg.CleanupInterval,
		IdleTimeout:     cfg.IdleTimeout,
		Logger:          logger,
		Metrics:         registryMetrics,
	})
	if err != nil {
		_ = listener.Close()
		return err
	}
	service, err := crew.NewService(crew.ServiceOptions{
		Cache:       cache,
		Definitions: crews,
		Engine:      crew.SimulatedEngine{StepDelay: cfg.DemoStepDelay},
		LiveLog:     registry,
		Logger:      logger,
		Metrics:     registryMetrics,
	})
	if err != nil {
		_ = listener.Close()
		return err
	}

	demoCtx, cancelDemos := context.WithCancel(context.Background())
	defer cancelDemos()

	mux := http.NewServeMux()
	rest := api.RegisterRoutes(mux, api.Dependencies{
		Registry:       registry,
		Service:        service,
		Knowledge:      store,
		Logger:         logger,
		Metrics:        registryMetrics,
		AuthToken:      cfg.AuthToken,
		AllowedOrigins: cfg.AllowedOrigins,
		WriteTimeout:   cfg.WriteTimeout,
		DemoStepDelay:  cfg.DemoStepDelay,
		BaseContext:    demoCtx,
	})
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	cacheCtx, stopCache := context.WithCancel(context.Background())
	defer stopCache()
	cache.Start(cacheCtx)

	coordinator.Add(phaseHTTP, server.Shutdown)
	coordinator.Add(phaseLiveLog, func(context.Context) error {
		registry.Close()
		return nil
	})
	coordinator.Add(phaseDemos, func(context.Context) error {
		cancelDemos()
		rest.WaitDemos()
		return nil
	})
	coordinator.Add(phaseSessions, cache.Shutdown)

	if cfg.WatchCatalog {
		if stop, err := watchCatalog(crews, logger); err != nil {
			serverLogger.Warn("crew catalog watch unavailable", map[string]string{
				"dir":              cfg.CatalogDir,
				logging.FieldError: err.Error(),
			})
		} else {
			coordinator.Add(phaseCatalogWatch, stop)
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()
	serverLogger.Info("multiagent listening", map[string]string{
		"addr": listener.Addr().String(),
	})

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Error("http server failed", map[string]string{
				logging.FieldError: err.Error(),
			})
			runErr = err
		}
	}

	if abortCtx == nil {
		abortCtx = context.Background()
	}
	shutdownCtx, cancel := context.WithTimeout(abortCtx, shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, coordinator.Run(shutdownCtx))
}

func watchCatalog(crews *catalog.Catalog, logger *logging.Logger) (func(context.Context) error, error) {
	fileWatcher, err := watcher.New(watcher.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	handle, err := crews.Watch(fileWatcher, func() {
		logger.WithCategory("catalog").Info("crew catalog reloaded", map[string]string{
			"crews": strconv.Itoa(crews.Len()),
		})
	})
	if err != nil {
		_ = fileWatcher.Close()
		return nil, err
	}
	return func(context.Context) error {
		return errors.Join(handle.Close(), fileWatcher.Close())
	}, nil
}
