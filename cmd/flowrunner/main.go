// Package main is the entry point for the flowengine server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tcmartin/flowengine/pkg/api"
	"github.com/tcmartin/flowengine/pkg/config"
	"github.com/tcmartin/flowengine/pkg/events"
	"github.com/tcmartin/flowengine/pkg/loader"
	"github.com/tcmartin/flowengine/pkg/logging"
	"github.com/tcmartin/flowengine/pkg/metrics"
	"github.com/tcmartin/flowengine/pkg/nodes"
	"github.com/tcmartin/flowengine/pkg/plugins"
	"github.com/tcmartin/flowengine/pkg/registry"
	"github.com/tcmartin/flowengine/pkg/runtime"
	"github.com/tcmartin/flowengine/pkg/state"
	"github.com/tcmartin/flowengine/pkg/storage"
	"github.com/tcmartin/flowengine/pkg/triggers"
)

var (
	// Command-line flags
	configPath = flag.String("config", "", "Path to config file (JSON or YAML)")
	version    = flag.Bool("version", false, "Print version information")
)

// Version information
const (
	AppVersion = "0.1.0"
	AppName    = "flowengine"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(cfg.LogConfig())
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	app, err := NewApp(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize application", logging.Err(err))
		os.Exit(1)
	}

	// Handle graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("application failed", logging.Err(err))
			os.Exit(1)
		}
	case <-stop:
		logger.Info("shutting down gracefully")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		if err := app.Stop(ctx); err != nil {
			logger.Error("error during shutdown", logging.Err(err))
			os.Exit(1)
		}
	}
}

// App wires the engine components together
type App struct {
	config    *config.Config
	logger    logging.Logger
	provider  storage.Provider
	bus       *events.Bus
	engine    *runtime.Orchestrator
	scheduler *triggers.Scheduler
	server    *api.Server

	// cancel stops background loops such as the event heartbeat
	cancel context.CancelFunc
}

// NewApp creates a new application instance
func NewApp(cfg *config.Config, logger logging.Logger) (*App, error) {
	ctx := context.Background()

	provider, err := storage.NewProvider(cfg.ProviderConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create storage provider: %w", err)
	}
	if err := provider.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	logger.Info("storage initialized",
		logging.F("type", cfg.Storage.Type),
		logging.F("state_backend", cfg.Storage.StateBackend),
	)

	nodeRegistry := plugins.NewRegistry()
	if err := nodes.Register(nodeRegistry, nodes.Options{Logger: logger}); err != nil {
		_ = provider.Close()
		return nil, fmt.Errorf("failed to register node types: %w", err)
	}

	catalog := registry.NewWorkflowCatalog(provider.Workflows(), registry.Options{
		YAMLLoader: loader.NewYAMLLoader(nodeRegistry),
		Logger:     logger,
	})

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace)
	}

	bus := events.NewBus(events.Options{
		QueueSize:         cfg.Events.QueueSize,
		HeartbeatInterval: cfg.Events.HeartbeatInterval.Std(),
		Metrics:           collector,
		Logger:            logger,
	})

	stateStore := state.NewStore(provider.State(), logger)

	engine := runtime.NewOrchestrator(runtime.Options{
		Workflows:               provider.Workflows(),
		Executions:              provider.Executions(),
		Nodes:                   nodeRegistry,
		State:                   stateStore,
		Bus:                     bus,
		Metrics:                 collector,
		Logger:                  logger,
		Config:                  cfg.Engine.Settings(),
		MaxConcurrentExecutions: cfg.Engine.MaxConcurrentExecutions,
		AwaitTimeout:            cfg.Engine.AwaitTimeout.Std(),
	})

	if cfg.Engine.RecoverOnStart {
		n, err := engine.Recover(ctx)
		if err != nil {
			_ = provider.Close()
			return nil, fmt.Errorf("failed to recover interrupted executions: %w", err)
		}
		if n > 0 {
			logger.Warn("marked interrupted executions as failed", logging.F("count", n))
		}
	}

	app := &App{
		config:   cfg,
		logger:   logger,
		provider: provider,
		bus:      bus,
		engine:   engine,
	}

	serverOpts := api.Options{
		Config:    cfg,
		Workflows: catalog,
		Engine:    engine,
		State:     stateStore,
		Nodes:     nodeRegistry,
		Bus:       bus,
		Metrics:   collector,
		Logger:    logger,
	}

	if cfg.Triggers.Enabled {
		loc, err := time.LoadLocation(cfg.Triggers.Timezone)
		if err != nil {
			_ = provider.Close()
			return nil, fmt.Errorf("invalid triggers timezone '%s': %w", cfg.Triggers.Timezone, err)
		}
		app.scheduler = triggers.NewScheduler(triggers.Options{
			Workflows:      provider.Workflows(),
			Starter:        engine,
			Logger:         logger,
			ResyncInterval: cfg.Triggers.ResyncInterval.Std(),
			Location:       loc,
		})
		serverOpts.Schedules = app.scheduler
	}

	app.server = api.NewServer(serverOpts)
	return app, nil
}

// Start runs the background loops and the HTTP server; it blocks until the server stops
func (a *App) Start() error {
	a.logger.Info("starting", logging.F("name", AppName), logging.F("version", AppVersion))

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.bus.Run(ctx)

	if a.scheduler != nil {
		if err := a.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	return a.server.Start()
}

// Stop stops the application gracefully: no new triggers, then the HTTP server,
// then live executions, then storage
func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.scheduler != nil {
		keep(a.scheduler.Stop(ctx))
	}
	keep(a.server.Stop(ctx))
	keep(a.engine.Shutdown(ctx))

	if err := a.provider.Close(); err != nil {
		keep(fmt.Errorf("failed to close storage: %w", err))
	}
	return firstErr
}
