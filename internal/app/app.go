// Package app wires configuration, inputs, the batch runner, the results
// store and the API into the drydown commands.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/chrissnell/drydown/internal/api"
	"github.com/chrissnell/drydown/internal/pipeline"
	"github.com/chrissnell/drydown/internal/storage"
	"github.com/chrissnell/drydown/internal/storage/postgres"
	"github.com/chrissnell/drydown/internal/storage/sqlite"
	"github.com/chrissnell/drydown/pkg/config"
)

// App represents the main application
type App struct {
	cfg      *config.ConfigData
	logger   *zap.SugaredLogger
	registry *prometheus.Registry
	runner   *pipeline.Runner
	store    storage.Store

	// Background runs started through the API
	ctx     context.Context
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// New builds the runner and opens the configured store
func New(ctx context.Context, cfg *config.ConfigData, logger *zap.SugaredLogger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	runner, err := pipeline.NewRunner(cfg.Analysis, pipeline.NewMetrics(registry), logger.Named("pipeline"))
	if err != nil {
		return nil, err
	}

	store, err := OpenStore(ctx, cfg.Storage, logger.Named("storage"))
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		runner:   runner,
		store:    store,
		ctx:      ctx,
	}, nil
}

// OpenStore opens the results store selected by the configuration
func OpenStore(ctx context.Context, sc config.StorageData, logger *zap.SugaredLogger) (storage.Store, error) {
	switch sc.Backend {
	case config.BackendSQLite:
		s, err := sqlite.Open(ctx, sc.DSN, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendPostgres:
		s, err := postgres.Open(ctx, postgres.Options{DSN: sc.DSN, ConnectRetries: sc.ConnectRetries}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", sc.Backend)
	}
}

// Store returns the open results store
func (a *App) Store() storage.Store {
	return a.store
}

// Fit reads every site's inputs, runs the batch and stores the result
func (a *App) Fit(ctx context.Context) (*pipeline.Run, error) {
	inputs, err := LoadInputs(a.cfg.Sites)
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no sites configured")
	}

	run, err := a.runner.Run(ctx, inputs)
	if err != nil {
		return nil, err
	}

	if err := a.store.SaveRun(ctx, run); err != nil {
		return run, fmt.Errorf("failed to store run %s: %w", run.ID, err)
	}

	_, events, _ := storage.Records(run)
	a.logger.Infow("run stored", "run", run.ID, "sites", len(run.Sites), "events", len(events),
		"duration", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	return run, nil
}

// StartRun starts a Fit in the background. Only one may run at a time.
func (a *App) StartRun() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return api.ErrRunInProgress
	}
	if len(a.cfg.Sites) == 0 {
		return fmt.Errorf("no sites configured")
	}
	a.running = true

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			a.mu.Lock()
			a.running = false
			a.mu.Unlock()
		}()

		if _, err := a.Fit(a.ctx); err != nil {
			a.logger.Errorf("background run failed: %v", err)
		}
	}()
	return nil
}

// Serve runs the results API and blocks until a shutdown signal arrives or
// the context ends
func (a *App) Serve(ctx context.Context) error {
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.ctx = ctx

	server := api.NewServer(ctx, &wg, a.cfg.Server, a.store, api.Options{
		Trigger:    a,
		Registerer: a.registry,
		Gatherer:   a.registry,
	}, a.logger.Named("api"))
	if err := server.Start(); err != nil {
		return err
	}

	a.logger.Info("application started successfully")

	// Set up signal handling
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	// Wait for shutdown signal
	select {
	case <-sigs:
		a.logger.Info("shutdown signal received, initiating graceful shutdown...")
	case <-ctx.Done():
		a.logger.Info("context cancelled, shutting down...")
	}

	// Cancel context to signal all goroutines to stop
	cancel()

	a.logger.Info("waiting for all workers to terminate...")
	wg.Wait()
	a.wg.Wait()
	a.logger.Info("shutdown complete")

	return nil
}

// Close waits for background runs and closes the store
func (a *App) Close() error {
	a.wg.Wait()
	return a.store.Close()
}
