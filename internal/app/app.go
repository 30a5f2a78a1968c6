// Package app wires the runbox components together from configuration and
// owns their startup and shutdown order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/seantiz/runbox/internal/api"
	"github.com/seantiz/runbox/internal/cache"
	"github.com/seantiz/runbox/internal/config"
	"github.com/seantiz/runbox/internal/engine"
	"github.com/seantiz/runbox/internal/installer"
	"github.com/seantiz/runbox/internal/sandbox"
	"github.com/seantiz/runbox/internal/sandbox/firecracker"
	"github.com/seantiz/runbox/internal/store"
)

// drainTimeout bounds how long shutdown waits for in-flight executions.
const drainTimeout = 30 * time.Second

// App is a fully wired runbox service.
type App struct {
	cfg     config.Config
	logger  *slog.Logger
	cache   *cache.Registry
	store   store.Store
	engine  *engine.Engine
	janitor *engine.Janitor
	server  *api.Server
}

// New builds every component from cfg. Nothing is started until Run.
func New(ctx context.Context, cfg config.Config, version string, logger *slog.Logger) (*App, error) {
	if err := os.MkdirAll(cfg.ExecDir, 0o755); err != nil {
		return nil, fmt.Errorf("create exec dir: %w", err)
	}
	if dir := filepath.Dir(cfg.DBPath); cfg.DBPath != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	reg, err := OpenCache(cfg, logger)
	if err != nil {
		return nil, err
	}

	sandboxes, err := NewSandboxes(ctx, cfg, logger)
	if err != nil {
		reg.Close(ctx)
		return nil, err
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		reg.Close(ctx)
		return nil, fmt.Errorf("open database: %w", err)
	}

	inst := installer.New(reg, NewFetcher(cfg, logger), logger, installer.WithTimeout(cfg.InstallTimeout))

	eng, err := engine.New(engine.Config{
		DefaultTimeout: cfg.DefaultTimeout(),
		MaxTimeout:     cfg.MaxTimeout(),
		Workers:        cfg.AsyncWorkers,
	}, reg, inst, sandboxes, db, logger)
	if err != nil {
		db.Close()
		reg.Close(ctx)
		return nil, err
	}

	janitor, err := engine.NewJanitor(engine.JanitorConfig{
		Schedule:  cfg.JanitorSchedule,
		ExecDir:   cfg.ExecDir,
		Retention: cfg.HistoryRetention,
	}, reg, db, eng.Broker(), logger)
	if err != nil {
		eng.Shutdown(ctx)
		db.Close()
		reg.Close(ctx)
		return nil, err
	}

	logger.Info("runbox configured",
		"version", version,
		"sandbox", sandboxes.Default(),
		"fetcher", inst.Fetcher(),
		"cache_dir", cfg.CacheDir,
		"cache_limit_bytes", reg.Stats().LimitBytes,
	)

	srv := api.NewServer(api.Options{
		Addr:           cfg.ListenAddr,
		Version:        version,
		AuthToken:      cfg.AuthToken,
		InstallTimeout: cfg.InstallTimeout,
	}, db, eng, reg, logger)

	return &App{
		cfg:     cfg,
		logger:  logger,
		cache:   reg,
		store:   db,
		engine:  eng,
		janitor: janitor,
		server:  srv,
	}, nil
}

// OpenCache opens the cache registry at the configured root.
func OpenCache(cfg config.Config, logger *slog.Logger) (*cache.Registry, error) {
	reg, err := cache.Open(cache.Config{
		Root:     cfg.CacheDir,
		MaxBytes: cfg.CacheMaxBytes,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return reg, nil
}

// NewFetcher returns the package fetcher selected by RUNBOX_FETCHER.
func NewFetcher(cfg config.Config, logger *slog.Logger) installer.Fetcher {
	if cfg.Fetcher == config.FetcherRegistry {
		return installer.NewRegistryFetcher(cfg.NPMRegistry, installer.RegistryOptions{
			Concurrency: cfg.FetchConcurrency,
			Logger:      logger,
		})
	}
	return installer.NewNPMFetcher(cfg.NPMBin, cfg.NPMRegistry, installer.ExecRunner{})
}

// NewSandboxes registers the sandboxes requests may use: the configured
// default plus RUNBOX_SANDBOX_ALLOWED. Requests naming any other sandbox
// fail validation. An allowed microVM sandbox is skipped when its kernel,
// image or KVM is missing, unless it is the default.
func NewSandboxes(ctx context.Context, cfg config.Config, logger *slog.Logger) (*sandbox.Registry, error) {
	reg := sandbox.NewRegistry(cfg.Sandbox)

	for _, name := range cfg.AllowedSandboxes() {
		switch name {
		case config.SandboxIsolate:
			reg.Register(name, sandbox.NewIsolateSandbox(sandbox.IsolateConfig{Logger: logger}))
		case config.SandboxProcess:
			reg.Register(name, sandbox.NewProcessSandbox(sandbox.ProcessConfig{
				NodeBin:        cfg.NodeBin,
				WorkDir:        cfg.ExecDir,
				MemoryMB:       cfg.MemoryLimitMB,
				CPUSeconds:     cpuSeconds(cfg.MaxTimeout()),
				PermissionFlag: cfg.NodePermissionFlag,
				Logger:         logger,
			}))
		case config.SandboxDocker:
			reg.Register(name, sandbox.NewDockerSandbox(sandbox.DockerConfig{
				Bin:       cfg.Docker.Bin,
				Image:     cfg.Docker.Image,
				WorkDir:   cfg.ExecDir,
				MemoryMB:  cfg.MemoryLimitMB,
				CPUs:      cfg.Docker.CPUs,
				PidsLimit: cfg.Docker.PidsLimit,
				Logger:    logger,
			}))
		case config.SandboxFirecracker:
			fcCfg, err := firecracker.LoadConfig(ctx)
			if err != nil {
				return nil, err
			}
			fc := firecracker.New(fcCfg, logger)
			if err := fc.Verify(); err != nil {
				if name == cfg.Sandbox {
					return nil, fmt.Errorf("firecracker sandbox unavailable: %w", err)
				}
				logger.Info("firecracker sandbox disabled", "reason", err)
				continue
			}
			reg.Register(name, fc)
		default:
			return nil, fmt.Errorf("unknown sandbox %q", name)
		}
	}

	return reg, nil
}

// cpuSeconds gives a script CPU time for the longest allowed run plus a
// margin for node startup.
func cpuSeconds(maxTimeout time.Duration) int {
	return int(maxTimeout/time.Second) + 5
}

// Run starts the background components and serves HTTP until ctx is
// cancelled. Shutdown stops accepting requests first, then maintenance,
// then waits for executions and finally closes the cache and the database.
func (a *App) Run(ctx context.Context) error {
	a.cache.Start(ctx)
	a.janitor.Start()

	// Settle the cache once at startup in case the ceiling was lowered.
	if rep := a.cache.EvictIfOverLimit(); len(rep.Evicted) > 0 {
		a.logger.Info("startup eviction", "evicted", len(rep.Evicted), "freed_bytes", rep.FreedBytes)
	}

	serveErr := a.server.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	return errors.Join(serveErr, a.Close(shutdownCtx))
}

// Close stops every component in dependency order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.janitor.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.engine.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	a.engine.Sandboxes().Shutdown()
	if err := a.cache.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close cache: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	a.logger.Info("runbox stopped")
	return errors.Join(errs...)
}

// Server exposes the HTTP server, for tests.
func (a *App) Server() *api.Server {
	return a.server
}
