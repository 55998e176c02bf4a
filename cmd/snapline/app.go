package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/mattjoyce/snapline/internal/blob"
	"github.com/mattjoyce/snapline/internal/command"
	"github.com/mattjoyce/snapline/internal/config"
	"github.com/mattjoyce/snapline/internal/events"
	"github.com/mattjoyce/snapline/internal/executor"
	"github.com/mattjoyce/snapline/internal/finalize"
	"github.com/mattjoyce/snapline/internal/log"
	"github.com/mattjoyce/snapline/internal/orchestrator"
	"github.com/mattjoyce/snapline/internal/protocol"
	"github.com/mattjoyce/snapline/internal/session"
	"github.com/mattjoyce/snapline/internal/snapshot"
	"github.com/mattjoyce/snapline/internal/storage"
)

// configEnv names the environment variable consulted when --config is unset.
const configEnv = "SNAPLINE_CONFIG"

// loadConfig resolves the config path from the flag, then $SNAPLINE_CONFIG,
// then ./config.yaml. With none of those present the built-in defaults apply.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv(configEnv)
	}
	if path == "" {
		if _, err := os.Stat(config.FileName); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return config.Defaults(), nil
			}
			return nil, err
		}
		path = config.FileName
	}
	return config.Load(path)
}

// app holds everything a process needs to serve workspace operations.
type app struct {
	cfg       *config.Config
	db        *storage.DB
	sessions  *session.Store
	pool      *orchestrator.Pool
	registry  *command.Registry
	hub       *events.Hub
	metrics   *prometheus.Registry
	publisher blob.Store
	logger    *slog.Logger
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := log.WithComponent("main")

	if err := storage.ValidateLocalFilesystem(cfg.Workspaces.DataDir, "workspaces.data_dir"); err != nil {
		return nil, err
	}
	db, err := storage.Open(ctx, storage.Config{
		Driver: cfg.State.Driver,
		Path:   cfg.State.Path,
		DSN:    cfg.State.DSN,
	})
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	logger.Debug("state database opened", "driver", db.Dialect)

	sessions, err := session.NewStore(db, cfg.Workspaces.DataDir)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exec, err := executor.New(executor.Config{
		WorkerCommand:  cfg.Executor.WorkerCommand,
		MaxWorkers:     cfg.Executor.MaxWorkers,
		DefaultTimeout: cfg.Executor.DefaultTimeout,
		Timeouts:       cfg.Executor.Timeouts,
		GracePeriod:    cfg.Executor.GracePeriod,
		Sandbox:        cfg.Executor.Sandbox,
		Toolchain: protocol.Toolchain{
			SourceDB: cfg.Toolchain.SourceDB,
			MaxRows:  cfg.Toolchain.MaxDatasetRows,
		},
		LogLevel: cfg.Service.LogLevel,
	}, metrics)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	publisher, err := blob.Open(ctx, blob.Config{
		Driver: cfg.Publish.Driver,
		Dir:    cfg.Publish.Dir,
		S3: blob.S3Config{
			Bucket:    cfg.Publish.S3.Bucket,
			Region:    cfg.Publish.S3.Region,
			Endpoint:  cfg.Publish.S3.Endpoint,
			Prefix:    cfg.Publish.S3.Prefix,
			PathStyle: cfg.Publish.S3.PathStyle,
		},
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open publisher: %w", err)
	}

	registry := command.Builtins()
	hub := events.NewHub(256)
	pool := orchestrator.NewPool(sessions, orchestrator.Config{
		Snapshot: snapshot.Options{
			LinkThreshold: cfg.Workspaces.LinkThresholdBytes,
			BulkDirs:      cfg.Workspaces.BulkDirs,
		},
		MaxDepth: cfg.Workspaces.MaxDepth,
		Registry: registry,
		Runner:   exec,
		Events:   hub,
		Finalize: finalize.Options{
			ConfigDigest: cfg.Digest,
			Bundle:       publisher != nil,
			Publisher:    publisher,
		},
	})

	return &app{
		cfg:       cfg,
		db:        db,
		sessions:  sessions,
		pool:      pool,
		registry:  registry,
		hub:       hub,
		metrics:   metrics,
		publisher: publisher,
		logger:    logger,
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn("close state database", "error", err)
	}
}

// session resolves name, falling back to the configured default session.
func (a *app) session(ctx context.Context, name string) (*orchestrator.Orchestrator, error) {
	if name == "" {
		name = a.cfg.Workspaces.DefaultSession
	}
	return a.pool.Orchestrator(ctx, name)
}

// bootstrap loads the config, sets up logging and opens the app. Errors are
// printed; a nil app means the caller should exit 1.
func bootstrap(ctx context.Context, configPath string) *app {
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil
	}
	// Commands print results on stdout; keep logs out of the way.
	log.SetupWriter(cfg.Service.LogLevel, os.Stderr)
	a, err := openApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return nil
	}
	return a
}
