package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mattjoyce/snapline/internal/api"
	"github.com/mattjoyce/snapline/internal/lock"
	"github.com/mattjoyce/snapline/internal/log"
	"github.com/mattjoyce/snapline/internal/mcpserver"
)

const pidLockName = "snapline.lock"

func runServe(args []string) int {
	fs := newFlagSet("serve")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	stdio := fs.Bool("stdio", false, "Serve MCP over stdin/stdout instead of HTTP")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := bootstrap(ctx, *configPath)
	if a == nil {
		return 1
	}
	defer a.Close()
	cfg := a.cfg
	logger := a.logger
	logger.Info("snapline starting", "version", version, "config", cfg.Path, "data_dir", cfg.Workspaces.DataDir)

	pidLockPath := filepath.Join(cfg.Workspaces.DataDir, pidLockName)
	if err := os.MkdirAll(cfg.Workspaces.DataDir, 0o755); err != nil {
		logger.Error("failed to create data dir", "path", cfg.Workspaces.DataDir, "error", err)
		return 1
	}
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer func() { _ = pidLock.Release() }()
	logger.Info("acquired PID lock", "path", pidLockPath)

	mcp := mcpserver.New(a.pool, cfg.Workspaces.DefaultSession, currentVersionInfo().Version)
	if *stdio {
		logger.Info("serving MCP over stdio")
		if err := mcp.ServeStdio(); err != nil {
			logger.Error("mcp stdio server failed", "error", err)
			return 1
		}
		return 0
	}

	if !cfg.API.Enabled {
		logger.Error("api.enabled is false; nothing to serve (use --stdio for MCP over stdio)")
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	apiConfig := api.Config{
		Listen: cfg.API.Listen,
		APIKey: cfg.API.APIKey,
	}
	if cfg.MCP.Enabled {
		apiConfig.MCPPath = cfg.MCP.Path
		apiConfig.MCPHandler = mcp.HTTPHandler()
	}
	apiServer := api.New(apiConfig, a.pool, a.registry.Defs(), a.hub, a.metrics, log.WithComponent("api"))

	done := make(chan error, 1)
	go func() { done <- apiServer.Start(ctx) }()
	logger.Info("API server enabled", "listen", cfg.API.Listen, "mcp", cfg.MCP.Enabled)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("api shutdown failed", "error", err)
			return 1
		}
		return 0
	case err := <-done:
		logger.Error("api server failed", "error", err)
		return 1
	}
}
