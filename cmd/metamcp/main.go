// Command metamcp is the client-facing entrypoint a coding agent spawns
// over stdio. By default it acts as the proxy bridge: it locates (or
// spawns) the shared daemon and relays MCP JSON-RPC frames between its own
// stdio and the daemon's loopback endpoint. With -no-daemon it hosts the
// meta-tool server directly in this process instead, skipping the daemon
// entirely.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/toolmesh/metamcp/internal/bridge"
	"github.com/toolmesh/metamcp/internal/config"
	"github.com/toolmesh/metamcp/internal/runtime"
	"github.com/toolmesh/metamcp/internal/session"
)

func main() {
	configPath := flag.String("config", "", "path to the metamcp config file")
	daemonDir := flag.String("daemon-dir", defaultDaemonDir(), "directory for the daemon registry")
	endpoint := flag.String("endpoint", "", "explicit daemon endpoint, bypassing the registry")
	noDaemon := flag.Bool("no-daemon", false, "host the meta-tool server directly in this process")
	noSpawn := flag.Bool("no-spawn", false, "never spawn the daemon; fail if none is running")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "metamcp: -config is required")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.NewLoader(*configPath, logger).Load()
	if err != nil {
		logger.Error("load config failed", "error", err)
		os.Exit(1)
	}
	if cfg.Daemon.DaemonDir == "" {
		cfg.Daemon.DaemonDir = *daemonDir
	}

	if *noDaemon {
		runDirect(ctx, cfg, logger)
		return
	}

	runBridged(ctx, cfg, logger, *configPath, *endpoint, *noSpawn)
}

func runDirect(ctx context.Context, cfg *config.Config, logger *slog.Logger) {
	rt, err := runtime.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("build runtime failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = rt.Close() }()

	srv := session.New(rt.Handlers, rt.NewTracker())
	if err := mcpserver.NewStdioServer(srv).Listen(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Error("stdio server exited", "error", err)
		os.Exit(1)
	}
}

func runBridged(ctx context.Context, cfg *config.Config, logger *slog.Logger, configPath, endpointOverride string, noSpawn bool) {
	b := bridge.New(bridge.Options{
		Endpoint:     endpointOverride,
		SharedSecret: cfg.Daemon.SharedSecret,
		DaemonDir:    cfg.Daemon.DaemonDir,
		ConfigHash:   cfg.Daemon.ConfigHash,
		NoSpawn:      noSpawn,
		Spawn: func(ctx context.Context) error {
			return spawnDaemon(ctx, configPath)
		},
	}, logger)

	if err := b.Connect(ctx); err != nil {
		logger.Error("connect to daemon failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = b.Close() }()

	if err := b.Run(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Error("bridge relay exited", "error", err)
		os.Exit(1)
	}
}

// spawnDaemon starts the daemon as a detached background process and gives
// it a moment to bind and publish its registry entry before returning.
func spawnDaemon(_ context.Context, configPath string) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	daemonExe := filepath.Join(filepath.Dir(exe), "metamcpd")
	cmd := exec.Command(daemonExe, "-config", configPath)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return err
	}
	time.Sleep(500 * time.Millisecond)
	return nil
}

func defaultDaemonDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "metamcp", "daemon")
	}
	return filepath.Join(os.TempDir(), "metamcp-daemon")
}
