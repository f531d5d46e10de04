// Command metamcpd runs the shared daemon: it loads configuration,
// assembles the shared runtime, and accepts proxy-bridge connections on a
// loopback endpoint until idle-shutdown or a signal stops it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/toolmesh/metamcp/internal/config"
	"github.com/toolmesh/metamcp/internal/daemon"
	"github.com/toolmesh/metamcp/internal/runtime"
)

var (
	version = "dev"
)

func main() {
	configPath := flag.String("config", "", "path to the metamcp config file")
	daemonDir := flag.String("daemon-dir", defaultDaemonDir(), "directory for the daemon registry")
	endpoint := flag.String("endpoint", "", "override the configured daemon endpoint")
	flag.Parse()

	logger := newLogger()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "metamcpd: -config is required")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	loader := config.NewLoader(*configPath, logger)
	cfg, err := loader.Load()
	if err != nil {
		logger.Error("load config failed", "error", err)
		os.Exit(1)
	}
	if *endpoint != "" {
		cfg.Daemon.Endpoint = *endpoint
	}
	if cfg.Daemon.DaemonDir == "" {
		cfg.Daemon.DaemonDir = *daemonDir
	}
	logger = logger.With("level", cfg.Logging.Level)

	rt, err := runtime.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("build runtime failed", "error", err)
		os.Exit(1)
	}

	srv := daemon.New(rt, daemon.Options{
		Endpoint:         cfg.Daemon.Endpoint,
		DaemonDir:        cfg.Daemon.DaemonDir,
		Version:          version,
		ConfigHash:       cfg.Daemon.ConfigHash,
		SharedSecret:     cfg.Daemon.SharedSecret,
		IdleTimeout:      time.Duration(cfg.Daemon.IdleTimeoutMs) * time.Millisecond,
		HeartbeatTimeout: time.Duration(cfg.Daemon.HeartbeatTimeoutMs) * time.Millisecond,
		OnIdleShutdown: func() {
			logger.Info("daemon stopped after idle timeout")
			os.Exit(0)
		},
	}, logger)

	if err := srv.Start(ctx); err != nil {
		logger.Error("daemon start failed", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func defaultDaemonDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "metamcp", "daemon")
	}
	return filepath.Join(os.TempDir(), "metamcp-daemon")
}
