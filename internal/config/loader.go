package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Observer is notified when the on-disk configuration changes.
type Observer interface {
	OnConfigChange(ctx context.Context, cfg *Config)
}

// Loader is a thin adapter over viper plus fsnotify hot-reload. Core
// packages never import viper directly; they consume the *Config it
// produces. The loader itself is a boundary collaborator.
type Loader struct {
	v         *viper.Viper
	logger    *slog.Logger
	mu        sync.Mutex
	observers []Observer
}

// NewLoader constructs a Loader reading path (YAML, JSON, or TOML, resolved
// by viper from the file extension).
func NewLoader(path string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	v := viper.New()
	v.SetConfigFile(path)
	return &Loader{v: v, logger: logger.With("sub-component", "config loader")}
}

// RegisterObserver adds an Observer invoked on every successful hot-reload.
func (l *Loader) RegisterObserver(obs Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, obs)
}

// Load reads and unmarshals the config file once, applying defaults.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// Watch begins watching the config file for changes, invoking registered
// observers with the freshly reloaded Config on each write. Errors
// reloading a changed file are logged, not propagated: the previous valid
// Config remains in effect, matching this codebase's "notify observers, keep
// running" posture.
func (l *Loader) Watch(ctx context.Context) {
	l.v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := l.Load()
		if err != nil {
			l.logger.Error("config reload failed, keeping previous config", "error", err)
			return
		}
		l.mu.Lock()
		observers := append([]Observer(nil), l.observers...)
		l.mu.Unlock()
		for _, obs := range observers {
			go obs.OnConfigChange(ctx, cfg)
		}
	})
	l.v.WatchConfig()
}
