package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ReloadState represents the current state of the config reloader
type ReloadState string

const (
	// ReloadStateIdle indicates the reloader is idle
	ReloadStateIdle ReloadState = "idle"
	// ReloadStateReloading indicates a reload is in progress
	ReloadStateReloading ReloadState = "reloading"
	// ReloadStateStopped indicates the reloader is stopped
	ReloadStateStopped ReloadState = "stopped"
)

// reloadTimeout bounds the callbacks of one signal-triggered reload
const reloadTimeout = 30 * time.Second

// ReloadCallback applies a freshly loaded configuration. Settings that
// only take effect at startup (listen address, routing id) are ignored by
// the broker's callbacks.
type ReloadCallback func(ctx context.Context, newConfig *Config) error

// Reloader re-reads the config file on SIGHUP. It logs through slog
// directly since internal/logger depends on this package.
type Reloader struct {
	mu            sync.RWMutex
	configPath    string
	currentConfig *Config
	state         ReloadState
	signalChan    chan os.Signal
	stopCh        chan struct{}
	started       bool
	callbacks     []ReloadCallback
	logger        *slog.Logger
}

// NewReloader creates a reloader for configPath. A nil logger discards.
func NewReloader(configPath string, initialConfig *Config, log *slog.Logger) *Reloader {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Reloader{
		configPath:    configPath,
		currentConfig: initialConfig,
		state:         ReloadStateIdle,
		signalChan:    make(chan os.Signal, 1),
		logger:        log.With("component", "config_reloader"),
	}
}

// Start begins listening for SIGHUP
func (r *Reloader) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return
	}
	r.stopCh = make(chan struct{})
	r.state = ReloadStateIdle
	signal.Notify(r.signalChan, syscall.SIGHUP)
	r.started = true
	r.logger.Debug("Config reloader started", "config_path", r.configPath)

	go r.handleSignals(r.stopCh)
}

// Stop stops signal handling
func (r *Reloader) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return
	}
	signal.Stop(r.signalChan)
	close(r.stopCh)
	r.started = false
	r.state = ReloadStateStopped
}

// Reload loads the file again, runs the callbacks and keeps the new
// configuration if all of them succeed
func (r *Reloader) Reload(ctx context.Context) error {
	r.mu.Lock()
	if r.state == ReloadStateReloading {
		r.mu.Unlock()
		r.logger.Debug("Reload already in progress, skipping")
		return nil
	}
	prev := r.state
	r.state = ReloadStateReloading
	callbacks := append([]ReloadCallback(nil), r.callbacks...)
	r.mu.Unlock()

	r.logger.Info("Reloading configuration", "config_path", r.configPath)

	newConfig, err := Load(r.configPath)
	if err != nil {
		r.setState(prev)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	for i, callback := range callbacks {
		if err := callback(ctx, newConfig); err != nil {
			r.logger.Error("Reload callback failed", "callback", i, "error", err)
			r.setState(prev)
			return fmt.Errorf("reload callbacks failed: %w", err)
		}
	}

	r.mu.Lock()
	r.currentConfig = newConfig
	r.state = prev
	r.mu.Unlock()

	r.logger.Info("Configuration reloaded")
	return nil
}

// AddCallback adds a callback run on every reload
func (r *Reloader) AddCallback(callback ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, callback)
}

// GetConfig returns the current configuration
func (r *Reloader) GetConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentConfig
}

// State returns the current reload state
func (r *Reloader) State() ReloadState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Reloader) handleSignals(stop <-chan struct{}) {
	for {
		select {
		case sig := <-r.signalChan:
			r.logger.Info("Reload signal received", "signal", sig.String())
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
				defer cancel()
				if err := r.Reload(ctx); err != nil {
					r.logger.Error("Configuration reload failed", "error", err)
				}
			}()
		case <-stop:
			return
		}
	}
}

func (r *Reloader) setState(state ReloadState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
}

// String returns a string representation of the reload state
func (s ReloadState) String() string {
	return string(s)
}

// String returns a string representation of the reloader
func (r *Reloader) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fmt.Sprintf("Reloader{state: %s, config_path: %s, callbacks: %d}",
		r.state, r.configPath, len(r.callbacks))
}
