package broker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/abboe/broker/internal/logger"
	"github.com/abboe/broker/pkg/bo"
	"github.com/abboe/broker/pkg/types"
)

// Shutdown notifies every session, waits up to the shutdown timeout for
// the close handshakes, force closes stragglers, closes the listener and
// stops the peer loops. Later calls return the first result.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.shutdownOnce.Do(func() {
		b.shutdownErr = b.shutdown(ctx)
	})
	return b.shutdownErr
}

func (b *Broker) shutdown(ctx context.Context) error {
	start := time.Now()

	b.mu.Lock()
	b.shuttingDown = true
	sessions := make([]*Session, len(b.sessions))
	copy(sessions, b.sessions)
	ln := b.listener
	b.mu.Unlock()

	b.logger.Info("Broker shutting down", "sessions", len(sessions))

	notice := bo.NewEvent(bo.EventShutdownNotify).
		Set(bo.KeyName, b.name).
		Set(bo.KeyMessage, "broker is shutting down").
		Build()
	for _, s := range sessions {
		s.Close(notice)
	}

	waitCtx, cancel := context.WithTimeout(ctx, b.cfg.Broker.ShutdownTimeout)
	defer cancel()

	stragglers := 0
	for _, s := range sessions {
		select {
		case <-s.Done():
			continue
		case <-waitCtx.Done():
		}
		stragglers++
		s.ForceClose("shutdown timeout")
	}
	if stragglers > 0 {
		b.logger.Warn("Force closed sessions at shutdown", "count", stragglers)
	}

	var err error
	if ln != nil {
		err = ln.Close()
	}

	b.cancel()
	b.peerMgr.Wait()
	close(b.done)

	b.logger.Info("Broker shut down", "duration", time.Since(start))
	return err
}

// ShutdownState represents the current state of the shutdown process
type ShutdownState string

const (
	// ShutdownStateRunning indicates the broker is running normally
	ShutdownStateRunning ShutdownState = "running"
	// ShutdownStateInitiated indicates shutdown has been initiated
	ShutdownStateInitiated ShutdownState = "initiated"
	// ShutdownStateStopping indicates the broker is closing sessions
	ShutdownStateStopping ShutdownState = "stopping"
	// ShutdownStateComplete indicates shutdown is complete
	ShutdownStateComplete ShutdownState = "complete"
)

// ShutdownHook is a function that can be called during shutdown
type ShutdownHook func(ctx context.Context) error

// Shutdowner is what a ShutdownManager stops
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// ShutdownManager turns SIGINT/SIGTERM or an explicit request into one
// ordered shutdown: pre hooks, the broker, post hooks.
type ShutdownManager struct {
	mu             sync.RWMutex
	target         Shutdowner
	state          ShutdownState
	timeout        time.Duration
	preHooks       []ShutdownHook
	postHooks      []ShutdownHook
	logger         *logger.Logger
	signalChan     chan os.Signal
	stopCh         chan struct{}
	started        bool
	completionChan chan struct{}
	reason         string
	startedAt      time.Time
}

// NewShutdownManager creates a shutdown manager for target
func NewShutdownManager(target Shutdowner, timeout time.Duration, log *logger.Logger) *ShutdownManager {
	if log == nil {
		log = logger.NewNop()
	}
	return &ShutdownManager{
		target:         target,
		state:          ShutdownStateRunning,
		timeout:        timeout,
		logger:         log.With("component", "shutdown_manager"),
		signalChan:     make(chan os.Signal, 1),
		stopCh:         make(chan struct{}),
		completionChan: make(chan struct{}),
	}
}

// Start begins listening for shutdown signals
func (sm *ShutdownManager) Start() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.started {
		return
	}
	signal.Notify(sm.signalChan, syscall.SIGINT, syscall.SIGTERM)
	sm.started = true
	sm.logger.Debug("Shutdown manager started", "timeout", sm.timeout)

	go sm.handleSignals()
}

// Stop stops signal handling
func (sm *ShutdownManager) Stop() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.started {
		return
	}
	signal.Stop(sm.signalChan)
	close(sm.stopCh)
	sm.started = false
}

// AddPreHook registers a hook run before the broker shuts down
func (sm *ShutdownManager) AddPreHook(hook ShutdownHook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.preHooks = append(sm.preHooks, hook)
}

// AddPostHook registers a hook run after the broker shut down
func (sm *ShutdownManager) AddPostHook(hook ShutdownHook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.postHooks = append(sm.postHooks, hook)
}

// Shutdown runs the shutdown sequence once
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	sm.mu.Lock()
	if sm.state != ShutdownStateRunning {
		sm.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "shutdown already initiated")
	}
	sm.state = ShutdownStateInitiated
	sm.reason = reason
	sm.startedAt = time.Now()
	pre := append([]ShutdownHook(nil), sm.preHooks...)
	post := append([]ShutdownHook(nil), sm.postHooks...)
	sm.mu.Unlock()

	sm.logger.Info("Shutdown initiated", "reason", reason)

	shutdownCtx, cancel := context.WithTimeout(ctx, sm.timeout)
	defer cancel()

	if err := sm.executeHooks(shutdownCtx, "pre-shutdown", pre); err != nil {
		sm.logger.Error("Pre-shutdown hooks failed", "error", err)
	}

	sm.setState(ShutdownStateStopping)
	err := sm.target.Shutdown(shutdownCtx)
	if err != nil {
		sm.logger.Error("Broker shutdown failed", "error", err)
	}

	if hookErr := sm.executeHooks(shutdownCtx, "post-shutdown", post); hookErr != nil {
		sm.logger.Error("Post-shutdown hooks failed", "error", hookErr)
	}

	sm.setState(ShutdownStateComplete)
	close(sm.completionChan)
	sm.logger.Info("Shutdown complete", "reason", reason, "duration", time.Since(sm.startedAt))
	return err
}

// State returns the current shutdown state
func (sm *ShutdownManager) State() ShutdownState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// IsShuttingDown returns true if shutdown has been initiated
func (sm *ShutdownManager) IsShuttingDown() bool {
	return sm.State() != ShutdownStateRunning
}

// Reason returns the reason given for shutdown
func (sm *ShutdownManager) Reason() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.reason
}

// WaitCompletion waits for shutdown to complete
func (sm *ShutdownManager) WaitCompletion(ctx context.Context) error {
	select {
	case <-sm.completionChan:
		return nil
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "wait for completion canceled", ctx.Err())
	}
}

// Done is closed when shutdown is complete
func (sm *ShutdownManager) Done() <-chan struct{} {
	return sm.completionChan
}

func (sm *ShutdownManager) handleSignals() {
	for {
		select {
		case sig := <-sm.signalChan:
			sm.logger.Info("Shutdown signal received", "signal", sig.String())
			go func() {
				if err := sm.Shutdown(context.Background(), fmt.Sprintf("signal received: %s", sig)); err != nil {
					sm.logger.Debug("Shutdown request ignored", "error", err)
				}
			}()
		case <-sm.stopCh:
			return
		}
	}
}

func (sm *ShutdownManager) executeHooks(ctx context.Context, phase string, hooks []ShutdownHook) error {
	var errs []error
	for i, hook := range hooks {
		if err := hook(ctx); err != nil {
			sm.logger.Error("Shutdown hook failed", "phase", phase, "hook", i, "error", err)
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			return types.WrapError(types.ErrCodeCanceled, "hook execution canceled", ctx.Err())
		}
	}
	if len(errs) > 0 {
		return types.WrapError(types.ErrCodeInternal, fmt.Sprintf("%d %s hook(s) failed", len(errs), phase), errs[0])
	}
	return nil
}

func (sm *ShutdownManager) setState(state ShutdownState) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state = state
	sm.logger.Debug("Shutdown state changed", "state", state)
}

// String returns a string representation of the shutdown state
func (s ShutdownState) String() string {
	return string(s)
}
