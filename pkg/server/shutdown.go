package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/baaaht/msgplane/internal/logger"
	"github.com/baaaht/msgplane/pkg/types"
)

// ShutdownState represents the current state of the shutdown process
type ShutdownState string

const (
	// ShutdownStateRunning indicates the plane is serving normally
	ShutdownStateRunning ShutdownState = "running"
	// ShutdownStateInitiated indicates shutdown has been initiated
	ShutdownStateInitiated ShutdownState = "initiated"
	// ShutdownStateDraining indicates connections are being drained
	ShutdownStateDraining ShutdownState = "draining"
	// ShutdownStateComplete indicates shutdown is complete
	ShutdownStateComplete ShutdownState = "complete"
)

// String returns a string representation of the shutdown state
func (s ShutdownState) String() string {
	return string(s)
}

// ShutdownHook is a function that can be called during shutdown
type ShutdownHook func(ctx context.Context) error

// Drainer is what the shutdown manager drains. *Plane implements it.
type Drainer interface {
	Close(ctx context.Context) error
}

// ShutdownManager runs the drain sequence once, either on SIGINT/SIGTERM or
// on an explicit Shutdown call, bounded by the shutdown timeout
type ShutdownManager struct {
	mu        sync.RWMutex
	target    Drainer
	state     ShutdownState
	timeout   time.Duration
	preHooks  []ShutdownHook
	postHooks []ShutdownHook
	logger    *logger.Logger
	signals   chan os.Signal
	stopCh    chan struct{}
	started   bool
	done      chan struct{}
	reason    string
	startedAt time.Time
	err       error
}

// NewShutdownManager creates a new shutdown manager
func NewShutdownManager(target Drainer, timeout time.Duration, log *logger.Logger) (*ShutdownManager, error) {
	if target == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "shutdown target cannot be nil")
	}
	if timeout <= 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "shutdown timeout must be positive")
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	return &ShutdownManager{
		target:  target,
		state:   ShutdownStateRunning,
		timeout: timeout,
		logger:  log.With("component", "shutdown_manager"),
		signals: make(chan os.Signal, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start begins listening for shutdown signals
func (sm *ShutdownManager) Start() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.started {
		return
	}

	signal.Notify(sm.signals, syscall.SIGINT, syscall.SIGTERM)
	sm.started = true
	sm.logger.Info("Shutdown manager started", "timeout", sm.timeout)

	go sm.handleSignals()
}

// Stop stops signal handling. It does not drain anything.
func (sm *ShutdownManager) Stop() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.started {
		return
	}

	signal.Stop(sm.signals)
	close(sm.stopCh)
	sm.started = false
	sm.logger.Debug("Shutdown manager stopped")
}

// AddHook registers a hook run before the plane is drained
func (sm *ShutdownManager) AddHook(hook ShutdownHook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.preHooks = append(sm.preHooks, hook)
}

// AddPostHook registers a hook run after the plane is drained
func (sm *ShutdownManager) AddPostHook(hook ShutdownHook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.postHooks = append(sm.postHooks, hook)
}

// Shutdown runs the drain sequence. Only the first call does any work; later
// calls fail with FAILED_PRECONDITION.
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

	sm.logger.Info("Shutdown initiated", "reason", reason, "timeout", sm.timeout)

	shutdownCtx, cancel := context.WithTimeout(ctx, sm.timeout)
	defer cancel()

	var errs []error
	if err := sm.runHooks(shutdownCtx, "pre-shutdown", pre); err != nil {
		errs = append(errs, err)
	}

	sm.setState(ShutdownStateDraining)
	if err := sm.target.Close(shutdownCtx); err != nil {
		sm.logger.Error("Drain failed", "error", err)
		errs = append(errs, err)
	}

	if err := sm.runHooks(shutdownCtx, "post-shutdown", post); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	sm.mu.Lock()
	sm.state = ShutdownStateComplete
	sm.err = err
	sm.mu.Unlock()
	close(sm.done)

	sm.logger.Info("Shutdown complete", "reason", reason, "duration", time.Since(sm.startedAt).String())
	return err
}

// ShutdownAndWait initiates shutdown and waits for it or for ctx
func (sm *ShutdownManager) ShutdownAndWait(ctx context.Context, reason string) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- sm.Shutdown(ctx, reason)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "shutdown wait canceled", ctx.Err())
	}
}

// Done is closed once the drain sequence has finished
func (sm *ShutdownManager) Done() <-chan struct{} {
	return sm.done
}

// WaitCompletion waits for shutdown to complete and returns its error
func (sm *ShutdownManager) WaitCompletion(ctx context.Context) error {
	select {
	case <-sm.done:
		sm.mu.RLock()
		defer sm.mu.RUnlock()
		return sm.err
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "wait for completion canceled", ctx.Err())
	}
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

// Reason returns the reason shutdown was initiated with
func (sm *ShutdownManager) Reason() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.reason
}

func (sm *ShutdownManager) handleSignals() {
	for {
		select {
		case sig := <-sm.signals:
			sm.logger.Info("Shutdown signal received", "signal", sig.String())
			go func() {
				if err := sm.Shutdown(context.Background(), fmt.Sprintf("signal received: %s", sig)); err != nil &&
					!types.IsErrCode(err, types.ErrCodeFailedPrecondition) {
					sm.logger.Error("Shutdown failed", "error", err)
				}
			}()
		case <-sm.stopCh:
			return
		}
	}
}

func (sm *ShutdownManager) runHooks(ctx context.Context, phase string, hooks []ShutdownHook) error {
	var errs []error
	for i, hook := range hooks {
		if err := hook(ctx); err != nil {
			sm.logger.Error("Shutdown hook failed", "phase", phase, "hook", i, "error", err)
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			sm.logger.Warn("Shutdown hooks canceled", "phase", phase)
			errs = append(errs, types.WrapError(types.ErrCodeCanceled, phase+" hooks canceled", ctx.Err()))
			break
		}
	}
	return errors.Join(errs...)
}

func (sm *ShutdownManager) setState(state ShutdownState) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state = state
	sm.logger.Debug("Shutdown state changed", "state", state)
}

// String returns a string representation of the shutdown manager
func (sm *ShutdownManager) String() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return fmt.Sprintf("ShutdownManager{state: %s, timeout: %v, hooks: %d, started: %t}",
		sm.state, sm.timeout, len(sm.preHooks)+len(sm.postHooks), sm.started)
}
