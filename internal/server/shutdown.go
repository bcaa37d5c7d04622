// Package server provides service lifecycle management including graceful shutdown.
package server

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// ShutdownManager handles graceful shutdown of service components.
// It coordinates signal handling, shutdown callbacks, and resource cleanup.
type ShutdownManager struct {
	shutdownTimeout time.Duration

	shutdownCh     chan struct{}
	shutdownOnce   sync.Once
	isShuttingDown int32

	// Closers to clean up on shutdown
	closers   []io.Closer
	closersMu sync.Mutex

	// Callbacks
	onShutdownStart []func()
	onShutdownEnd   []func()
	callbacksMu     sync.Mutex
}

// ShutdownConfig holds configuration for the shutdown manager.
type ShutdownConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 30 seconds
	ShutdownTimeout time.Duration
}

// DefaultShutdownConfig returns the default shutdown configuration.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		ShutdownTimeout: 30 * time.Second,
	}
}

// NewShutdownManager creates a new shutdown manager with the given configuration.
func NewShutdownManager(config ShutdownConfig) *ShutdownManager {
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 30 * time.Second
	}

	return &ShutdownManager{
		shutdownTimeout: config.ShutdownTimeout,
		shutdownCh:      make(chan struct{}),
	}
}

// RegisterCloser adds a closer to be called during shutdown.
// Closers are called in reverse order of registration (LIFO).
func (sm *ShutdownManager) RegisterCloser(closer io.Closer) {
	sm.closersMu.Lock()
	defer sm.closersMu.Unlock()
	sm.closers = append(sm.closers, closer)
}

// OnShutdownStart registers a callback to be called when shutdown begins.
func (sm *ShutdownManager) OnShutdownStart(fn func()) {
	sm.callbacksMu.Lock()
	defer sm.callbacksMu.Unlock()
	sm.onShutdownStart = append(sm.onShutdownStart, fn)
}

// OnShutdownEnd registers a callback to be called when shutdown completes.
func (sm *ShutdownManager) OnShutdownEnd(fn func()) {
	sm.callbacksMu.Lock()
	defer sm.callbacksMu.Unlock()
	sm.onShutdownEnd = append(sm.onShutdownEnd, fn)
}

// ListenForSignals starts listening for SIGTERM and SIGINT signals.
// When a signal is received, it initiates graceful shutdown.
// This method blocks until shutdown is complete.
func (sm *ShutdownManager) ListenForSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		return sm.Shutdown(ctx, fmt.Sprintf("received signal: %v", sig))
	case <-ctx.Done():
		return sm.Shutdown(ctx, "context cancelled")
	case <-sm.shutdownCh:
		return nil
	}
}

// Shutdown initiates graceful shutdown with the given reason.
// It closes all registered resources in reverse order of registration.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	var shutdownErr error

	sm.shutdownOnce.Do(func() {
		atomic.StoreInt32(&sm.isShuttingDown, 1)
		close(sm.shutdownCh)

		// Call shutdown start callbacks
		sm.callbacksMu.Lock()
		startCallbacks := sm.onShutdownStart
		sm.callbacksMu.Unlock()
		for _, fn := range startCallbacks {
			fn()
		}

		// Close all registered closers in reverse order
		sm.closersMu.Lock()
		closers := sm.closers
		sm.closersMu.Unlock()

		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				if shutdownErr == nil {
					shutdownErr = fmt.Errorf("close failed: %w", err)
				}
			}
		}

		// Call shutdown end callbacks
		sm.callbacksMu.Lock()
		endCallbacks := sm.onShutdownEnd
		sm.callbacksMu.Unlock()
		for _, fn := range endCallbacks {
			fn()
		}
	})

	return shutdownErr
}

// IsShuttingDown returns true if shutdown has been initiated.
func (sm *ShutdownManager) IsShuttingDown() bool {
	return atomic.LoadInt32(&sm.isShuttingDown) == 1
}

// ShutdownCh returns a channel that is closed when shutdown begins.
func (sm *ShutdownManager) ShutdownCh() <-chan struct{} {
	return sm.shutdownCh
}

// CloserFunc is an adapter to allow ordinary functions to be used as io.Closer.
type CloserFunc func() error

// Close calls the underlying function.
func (f CloserFunc) Close() error {
	return f()
}

// MultiCloser combines multiple closers into one.
type MultiCloser struct {
	closers []io.Closer
}

// NewMultiCloser creates a new multi-closer.
func NewMultiCloser(closers ...io.Closer) *MultiCloser {
	return &MultiCloser{closers: closers}
}

// Close closes all underlying closers, returning the first error encountered.
func (mc *MultiCloser) Close() error {
	var firstErr error
	for _, c := range mc.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
