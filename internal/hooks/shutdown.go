package hooks

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// ShutdownFunc performs one piece of cleanup during shutdown. The reason
// string describes what triggered it.
type ShutdownFunc func(reason string)

// ShutdownManager coordinates graceful shutdown: it watches for SIGINT and
// SIGTERM, runs registered cleanup functions exactly once in registration
// order, stops the up hook, and runs the down hook last. External code can
// also trigger shutdown directly. Safe for concurrent use.
type ShutdownManager struct {
	mu       sync.Mutex
	once     sync.Once
	done     chan struct{}
	reason   string
	cleanups []ShutdownFunc
	logger   *slog.Logger

	upHook   *Process
	downHook Hook
	port     int
}

// NewShutdownManager creates a shutdown manager. Signal handling starts with
// Start.
func NewShutdownManager(logger *slog.Logger) *ShutdownManager {
	return &ShutdownManager{
		done:   make(chan struct{}),
		logger: logger,
	}
}

// SetHooks configures the up hook process to stop and the down hook command
// to run during shutdown.
func (sm *ShutdownManager) SetHooks(upHook *Process, downHook Hook, port int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.upHook = upHook
	sm.downHook = downHook
	sm.port = port
}

// AddCleanup registers a cleanup function. Functions run in registration
// order during shutdown.
func (sm *ShutdownManager) AddCleanup(fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cleanups = append(sm.cleanups, fn)
}

// Start begins listening for SIGINT and SIGTERM. A received signal triggers
// Shutdown automatically. Call after registering cleanups.
func (sm *ShutdownManager) Start() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			sm.Shutdown("signal: " + sig.String())
		case <-sm.done:
		}
	}()
}

// Shutdown runs the full shutdown sequence once. Later calls are no-ops.
func (sm *ShutdownManager) Shutdown(reason string) {
	sm.once.Do(func() {
		sm.mu.Lock()
		sm.reason = reason
		cleanups := sm.cleanups
		upHook := sm.upHook
		downHook := sm.downHook
		port := sm.port
		sm.mu.Unlock()

		if sm.logger != nil {
			sm.logger.Info("shutting down", "reason", reason)
		}

		for _, fn := range cleanups {
			fn(reason)
		}

		upHook.Stop()
		RunDown(downHook, port, sm.logger)

		close(sm.done)
	})
}

// Done is closed once shutdown has completed.
func (sm *ShutdownManager) Done() <-chan struct{} {
	return sm.done
}

// Reason reports what triggered shutdown, empty before shutdown.
func (sm *ShutdownManager) Reason() string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.reason
}
