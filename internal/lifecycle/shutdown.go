// Package lifecycle manages graceful shutdown of long-running consensus
// processes. It handles signal interception, context cancellation and
// ordered shutdown hooks.
package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownConfig configures the shutdown behavior.
type ShutdownConfig struct {
	GracePeriod  time.Duration // time hooks get to finish
	ForceTimeout time.Duration // max wait for the main function after a signal
}

// DefaultShutdownConfig returns sensible defaults.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		GracePeriod:  10 * time.Second,
		ForceTimeout: 15 * time.Second,
	}
}

// Manager coordinates shutdown for a process.
type Manager struct {
	config   ShutdownConfig
	logger   *slog.Logger
	cancel   context.CancelFunc
	mu       sync.Mutex
	hooks    []ShutdownHook
	started  time.Time
	shutdown bool

	// signals delivers shutdown signals; replaced in tests.
	signals chan os.Signal
	notify  func(chan<- os.Signal, ...os.Signal)
	stop    func(chan<- os.Signal)
}

// ShutdownHook is called during graceful shutdown. Name is for logging.
type ShutdownHook struct {
	Name string
	Fn   func(ctx context.Context) error
}

// NewManager creates a lifecycle manager.
func NewManager(config ShutdownConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:  config,
		logger:  logger,
		started: time.Now(),
		signals: make(chan os.Signal, 1),
		notify:  signal.Notify,
		stop:    signal.Stop,
	}
}

// OnShutdown registers a hook to run during shutdown.
// Hooks run in registration order.
func (m *Manager) OnShutdown(name string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, ShutdownHook{Name: name, Fn: fn})
}

// Run installs signal handlers, runs the main function, and handles
// shutdown. Returns the process exit code.
func (m *Manager) Run(mainFn func(ctx context.Context) error) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.cancel = cancel

	m.notify(m.signals, syscall.SIGTERM, syscall.SIGINT)
	defer m.stop(m.signals)

	errCh := make(chan error, 1)
	go func() {
		errCh <- mainFn(ctx)
	}()

	select {
	case sig := <-m.signals:
		m.logger.Info("received signal, starting graceful shutdown",
			"signal", sig.String(),
			"uptime", time.Since(m.started).String(),
		)
		return m.gracefulShutdown(errCh)

	case err := <-errCh:
		code := 0
		if err != nil {
			m.logger.Error("main function error", "error", err)
			code = 1
		}
		m.runHooks(5 * time.Second)
		return code
	}
}

// gracefulShutdown cancels the root context, waits for the main function
// to return and runs hooks with a deadline.
func (m *Manager) gracefulShutdown(errCh <-chan error) int {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return 1
	}
	m.shutdown = true
	m.mu.Unlock()

	m.cancel()

	code := 0
	select {
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			m.logger.Error("main function error during shutdown", "error", err)
		}
	case <-time.After(m.config.ForceTimeout):
		m.logger.Error("main function did not return in time", "timeout", m.config.ForceTimeout.String())
		code = 1
	}

	m.runHooks(m.config.GracePeriod)

	m.logger.Info("graceful shutdown complete",
		"uptime", time.Since(m.started).String(),
	)
	return code
}

// runHooks runs every hook in order under one shared deadline. A failing
// hook does not stop the rest.
func (m *Manager) runHooks(timeout time.Duration) {
	m.mu.Lock()
	hooks := make([]ShutdownHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for _, hook := range hooks {
		m.logger.Debug("running shutdown hook", "name", hook.Name)
		if err := hook.Fn(ctx); err != nil {
			m.logger.Error("shutdown hook failed", "name", hook.Name, "error", err)
		}
	}
}

// Uptime returns how long the process has been running.
func (m *Manager) Uptime() time.Duration {
	return time.Since(m.started)
}
