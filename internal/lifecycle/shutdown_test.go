package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

// withFakeSignals detaches m from the process's real signals.
func withFakeSignals(m *Manager) chan os.Signal {
	m.notify = func(chan<- os.Signal, ...os.Signal) {}
	m.stop = func(chan<- os.Signal) {}
	return m.signals
}

func TestManager_RunNormal(t *testing.T) {
	m := NewManager(DefaultShutdownConfig(), testLogger())

	code := m.Run(func(ctx context.Context) error {
		return nil
	})

	if code != 0 {
		t.Errorf("expected exit code 0, got %d", code)
	}
}

func TestManager_RunError(t *testing.T) {
	m := NewManager(DefaultShutdownConfig(), testLogger())

	code := m.Run(func(ctx context.Context) error {
		return fmt.Errorf("something broke")
	})

	if code != 1 {
		t.Errorf("expected exit code 1, got %d", code)
	}
}

func TestManager_ShutdownHooksRun(t *testing.T) {
	m := NewManager(DefaultShutdownConfig(), testLogger())

	var mu sync.Mutex
	var order []string

	m.OnShutdown("first", func(ctx context.Context) error {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
		return nil
	})
	m.OnShutdown("second", func(ctx context.Context) error {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
		return nil
	})

	m.Run(func(ctx context.Context) error {
		return nil
	})

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 {
		t.Fatalf("expected 2 hooks, got %d", len(order))
	}
	if order[0] != "first" || order[1] != "second" {
		t.Errorf("hooks ran in wrong order: %v", order)
	}
}

func TestManager_ShutdownHookError(t *testing.T) {
	m := NewManager(DefaultShutdownConfig(), testLogger())

	var secondRan bool
	m.OnShutdown("failing", func(ctx context.Context) error {
		return fmt.Errorf("hook failed")
	})
	m.OnShutdown("succeeding", func(ctx context.Context) error {
		secondRan = true
		return nil
	})

	// Normal exit still runs hooks
	m.Run(func(ctx context.Context) error {
		return nil
	})

	if !secondRan {
		t.Error("second hook should still run after first hook fails")
	}
}

func TestManager_ContextCancellation(t *testing.T) {
	m := NewManager(DefaultShutdownConfig(), testLogger())

	var ctxCancelled bool
	code := m.Run(func(ctx context.Context) error {
		// Cancel immediately via context
		go func() {
			time.Sleep(10 * time.Millisecond)
			m.cancel()
		}()

		<-ctx.Done()
		ctxCancelled = true
		return ctx.Err()
	})

	if !ctxCancelled {
		t.Error("context should have been cancelled")
	}
	// Error exit code since main returned ctx.Err
	if code != 1 {
		t.Errorf("expected exit code 1, got %d", code)
	}
}

func TestManager_Uptime(t *testing.T) {
	m := NewManager(DefaultShutdownConfig(), testLogger())

	time.Sleep(10 * time.Millisecond)
	uptime := m.Uptime()

	if uptime < 10*time.Millisecond {
		t.Errorf("uptime too short: %v", uptime)
	}
}

func TestDefaultShutdownConfig(t *testing.T) {
	cfg := DefaultShutdownConfig()

	if cfg.GracePeriod != 10*time.Second {
		t.Errorf("grace period: %v", cfg.GracePeriod)
	}
	if cfg.ForceTimeout != 15*time.Second {
		t.Errorf("force timeout: %v", cfg.ForceTimeout)
	}
}

func TestManager_SignalCancelsMainAndRunsHooks(t *testing.T) {
	m := NewManager(DefaultShutdownConfig(), testLogger())
	sigs := withFakeSignals(m)

	var hookSawMainDone bool
	mainDone := make(chan struct{})
	m.OnShutdown("after-main", func(ctx context.Context) error {
		select {
		case <-mainDone:
			hookSawMainDone = true
		default:
		}
		return nil
	})

	code := m.Run(func(ctx context.Context) error {
		sigs <- syscall.SIGTERM
		<-ctx.Done()
		close(mainDone)
		return ctx.Err()
	})

	if code != 0 {
		t.Errorf("expected exit code 0, got %d", code)
	}
	if !hookSawMainDone {
		t.Error("hooks should run after the main function returns")
	}
}

func TestManager_ForceTimeout(t *testing.T) {
	m := NewManager(ShutdownConfig{GracePeriod: time.Second, ForceTimeout: 20 * time.Millisecond}, testLogger())
	sigs := withFakeSignals(m)

	release := make(chan struct{})
	defer close(release)
	code := m.Run(func(ctx context.Context) error {
		sigs <- syscall.SIGINT
		<-release
		return nil
	})

	if code != 1 {
		t.Errorf("expected exit code 1 when main ignores cancellation, got %d", code)
	}
}

func TestManager_GracefulShutdownIdempotent(t *testing.T) {
	m := NewManager(DefaultShutdownConfig(), testLogger())

	callCount := 0
	m.OnShutdown("counter", func(ctx context.Context) error {
		callCount++
		return nil
	})

	errCh := make(chan error, 2)
	errCh <- nil
	errCh <- nil
	m.cancel = func() {} // no-op cancel
	m.gracefulShutdown(errCh)
	m.gracefulShutdown(errCh)

	// Second call should be no-op because m.shutdown is already true
	if callCount != 1 {
		t.Errorf("hooks should run only once, ran %d times", callCount)
	}
}
