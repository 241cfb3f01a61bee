package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/jobwatch/internal/logging"
)

// Signals are the interrupt signals that trigger a graceful shutdown
var Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}

type hook struct {
	name string
	fn   func(context.Context) error
}

// Manager runs registered cleanup hooks once, in reverse registration order
type Manager struct {
	hooks   []hook
	mu      sync.Mutex
	timeout time.Duration
	logger  *logging.Logger
	once    sync.Once
}

// New creates a new shutdown manager whose hooks share one timeout
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		timeout: timeout,
		logger:  logger,
	}
}

// Register adds a shutdown function.
// Functions are called in reverse order (LIFO)
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook{name: name, fn: fn})
}

// Shutdown executes all registered shutdown functions. Only the first call
// does anything; it returns the number of hooks that failed.
func (m *Manager) Shutdown() int {
	failed := 0
	m.once.Do(func() {
		m.mu.Lock()
		hooks := append([]hook(nil), m.hooks...)
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		for i := len(hooks) - 1; i >= 0; i-- {
			h := hooks[i]
			if err := h.fn(ctx); err != nil {
				failed++
				m.logger.Error("Shutdown step failed", map[string]interface{}{
					"step":  h.name,
					"error": err.Error(),
				})
				continue
			}
			m.logger.Debug("Shutdown step complete", map[string]interface{}{"step": h.name})
		}

		m.logger.Info("Graceful shutdown complete")
	})
	return failed
}

// NotifyContext returns a context canceled on SIGINT or SIGTERM. The
// returned stop function releases the signal registration.
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, Signals...)
}

// StopHTTPServer creates a shutdown function for http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }, name string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop %s server: %w", name, err)
		}
		return nil
	}
}

// CloseResource creates a shutdown function for io.Closer
func CloseResource(closer interface{ Close() error }, name string) func(context.Context) error {
	return func(context.Context) error {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("failed to close %s: %w", name, err)
		}
		return nil
	}
}
