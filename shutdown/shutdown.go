// Package shutdown coordinates graceful teardown: a one-shot broadcast
// signal plus an ordered list of cleanup callbacks.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
)

// Coordinator broadcasts a one-shot shutdown signal and runs registered
// cleanup callbacks in reverse registration order (LIFO): components that
// acquire resources later release them earlier. Callbacks must be
// idempotent.
type Coordinator struct {
	logger *slog.Logger

	once sync.Once
	done chan struct{}

	mu        sync.Mutex
	callbacks []func(context.Context)
}

// New creates a Coordinator. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Register appends a cleanup callback. Callbacks run in reverse
// registration order when Signal fires. Registering after the signal has
// fired runs the callback immediately.
func (c *Coordinator) Register(cb func(context.Context)) {
	c.mu.Lock()
	if !c.ShuttingDown() {
		c.callbacks = append(c.callbacks, cb)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	cb(context.Background())
}

// Signal fires the shutdown broadcast and runs all registered callbacks
// in LIFO order. It is idempotent: only the first call has any effect.
// Panicking callbacks are contained so the remaining cleanup still runs.
func (c *Coordinator) Signal(ctx context.Context) {
	c.once.Do(func() {
		close(c.done)

		c.mu.Lock()
		cbs := make([]func(context.Context), len(c.callbacks))
		copy(cbs, c.callbacks)
		c.mu.Unlock()

		for i := len(cbs) - 1; i >= 0; i-- {
			c.run(ctx, cbs[i])
		}
	})
}

func (c *Coordinator) run(ctx context.Context, cb func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("shutdown callback panicked", slog.Any("panic", r))
		}
	}()
	cb(ctx)
}

// Done returns a channel closed when shutdown has been signalled.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// ShuttingDown reports whether the signal has fired.
func (c *Coordinator) ShuttingDown() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Notify wires OS signals to the coordinator: the first matching signal
// fires Signal. The returned stop function releases the signal handler.
func (c *Coordinator) Notify(signals ...os.Signal) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)

	go func() {
		select {
		case sig, ok := <-ch:
			if !ok {
				return
			}
			c.logger.Warn("shutdown signal received", slog.String("signal", sig.String()))
			c.Signal(context.Background())
		case <-c.done:
		}
	}()

	return func() {
		signal.Stop(ch)
		close(ch)
	}
}
