package backend

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/suriyasureshok/Pyrexis"
	"github.com/suriyasureshok/Pyrexis/id"
)

// queuedTask pairs a task with its future and the submitter's context.
type queuedTask struct {
	task Task
	fut  *Future
	ctx  context.Context
}

// ThreadPool is a fixed-size set of long-lived goroutine workers pulling
// from a bounded queue. Workers check the stop signal on each dequeue; a
// timed dequeue keeps idle workers responsive to shutdown.
type ThreadPool struct {
	workers        int
	dequeueTimeout time.Duration
	workerID       id.WorkerID
	logger         *slog.Logger

	queue  chan *queuedTask
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	halted  bool

	// sendMu serializes in-flight submits against the drain-close of the
	// queue channel.
	sendMu sync.RWMutex
}

// ThreadPoolOption configures a ThreadPool.
type ThreadPoolOption func(*ThreadPool)

// WithThreadWorkers sets the number of worker goroutines.
func WithThreadWorkers(n int) ThreadPoolOption {
	return func(p *ThreadPool) { p.workers = n }
}

// WithThreadQueueDepth bounds the submit queue. A full queue blocks
// Submit, providing backpressure.
func WithThreadQueueDepth(n int) ThreadPoolOption {
	return func(p *ThreadPool) { p.queue = make(chan *queuedTask, n) }
}

// WithThreadDequeueTimeout sets how long an idle worker waits before
// re-checking the stop signal.
func WithThreadDequeueTimeout(d time.Duration) ThreadPoolOption {
	return func(p *ThreadPool) { p.dequeueTimeout = d }
}

// WithThreadLogger sets the structured logger for the pool.
func WithThreadLogger(l *slog.Logger) ThreadPoolOption {
	return func(p *ThreadPool) { p.logger = l }
}

// NewThreadPool creates a shared-memory worker pool.
func NewThreadPool(opts ...ThreadPoolOption) *ThreadPool {
	p := &ThreadPool{
		workers:        4,
		dequeueTimeout: 500 * time.Millisecond,
		workerID:       id.NewWorkerID(),
		logger:         slog.Default(),
		queue:          make(chan *queuedTask, 64),
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *ThreadPool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *ThreadPool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("thread pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("workers", p.workers),
		slog.Int("queue_depth", cap(p.queue)),
	)

	for range p.workers {
		p.wg.Add(1)
		go p.dequeueLoop()
	}

	return nil
}

// Submit enqueues a task and returns its future. It blocks while the
// queue is full and fails once the pool has halted.
func (p *ThreadPool) Submit(ctx context.Context, task Task) (*Future, error) {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	p.mu.Lock()
	accepting := p.running && !p.halted
	p.mu.Unlock()
	if !accepting {
		return nil, pyrexis.ErrBackendHalted
	}

	fut := newFuture()
	select {
	case p.queue <- &queuedTask{task: task, fut: fut, ctx: ctx}:
		return fut, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.stopCh:
		return nil, pyrexis.ErrBackendHalted
	}
}

// Shutdown stops the pool. With drain true, queued tasks run to
// completion; otherwise they are failed with ErrBackendHalted. In both
// cases in-flight tasks finish.
func (p *ThreadPool) Shutdown(ctx context.Context, drain bool) error {
	p.mu.Lock()
	if !p.running || p.halted {
		p.mu.Unlock()
		return nil
	}
	p.halted = true
	p.mu.Unlock()

	p.logger.Info("thread pool stopping",
		slog.String("worker_id", p.workerID.String()),
		slog.Bool("drain", drain),
	)

	if drain {
		// Wait out any blocked submits, then close the queue so workers
		// exit once it is empty.
		p.sendMu.Lock()
		close(p.queue)
		p.sendMu.Unlock()
	} else {
		close(p.stopCh)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("thread pool stopped gracefully")
	case <-ctx.Done():
		// Workers are daemon-like: give up on the drain and let any
		// stragglers finish in the background.
		p.logger.Warn("thread pool shutdown timed out")
		if drain {
			close(p.stopCh)
		}
	}

	if !drain {
		p.failQueued()
	}
	return nil
}

// Halted reports whether the pool has stopped accepting work.
func (p *ThreadPool) Halted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halted
}

// dequeueLoop is run by each worker goroutine.
func (p *ThreadPool) dequeueLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		select {
		case q, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(q)
		case <-p.stopCh:
			return
		case <-time.After(p.dequeueTimeout):
			// Idle wake-up so the stop signal is observed promptly.
		}
	}
}

func (p *ThreadPool) run(q *queuedTask) {
	out, err := q.task(q.ctx)
	q.fut.resolve(out, err)
}

// failQueued resolves any tasks still queued after a non-draining stop.
func (p *ThreadPool) failQueued() {
	for {
		select {
		case q := <-p.queue:
			q.fut.resolve(nil, pyrexis.ErrBackendHalted)
		default:
			return
		}
	}
}
