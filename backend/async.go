package backend

import (
	"context"
	"log/slog"
	"sync"

	"github.com/suriyasureshok/Pyrexis"
	"github.com/suriyasureshok/Pyrexis/id"
)

// AsyncRunner executes tasks one at a time on a single runner goroutine,
// in submission order (FIFO). It serves cooperative work: a task's own
// suspension points (timers, I/O, channel operations) must select on
// ctx.Done() so cancellation is observed between steps. From the outside
// it presents the same submit/await/shutdown contract as the parallel
// pools; a suspended task never suspends the engine.
type AsyncRunner struct {
	workerID id.WorkerID
	logger   *slog.Logger

	queue  chan *queuedTask
	stopCh chan struct{}
	wg     sync.WaitGroup

	// runCtx is cancelled on a non-draining shutdown, giving the running
	// task one cooperative step to observe cancellation and unwind.
	runCtx    context.Context
	runCancel context.CancelFunc

	mu      sync.Mutex
	running bool
	halted  bool

	sendMu sync.RWMutex
}

// AsyncOption configures an AsyncRunner.
type AsyncOption func(*AsyncRunner)

// WithAsyncQueueDepth bounds the task queue. A full queue blocks Submit.
func WithAsyncQueueDepth(n int) AsyncOption {
	return func(r *AsyncRunner) { r.queue = make(chan *queuedTask, n) }
}

// WithAsyncLogger sets the structured logger for the runner.
func WithAsyncLogger(l *slog.Logger) AsyncOption {
	return func(r *AsyncRunner) { r.logger = l }
}

// NewAsyncRunner creates a cooperative task runner.
func NewAsyncRunner(opts ...AsyncOption) *AsyncRunner {
	r := &AsyncRunner{
		workerID: id.NewWorkerID(),
		logger:   slog.Default(),
		queue:    make(chan *queuedTask, 64),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WorkerID returns the runner's unique worker identifier.
func (r *AsyncRunner) WorkerID() id.WorkerID { return r.workerID }

// Start launches the runner goroutine. It returns immediately.
func (r *AsyncRunner) Start(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}
	r.running = true
	r.runCtx, r.runCancel = context.WithCancel(context.Background())

	r.logger.Info("async runner starting",
		slog.String("worker_id", r.workerID.String()),
		slog.Int("queue_depth", cap(r.queue)),
	)

	r.wg.Add(1)
	go r.runLoop()
	return nil
}

// Submit enqueues a task and returns its future. Submissions execute in
// FIFO order, one at a time.
func (r *AsyncRunner) Submit(ctx context.Context, task Task) (*Future, error) {
	r.sendMu.RLock()
	defer r.sendMu.RUnlock()

	r.mu.Lock()
	accepting := r.running && !r.halted
	r.mu.Unlock()
	if !accepting {
		return nil, pyrexis.ErrBackendHalted
	}

	fut := newFuture()
	select {
	case r.queue <- &queuedTask{task: task, fut: fut, ctx: ctx}:
		return fut, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.stopCh:
		return nil, pyrexis.ErrBackendHalted
	}
}

// Shutdown stops the runner. With drain true, queued tasks run to
// completion; otherwise pending tasks are failed and the running task's
// context is cancelled so it can unwind at its next suspension point.
func (r *AsyncRunner) Shutdown(ctx context.Context, drain bool) error {
	r.mu.Lock()
	if !r.running || r.halted {
		r.mu.Unlock()
		return nil
	}
	r.halted = true
	r.mu.Unlock()

	r.logger.Info("async runner stopping",
		slog.String("worker_id", r.workerID.String()),
		slog.Bool("drain", drain),
	)

	if drain {
		r.sendMu.Lock()
		close(r.queue)
		r.sendMu.Unlock()
	} else {
		close(r.stopCh)
		r.runCancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("async runner stopped gracefully")
	case <-ctx.Done():
		r.logger.Warn("async runner shutdown timed out")
		if drain {
			close(r.stopCh)
			r.runCancel()
		}
	}

	if !drain {
		r.failQueued()
	}
	return nil
}

// Halted reports whether the runner has stopped accepting work.
func (r *AsyncRunner) Halted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.halted
}

// runLoop is the single driver goroutine hosting all cooperative tasks.
func (r *AsyncRunner) runLoop() {
	defer r.wg.Done()

	for {
		select {
		case q, ok := <-r.queue:
			if !ok {
				return
			}
			r.run(q)
		case <-r.stopCh:
			return
		}
	}
}

func (r *AsyncRunner) run(q *queuedTask) {
	// The task sees both the submitter's values and the runner's
	// cancellation: a non-draining shutdown cancels runCtx, and the task
	// observes it at its next cooperative step.
	ctx, cancel := context.WithCancel(q.ctx)
	defer cancel()
	stop := context.AfterFunc(r.runCtx, cancel)
	defer stop()

	out, err := q.task(ctx)
	q.fut.resolve(out, err)
}

func (r *AsyncRunner) failQueued() {
	for {
		select {
		case q := <-r.queue:
			q.fut.resolve(nil, pyrexis.ErrBackendHalted)
		default:
			return
		}
	}
}
