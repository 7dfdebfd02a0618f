package backend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/docker/docker/pkg/reexec"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/suriyasureshok/Pyrexis"
	"github.com/suriyasureshok/Pyrexis/job"
)

// taskEnvelope is the request crossing the process boundary. The pipeline
// is named, not a closure: the worker resolves it against the process-wide
// registry, which both sides share by virtue of being the same binary.
type taskEnvelope struct {
	TaskID    string         `msgpack:"task_id"`
	JobID     string         `msgpack:"job_id"`
	Pipeline  string         `msgpack:"pipeline"`
	Payload   map[string]any `msgpack:"payload"`
	TimeoutMs int64          `msgpack:"timeout_ms,omitempty"`
}

// resultEnvelope is the worker's response.
type resultEnvelope struct {
	TaskID string `msgpack:"task_id"`
	Output any    `msgpack:"output,omitempty"`
	Error  string `msgpack:"error,omitempty"`
	Fatal  bool   `msgpack:"fatal,omitempty"`
}

// processTask is a pre-encoded envelope awaiting a worker slot.
type processTask struct {
	frame []byte
	fut   *Future
}

// ProcessPool is a fixed-size set of long-lived worker processes, each a
// re-exec of the current binary servicing one envelope at a time over its
// stdin/stdout pipes. Payloads must survive msgpack serialization; a
// payload that does not is refused as fatal before any process sees it.
type ProcessPool struct {
	workers     int
	drainWindow time.Duration
	logger      *slog.Logger

	queue  chan *processTask
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	halted  bool

	sendMu sync.RWMutex

	// procMu guards the live worker set so a forceful shutdown can kill
	// processes blocked mid-roundtrip.
	procMu sync.Mutex
	procs  map[int]*procWorker
}

// ProcessPoolOption configures a ProcessPool.
type ProcessPoolOption func(*ProcessPool)

// WithProcessWorkers sets the number of worker processes.
func WithProcessWorkers(n int) ProcessPoolOption {
	return func(p *ProcessPool) { p.workers = n }
}

// WithProcessQueueDepth bounds the submit queue.
func WithProcessQueueDepth(n int) ProcessPoolOption {
	return func(p *ProcessPool) { p.queue = make(chan *processTask, n) }
}

// WithProcessDrainWindow sets the best-effort drain window after which a
// draining shutdown kills worker processes that have not finished.
func WithProcessDrainWindow(d time.Duration) ProcessPoolOption {
	return func(p *ProcessPool) { p.drainWindow = d }
}

// WithProcessLogger sets the structured logger for the pool.
func WithProcessLogger(l *slog.Logger) ProcessPoolOption {
	return func(p *ProcessPool) { p.logger = l }
}

// NewProcessPool creates an isolated worker pool.
func NewProcessPool(opts ...ProcessPoolOption) *ProcessPool {
	p := &ProcessPool{
		workers:     2,
		drainWindow: 5 * time.Second,
		logger:      slog.Default(),
		queue:       make(chan *processTask, 64),
		stopCh:      make(chan struct{}),
		procs:       make(map[int]*procWorker),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches one slot goroutine per worker. Worker processes are
// spawned lazily on first use so an idle pool costs nothing.
func (p *ProcessPool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("process pool starting",
		slog.Int("workers", p.workers),
		slog.Int("queue_depth", cap(p.queue)),
	)

	for slot := range p.workers {
		p.wg.Add(1)
		go p.slotLoop(slot)
	}
	return nil
}

// SubmitJob serializes the job into an envelope and queues it for an
// isolated worker. A payload that cannot be msgpack-encoded fails with
// ErrSerialization before any side effect.
func (p *ProcessPool) SubmitJob(ctx context.Context, j *job.Job) (*Future, error) {
	env := taskEnvelope{
		TaskID:    uuid.NewString(),
		JobID:     j.ID,
		Pipeline:  j.PipelineType(),
		Payload:   j.Payload,
		TimeoutMs: j.Timeout.Milliseconds(),
	}
	frame, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pyrexis.ErrSerialization, err)
	}

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
	case p.queue <- &processTask{frame: frame, fut: fut}:
		return fut, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.stopCh:
		return nil, pyrexis.ErrBackendHalted
	}
}

// Shutdown stops the pool. With drain true, queued envelopes run to
// completion within the drain window; after it, worker processes are
// terminated forcefully and in-flight work may be lost.
func (p *ProcessPool) Shutdown(ctx context.Context, drain bool) error {
	p.mu.Lock()
	if !p.running || p.halted {
		p.mu.Unlock()
		return nil
	}
	p.halted = true
	p.mu.Unlock()

	p.logger.Info("process pool stopping", slog.Bool("drain", drain))

	if drain {
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

	var window <-chan time.Time
	if drain {
		t := time.NewTimer(p.drainWindow)
		defer t.Stop()
		window = t.C
	}

	select {
	case <-done:
		p.logger.Info("process pool stopped gracefully")
	case <-window:
		p.logger.Warn("process pool drain window expired, terminating workers")
		close(p.stopCh)
		p.killAll()
		<-done
	case <-ctx.Done():
		p.logger.Warn("process pool shutdown cancelled, terminating workers")
		if drain {
			close(p.stopCh)
		}
		p.killAll()
		<-done
	}

	if !drain {
		p.failQueued()
	}
	return nil
}

// Halted reports whether the pool has stopped accepting work.
func (p *ProcessPool) Halted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halted
}

// slotLoop owns one worker process, spawning and respawning as needed.
func (p *ProcessPool) slotLoop(slot int) {
	defer p.wg.Done()

	var w *procWorker
	defer func() {
		if w != nil {
			w.close()
		}
	}()

	for {
		select {
		case <-p.stopCh:
			if w != nil {
				w.kill()
				w = nil
			}
			return
		default:
		}

		select {
		case t, ok := <-p.queue:
			if !ok {
				return
			}
			p.serve(slot, &w, t)
		case <-p.stopCh:
			if w != nil {
				w.kill()
				w = nil
			}
			return
		}
	}
}

func (p *ProcessPool) serve(slot int, w **procWorker, t *processTask) {
	if *w == nil {
		nw, err := p.spawn(slot)
		if err != nil {
			t.fut.resolve(nil, fmt.Errorf("spawn worker: %w", err))
			return
		}
		*w = nw
		p.track(slot, nw)
	}

	resp, err := (*w).roundTrip(t.frame)
	if err != nil {
		// The worker is unusable; kill it and let the slot respawn.
		p.logger.Error("process worker failed",
			slog.Int("slot", slot),
			slog.String("worker", (*w).id),
			slog.String("error", err.Error()),
		)
		(*w).kill()
		p.untrack(slot)
		*w = nil
		t.fut.resolve(nil, fmt.Errorf("process worker died: %w", err))
		return
	}

	if resp.Error != "" {
		err := fmt.Errorf("%s", resp.Error)
		if resp.Fatal {
			err = pyrexis.Fatal(err)
		}
		t.fut.resolve(nil, err)
		return
	}
	t.fut.resolve(resp.Output, nil)
}

// spawn re-executes the current binary under the worker entrypoint.
func (p *ProcessPool) spawn(slot int) (*procWorker, error) {
	cmd := reexec.Command(processEntrypoint)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	w := &procWorker{
		id:     uuid.NewString(),
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
	}
	p.logger.Info("process worker spawned",
		slog.Int("slot", slot),
		slog.String("worker", w.id),
		slog.Int("pid", cmd.Process.Pid),
	)
	return w, nil
}

// procWorker is one live worker process and its pipes.
type procWorker struct {
	id     string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

// roundTrip sends one envelope and reads one response. Each worker
// services a single envelope at a time.
func (w *procWorker) roundTrip(frame []byte) (*resultEnvelope, error) {
	if err := writeFrame(w.stdin, frame); err != nil {
		return nil, fmt.Errorf("write envelope: %w", err)
	}
	body, err := readFrame(w.stdout)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var resp resultEnvelope
	if err := msgpack.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

// close shuts the worker down gracefully: closing stdin ends its read
// loop and the process exits on its own.
func (w *procWorker) close() {
	_ = w.stdin.Close()
	_ = w.cmd.Wait()
}

// kill terminates the worker forcefully. In-flight work is lost.
func (w *procWorker) kill() {
	_ = w.stdin.Close()
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	_ = w.cmd.Wait()
}

func (p *ProcessPool) track(slot int, w *procWorker) {
	p.procMu.Lock()
	p.procs[slot] = w
	p.procMu.Unlock()
}

func (p *ProcessPool) untrack(slot int) {
	p.procMu.Lock()
	delete(p.procs, slot)
	p.procMu.Unlock()
}

// killAll terminates every live worker process. Slot goroutines blocked
// in a roundtrip unblock when their worker's pipes close.
func (p *ProcessPool) killAll() {
	p.procMu.Lock()
	defer p.procMu.Unlock()
	for slot, w := range p.procs {
		w.kill()
		delete(p.procs, slot)
	}
}

func (p *ProcessPool) failQueued() {
	for {
		select {
		case t := <-p.queue:
			t.fut.resolve(nil, pyrexis.ErrBackendHalted)
		default:
			return
		}
	}
}
