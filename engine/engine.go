package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/suriyasureshok/Pyrexis"
	"github.com/suriyasureshok/Pyrexis/backend"
	"github.com/suriyasureshok/Pyrexis/backoff"
	"github.com/suriyasureshok/Pyrexis/job"
	"github.com/suriyasureshok/Pyrexis/metrics"
	"github.com/suriyasureshok/Pyrexis/middleware"
	"github.com/suriyasureshok/Pyrexis/pipeline"
	"github.com/suriyasureshok/Pyrexis/result"
	"github.com/suriyasureshok/Pyrexis/scheduler"
	"github.com/suriyasureshok/Pyrexis/shutdown"
	"github.com/suriyasureshok/Pyrexis/store"
)

// Engine is the central coordinator: it accepts jobs, schedules them,
// routes execution, persists every transition, retries transient
// failures, and orchestrates graceful shutdown.
type Engine struct {
	config      Config
	logger      *slog.Logger
	store       store.Store
	registry    *pipeline.Registry
	scheduler   *scheduler.Scheduler
	router      *backend.Router
	limiter     *backend.Limiter
	metrics     *metrics.Registry
	coordinator *shutdown.Coordinator
	backoff     backoff.Strategy
	mws         []middleware.Middleware
	limits      []backend.LimiterConfig

	mu       sync.Mutex
	started  bool
	loopDone chan struct{}
	closeErr error

	// live holds the engine-owned in-memory copy of every non-terminal
	// submitted job. Scheduler entries reference these same objects.
	live map[string]*job.Job

	// cancelled marks best-effort cancellation intent for jobs already
	// handed to a backend.
	cancelled map[string]bool

	// wg tracks in-flight job goroutines.
	wg sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the persistence backend. Required.
func WithStore(s store.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithLogger sets the structured logger for the engine.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithConfig replaces the engine configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.config = cfg }
}

// WithRegistry sets the pipeline registry. Defaults to the process-wide
// registry, which process-mode jobs require.
func WithRegistry(r *pipeline.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithBackoff sets the retry backoff strategy. If not set,
// backoff.DefaultStrategy() (exponential, 2s initial) is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(e *Engine) { e.backoff = b }
}

// WithMiddleware appends middleware to the execution chain.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(e *Engine) { e.mws = append(e.mws, mws...) }
}

// WithMetrics sets the metrics registry.
func WithMetrics(reg *metrics.Registry) Option {
	return func(e *Engine) { e.metrics = reg }
}

// WithLimits replaces the default per-mode dispatch limits.
func WithLimits(configs ...backend.LimiterConfig) Option {
	return func(e *Engine) { e.limits = configs }
}

// New creates an Engine with the given options. A store is required.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		config:    DefaultConfig(),
		logger:    slog.Default(),
		registry:  pipeline.Default(),
		backoff:   backoff.DefaultStrategy(),
		live:      make(map[string]*job.Job),
		cancelled: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		return nil, pyrexis.ErrNoStore
	}
	if e.metrics == nil {
		e.metrics = metrics.NewRegistry()
	}

	e.coordinator = shutdown.New(e.logger)
	e.scheduler = scheduler.New(
		scheduler.WithAging(e.config.AgingInterval, e.config.AgingBoost),
	)

	if e.limits == nil {
		e.limits = []backend.LimiterConfig{
			{Mode: job.ModeThread, MaxConcurrency: e.config.ThreadWorkers},
			{Mode: job.ModeProcess, MaxConcurrency: e.config.ProcessWorkers},
		}
	}
	e.limiter = backend.NewLimiter(e.limits...)

	chain := append([]middleware.Middleware{
		middleware.Recover(e.logger),
		middleware.Logging(e.logger),
		middleware.Timeout(e.logger),
		middleware.Metrics(e.metrics),
	}, e.mws...)

	e.router = backend.NewRouter(e.registry,
		backend.WithRouterLogger(e.logger),
		backend.WithRouterMetrics(e.metrics),
		backend.WithRouterMiddleware(chain...),
		backend.WithThreadPool(backend.NewThreadPool(
			backend.WithThreadWorkers(e.config.ThreadWorkers),
			backend.WithThreadQueueDepth(e.config.QueueDepth),
			backend.WithThreadLogger(e.logger),
		)),
		backend.WithProcessPool(backend.NewProcessPool(
			backend.WithProcessWorkers(e.config.ProcessWorkers),
			backend.WithProcessQueueDepth(e.config.QueueDepth),
			backend.WithProcessLogger(e.logger),
		)),
		backend.WithAsyncRunner(backend.NewAsyncRunner(
			backend.WithAsyncQueueDepth(e.config.QueueDepth),
			backend.WithAsyncLogger(e.logger),
		)),
	)

	return e, nil
}

// Metrics returns the engine's metrics registry.
func (e *Engine) Metrics() *metrics.Registry { return e.metrics }

// Coordinator returns the engine's shutdown coordinator. Hosts hook OS
// signals to it with Notify.
func (e *Engine) Coordinator() *shutdown.Coordinator { return e.coordinator }

// Store returns the engine's store.
func (e *Engine) Store() store.Store { return e.store }

// Queued returns the number of jobs currently queued in the scheduler.
func (e *Engine) Queued() int { return e.scheduler.Size() }

// GetJob retrieves a job's persisted record.
func (e *Engine) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	return e.store.GetJob(ctx, jobID)
}

// GetResult retrieves a job's persisted result.
func (e *Engine) GetResult(ctx context.Context, jobID string) (*result.Result, error) {
	return e.store.GetResult(ctx, jobID)
}

// ──────────────────────────────────────────────────
// Submission
// ──────────────────────────────────────────────────

// Submit validates the job, transitions it to pending, persists it, and
// hands it to the scheduler. A duplicate ID fails before any side
// effect. Once Submit returns nil the engine owns the job.
func (e *Engine) Submit(ctx context.Context, j *job.Job) error {
	if !e.accepting() {
		return pyrexis.ErrShuttingDown
	}
	if err := j.Validate(); err != nil {
		return err
	}

	// Duplicate check before any mutation of the caller's job.
	if _, err := e.store.GetJob(ctx, j.ID); err == nil {
		return fmt.Errorf("%w: %s", pyrexis.ErrJobAlreadyExists, j.ID)
	} else if !errors.Is(err, pyrexis.ErrJobNotFound) {
		return err
	}

	if err := j.Transition(job.StatePending); err != nil {
		return err
	}
	if err := e.store.EnqueueJob(ctx, j); err != nil {
		return err
	}

	e.mu.Lock()
	e.live[j.ID] = j
	e.mu.Unlock()
	e.scheduler.Submit(j)
	e.metrics.Inc("job.submitted")

	e.logger.Info("job submitted",
		slog.String("job_id", j.ID),
		slog.String("pipeline", j.PipelineType()),
		slog.String("mode", string(j.Mode)),
		slog.Int("priority", j.Priority),
	)
	return nil
}

// Cancel cancels a job. A pending job is removed from the scheduler and
// becomes cancelled immediately; for a running job the intent is marked
// and the execution's outcome is discarded once it finishes naturally.
// Jobs in other states cannot be cancelled.
func (e *Engine) Cancel(ctx context.Context, jobID string) error {
	e.mu.Lock()
	j, ok := e.live[jobID]
	if !ok {
		e.mu.Unlock()
		return pyrexis.ErrJobNotFound
	}

	switch j.Status {
	case job.StateRunning:
		e.cancelled[jobID] = true
		e.mu.Unlock()
		e.logger.Info("cancellation requested for running job", slog.String("job_id", jobID))
		return nil

	case job.StatePending:
		if !e.scheduler.Cancel(jobID) {
			// Popped by the loop but not yet transitioned; treat as running.
			e.cancelled[jobID] = true
			e.mu.Unlock()
			return nil
		}
		if err := j.Transition(job.StateCancelled); err != nil {
			e.mu.Unlock()
			return err
		}
		delete(e.live, jobID)
		e.mu.Unlock()

		if err := e.store.UpdateJob(ctx, j); err != nil {
			return err
		}
		e.metrics.Inc("job.cancelled")
		e.logger.Info("job cancelled", slog.String("job_id", jobID))
		return nil

	default:
		e.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", pyrexis.ErrInvalidTransition, j.Status, job.StateCancelled)
	}
}

func (e *Engine) accepting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loopDone == nil {
		return true
	}
	select {
	case <-e.loopDone:
		return false
	default:
		return true
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start launches the backends and the scheduling loop. It returns
// immediately.
func (e *Engine) Start(ctx context.Context) error {
	if e.coordinator.ShuttingDown() {
		return pyrexis.ErrShuttingDown
	}

	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.loopDone = make(chan struct{})
	e.mu.Unlock()

	if err := e.store.Ping(ctx); err != nil {
		return fmt.Errorf("engine: store unreachable: %w", err)
	}
	if err := e.router.Start(ctx); err != nil {
		return err
	}

	// Cleanup unwinds in reverse registration order: wait for in-flight
	// jobs, drain the backends, flush metrics, close the store.
	e.coordinator.Register(e.closeStore)
	e.coordinator.Register(e.flushMetrics)
	e.coordinator.Register(e.drainBackends)
	e.coordinator.Register(e.waitInflight)

	go e.loop()

	e.logger.Info("engine started",
		slog.Duration("poll_interval", e.config.PollInterval),
		slog.Int("thread_workers", e.config.ThreadWorkers),
		slog.Int("process_workers", e.config.ProcessWorkers),
	)
	return nil
}

// Stop signals shutdown and blocks until the unwind completes: the loop
// halts, in-flight jobs reach terminal states, backends drain, metrics
// flush, and the store closes.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.ShutdownTimeout)
		defer cancel()
	}

	e.coordinator.Signal(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeErr
}

// ──────────────────────────────────────────────────
// Loop
// ──────────────────────────────────────────────────

// loop is the engine's driver: poll the scheduler, dispatch each job on
// its own goroutine, sleep when idle. It exits when shutdown is
// signalled; already-dispatched jobs are allowed to finish.
func (e *Engine) loop() {
	defer close(e.loopDone)

	e.logger.Debug("engine loop started")
	for {
		select {
		case <-e.coordinator.Done():
			e.logger.Info("engine loop stopping", slog.Int("queued", e.scheduler.Size()))
			return
		default:
		}

		// A job is popped only when its mode has a free dispatch slot;
		// rejected candidates stay queued and keep aging.
		j := e.scheduler.NextJobMatching(func(cand *job.Job) bool {
			return e.limiter.Acquire(cand.Mode)
		})
		if j == nil {
			e.sleep()
			continue
		}

		e.wg.Add(1)
		go e.runJob(j)
	}
}

func (e *Engine) sleep() {
	select {
	case <-time.After(e.config.PollInterval):
	case <-e.coordinator.Done():
	}
}

// runJob drives one job through execution and finalization. It owns the
// job's dispatch slot for its whole duration.
func (e *Engine) runJob(j *job.Job) {
	defer e.wg.Done()
	defer e.limiter.Release(j.Mode)

	ctx := context.Background()

	e.mu.Lock()
	if e.cancelled[j.ID] {
		// Cancelled between pop and start; it never executes.
		delete(e.cancelled, j.ID)
		terr := j.Transition(job.StateCancelled)
		delete(e.live, j.ID)
		e.mu.Unlock()
		if terr != nil {
			e.logger.Error("illegal transition cancelling popped job",
				slog.String("job_id", j.ID), slog.String("error", terr.Error()))
			return
		}
		e.persistJob(ctx, j)
		e.metrics.Inc("job.cancelled")
		return
	}
	terr := j.Transition(job.StateRunning)
	e.mu.Unlock()
	if terr != nil {
		e.logger.Error("illegal transition entering running",
			slog.String("job_id", j.ID),
			slog.String("status", string(j.Status)),
			slog.String("error", terr.Error()),
		)
		return
	}
	e.persistJob(ctx, j)

	started := time.Now().UTC()
	var out any
	var derr error
	e.metrics.Time("job.execution", func() {
		out, derr = e.router.Dispatch(ctx, j)
	})
	ended := time.Now().UTC()

	e.mu.Lock()
	wasCancelled := e.cancelled[j.ID]
	delete(e.cancelled, j.ID)
	e.mu.Unlock()

	switch {
	case wasCancelled:
		e.finalizeCancelled(ctx, j)
	case derr != nil:
		e.finalizeFailure(ctx, j, derr, started, ended)
	default:
		e.finalizeSuccess(ctx, j, out, started, ended)
	}
}

// ──────────────────────────────────────────────────
// Finalization
// ──────────────────────────────────────────────────

// finalizeSuccess persists the result, then the terminal transition.
func (e *Engine) finalizeSuccess(ctx context.Context, j *job.Job, out any, started, ended time.Time) {
	res, rerr := result.NewCompleted(j.ID, out, started, ended)
	if rerr != nil {
		e.finalizeFailure(ctx, j, pyrexis.Fatal(rerr), started, ended)
		return
	}
	e.persistResult(ctx, res)

	e.mu.Lock()
	terr := j.Transition(job.StateCompleted)
	delete(e.live, j.ID)
	e.mu.Unlock()
	if terr != nil {
		e.logger.Error("illegal transition completing job",
			slog.String("job_id", j.ID), slog.String("error", terr.Error()))
		return
	}
	e.persistJob(ctx, j)
	e.metrics.Inc("job.success")
}

// finalizeFailure classifies the error and either retries with backoff
// or records the terminal failure, persisting the result before the
// job's terminal transition.
func (e *Engine) finalizeFailure(ctx context.Context, j *job.Job, derr error, started, ended time.Time) {
	kind := pyrexis.KindOf(derr)
	msg := derr.Error()

	e.mu.Lock()
	terminal := kind == pyrexis.FaultFatal || j.Attempts+1 >= j.MaxRetries
	e.mu.Unlock()

	if !terminal {
		e.mu.Lock()
		_, ferr := j.RecordFailure(msg)
		e.mu.Unlock()
		if ferr != nil {
			e.logger.Error("illegal transition recording failure",
				slog.String("job_id", j.ID), slog.String("error", ferr.Error()))
			return
		}
		e.persistJob(ctx, j)

		delay := e.backoff.Delay(j.Attempts)
		e.scheduler.SubmitAfter(j, delay)
		e.metrics.Inc("job.retries")

		e.logger.Warn("job retrying",
			slog.String("job_id", j.ID),
			slog.Int("attempt", j.Attempts),
			slog.Int("max_retries", j.MaxRetries),
			slog.Duration("backoff", delay),
			slog.String("error", msg),
		)
		return
	}

	// Terminal failure: the result is durable before the transition.
	res, rerr := result.NewFailed(j.ID, msg, started, ended)
	if rerr != nil {
		e.logger.Error("building failure result",
			slog.String("job_id", j.ID), slog.String("error", rerr.Error()))
	} else {
		e.persistResult(ctx, res)
	}

	e.mu.Lock()
	var ferr error
	if kind == pyrexis.FaultFatal {
		ferr = j.RecordFatal(msg)
	} else {
		_, ferr = j.RecordFailure(msg)
	}
	delete(e.live, j.ID)
	e.mu.Unlock()
	if ferr != nil {
		e.logger.Error("illegal transition failing job",
			slog.String("job_id", j.ID), slog.String("error", ferr.Error()))
		return
	}
	e.persistJob(ctx, j)
	e.metrics.Inc("job.failure")

	e.logger.Error("job failed permanently",
		slog.String("job_id", j.ID),
		slog.Int("attempts", j.Attempts),
		slog.String("classification", kind.String()),
		slog.String("error", msg),
	)
}

// finalizeCancelled discards the execution's outcome in favor of the
// cancelled terminal state. No result is recorded.
func (e *Engine) finalizeCancelled(ctx context.Context, j *job.Job) {
	e.mu.Lock()
	terr := j.Transition(job.StateCancelled)
	delete(e.live, j.ID)
	e.mu.Unlock()
	if terr != nil {
		e.logger.Error("illegal transition cancelling job",
			slog.String("job_id", j.ID), slog.String("error", terr.Error()))
		return
	}
	e.persistJob(ctx, j)
	e.metrics.Inc("job.cancelled")
	e.logger.Info("job cancelled after execution", slog.String("job_id", j.ID))
}

func (e *Engine) persistJob(ctx context.Context, j *job.Job) {
	if err := e.store.UpdateJob(ctx, j); err != nil {
		e.logger.Error("persisting job",
			slog.String("job_id", j.ID),
			slog.String("status", string(j.Status)),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) persistResult(ctx context.Context, res *result.Result) {
	err := e.store.PutResult(ctx, res)
	if err == nil {
		return
	}
	if errors.Is(err, pyrexis.ErrResultExists) {
		// At-least-once execution can reach finalization twice across a
		// crash; the first result wins.
		e.logger.Warn("result already recorded", slog.String("job_id", res.JobID))
		return
	}
	e.logger.Error("persisting result",
		slog.String("job_id", res.JobID),
		slog.String("error", err.Error()),
	)
}

// ──────────────────────────────────────────────────
// Shutdown callbacks (registered in Start, fired LIFO)
// ──────────────────────────────────────────────────

func (e *Engine) waitInflight(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		<-e.loopDone
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("timed out waiting for in-flight jobs")
	}
}

func (e *Engine) drainBackends(ctx context.Context) {
	if err := e.router.Shutdown(ctx, true); err != nil {
		e.logger.Error("backend shutdown", slog.String("error", err.Error()))
	}
}

func (e *Engine) flushMetrics(_ context.Context) {
	e.logger.Info("final metrics",
		slog.Any("counters", e.metrics.Counters()),
		slog.Int("timing_series", len(e.metrics.Timings())),
	)
}

func (e *Engine) closeStore(_ context.Context) {
	if err := e.store.Close(); err != nil {
		e.mu.Lock()
		e.closeErr = err
		e.mu.Unlock()
		e.logger.Error("store close", slog.String("error", err.Error()))
	}
}
