package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/suriyasureshok/Pyrexis"
	"github.com/suriyasureshok/Pyrexis/job"
	"github.com/suriyasureshok/Pyrexis/metrics"
	"github.com/suriyasureshok/Pyrexis/middleware"
	"github.com/suriyasureshok/Pyrexis/pipeline"
)

// Router dispatches a job to the backend its mode declares and waits for
// the outcome. It is stateless between calls and guarantees exactly one
// outcome per call: a value, or a classified error.
type Router struct {
	registry *pipeline.Registry
	thread   *ThreadPool
	process  *ProcessPool
	async    *AsyncRunner
	mw       middleware.Middleware
	metrics  *metrics.Registry
	logger   *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithThreadPool sets the shared-memory backend.
func WithThreadPool(p *ThreadPool) RouterOption {
	return func(r *Router) { r.thread = p }
}

// WithProcessPool sets the isolated backend.
func WithProcessPool(p *ProcessPool) RouterOption {
	return func(r *Router) { r.process = p }
}

// WithAsyncRunner sets the cooperative backend.
func WithAsyncRunner(a *AsyncRunner) RouterOption {
	return func(r *Router) { r.async = a }
}

// WithRouterMiddleware sets the middleware chain wrapped around each
// in-process pipeline run.
func WithRouterMiddleware(mws ...middleware.Middleware) RouterOption {
	return func(r *Router) { r.mw = middleware.Chain(mws...) }
}

// WithRouterMetrics sets the registry receiving pipeline.run timings.
func WithRouterMetrics(reg *metrics.Registry) RouterOption {
	return func(r *Router) { r.metrics = reg }
}

// WithRouterLogger sets the structured logger for the router.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// NewRouter creates a Router over the given pipeline registry. Backends
// not supplied are created with defaults.
func NewRouter(registry *pipeline.Registry, opts ...RouterOption) *Router {
	r := &Router{
		registry: registry,
		mw:       middleware.Chain(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.thread == nil {
		r.thread = NewThreadPool(WithThreadLogger(r.logger))
	}
	if r.process == nil {
		r.process = NewProcessPool(WithProcessLogger(r.logger))
	}
	if r.async == nil {
		r.async = NewAsyncRunner(WithAsyncLogger(r.logger))
	}
	return r
}

// Start launches all three backends.
func (r *Router) Start(ctx context.Context) error {
	if err := r.thread.Start(ctx); err != nil {
		return err
	}
	if err := r.process.Start(ctx); err != nil {
		return err
	}
	return r.async.Start(ctx)
}

// Shutdown closes all three backends concurrently.
func (r *Router) Shutdown(ctx context.Context, drain bool) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.thread.Shutdown(ctx, drain) })
	g.Go(func() error { return r.process.Shutdown(ctx, drain) })
	g.Go(func() error { return r.async.Shutdown(ctx, drain) })
	return g.Wait()
}

// Dispatch routes the job to its declared backend, runs its pipeline,
// and waits for the outcome. An unknown mode or an unregistered pipeline
// type fails loudly before any side effect.
func (r *Router) Dispatch(ctx context.Context, j *job.Job) (any, error) {
	kind := j.PipelineType()
	factory, ok := r.registry.Get(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", pyrexis.ErrUnknownPipeline, kind)
	}

	var fut *Future
	var err error
	switch j.Mode {
	case job.ModeThread:
		fut, err = r.thread.Submit(ctx, r.pipelineTask(j, factory))
	case job.ModeProcess:
		fut, err = r.process.SubmitJob(ctx, j)
	case job.ModeAsync:
		fut, err = r.async.Submit(ctx, r.pipelineTask(j, factory))
	default:
		return nil, fmt.Errorf("%w: %q", pyrexis.ErrInvalidMode, j.Mode)
	}
	if err != nil {
		return nil, err
	}
	return fut.Wait(ctx)
}

// pipelineTask builds the in-process task for the thread and async
// backends: the pipeline run wrapped in the middleware chain, with
// deadline expiry converted to a transient "timeout" failure.
func (r *Router) pipelineTask(j *job.Job, factory pipeline.Factory) Task {
	return func(ctx context.Context) (any, error) {
		var out any
		terminal := func(ctx context.Context) error {
			p := factory()
			var err error
			if r.metrics != nil {
				r.metrics.Time("pipeline.run", func() {
					out, err = p.Run(ctx, any(j.Payload))
				})
			} else {
				out, err = p.Run(ctx, any(j.Payload))
			}
			return err
		}

		err := r.mw(ctx, j, terminal)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, pyrexis.Transient(errors.New("timeout"))
			}
			return nil, err
		}
		return out, nil
	}
}
