// Package pipeline provides staged, demand-driven processing of job
// payloads. A pipeline is an ordered chain of stages; each stage consumes
// a stream of records and produces a stream of records, so memory stays
// bounded by the working set of a single in-flight record per stage plus
// whatever buffering a stage chooses. The last record emitted by the
// final stage is the pipeline's output.
package pipeline

import (
	"context"
	"fmt"
)

// Record is a single value flowing through a pipeline, paired with the
// error that produced it, if any. A record carrying a non-nil Err ends
// the run; stages built with Map and Expand pass error records through
// untouched.
type Record struct {
	Value any
	Err   error
}

// Stage transforms a stream of records into a stream of records.
// A stage must close its output channel when its input channel closes or
// the context is done, and must select on ctx.Done() around sends so a
// cancelled run never leaks its goroutine.
type Stage func(ctx context.Context, in <-chan Record) <-chan Record

// Pipeline is an ordered chain of stages.
type Pipeline struct {
	name   string
	stages []Stage
}

// New creates a pipeline from the given stages, applied in order.
func New(name string, stages ...Stage) *Pipeline {
	return &Pipeline{name: name, stages: stages}
}

// Name returns the pipeline's registered name.
func (p *Pipeline) Name() string { return p.name }

// Run feeds the payload as a one-element stream into the first stage,
// chains each stage's output into the next, and drains the final stage.
// The last value received is the pipeline's output. A record carrying an
// error, a cancelled context, or an empty final stream all fail the run.
func (p *Pipeline) Run(ctx context.Context, payload any) (any, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	in := make(chan Record, 1)
	in <- Record{Value: payload}
	close(in)

	out := (<-chan Record)(in)
	for _, stage := range p.stages {
		out = stage(ctx, out)
	}

	var last any
	seen := false
	for {
		select {
		case rec, ok := <-out:
			if !ok {
				if !seen {
					return nil, fmt.Errorf("pipeline %q produced no output", p.name)
				}
				return last, nil
			}
			if rec.Err != nil {
				return nil, rec.Err
			}
			last = rec.Value
			seen = true
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Map lifts a single-value transform into a Stage. Each input record's
// value is transformed to exactly one output record; a transform error
// emits an error record and stops the stage.
func Map(fn func(ctx context.Context, v any) (any, error)) Stage {
	return func(ctx context.Context, in <-chan Record) <-chan Record {
		out := make(chan Record)
		go func() {
			defer close(out)
			for {
				select {
				case rec, ok := <-in:
					if !ok {
						return
					}
					if rec.Err == nil {
						v, err := fn(ctx, rec.Value)
						rec = Record{Value: v, Err: err}
					}
					select {
					case out <- rec:
					case <-ctx.Done():
						return
					}
					if rec.Err != nil {
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()
		return out
	}
}

// Expand lifts a one-to-many transform into a Stage: each input value may
// produce any number of output records, emitted in order. It exists so
// stages are not restricted to the single-element case.
func Expand(fn func(ctx context.Context, v any) ([]any, error)) Stage {
	return func(ctx context.Context, in <-chan Record) <-chan Record {
		out := make(chan Record)
		go func() {
			defer close(out)
			for {
				select {
				case rec, ok := <-in:
					if !ok {
						return
					}
					if rec.Err != nil {
						select {
						case out <- rec:
						case <-ctx.Done():
						}
						return
					}
					vs, err := fn(ctx, rec.Value)
					if err != nil {
						select {
						case out <- Record{Err: err}:
						case <-ctx.Done():
						}
						return
					}
					for _, v := range vs {
						select {
						case out <- Record{Value: v}:
						case <-ctx.Done():
							return
						}
					}
				case <-ctx.Done():
					return
				}
			}
		}()
		return out
	}
}
