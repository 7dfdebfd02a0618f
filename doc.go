// Package pyrexis provides a single-node concurrent job execution engine
// for Go. Jobs carry a priority, a retry budget, and an execution mode;
// the engine orders them with a starvation-free aging scheduler, runs them
// through staged pipelines on one of three backends (goroutine pool,
// isolated process pool, or cooperative runner), and persists every state
// transition and result to a durable store.
//
// Pyrexis is designed as a library, not a service. Import it, configure a
// store, register pipelines, and submit jobs as ordinary Go values.
//
// # Quick Start
//
//	pipeline.Register("shout", func() *pipeline.Pipeline {
//	    return pipeline.New("shout", pipeline.Map(upcase))
//	})
//
//	eng, err := engine.New(
//	    engine.WithStore(st),
//	)
//
// # Architecture
//
// Each subsystem (job, result) defines its own store interface and a single
// backend implements all of them. Execution is routed by the job's declared
// mode; all three backends share one submit/await/shutdown contract.
//
// Generated job IDs and worker IDs use TypeID — type-prefixed, K-sortable,
// UUIDv7-based identifiers. A job's ID is a plain string, and job.WithID
// accepts any caller-supplied value.
package pyrexis
