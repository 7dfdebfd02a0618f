// Package backend provides the three execution backends and the router
// that dispatches jobs between them by declared mode:
//
//   - thread  → ThreadPool, a fixed set of goroutine workers over a
//     bounded queue, for I/O-bound or interleaved work sharing memory.
//   - process → ProcessPool, a fixed set of long-lived worker processes
//     (re-execs of the current binary) fed msgpack envelopes over pipes,
//     for CPU-bound work needing real isolation. Hosts must call
//     InitProcessWorker at the top of main.
//   - async   → AsyncRunner, a single runner goroutine draining a FIFO
//     queue, for cooperative high-fan-out orchestration.
//
// All three share one contract: submit work, receive a Future, shut down
// with or without draining. The Router wraps them behind a single
// Dispatch call and refuses unknown modes before any side effect.
package backend
