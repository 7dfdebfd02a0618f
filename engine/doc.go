// Package engine wires all Pyrexis subsystems together: submission
// intake, the scheduling loop, state transitions, persistence, retries,
// metrics, and orderly shutdown.
//
// The engine owns a job from Submit until its terminal state. Its loop
// polls the scheduler, hands each popped job to the execution router on
// its own goroutine, and finalizes the outcome: persisting the result
// before the terminal transition, or re-queueing transient failures with
// exponential backoff. Shutdown unwinds through the coordinator's LIFO
// callbacks — wait for in-flight work, drain the backends, flush
// metrics, close the store.
package engine
