// Package job defines the unit of work processed by the engine: a record
// with identity, priority, an execution mode, a retry budget, and a
// strictly validated lifecycle.
//
// The state machine is the heart of the package. A job starts in
// StateCreated and moves through StatePending and StateRunning toward one
// of three terminal states (StateCompleted, StateFailed, StateCancelled).
// Every mutation goes through Transition, which rejects any move not in
// the transition table, or through RecordFailure, which applies the
// increment-then-transition rule for retry accounting.
package job
