package job

import (
	"fmt"
	"time"

	"github.com/suriyasureshok/Pyrexis"
	"github.com/suriyasureshok/Pyrexis/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StateCreated means the job exists but has not been submitted.
	StateCreated State = "created"
	// StatePending means the job is queued in the scheduler.
	StatePending State = "pending"
	// StateRunning means a backend is currently executing the job.
	StateRunning State = "running"
	// StateRetrying means the job failed transiently and awaits re-queue.
	StateRetrying State = "retrying"
	// StateCompleted means the job finished successfully.
	StateCompleted State = "completed"
	// StateFailed means the job failed and will not be retried.
	StateFailed State = "failed"
	// StateCancelled means the job was explicitly cancelled.
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state has no outgoing transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Mode selects the execution backend for a job.
type Mode string

const (
	// ModeThread runs the job on the shared-memory goroutine pool.
	ModeThread Mode = "thread"
	// ModeProcess runs the job in an isolated worker process.
	ModeProcess Mode = "process"
	// ModeAsync runs the job on the cooperative single-runner backend.
	ModeAsync Mode = "async"
)

// Valid reports whether m names a known backend.
func (m Mode) Valid() bool {
	switch m {
	case ModeThread, ModeProcess, ModeAsync:
		return true
	}
	return false
}

// transitions is the allowed-transition table. Any move not listed here
// fails with ErrInvalidTransition. StateRunning → StateCancelled exists
// for best-effort cancellation: the execution runs to natural completion
// and the engine discards its outcome.
var transitions = map[State]map[State]bool{
	StateCreated:  {StatePending: true, StateCancelled: true},
	StatePending:  {StateRunning: true, StateCancelled: true},
	StateRunning:  {StateCompleted: true, StateFailed: true, StateRetrying: true, StateCancelled: true},
	StateRetrying: {StateRunning: true, StateFailed: true},
}

// Job represents a unit of work to be processed by the engine.
// Once submitted, the engine owns the job; callers must not mutate it.
type Job struct {
	ID         string         `json:"id"`
	Priority   int            `json:"priority"`
	Mode       Mode           `json:"mode"`
	MaxRetries int            `json:"max_retries"`
	Payload    map[string]any `json:"payload"`
	Status     State          `json:"status"`
	Attempts   int            `json:"attempts"`
	LastError  string         `json:"last_error,omitempty"`
	Timeout    time.Duration  `json:"timeout,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// New creates a job in StateCreated with a generated ID and defaults
// (priority 0, thread mode, 3 retries). The payload's "type" key names
// the pipeline that will process it.
func New(payload map[string]any, opts ...Option) *Job {
	now := time.Now().UTC()
	j := &Job{
		ID:         id.NewJobID().String(),
		Priority:   0,
		Mode:       ModeThread,
		MaxRetries: 3,
		Payload:    payload,
		Status:     StateCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// PipelineType returns the payload's "type" field, or "" if absent.
func (j *Job) PipelineType() string {
	if j.Payload == nil {
		return ""
	}
	t, _ := j.Payload["type"].(string)
	return t
}

// Validate checks the structural invariants of a job: non-empty ID,
// priority in [0, 10], a known execution mode, a positive retry budget,
// and a payload naming a pipeline type.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("%w: empty job id", pyrexis.ErrInvalidJob)
	}
	if j.Priority < 0 || j.Priority > 10 {
		return fmt.Errorf("%w: priority %d out of range [0, 10]", pyrexis.ErrInvalidJob, j.Priority)
	}
	if !j.Mode.Valid() {
		return fmt.Errorf("%w: %q", pyrexis.ErrInvalidMode, j.Mode)
	}
	if j.MaxRetries < 1 {
		return fmt.Errorf("%w: max_retries must be positive, got %d", pyrexis.ErrInvalidJob, j.MaxRetries)
	}
	if j.Attempts < 0 {
		return fmt.Errorf("%w: negative attempts", pyrexis.ErrInvalidJob)
	}
	if j.PipelineType() == "" {
		return fmt.Errorf("%w: payload missing pipeline type", pyrexis.ErrInvalidJob)
	}
	return nil
}

// CanTransition reports whether moving to the given state is allowed.
func (j *Job) CanTransition(to State) bool {
	return transitions[j.Status][to]
}

// Transition moves the job to a new state if the transition table allows
// it, advancing UpdatedAt. Any other move returns ErrInvalidTransition
// and leaves the job untouched.
func (j *Job) Transition(to State) error {
	if !j.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", pyrexis.ErrInvalidTransition, j.Status, to)
	}
	j.Status = to
	j.touch()
	return nil
}

// RecordFailure records a failed execution attempt: it increments
// Attempts and sets LastError first, then transitions to StateFailed if
// the budget is exhausted or StateRetrying otherwise. The
// increment-then-transition order guarantees exactly MaxRetries total
// attempts and makes Attempts == MaxRetries a reliable no-more-tries
// signal. The returned state is the one entered.
func (j *Job) RecordFailure(msg string) (State, error) {
	j.Attempts++
	j.LastError = msg

	to := StateRetrying
	if j.Attempts >= j.MaxRetries {
		to = StateFailed
	}
	if err := j.Transition(to); err != nil {
		return j.Status, err
	}
	return to, nil
}

// RecordFatal records a non-retryable failure: the attempt is counted,
// LastError is set, and the job moves straight to StateFailed regardless
// of the remaining retry budget.
func (j *Job) RecordFatal(msg string) error {
	j.Attempts++
	j.LastError = msg
	return j.Transition(StateFailed)
}

// Clone returns a copy of the job with its own payload map. Stores use
// it so callers can mutate their copy without racing the stored one.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Payload != nil {
		cp.Payload = make(map[string]any, len(j.Payload))
		for k, v := range j.Payload {
			cp.Payload[k] = v
		}
	}
	return &cp
}

// touch advances UpdatedAt. Transitions inside one wall-clock tick still
// advance strictly so UpdatedAt orders a job's own history.
func (j *Job) touch() {
	now := time.Now().UTC()
	if !now.After(j.UpdatedAt) {
		now = j.UpdatedAt.Add(time.Microsecond)
	}
	j.UpdatedAt = now
}
