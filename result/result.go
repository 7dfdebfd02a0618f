// Package result defines the terminal record of a job's execution.
// Results are immutable once written: the store contract is write-once
// per job ID.
package result

import (
	"fmt"
	"time"

	"github.com/suriyasureshok/Pyrexis"
)

// Status is the terminal outcome recorded in a result.
type Status string

const (
	// StatusCompleted marks a successful execution.
	StatusCompleted Status = "completed"
	// StatusFailed marks a terminal failure.
	StatusFailed Status = "failed"
)

// Result is the terminal record of a job's execution. Exactly one of
// Output and Error is set, matching Status. Construct results through
// NewCompleted / NewFailed; do not mutate them afterwards.
type Result struct {
	JobID     string        `json:"job_id"`
	Status    Status        `json:"status"`
	Output    any           `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Duration  time.Duration `json:"duration"`
}

// NewCompleted builds a successful result. Output must be non-nil and
// EndedAt must not precede StartedAt.
func NewCompleted(jobID string, output any, startedAt, endedAt time.Time) (*Result, error) {
	r := &Result{
		JobID:     jobID,
		Status:    StatusCompleted,
		Output:    output,
		StartedAt: startedAt,
		EndedAt:   endedAt,
		Duration:  endedAt.Sub(startedAt),
	}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewFailed builds a terminal-failure result. The error message must be
// non-empty and EndedAt must not precede StartedAt.
func NewFailed(jobID, errMsg string, startedAt, endedAt time.Time) (*Result, error) {
	r := &Result{
		JobID:     jobID,
		Status:    StatusFailed,
		Error:     errMsg,
		StartedAt: startedAt,
		EndedAt:   endedAt,
		Duration:  endedAt.Sub(startedAt),
	}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Result) validate() error {
	if r.JobID == "" {
		return fmt.Errorf("%w: empty job id", pyrexis.ErrInvalidResult)
	}
	if r.EndedAt.Before(r.StartedAt) {
		return fmt.Errorf("%w: ended_at before started_at", pyrexis.ErrInvalidResult)
	}
	switch r.Status {
	case StatusCompleted:
		if r.Output == nil {
			return fmt.Errorf("%w: completed result without output", pyrexis.ErrInvalidResult)
		}
		if r.Error != "" {
			return fmt.Errorf("%w: completed result carries an error", pyrexis.ErrInvalidResult)
		}
	case StatusFailed:
		if r.Error == "" {
			return fmt.Errorf("%w: failed result without error", pyrexis.ErrInvalidResult)
		}
		if r.Output != nil {
			return fmt.Errorf("%w: failed result carries output", pyrexis.ErrInvalidResult)
		}
	default:
		return fmt.Errorf("%w: status %q is not terminal", pyrexis.ErrInvalidResult, r.Status)
	}
	return nil
}
