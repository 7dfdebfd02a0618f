package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/suriyasureshok/Pyrexis/job"
	"github.com/suriyasureshok/Pyrexis/result"
)

// ── Job model ─────────────────────────────────────────────────────

type jobModel struct {
	bun.BaseModel `bun:"table:pyrexis_jobs"`

	ID         string    `bun:"id,pk"`
	Priority   int       `bun:"priority,notnull,default:0"`
	Mode       string    `bun:"mode,notnull,default:'thread'"`
	MaxRetries int       `bun:"max_retries,notnull,default:3"`
	Payload    []byte    `bun:"payload,notnull"`
	Status     string    `bun:"status,notnull,default:'created'"`
	Attempts   int       `bun:"attempts,notnull,default:0"`
	LastError  string    `bun:"last_error"`
	Timeout    int64     `bun:"timeout,notnull,default:0"`
	CreatedAt  time.Time `bun:"created_at,notnull"`
	UpdatedAt  time.Time `bun:"updated_at,notnull"`
}

func toJobModel(j *job.Job) (*jobModel, error) {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return nil, fmt.Errorf("pyrexis/sqlite: marshal payload for job %q: %w", j.ID, err)
	}
	return &jobModel{
		ID:         j.ID,
		Priority:   j.Priority,
		Mode:       string(j.Mode),
		MaxRetries: j.MaxRetries,
		Payload:    payload,
		Status:     string(j.Status),
		Attempts:   j.Attempts,
		LastError:  j.LastError,
		Timeout:    j.Timeout.Nanoseconds(),
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
	}, nil
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	var payload map[string]any
	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			return nil, fmt.Errorf("pyrexis/sqlite: unmarshal payload for job %q: %w", m.ID, err)
		}
	}
	return &job.Job{
		ID:         m.ID,
		Priority:   m.Priority,
		Mode:       job.Mode(m.Mode),
		MaxRetries: m.MaxRetries,
		Payload:    payload,
		Status:     job.State(m.Status),
		Attempts:   m.Attempts,
		LastError:  m.LastError,
		Timeout:    time.Duration(m.Timeout),
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}, nil
}

// ── Result model ──────────────────────────────────────────────────

type resultModel struct {
	bun.BaseModel `bun:"table:pyrexis_results"`

	JobID     string    `bun:"job_id,pk"`
	Status    string    `bun:"status,notnull"`
	Output    []byte    `bun:"output"`
	Error     string    `bun:"error"`
	StartedAt time.Time `bun:"started_at,notnull"`
	EndedAt   time.Time `bun:"ended_at,notnull"`
	Duration  int64     `bun:"duration,notnull,default:0"`
}

func toResultModel(r *result.Result) (*resultModel, error) {
	var output []byte
	if r.Output != nil {
		var err error
		output, err = json.Marshal(r.Output)
		if err != nil {
			return nil, fmt.Errorf("pyrexis/sqlite: marshal output for job %q: %w", r.JobID, err)
		}
	}
	return &resultModel{
		JobID:     r.JobID,
		Status:    string(r.Status),
		Output:    output,
		Error:     r.Error,
		StartedAt: r.StartedAt,
		EndedAt:   r.EndedAt,
		Duration:  int64(r.Duration),
	}, nil
}

func fromResultModel(m *resultModel) (*result.Result, error) {
	var output any
	if len(m.Output) > 0 {
		if err := json.Unmarshal(m.Output, &output); err != nil {
			return nil, fmt.Errorf("pyrexis/sqlite: unmarshal output for job %q: %w", m.JobID, err)
		}
	}
	return &result.Result{
		JobID:     m.JobID,
		Status:    result.Status(m.Status),
		Output:    output,
		Error:     m.Error,
		StartedAt: m.StartedAt,
		EndedAt:   m.EndedAt,
		Duration:  time.Duration(m.Duration),
	}, nil
}
