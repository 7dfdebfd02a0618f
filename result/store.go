package result

import "context"

// Store defines the persistence contract for results.
type Store interface {
	// PutResult persists a result. Results are write-once: a second put
	// for the same job ID fails with ErrResultExists and leaves the
	// stored value unchanged.
	PutResult(ctx context.Context, r *Result) error

	// GetResult retrieves the result for a job.
	GetResult(ctx context.Context, jobID string) (*Result, error)
}
