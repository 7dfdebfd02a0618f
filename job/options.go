package job

import "time"

// Option configures a Job at construction time.
type Option func(*Job)

// WithID overrides the generated job identifier. Callers that bring
// their own IDs are responsible for uniqueness across the live system.
func WithID(jobID string) Option {
	return func(j *Job) { j.ID = jobID }
}

// WithPriority sets the scheduling priority. Higher runs earlier.
func WithPriority(p int) Option {
	return func(j *Job) { j.Priority = p }
}

// WithMode selects the execution backend.
func WithMode(m Mode) Option {
	return func(j *Job) { j.Mode = m }
}

// WithMaxRetries sets the total execution attempt budget, including the
// first attempt.
func WithMaxRetries(n int) Option {
	return func(j *Job) { j.MaxRetries = n }
}

// WithTimeout sets a per-job execution deadline. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(j *Job) { j.Timeout = d }
}
