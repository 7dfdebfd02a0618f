// Package memory provides a fully in-memory store.Store implementation.
// Safe for concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/suriyasureshok/Pyrexis"
	"github.com/suriyasureshok/Pyrexis/job"
	"github.com/suriyasureshok/Pyrexis/result"
)

// Ensure Store implements each subsystem interface at compile time.
var (
	_ job.Store    = (*Store)(nil)
	_ result.Store = (*Store)(nil)
)

// Store is a mutex-guarded map store. Jobs and results are copied on
// both write and read so callers never share memory with the stored
// records.
type Store struct {
	mu      sync.RWMutex
	jobs    map[string]*job.Job
	results map[string]*result.Result
	closed  bool
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:    make(map[string]*job.Job),
		results: make(map[string]*result.Result),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping reports whether the store is still open.
func (m *Store) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return pyrexis.ErrStoreClosed
	}
	return nil
}

// Close marks the store closed. Data is retained so post-shutdown
// assertions can still read it.
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// ──────────────────────────────────────────────────
// Job store
// ──────────────────────────────────────────────────

// EnqueueJob persists a new job. Duplicate IDs fail with no side effect.
func (m *Store) EnqueueJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return pyrexis.ErrStoreClosed
	}
	if _, exists := m.jobs[j.ID]; exists {
		return pyrexis.ErrJobAlreadyExists
	}
	m.jobs[j.ID] = j.Clone()
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, pyrexis.ErrJobNotFound
	}
	return j.Clone(), nil
}

// UpdateJob persists changes to an existing job.
func (m *Store) UpdateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return pyrexis.ErrStoreClosed
	}
	if _, ok := m.jobs[j.ID]; !ok {
		return pyrexis.ErrJobNotFound
	}
	m.jobs[j.ID] = j.Clone()
	return nil
}

// DeleteJob removes a job by ID.
func (m *Store) DeleteJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[jobID]; !ok {
		return pyrexis.ErrJobNotFound
	}
	delete(m.jobs, jobID)
	return nil
}

// ListJobsByState returns jobs matching the given state, oldest first.
func (m *Store) ListJobsByState(_ context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.Status == state {
			matched = append(matched, j)
		}
	}
	sort.Slice(matched, func(i, k int) bool {
		return matched[i].CreatedAt.Before(matched[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	out := make([]*job.Job, len(matched))
	for i, j := range matched {
		out[i] = j.Clone()
	}
	return out, nil
}

// CountJobs returns the number of jobs matching the given options.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, j := range m.jobs {
		if opts.State == "" || j.Status == opts.State {
			n++
		}
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Result store
// ──────────────────────────────────────────────────

// PutResult persists a result. Results are write-once: a second put for
// the same job ID fails and the stored value is untouched.
func (m *Store) PutResult(_ context.Context, r *result.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return pyrexis.ErrStoreClosed
	}
	if _, exists := m.results[r.JobID]; exists {
		return pyrexis.ErrResultExists
	}
	cp := *r
	m.results[r.JobID] = &cp
	return nil
}

// GetResult retrieves the result for a job.
func (m *Store) GetResult(_ context.Context, jobID string) (*result.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.results[jobID]
	if !ok {
		return nil, pyrexis.ErrResultNotFound
	}
	cp := *r
	return &cp, nil
}
