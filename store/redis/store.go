// Package redis provides a Redis-backed store.Store implementation.
// Each job lives in a hash keyed by ID; pending jobs are mirrored into a
// priority-scored sorted set so external tooling can observe the queue.
// Results are plain keys written with SETNX, which gives the write-once
// contract for free.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/suriyasureshok/Pyrexis"
	"github.com/suriyasureshok/Pyrexis/job"
	"github.com/suriyasureshok/Pyrexis/result"
)

// Ensure Store implements each subsystem interface at compile time.
var (
	_ job.Store    = (*Store)(nil)
	_ result.Store = (*Store)(nil)
)

// Store is a Redis implementation of store.Store.
type Store struct {
	client *redis.Client
}

// New creates a Store over an existing Redis client. The caller owns the
// client lifecycle unless Close is used.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Migrate is a no-op for Redis; there is no schema.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// ──────────────────────────────────────────────────
// Job store
// ──────────────────────────────────────────────────

// EnqueueJob persists a new job. Duplicate IDs fail with no side effect.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	key := jobKey(j.ID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("pyrexis/redis: check job %q: %w", j.ID, err)
	}
	if exists > 0 {
		return pyrexis.ErrJobAlreadyExists
	}

	if err := s.writeJob(ctx, j); err != nil {
		return err
	}
	return s.syncPendingSet(ctx, j)
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	data, err := s.client.HGet(ctx, jobKey(jobID), "data").Result()
	if errors.Is(err, redis.Nil) {
		return nil, pyrexis.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pyrexis/redis: get job %q: %w", jobID, err)
	}

	var j job.Job
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("pyrexis/redis: decode job %q: %w", jobID, err)
	}
	return &j, nil
}

// UpdateJob persists changes to an existing job.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	key := jobKey(j.ID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("pyrexis/redis: check job %q: %w", j.ID, err)
	}
	if exists == 0 {
		return pyrexis.ErrJobNotFound
	}

	if err := s.writeJob(ctx, j); err != nil {
		return err
	}
	return s.syncPendingSet(ctx, j)
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	n, err := s.client.Del(ctx, jobKey(jobID)).Result()
	if err != nil {
		return fmt.Errorf("pyrexis/redis: delete job %q: %w", jobID, err)
	}
	if n == 0 {
		return pyrexis.ErrJobNotFound
	}
	s.client.ZRem(ctx, pendingKey, jobID)
	return nil
}

// ListJobsByState returns jobs matching the given state, oldest first.
// The scan walks every job hash; list queries are an operator surface,
// not a hot path.
func (s *Store) ListJobsByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	var jobs []*job.Job

	iter := s.client.Scan(ctx, 0, keyPrefix+"job:*", 0).Iterator()
	for iter.Next(ctx) {
		status, err := s.client.HGet(ctx, iter.Val(), "status").Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("pyrexis/redis: scan jobs: %w", err)
		}
		if job.State(status) != state {
			continue
		}

		data, err := s.client.HGet(ctx, iter.Val(), "data").Result()
		if err != nil {
			return nil, fmt.Errorf("pyrexis/redis: scan jobs: %w", err)
		}
		var j job.Job
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			return nil, fmt.Errorf("pyrexis/redis: decode job: %w", err)
		}
		jobs = append(jobs, &j)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("pyrexis/redis: scan jobs: %w", err)
	}

	sortJobsByCreation(jobs)

	if opts.Offset > 0 {
		if opts.Offset >= len(jobs) {
			return nil, nil
		}
		jobs = jobs[opts.Offset:]
	}
	if opts.Limit > 0 && len(jobs) > opts.Limit {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	var n int64

	iter := s.client.Scan(ctx, 0, keyPrefix+"job:*", 0).Iterator()
	for iter.Next(ctx) {
		if opts.State == "" {
			n++
			continue
		}
		status, err := s.client.HGet(ctx, iter.Val(), "status").Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("pyrexis/redis: count jobs: %w", err)
		}
		if job.State(status) == opts.State {
			n++
		}
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("pyrexis/redis: count jobs: %w", err)
	}
	return n, nil
}

// writeJob stores the serialized record plus a status field for
// filtering without a full decode.
func (s *Store) writeJob(ctx context.Context, j *job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("pyrexis/redis: encode job %q: %w", j.ID, err)
	}
	err = s.client.HSet(ctx, jobKey(j.ID), map[string]any{
		"data":       string(data),
		"status":     string(j.Status),
		"updated_at": j.UpdatedAt.Unix(),
	}).Err()
	if err != nil {
		return fmt.Errorf("pyrexis/redis: write job %q: %w", j.ID, err)
	}
	return nil
}

// syncPendingSet mirrors pending jobs into the priority sorted set and
// removes them once they leave the pending state.
func (s *Store) syncPendingSet(ctx context.Context, j *job.Job) error {
	if j.Status == job.StatePending {
		err := s.client.ZAdd(ctx, pendingKey, redis.Z{
			Score:  float64(j.Priority),
			Member: j.ID,
		}).Err()
		if err != nil {
			return fmt.Errorf("pyrexis/redis: add job %q to pending set: %w", j.ID, err)
		}
		return nil
	}
	if err := s.client.ZRem(ctx, pendingKey, j.ID).Err(); err != nil {
		return fmt.Errorf("pyrexis/redis: remove job %q from pending set: %w", j.ID, err)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Result store
// ──────────────────────────────────────────────────

// PutResult persists a result. SETNX makes the write-once contract
// atomic: a second put for the same job ID is rejected and the stored
// value is untouched.
func (s *Store) PutResult(ctx context.Context, r *result.Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("pyrexis/redis: encode result for job %q: %w", r.JobID, err)
	}

	set, err := s.client.SetNX(ctx, resultKey(r.JobID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("pyrexis/redis: put result for job %q: %w", r.JobID, err)
	}
	if !set {
		return pyrexis.ErrResultExists
	}
	return nil
}

// GetResult retrieves the result for a job.
func (s *Store) GetResult(ctx context.Context, jobID string) (*result.Result, error) {
	data, err := s.client.Get(ctx, resultKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, pyrexis.ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pyrexis/redis: get result for job %q: %w", jobID, err)
	}

	var r result.Result
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("pyrexis/redis: decode result for job %q: %w", jobID, err)
	}
	return &r, nil
}
