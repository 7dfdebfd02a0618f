package memory_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/suriyasureshok/Pyrexis"
	"github.com/suriyasureshok/Pyrexis/job"
	"github.com/suriyasureshok/Pyrexis/result"
	"github.com/suriyasureshok/Pyrexis/store/memory"
)

func newJob(id string) *job.Job {
	return job.New(map[string]any{"type": "noop"}, job.WithID(id))
}

func TestEnqueueAndGet(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	j := newJob("job-1")
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("EnqueueJob error: %v", err)
	}

	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob error: %v", err)
	}
	if !reflect.DeepEqual(got, j) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, j)
	}
}

func TestEnqueue_Duplicate(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, newJob("job-1")); err != nil {
		t.Fatalf("EnqueueJob error: %v", err)
	}
	err := s.EnqueueJob(ctx, newJob("job-1"))
	if !errors.Is(err, pyrexis.ErrJobAlreadyExists) {
		t.Fatalf("duplicate enqueue error = %v, want ErrJobAlreadyExists", err)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	s := memory.New()
	_, err := s.GetJob(context.Background(), "missing")
	if !errors.Is(err, pyrexis.ErrJobNotFound) {
		t.Fatalf("error = %v, want ErrJobNotFound", err)
	}
}

func TestUpdateJob(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	j := newJob("job-1")
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("EnqueueJob error: %v", err)
	}

	if err := j.Transition(job.StatePending); err != nil {
		t.Fatalf("Transition error: %v", err)
	}
	if err := s.UpdateJob(ctx, j); err != nil {
		t.Fatalf("UpdateJob error: %v", err)
	}

	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob error: %v", err)
	}
	if got.Status != job.StatePending {
		t.Errorf("Status = %q, want pending", got.Status)
	}

	if err := s.UpdateJob(ctx, newJob("missing")); !errors.Is(err, pyrexis.ErrJobNotFound) {
		t.Errorf("UpdateJob(missing) = %v, want ErrJobNotFound", err)
	}
}

func TestStoredCopyIsolated(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	j := newJob("job-1")
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("EnqueueJob error: %v", err)
	}

	// Mutating the caller's job after the write must not change the
	// stored record.
	j.Payload["extra"] = true
	j.Status = job.StateFailed

	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob error: %v", err)
	}
	if got.Status != job.StateCreated {
		t.Errorf("stored Status = %q, want created", got.Status)
	}
	if _, leaked := got.Payload["extra"]; leaked {
		t.Error("caller payload mutation leaked into store")
	}
}

func TestListAndCount(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		j := newJob(id)
		if err := s.EnqueueJob(ctx, j); err != nil {
			t.Fatalf("EnqueueJob error: %v", err)
		}
	}
	j, _ := s.GetJob(ctx, "b")
	if err := j.Transition(job.StatePending); err != nil {
		t.Fatalf("Transition error: %v", err)
	}
	if err := s.UpdateJob(ctx, j); err != nil {
		t.Fatalf("UpdateJob error: %v", err)
	}

	created, err := s.ListJobsByState(ctx, job.StateCreated, job.ListOpts{})
	if err != nil {
		t.Fatalf("ListJobsByState error: %v", err)
	}
	if len(created) != 2 {
		t.Errorf("created count = %d, want 2", len(created))
	}

	n, err := s.CountJobs(ctx, job.CountOpts{State: job.StatePending})
	if err != nil {
		t.Fatalf("CountJobs error: %v", err)
	}
	if n != 1 {
		t.Errorf("pending count = %d, want 1", n)
	}

	total, err := s.CountJobs(ctx, job.CountOpts{})
	if err != nil {
		t.Fatalf("CountJobs error: %v", err)
	}
	if total != 3 {
		t.Errorf("total count = %d, want 3", total)
	}
}

func TestPutResult_WriteOnce(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	now := time.Now().UTC()

	first, err := result.NewCompleted("job-1", "out-1", now, now.Add(time.Second))
	if err != nil {
		t.Fatalf("NewCompleted error: %v", err)
	}
	if err := s.PutResult(ctx, first); err != nil {
		t.Fatalf("PutResult error: %v", err)
	}

	second, err := result.NewFailed("job-1", "late failure", now, now.Add(time.Second))
	if err != nil {
		t.Fatalf("NewFailed error: %v", err)
	}
	if err := s.PutResult(ctx, second); !errors.Is(err, pyrexis.ErrResultExists) {
		t.Fatalf("second PutResult = %v, want ErrResultExists", err)
	}

	got, err := s.GetResult(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetResult error: %v", err)
	}
	if got.Status != result.StatusCompleted || got.Output != "out-1" {
		t.Errorf("stored result altered by rejected write: %+v", got)
	}
}

func TestGetResult_NotFound(t *testing.T) {
	s := memory.New()
	_, err := s.GetResult(context.Background(), "missing")
	if !errors.Is(err, pyrexis.ErrResultNotFound) {
		t.Fatalf("error = %v, want ErrResultNotFound", err)
	}
}

func TestClose_RejectsWrites(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	if err := s.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := s.Ping(ctx); !errors.Is(err, pyrexis.ErrStoreClosed) {
		t.Errorf("Ping after Close = %v, want ErrStoreClosed", err)
	}
	if err := s.EnqueueJob(ctx, newJob("late")); !errors.Is(err, pyrexis.ErrStoreClosed) {
		t.Errorf("EnqueueJob after Close = %v, want ErrStoreClosed", err)
	}
}
