package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/suriyasureshok/Pyrexis"
	"github.com/suriyasureshok/Pyrexis/backend"
	"github.com/suriyasureshok/Pyrexis/backoff"
	"github.com/suriyasureshok/Pyrexis/engine"
	"github.com/suriyasureshok/Pyrexis/job"
	"github.com/suriyasureshok/Pyrexis/pipeline"
	"github.com/suriyasureshok/Pyrexis/result"
	"github.com/suriyasureshok/Pyrexis/store/memory"
)

// recorder collects execution order across jobs.
type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recorder) add(id string) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

// testRegistry registers pipelines used across the engine tests:
//   - "echo": records the job id and returns the payload's word
//   - "boom": always fails with "boom"
//   - "slow": sleeps 50ms, observing cancellation
func testRegistry(rec *recorder) *pipeline.Registry {
	reg := pipeline.NewRegistry()
	reg.Register("echo", func() *pipeline.Pipeline {
		return pipeline.New("echo", pipeline.Map(func(_ context.Context, v any) (any, error) {
			payload := v.(map[string]any)
			if rec != nil {
				id, _ := payload["id"].(string)
				rec.add(id)
			}
			word, _ := payload["word"].(string)
			if word == "" {
				word = "done"
			}
			return word, nil
		}))
	})
	reg.Register("boom", func() *pipeline.Pipeline {
		return pipeline.New("boom", pipeline.Map(func(_ context.Context, _ any) (any, error) {
			return nil, errors.New("boom")
		}))
	})
	reg.Register("slow", func() *pipeline.Pipeline {
		return pipeline.New("slow", pipeline.Map(func(ctx context.Context, v any) (any, error) {
			select {
			case <-time.After(50 * time.Millisecond):
				return "slept", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}))
	})
	return reg
}

func newEngine(t *testing.T, reg *pipeline.Registry, opts ...engine.Option) (*engine.Engine, *memory.Store) {
	t.Helper()

	st := memory.New()
	cfg := engine.DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.ShutdownTimeout = 5 * time.Second
	cfg.ThreadWorkers = 2
	cfg.ProcessWorkers = 1

	base := []engine.Option{
		engine.WithStore(st),
		engine.WithRegistry(reg),
		engine.WithConfig(cfg),
		engine.WithBackoff(backoff.NewConstant(time.Millisecond)),
	}
	e, err := engine.New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("engine.New error: %v", err)
	}
	return e, st
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func echoJob(id string, opts ...job.Option) *job.Job {
	opts = append([]job.Option{job.WithID(id)}, opts...)
	return job.New(map[string]any{"type": "echo", "id": id, "word": "ok"}, opts...)
}

// S1 — priority ordering: B(5), C(3), A(1) submitted together execute
// highest-priority first.
func TestEngine_PriorityOrdering(t *testing.T) {
	rec := &recorder{}
	e, _ := newEngine(t, testRegistry(rec),
		engine.WithLimits(backend.LimiterConfig{Mode: job.ModeThread, MaxConcurrency: 1}),
	)

	ctx := context.Background()
	for _, tt := range []struct {
		id       string
		priority int
	}{
		{"A", 1}, {"B", 5}, {"C", 3},
	} {
		if err := e.Submit(ctx, echoJob(tt.id, job.WithPriority(tt.priority))); err != nil {
			t.Fatalf("Submit(%s) error: %v", tt.id, err)
		}
	}

	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer e.Stop(ctx)

	waitFor(t, 5*time.Second, func() bool { return rec.len() == 3 }, "3 executions")

	got := rec.snapshot()
	want := []string{"B", "C", "A"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", got, want)
		}
	}
}

// Completed jobs leave exactly one completed result with output and no
// error.
func TestEngine_CompletedJobHasResult(t *testing.T) {
	e, st := newEngine(t, testRegistry(nil))
	ctx := context.Background()

	if err := e.Submit(ctx, echoJob("done-1")); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer e.Stop(ctx)

	waitFor(t, 5*time.Second, func() bool {
		j, err := st.GetJob(ctx, "done-1")
		return err == nil && j.Status == job.StateCompleted
	}, "job completion")

	res, err := st.GetResult(ctx, "done-1")
	if err != nil {
		t.Fatalf("GetResult error: %v", err)
	}
	if res.Status != result.StatusCompleted {
		t.Errorf("result status = %q, want completed", res.Status)
	}
	if res.Output != "ok" {
		t.Errorf("result output = %v, want ok", res.Output)
	}
	if res.Error != "" {
		t.Errorf("result error = %q, want empty", res.Error)
	}
	if res.EndedAt.Before(res.StartedAt) {
		t.Errorf("ended %v before started %v", res.EndedAt, res.StartedAt)
	}

	j, err := st.GetJob(ctx, "done-1")
	if err != nil {
		t.Fatalf("GetJob error: %v", err)
	}
	if j.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 (failures only)", j.Attempts)
	}
}

// S2 — retry exhaustion: a pipeline that always raises "boom" with
// max_retries=3 fails after exactly 3 attempts and 2 retries.
func TestEngine_RetryExhaustion(t *testing.T) {
	e, st := newEngine(t, testRegistry(nil))
	ctx := context.Background()

	j := job.New(map[string]any{"type": "boom"},
		job.WithID("J"),
		job.WithMaxRetries(3),
	)
	if err := e.Submit(ctx, j); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer e.Stop(ctx)

	waitFor(t, 10*time.Second, func() bool {
		got, err := st.GetJob(ctx, "J")
		return err == nil && got.Status == job.StateFailed
	}, "terminal failure")

	got, err := st.GetJob(ctx, "J")
	if err != nil {
		t.Fatalf("GetJob error: %v", err)
	}
	if got.Attempts != 3 {
		t.Errorf("attempts = %d, want exactly max_retries (3)", got.Attempts)
	}
	if got.LastError != "boom" {
		t.Errorf("last_error = %q, want boom", got.LastError)
	}

	res, err := st.GetResult(ctx, "J")
	if err != nil {
		t.Fatalf("GetResult error: %v", err)
	}
	if res.Status != result.StatusFailed || res.Error != "boom" {
		t.Errorf("result = %+v, want failed/boom", res)
	}
	if res.Output != nil {
		t.Errorf("result output = %v, want nil", res.Output)
	}

	if got := e.Metrics().Counter("job.retries"); got != 2 {
		t.Errorf("job.retries = %d, want 2", got)
	}
	if got := e.Metrics().Counter("job.failure"); got != 1 {
		t.Errorf("job.failure = %d, want 1", got)
	}
}

// S6 — unknown pipeline type: single attempt, terminal failure, no retry.
func TestEngine_UnknownPipelineType(t *testing.T) {
	e, st := newEngine(t, testRegistry(nil))
	ctx := context.Background()

	j := job.New(map[string]any{"type": "nonexistent"}, job.WithID("U"), job.WithMaxRetries(5))
	if err := e.Submit(ctx, j); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer e.Stop(ctx)

	waitFor(t, 5*time.Second, func() bool {
		got, err := st.GetJob(ctx, "U")
		return err == nil && got.Status == job.StateFailed
	}, "terminal failure")

	got, _ := st.GetJob(ctx, "U")
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (fatal skips retry)", got.Attempts)
	}

	res, err := st.GetResult(ctx, "U")
	if err != nil {
		t.Fatalf("GetResult error: %v", err)
	}
	if res.Status != result.StatusFailed {
		t.Errorf("result status = %q, want failed", res.Status)
	}
	if want := "unknown pipeline"; !strings.Contains(res.Error, want) {
		t.Errorf("result error = %q, want mention of %q", res.Error, want)
	}
	if got := e.Metrics().Counter("job.retries"); got != 0 {
		t.Errorf("job.retries = %d, want 0", got)
	}
}

// Duplicate submission fails before any side effect.
func TestEngine_DuplicateSubmit(t *testing.T) {
	e, _ := newEngine(t, testRegistry(nil))
	ctx := context.Background()

	if err := e.Submit(ctx, echoJob("dup")); err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	second := echoJob("dup")
	err := e.Submit(ctx, second)
	if !errors.Is(err, pyrexis.ErrJobAlreadyExists) {
		t.Fatalf("duplicate Submit = %v, want ErrJobAlreadyExists", err)
	}
	if second.Status != job.StateCreated {
		t.Errorf("rejected job status = %q, want created (no side effect)", second.Status)
	}
	if e.Queued() != 1 {
		t.Errorf("Queued() = %d, want 1", e.Queued())
	}
}

// Invalid jobs are rejected synchronously and never persisted.
func TestEngine_InvalidSubmit(t *testing.T) {
	e, st := newEngine(t, testRegistry(nil))
	ctx := context.Background()

	j := job.New(map[string]any{}, job.WithID("bad")) // no pipeline type
	if err := e.Submit(ctx, j); !errors.Is(err, pyrexis.ErrInvalidJob) {
		t.Fatalf("Submit = %v, want ErrInvalidJob", err)
	}
	if _, err := st.GetJob(ctx, "bad"); !errors.Is(err, pyrexis.ErrJobNotFound) {
		t.Errorf("invalid job was persisted")
	}
}

// Async-mode jobs run through the cooperative backend.
func TestEngine_AsyncMode(t *testing.T) {
	e, st := newEngine(t, testRegistry(nil))
	ctx := context.Background()

	j := job.New(map[string]any{"type": "echo", "word": "coop"},
		job.WithID("async-1"),
		job.WithMode(job.ModeAsync),
	)
	if err := e.Submit(ctx, j); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer e.Stop(ctx)

	waitFor(t, 5*time.Second, func() bool {
		got, err := st.GetJob(ctx, "async-1")
		return err == nil && got.Status == job.StateCompleted
	}, "async completion")

	res, err := st.GetResult(ctx, "async-1")
	if err != nil {
		t.Fatalf("GetResult error: %v", err)
	}
	if res.Output != "coop" {
		t.Errorf("output = %v, want coop", res.Output)
	}
}

// Cancelling a pending job removes it from the queue; it never executes
// and no result is recorded.
func TestEngine_CancelPending(t *testing.T) {
	rec := &recorder{}
	e, st := newEngine(t, testRegistry(rec))
	ctx := context.Background()

	if err := e.Submit(ctx, echoJob("victim")); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if err := e.Cancel(ctx, "victim"); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}

	got, err := st.GetJob(ctx, "victim")
	if err != nil {
		t.Fatalf("GetJob error: %v", err)
	}
	if got.Status != job.StateCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}
	if e.Queued() != 0 {
		t.Errorf("Queued() = %d, want 0", e.Queued())
	}

	// Run the engine briefly; the cancelled job must never execute.
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("Stop error: %v", err)
	}

	if rec.len() != 0 {
		t.Errorf("cancelled job executed: %v", rec.snapshot())
	}
	if _, err := st.GetResult(ctx, "victim"); !errors.Is(err, pyrexis.ErrResultNotFound) {
		t.Errorf("cancelled job has a result")
	}
}

func TestEngine_CancelUnknownJob(t *testing.T) {
	e, _ := newEngine(t, testRegistry(nil))
	if err := e.Cancel(context.Background(), "ghost"); !errors.Is(err, pyrexis.ErrJobNotFound) {
		t.Fatalf("Cancel(ghost) = %v, want ErrJobNotFound", err)
	}
}

// S5 (scaled down) — graceful shutdown with in-flight work: dispatched
// jobs reach terminal states with results; undispatched jobs stay
// pending with persisted records; nothing is left running.
func TestEngine_GracefulShutdown(t *testing.T) {
	e, st := newEngine(t, testRegistry(nil),
		engine.WithLimits(backend.LimiterConfig{Mode: job.ModeThread, MaxConcurrency: 2}),
	)
	ctx := context.Background()

	const total = 12
	ids := make([]string, 0, total)
	for i := range total {
		id := "s5-" + string(rune('a'+i))
		ids = append(ids, id)
		j := job.New(map[string]any{"type": "slow"}, job.WithID(id))
		if err := e.Submit(ctx, j); err != nil {
			t.Fatalf("Submit(%s) error: %v", id, err)
		}
	}

	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	// Let a couple of jobs start, then shut down.
	waitFor(t, 5*time.Second, func() bool {
		n, _ := st.CountJobs(ctx, job.CountOpts{State: job.StateCompleted})
		return n >= 1
	}, "first completion")
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("Stop error: %v", err)
	}

	var completed, pending int
	for _, id := range ids {
		j, err := st.GetJob(ctx, id)
		if err != nil {
			t.Fatalf("GetJob(%s) error: %v", id, err)
		}
		switch j.Status {
		case job.StateCompleted:
			completed++
			if _, err := st.GetResult(ctx, id); err != nil {
				t.Errorf("completed job %s has no result: %v", id, err)
			}
		case job.StatePending:
			pending++
			if _, err := st.GetResult(ctx, id); !errors.Is(err, pyrexis.ErrResultNotFound) {
				t.Errorf("pending job %s has a result", id)
			}
		default:
			t.Errorf("job %s left in state %q after shutdown", id, j.Status)
		}
	}
	if completed == 0 {
		t.Error("no job completed before shutdown")
	}
	if completed+pending != total {
		t.Errorf("completed %d + pending %d != %d", completed, pending, total)
	}

	// Submission is refused once the loop has observed shutdown.
	if err := e.Submit(ctx, echoJob("late")); !errors.Is(err, pyrexis.ErrShuttingDown) {
		t.Errorf("Submit after Stop = %v, want ErrShuttingDown", err)
	}
}

// Per-job timeouts surface as transient "timeout" failures and consume
// retry budget.
func TestEngine_JobTimeout(t *testing.T) {
	e, st := newEngine(t, testRegistry(nil))
	ctx := context.Background()

	j := job.New(map[string]any{"type": "slow"},
		job.WithID("deadline"),
		job.WithMaxRetries(1),
		job.WithTimeout(10*time.Millisecond),
	)
	if err := e.Submit(ctx, j); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer e.Stop(ctx)

	waitFor(t, 5*time.Second, func() bool {
		got, err := st.GetJob(ctx, "deadline")
		return err == nil && got.Status == job.StateFailed
	}, "timeout failure")

	got, _ := st.GetJob(ctx, "deadline")
	if got.LastError != "timeout" {
		t.Errorf("last_error = %q, want timeout", got.LastError)
	}
}
