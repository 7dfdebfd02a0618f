package backend_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/suriyasureshok/Pyrexis"
	"github.com/suriyasureshok/Pyrexis/backend"
	"github.com/suriyasureshok/Pyrexis/job"
	"github.com/suriyasureshok/Pyrexis/pipeline"
)

// The process backend re-executes the test binary, so the pipelines its
// workers resolve must be registered at init time, before TestMain hands
// control to the worker entrypoint.
func init() {
	pipeline.Register("proc-upper", func() *pipeline.Pipeline {
		return pipeline.New("proc-upper", pipeline.Map(func(_ context.Context, v any) (any, error) {
			payload, _ := v.(map[string]any)
			word, _ := payload["word"].(string)
			if word == "" {
				return nil, errors.New("missing word")
			}
			return strings.ToUpper(word), nil
		}))
	})
}

func TestMain(m *testing.M) {
	if backend.InitProcessWorker() {
		return
	}
	os.Exit(m.Run())
}

func startProcessPool(t *testing.T) *backend.ProcessPool {
	t.Helper()
	p := backend.NewProcessPool(
		backend.WithProcessWorkers(1),
		backend.WithProcessDrainWindow(2*time.Second),
	)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background(), true) })
	return p
}

func TestProcessPool_RoundTrip(t *testing.T) {
	p := startProcessPool(t)

	j := job.New(map[string]any{"type": "proc-upper", "word": "isolated"},
		job.WithMode(job.ModeProcess))

	fut, err := p.SubmitJob(context.Background(), j)
	if err != nil {
		t.Fatalf("SubmitJob error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := fut.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait error: %v", err)
	}
	if out != "ISOLATED" {
		t.Errorf("out = %v, want ISOLATED", out)
	}
}

func TestProcessPool_WorkerReusedAcrossJobs(t *testing.T) {
	p := startProcessPool(t)

	for _, word := range []string{"one", "two", "three"} {
		j := job.New(map[string]any{"type": "proc-upper", "word": word},
			job.WithMode(job.ModeProcess))
		fut, err := p.SubmitJob(context.Background(), j)
		if err != nil {
			t.Fatalf("SubmitJob error: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		out, err := fut.Wait(ctx)
		cancel()
		if err != nil {
			t.Fatalf("Wait error: %v", err)
		}
		if out != strings.ToUpper(word) {
			t.Errorf("out = %v, want %s", out, strings.ToUpper(word))
		}
	}
}

func TestProcessPool_UnknownPipelineIsFatal(t *testing.T) {
	p := startProcessPool(t)

	j := job.New(map[string]any{"type": "never-registered"},
		job.WithMode(job.ModeProcess))
	fut, err := p.SubmitJob(context.Background(), j)
	if err != nil {
		t.Fatalf("SubmitJob error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = fut.Wait(ctx)
	if err == nil {
		t.Fatal("expected error for unknown pipeline")
	}
	if pyrexis.KindOf(err) != pyrexis.FaultFatal {
		t.Errorf("KindOf = %v, want fatal", pyrexis.KindOf(err))
	}
	if !strings.Contains(err.Error(), "unknown pipeline") {
		t.Errorf("error = %q, want mention of unknown pipeline", err)
	}
}

func TestProcessPool_NonSerializablePayload(t *testing.T) {
	p := startProcessPool(t)

	j := job.New(map[string]any{
		"type": "proc-upper",
		"fn":   func() {}, // functions cannot cross the process boundary
	}, job.WithMode(job.ModeProcess))

	_, err := p.SubmitJob(context.Background(), j)
	if !errors.Is(err, pyrexis.ErrSerialization) {
		t.Fatalf("SubmitJob error = %v, want ErrSerialization", err)
	}
	if pyrexis.KindOf(err) != pyrexis.FaultFatal {
		t.Errorf("KindOf = %v, want fatal", pyrexis.KindOf(err))
	}
}

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer

	payloads := [][]byte{
		[]byte("hello"),
		{},
		bytes.Repeat([]byte{0xAB}, 1<<16),
	}
	for _, body := range payloads {
		if err := backend.WriteFrameForTest(&buf, body); err != nil {
			t.Fatalf("writeFrame error: %v", err)
		}
	}
	for i, want := range payloads {
		got, err := backend.ReadFrameForTest(&buf)
		if err != nil {
			t.Fatalf("readFrame %d error: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame %d = %d bytes, want %d", i, len(got), len(want))
		}
	}
}
