package metrics_test

import (
	"sync"
	"testing"
	"time"

	"github.com/suriyasureshok/Pyrexis/metrics"
)

func TestCounters(t *testing.T) {
	r := metrics.NewRegistry()

	r.Inc("job.success")
	r.Inc("job.success")
	r.Add("job.retries", 3)

	if got := r.Counter("job.success"); got != 2 {
		t.Errorf("job.success = %d, want 2", got)
	}
	if got := r.Counter("job.retries"); got != 3 {
		t.Errorf("job.retries = %d, want 3", got)
	}
	if got := r.Counter("job.failure"); got != 0 {
		t.Errorf("job.failure = %d, want 0", got)
	}

	snap := r.Counters()
	if len(snap) != 2 {
		t.Errorf("Counters() has %d entries, want 2", len(snap))
	}
	// The snapshot is a copy.
	snap["job.success"] = 99
	if got := r.Counter("job.success"); got != 2 {
		t.Errorf("snapshot mutation leaked: job.success = %d", got)
	}
}

func TestTimings(t *testing.T) {
	r := metrics.NewRegistry()

	r.Observe("pipeline.run", 10*time.Millisecond)
	r.Observe("pipeline.run", 30*time.Millisecond)

	snap := r.Timings()["pipeline.run"]
	if snap.Count != 2 {
		t.Errorf("Count = %d, want 2", snap.Count)
	}
	if snap.Max != 30*time.Millisecond {
		t.Errorf("Max = %v, want 30ms", snap.Max)
	}
	if snap.Avg != 20*time.Millisecond {
		t.Errorf("Avg = %v, want 20ms", snap.Avg)
	}
	if snap.Total != 40*time.Millisecond {
		t.Errorf("Total = %v, want 40ms", snap.Total)
	}
}

func TestTime_RecordsDuration(t *testing.T) {
	r := metrics.NewRegistry()

	r.Time("block", func() {
		time.Sleep(5 * time.Millisecond)
	})

	snap := r.Timings()["block"]
	if snap.Count != 1 {
		t.Fatalf("Count = %d, want 1", snap.Count)
	}
	if snap.Max < 5*time.Millisecond {
		t.Errorf("Max = %v, want >= 5ms", snap.Max)
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := metrics.NewRegistry()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				r.Inc("shared")
				r.Observe("shared.time", time.Millisecond)
				_ = r.Counters()
			}
		}()
	}
	wg.Wait()

	if got := r.Counter("shared"); got != 800 {
		t.Errorf("shared = %d, want 800", got)
	}
	if got := r.Timings()["shared.time"].Count; got != 800 {
		t.Errorf("shared.time count = %d, want 800", got)
	}
}
