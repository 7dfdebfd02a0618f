// Package scheduler orders queued jobs by a priority-respecting,
// starvation-free policy. The effective score of a queued job is
//
//	score = priority + floor(age / aging_interval) * aging_boost
//
// so any job that waits long enough eventually outranks newer work of
// fixed priority. Ties break by insertion sequence (FIFO).
package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/suriyasureshok/Pyrexis/job"
)

// entry wraps a queued job. Entries reference the live job; the
// scheduler owns them between submit and pop.
type entry struct {
	job          *job.Job
	basePriority int
	enqueuedAt   time.Time
	notBefore    time.Time
	seq          uint64
	score        int
	cancelled    bool
	index        int
}

// pq implements heap.Interface. Higher score wins; equal scores pop in
// insertion order.
type pq []*entry

func (q pq) Len() int { return len(q) }

func (q pq) Less(i, j int) bool {
	if q[i].score != q[j].score {
		return q[i].score > q[j].score
	}
	return q[i].seq < q[j].seq
}

func (q pq) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *pq) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *pq) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// Scheduler is a thread-safe priority queue with aging. A single mutex
// guards all state; Submit and NextJob are atomic with respect to each
// other.
type Scheduler struct {
	mu            sync.Mutex
	agingInterval time.Duration
	agingBoost    int
	queue         pq
	entries       map[string]*entry
	seq           uint64
	now           func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithAging sets the aging interval and boost. Every full interval a job
// has waited adds boost to its effective score.
func WithAging(interval time.Duration, boost int) Option {
	return func(s *Scheduler) {
		s.agingInterval = interval
		s.agingBoost = boost
	}
}

// WithClock overrides the scheduler's time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler with default aging (1s interval, boost 1).
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		agingInterval: time.Second,
		agingBoost:    1,
		entries:       make(map[string]*entry),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit queues a job. The enqueue timestamp is recorded now; the
// insertion sequence provides the FIFO tiebreak for equal scores.
func (s *Scheduler) Submit(j *job.Job) {
	s.submit(j, time.Time{})
}

// SubmitAfter queues a job that must not run before the given delay has
// elapsed. Aging accrues from submission, so a long backoff does not
// reset the job's place in line once it becomes eligible.
func (s *Scheduler) SubmitAfter(j *job.Job, delay time.Duration) {
	s.submit(j, s.now().Add(delay))
}

func (s *Scheduler) submit(j *job.Job, notBefore time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	e := &entry{
		job:          j,
		basePriority: j.Priority,
		enqueuedAt:   s.now(),
		notBefore:    notBefore,
		seq:          s.seq,
		score:        j.Priority,
	}
	s.entries[j.ID] = e
	heap.Push(&s.queue, e)
}

// NextJob removes and returns the highest-ranked eligible job, or nil if
// none is queued. It never blocks.
func (s *Scheduler) NextJob() *job.Job {
	return s.NextJobMatching(nil)
}

// NextJobMatching removes and returns the highest-ranked eligible job
// accepted by pred, or nil. Entries rejected by pred stay queued and keep
// aging. Scores are recomputed for all resident entries under the lock on
// every call; the O(n log n) cost is deliberate at this scale.
func (s *Scheduler) NextJobMatching(pred func(*job.Job) bool) *job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return nil
	}

	now := s.now()
	s.rescore(now)

	var skipped []*entry
	var picked *entry
	for len(s.queue) > 0 {
		e := heap.Pop(&s.queue).(*entry)
		if e.cancelled {
			delete(s.entries, e.job.ID)
			continue
		}
		if e.notBefore.After(now) || (pred != nil && !pred(e.job)) {
			skipped = append(skipped, e)
			continue
		}
		picked = e
		break
	}
	for _, e := range skipped {
		heap.Push(&s.queue, e)
	}
	if picked == nil {
		return nil
	}
	delete(s.entries, picked.job.ID)
	return picked.job
}

// Peek returns the job NextJob would return, without removing it.
func (s *Scheduler) Peek() *job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.rescore(now)

	var best *entry
	for _, e := range s.queue {
		if e.cancelled || e.notBefore.After(now) {
			continue
		}
		if best == nil || e.score > best.score || (e.score == best.score && e.seq < best.seq) {
			best = e
		}
	}
	if best == nil {
		return nil
	}
	return best.job
}

// Size returns the number of queued jobs, excluding cancelled tombstones.
func (s *Scheduler) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.queue {
		if !e.cancelled {
			n++
		}
	}
	return n
}

// Cancel tombstones a queued job so it is never returned by NextJob.
// It reports whether the job was queued.
func (s *Scheduler) Cancel(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[jobID]
	if !ok || e.cancelled {
		return false
	}
	e.cancelled = true
	delete(s.entries, jobID)
	return true
}

// rescore recomputes effective scores for all resident entries and
// restores the heap invariant. Caller holds the lock.
func (s *Scheduler) rescore(now time.Time) {
	for _, e := range s.queue {
		age := now.Sub(e.enqueuedAt)
		e.score = e.basePriority + int(age/s.agingInterval)*s.agingBoost
	}
	heap.Init(&s.queue)
}
