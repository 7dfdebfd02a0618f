package backend

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/suriyasureshok/Pyrexis/job"
)

// LimiterConfig defines per-mode dispatch limits.
type LimiterConfig struct {
	// Mode is the execution mode the limits apply to.
	Mode job.Mode

	// MaxConcurrency limits how many jobs of this mode may run
	// simultaneously. Zero means no mode-specific limit.
	MaxConcurrency int

	// RateLimit is the maximum sustained jobs per second dispatched to
	// this mode. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// modeState tracks runtime state for a single mode.
type modeState struct {
	config  LimiterConfig
	limiter *rate.Limiter
	active  int
}

// Limiter controls per-mode rate limiting and concurrency ahead of the
// backends' bounded queues. It is safe for concurrent use. The engine
// calls Acquire before transitioning a job to running and Release after
// execution completes; a rejected job stays queued and keeps aging.
type Limiter struct {
	mu    sync.Mutex
	modes map[job.Mode]*modeState
}

// NewLimiter creates a Limiter with the given mode configurations.
// Modes not listed have no limits.
func NewLimiter(configs ...LimiterConfig) *Limiter {
	l := &Limiter{modes: make(map[job.Mode]*modeState, len(configs))}
	for _, cfg := range configs {
		l.modes[cfg.Mode] = newModeState(cfg)
	}
	return l
}

func newModeState(cfg LimiterConfig) *modeState {
	ms := &modeState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ms.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return ms
}

// Acquire checks rate and concurrency limits for the given mode. If the
// job is allowed to proceed it increments the active counter and returns
// true. The caller MUST call Release when the job completes.
func (l *Limiter) Acquire(mode job.Mode) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	ms := l.modes[mode]
	if ms == nil {
		return true
	}
	if ms.limiter != nil && !ms.limiter.Allow() {
		return false
	}
	if ms.config.MaxConcurrency > 0 && ms.active >= ms.config.MaxConcurrency {
		return false
	}
	ms.active++
	return true
}

// Release decrements the active count for the given mode.
func (l *Limiter) Release(mode job.Mode) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ms := l.modes[mode]
	if ms == nil {
		return
	}
	if ms.active > 0 {
		ms.active--
	}
}

// Active returns the number of in-flight jobs for the given mode.
func (l *Limiter) Active(mode job.Mode) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	ms := l.modes[mode]
	if ms == nil {
		return 0
	}
	return ms.active
}
