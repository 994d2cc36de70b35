package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type window struct {
	count   int64
	resetAt time.Time
}

// MemoryLimiter is a fixed-window limiter held in process memory, with the
// same window semantics as RedisLimiter. Suitable for tests and single-node
// deployments; it cannot coordinate workers across processes.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]window
	max     int64
	window  time.Duration
	clock   clockwork.Clock
}

// NewMemoryLimiter creates an in-process limiter. Pass
// clockwork.NewRealClock() in production and a FakeClock in tests.
func NewMemoryLimiter(max int64, windowLen time.Duration, clock clockwork.Clock) *MemoryLimiter {
	return &MemoryLimiter{
		windows: make(map[string]window),
		max:     max,
		window:  windowLen,
		clock:   clock,
	}
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(_ context.Context, scope string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	w, ok := l.windows[scope]
	if !ok || !now.Before(w.resetAt) {
		w = window{count: 0, resetAt: now.Add(l.window)}
	}
	if w.count >= l.max {
		l.windows[scope] = w
		return false, nil
	}
	w.count++
	l.windows[scope] = w
	return true, nil
}

// RetryAfter implements Limiter.
func (l *MemoryLimiter) RetryAfter(_ context.Context, scope string) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[scope]
	if !ok {
		return 0, nil
	}
	remaining := w.resetAt.Sub(l.clock.Now())
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}
