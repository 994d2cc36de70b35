package worker

import (
	"math/rand"
	"sync"
	"time"
)

// RetryPolicy computes the delay before the next send attempt: exponential
// in the retry count with a random jitter so a burst of failures does not
// come back as a synchronized burst of retries.
type RetryPolicy struct {
	base     time.Duration
	maxDelay time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRetryPolicy creates a retry policy. base is the delay before the first
// retry; each further retry doubles it, capped at maxDelay.
func NewRetryPolicy(base, maxDelay time.Duration, seed int64) *RetryPolicy {
	return &RetryPolicy{
		base:     base,
		maxDelay: maxDelay,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Delay returns the backoff for a message that has already failed
// retryCount times.
func (p *RetryPolicy) Delay(retryCount int) time.Duration {
	delay := p.base << uint(retryCount)
	if delay > p.maxDelay || delay <= 0 {
		delay = p.maxDelay
	}

	// Up to 10% jitter on top.
	p.mu.Lock()
	jitter := time.Duration(p.rng.Int63n(int64(delay)/10 + 1))
	p.mu.Unlock()
	return delay + jitter
}
