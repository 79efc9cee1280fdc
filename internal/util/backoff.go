package util

import (
	"sync"
	"time"
)

// Backoff counts consecutive failures and turns the count into a retry delay
// that doubles from the initial delay up to the maximum.
// It is safe for concurrent use.
type Backoff struct {
	initial  time.Duration
	maxDelay time.Duration

	mu       sync.Mutex
	failures int
}

// NewBackoff returns a Backoff starting at initial and capped at maxDelay.
func NewBackoff(initial, maxDelay time.Duration) *Backoff {
	return &Backoff{initial: initial, maxDelay: max(initial, maxDelay)}
}

// Next records a failure and returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.delay(b.failures)
	b.failures++
	return d
}

// Failures returns the number of failures recorded since the last Reset.
func (b *Backoff) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset clears the failure streak.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

func (b *Backoff) delay(failures int) time.Duration {
	d := b.initial
	for range failures {
		if d >= b.maxDelay/2 {
			return b.maxDelay
		}
		d *= 2
	}
	return d
}
