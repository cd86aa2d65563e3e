package util

import (
	"sync"
	"time"
)

// Backoff computes exponentially growing retry delays with an attempt budget.
// It is safe for concurrent use.
type Backoff struct {
	mu          sync.Mutex
	initial     time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempts    int
	current     time.Duration
}

// NewBackoff returns a Backoff that doubles from initial up to maxDelay.
// A maxAttempts of zero means unlimited attempts.
func NewBackoff(initial, maxDelay time.Duration, maxAttempts int) *Backoff {
	return &Backoff{
		initial:     initial,
		maxDelay:    maxDelay,
		maxAttempts: maxAttempts,
		current:     initial,
	}
}

// Next returns the delay before the next attempt and false once the budget is spent.
func (b *Backoff) Next() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.maxAttempts > 0 && b.attempts >= b.maxAttempts {
		return 0, false
	}
	b.attempts++
	d := b.current
	b.current = min(b.current*2, b.maxDelay)
	return d, true
}

// Attempts returns how many delays have been handed out since the last reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Reset restores the initial delay and attempt budget.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.initial
	b.attempts = 0
}
