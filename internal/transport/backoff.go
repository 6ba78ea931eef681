package transport

import "time"

// Backoff computes reconnect delays as min(Max, Base*2^attempt).
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	attempt int
}

// NewBackoff returns a Backoff at attempt zero.
func NewBackoff(base, max time.Duration) Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return Backoff{Base: base, Max: max}
}

// Failure records one more consecutive failure.
func (b *Backoff) Failure() {
	b.attempt++
}

// Reset clears the failure count after a successful open.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns the number of consecutive failures.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Delay returns the wait before the next attempt.
func (b *Backoff) Delay() time.Duration {
	d := b.Base
	for i := 0; i < b.attempt; i++ {
		if d > b.Max/2 {
			return b.Max
		}
		d *= 2
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
