package util

import (
	"context"
	"math/rand"
	"time"
)

/*
Backoff implements capped exponential backoff with jitter. It is used at the
object-store I/O boundary for transient failures. CAS contention is handled
separately with a fixed retry budget - a lost race is a successful I/O, not a
fault, and does not warrant growing delays.
*/

////////////////////////////////////////////////////////////////////////////////

// Default backoff bounds.
const (
	DefaultBackoffInitial = 100 * time.Millisecond
	DefaultBackoffMax     = 5 * time.Second
)

// Backoff tracks an exponentially increasing delay.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

// NewBackoff returns a backoff with the given initial and max delays.
func NewBackoff(initial, max time.Duration) *Backoff {
	return &Backoff{initial: initial, max: max, current: initial}
}

// Wait sleeps for the current delay (with ±20% jitter) and doubles it, up to
// the max. It returns early with the context's error on cancellation.
func (b *Backoff) Wait(ctx context.Context) error {
	jitter := float64(b.current) * 0.2 * (rand.Float64()*2 - 1)
	delay := time.Duration(float64(b.current) + jitter)
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset restores the initial delay.
func (b *Backoff) Reset() {
	b.current = b.initial
}

// Current returns the next delay Wait will apply, before jitter.
func (b *Backoff) Current() time.Duration {
	return b.current
}
