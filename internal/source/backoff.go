package source

import (
	"context"
	"time"
)

const (
	DefaultBackoffInitial = 100 * time.Millisecond
	DefaultBackoffMax     = 5 * time.Second
)

// Backoff doubles the wait between reconnect attempts up to Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	attempt int
}

// Next returns the delay before the next attempt and advances the sequence.
func (b *Backoff) Next() time.Duration {
	initial, maxDelay := b.Initial, b.Max
	if initial <= 0 {
		initial = DefaultBackoffInitial
	}
	if maxDelay < initial {
		maxDelay = max(initial, DefaultBackoffMax)
	}
	delay := initial
	for i := 0; i < b.attempt && delay < maxDelay; i++ {
		delay *= 2
	}
	b.attempt++
	return min(delay, maxDelay)
}

// Attempts reports how many delays were handed out since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}

// Reset restarts the sequence after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Wait sleeps for the next delay or until ctx ends.
func (b *Backoff) Wait(ctx context.Context) error {
	timer := time.NewTimer(b.Next())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
