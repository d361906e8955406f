package tggl

import (
	"context"
	"time"
)

const (
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 500 * time.Millisecond
)

// backoff handles capped exponential backoff with jitter between fetch
// retry attempts.
type backoff struct {
	current time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		current: initialBackoff,
	}
}

// next returns the next backoff duration and updates the current backoff
func (b *backoff) next() time.Duration {
	// Add jitter between 0-50ms
	backoff := b.current + time.Duration(time.Now().UnixNano()%int64(50*time.Millisecond))

	// Double the backoff time, but cap it
	if b.current < maxBackoff {
		b.current *= 2
		if b.current > maxBackoff {
			b.current = maxBackoff
		}
	}

	return backoff
}

// reset resets the backoff to initial value
func (b *backoff) reset() {
	b.current = initialBackoff
}

// wait waits for the next backoff period, or until ctx is done
func (b *backoff) wait(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(b.next()):
	}
}
