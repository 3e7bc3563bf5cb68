package netx

import (
	"context"
	"math/rand"
	"time"
)

// Backoff is exponential backoff with full jitter: each delay is drawn
// uniformly from [0, base*factor^attempt] capped at Max.
type Backoff struct {
	Base     time.Duration
	Factor   float64
	Max      time.Duration
	Attempts int
}

// DefaultBackoff matches the adapter reconnect policy: base 1s, factor 2,
// up to 10 attempts.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:     time.Second,
		Factor:   2.0,
		Max:      2 * time.Minute,
		Attempts: 10,
	}
}

// Delay returns the jittered delay for the given zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Base)
	for i := 0; i < attempt; i++ {
		d *= b.Factor
		if time.Duration(d) >= b.Max {
			d = float64(b.Max)
			break
		}
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// Sleep waits out the delay for an attempt, honoring cancellation.
func (b Backoff) Sleep(ctx context.Context, attempt int) error {
	select {
	case <-time.After(b.Delay(attempt)):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
