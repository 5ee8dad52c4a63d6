// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff describes the delay schedule between attempts.
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	// Jitter is the fraction (0..1) by which a delay may vary in either direction.
	Jitter float64
	Max    time.Duration
}

// Delay returns the wait before retry number attempt (0 based). rng is a value in [0,1).
func (b Backoff) Delay(attempt int, rng float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(b.Initial)
	if base <= 0 {
		base = float64(100 * time.Millisecond)
	}
	multiplier := b.Multiplier
	if multiplier <= 1 {
		multiplier = 2
	}
	delay := base * math.Pow(multiplier, float64(attempt))
	if b.Jitter > 0 {
		j := min(b.Jitter, 1)
		delay = delay * (1 + (rng*2-1)*j)
	}
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	return time.Duration(delay)
}

// Do calls fn until it succeeds, maxAttempts is reached or ctx is done.
// onRetry, when non-nil, is called after each failed attempt that will be retried.
// The last error from fn is returned.
func Do(ctx context.Context, maxAttempts int, b Backoff, fn func(ctx context.Context) error, onRetry func(attempt int, err error, wait time.Duration)) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == maxAttempts-1 {
			break
		}

		wait := b.Delay(attempt, rand.Float64())
		if onRetry != nil {
			onRetry(attempt+1, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
