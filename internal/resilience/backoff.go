package resilience

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes the delay before retry number attempt (0-based):
// base * 2^attempt, capped at max, with ±jitterFrac random jitter. The same
// curve schedules queue retries and client-level retry sleeps.
func Backoff(attempt int, base, max time.Duration, jitterFrac float64) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	delay := float64(base) * math.Pow(2, float64(attempt))
	if delay > float64(max) {
		delay = float64(max)
	}

	if jitterFrac > 0 {
		jitterRange := delay * jitterFrac
		jitter := (rand.Float64()*2 - 1) * jitterRange // [-jitterRange, +jitterRange]
		delay += jitter
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
