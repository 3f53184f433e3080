package credential

import (
	"math/rand/v2"
	"time"
)

// Backoff computes the cooldown duration for the given consecutive-failure
// count: exponential in attempt, ±20% jitter, capped at max. Shared in shape
// between the breaker's cooldown and the forwarder's retry delay, per
// spec §4.2/§4.4.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base << uint(min(attempt-1, 20))
	if d <= 0 || d > max {
		d = max
	}
	jitter := 0.8 + rand.Float64()*0.4 // [0.8, 1.2)
	out := time.Duration(float64(d) * jitter)
	if out > max {
		out = max
	}
	return out
}
