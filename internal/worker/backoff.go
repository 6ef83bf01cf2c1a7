package worker

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig is the retry delay policy: exponential growth from Base by
// Factor per attempt, never exceeding Cap.
type BackoffConfig struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
}

// Delay returns the deterministic delay before the given attempt is
// republished. Attempts are 1-based; the delay never decreases as the
// attempt number grows.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	scaled := float64(c.Base) * math.Pow(c.Factor, float64(attempt-1))
	if scaled >= float64(c.Cap) || math.IsInf(scaled, 1) {
		return c.Cap
	}
	return time.Duration(scaled)
}

// DelayWithJitter adds up to 20% of random spread on top of the base delay so
// a burst of failures does not resynchronize into a retry stampede.
func (c BackoffConfig) DelayWithJitter(attempt int) time.Duration {
	delay := c.Delay(attempt)
	jitter := time.Duration(rand.Int63n(int64(delay)/5 + 1))
	return delay + jitter
}
