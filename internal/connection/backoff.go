package connection

import (
	"math"
	"time"
)

// Backoff controls the delay between reconnect attempts.
type Backoff struct {
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
	Jitter      float64
	MaxAttempts int
}

// DefaultBackoff returns the reconnect policy with sensible defaults:
// 500ms base delay, 2x factor, 30s cap, ±20% jitter, 6 attempts.
func DefaultBackoff() *Backoff {
	return &Backoff{
		BaseDelay:   500 * time.Millisecond,
		Factor:      2.0,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
		MaxAttempts: 6,
	}
}

// ShouldRetry returns true while the attempt count (0-indexed, failed
// attempts so far) is below MaxAttempts.
func (b *Backoff) ShouldRetry(attempt int) bool {
	return attempt < b.MaxAttempts
}

// Delay returns the wait before the given attempt (0-indexed). r is a
// uniform sample in [0, 1) that places the delay within the jitter band.
// The result is BaseDelay * Factor^attempt * (1 ± Jitter), capped at MaxDelay.
func (b *Backoff) Delay(attempt int, r float64) time.Duration {
	raw := float64(b.BaseDelay) * math.Pow(b.Factor, float64(attempt))
	// Past twice the cap even the lowest jitter lands on the cap.
	if limit := 2 * float64(b.MaxDelay); raw > limit || math.IsInf(raw, 1) {
		raw = limit
	}
	delay := raw * (1 + b.Jitter*(2*r-1))
	if delay > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}

// Schedule returns the delays for the first n attempts, raised where
// needed so that no delay is shorter than the one before it.
func (b *Backoff) Schedule(n int, rnd func() float64) []time.Duration {
	out := make([]time.Duration, n)
	var last time.Duration
	for i := range out {
		d := b.Delay(i, rnd())
		if d < last {
			d = last
		}
		out[i] = d
		last = d
	}
	return out
}
