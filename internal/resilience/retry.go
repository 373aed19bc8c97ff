package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// BackoffConfig controls the delay inserted between generation attempts.
type BackoffConfig struct {
	// InitialBackoff is the delay before the second attempt. Default: 500ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay. Default: 30s.
	MaxBackoff time.Duration

	// Multiplier scales the delay after each attempt. Default: 2.0.
	Multiplier float64

	// JitterFraction adds random jitter as a fraction of the computed delay
	// (0.0 = no jitter, 0.5 = ±50%). Default: 0.25.
	JitterFraction float64
}

// DefaultBackoffConfig returns the delay policy used between provider attempts.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

// NoBackoff retries immediately. Used by tests and the CLI's --no-backoff.
func NoBackoff() BackoffConfig {
	return BackoffConfig{InitialBackoff: -1}
}

// Delay returns how long to wait after the given failed attempt (1-based).
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if c.InitialBackoff < 0 {
		return 0
	}
	c = applyDefaults(c)
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(c.InitialBackoff) * math.Pow(c.Multiplier, float64(attempt-1))
	if delay > float64(c.MaxBackoff) {
		delay = float64(c.MaxBackoff)
	}

	// Apply jitter: ±JitterFraction of delay.
	if c.JitterFraction > 0 {
		jitterRange := delay * c.JitterFraction
		jitter := (rand.Float64()*2 - 1) * jitterRange // [-jitterRange, +jitterRange]
		delay += jitter
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Wait sleeps for d or until ctx is done, whichever comes first.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func applyDefaults(c BackoffConfig) BackoffConfig {
	if c.InitialBackoff == 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.JitterFraction < 0 {
		c.JitterFraction = 0
	}
	return c
}
