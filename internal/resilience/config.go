package resilience

import (
	"time"
)

// FromBackoffConfig converts config values to a BackoffConfig. A negative
// initialBackoffMs disables the delay entirely.
func FromBackoffConfig(initialBackoffMs, maxBackoffMs int, multiplier, jitterFraction float64) BackoffConfig {
	cfg := DefaultBackoffConfig()
	if initialBackoffMs < 0 {
		return NoBackoff()
	}
	if initialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(initialBackoffMs) * time.Millisecond
	}
	if maxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(maxBackoffMs) * time.Millisecond
	}
	if multiplier > 0 {
		cfg.Multiplier = multiplier
	}
	if jitterFraction >= 0 {
		cfg.JitterFraction = jitterFraction
	}
	return cfg
}

// FromCircuitConfig converts config values to a BreakerConfig.
func FromCircuitConfig(failureThreshold, cooldownSecs int) BreakerConfig {
	cfg := DefaultBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if cooldownSecs > 0 {
		cfg.Cooldown = time.Duration(cooldownSecs) * time.Second
	}
	return cfg
}
