package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelay_ExponentialGrowth(t *testing.T) {
	cfg := BackoffConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0,
	}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	}
	for i, w := range want {
		if got := cfg.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestDelay_CapsAtMax(t *testing.T) {
	cfg := BackoffConfig{
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     3 * time.Second,
		Multiplier:     10,
		JitterFraction: 0,
	}
	if got := cfg.Delay(5); got != 3*time.Second {
		t.Errorf("expected capped delay of 3s, got %v", got)
	}
}

func TestDelay_WithJitterStaysInRange(t *testing.T) {
	cfg := BackoffConfig{
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2,
		JitterFraction: 0.5,
	}
	for i := 0; i < 50; i++ {
		got := cfg.Delay(1)
		if got < 500*time.Millisecond || got > 1500*time.Millisecond {
			t.Fatalf("jittered delay %v outside [500ms, 1.5s]", got)
		}
	}
}

func TestDelay_NoBackoff(t *testing.T) {
	if got := NoBackoff().Delay(3); got != 0 {
		t.Errorf("expected zero delay, got %v", got)
	}
}

func TestDelay_ZeroConfigUsesDefaults(t *testing.T) {
	cfg := BackoffConfig{JitterFraction: 0}
	if got := cfg.Delay(1); got != 500*time.Millisecond {
		t.Errorf("expected default 500ms, got %v", got)
	}
}

func TestWait_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Wait(ctx, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Wait should return immediately on cancelled context")
	}
}

func TestWait_Elapses(t *testing.T) {
	if err := Wait(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Wait(context.Background(), 0); err != nil {
		t.Fatalf("unexpected error for zero wait: %v", err)
	}
}

func TestFromBackoffConfig(t *testing.T) {
	cfg := FromBackoffConfig(250, 5000, 3, 0)
	if cfg.InitialBackoff != 250*time.Millisecond {
		t.Errorf("initial = %v", cfg.InitialBackoff)
	}
	if cfg.MaxBackoff != 5*time.Second {
		t.Errorf("max = %v", cfg.MaxBackoff)
	}
	if cfg.Multiplier != 3 {
		t.Errorf("multiplier = %v", cfg.Multiplier)
	}
	if cfg.JitterFraction != 0 {
		t.Errorf("jitter = %v", cfg.JitterFraction)
	}

	if got := FromBackoffConfig(-1, 0, 0, 0).Delay(2); got != 0 {
		t.Errorf("negative initial backoff should disable delay, got %v", got)
	}
}

func TestFromCircuitConfig(t *testing.T) {
	cfg := FromCircuitConfig(0, 0)
	if cfg.FailureThreshold != 5 || cfg.Cooldown != 30*time.Second {
		t.Errorf("expected defaults, got %+v", cfg)
	}
	cfg = FromCircuitConfig(2, 10)
	if cfg.FailureThreshold != 2 || cfg.Cooldown != 10*time.Second {
		t.Errorf("expected overrides, got %+v", cfg)
	}
}
