// Package resilience provides the circuit breakers, attempt pacing and
// transient-error checks wrapped around generator and validator calls.
package resilience

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState is the state of one collaborator's breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned for calls rejected by an open breaker.
var ErrCircuitOpen = eris.New("resilience: circuit open")

// BreakerConfig is shared by every breaker of a Breakers set.
type BreakerConfig struct {
	// FailureThreshold consecutive tripping failures open the circuit.
	FailureThreshold int
	// Cooldown is how long an open circuit fails fast before it admits a trial.
	Cooldown time.Duration
	// ShouldTrip picks the errors that count as failures. Nil counts all.
	ShouldTrip func(err error) bool
	// OnStateChange runs on every transition, with the breaker's lock held.
	OnStateChange func(name string, from, to CircuitState)
}

// DefaultBreakerConfig returns the breaker settings used when nothing is
// configured.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

// Breaker guards one collaborator. While open it fails fast. Once the
// cooldown has passed, exactly one trial call is let through and its outcome
// closes or reopens the circuit.
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	trialing bool
}

func newBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig().Cooldown
	}
	return &Breaker{name: name, cfg: cfg, now: time.Now}
}

// Name returns the collaborator this breaker guards.
func (b *Breaker) Name() string { return b.name }

// State reports the breaker's state. An open breaker whose cooldown has
// passed reports half-open.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return CircuitHalfOpen
	}
	return b.state
}

// Failures returns the current run of consecutive tripping failures.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Call runs fn behind b. A nil breaker runs fn directly.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	if b == nil {
		return fn(ctx)
	}
	trial, err := b.admit()
	if err != nil {
		var zero T
		return zero, eris.Wrapf(err, "%s", b.name)
	}
	v, err := fn(ctx)
	b.record(trial, err)
	return v, err
}

func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return false, nil
	case CircuitOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false, ErrCircuitOpen
		}
		b.transition(CircuitHalfOpen)
	}
	if b.trialing {
		return false, ErrCircuitOpen
	}
	b.trialing = true
	return true, nil
}

func (b *Breaker) record(trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if trial {
		b.trialing = false
	}

	switch {
	case err != nil && errors.Is(err, context.Canceled):
		// A canceled call says nothing about the collaborator.
	case err == nil || !b.trips(err):
		b.failures = 0
		if trial && b.state == CircuitHalfOpen {
			b.transition(CircuitClosed)
		}
	default:
		b.failures++
		if trial || b.failures >= b.cfg.FailureThreshold {
			b.openedAt = b.now()
			if b.state != CircuitOpen {
				b.transition(CircuitOpen)
			}
		}
	}
}

func (b *Breaker) trips(err error) bool {
	if b.cfg.ShouldTrip == nil {
		return true
	}
	return b.cfg.ShouldTrip(err)
}

func (b *Breaker) transition(to CircuitState) {
	from := b.state
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

// Breakers holds one breaker per collaborator name, created on first use.
// A nil *Breakers hands out nil breakers, which never trip.
type Breakers struct {
	cfg BreakerConfig

	mu     sync.Mutex
	byName map[string]*Breaker
}

// NewBreakers creates an empty set sharing cfg.
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{cfg: cfg, byName: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it if needed.
func (bs *Breakers) Get(name string) *Breaker {
	if bs == nil {
		return nil
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.byName[name]
	if !ok {
		b = newBreaker(name, bs.cfg)
		bs.byName[name] = b
	}
	return b
}

// States returns the state of every breaker created so far, by name.
func (bs *Breakers) States() map[string]string {
	if bs == nil {
		return map[string]string{}
	}
	bs.mu.Lock()
	byName := maps.Clone(bs.byName)
	bs.mu.Unlock()

	states := make(map[string]string, len(byName))
	for name, b := range byName {
		states[name] = b.State().String()
	}
	return states
}
