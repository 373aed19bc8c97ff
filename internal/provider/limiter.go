package provider

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/mapgen/internal/resilience"
)

// Limiter throttles provider requests. A 429 halves the current rate; each
// success recovers 10% of it, never past the configured ceiling. Generator
// and validator calls share one Limiter so they draw on the same quota.
type Limiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	ceiling rate.Limit
	floor   rate.Limit
	current rate.Limit
}

// NewLimiter creates a limiter allowing rps requests per second with the
// given burst. A non-positive rps disables throttling.
func NewLimiter(rps float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &Limiter{
		limiter: rate.NewLimiter(limit, burst),
		ceiling: limit,
		floor:   limit / 8,
		current: limit,
	}
}

// Wait blocks until a request may be sent or ctx ends.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return eris.Wrap(err, "provider: rate limiter wait")
	}
	return nil
}

// Observe adjusts the rate from the outcome of a request.
func (l *Limiter) Observe(err error) {
	if l.ceiling == rate.Inf {
		return
	}
	switch {
	case err == nil:
		l.adjust(1.1)
	case resilience.IsRateLimited(err):
		l.adjust(0.5)
		zap.L().Warn("provider: reducing request rate after 429",
			zap.Float64("new_rate", float64(l.Limit())),
		)
	}
}

func (l *Limiter) adjust(factor float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.current * rate.Limit(factor)
	if next > l.ceiling {
		next = l.ceiling
	}
	if next < l.floor {
		next = l.floor
	}
	l.current = next
	l.limiter.SetLimit(next)
}

// Limit returns the current rate limit.
func (l *Limiter) Limit() rate.Limit {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}
