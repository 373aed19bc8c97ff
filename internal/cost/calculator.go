package cost

import (
	"sync"

	"go.uber.org/zap"
)

// Rates holds per-provider pricing configuration.
type Rates struct {
	Anthropic map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI    map[string]ModelRate `yaml:"openai" mapstructure:"openai"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Usage is the token usage of a single provider call.
type Usage struct {
	Input      int64
	Output     int64
	CacheWrite int64
	CacheRead  int64
}

// Calculator computes costs for API usage and keeps a running total.
type Calculator struct {
	rates Rates

	mu    sync.Mutex
	total float64
	calls int
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Claude computes the cost for a Claude API call.
func (c *Calculator) Claude(model string, u Usage) float64 {
	return price(c.rates.Anthropic, model, u)
}

// OpenAI computes the cost for an OpenAI chat completion. Cached prompt
// tokens are reported inside Input by the API, so they are billed at the
// discounted rate instead of the full one.
func (c *Calculator) OpenAI(model string, u Usage) float64 {
	u.Input -= u.CacheRead
	if u.Input < 0 {
		u.Input = 0
	}
	return price(c.rates.OpenAI, model, u)
}

func price(rates map[string]ModelRate, model string, u Usage) float64 {
	rate, ok := rates[model]
	if !ok {
		return 0
	}
	inCost := (float64(u.Input) / 1e6) * rate.Input
	outCost := (float64(u.Output) / 1e6) * rate.Output
	cwCost := (float64(u.CacheWrite) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(u.CacheRead) / 1e6) * rate.Input * rate.CacheReadMul
	return inCost + outCost + cwCost + crCost
}

// Record adds a call's cost to the running total and logs the attribution.
func (c *Calculator) Record(provider, model, phase string, u Usage) float64 {
	var usd float64
	switch provider {
	case "anthropic":
		usd = c.Claude(model, u)
	case "openai":
		usd = c.OpenAI(model, u)
	}

	c.mu.Lock()
	c.total += usd
	c.calls++
	c.mu.Unlock()

	zap.L().Info("cost attribution",
		zap.String("provider", provider),
		zap.String("model", model),
		zap.String("phase", phase),
		zap.Int64("input_tokens", u.Input),
		zap.Int64("output_tokens", u.Output),
		zap.Int64("cache_write_tokens", u.CacheWrite),
		zap.Int64("cache_read_tokens", u.CacheRead),
		zap.Float64("estimated_cost_usd", usd),
	)
	return usd
}

// Total returns the accumulated estimated cost and the number of calls.
func (c *Calculator) Total() (float64, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total, c.calls
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input: 0.80, Output: 4.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-opus-4-6": {
				Input: 15.00, Output: 75.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
		OpenAI: map[string]ModelRate{
			"gpt-4o": {
				Input: 2.50, Output: 10.00,
				CacheReadMul: 0.5,
			},
			"gpt-4o-mini": {
				Input: 0.15, Output: 0.60,
				CacheReadMul: 0.5,
			},
		},
	}
}
