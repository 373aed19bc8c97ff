package provider

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mapgen/internal/cost"
	"github.com/sells-group/mapgen/internal/generation"
	"github.com/sells-group/mapgen/internal/model"
	"github.com/sells-group/mapgen/internal/resilience"
	"github.com/sells-group/mapgen/pkg/anthropic"
)

// Anthropic implements generation.Generator and generation.Validator with
// the Messages API.
type Anthropic struct {
	client  anthropic.Client
	cfg     Config
	limiter *Limiter
	costs   *cost.Calculator
}

// NewAnthropic wraps an Anthropic client.
func NewAnthropic(client anthropic.Client, cfg Config, limiter *Limiter, costs *cost.Calculator) *Anthropic {
	if limiter == nil {
		limiter = NewLimiter(0, 1)
	}
	return &Anthropic{client: client, cfg: cfg.withDefaults(), limiter: limiter, costs: costs}
}

// Generate asks the model for up to k substitutions.
func (a *Anthropic) Generate(ctx context.Context, q model.Question, k int, strategy string) ([]model.MappingCandidate, error) {
	text, err := a.complete(ctx, "generation", a.cfg.GeneratorModel, generatorSystem, generationPrompt(q, k, strategy))
	if err != nil {
		return nil, err
	}
	return parseCandidates(text)
}

// Validate asks the model to judge one substitution.
func (a *Anthropic) Validate(ctx context.Context, q model.Question, c model.MappingCandidate) (*generation.Verdict, error) {
	text, err := a.complete(ctx, "validation", a.cfg.ValidatorModel, validatorSystem, validationPrompt(q, c))
	if err != nil {
		return nil, err
	}
	return parseVerdict(text, a.cfg.MinConfidence)
}

func (a *Anthropic) complete(ctx context.Context, phase, modelID, system, prompt string) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}

	temp := a.cfg.Temperature
	resp, err := a.client.Complete(ctx, anthropic.Request{
		Model:       modelID,
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: &temp,
		System:      system,
		Prompt:      prompt,
		Prefill:     "{",
	})
	if err != nil {
		err = resilience.FromStatus(err, anthropic.StatusCode(err))
		a.limiter.Observe(err)
		return "", eris.Wrapf(err, "provider: anthropic %s", phase)
	}
	a.limiter.Observe(nil)

	if a.costs != nil {
		a.costs.Record(NameAnthropic, modelID, phase, cost.Usage{
			Input:      resp.Usage.Input,
			Output:     resp.Usage.Output,
			CacheWrite: resp.Usage.CacheWrite,
			CacheRead:  resp.Usage.CacheRead,
		})
	}
	if resp.Truncated() {
		return "", eris.Wrapf(generation.ErrMalformedResponse, "provider: anthropic %s hit max_tokens (%d)", phase, a.cfg.MaxTokens)
	}
	return resp.Text, nil
}
