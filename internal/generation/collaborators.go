// Package generation runs the per-question retry loop: it asks a Generator
// for substitution candidates, has a Validator judge them against the gold
// answer, and records every attempt in the job store.
package generation

import (
	"context"

	"github.com/sells-group/mapgen/internal/model"
)

// Generator produces up to k substitution candidates for a question.
// strategy is opaque to the controller.
type Generator interface {
	Generate(ctx context.Context, q model.Question, k int, strategy string) ([]model.MappingCandidate, error)
}

// Validator judges one candidate against the question's gold answer.
type Validator interface {
	Validate(ctx context.Context, q model.Question, c model.MappingCandidate) (*Verdict, error)
}

// Verdict is a validator's judgment of one candidate.
type Verdict struct {
	Valid          bool    `json:"valid"`
	Confidence     float64 `json:"confidence"`
	DeviationScore float64 `json:"deviation_score"`
	Reasoning      string  `json:"reasoning"`
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, q model.Question, k int, strategy string) ([]model.MappingCandidate, error)

func (f GeneratorFunc) Generate(ctx context.Context, q model.Question, k int, strategy string) ([]model.MappingCandidate, error) {
	return f(ctx, q, k, strategy)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, q model.Question, c model.MappingCandidate) (*Verdict, error)

func (f ValidatorFunc) Validate(ctx context.Context, q model.Question, c model.MappingCandidate) (*Verdict, error) {
	return f(ctx, q, c)
}
