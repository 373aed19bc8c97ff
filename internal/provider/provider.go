// Package provider implements the generation collaborators on top of hosted
// LLM APIs (Anthropic, OpenAI).
package provider

import (
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	openai "github.com/sashabaranov/go-openai"

	"github.com/sells-group/mapgen/internal/cost"
	"github.com/sells-group/mapgen/internal/generation"
	"github.com/sells-group/mapgen/pkg/anthropic"
)

// Provider names accepted by New.
const (
	NameAnthropic = "anthropic"
	NameOpenAI    = "openai"
)

// Config configures an LLM-backed generator and validator pair.
type Config struct {
	Name              string
	APIKey            string
	BaseURL           string
	GeneratorModel    string
	ValidatorModel    string
	MaxTokens         int64
	Temperature       float64
	RequestsPerSecond float64
	Burst             int
	MinConfidence     float64
}

func (c Config) withDefaults() Config {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
	switch c.Name {
	case NameOpenAI:
		if c.GeneratorModel == "" {
			c.GeneratorModel = openai.GPT4o
		}
		if c.ValidatorModel == "" {
			c.ValidatorModel = openai.GPT4oMini
		}
	default:
		if c.GeneratorModel == "" {
			c.GeneratorModel = "claude-sonnet-4-5-20250929"
		}
		if c.ValidatorModel == "" {
			c.ValidatorModel = "claude-haiku-4-5-20251001"
		}
	}
	return c
}

// Collaborators is the generator and validator built from one Config.
type Collaborators struct {
	Name      string
	Generator generation.Generator
	Validator generation.Validator
	Limiter   *Limiter
}

// New builds the collaborators for the configured provider. Both share one
// rate limiter and record their spend on costs (which may be nil).
func New(cfg Config, costs *cost.Calculator) (*Collaborators, error) {
	if cfg.APIKey == "" {
		return nil, eris.Errorf("provider: %s api key is required", cfg.Name)
	}
	cfg = cfg.withDefaults()
	limiter := NewLimiter(cfg.RequestsPerSecond, cfg.Burst)

	switch cfg.Name {
	case NameAnthropic:
		var opts []option.RequestOption
		if cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.BaseURL))
		}
		p := NewAnthropic(anthropic.NewClient(cfg.APIKey, opts...), cfg, limiter, costs)
		return &Collaborators{Name: cfg.Name, Generator: p, Validator: p, Limiter: limiter}, nil
	case NameOpenAI:
		oc := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			oc.BaseURL = cfg.BaseURL
		}
		p := NewOpenAI(openai.NewClientWithConfig(oc), cfg, limiter, costs)
		return &Collaborators{Name: cfg.Name, Generator: p, Validator: p, Limiter: limiter}, nil
	default:
		return nil, eris.Errorf("provider: unknown provider %q", cfg.Name)
	}
}
