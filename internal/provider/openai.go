package provider

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	openai "github.com/sashabaranov/go-openai"

	"github.com/sells-group/mapgen/internal/cost"
	"github.com/sells-group/mapgen/internal/generation"
	"github.com/sells-group/mapgen/internal/model"
	"github.com/sells-group/mapgen/internal/resilience"
)

// ChatClient is the subset of the go-openai client used here.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI implements generation.Generator and generation.Validator with the
// chat completions API in JSON mode.
type OpenAI struct {
	client  ChatClient
	cfg     Config
	limiter *Limiter
	costs   *cost.Calculator
}

// NewOpenAI wraps a chat completions client.
func NewOpenAI(client ChatClient, cfg Config, limiter *Limiter, costs *cost.Calculator) *OpenAI {
	if limiter == nil {
		limiter = NewLimiter(0, 1)
	}
	cfg.Name = NameOpenAI
	return &OpenAI{client: client, cfg: cfg.withDefaults(), limiter: limiter, costs: costs}
}

// Generate asks the model for up to k substitutions.
func (o *OpenAI) Generate(ctx context.Context, q model.Question, k int, strategy string) ([]model.MappingCandidate, error) {
	text, err := o.complete(ctx, "generation", o.cfg.GeneratorModel, generatorSystem, generationPrompt(q, k, strategy))
	if err != nil {
		return nil, err
	}
	return parseCandidates(text)
}

// Validate asks the model to judge one substitution.
func (o *OpenAI) Validate(ctx context.Context, q model.Question, c model.MappingCandidate) (*generation.Verdict, error) {
	text, err := o.complete(ctx, "validation", o.cfg.ValidatorModel, validatorSystem, validationPrompt(q, c))
	if err != nil {
		return nil, err
	}
	return parseVerdict(text, o.cfg.MinConfidence)
}

func (o *OpenAI) complete(ctx context.Context, phase, modelID, system, prompt string) (string, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return "", err
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: modelID,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   int(o.cfg.MaxTokens),
		Temperature: float32(o.cfg.Temperature),
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		err = resilience.FromStatus(err, openAIStatus(err))
		o.limiter.Observe(err)
		return "", eris.Wrapf(err, "provider: openai %s", phase)
	}
	o.limiter.Observe(nil)

	if o.costs != nil {
		usage := cost.Usage{
			Input:  int64(resp.Usage.PromptTokens),
			Output: int64(resp.Usage.CompletionTokens),
		}
		if resp.Usage.PromptTokensDetails != nil {
			usage.CacheRead = int64(resp.Usage.PromptTokensDetails.CachedTokens)
		}
		o.costs.Record(NameOpenAI, modelID, phase, usage)
	}

	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

func openAIStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
