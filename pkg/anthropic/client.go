// Package anthropic is a narrow wrapper over the Messages API for
// single-prompt JSON completions.
package anthropic

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
)

// SystemCacheTTL is how long the system prompt stays in the prompt cache.
// Every question of a run shares the same instructions.
const SystemCacheTTL = "5m"

// Client completes one prompt.
type Client interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// Request is a single-turn completion request.
type Request struct {
	Model       string
	MaxTokens   int64
	Temperature *float64
	// System is sent as one cached block.
	System string
	Prompt string
	// Prefill starts the assistant turn, e.g. "{" to force a JSON object.
	Prefill string
}

// Completion is the text of a response, prefill included.
type Completion struct {
	Text       string
	StopReason string
	Usage      Usage
}

// Truncated reports whether generation stopped at the token limit.
func (c *Completion) Truncated() bool {
	return c != nil && c.StopReason == string(sdk.StopReasonMaxTokens)
}

// Usage is the token accounting of one call.
type Usage struct {
	Input      int64
	Output     int64
	CacheWrite int64
	CacheRead  int64
}

// StatusCode returns the HTTP status carried by an API error, or 0.
func StatusCode(err error) int {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

type sdkClient struct {
	client sdk.Client
}

// NewClient creates a Client backed by the SDK. SDK retries are off: the
// caller owns the attempt budget. opts are applied after the defaults.
func NewClient(apiKey string, opts ...option.RequestOption) Client {
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	return &sdkClient{client: sdk.NewClient(append(base, opts...)...)}
}

func (c *sdkClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	msg, err := c.client.Messages.New(ctx, newParams(req))
	if err != nil {
		return nil, eris.Wrap(err, "anthropic: complete")
	}
	return toCompletion(req.Prefill, msg), nil
}

func newParams(req Request) sdk.MessageNewParams {
	msgs := []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))}
	if req.Prefill != "" {
		msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(req.Prefill)))
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: req.MaxTokens,
		Messages:  msgs,
	}
	if req.System != "" {
		cc := sdk.NewCacheControlEphemeralParam()
		cc.TTL = sdk.CacheControlEphemeralTTL(SystemCacheTTL)
		params.System = []sdk.TextBlockParam{{Text: req.System, CacheControl: cc}}
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	return params
}

func toCompletion(prefill string, msg *sdk.Message) *Completion {
	var b strings.Builder
	b.WriteString(prefill)
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return &Completion{
		Text:       b.String(),
		StopReason: string(msg.StopReason),
		Usage: Usage{
			Input:      msg.Usage.InputTokens,
			Output:     msg.Usage.OutputTokens,
			CacheWrite: msg.Usage.CacheCreationInputTokens,
			CacheRead:  msg.Usage.CacheReadInputTokens,
		},
	}
}
